package handler

import (
	"net/http"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
	"account-ledger/internal/service"
)

type ReportHandler struct {
	queryService *service.QueryService
}

func NewReportHandler(queryService *service.QueryService) *ReportHandler {
	return &ReportHandler{
		queryService: queryService,
	}
}

// Summary serves GET /reports/summary?account_id=&from=&to=.
func (h *ReportHandler) Summary(w http.ResponseWriter, r *http.Request) {
	filter, appErr := reportFilter(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	summary, err := h.queryService.Summary(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (h *ReportHandler) Daily(w http.ResponseWriter, r *http.Request) {
	filter, appErr := reportFilter(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	days, err := h.queryService.DailyRollup(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if days == nil {
		days = []service.DailyTotal{}
	}

	writeJSON(w, http.StatusOK, days)
}

func (h *ReportHandler) Incidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.queryService.ListIncidents(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if incidents == nil {
		incidents = []*domain.Incident{}
	}

	writeJSON(w, http.StatusOK, incidents)
}

func reportFilter(r *http.Request) (domain.ReportFilter, *errors.AppError) {
	var filter domain.ReportFilter

	if raw := r.URL.Query().Get("account_id"); raw != "" {
		id, err := service.ParseAccountID(raw)
		if err != nil {
			return filter, errors.As(err)
		}
		filter.AccountID = &id
	}

	var appErr *errors.AppError
	if filter.From, appErr = queryTime(r, "from"); appErr != nil {
		return filter, appErr
	}
	if filter.To, appErr = queryTime(r, "to"); appErr != nil {
		return filter, appErr
	}
	return filter, nil
}

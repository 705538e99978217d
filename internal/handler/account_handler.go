package handler

import (
	"net/http"

	"account-ledger/internal/domain"
	"account-ledger/internal/service"

	"github.com/gorilla/mux"
)

type AccountHandler struct {
	accountService *service.AccountService
	queryService   *service.QueryService
}

func NewAccountHandler(accountService *service.AccountService, queryService *service.QueryService) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		queryService:   queryService,
	}
}

type CreateAccountRequest struct {
	AccountNumber string `json:"account_number,omitempty"`
	UserID        int64  `json:"user_id"`
	BranchID      int64  `json:"branch_id"`
	Type          string `json:"type"`
}

type ChangeStatusRequest struct {
	Status string `json:"status"`
}

func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if appErr := decodeBody(r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}

	account, err := h.accountService.CreateAccount(r.Context(), &service.CreateAccountRequest{
		Number:   req.AccountNumber,
		UserID:   req.UserID,
		BranchID: req.BranchID,
		Type:     domain.AccountType(req.Type),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accountService.GetAccount(r.Context(), mux.Vars(r)["account_id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

func (h *AccountHandler) GetAccountByNumber(w http.ResponseWriter, r *http.Request) {
	account, err := h.accountService.GetAccountByNumber(r.Context(), mux.Vars(r)["account_number"])
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

func (h *AccountHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req ChangeStatusRequest
	if appErr := decodeBody(r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}

	account, err := h.accountService.ChangeStatus(r.Context(), mux.Vars(r)["account_id"], domain.AccountStatus(req.Status))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

// GetStatement serves GET /accounts/{account_id}/statement?page=&page_size=.
func (h *AccountHandler) GetStatement(w http.ResponseWriter, r *http.Request) {
	accountID, err := service.ParseAccountID(mux.Vars(r)["account_id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}

	page, appErr := queryInt(r, "page", 1)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	pageSize, appErr := queryInt(r, "page_size", service.DefaultPageSize)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	statement, err := h.queryService.GetStatement(r.Context(), accountID, page, pageSize)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statement)
}

func (h *AccountHandler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	accountID, err := service.ParseAccountID(mux.Vars(r)["account_id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}

	check, err := h.queryService.VerifyBalance(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, check)
}

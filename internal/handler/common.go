package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

const idempotencyHeader = "Idempotency-Key"

type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

type Error struct {
	Code     string `json:"code"`
	Category string `json:"category"`
	Message  string `json:"message"`
	Details  string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := Response{Data: data}
	json.NewEncoder(w).Encode(response)
}

func writeError(w http.ResponseWriter, appErr *errors.AppError) {
	writeEnvelope(w, appErr.HTTPStatus(), Response{Error: toError(appErr)})
}

// writeServiceError maps anything a service returns onto the envelope.
// Unknown errors become internal_error.
func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, errors.As(err))
}

// writeResult answers a money-movement call. Rejections carry both the
// result and the error so clients can read the reason either way.
func writeResult(w http.ResponseWriter, result *domain.TransactionResult) {
	if result.Committed() {
		status := http.StatusCreated
		if result.Replayed {
			status = http.StatusOK
		}
		writeJSON(w, status, result)
		return
	}

	appErr := errors.NewAppError(errors.ErrorCode(result.ReasonCode), result.Message)
	writeEnvelope(w, appErr.HTTPStatus(), Response{Data: result, Error: toError(appErr)})
}

func writeEnvelope(w http.ResponseWriter, statusCode int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

func toError(appErr *errors.AppError) *Error {
	return &Error{
		Code:     string(appErr.Code),
		Category: string(appErr.Code.Category()),
		Message:  appErr.Message,
		Details:  appErr.Details,
	}
}

func decodeBody(r *http.Request, dst interface{}) *errors.AppError {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error())
	}
	return nil
}

// queryInt reads a positive integer query parameter, returning fallback
// when it is absent.
func queryInt(r *http.Request, name string, fallback int) (int, *errors.AppError) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewAppErrorf(errors.InvalidInput, "%s must be an integer", name)
	}
	return v, nil
}

// queryTime accepts RFC 3339 timestamps or plain dates. Dates are taken as
// midnight UTC.
func queryTime(r *http.Request, name string) (time.Time, *errors.AppError) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, errors.NewAppErrorf(errors.InvalidInput, "%s must be an RFC 3339 timestamp or a YYYY-MM-DD date", name)
}

package handler

import (
	"net/http"

	"account-ledger/internal/errors"
	"account-ledger/internal/service"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

type TransactionHandler struct {
	transactionService *service.TransactionService
}

func NewTransactionHandler(transactionService *service.TransactionService) *TransactionHandler {
	return &TransactionHandler{
		transactionService: transactionService,
	}
}

// MovementRequest is the body of deposit, withdraw and transfer calls.
// Fields that do not apply to the operation are ignored.
type MovementRequest struct {
	RequestKey        string `json:"request_key,omitempty"`
	FromAccountNumber string `json:"from_account_number,omitempty"`
	ToAccountNumber   string `json:"to_account_number,omitempty"`
	Amount            string `json:"amount"`
	Description       string `json:"description,omitempty"`
}

// parse decodes the body and resolves the request key, which the
// Idempotency-Key header overrides.
func (req *MovementRequest) parse(r *http.Request) (decimal.Decimal, *errors.AppError) {
	if appErr := decodeBody(r, req); appErr != nil {
		return decimal.Zero, appErr
	}
	if key := r.Header.Get(idempotencyHeader); key != "" {
		req.RequestKey = key
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return decimal.Zero, errors.ErrInvalidAmount.WithDetails(err.Error())
	}
	return amount, nil
}

func (h *TransactionHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	amount, appErr := req.parse(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	result, err := h.transactionService.Deposit(r.Context(), &service.DepositRequest{
		RequestKey:      req.RequestKey,
		ToAccountNumber: req.ToAccountNumber,
		Amount:          amount,
		Description:     req.Description,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeResult(w, result)
}

func (h *TransactionHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	amount, appErr := req.parse(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	result, err := h.transactionService.Withdraw(r.Context(), &service.WithdrawRequest{
		RequestKey:        req.RequestKey,
		FromAccountNumber: req.FromAccountNumber,
		Amount:            amount,
		Description:       req.Description,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeResult(w, result)
}

func (h *TransactionHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	amount, appErr := req.parse(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	result, err := h.transactionService.Transfer(r.Context(), &service.TransferRequest{
		RequestKey:        req.RequestKey,
		FromAccountNumber: req.FromAccountNumber,
		ToAccountNumber:   req.ToAccountNumber,
		Amount:            amount,
		Description:       req.Description,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeResult(w, result)
}

func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	transaction, err := h.transactionService.GetTransaction(r.Context(), mux.Vars(r)["reference"])
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, transaction)
}

func (h *TransactionHandler) Redact(w http.ResponseWriter, r *http.Request) {
	transaction, err := h.transactionService.Redact(r.Context(), mux.Vars(r)["reference"])
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, transaction)
}

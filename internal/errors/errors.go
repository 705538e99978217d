package errors

import (
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	InvalidInput            ErrorCode = "invalid_input"
	InvalidAmount           ErrorCode = "invalid_amount"
	InvalidAccountID        ErrorCode = "invalid_account_id"
	AmountOutOfRange        ErrorCode = "amount_out_of_range"
	InsufficientFunds       ErrorCode = "insufficient_funds"
	AccountNotActive        ErrorCode = "account_not_active"
	SameAccountTransfer     ErrorCode = "same_account_transfer"
	OperationNotPermitted   ErrorCode = "operation_not_permitted"
	AccountBalanceNotZero   ErrorCode = "account_balance_not_zero"
	AccountNotFound         ErrorCode = "account_not_found"
	TransactionNotFound     ErrorCode = "transaction_not_found"
	DuplicateAccount        ErrorCode = "duplicate_account"
	InvalidStatusTransition ErrorCode = "invalid_status_transition"
	IdempotencyInFlight     ErrorCode = "idempotency_in_flight"
	IdempotencyKeyReuse     ErrorCode = "idempotency_key_reuse"
	IdempotencyLeaseLost    ErrorCode = "idempotency_lease_lost"
	Timeout                 ErrorCode = "timeout"
	StorageFault            ErrorCode = "storage_fault"
	CompensationFailed      ErrorCode = "compensation_failed"
	InternalError           ErrorCode = "internal_error"
)

// Category groups error codes by how callers are expected to react.
type Category string

const (
	CategoryValidation   Category = "validation"
	CategoryBusinessRule Category = "business_rule"
	CategoryConflict     Category = "conflict"
	CategoryStorage      Category = "storage"
	CategoryCompensation Category = "compensation"
	CategoryInternal     Category = "internal"
)

func (c ErrorCode) Category() Category {
	switch c {
	case InvalidInput, InvalidAmount, InvalidAccountID, AccountNotFound, TransactionNotFound:
		return CategoryValidation
	case AmountOutOfRange, InsufficientFunds, AccountNotActive, SameAccountTransfer,
		OperationNotPermitted, AccountBalanceNotZero:
		return CategoryBusinessRule
	case DuplicateAccount, InvalidStatusTransition, IdempotencyInFlight, IdempotencyKeyReuse,
		IdempotencyLeaseLost, Timeout:
		return CategoryConflict
	case StorageFault:
		return CategoryStorage
	case CompensationFailed:
		return CategoryCompensation
	default:
		return CategoryInternal
	}
}

// Retryable reports whether the same request may be resubmitted with the
// same idempotency key.
func (c ErrorCode) Retryable() bool {
	return c == Timeout || c == StorageFault || c == IdempotencyInFlight
}

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any AppError carrying the same code, so errors.Is works
// against the predefined values below.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy carrying details; predefined errors stay untouched.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case InvalidInput, InvalidAmount, InvalidAccountID, SameAccountTransfer:
		return http.StatusBadRequest
	case AccountNotFound, TransactionNotFound:
		return http.StatusNotFound
	case DuplicateAccount, InvalidStatusTransition, IdempotencyInFlight, IdempotencyLeaseLost:
		return http.StatusConflict
	case AmountOutOfRange, InsufficientFunds, AccountNotActive, OperationNotPermitted,
		AccountBalanceNotZero, IdempotencyKeyReuse:
		return http.StatusUnprocessableEntity
	case Timeout, StorageFault:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Storage wraps a driver error as a storage fault.
func Storage(message string, err error) *AppError {
	appErr := NewAppError(StorageFault, message)
	if err != nil {
		appErr.Details = err.Error()
	}
	return appErr
}

// As extracts an AppError, mapping anything else to internal_error.
func As(err error) *AppError {
	if err == nil {
		return nil
	}
	for e := err; e != nil; {
		if appErr, ok := e.(*AppError); ok {
			return appErr
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return NewAppError(InternalError, "an unexpected error occurred").WithDetails(err.Error())
}

// Predefined errors for common cases
var (
	ErrInvalidAmount           = NewAppError(InvalidAmount, "amount must be positive with at most two decimal places")
	ErrInvalidAccountID        = NewAppError(InvalidAccountID, "account ID must be a positive integer")
	ErrInvalidAccountNumber    = NewAppError(InvalidInput, "account number must be 8-20 alphanumeric characters")
	ErrMissingRequestKey       = NewAppError(InvalidInput, "request key is required")
	ErrAmountOutOfRange        = NewAppError(AmountOutOfRange, "amount exceeds the single transaction limit")
	ErrInsufficientFunds       = NewAppError(InsufficientFunds, "insufficient funds")
	ErrAccountNotActive        = NewAppError(AccountNotActive, "account is not active")
	ErrSameAccountTransfer     = NewAppError(SameAccountTransfer, "cannot transfer to the same account")
	ErrOperationNotPermitted   = NewAppError(OperationNotPermitted, "operation not permitted for this account type")
	ErrAccountBalanceNotZero   = NewAppError(AccountBalanceNotZero, "account balance must be zero")
	ErrAccountNotFound         = NewAppError(AccountNotFound, "account not found")
	ErrTransactionNotFound     = NewAppError(TransactionNotFound, "transaction not found")
	ErrDuplicateAccount        = NewAppError(DuplicateAccount, "account already exists")
	ErrInvalidStatusTransition = NewAppError(InvalidStatusTransition, "status transition not allowed")
	ErrIdempotencyInFlight     = NewAppError(IdempotencyInFlight, "a request with this key is still being processed")
	ErrIdempotencyKeyReuse     = NewAppError(IdempotencyKeyReuse, "request key was already used with a different payload")
	ErrIdempotencyLeaseLost    = NewAppError(IdempotencyLeaseLost, "request key was reclaimed by another request")
	ErrTimeout                 = NewAppError(Timeout, "request timed out before it was applied")
	ErrCompensationFailed      = NewAppError(CompensationFailed, "transaction could not be compensated, manual reconciliation required")
	ErrCannotBeginTransaction  = NewAppError(InternalError, "cannot begin a transaction inside a transaction")
)

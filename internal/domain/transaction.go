package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
	TransactionTypeTransfer   TransactionType = "transfer"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// CanTransitionTo reports whether next is reachable from s. A transaction
// leaves Pending exactly once and never changes afterwards.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	return s == TransactionStatusPending &&
		(next == TransactionStatusCompleted || next == TransactionStatusFailed)
}

type Transaction struct {
	ID               int64               `json:"id"`
	Reference        string              `json:"reference"`
	FromAccountID    *int64              `json:"from_account_id,omitempty"`
	ToAccountID      *int64              `json:"to_account_id,omitempty"`
	Amount           decimal.Decimal     `json:"amount"`
	Type             TransactionType     `json:"type"`
	Status           TransactionStatus   `json:"status"`
	FromBalanceAfter decimal.NullDecimal `json:"from_balance_after"`
	ToBalanceAfter   decimal.NullDecimal `json:"to_balance_after"`
	Description      string              `json:"description"`
	Redacted         bool                `json:"redacted"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// BalanceAfter is the snapshot of the account that initiated the
// movement: the source for withdrawals and transfers, the target for deposits.
func (t *Transaction) BalanceAfter() decimal.NullDecimal {
	if t.Type == TransactionTypeDeposit {
		return t.ToBalanceAfter
	}
	return t.FromBalanceAfter
}

// Touches reports whether the entry moves money in or out of accountID.
func (t *Transaction) Touches(accountID int64) bool {
	return (t.FromAccountID != nil && *t.FromAccountID == accountID) ||
		(t.ToAccountID != nil && *t.ToAccountID == accountID)
}

// ReportFilter narrows the completed entries read by projections. Zero
// times leave that side of the range open.
type ReportFilter struct {
	AccountID *int64
	From      time.Time
	To        time.Time
}

type TransactionRepository interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransactionByID(ctx context.Context, id int64) (*Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error)
	CompleteTransaction(ctx context.Context, id int64, toBalanceAfter decimal.NullDecimal) error
	FailTransaction(ctx context.Context, id int64, reason string) error
	RedactTransaction(ctx context.Context, id int64) error
	ListCompletedByAccount(ctx context.Context, accountID int64, limit, offset int) ([]*Transaction, error)
	CountCompletedByAccount(ctx context.Context, accountID int64) (int, error)
	ListCompleted(ctx context.Context, filter ReportFilter) ([]*Transaction, error)
	// ListPending returns entries still pending that were created before the cutoff.
	ListPending(ctx context.Context, before time.Time) ([]*Transaction, error)
}

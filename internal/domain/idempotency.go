package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeRejected  Outcome = "rejected"
)

// TransactionResult is what every money-movement call returns. Balance is
// always the stored post-transaction balance, never a client computation.
type TransactionResult struct {
	Outcome       Outcome          `json:"outcome"`
	TransactionID int64            `json:"transaction_id,omitempty"`
	Reference     string           `json:"reference,omitempty"`
	ReasonCode    string           `json:"reason_code,omitempty"`
	Message       string           `json:"message,omitempty"`
	BalanceAfter  *decimal.Decimal `json:"balance_after,omitempty"`
	Replayed      bool             `json:"replayed"`
}

func (r *TransactionResult) Committed() bool {
	return r.Outcome == OutcomeCommitted
}

type IdempotencyStatus string

const (
	IdempotencyStatusInFlight  IdempotencyStatus = "in_flight"
	IdempotencyStatusCompleted IdempotencyStatus = "completed"
)

type IdempotencyRecord struct {
	Key         string
	Fingerprint string
	// Owner identifies the admission holding an in-flight marker.
	Owner       string
	Status      IdempotencyStatus
	Result      TransactionResult
	LockedUntil time.Time
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether a completed record has left the retention window.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return r.Status == IdempotencyStatusCompleted && !now.Before(r.ExpiresAt)
}

// Stale reports whether an in-flight marker outlived its lease, which
// happens when the owner died before finishing.
func (r *IdempotencyRecord) Stale(now time.Time) bool {
	return r.Status == IdempotencyStatusInFlight && !now.Before(r.LockedUntil)
}

type IdempotencyRepository interface {
	// InsertInFlight stores a provisional marker unless the key exists.
	InsertInFlight(ctx context.Context, record *IdempotencyRecord) (bool, error)
	GetRecord(ctx context.Context, key string) (*IdempotencyRecord, error)
	// Reclaim takes over a stale marker or an expired record.
	Reclaim(ctx context.Context, record *IdempotencyRecord, now time.Time) (bool, error)
	// Complete and Release only touch an in-flight marker still held by
	// owner, and fail with ErrIdempotencyLeaseLost otherwise.
	Complete(ctx context.Context, key, owner string, result TransactionResult, expiresAt time.Time) error
	Release(ctx context.Context, key, owner string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

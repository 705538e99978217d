package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const EventTransactionCommitted = "transaction.committed"

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusDelivered OutboxStatus = "delivered"
	OutboxStatusDead      OutboxStatus = "dead"
)

// OutboxEvent is written in the same unit of work as the ledger entry it
// announces and delivered later by the dispatcher.
type OutboxEvent struct {
	ID            int64
	EventType     string
	TransactionID int64
	Payload       []byte
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	DeliveredAt   *time.Time
	CreatedAt     time.Time
}

// TransactionEvent is the JSON payload of a transaction.committed event.
type TransactionEvent struct {
	TransactionID    int64               `json:"transaction_id"`
	Reference        string              `json:"reference"`
	Type             TransactionType     `json:"type"`
	Amount           decimal.Decimal     `json:"amount"`
	FromAccountID    *int64              `json:"from_account_id,omitempty"`
	ToAccountID      *int64              `json:"to_account_id,omitempty"`
	FromBalanceAfter decimal.NullDecimal `json:"from_balance_after"`
	ToBalanceAfter   decimal.NullDecimal `json:"to_balance_after"`
	CommittedAt      time.Time           `json:"committed_at"`
}

func NewTransactionEvent(t *Transaction, committedAt time.Time) TransactionEvent {
	return TransactionEvent{
		TransactionID:    t.ID,
		Reference:        t.Reference,
		Type:             t.Type,
		Amount:           t.Amount,
		FromAccountID:    t.FromAccountID,
		ToAccountID:      t.ToAccountID,
		FromBalanceAfter: t.FromBalanceAfter,
		ToBalanceAfter:   t.ToBalanceAfter,
		CommittedAt:      committedAt,
	}
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, event *OutboxEvent) error
	FetchDue(ctx context.Context, now time.Time, limit int) ([]*OutboxEvent, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastErr string, dead bool) error
}

const IncidentCompensationFailed = "compensation_failed"

// Incident is an operator-facing record of money that could not be
// reconciled automatically.
type Incident struct {
	ID            int64     `json:"id"`
	Kind          string    `json:"kind"`
	TransactionID int64     `json:"transaction_id"`
	Reference     string    `json:"reference"`
	Details       string    `json:"details"`
	Resolved      bool      `json:"resolved"`
	CreatedAt     time.Time `json:"created_at"`
}

type IncidentRepository interface {
	CreateIncident(ctx context.Context, incident *Incident) error
	ListOpenIncidents(ctx context.Context) ([]*Incident, error)
}

package domain

import "context"

// Store groups the ledger repositories behind one unit of work. Inside
// WithTransaction every repository obtained from the passed Store shares
// the same database transaction.
type Store interface {
	Accounts() AccountRepository
	Transactions() TransactionRepository
	Idempotency() IdempotencyRepository
	Outbox() OutboxRepository
	Incidents() IncidentRepository
	WithTransaction(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
}

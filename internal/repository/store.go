package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

// Store provides a unified interface for all repository operations with transaction support
type Store struct {
	db       *sql.DB
	tx       *sql.Tx
	executor SQLExecutor
	dialect  Dialect
	logger   *slog.Logger
}

var _ domain.Store = (*Store)(nil)

// NewStore creates a new Store instance
func NewStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	return &Store{
		db:       db,
		executor: executor{SQLExecutor: db, dialect: dialect},
		dialect:  dialect,
		logger:   logger,
	}
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Accounts() domain.AccountRepository {
	return NewAccountRepository(s.executor, s.dialect, s.logger)
}

func (s *Store) Transactions() domain.TransactionRepository {
	return NewTransactionRepository(s.executor, s.logger)
}

func (s *Store) Idempotency() domain.IdempotencyRepository {
	return NewIdempotencyRepository(s.executor, s.logger)
}

func (s *Store) Outbox() domain.OutboxRepository {
	return NewOutboxRepository(s.executor, s.logger)
}

func (s *Store) Incidents() domain.IncidentRepository {
	return NewIncidentRepository(s.executor, s.logger)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTransaction executes fn within a database transaction. The
// transaction commits only if fn returns nil.
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	if s.tx != nil {
		return errors.ErrCannotBeginTransaction
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("Failed to begin transaction", "error", err)
		return errors.Storage("failed to begin transaction", err)
	}

	txStore := &Store{
		db:       s.db,
		tx:       tx,
		executor: executor{SQLExecutor: tx, dialect: s.dialect},
		dialect:  s.dialect,
		logger:   s.logger,
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("Failed to commit transaction", "error", err)
		return errors.Storage("failed to commit transaction", err)
	}
	return nil
}

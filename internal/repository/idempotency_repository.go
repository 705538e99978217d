package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"time"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"

	"github.com/shopspring/decimal"
)

type idempotencyRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewIdempotencyRepository(db SQLExecutor, logger *slog.Logger) domain.IdempotencyRepository {
	return &idempotencyRepository{
		db:     db,
		logger: logger,
	}
}

func (r *idempotencyRepository) InsertInFlight(ctx context.Context, record *domain.IdempotencyRecord) (bool, error) {
	query := `
		INSERT INTO idempotency_records (key, fingerprint, owner, status, locked_until, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		record.Key,
		record.Fingerprint,
		record.Owner,
		domain.IdempotencyStatusInFlight,
		record.LockedUntil,
		record.CreatedAt,
		record.ExpiresAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert idempotency marker", "request_key", record.Key, "error", err)
		return false, errors.Storage("failed to insert idempotency marker", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, errors.Storage("failed to get rows affected", err)
	}
	return inserted == 1, nil
}

func (r *idempotencyRepository) GetRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `
		SELECT key, fingerprint, owner, status, outcome, transaction_id, reference, reason_code, message,
		       balance_after, locked_until, created_at, expires_at
		FROM idempotency_records WHERE key = $1
	`

	var record domain.IdempotencyRecord
	var outcome, reference, reasonCode, message sql.NullString
	var transactionID sql.NullInt64
	var balanceAfter decimal.NullDecimal

	err := r.db.QueryRowContext(ctx, query, key).Scan(
		&record.Key,
		&record.Fingerprint,
		&record.Owner,
		&record.Status,
		&outcome,
		&transactionID,
		&reference,
		&reasonCode,
		&message,
		&balanceAfter,
		&record.LockedUntil,
		&record.CreatedAt,
		&record.ExpiresAt,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get idempotency record", "request_key", key, "error", err)
		return nil, errors.Storage("failed to get idempotency record", err)
	}

	record.Result = domain.TransactionResult{
		Outcome:       domain.Outcome(outcome.String),
		TransactionID: transactionID.Int64,
		Reference:     reference.String,
		ReasonCode:    reasonCode.String,
		Message:       message.String,
	}
	if balanceAfter.Valid {
		balance := balanceAfter.Decimal
		record.Result.BalanceAfter = &balance
	}
	record.LockedUntil = record.LockedUntil.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()
	return &record, nil
}

func (r *idempotencyRepository) Reclaim(ctx context.Context, record *domain.IdempotencyRecord, now time.Time) (bool, error) {
	query := `
		UPDATE idempotency_records
		SET fingerprint = $1, status = $2, outcome = NULL, transaction_id = NULL, reference = NULL,
		    reason_code = NULL, message = NULL, balance_after = NULL,
		    locked_until = $3, created_at = $4, expires_at = $5, owner = $9
		WHERE key = $6
		  AND ((status = $2 AND locked_until <= $7) OR (status = $8 AND expires_at <= $7))
	`

	result, err := r.db.ExecContext(ctx, query,
		record.Fingerprint,
		domain.IdempotencyStatusInFlight,
		record.LockedUntil,
		record.CreatedAt,
		record.ExpiresAt,
		record.Key,
		now,
		domain.IdempotencyStatusCompleted,
		record.Owner,
	)
	if err != nil {
		r.logger.Error("Failed to reclaim idempotency record", "request_key", record.Key, "error", err)
		return false, errors.Storage("failed to reclaim idempotency record", err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return false, errors.Storage("failed to get rows affected", err)
	}
	return updated == 1, nil
}

func (r *idempotencyRepository) Complete(ctx context.Context, key, owner string, result domain.TransactionResult, expiresAt time.Time) error {
	query := `
		UPDATE idempotency_records
		SET status = $1, outcome = $2, transaction_id = $3, reference = $4, reason_code = $5,
		    message = $6, balance_after = $7, expires_at = $8
		WHERE key = $9 AND status = $10 AND owner = $11
	`

	var transactionID sql.NullInt64
	if result.TransactionID != 0 {
		transactionID = sql.NullInt64{Int64: result.TransactionID, Valid: true}
	}
	var balanceAfter decimal.NullDecimal
	if result.BalanceAfter != nil {
		balanceAfter = decimal.NewNullDecimal(*result.BalanceAfter)
	}

	res, err := r.db.ExecContext(ctx, query,
		domain.IdempotencyStatusCompleted,
		result.Outcome,
		transactionID,
		nullString(result.Reference),
		nullString(result.ReasonCode),
		nullString(result.Message),
		nullAmount(balanceAfter),
		expiresAt,
		key,
		domain.IdempotencyStatusInFlight,
		owner,
	)
	if err != nil {
		r.logger.Error("Failed to complete idempotency record", "request_key", key, "error", err)
		return errors.Storage("failed to complete idempotency record", err)
	}

	return expectOneRow(res, errors.ErrIdempotencyLeaseLost)
}

func (r *idempotencyRepository) Release(ctx context.Context, key, owner string) error {
	query := `DELETE FROM idempotency_records WHERE key = $1 AND status = $2 AND owner = $3`

	res, err := r.db.ExecContext(ctx, query, key, domain.IdempotencyStatusInFlight, owner)
	if err != nil {
		r.logger.Error("Failed to release idempotency marker", "request_key", key, "error", err)
		return errors.Storage("failed to release idempotency marker", err)
	}
	return expectOneRow(res, errors.ErrIdempotencyLeaseLost)
}

func (r *idempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		DELETE FROM idempotency_records
		WHERE (status = $1 AND expires_at <= $2) OR (status = $3 AND locked_until <= $2)
	`

	result, err := r.db.ExecContext(ctx, query, domain.IdempotencyStatusCompleted, now, domain.IdempotencyStatusInFlight)
	if err != nil {
		r.logger.Error("Failed to delete expired idempotency records", "error", err)
		return 0, errors.Storage("failed to delete expired idempotency records", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Storage("failed to get rows affected", err)
	}
	return deleted, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

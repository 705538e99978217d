package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

type outboxRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewOutboxRepository(db SQLExecutor, logger *slog.Logger) domain.OutboxRepository {
	return &outboxRepository{
		db:     db,
		logger: logger,
	}
}

func (r *outboxRepository) Enqueue(ctx context.Context, event *domain.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (event_type, transaction_id, payload, status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
		RETURNING id
	`

	now := time.Now().UTC().Truncate(time.Microsecond)
	if event.NextAttemptAt.IsZero() {
		event.NextAttemptAt = now
	}
	event.Status = domain.OutboxStatusPending

	err := r.db.QueryRowContext(ctx, query,
		event.EventType,
		event.TransactionID,
		string(event.Payload),
		event.Status,
		event.NextAttemptAt,
	).Scan(&event.ID)
	if err != nil {
		r.logger.Error("Failed to enqueue outbox event", "transaction_id", event.TransactionID, "error", err)
		return errors.Storage("failed to enqueue outbox event", err)
	}

	event.CreatedAt = event.NextAttemptAt
	return nil
}

func (r *outboxRepository) FetchDue(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxEvent, error) {
	query := `
		SELECT id, event_type, transaction_id, payload, status, attempts, next_attempt_at, last_error, delivered_at, created_at
		FROM outbox_events
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at ASC, id ASC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, domain.OutboxStatusPending, now, limit)
	if err != nil {
		r.logger.Error("Failed to fetch outbox events", "error", err)
		return nil, errors.Storage("failed to fetch outbox events", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		var event domain.OutboxEvent
		var payload string
		var deliveredAt sql.NullTime
		if err := rows.Scan(
			&event.ID,
			&event.EventType,
			&event.TransactionID,
			&payload,
			&event.Status,
			&event.Attempts,
			&event.NextAttemptAt,
			&event.LastError,
			&deliveredAt,
			&event.CreatedAt,
		); err != nil {
			return nil, errors.Storage("failed to scan outbox event", err)
		}
		event.Payload = []byte(payload)
		event.DeliveredAt = timePtr(deliveredAt)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("failed to read outbox events", err)
	}
	return events, nil
}

func (r *outboxRepository) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE outbox_events SET status = $1, delivered_at = $2, attempts = attempts + 1 WHERE id = $3`

	if _, err := r.db.ExecContext(ctx, query, domain.OutboxStatusDelivered, at, id); err != nil {
		r.logger.Error("Failed to mark outbox event delivered", "event_id", id, "error", err)
		return errors.Storage("failed to mark outbox event delivered", err)
	}
	return nil
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastErr string, dead bool) error {
	query := `UPDATE outbox_events SET status = $1, attempts = $2, next_attempt_at = $3, last_error = $4 WHERE id = $5`

	status := domain.OutboxStatusPending
	if dead {
		status = domain.OutboxStatusDead
	}

	if _, err := r.db.ExecContext(ctx, query, status, attempts, nextAttemptAt, lastErr, id); err != nil {
		r.logger.Error("Failed to reschedule outbox event", "event_id", id, "error", err)
		return errors.Storage("failed to reschedule outbox event", err)
	}
	return nil
}

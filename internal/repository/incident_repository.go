package repository

import (
	"context"
	"log/slog"
	"time"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

type incidentRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewIncidentRepository(db SQLExecutor, logger *slog.Logger) domain.IncidentRepository {
	return &incidentRepository{
		db:     db,
		logger: logger,
	}
}

func (r *incidentRepository) CreateIncident(ctx context.Context, incident *domain.Incident) error {
	query := `
		INSERT INTO incidents (kind, transaction_id, reference, details, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	incident.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	err := r.db.QueryRowContext(ctx, query,
		incident.Kind,
		incident.TransactionID,
		incident.Reference,
		incident.Details,
		incident.Resolved,
		incident.CreatedAt,
	).Scan(&incident.ID)
	if err != nil {
		r.logger.Error("Failed to record incident", "reference", incident.Reference, "kind", incident.Kind, "error", err)
		return errors.Storage("failed to record incident", err)
	}
	return nil
}

func (r *incidentRepository) ListOpenIncidents(ctx context.Context) ([]*domain.Incident, error) {
	query := `
		SELECT id, kind, transaction_id, reference, details, resolved, created_at
		FROM incidents WHERE resolved = $1 ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, false)
	if err != nil {
		r.logger.Error("Failed to list incidents", "error", err)
		return nil, errors.Storage("failed to list incidents", err)
	}
	defer rows.Close()

	var incidents []*domain.Incident
	for rows.Next() {
		var incident domain.Incident
		if err := rows.Scan(
			&incident.ID,
			&incident.Kind,
			&incident.TransactionID,
			&incident.Reference,
			&incident.Details,
			&incident.Resolved,
			&incident.CreatedAt,
		); err != nil {
			return nil, errors.Storage("failed to scan incident", err)
		}
		incidents = append(incidents, &incident)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("failed to read incidents", err)
	}
	return incidents, nil
}

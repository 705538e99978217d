package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"

	"github.com/shopspring/decimal"
)

const transactionColumns = `id, reference, from_account_id, to_account_id, amount, type, status,
	from_balance_after, to_balance_after, description, redacted, created_at, updated_at`

type transactionRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewTransactionRepository(db SQLExecutor, logger *slog.Logger) domain.TransactionRepository {
	return &transactionRepository{
		db:     db,
		logger: logger,
	}
}

func (r *transactionRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions
		(reference, from_account_id, to_account_id, amount, type, status,
		 from_balance_after, to_balance_after, description, redacted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING id
	`

	now := time.Now().UTC().Truncate(time.Microsecond)

	err := r.db.QueryRowContext(ctx,
		query,
		tx.Reference,
		nullInt64(tx.FromAccountID),
		nullInt64(tx.ToAccountID),
		tx.Amount.StringFixed(2),
		tx.Type,
		tx.Status,
		nullAmount(tx.FromBalanceAfter),
		nullAmount(tx.ToBalanceAfter),
		tx.Description,
		tx.Redacted,
		now,
	).Scan(&tx.ID)

	if err != nil {
		r.logger.Error("Failed to create transaction",
			"reference", tx.Reference,
			"from_account_id", tx.FromAccountID,
			"to_account_id", tx.ToAccountID,
			"amount", tx.Amount,
			"error", err)
		return errors.Storage("failed to create transaction", err)
	}

	tx.CreatedAt = now
	tx.UpdatedAt = now
	r.logger.Info("Transaction created successfully", "transaction_id", tx.ID, "reference", tx.Reference, "status", tx.Status)
	return nil
}

func (r *transactionRepository) GetTransactionByID(ctx context.Context, id int64) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	return r.scanTransaction(r.db.QueryRowContext(ctx, query, id))
}

func (r *transactionRepository) GetTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = $1`

	return r.scanTransaction(r.db.QueryRowContext(ctx, query, reference))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *transactionRepository) scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var transaction domain.Transaction
	var fromID, toID sql.NullInt64

	err := row.Scan(
		&transaction.ID,
		&transaction.Reference,
		&fromID,
		&toID,
		&transaction.Amount,
		&transaction.Type,
		&transaction.Status,
		&transaction.FromBalanceAfter,
		&transaction.ToBalanceAfter,
		&transaction.Description,
		&transaction.Redacted,
		&transaction.CreatedAt,
		&transaction.UpdatedAt,
	)

	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrTransactionNotFound
		}
		r.logger.Error("Failed to scan transaction", "error", err)
		return nil, errors.Storage("failed to get transaction", err)
	}

	transaction.FromAccountID = int64Ptr(fromID)
	transaction.ToAccountID = int64Ptr(toID)
	transaction.CreatedAt = transaction.CreatedAt.UTC()
	transaction.UpdatedAt = transaction.UpdatedAt.UTC()
	return &transaction, nil
}

func (r *transactionRepository) CompleteTransaction(ctx context.Context, id int64, toBalanceAfter decimal.NullDecimal) error {
	query := `
		UPDATE transactions
		SET status = $1, to_balance_after = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`

	return r.transition(ctx, id, domain.TransactionStatusCompleted, query,
		domain.TransactionStatusCompleted, nullAmount(toBalanceAfter), time.Now().UTC().Truncate(time.Microsecond), id, domain.TransactionStatusPending)
}

func (r *transactionRepository) FailTransaction(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE transactions
		SET status = $1, description = description || $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`

	note := ""
	if reason != "" {
		note = " [failed: " + reason + "]"
	}
	return r.transition(ctx, id, domain.TransactionStatusFailed, query,
		domain.TransactionStatusFailed, note, time.Now().UTC().Truncate(time.Microsecond), id, domain.TransactionStatusPending)
}

func (r *transactionRepository) transition(ctx context.Context, id int64, status domain.TransactionStatus, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to update transaction status",
			"transaction_id", id, "status", status, "error", err)
		return errors.Storage("failed to update transaction status", err)
	}

	if err := expectOneRow(result, errors.NewAppErrorf(errors.InvalidStatusTransition,
		"transaction %d is not pending", id)); err != nil {
		return err
	}

	r.logger.Info("Transaction status updated", "transaction_id", id, "status", status)
	return nil
}

func (r *transactionRepository) RedactTransaction(ctx context.Context, id int64) error {
	query := `UPDATE transactions SET description = '', redacted = $1, updated_at = $2 WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, true, time.Now().UTC().Truncate(time.Microsecond), id)
	if err != nil {
		r.logger.Error("Failed to redact transaction", "transaction_id", id, "error", err)
		return errors.Storage("failed to redact transaction", err)
	}
	return expectOneRow(result, errors.ErrTransactionNotFound)
}

func (r *transactionRepository) ListCompletedByAccount(ctx context.Context, accountID int64, limit, offset int) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = $1 AND (from_account_id = $2 OR to_account_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`

	return r.queryTransactions(ctx, query, domain.TransactionStatusCompleted, accountID, limit, offset)
}

func (r *transactionRepository) CountCompletedByAccount(ctx context.Context, accountID int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM transactions
		WHERE status = $1 AND (from_account_id = $2 OR to_account_id = $2)
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, domain.TransactionStatusCompleted, accountID).Scan(&count); err != nil {
		r.logger.Error("Failed to count transactions", "account_id", accountID, "error", err)
		return 0, errors.Storage("failed to count transactions", err)
	}
	return count, nil
}

func (r *transactionRepository) ListCompleted(ctx context.Context, filter domain.ReportFilter) ([]*domain.Transaction, error) {
	conditions := []string{"status = $1"}
	args := []interface{}{domain.TransactionStatusCompleted}

	next := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.AccountID != nil {
		p := next(*filter.AccountID)
		conditions = append(conditions, "(from_account_id = "+p+" OR to_account_id = "+p+")")
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "created_at >= "+next(filter.From.UTC()))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "created_at < "+next(filter.To.UTC()))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY created_at ASC, id ASC`

	return r.queryTransactions(ctx, query, args...)
}

func (r *transactionRepository) ListPending(ctx context.Context, before time.Time) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY id ASC
	`

	return r.queryTransactions(ctx, query, domain.TransactionStatusPending, before.UTC())
}

func (r *transactionRepository) queryTransactions(ctx context.Context, query string, args ...interface{}) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query transactions", "error", err)
		return nil, errors.Storage("failed to query transactions", err)
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := r.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("failed to read transactions", err)
	}
	return transactions, nil
}

// nullAmount stores amounts with exactly two fraction digits.
func nullAmount(v decimal.NullDecimal) interface{} {
	if !v.Valid {
		return nil
	}
	return v.Decimal.StringFixed(2)
}

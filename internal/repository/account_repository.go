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

const accountColumns = `id, number, user_id, branch_id, type, balance, status, opened_at, last_transaction_at, created_at, updated_at`

type accountRepository struct {
	db      SQLExecutor
	dialect Dialect
	logger  *slog.Logger
}

func NewAccountRepository(db SQLExecutor, dialect Dialect, logger *slog.Logger) domain.AccountRepository {
	return &accountRepository{
		db:      db,
		dialect: dialect,
		logger:  logger,
	}
}

func (r *accountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (number, user_id, branch_id, type, balance, status, opened_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	now := time.Now().UTC().Truncate(time.Microsecond)
	if account.OpenedAt.IsZero() {
		account.OpenedAt = now
	}

	err := r.db.QueryRowContext(ctx,
		query,
		account.Number,
		account.UserID,
		account.BranchID,
		account.Type,
		account.Balance.StringFixed(2),
		account.Status,
		account.OpenedAt,
		now,
		now,
	).Scan(&account.ID)

	if err != nil {
		if r.dialect.isUniqueViolation(err, "accounts_number_key", "accounts.number") {
			r.logger.Warn("Duplicate account creation attempt", "account_number", account.Number)
			return errors.ErrDuplicateAccount
		}
		r.logger.Error("Failed to create account", "account_number", account.Number, "error", err)
		return errors.Storage("failed to create account", err)
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	r.logger.Info("Account created successfully", "account_id", account.ID, "account_number", account.Number)
	return nil
}

func (r *accountRepository) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	return r.scanAccount(ctx, query, id)
}

func (r *accountRepository) GetAccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE number = $1`

	return r.scanAccount(ctx, query, number)
}

func (r *accountRepository) GetAccountForUpdate(ctx context.Context, id int64) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1` + r.dialect.forUpdate()

	return r.scanAccount(ctx, query, id)
}

func (r *accountRepository) scanAccount(ctx context.Context, query string, arg interface{}) (*domain.Account, error) {
	var account domain.Account
	var lastTransactionAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&account.ID,
		&account.Number,
		&account.UserID,
		&account.BranchID,
		&account.Type,
		&account.Balance,
		&account.Status,
		&account.OpenedAt,
		&lastTransactionAt,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			r.logger.Warn("Account not found", "account", arg)
			return nil, errors.ErrAccountNotFound
		}
		r.logger.Error("Failed to get account", "account", arg, "error", err)
		return nil, errors.Storage("failed to get account", err)
	}

	account.LastTransactionAt = timePtr(lastTransactionAt)
	account.OpenedAt = account.OpenedAt.UTC()
	account.CreatedAt = account.CreatedAt.UTC()
	account.UpdatedAt = account.UpdatedAt.UTC()
	return &account, nil
}

func (r *accountRepository) UpdateAccountBalance(ctx context.Context, id int64, newBalance decimal.Decimal, at time.Time) error {
	query := `
		UPDATE accounts
		SET balance = $1, last_transaction_at = $2, updated_at = $2
		WHERE id = $3
	`

	result, err := r.db.ExecContext(ctx, query, newBalance.StringFixed(2), at, id)
	if err != nil {
		r.logger.Error("Failed to update account balance", "account_id", id, "error", err)
		return errors.Storage("failed to update account balance", err)
	}

	if err := expectOneRow(result, errors.ErrAccountNotFound); err != nil {
		r.logger.Warn("No account found to update", "account_id", id)
		return err
	}

	r.logger.Debug("Account balance updated", "account_id", id, "new_balance", newBalance)
	return nil
}

func (r *accountRepository) UpdateAccountStatus(ctx context.Context, id int64, status domain.AccountStatus) error {
	query := `UPDATE accounts SET status = $1, updated_at = $2 WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, status, time.Now().UTC().Truncate(time.Microsecond), id)
	if err != nil {
		r.logger.Error("Failed to update account status", "account_id", id, "status", status, "error", err)
		return errors.Storage("failed to update account status", err)
	}

	if err := expectOneRow(result, errors.ErrAccountNotFound); err != nil {
		return err
	}

	r.logger.Info("Account status updated", "account_id", id, "status", status)
	return nil
}

func expectOneRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Storage("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
	"account-ledger/internal/lock"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const generateNumberAttempts = 3

type AccountService struct {
	store       domain.Store
	locks       *lock.Keyed[int64]
	lockTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewAccountService shares locks with the coordinator so status changes
// are serialized with money movement on the same account.
func NewAccountService(store domain.Store, locks *lock.Keyed[int64], lockTimeout time.Duration, logger *slog.Logger) *AccountService {
	return &AccountService{
		store:       store,
		locks:       locks,
		lockTimeout: lockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

type CreateAccountRequest struct {
	// Number is generated when empty.
	Number   string
	UserID   int64
	BranchID int64
	Type     domain.AccountType
}

func (s *AccountService) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*domain.Account, error) {
	s.logger.Info("Creating account", "account_number", req.Number, "user_id", req.UserID, "type", req.Type)

	if !req.Type.Valid() {
		return nil, errors.NewAppErrorf(errors.InvalidInput, "unknown account type %q", req.Type)
	}
	if req.UserID <= 0 {
		return nil, errors.NewAppError(errors.InvalidInput, "user ID must be positive")
	}
	if req.BranchID <= 0 {
		return nil, errors.NewAppError(errors.InvalidInput, "branch ID must be positive")
	}
	if req.Number != "" && !domain.ValidAccountNumber(req.Number) {
		return nil, errors.ErrInvalidAccountNumber
	}

	account := &domain.Account{
		Number:   req.Number,
		UserID:   req.UserID,
		BranchID: req.BranchID,
		Type:     req.Type,
		Balance:  decimal.Zero,
		Status:   domain.AccountStatusPending,
		OpenedAt: s.now(),
	}

	if req.Number != "" {
		if err := s.store.Accounts().CreateAccount(ctx, account); err != nil {
			return nil, err
		}
	} else if err := s.createWithGeneratedNumber(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("Account created successfully", "account_id", account.ID, "account_number", account.Number)
	return account, nil
}

func (s *AccountService) createWithGeneratedNumber(ctx context.Context, account *domain.Account) error {
	var err error
	for attempt := 0; attempt < generateNumberAttempts; attempt++ {
		account.Number = generateAccountNumber()
		err = s.store.Accounts().CreateAccount(ctx, account)
		if err == nil || errors.As(err).Code != errors.DuplicateAccount {
			return err
		}
	}
	return err
}

// generateAccountNumber returns "AC" followed by 12 digits.
func generateAccountNumber() string {
	id := uuid.New()
	return fmt.Sprintf("AC%012d", binary.BigEndian.Uint64(id[:8])%1_000_000_000_000)
}

func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	s.logger.Info("Getting account", "account_id", accountID)

	id, err := ParseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	return s.store.Accounts().GetAccount(ctx, id)
}

func (s *AccountService) GetAccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	if !domain.ValidAccountNumber(number) {
		return nil, errors.ErrInvalidAccountNumber
	}
	return s.store.Accounts().GetAccountByNumber(ctx, number)
}

// ChangeStatus moves an account along the lifecycle. Closing needs a zero
// balance.
func (s *AccountService) ChangeStatus(ctx context.Context, accountID string, status domain.AccountStatus) (*domain.Account, error) {
	s.logger.Info("Changing account status", "account_id", accountID, "status", status)

	id, err := ParseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, errors.NewAppErrorf(errors.InvalidInput, "unknown account status %q", status)
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	release, err := s.locks.Acquire(lockCtx, id)
	if err != nil {
		return nil, errors.ErrTimeout
	}
	defer release()

	var updated *domain.Account
	ctx = context.WithoutCancel(ctx)
	err = s.store.WithTransaction(ctx, func(tx domain.Store) error {
		account, err := tx.Accounts().GetAccountForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !account.Status.CanTransitionTo(status) {
			return errors.ErrInvalidStatusTransition.WithDetails(string(account.Status) + " -> " + string(status))
		}
		if status == domain.AccountStatusClosed && !account.Balance.IsZero() {
			return errors.ErrAccountBalanceNotZero.WithDetails("balance is " + account.Balance.StringFixed(2))
		}
		if err := tx.Accounts().UpdateAccountStatus(ctx, id, status); err != nil {
			return err
		}
		account.Status = status
		updated = account
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Account status changed", "account_id", id, "status", status)
	return updated, nil
}

func ParseAccountID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.ErrInvalidAccountID
	}
	return id, nil
}

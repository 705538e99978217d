package service

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"account-ledger/internal/domain"
	"account-ledger/internal/lock"
	"account-ledger/internal/repository"
	"account-ledger/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *repository.Store
	locks    *lock.Keyed[int64]
	guard    *IdempotencyGuard
	accounts *AccountService
	txs      *TransactionService
	queries  *QueryService
	alerter  *recordingAlerter
	faults   *injector
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()

	store := testutil.NewSQLiteStore(t)
	logger := testutil.Logger()
	faults := &injector{}
	faulty := &faultyStore{Store: store, faults: faults}
	locks := lock.NewKeyed[int64]()
	alerter := &recordingAlerter{}
	guard := NewIdempotencyGuard(faulty, 24*time.Hour, 30*time.Second, logger)

	return &fixture{
		store:    store,
		locks:    locks,
		guard:    guard,
		accounts: NewAccountService(store, locks, 10*time.Second, logger),
		txs: NewTransactionService(faulty, guard, locks, TransactionConfig{
			Limits: Limits{
				MaxDeposit:     decimal.NewFromInt(1_000_000),
				MaxWithdrawal:  decimal.NewFromInt(200_000),
				OverdraftLimit: decimal.NewFromInt(10_000),
			},
			LockTimeout: 10 * time.Second,
			ApplyMode:   mode,
			Alerter:     alerter,
		}, logger),
		queries: NewQueryService(store, logger),
		alerter: alerter,
		faults:  faults,
	}
}

// openAccount creates an Active account holding balance.
func (f *fixture) openAccount(t *testing.T, accountType domain.AccountType, balance string) *domain.Account {
	t.Helper()
	ctx := context.Background()

	account, err := f.accounts.CreateAccount(ctx, &CreateAccountRequest{UserID: 1, BranchID: 1, Type: accountType})
	require.NoError(t, err)
	for _, status := range []domain.AccountStatus{domain.AccountStatusUnderReview, domain.AccountStatusActive} {
		_, err = f.accounts.ChangeStatus(ctx, idString(account.ID), status)
		require.NoError(t, err)
	}

	if amount := decimal.RequireFromString(balance); amount.IsPositive() {
		result, err := f.txs.Deposit(ctx, &DepositRequest{
			RequestKey:      uuid.NewString(),
			ToAccountNumber: account.Number,
			Amount:          amount,
		})
		require.NoError(t, err)
		require.True(t, result.Committed(), "opening deposit rejected: %s", result.ReasonCode)
	}

	account, err = f.store.Accounts().GetAccount(ctx, account.ID)
	require.NoError(t, err)
	return account
}

func (f *fixture) balance(t *testing.T, id int64) decimal.Decimal {
	t.Helper()
	account, err := f.store.Accounts().GetAccount(context.Background(), id)
	require.NoError(t, err)
	return account.Balance
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}

type recordingAlerter struct {
	mu        sync.Mutex
	incidents []*domain.Incident
}

func (a *recordingAlerter) Alert(_ context.Context, incident *domain.Incident) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.incidents = append(a.incidents, incident)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.incidents)
}

// injector decides whether a balance update fails. A nil hook lets
// everything through.
type injector struct {
	mu   sync.Mutex
	hook func(accountID int64, newBalance decimal.Decimal) error
}

func (i *injector) set(hook func(accountID int64, newBalance decimal.Decimal) error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.hook = hook
}

func (i *injector) check(accountID int64, newBalance decimal.Decimal) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.hook == nil {
		return nil
	}
	return i.hook(accountID, newBalance)
}

type faultyStore struct {
	domain.Store
	faults *injector
}

func (s *faultyStore) Accounts() domain.AccountRepository {
	return &faultyAccounts{AccountRepository: s.Store.Accounts(), faults: s.faults}
}

func (s *faultyStore) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	return s.Store.WithTransaction(ctx, func(tx domain.Store) error {
		return fn(&faultyStore{Store: tx, faults: s.faults})
	})
}

type faultyAccounts struct {
	domain.AccountRepository
	faults *injector
}

func (a *faultyAccounts) UpdateAccountBalance(ctx context.Context, id int64, newBalance decimal.Decimal, at time.Time) error {
	if err := a.faults.check(id, newBalance); err != nil {
		return err
	}
	return a.AccountRepository.UpdateAccountBalance(ctx, id, newBalance, at)
}

package service

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"account-ledger/internal/config"
	"account-ledger/internal/domain"
	"account-ledger/internal/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func requireCommitted(t *testing.T, result *domain.TransactionResult, err error) {
	t.Helper()
	require.NoError(t, err)
	require.NotNil(t, result)
	require.True(t, result.Committed(), "rejected with %s: %s", result.ReasonCode, result.Message)
}

func requireRejected(t *testing.T, result *domain.TransactionResult, err error, code errors.ErrorCode) {
	t.Helper()
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.OutcomeRejected, result.Outcome)
	assert.Equal(t, string(code), result.ReasonCode)
	assert.NotEmpty(t, result.Message)
}

func TestWithdrawCommitsWithBalanceSnapshot(t *testing.T) {
	for _, mode := range []string{config.ApplyModeAtomic, config.ApplyModeTwoPhase} {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, mode)
			ctx := context.Background()
			a := f.openAccount(t, domain.AccountTypeSavings, "5000")

			result, err := f.txs.Withdraw(ctx, &WithdrawRequest{
				RequestKey:        uuid.NewString(),
				FromAccountNumber: a.Number,
				Amount:            decimal.NewFromInt(1000),
			})
			requireCommitted(t, result, err)

			require.NotNil(t, result.BalanceAfter)
			assertAmount(t, "4000", *result.BalanceAfter)
			assertAmount(t, "4000", f.balance(t, a.ID))

			entry, err := f.txs.GetTransaction(ctx, result.Reference)
			require.NoError(t, err)
			assert.Equal(t, domain.TransactionStatusCompleted, entry.Status)
			assert.Equal(t, domain.TransactionTypeWithdrawal, entry.Type)
			assertAmount(t, "4000", entry.FromBalanceAfter.Decimal)
			assert.Nil(t, entry.ToAccountID)

			statement, err := f.queries.GetStatement(ctx, a.ID, 1, 10)
			require.NoError(t, err)
			require.Len(t, statement.Transactions, 2)
			assert.Equal(t, result.TransactionID, statement.Transactions[0].TransactionID)
			assertAmount(t, "4000", statement.Transactions[0].BalanceAfter.Decimal)
		})
	}
}

func TestTransferMovesMoneyInOneEntry(t *testing.T) {
	for _, mode := range []string{config.ApplyModeAtomic, config.ApplyModeTwoPhase} {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, mode)
			ctx := context.Background()
			a := f.openAccount(t, domain.AccountTypeSavings, "5000")
			b := f.openAccount(t, domain.AccountTypeSavings, "2000")

			result, err := f.txs.Transfer(ctx, &TransferRequest{
				RequestKey:        uuid.NewString(),
				FromAccountNumber: a.Number,
				ToAccountNumber:   b.Number,
				Amount:            decimal.NewFromInt(1000),
				Description:       "rent",
			})
			requireCommitted(t, result, err)
			assertAmount(t, "4000", *result.BalanceAfter)

			assertAmount(t, "4000", f.balance(t, a.ID))
			assertAmount(t, "3000", f.balance(t, b.ID))

			entry, err := f.txs.GetTransaction(ctx, result.Reference)
			require.NoError(t, err)
			require.NotNil(t, entry.FromAccountID)
			require.NotNil(t, entry.ToAccountID)
			assert.Equal(t, a.ID, *entry.FromAccountID)
			assert.Equal(t, b.ID, *entry.ToAccountID)
			assertAmount(t, "4000", entry.FromBalanceAfter.Decimal)
			assertAmount(t, "3000", entry.ToBalanceAfter.Decimal)
			assert.Equal(t, "rent", entry.Description)

			transfers, err := f.store.Transactions().ListCompleted(ctx, domain.ReportFilter{AccountID: &b.ID})
			require.NoError(t, err)
			count := 0
			for _, tx := range transfers {
				if tx.Type == domain.TransactionTypeTransfer {
					count++
				}
			}
			assert.Equal(t, 1, count)
		})
	}
}

func TestWithdrawInsufficientFundsLeavesBalance(t *testing.T) {
	f := newFixture(t, config.ApplyModeAtomic)
	a := f.openAccount(t, domain.AccountTypeSavings, "5000")

	result, err := f.txs.Withdraw(context.Background(), &WithdrawRequest{
		RequestKey:        uuid.NewString(),
		FromAccountNumber: a.Number,
		Amount:            decimal.NewFromInt(6000),
	})
	requireRejected(t, result, err, errors.InsufficientFunds)
	assert.Zero(t, result.TransactionID)
	assert.Nil(t, result.BalanceAfter)
	assertAmount(t, "5000", f.balance(t, a.ID))
}

func TestCurrentAccountOverdraft(t *testing.T) {
	f := newFixture(t, config.ApplyModeAtomic)
	ctx := context.Background()
	c := f.openAccount(t, domain.AccountTypeCurrent, "100")

	result, err := f.txs.Withdraw(ctx, &WithdrawRequest{RequestKey: uuid.NewString(), FromAccountNumber: c.Number, Amount: decimal.NewFromInt(10_100)})
	requireCommitted(t, result, err)
	assertAmount(t, "-10000", f.balance(t, c.ID))

	result, err = f.txs.Withdraw(ctx, &WithdrawRequest{RequestKey: uuid.NewString(), FromAccountNumber: c.Number, Amount: decimal.RequireFromString("0.01")})
	requireRejected(t, result, err, errors.InsufficientFunds)
}

func TestDepositReplayAppliesOnce(t *testing.T) {
	f := newFixture(t, config.ApplyModeAtomic)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "500")

	req := &DepositRequest{RequestKey: uuid.NewString(), ToAccountNumber: a.Number, Amount: decimal.NewFromInt(100)}

	first, err := f.txs.Deposit(ctx, req)
	requireCommitted(t, first, err)
	assert.False(t, first.Replayed)

	for i := 0; i < 3; i++ {
		again, err := f.txs.Deposit(ctx, req)
		requireCommitted(t, again, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, first.TransactionID, again.TransactionID)
		assert.Equal(t, first.Reference, again.Reference)
		require.NotNil(t, again.BalanceAfter)
		assert.True(t, first.BalanceAfter.Equal(*again.BalanceAfter))
	}

	assertAmount(t, "600", f.balance(t, a.ID))
	statement, err := f.queries.GetStatement(ctx, a.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, statement.Total)
}

func TestRejectionIsReplayedForSameKey(t *testing.T) {
	f := newFixture(t, config.ApplyModeAtomic)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "50")

	req := &WithdrawRequest{RequestKey: uuid.NewString(), FromAccountNumber: a.Number, Amount: decimal.NewFromInt(100)}
	result, err := f.txs.Withdraw(ctx, req)
	requireRejected(t, result, err, errors.InsufficientFunds)

	deposit, err := f.txs.Deposit(ctx, &DepositRequest{RequestKey: uuid.NewString(), ToAccountNumber: a.Number, Amount: decimal.NewFromInt(100)})
	requireCommitted(t, deposit, err)

	again, err := f.txs.Withdraw(ctx, req)
	requireRejected(t, again, err, errors.InsufficientFunds)
	assert.True(t, again.Replayed)
	assertAmount(t, "150", f.balance(t, a.ID))
}

func TestKeyReuseWithDifferentPayload(t *testing.T) {
	f := newFixture(t, config.ApplyModeAtomic)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "0")

	key := uuid.NewString()
	first, err := f.txs.Deposit(ctx, &DepositRequest{RequestKey: key, ToAccountNumber: a.Number, Amount: decimal.NewFromInt(100)})
	requireCommitted(t, first, err)

	second, err := f.txs.Deposit(ctx, &DepositRequest{RequestKey: key, ToAccountNumber: a.Number, Amount: decimal.NewFromInt(200)})
	requireRejected(t, second, err, errors.IdempotencyKeyReuse)
	assertAmount(t, "100", f.balance(t, a.ID))
}

func TestInFlightKeyConflicts(t *testing.T) {
	f := newFixture(t, config.ApplyModeAtomic)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "0")

	req := &DepositRequest{RequestKey: uuid.NewString(), ToAccountNumber: a.Number, Amount: decimal.NewFromInt(100)}
	m := &movement{kind: domain.TransactionTypeDeposit, toNumber: req.ToAccountNumber, amount: req.Amount}

	admission, err := f.guard.Admit(ctx, req.RequestKey, m.fingerprint())
	require.NoError(t, err)
	require.Equal(t, Admitted, admission.Status)

	result, err := f.txs.Deposit(ctx, req)
	requireRejected(t, result, err, errors.IdempotencyInFlight)
	assertAmount(t, "0", f.balance(t, a.ID))

	f.guard.Release(ctx, req.RequestKey, admission.Owner)
	result, err = f.txs.Deposit(ctx, req)
	requireCommitted(t, result, err)
}

func TestConcurrentSameKeyAppliesOnce(t *testing.T) {
	f := newFixture(t, config.ApplyModeAtomic)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "0")

	req := &DepositRequest{RequestKey: uuid.NewString(), ToAccountNumber: a.Number, Amount: decimal.NewFromInt(100)}

	var wg sync.WaitGroup
	results := make([]*domain.TransactionResult, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.txs.Deposit(ctx, req)
			if assert.NoError(t, err) {
				results[i] = result
			}
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, result := range results {
		require.NotNil(t, result)
		switch {
		case result.Committed() && !result.Replayed:
			fresh++
		case result.Committed():
		default:
			assert.Equal(t, string(errors.IdempotencyInFlight), result.ReasonCode)
		}
	}
	assert.Equal(t, 1, fresh)
	assertAmount(t, "100", f.balance(t, a.ID))
}

func TestLeaseExpiryWhileWaitingAppliesOnce(t *testing.T) {
	for _, mode := range []string{config.ApplyModeAtomic, config.ApplyModeTwoPhase} {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, mode)
			ctx := context.Background()
			a := f.openAccount(t, domain.AccountTypeSavings, "0")

			c := &clock{t: time.Now().UTC()}
			f.guard.now = c.now

			release, err := f.locks.Acquire(ctx, a.ID)
			require.NoError(t, err)

			type outcome struct {
				result *domain.TransactionResult
				err    error
			}
			req := &DepositRequest{RequestKey: uuid.NewString(), ToAccountNumber: a.Number, Amount: decimal.NewFromInt(100)}
			deposit := func(out chan<- outcome) {
				result, err := f.txs.Deposit(ctx, req)
				out <- outcome{result, err}
			}
			owner := func() string {
				record, err := f.store.Idempotency().GetRecord(ctx, req.RequestKey)
				if err != nil || record == nil {
					return ""
				}
				return record.Owner
			}

			first := make(chan outcome, 1)
			go deposit(first)
			require.Eventually(t, func() bool { return owner() != "" }, 5*time.Second, 5*time.Millisecond)
			firstOwner := owner()

			// The first request is still waiting for the account when its
			// lease runs out and a retry takes the key over.
			c.advance(31 * time.Second)
			second := make(chan outcome, 1)
			go deposit(second)
			require.Eventually(t, func() bool {
				o := owner()
				return o != "" && o != firstOwner
			}, 5*time.Second, 5*time.Millisecond)

			release()

			var results []*domain.TransactionResult
			for _, ch := range []chan outcome{first, second} {
				select {
				case o := <-ch:
					require.NoError(t, o.err)
					require.NotNil(t, o.result)
					results = append(results, o.result)
				case <-time.After(5 * time.Second):
					t.Fatal("deposit did not finish")
				}
			}

			var fresh *domain.TransactionResult
			for _, result := range results {
				if result.Committed() && !result.Replayed {
					require.Nil(t, fresh, "request key applied twice")
					fresh = result
				}
			}
			require.NotNil(t, fresh)
			for _, result := range results {
				if result == fresh {
					continue
				}
				if result.Committed() {
					assert.True(t, result.Replayed)
					assert.Equal(t, fresh.TransactionID, result.TransactionID)
				} else {
					assert.Equal(t, string(errors.IdempotencyInFlight), result.ReasonCode)
				}
			}
			assertAmount(t, "100", f.balance(t, a.ID))

			replay, err := f.txs.Deposit(ctx, req)
			requireCommitted(t, replay, err)
			assert.True(t, replay.Replayed)
			assert.Equal(t, fresh.TransactionID, replay.TransactionID)
			assertAmount(t, "100", f.balance(t, a.ID))

			check, err := f.queries.VerifyBalance(ctx, a.ID)
			require.NoError(t, err)
			assert.True(t, check.Consistent)
		})
	}
}

func TestShapeRejections(t *testing.T) {
	f := newFixture(t, config.ApplyModeAtomic)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "100")

	tests := []struct {
		name string
		req  *TransferRequest
		want errors.ErrorCode
	}{
		{"missing key", &TransferRequest{FromAccountNumber: a.Number, ToAccountNumber: "ACC00000099", Amount: decimal.NewFromInt(1)}, errors.InvalidInput},
		{"zero amount", &TransferRequest{RequestKey: "k1", FromAccountNumber: a.Number, ToAccountNumber: "ACC00000099", Amount: decimal.Zero}, errors.InvalidAmount},
		{"sub-cent amount", &TransferRequest{RequestKey: "k2", FromAccountNumber: a.Number, ToAccountNumber: "ACC00000099", Amount: decimal.RequireFromString("0.001")}, errors.InvalidAmount},
		{"malformed number", &TransferRequest{RequestKey: "k3", FromAccountNumber: a.Number, ToAccountNumber: "bad-1", Amount: decimal.NewFromInt(1)}, errors.InvalidInput},
		{"unknown account", &TransferRequest{RequestKey: "k4", FromAccountNumber: a.Number, ToAccountNumber: "ACC00000099", Amount: decimal.NewFromInt(1)}, errors.AccountNotFound},
		{"oversized key", &TransferRequest{RequestKey: strings.Repeat("k", maxRequestKeyLength+1), FromAccountNumber: a.Number, ToAccountNumber: "ACC00000099", Amount: decimal.NewFromInt(1)}, errors.InvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.txs.Transfer(ctx, tt.req)
			requireRejected(t, result, err, tt.want)
		})
	}
	assertAmount(t, "100", f.balance(t, a.ID))

	// An oversized key is never admitted, so nothing was stored under it.
	record, err := f.store.Idempotency().GetRecord(ctx, strings.Repeat("k", maxRequestKeyLength+1))
	require.NoError(t, err)
	assert.Nil(t, record)

	result, err := f.txs.Deposit(ctx, &DepositRequest{RequestKey: strings.Repeat("k", maxRequestKeyLength), ToAccountNumber: a.Number, Amount: decimal.NewFromInt(1)})
	requireCommitted(t, result, err)
}

func TestSameAccountTransferRejectedBeforeLocking(t *testing.T) {
	f := newFixture(t, config.ApplyModeAtomic)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "100")

	release, err := f.locks.Acquire(ctx, a.ID)
	require.NoError(t, err)
	defer release()

	type outcome struct {
		result *domain.TransactionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := f.txs.Transfer(ctx, &TransferRequest{
			RequestKey:        uuid.NewString(),
			FromAccountNumber: a.Number,
			ToAccountNumber:   a.Number,
			Amount:            decimal.NewFromInt(10),
		})
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		requireRejected(t, out.result, out.err, errors.SameAccountTransfer)
	case <-time.After(2 * time.Second):
		t.Fatal("same-account transfer waited for the account lock")
	}
}

func TestInactiveAccountRejected(t *testing.T) {
	f := newFixture(t, config.ApplyModeAtomic)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "100")
	b := f.openAccount(t, domain.AccountTypeSavings, "0")

	_, err := f.accounts.ChangeStatus(ctx, idString(b.ID), domain.AccountStatusSuspended)
	require.NoError(t, err)

	result, err := f.txs.Transfer(ctx, &TransferRequest{RequestKey: uuid.NewString(), FromAccountNumber: a.Number, ToAccountNumber: b.Number, Amount: decimal.NewFromInt(10)})
	requireRejected(t, result, err, errors.AccountNotActive)
	assertAmount(t, "100", f.balance(t, a.ID))
}

func TestLockTimeoutRejectsAndReleasesKey(t *testing.T) {
	f := newFixture(t, config.ApplyModeAtomic)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "100")
	f.txs.lockTimeout = 50 * time.Millisecond

	release, err := f.locks.Acquire(ctx, a.ID)
	require.NoError(t, err)

	req := &WithdrawRequest{RequestKey: uuid.NewString(), FromAccountNumber: a.Number, Amount: decimal.NewFromInt(10)}
	result, err := f.txs.Withdraw(ctx, req)
	requireRejected(t, result, err, errors.Timeout)
	assertAmount(t, "100", f.balance(t, a.ID))

	release()
	result, err = f.txs.Withdraw(ctx, req)
	requireCommitted(t, result, err)
	assert.False(t, result.Replayed)
	assertAmount(t, "90", f.balance(t, a.ID))
}

func TestConservationUnderConcurrentTransfers(t *testing.T) {
	for _, mode := range []string{config.ApplyModeAtomic, config.ApplyModeTwoPhase} {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, mode)
			ctx := context.Background()

			accounts := make([]*domain.Account, 4)
			for i := range accounts {
				accounts[i] = f.openAccount(t, domain.AccountTypeSavings, "1000")
			}

			var wg sync.WaitGroup
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func(seed int64) {
					defer wg.Done()
					rng := rand.New(rand.NewSource(seed))
					for i := 0; i < 25; i++ {
						from := accounts[rng.Intn(len(accounts))]
						to := accounts[rng.Intn(len(accounts))]
						if from.ID == to.ID {
							continue
						}
						_, err := f.txs.Transfer(ctx, &TransferRequest{
							RequestKey:        uuid.NewString(),
							FromAccountNumber: from.Number,
							ToAccountNumber:   to.Number,
							Amount:            decimal.NewFromInt(int64(rng.Intn(400) + 1)),
						})
						assert.NoError(t, err)
					}
				}(int64(w))
			}
			wg.Wait()

			total := decimal.Zero
			for _, a := range accounts {
				balance := f.balance(t, a.ID)
				assert.False(t, balance.IsNegative(), "account %d went negative: %s", a.ID, balance)
				total = total.Add(balance)

				check, err := f.queries.VerifyBalance(ctx, a.ID)
				require.NoError(t, err)
				assert.True(t, check.Consistent, "account %d: balance %s, ledger %s", a.ID, check.Balance, check.LedgerBalance)
			}
			assertAmount(t, "4000", total)
		})
	}
}

func TestSameAccountOperationsLinearize(t *testing.T) {
	f := newFixture(t, config.ApplyModeAtomic)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "2000")

	const n = 30
	var wg sync.WaitGroup
	var mu sync.Mutex
	var afters []decimal.Decimal
	rejections := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.txs.Withdraw(ctx, &WithdrawRequest{
				RequestKey:        uuid.NewString(),
				FromAccountNumber: a.Number,
				Amount:            decimal.NewFromInt(100),
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if result.Committed() {
				afters = append(afters, *result.BalanceAfter)
			} else {
				assert.Equal(t, string(errors.InsufficientFunds), result.ReasonCode)
				rejections++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, afters, 20)
	assert.Equal(t, n-20, rejections)
	assertAmount(t, "0", f.balance(t, a.ID))

	// A serial order exists iff every intermediate balance shows up once.
	seen := map[string]bool{}
	for _, after := range afters {
		key := after.StringFixed(2)
		assert.False(t, seen[key], "balance %s observed twice", key)
		seen[key] = true
	}
	for step := int64(0); step < 20; step++ {
		assert.True(t, seen[decimal.NewFromInt(step*100).StringFixed(2)])
	}
}

var errDiskGone = errors.Storage("injected fault", nil)

func TestAtomicTransferRollsBackOnCreditFault(t *testing.T) {
	f := newFixture(t, config.ApplyModeAtomic)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "5000")
	b := f.openAccount(t, domain.AccountTypeSavings, "2000")

	f.faults.set(func(accountID int64, _ decimal.Decimal) error {
		if accountID == b.ID {
			return errDiskGone
		}
		return nil
	})

	req := &TransferRequest{RequestKey: uuid.NewString(), FromAccountNumber: a.Number, ToAccountNumber: b.Number, Amount: decimal.NewFromInt(1000)}
	result, err := f.txs.Transfer(ctx, req)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, errors.StorageFault, errors.As(err).Code)

	assertAmount(t, "5000", f.balance(t, a.ID))
	assertAmount(t, "2000", f.balance(t, b.ID))
	statement, err := f.queries.GetStatement(ctx, a.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, statement.Total)

	f.faults.set(nil)
	result, err = f.txs.Transfer(ctx, req)
	requireCommitted(t, result, err)
	assertAmount(t, "4000", f.balance(t, a.ID))
	assertAmount(t, "3000", f.balance(t, b.ID))
}

func TestTwoPhaseCompensatesFailedCredit(t *testing.T) {
	f := newFixture(t, config.ApplyModeTwoPhase)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "5000")
	b := f.openAccount(t, domain.AccountTypeSavings, "2000")

	f.faults.set(func(accountID int64, _ decimal.Decimal) error {
		if accountID == b.ID {
			return errDiskGone
		}
		return nil
	})

	req := &TransferRequest{RequestKey: uuid.NewString(), FromAccountNumber: a.Number, ToAccountNumber: b.Number, Amount: decimal.NewFromInt(1000)}
	_, err := f.txs.Transfer(ctx, req)
	require.Error(t, err)
	assert.Equal(t, errors.StorageFault, errors.As(err).Code)

	assertAmount(t, "5000", f.balance(t, a.ID))
	assertAmount(t, "2000", f.balance(t, b.ID))
	assert.Zero(t, f.alerter.count())

	pending, err := f.store.Transactions().ListPending(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)

	f.faults.set(nil)
	result, err := f.txs.Transfer(ctx, req)
	requireCommitted(t, result, err)
	assertAmount(t, "4000", f.balance(t, a.ID))
	assertAmount(t, "3000", f.balance(t, b.ID))
}

func TestTwoPhaseCompensationFailure(t *testing.T) {
	f := newFixture(t, config.ApplyModeTwoPhase)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "5000")
	b := f.openAccount(t, domain.AccountTypeSavings, "2000")

	calls := 0
	f.faults.set(func(int64, decimal.Decimal) error {
		calls++
		if calls > 1 {
			return errDiskGone
		}
		return nil
	})

	req := &TransferRequest{RequestKey: uuid.NewString(), FromAccountNumber: a.Number, ToAccountNumber: b.Number, Amount: decimal.NewFromInt(1000)}
	result, err := f.txs.Transfer(ctx, req)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, errors.CompensationFailed, errors.As(err).Code)
	assert.Equal(t, errors.CategoryCompensation, errors.As(err).Code.Category())

	assert.Equal(t, 1, f.alerter.count())
	incidents, err := f.queries.ListIncidents(ctx)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, domain.IncidentCompensationFailed, incidents[0].Kind)

	// The debit stuck; the key must not let a retry apply it again.
	assertAmount(t, "4000", f.balance(t, a.ID))
	f.faults.set(nil)
	replay, err := f.txs.Transfer(ctx, req)
	requireRejected(t, replay, err, errors.CompensationFailed)
	assert.True(t, replay.Replayed)
	assertAmount(t, "4000", f.balance(t, a.ID))

	check, err := f.queries.VerifyBalance(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, check.Consistent)

	// Recovery reverses the abandoned debit.
	recovered, err := f.txs.RecoverPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assertAmount(t, "5000", f.balance(t, a.ID))
	assertAmount(t, "2000", f.balance(t, b.ID))

	check, err = f.queries.VerifyBalance(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, check.Consistent)
}

func TestRecoverPendingReportsEachStuckEntryOnce(t *testing.T) {
	f := newFixture(t, config.ApplyModeTwoPhase)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "5000")
	b := f.openAccount(t, domain.AccountTypeSavings, "2000")
	c := f.openAccount(t, domain.AccountTypeSavings, "3000")
	d := f.openAccount(t, domain.AccountTypeSavings, "0")

	// Each transfer debits, then fails both its credit and its compensation.
	strand := func(from, to *domain.Account) {
		calls := 0
		f.faults.set(func(int64, decimal.Decimal) error {
			calls++
			if calls > 1 {
				return errDiskGone
			}
			return nil
		})
		_, err := f.txs.Transfer(ctx, &TransferRequest{RequestKey: uuid.NewString(), FromAccountNumber: from.Number, ToAccountNumber: to.Number, Amount: decimal.NewFromInt(1000)})
		require.ErrorIs(t, err, errors.ErrCompensationFailed)
	}
	strand(a, b)
	strand(c, d)
	require.Equal(t, 2, f.alerter.count())

	// a stays broken; c can be compensated now.
	f.faults.set(func(id int64, _ decimal.Decimal) error {
		if id == a.ID {
			return errDiskGone
		}
		return nil
	})

	recovered, err := f.txs.RecoverPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assertAmount(t, "4000", f.balance(t, a.ID))
	assertAmount(t, "3000", f.balance(t, c.ID))

	recovered, err = f.txs.RecoverPending(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	incidents, err := f.queries.ListIncidents(ctx)
	require.NoError(t, err)
	assert.Len(t, incidents, 2)
	assert.Equal(t, 2, f.alerter.count())
}

func TestRecoverPendingSurvivesFailedCompensation(t *testing.T) {
	f := newFixture(t, config.ApplyModeTwoPhase)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "5000")
	b := f.openAccount(t, domain.AccountTypeSavings, "2000")

	// What a crash right after phase one leaves behind.
	amount := decimal.NewFromInt(1000)
	after := a.Balance.Sub(amount)
	require.NoError(t, f.store.Accounts().UpdateAccountBalance(ctx, a.ID, after, time.Now().UTC()))
	require.NoError(t, f.store.Transactions().CreateTransaction(ctx, &domain.Transaction{
		Reference:        uuid.NewString(),
		FromAccountID:    &a.ID,
		ToAccountID:      &b.ID,
		Amount:           amount,
		Type:             domain.TransactionTypeTransfer,
		Status:           domain.TransactionStatusPending,
		FromBalanceAfter: decimal.NewNullDecimal(after),
	}))

	f.faults.set(func(int64, decimal.Decimal) error { return errDiskGone })
	for i := 0; i < 3; i++ {
		recovered, err := f.txs.RecoverPending(ctx, 0)
		require.NoError(t, err)
		assert.Zero(t, recovered)
	}

	incidents, err := f.queries.ListIncidents(ctx)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, domain.IncidentCompensationFailed, incidents[0].Kind)
	assert.Equal(t, 1, f.alerter.count())

	f.faults.set(nil)
	recovered, err := f.txs.RecoverPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assertAmount(t, "5000", f.balance(t, a.ID))
}

func TestRedactKeepsEntry(t *testing.T) {
	f := newFixture(t, config.ApplyModeAtomic)
	ctx := context.Background()
	a := f.openAccount(t, domain.AccountTypeSavings, "0")

	result, err := f.txs.Deposit(ctx, &DepositRequest{RequestKey: uuid.NewString(), ToAccountNumber: a.Number, Amount: decimal.NewFromInt(75), Description: "salary for J. Doe"})
	requireCommitted(t, result, err)

	redacted, err := f.txs.Redact(ctx, result.Reference)
	require.NoError(t, err)
	assert.True(t, redacted.Redacted)
	assert.Empty(t, redacted.Description)
	assertAmount(t, "75", redacted.Amount)
	assert.Equal(t, domain.TransactionStatusCompleted, redacted.Status)

	_, err = f.txs.Redact(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrTransactionNotFound)
}

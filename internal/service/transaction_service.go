package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"account-ledger/internal/config"
	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
	"account-ledger/internal/lock"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	maxDescriptionLength = 255
	// matches the idempotency_records key column
	maxRequestKeyLength = 128
)

// Alerter is the operational alert path for failures that need a human.
type Alerter interface {
	Alert(ctx context.Context, incident *domain.Incident)
}

// LogAlerter raises alerts as error-level log records tagged alert=true.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Alert(_ context.Context, incident *domain.Incident) {
	a.Logger.Error("Operator attention required",
		"alert", true,
		"kind", incident.Kind,
		"incident_id", incident.ID,
		"transaction_id", incident.TransactionID,
		"reference", incident.Reference,
		"details", incident.Details)
}

// Waker is poked after every commit so pending notifications go out
// without waiting for the next poll. Wake must not block.
type Waker interface {
	Wake()
}

type TransactionConfig struct {
	Limits      Limits
	LockTimeout time.Duration
	ApplyMode   string
	Alerter     Alerter
	Waker       Waker
}

type TransactionService struct {
	store       domain.Store
	guard       *IdempotencyGuard
	locks       *lock.Keyed[int64]
	limits      Limits
	lockTimeout time.Duration
	twoPhase    bool
	alerter     Alerter
	waker       Waker
	now         func() time.Time
	logger      *slog.Logger
}

// NewTransactionService builds the coordinator. locks must be shared with
// every other writer of account rows.
func NewTransactionService(
	store domain.Store,
	guard *IdempotencyGuard,
	locks *lock.Keyed[int64],
	cfg TransactionConfig,
	logger *slog.Logger,
) *TransactionService {
	alerter := cfg.Alerter
	if alerter == nil {
		alerter = LogAlerter{Logger: logger}
	}
	return &TransactionService{
		store:       store,
		guard:       guard,
		locks:       locks,
		limits:      cfg.Limits,
		lockTimeout: cfg.LockTimeout,
		twoPhase:    cfg.ApplyMode == config.ApplyModeTwoPhase,
		alerter:     alerter,
		waker:       cfg.Waker,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

type DepositRequest struct {
	RequestKey      string
	ToAccountNumber string
	Amount          decimal.Decimal
	Description     string
}

type WithdrawRequest struct {
	RequestKey        string
	FromAccountNumber string
	Amount            decimal.Decimal
	Description       string
}

type TransferRequest struct {
	RequestKey        string
	FromAccountNumber string
	ToAccountNumber   string
	Amount            decimal.Decimal
	Description       string
}

// movement is one money-movement request on its way through the state
// machine.
type movement struct {
	kind        domain.TransactionType
	key         string
	owner       string
	fromNumber  string
	toNumber    string
	amount      decimal.Decimal
	description string

	from *domain.Account
	to   *domain.Account
}

func (m *movement) fingerprint() string {
	return Fingerprint(string(m.kind), m.fromNumber, m.toNumber, m.amount.StringFixed(2), m.description)
}

func (m *movement) accountIDs() []int64 {
	var ids []int64
	if m.from != nil {
		ids = append(ids, m.from.ID)
	}
	if m.to != nil {
		ids = append(ids, m.to.ID)
	}
	return ids
}

func (s *TransactionService) Deposit(ctx context.Context, req *DepositRequest) (*domain.TransactionResult, error) {
	return s.execute(ctx, &movement{
		kind:        domain.TransactionTypeDeposit,
		key:         req.RequestKey,
		toNumber:    req.ToAccountNumber,
		amount:      req.Amount,
		description: req.Description,
	})
}

func (s *TransactionService) Withdraw(ctx context.Context, req *WithdrawRequest) (*domain.TransactionResult, error) {
	return s.execute(ctx, &movement{
		kind:        domain.TransactionTypeWithdrawal,
		key:         req.RequestKey,
		fromNumber:  req.FromAccountNumber,
		amount:      req.Amount,
		description: req.Description,
	})
}

func (s *TransactionService) Transfer(ctx context.Context, req *TransferRequest) (*domain.TransactionResult, error) {
	return s.execute(ctx, &movement{
		kind:        domain.TransactionTypeTransfer,
		key:         req.RequestKey,
		fromNumber:  req.FromAccountNumber,
		toNumber:    req.ToAccountNumber,
		amount:      req.Amount,
		description: req.Description,
	})
}

// execute drives Received -> Validated -> Applied -> Committed. Business
// rejections come back as a Rejected result with a nil error; the error
// return is reserved for storage, compensation and internal failures.
func (s *TransactionService) execute(ctx context.Context, m *movement) (*domain.TransactionResult, error) {
	s.logger.Info("Processing transaction",
		"type", m.kind,
		"request_key", m.key,
		"from_account", m.fromNumber,
		"to_account", m.toNumber,
		"amount", m.amount)

	if appErr := checkShape(m); appErr != nil {
		s.logger.Info("Transaction rejected", "request_key", m.key, "reason_code", appErr.Code)
		return rejected(appErr), nil
	}

	admission, err := s.guard.Admit(ctx, m.key, m.fingerprint())
	if err != nil {
		if stderrors.Is(err, errors.ErrTimeout) {
			return rejected(errors.ErrTimeout), nil
		}
		return nil, err
	}
	if admission.Status != Admitted {
		return answer(admission), nil
	}

	// The key is ours from here on: every exit finalizes or releases it.
	m.owner = admission.Owner
	if err := s.resolve(ctx, m); err != nil {
		appErr := errors.As(err)
		if appErr.Code == errors.AccountNotFound {
			return s.reject(ctx, m, appErr)
		}
		s.guard.Release(context.WithoutCancel(ctx), m.key, m.owner)
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	release, err := s.locks.Acquire(lockCtx, m.accountIDs()...)
	if err != nil {
		s.logger.Warn("Timed out waiting for account locks", "request_key", m.key, "accounts", m.accountIDs())
		s.guard.Release(context.WithoutCancel(ctx), m.key, m.owner)
		return rejected(errors.ErrTimeout), nil
	}
	defer release()

	if ctx.Err() != nil {
		s.guard.Release(context.WithoutCancel(ctx), m.key, m.owner)
		return rejected(errors.ErrTimeout), nil
	}

	// Past this point the operation is no longer cancellable.
	applyCtx := context.WithoutCancel(ctx)
	if s.twoPhase {
		return s.applyTwoPhase(applyCtx, m)
	}
	return s.applyAtomic(applyCtx, m)
}

// answer maps an admission that did not hand over the key to the result
// the caller sees.
func answer(admission Admission) *domain.TransactionResult {
	switch admission.Status {
	case Replay:
		return admission.Result
	case KeyReuse:
		return rejected(errors.ErrIdempotencyKeyReuse)
	default:
		return rejected(errors.ErrIdempotencyInFlight)
	}
}

// superseded answers a request whose key was reclaimed while it waited. Its
// own unit of work has been rolled back by then.
func (s *TransactionService) superseded(ctx context.Context, m *movement) (*domain.TransactionResult, error) {
	s.logger.Warn("Request key was reclaimed while in flight", "request_key", m.key)
	admission, err := s.guard.Superseded(ctx, m.key, m.fingerprint())
	if err != nil {
		return nil, err
	}
	return answer(admission), nil
}

func checkShape(m *movement) *errors.AppError {
	if m.key == "" {
		return errors.ErrMissingRequestKey
	}
	if len(m.key) > maxRequestKeyLength {
		return errors.NewAppErrorf(errors.InvalidInput, "request key must be at most %d characters", maxRequestKeyLength)
	}
	if !ValidAmount(m.amount) {
		return errors.ErrInvalidAmount
	}
	if len(m.description) > maxDescriptionLength {
		return errors.NewAppErrorf(errors.InvalidInput, "description must be at most %d characters", maxDescriptionLength)
	}
	for _, number := range []string{m.fromNumber, m.toNumber} {
		if number != "" && !domain.ValidAccountNumber(number) {
			return errors.ErrInvalidAccountNumber
		}
	}
	if m.kind != domain.TransactionTypeDeposit && m.fromNumber == "" {
		return errors.ErrInvalidAccountNumber
	}
	if m.kind != domain.TransactionTypeWithdrawal && m.toNumber == "" {
		return errors.ErrInvalidAccountNumber
	}
	if m.kind == domain.TransactionTypeTransfer && m.fromNumber == m.toNumber {
		return errors.ErrSameAccountTransfer
	}
	return nil
}

// resolve maps account numbers to accounts through the directory.
func (s *TransactionService) resolve(ctx context.Context, m *movement) error {
	accounts := s.store.Accounts()
	if m.fromNumber != "" {
		from, err := accounts.GetAccountByNumber(ctx, m.fromNumber)
		if err != nil {
			return err
		}
		m.from = from
	}
	if m.toNumber != "" {
		to, err := accounts.GetAccountByNumber(ctx, m.toNumber)
		if err != nil {
			return err
		}
		m.to = to
	}
	return nil
}

// errRejected rolls back a unit of work whose validation failed.
var errRejected = stderrors.New("operation rejected")

// loadForUpdate re-reads the locked accounts inside tx in ascending id order.
func loadForUpdate(ctx context.Context, tx domain.Store, m *movement) (from, to *domain.Account, err error) {
	accounts := tx.Accounts()
	load := func(a *domain.Account) (*domain.Account, error) {
		if a == nil {
			return nil, nil
		}
		return accounts.GetAccountForUpdate(ctx, a.ID)
	}

	first, second := m.from, m.to
	swapped := first != nil && second != nil && second.ID < first.ID
	if swapped {
		first, second = second, first
	}
	a, err := load(first)
	if err != nil {
		return nil, nil, err
	}
	b, err := load(second)
	if err != nil {
		return nil, nil, err
	}
	if swapped {
		a, b = b, a
	}
	return a, b, nil
}

func (s *TransactionService) applyAtomic(ctx context.Context, m *movement) (*domain.TransactionResult, error) {
	var result domain.TransactionResult
	var violation *Violation

	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		from, to, err := loadForUpdate(ctx, tx, m)
		if err != nil {
			return err
		}
		if violation = Validate(Operation{Type: m.kind, From: from, To: to, Amount: m.amount}, s.limits); violation != nil {
			return errRejected
		}

		now := s.now()
		entry := s.newEntry(m)
		if from != nil {
			if entry.FromBalanceAfter, err = s.debit(ctx, tx, from, m.amount, now); err != nil {
				return err
			}
			entry.FromAccountID = &from.ID
		}
		if to != nil {
			if entry.ToBalanceAfter, err = s.credit(ctx, tx, to, m.amount, now); err != nil {
				return err
			}
			entry.ToAccountID = &to.ID
		}

		if err := tx.Transactions().CreateTransaction(ctx, entry); err != nil {
			return err
		}
		if err := tx.Transactions().CompleteTransaction(ctx, entry.ID, entry.ToBalanceAfter); err != nil {
			return err
		}
		entry.Status = domain.TransactionStatusCompleted

		result = committed(entry)
		return s.commit(ctx, tx, m, entry, result, now)
	})

	if violation != nil {
		return s.reject(ctx, m, violation.AppError())
	}
	if stderrors.Is(err, errors.ErrIdempotencyLeaseLost) {
		return s.superseded(ctx, m)
	}
	if err != nil {
		s.logger.Error("Transaction rolled back", "request_key", m.key, "error", err)
		s.guard.Release(ctx, m.key, m.owner)
		return nil, err
	}

	s.committedLog(m, &result)
	return &result, nil
}

// applyTwoPhase is for stores that cannot span both legs in one unit of
// work. Phase one appends a Pending entry with the debit leg, phase two the
// credit leg and completion. A failed phase two is compensated.
func (s *TransactionService) applyTwoPhase(ctx context.Context, m *movement) (*domain.TransactionResult, error) {
	var violation *Violation
	entry := s.newEntry(m)

	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		from, to, err := loadForUpdate(ctx, tx, m)
		if err != nil {
			return err
		}
		if violation = Validate(Operation{Type: m.kind, From: from, To: to, Amount: m.amount}, s.limits); violation != nil {
			return errRejected
		}

		entry.Status = domain.TransactionStatusPending
		if from != nil {
			if entry.FromBalanceAfter, err = s.debit(ctx, tx, from, m.amount, s.now()); err != nil {
				return err
			}
			entry.FromAccountID = &from.ID
		}
		if to != nil {
			entry.ToAccountID = &to.ID
		}
		return tx.Transactions().CreateTransaction(ctx, entry)
	})

	if violation != nil {
		return s.reject(ctx, m, violation.AppError())
	}
	if err != nil {
		s.logger.Error("Transaction rolled back", "request_key", m.key, "error", err)
		s.guard.Release(ctx, m.key, m.owner)
		return nil, err
	}

	var result domain.TransactionResult
	err = s.store.WithTransaction(ctx, func(tx domain.Store) error {
		now := s.now()
		if entry.ToAccountID != nil {
			to, err := tx.Accounts().GetAccountForUpdate(ctx, *entry.ToAccountID)
			if err != nil {
				return err
			}
			if entry.ToBalanceAfter, err = s.credit(ctx, tx, to, m.amount, now); err != nil {
				return err
			}
		}
		if err := tx.Transactions().CompleteTransaction(ctx, entry.ID, entry.ToBalanceAfter); err != nil {
			return err
		}
		entry.Status = domain.TransactionStatusCompleted

		result = committed(entry)
		return s.commit(ctx, tx, m, entry, result, now)
	})
	if err != nil {
		s.logger.Error("Second phase failed, compensating", "transaction_id", entry.ID, "reference", entry.Reference, "error", err)
		entry.ToBalanceAfter = decimal.NullDecimal{}
		if compErr := s.compensate(ctx, entry, err.Error()); compErr != nil {
			return nil, s.compensationFailed(ctx, m, entry, err, compErr)
		}
		if stderrors.Is(err, errors.ErrIdempotencyLeaseLost) {
			return s.superseded(ctx, m)
		}
		s.guard.Release(ctx, m.key, m.owner)
		return nil, err
	}

	s.committedLog(m, &result)
	return &result, nil
}

// compensate reverses the debit leg of a pending entry and marks it Failed.
func (s *TransactionService) compensate(ctx context.Context, entry *domain.Transaction, reason string) error {
	return s.store.WithTransaction(ctx, func(tx domain.Store) error {
		if entry.FromAccountID != nil {
			from, err := tx.Accounts().GetAccountForUpdate(ctx, *entry.FromAccountID)
			if err != nil {
				return err
			}
			if _, err := s.credit(ctx, tx, from, entry.Amount, s.now()); err != nil {
				return err
			}
		}
		return tx.Transactions().FailTransaction(ctx, entry.ID, reason)
	})
}

// compensationFailed makes a failed compensation durable and loud. The
// request key, when there is one, is finalized so a retry cannot apply the
// debit twice.
func (s *TransactionService) compensationFailed(ctx context.Context, m *movement, entry *domain.Transaction, cause, compErr error) error {
	incident := &domain.Incident{
		Kind:          domain.IncidentCompensationFailed,
		TransactionID: entry.ID,
		Reference:     entry.Reference,
		Details:       "apply: " + cause.Error() + "; compensate: " + compErr.Error(),
	}
	if err := s.store.Incidents().CreateIncident(ctx, incident); err != nil {
		s.logger.Error("Failed to record incident", "transaction_id", entry.ID, "error", err)
	}
	s.alerter.Alert(ctx, incident)

	result := domain.TransactionResult{
		Outcome:       domain.OutcomeRejected,
		TransactionID: entry.ID,
		Reference:     entry.Reference,
		ReasonCode:    string(errors.CompensationFailed),
		Message:       errors.ErrCompensationFailed.Message,
	}
	if m != nil {
		if err := s.guard.FinalizeRejection(ctx, m.key, m.owner, result); err != nil {
			s.logger.Error("Failed to finalize request key after compensation failure", "request_key", m.key, "error", err)
		}
	}
	return errors.ErrCompensationFailed.WithDetails(entry.Reference)
}

// RecoverPending compensates Pending entries older than the cutoff. They
// are left behind by a process that died between the two phases, or by a
// compensation that failed. An entry that cannot be compensated is reported
// once and skipped, so one bad entry never blocks the rest.
func (s *TransactionService) RecoverPending(ctx context.Context, olderThan time.Duration) (int, error) {
	pending, err := s.store.Transactions().ListPending(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	open, err := s.store.Incidents().ListOpenIncidents(ctx)
	if err != nil {
		return 0, err
	}
	reported := make(map[int64]bool, len(open))
	for _, incident := range open {
		if incident.Kind == domain.IncidentCompensationFailed {
			reported[incident.TransactionID] = true
		}
	}

	recovered := 0
	for _, entry := range pending {
		release, err := s.locks.Acquire(ctx, entryAccountIDs(entry)...)
		if err != nil {
			return recovered, err
		}
		err = s.compensate(ctx, entry, "abandoned before completion")
		release()

		switch {
		case err == nil:
			recovered++
			s.logger.Warn("Compensated abandoned transaction", "transaction_id", entry.ID, "reference", entry.Reference)
		case errors.As(err).Code == errors.InvalidStatusTransition:
		case reported[entry.ID]:
			s.logger.Error("Abandoned transaction still cannot be compensated",
				"transaction_id", entry.ID, "reference", entry.Reference, "error", err)
		default:
			reported[entry.ID] = true
			_ = s.compensationFailed(ctx, nil, entry, errors.NewAppError(errors.InternalError, "abandoned"), err)
		}
	}
	return recovered, nil
}

func entryAccountIDs(t *domain.Transaction) []int64 {
	var ids []int64
	if t.FromAccountID != nil {
		ids = append(ids, *t.FromAccountID)
	}
	if t.ToAccountID != nil {
		ids = append(ids, *t.ToAccountID)
	}
	return ids
}

func (s *TransactionService) newEntry(m *movement) *domain.Transaction {
	return &domain.Transaction{
		Reference:   uuid.NewString(),
		Amount:      m.amount,
		Type:        m.kind,
		Status:      domain.TransactionStatusPending,
		Description: m.description,
	}
}

func (s *TransactionService) debit(ctx context.Context, tx domain.Store, account *domain.Account, amount decimal.Decimal, at time.Time) (decimal.NullDecimal, error) {
	balance := account.Balance.Sub(amount)
	if err := tx.Accounts().UpdateAccountBalance(ctx, account.ID, balance, at); err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(balance), nil
}

func (s *TransactionService) credit(ctx context.Context, tx domain.Store, account *domain.Account, amount decimal.Decimal, at time.Time) (decimal.NullDecimal, error) {
	balance := account.Balance.Add(amount)
	if err := tx.Accounts().UpdateAccountBalance(ctx, account.ID, balance, at); err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(balance), nil
}

// commit finalizes the request key and enqueues the notification inside
// the unit of work that applies the entry.
func (s *TransactionService) commit(ctx context.Context, tx domain.Store, m *movement, entry *domain.Transaction, result domain.TransactionResult, now time.Time) error {
	if err := s.guard.Finalize(ctx, tx, m.key, m.owner, result); err != nil {
		return err
	}

	payload, err := json.Marshal(domain.NewTransactionEvent(entry, now))
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to encode event").WithDetails(err.Error())
	}
	return tx.Outbox().Enqueue(ctx, &domain.OutboxEvent{
		EventType:     domain.EventTransactionCommitted,
		TransactionID: entry.ID,
		Payload:       payload,
		NextAttemptAt: now,
	})
}

func (s *TransactionService) committedLog(m *movement, result *domain.TransactionResult) {
	s.logger.Info("Transaction committed",
		"transaction_id", result.TransactionID,
		"reference", result.Reference,
		"request_key", m.key,
		"balance_after", result.BalanceAfter)
	if s.waker != nil {
		s.waker.Wake()
	}
}

// reject records a business rejection under the request key.
func (s *TransactionService) reject(ctx context.Context, m *movement, appErr *errors.AppError) (*domain.TransactionResult, error) {
	result := rejected(appErr)
	if err := s.guard.FinalizeRejection(ctx, m.key, m.owner, *result); err != nil {
		if stderrors.Is(err, errors.ErrIdempotencyLeaseLost) {
			return s.superseded(ctx, m)
		}
		s.guard.Release(ctx, m.key, m.owner)
		return nil, err
	}
	s.logger.Info("Transaction rejected", "request_key", m.key, "reason_code", appErr.Code)
	return result, nil
}

func rejected(appErr *errors.AppError) *domain.TransactionResult {
	return &domain.TransactionResult{
		Outcome:    domain.OutcomeRejected,
		ReasonCode: string(appErr.Code),
		Message:    appErr.Message,
	}
}

func committed(entry *domain.Transaction) domain.TransactionResult {
	result := domain.TransactionResult{
		Outcome:       domain.OutcomeCommitted,
		TransactionID: entry.ID,
		Reference:     entry.Reference,
	}
	if after := entry.BalanceAfter(); after.Valid {
		balance := after.Decimal
		result.BalanceAfter = &balance
	}
	return result
}

func (s *TransactionService) GetTransaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	if reference == "" {
		return nil, errors.ErrTransactionNotFound
	}
	return s.store.Transactions().GetTransactionByReference(ctx, reference)
}

// Redact clears the description of a settled entry and flags it. The
// entry itself and its amounts stay in the ledger.
func (s *TransactionService) Redact(ctx context.Context, reference string) (*domain.Transaction, error) {
	s.logger.Info("Redacting transaction", "reference", reference)

	entry, err := s.GetTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}
	if entry.Status == domain.TransactionStatusPending {
		return nil, errors.ErrInvalidStatusTransition.WithDetails("pending transactions cannot be redacted")
	}
	if err := s.store.Transactions().RedactTransaction(ctx, entry.ID); err != nil {
		return nil, err
	}
	return s.store.Transactions().GetTransactionByID(ctx, entry.ID)
}

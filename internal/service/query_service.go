package service

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"

	"github.com/shopspring/decimal"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// TransactionView is a ledger entry seen from one account.
type TransactionView struct {
	TransactionID int64                  `json:"transaction_id"`
	Reference     string                 `json:"reference"`
	Type          domain.TransactionType `json:"type"`
	Direction     Direction              `json:"direction"`
	Amount        decimal.Decimal        `json:"amount"`
	BalanceAfter  decimal.NullDecimal    `json:"balance_after"`
	Counterparty  *int64                 `json:"counterparty_account_id,omitempty"`
	Description   string                 `json:"description"`
	Redacted      bool                   `json:"redacted"`
	CreatedAt     time.Time              `json:"created_at"`
}

type Statement struct {
	AccountID    int64             `json:"account_id"`
	Page         int               `json:"page"`
	PageSize     int               `json:"page_size"`
	Total        int               `json:"total"`
	Transactions []TransactionView `json:"transactions"`
}

type TypeTotal struct {
	Type  domain.TransactionType `json:"type"`
	Count int                    `json:"count"`
	Total decimal.Decimal        `json:"total"`
}

type Summary struct {
	AccountID *int64          `json:"account_id,omitempty"`
	From      *time.Time      `json:"from,omitempty"`
	To        *time.Time      `json:"to,omitempty"`
	Count     int             `json:"count"`
	Total     decimal.Decimal `json:"total"`
	ByType    []TypeTotal     `json:"by_type"`
	// Credits and Debits are only filled for a single-account summary.
	Credits *decimal.Decimal `json:"credits,omitempty"`
	Debits  *decimal.Decimal `json:"debits,omitempty"`
}

type DailyTotal struct {
	Date  string                 `json:"date"`
	Type  domain.TransactionType `json:"type"`
	Count int                    `json:"count"`
	Total decimal.Decimal        `json:"total"`
}

type BalanceCheck struct {
	AccountID     int64           `json:"account_id"`
	Balance       decimal.Decimal `json:"balance"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	Consistent    bool            `json:"consistent"`
}

// QueryService serves read-only projections over completed ledger entries.
type QueryService struct {
	store  domain.Store
	logger *slog.Logger
}

func NewQueryService(store domain.Store, logger *slog.Logger) *QueryService {
	return &QueryService{
		store:  store,
		logger: logger,
	}
}

// GetStatement lists an account's completed entries, newest first.
func (s *QueryService) GetStatement(ctx context.Context, accountID int64, page, pageSize int) (*Statement, error) {
	if accountID <= 0 {
		return nil, errors.ErrInvalidAccountID
	}
	if page < 1 {
		return nil, errors.NewAppError(errors.InvalidInput, "page must be at least 1")
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, errors.NewAppErrorf(errors.InvalidInput, "page size must be between 1 and %d", MaxPageSize)
	}

	if _, err := s.store.Accounts().GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	repo := s.store.Transactions()
	total, err := repo.CountCompletedByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entries, err := repo.ListCompletedByAccount(ctx, accountID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}

	views := make([]TransactionView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, viewFor(entry, accountID))
	}

	return &Statement{
		AccountID:    accountID,
		Page:         page,
		PageSize:     pageSize,
		Total:        total,
		Transactions: views,
	}, nil
}

func viewFor(entry *domain.Transaction, accountID int64) TransactionView {
	view := TransactionView{
		TransactionID: entry.ID,
		Reference:     entry.Reference,
		Type:          entry.Type,
		Amount:        entry.Amount,
		Description:   entry.Description,
		Redacted:      entry.Redacted,
		CreatedAt:     entry.CreatedAt,
	}
	if entry.ToAccountID != nil && *entry.ToAccountID == accountID {
		view.Direction = DirectionCredit
		view.BalanceAfter = entry.ToBalanceAfter
		view.Counterparty = entry.FromAccountID
	} else {
		view.Direction = DirectionDebit
		view.BalanceAfter = entry.FromBalanceAfter
		view.Counterparty = entry.ToAccountID
	}
	return view
}

func (s *QueryService) Summary(ctx context.Context, filter domain.ReportFilter) (*Summary, error) {
	entries, err := s.completed(ctx, filter)
	if err != nil {
		return nil, err
	}

	summary := &Summary{AccountID: filter.AccountID, Total: decimal.Zero}
	if !filter.From.IsZero() {
		summary.From = &filter.From
	}
	if !filter.To.IsZero() {
		summary.To = &filter.To
	}

	byType := map[domain.TransactionType]*TypeTotal{}
	credits, debits := decimal.Zero, decimal.Zero
	for _, entry := range entries {
		summary.Count++
		summary.Total = summary.Total.Add(entry.Amount)

		t, ok := byType[entry.Type]
		if !ok {
			t = &TypeTotal{Type: entry.Type, Total: decimal.Zero}
			byType[entry.Type] = t
		}
		t.Count++
		t.Total = t.Total.Add(entry.Amount)

		if filter.AccountID != nil {
			if entry.ToAccountID != nil && *entry.ToAccountID == *filter.AccountID {
				credits = credits.Add(entry.Amount)
			} else {
				debits = debits.Add(entry.Amount)
			}
		}
	}

	summary.ByType = make([]TypeTotal, 0, len(byType))
	for _, t := range byType {
		summary.ByType = append(summary.ByType, *t)
	}
	sort.Slice(summary.ByType, func(i, j int) bool { return summary.ByType[i].Type < summary.ByType[j].Type })

	if filter.AccountID != nil {
		summary.Credits = &credits
		summary.Debits = &debits
	}
	return summary, nil
}

// DailyRollup totals completed entries per UTC day and type, oldest first.
func (s *QueryService) DailyRollup(ctx context.Context, filter domain.ReportFilter) ([]DailyTotal, error) {
	entries, err := s.completed(ctx, filter)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		date string
		kind domain.TransactionType
	}
	totals := map[bucket]*DailyTotal{}
	for _, entry := range entries {
		b := bucket{date: entry.CreatedAt.UTC().Format(time.DateOnly), kind: entry.Type}
		d, ok := totals[b]
		if !ok {
			d = &DailyTotal{Date: b.date, Type: b.kind, Total: decimal.Zero}
			totals[b] = d
		}
		d.Count++
		d.Total = d.Total.Add(entry.Amount)
	}

	rollup := make([]DailyTotal, 0, len(totals))
	for _, d := range totals {
		rollup = append(rollup, *d)
	}
	sort.Slice(rollup, func(i, j int) bool {
		if rollup[i].Date != rollup[j].Date {
			return rollup[i].Date < rollup[j].Date
		}
		return rollup[i].Type < rollup[j].Type
	})
	return rollup, nil
}

// VerifyBalance compares an account's stored balance with the sum of the
// completed entries touching it.
func (s *QueryService) VerifyBalance(ctx context.Context, accountID int64) (*BalanceCheck, error) {
	account, err := s.store.Accounts().GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	entries, err := s.store.Transactions().ListCompleted(ctx, domain.ReportFilter{AccountID: &accountID})
	if err != nil {
		return nil, err
	}

	ledger := decimal.Zero
	for _, entry := range entries {
		if entry.ToAccountID != nil && *entry.ToAccountID == accountID {
			ledger = ledger.Add(entry.Amount)
		}
		if entry.FromAccountID != nil && *entry.FromAccountID == accountID {
			ledger = ledger.Sub(entry.Amount)
		}
	}

	check := &BalanceCheck{
		AccountID:     accountID,
		Balance:       account.Balance,
		LedgerBalance: ledger,
		Consistent:    account.Balance.Equal(ledger),
	}
	if !check.Consistent {
		s.logger.Error("Balance does not match ledger",
			"account_id", accountID, "balance", account.Balance, "ledger_balance", ledger)
	}
	return check, nil
}

func (s *QueryService) ListIncidents(ctx context.Context) ([]*domain.Incident, error) {
	return s.store.Incidents().ListOpenIncidents(ctx)
}

func (s *QueryService) completed(ctx context.Context, filter domain.ReportFilter) ([]*domain.Transaction, error) {
	if filter.AccountID != nil && *filter.AccountID <= 0 {
		return nil, errors.ErrInvalidAccountID
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return nil, errors.NewAppError(errors.InvalidInput, "from must be before to")
	}
	return s.store.Transactions().ListCompleted(ctx, filter)
}

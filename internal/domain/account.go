package domain

import (
	"context"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountTypeMinor            AccountType = "minor"
	AccountTypeMajor            AccountType = "major"
	AccountTypeSavings          AccountType = "savings"
	AccountTypeCurrent          AccountType = "current"
	AccountTypeFixedDeposit     AccountType = "fixed_deposit"
	AccountTypeRecurringDeposit AccountType = "recurring_deposit"
	AccountTypeLoan             AccountType = "loan"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeMinor, AccountTypeMajor, AccountTypeSavings, AccountTypeCurrent,
		AccountTypeFixedDeposit, AccountTypeRecurringDeposit, AccountTypeLoan:
		return true
	}
	return false
}

// AllowsOverdraft reports whether the balance may go below zero.
func (t AccountType) AllowsOverdraft() bool {
	return t == AccountTypeCurrent
}

// AllowsDebit reports whether money may leave the account through a
// withdrawal or an outgoing transfer. Term deposits are locked until maturity.
func (t AccountType) AllowsDebit() bool {
	return t != AccountTypeFixedDeposit && t != AccountTypeRecurringDeposit
}

type AccountStatus string

const (
	AccountStatusPending     AccountStatus = "pending"
	AccountStatusUnderReview AccountStatus = "under_review"
	AccountStatusActive      AccountStatus = "active"
	AccountStatusDormant     AccountStatus = "dormant"
	AccountStatusSuspended   AccountStatus = "suspended"
	AccountStatusClosed      AccountStatus = "closed"
)

var accountTransitions = map[AccountStatus][]AccountStatus{
	AccountStatusPending:     {AccountStatusUnderReview},
	AccountStatusUnderReview: {AccountStatusActive, AccountStatusClosed},
	AccountStatusActive:      {AccountStatusDormant, AccountStatusSuspended, AccountStatusClosed},
	AccountStatusDormant:     {AccountStatusActive, AccountStatusClosed},
	AccountStatusSuspended:   {AccountStatusActive, AccountStatusClosed},
	AccountStatusClosed:      nil,
}

func (s AccountStatus) Valid() bool {
	_, ok := accountTransitions[s]
	return ok
}

// CanTransitionTo reports whether next is reachable from s in one step.
// Active is only reachable from UnderReview (approval) or by reactivating
// a Dormant or Suspended account; Closed is terminal.
func (s AccountStatus) CanTransitionTo(next AccountStatus) bool {
	for _, allowed := range accountTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

var accountNumberPattern = regexp.MustCompile(`^[A-Za-z0-9]{8,20}$`)

func ValidAccountNumber(number string) bool {
	return accountNumberPattern.MatchString(number)
}

type Account struct {
	ID                int64           `json:"account_id"`
	Number            string          `json:"account_number"`
	UserID            int64           `json:"user_id"`
	BranchID          int64           `json:"branch_id"`
	Type              AccountType     `json:"type"`
	Balance           decimal.Decimal `json:"balance"`
	Status            AccountStatus   `json:"status"`
	OpenedAt          time.Time       `json:"opened_at"`
	LastTransactionAt *time.Time      `json:"last_transaction_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// AccountRepository doubles as the account directory: it resolves
// account numbers to ids and statuses.
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id int64) (*Account, error)
	GetAccountByNumber(ctx context.Context, number string) (*Account, error)
	GetAccountForUpdate(ctx context.Context, id int64) (*Account, error)
	UpdateAccountBalance(ctx context.Context, id int64, newBalance decimal.Decimal, at time.Time) error
	UpdateAccountStatus(ctx context.Context, id int64, status AccountStatus) error
}

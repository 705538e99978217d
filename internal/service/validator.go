package service

import (
	"account-ledger/internal/domain"
	"account-ledger/internal/errors"

	"github.com/shopspring/decimal"
)

// Limits holds the configured per-operation ceilings.
type Limits struct {
	MaxDeposit     decimal.Decimal
	MaxWithdrawal  decimal.Decimal
	OverdraftLimit decimal.Decimal
}

// Operation is a proposed money movement. From is set for withdrawals and
// transfers, To for deposits and transfers.
type Operation struct {
	Type   domain.TransactionType
	From   *domain.Account
	To     *domain.Account
	Amount decimal.Decimal
}

// Violation is the reason a proposed operation may not be applied.
type Violation struct {
	Code    errors.ErrorCode
	Message string
}

func (v *Violation) Error() string {
	return string(v.Code) + ": " + v.Message
}

func (v *Violation) AppError() *errors.AppError {
	return errors.NewAppError(v.Code, v.Message)
}

func violation(err *errors.AppError) *Violation {
	return &Violation{Code: err.Code, Message: err.Message}
}

// ValidAmount checks the shape of an amount: positive, two fraction digits at most.
func ValidAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Round(2))
}

// Validate checks op against account status, type rules, ceilings and
// available funds. It has no side effects and returns nil when op may be
// applied. A missing account for the operation type is a programming error.
func Validate(op Operation, limits Limits) *Violation {
	if !ValidAmount(op.Amount) {
		return violation(errors.ErrInvalidAmount)
	}

	switch op.Type {
	case domain.TransactionTypeDeposit:
		mustHave(op.To, "deposit target")
		return checkCredit(op.To, op.Amount, limits)

	case domain.TransactionTypeWithdrawal:
		mustHave(op.From, "withdrawal source")
		return checkDebit(op.From, op.Amount, limits)

	case domain.TransactionTypeTransfer:
		mustHave(op.From, "transfer source")
		mustHave(op.To, "transfer target")
		if op.From.ID == op.To.ID {
			return violation(errors.ErrSameAccountTransfer)
		}
		if v := checkDebit(op.From, op.Amount, limits); v != nil {
			return v
		}
		return checkCredit(op.To, op.Amount, limits)
	}

	panic("service: unknown transaction type " + string(op.Type))
}

func checkCredit(account *domain.Account, amount decimal.Decimal, limits Limits) *Violation {
	if account.Status != domain.AccountStatusActive {
		return &Violation{Code: errors.AccountNotActive, Message: "account " + account.Number + " is not active"}
	}
	if amount.GreaterThan(limits.MaxDeposit) {
		return &Violation{Code: errors.AmountOutOfRange, Message: "amount exceeds the single deposit limit of " + limits.MaxDeposit.StringFixed(2)}
	}
	return nil
}

func checkDebit(account *domain.Account, amount decimal.Decimal, limits Limits) *Violation {
	if account.Status != domain.AccountStatusActive {
		return &Violation{Code: errors.AccountNotActive, Message: "account " + account.Number + " is not active"}
	}
	if !account.Type.AllowsDebit() {
		return &Violation{Code: errors.OperationNotPermitted, Message: "debits are not permitted on " + string(account.Type) + " accounts"}
	}
	if amount.GreaterThan(limits.MaxWithdrawal) {
		return &Violation{Code: errors.AmountOutOfRange, Message: "amount exceeds the single withdrawal limit of " + limits.MaxWithdrawal.StringFixed(2)}
	}
	if amount.GreaterThan(available(account, limits)) {
		return violation(errors.ErrInsufficientFunds)
	}
	return nil
}

// available is what may be debited: the balance, plus the overdraft
// limit for account types that allow one.
func available(account *domain.Account, limits Limits) decimal.Decimal {
	if account.Type.AllowsOverdraft() {
		return account.Balance.Add(limits.OverdraftLimit)
	}
	return account.Balance
}

func mustHave(account *domain.Account, role string) {
	if account == nil {
		panic("service: nil account for " + role)
	}
}

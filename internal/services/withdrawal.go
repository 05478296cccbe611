package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/models"
	"github.com/workmarket/backend/internal/money"
)

// WithdrawalPolicy limits what young accounts can take out.
type WithdrawalPolicy struct {
	MinAccountAge     time.Duration
	YoungAccountLimit decimal.Decimal
}

func DefaultWithdrawalPolicy() WithdrawalPolicy {
	return WithdrawalPolicy{
		MinAccountAge:     7 * 24 * time.Hour,
		YoungAccountLimit: decimal.NewFromInt(5000),
	}
}

type GuardUserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type GuardDisputeRepo interface {
	HasActiveForUser(ctx context.Context, userID uuid.UUID) (bool, error)
}

type AccountReader interface {
	Account(ctx context.Context, userID uuid.UUID) (*models.Account, error)
}

// Eligibility is the answer to "may this user withdraw this amount".
type Eligibility struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Warning string `json:"warning,omitempty"`

	err error
}

// Err is the error a refused withdrawal fails with, nil when allowed.
func (e *Eligibility) Err() error {
	if e.Allowed {
		return nil
	}
	return e.err
}

func deny(kind error, reason string) *Eligibility {
	return &Eligibility{Reason: reason, err: fmt.Errorf("%w: %s", kind, reason)}
}

type WithdrawalGuard struct {
	Users    GuardUserRepo
	Disputes GuardDisputeRepo
	Accounts AccountReader
	Policy   WithdrawalPolicy
	Now      func() time.Time
}

func (g *WithdrawalGuard) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// Check decides whether userID may withdraw amount. A refusal is reported
// in the result, not as an error; errors mean the check itself failed.
func (g *WithdrawalGuard) Check(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*Eligibility, error) {
	amount, err := money.Validate(amount)
	if err != nil {
		return nil, err
	}
	user, err := g.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.CompletedTasksCount == 0 {
		return deny(apperr.ErrInsufficientFunds, "withdrawals open after the first completed task"), nil
	}

	young := g.now().Sub(user.CreatedAt) < g.Policy.MinAccountAge
	if young && amount.GreaterThan(g.Policy.YoungAccountLimit) {
		return deny(apperr.ErrForbidden, fmt.Sprintf("accounts younger than %s may withdraw at most %s",
			g.Policy.MinAccountAge, g.Policy.YoungAccountLimit.StringFixed(money.Cents))), nil
	}

	active, err := g.Disputes.HasActiveForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check disputes: %w", err)
	}
	if active {
		return deny(apperr.ErrForbidden, "withdrawals are blocked while a dispute is open"), nil
	}

	acc, err := g.Accounts.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc.Available().LessThan(amount) {
		return deny(apperr.ErrInsufficientFunds, fmt.Sprintf("available balance is %s", acc.Available().StringFixed(money.Cents))), nil
	}

	e := &Eligibility{Allowed: true}
	if young {
		e.Warning = "new account: withdrawals may take longer to be reviewed"
	}
	return e, nil
}

// Require is Check folded into a single error.
func (g *WithdrawalGuard) Require(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	e, err := g.Check(ctx, userID, amount)
	if err != nil {
		return err
	}
	return e.Err()
}

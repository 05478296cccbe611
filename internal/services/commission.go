package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/levels"
	"github.com/workmarket/backend/internal/money"
)

// CommissionPolicy holds the tunables of the tiered commission.
type CommissionPolicy struct {
	BaseRate  decimal.Decimal
	MinRate   decimal.Decimal
	Step      decimal.Decimal
	FreeTasks int
	MaxSteps  int
}

// DefaultCommissionPolicy: 10% for levels 1-2, one point less per level
// above 2 for at most four levels, never below 6%, first three tasks free.
func DefaultCommissionPolicy() CommissionPolicy {
	return CommissionPolicy{
		BaseRate:  decimal.RequireFromString("0.10"),
		MinRate:   decimal.RequireFromString("0.06"),
		Step:      decimal.RequireFromString("0.01"),
		FreeTasks: 3,
		MaxSteps:  4,
	}
}

func (p CommissionPolicy) Validate() error {
	switch {
	case p.BaseRate.IsNegative() || p.BaseRate.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: base rate %s out of range", apperr.ErrValidation, p.BaseRate)
	case p.MinRate.IsNegative() || p.MinRate.GreaterThan(p.BaseRate):
		return fmt.Errorf("%w: min rate %s must be within [0, base rate]", apperr.ErrValidation, p.MinRate)
	case p.Step.IsNegative():
		return fmt.Errorf("%w: negative rate step", apperr.ErrValidation)
	case p.FreeTasks < 0 || p.MaxSteps < 0:
		return fmt.Errorf("%w: negative task or step count", apperr.ErrValidation)
	}
	return nil
}

// Rate maps an executor's level and number of previously completed tasks
// to a commission rate. It is non-increasing in level.
func (p CommissionPolicy) Rate(level, completedTasks int) decimal.Decimal {
	if completedTasks < p.FreeTasks {
		return decimal.Zero
	}
	steps := level - 2
	if steps <= 0 {
		return p.BaseRate
	}
	if steps > p.MaxSteps {
		steps = p.MaxSteps
	}
	rate := p.BaseRate.Sub(p.Step.Mul(decimal.NewFromInt(int64(steps))))
	if rate.LessThan(p.MinRate) {
		return p.MinRate
	}
	return rate
}

// Split divides an escrowed amount into the platform commission, truncated
// to the cent, and the executor payout. The two always add up to escrow.
func Split(escrow, rate decimal.Decimal) (commission, payout decimal.Decimal) {
	commission = money.Percent(escrow, rate)
	return commission, escrow.Sub(commission)
}

// CommissionCalculator resolves the executor level and applies the policy.
type CommissionCalculator struct {
	policy CommissionPolicy
	levels levels.Lookup
}

func NewCommissionCalculator(policy CommissionPolicy, lookup levels.Lookup) *CommissionCalculator {
	return &CommissionCalculator{policy: policy, levels: lookup}
}

func (c *CommissionCalculator) RateFor(ctx context.Context, executorID uuid.UUID, completedTasks int) (decimal.Decimal, error) {
	if completedTasks < c.policy.FreeTasks {
		return decimal.Zero, nil
	}
	lv, err := c.levels.LevelOf(ctx, executorID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("commission rate: %w", err)
	}
	return c.policy.Rate(lv.Level, completedTasks), nil
}

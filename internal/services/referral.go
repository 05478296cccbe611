package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/ledger"
	"github.com/workmarket/backend/internal/metrics"
	"github.com/workmarket/backend/internal/models"
	"github.com/workmarket/backend/internal/money"
)

// Beneficiaries of a referral bonus: whose referrer gets paid.
const (
	BeneficiaryExecutor = "executor"
	BeneficiaryCustomer = "customer"
)

type ReferralPolicy struct {
	Percent decimal.Decimal
	Cap     int
	// Beneficiary selects which party of the task must have been referred.
	Beneficiary string
}

func DefaultReferralPolicy() ReferralPolicy {
	return ReferralPolicy{
		Percent:     decimal.RequireFromString("0.05"),
		Cap:         5,
		Beneficiary: BeneficiaryExecutor,
	}
}

type ReferralUserRepo interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error)
}

type ReferralTaskRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
}

type ReferralBonusRepo interface {
	CountForPair(ctx context.Context, tx pgx.Tx, referrerID, referralID uuid.UUID) (int, error)
	Insert(ctx context.Context, tx pgx.Tx, b *models.ReferralBonus) (bool, error)
}

type Crediter interface {
	Credit(ctx context.Context, tx pgx.Tx, e ledger.Entry) (*models.Transaction, error)
}

// ReferralEngine pays referrers a share of the tasks their referrals complete.
type ReferralEngine struct {
	Pool    TxBeginner
	Users   ReferralUserRepo
	Tasks   ReferralTaskRepo
	Bonuses ReferralBonusRepo
	Ledger  Crediter
	Policy  ReferralPolicy
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (e *ReferralEngine) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Grant pays the referral bonus for a completed task. It returns nil, nil
// when no bonus is due and ErrAlreadyProcessed when the task already paid one.
func (e *ReferralEngine) Grant(ctx context.Context, taskID uuid.UUID) (*models.ReferralBonus, error) {
	task, err := e.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusCompleted {
		return nil, fmt.Errorf("%w: task %s is %s", apperr.ErrInvalidState, taskID, task.Status)
	}
	referralID := task.CustomerID
	if e.Policy.Beneficiary != BeneficiaryCustomer {
		if task.ExecutorID == nil {
			return nil, fmt.Errorf("%w: task %s has no executor", apperr.ErrInvalidState, taskID)
		}
		referralID = *task.ExecutorID
	}

	tx, err := e.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// The row lock serializes grants for one referral, which keeps the cap.
	user, err := e.Users.GetForUpdate(ctx, tx, referralID)
	if err != nil {
		return nil, err
	}
	if user.ReferrerID == nil {
		return nil, nil
	}
	referrerID := *user.ReferrerID

	n, err := e.Bonuses.CountForPair(ctx, tx, referrerID, referralID)
	if err != nil {
		return nil, fmt.Errorf("count referral bonuses: %w", err)
	}
	if n >= e.Policy.Cap {
		e.log().Info("referral bonus cap reached", "referrer_id", referrerID, "referral_id", referralID, "task_id", taskID)
		return nil, nil
	}
	amount := money.Percent(task.Price, e.Policy.Percent)
	if !amount.IsPositive() {
		return nil, nil
	}

	b := &models.ReferralBonus{
		ID:         uuid.New(),
		ReferrerID: referrerID,
		ReferralID: referralID,
		TaskID:     taskID,
		Amount:     amount,
	}
	ok, err := e.Bonuses.Insert(ctx, tx, b)
	if err != nil {
		return nil, fmt.Errorf("insert referral bonus: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: referral bonus for task %s", apperr.ErrAlreadyProcessed, taskID)
	}
	if _, err := e.Ledger.Credit(ctx, tx, ledger.Entry{
		UserID:     referrerID,
		Amount:     amount,
		Type:       models.TxReferralBonus,
		Reason:     "referral bonus for task " + taskID.String(),
		TaskID:     &taskID,
		ExternalID: taskID.String(),
	}); err != nil {
		return nil, fmt.Errorf("credit referral bonus: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	e.Metrics.ReferralGranted()
	e.log().Info("referral bonus granted", "referrer_id", referrerID, "referral_id", referralID, "task_id", taskID, "amount", amount.String())
	return b, nil
}

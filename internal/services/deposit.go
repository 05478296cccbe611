package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/gateway"
	"github.com/workmarket/backend/internal/ledger"
	"github.com/workmarket/backend/internal/metrics"
	"github.com/workmarket/backend/internal/models"
	"github.com/workmarket/backend/internal/money"
)

// DepositGateway is the part of the gateway client deposits use.
type DepositGateway interface {
	Init(ctx context.Context, req gateway.InitRequest) (*gateway.Result, error)
	GetState(ctx context.Context, paymentID string) (*gateway.Result, error)
}

// DealRepo stores deals and the deposit payments made into them.
type DealRepo interface {
	FindOpenForUser(ctx context.Context, userID uuid.UUID) (*models.Deal, error)
	Ensure(ctx context.Context, tx pgx.Tx, d *models.Deal) error
	AddDeposit(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) error
	CreatePayment(ctx context.Context, tx pgx.Tx, p *models.Payment) (bool, error)
	GetPayment(ctx context.Context, paymentID string) (*models.Payment, error)
	GetPaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (*models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, tx pgx.Tx, paymentID, status string, confirmedAt *time.Time) error
}

// PollEnqueuer schedules a status poll of a gateway operation inside tx.
type PollEnqueuer func(ctx context.Context, tx pgx.Tx, paymentID string) error

type DepositLimits struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

func DefaultDepositLimits() DepositLimits {
	return DepositLimits{Min: decimal.NewFromInt(10), Max: decimal.NewFromInt(1_000_000)}
}

// DepositStatus is the outcome of one status check.
type DepositStatus struct {
	PaymentID string          `json:"payment_id"`
	UserID    uuid.UUID       `json:"user_id"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Credited  bool            `json:"credited"`
	Final     bool            `json:"final"`
}

// DepositReconciler brings gateway deposits onto user balances exactly once.
type DepositReconciler struct {
	Pool        TxBeginner
	Deals       DealRepo
	Ledger      Crediter
	Gateway     DepositGateway
	Limits      DepositLimits
	EnqueuePoll PollEnqueuer
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

func (r *DepositReconciler) log() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *DepositReconciler) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

// InitDeposit opens a gateway payment for amount into the user's open deal,
// creating the deal with the first deposit. The returned payment carries
// the URL the user pays on.
func (r *DepositReconciler) InitDeposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Payment, error) {
	amount, err := money.Validate(amount)
	if err != nil {
		return nil, err
	}
	if amount.LessThan(r.Limits.Min) || amount.GreaterThan(r.Limits.Max) {
		return nil, fmt.Errorf("%w: deposit must be between %s and %s", apperr.ErrValidation,
			r.Limits.Min.StringFixed(money.Cents), r.Limits.Max.StringFixed(money.Cents))
	}

	deal, err := r.Deals.FindOpenForUser(ctx, userID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("find open deal: %w", err)
	}
	req := gateway.InitRequest{
		OrderID:     uuid.NewString(),
		Amount:      amount,
		Description: "Balance top-up",
		CustomerKey: userID.String(),
	}
	if deal != nil {
		req.SpAccumulationID = deal.SpAccumulationID
	} else {
		req.CreateDeal = true
	}

	res, err := r.Gateway.Init(ctx, req)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		if res.SpAccumulationID == "" {
			return nil, fmt.Errorf("%w: Init returned no deal id", apperr.ErrGateway)
		}
		deal = &models.Deal{SpAccumulationID: res.SpAccumulationID, UserID: userID}
	}

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := r.Deals.Ensure(ctx, tx, deal); err != nil {
		return nil, fmt.Errorf("store deal: %w", err)
	}
	p := &models.Payment{
		PaymentID:  res.ExternalID,
		OrderID:    req.OrderID,
		DealID:     deal.ID,
		UserID:     userID,
		Amount:     amount,
		Status:     res.Status,
		PaymentURL: res.PaymentURL,
	}
	created, err := r.Deals.CreatePayment(ctx, tx, p)
	if err != nil {
		return nil, fmt.Errorf("store payment: %w", err)
	}
	if !created {
		return nil, fmt.Errorf("%w: gateway reused payment id %s", apperr.ErrGateway, p.PaymentID)
	}
	if r.EnqueuePoll != nil {
		if err := r.EnqueuePoll(ctx, tx, p.PaymentID); err != nil {
			return nil, fmt.Errorf("enqueue deposit poll: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	r.log().Info("deposit initiated", "payment_id", p.PaymentID, "user_id", userID, "deal_id", deal.ID, "amount", amount.String())
	return p, nil
}

// Payment returns the local record of paymentID without asking the gateway.
func (r *DepositReconciler) Payment(ctx context.Context, paymentID string) (*models.Payment, error) {
	return r.Deals.GetPayment(ctx, paymentID)
}

// CheckStatus asks the gateway for the state of paymentID and credits the
// deposit the first time it is seen paid. A payment the gateway knows but we
// lost is rebuilt from the gateway's record. Safe to call any number of
// times, concurrently with webhooks.
func (r *DepositReconciler) CheckStatus(ctx context.Context, paymentID string) (*DepositStatus, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("%w: payment id is required", apperr.ErrValidation)
	}
	local, err := r.Deals.GetPayment(ctx, paymentID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	state, err := r.Gateway.GetState(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if local == nil {
		if err := r.reconstruct(ctx, tx, paymentID, state); err != nil {
			return nil, err
		}
	}
	p, err := r.Deals.GetPaymentForUpdate(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}

	amount := p.Amount
	if state.Amount.IsPositive() && !state.Amount.Equal(p.Amount) {
		r.log().Warn("gateway amount differs from local record", "payment_id", paymentID,
			"local", p.Amount.String(), "gateway", state.Amount.String())
		amount = state.Amount
	}

	out := &DepositStatus{PaymentID: paymentID, UserID: p.UserID, Status: state.Status, Amount: amount, Final: models.IsFinalPayment(state.Status)}
	var confirmedAt *time.Time
	if models.IsPaid(state.Status) {
		at := r.now()
		confirmedAt = &at
	}
	if err := r.Deals.UpdatePaymentStatus(ctx, tx, paymentID, state.Status, confirmedAt); err != nil {
		return nil, fmt.Errorf("update payment status: %w", err)
	}

	if models.IsPaid(state.Status) {
		pid := paymentID
		_, err := r.Ledger.Credit(ctx, tx, ledger.Entry{
			UserID:     p.UserID,
			Amount:     amount,
			Type:       models.TxDeposit,
			Reason:     "deposit via gateway",
			DealID:     &p.DealID,
			PaymentID:  &pid,
			ExternalID: paymentID,
		})
		switch {
		case errors.Is(err, apperr.ErrAlreadyProcessed):
		case err != nil:
			return nil, fmt.Errorf("credit deposit: %w", err)
		default:
			if err := r.Deals.AddDeposit(ctx, tx, p.DealID, amount); err != nil {
				return nil, fmt.Errorf("update deal totals: %w", err)
			}
			out.Credited = true
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	if out.Credited {
		r.Metrics.DepositCredited()
		r.log().Info("deposit credited", "payment_id", paymentID, "user_id", p.UserID, "amount", amount.String())
	}
	return out, nil
}

func (r *DepositReconciler) reconstruct(ctx context.Context, tx pgx.Tx, paymentID string, state *gateway.Result) error {
	userID, err := uuid.Parse(state.CustomerKey)
	if err != nil {
		return fmt.Errorf("%w: payment %s has no usable customer key", apperr.ErrNotFound, paymentID)
	}
	if state.SpAccumulationID == "" {
		return fmt.Errorf("%w: payment %s has no deal", apperr.ErrNotFound, paymentID)
	}
	r.Metrics.ReconciliationGap()
	r.log().Warn("rebuilding payment from gateway record", "payment_id", paymentID, "user_id", userID,
		"error", apperr.ErrReconciliationGap)

	deal := &models.Deal{SpAccumulationID: state.SpAccumulationID, UserID: userID}
	if err := r.Deals.Ensure(ctx, tx, deal); err != nil {
		return fmt.Errorf("rebuild deal: %w", err)
	}
	orderID := state.OrderID
	if orderID == "" {
		orderID = paymentID
	}
	_, err = r.Deals.CreatePayment(ctx, tx, &models.Payment{
		PaymentID: paymentID,
		OrderID:   orderID,
		DealID:    deal.ID,
		UserID:    userID,
		Amount:    state.Amount,
		Status:    state.Status,
	})
	if err != nil {
		return fmt.Errorf("rebuild payment: %w", err)
	}
	return nil
}

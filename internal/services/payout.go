package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
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
	"github.com/workmarket/backend/internal/notify"
)

// PayoutGateway is the part of the gateway client payouts use.
type PayoutGateway interface {
	PayoutInit(ctx context.Context, req gateway.PayoutRequest) (*gateway.Result, error)
	PayoutPayment(ctx context.Context, paymentID string) (*gateway.Result, error)
	PayoutGetState(ctx context.Context, paymentID string) (*gateway.Result, error)
}

type PayoutRepo interface {
	Create(ctx context.Context, tx pgx.Tx, p *models.Payout) error
	SetPaymentID(ctx context.Context, tx pgx.Tx, id uuid.UUID, paymentID, status string) error
	GetByPaymentID(ctx context.Context, paymentID string) (*models.Payout, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payout, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error
	MarkCompleted(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error
	// MarkRefunded is false when the payout was refunded before.
	MarkRefunded(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, at time.Time) (bool, error)
}

// PayoutDealRepo reserves payout amounts against deals.
type PayoutDealRepo interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deal, error)
	FindForPayout(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (*models.Deal, error)
	Reserve(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (bool, error)
	Release(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) error
}

type PayoutUserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type PayoutLedger interface {
	Credit(ctx context.Context, tx pgx.Tx, e ledger.Entry) (*models.Transaction, error)
	Debit(ctx context.Context, tx pgx.Tx, e ledger.Entry) (*models.Transaction, error)
}

// Guard decides whether a withdrawal may start.
type Guard interface {
	Require(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error
}

// PayoutStatus is the outcome of one payout status check.
type PayoutStatus struct {
	PaymentID string          `json:"payment_id"`
	UserID    uuid.UUID       `json:"user_id"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Refunded  bool            `json:"refunded"`
	Final     bool            `json:"final"`
}

// PayoutReconciler sends money to users' bound cards. The amount leaves the
// balance before the gateway is asked, and comes back exactly once if the
// gateway refuses or rejects the payout.
type PayoutReconciler struct {
	Pool        TxBeginner
	Payouts     PayoutRepo
	Deals       PayoutDealRepo
	Users       PayoutUserRepo
	Ledger      PayoutLedger
	Gateway     PayoutGateway
	Guard       Guard
	EnqueuePoll PollEnqueuer
	Notifier    notify.Dispatcher
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

func (r *PayoutReconciler) log() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *PayoutReconciler) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

// InitPayout withdraws amount to the user's bound card. dealID picks the
// deal to pay from; nil picks the oldest open deal that holds the amount,
// or none at all.
func (r *PayoutReconciler) InitPayout(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, dealID *uuid.UUID) (*models.Payout, error) {
	amount, err := money.Validate(amount)
	if err != nil {
		return nil, err
	}
	if err := r.Guard.Require(ctx, userID, amount); err != nil {
		return nil, err
	}
	user, err := r.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.PayoutCardID == nil || *user.PayoutCardID == "" {
		return nil, fmt.Errorf("%w: bind a payout card first", apperr.ErrValidation)
	}

	p, deal, err := r.hold(ctx, userID, amount, dealID)
	if err != nil {
		return nil, err
	}

	req := gateway.PayoutRequest{
		OrderID:     p.OrderID,
		Amount:      amount,
		CardID:      *user.PayoutCardID,
		FinalPayout: false,
	}
	if deal != nil {
		req.SpAccumulationID = deal.SpAccumulationID
	}
	// Init alone moves no money, so any Init failure can be refunded.
	res, err := r.Gateway.PayoutInit(ctx, req)
	if err != nil {
		return nil, r.refundRefused(ctx, p, err)
	}
	paymentID := res.ExternalID
	p.PaymentID = &paymentID
	p.Status = res.Status

	// The payment id and the poll are stored before Payment is sent: from
	// here on the bank may pay, and only its state decides the outcome.
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		if err := r.Payouts.SetPaymentID(ctx, tx, p.ID, paymentID, res.Status); err != nil {
			return fmt.Errorf("store payout payment id: %w", err)
		}
		if r.EnqueuePoll != nil {
			if err := r.EnqueuePoll(ctx, tx, paymentID); err != nil {
				return fmt.Errorf("enqueue payout poll: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		// Payment was never sent.
		return nil, r.refundRefused(ctx, p, err)
	}

	res, err = r.Gateway.PayoutPayment(ctx, paymentID)
	var gwErr *gateway.Error
	switch {
	case errors.As(err, &gwErr):
		return nil, r.refundRefused(ctx, p, err)
	case err != nil:
		r.log().Warn("payout payment outcome unknown, left to status polling",
			"payout_id", p.ID, "payment_id", paymentID, "user_id", userID, "error", err)
		return p, nil
	}

	if res.Status != "" && res.Status != p.Status {
		if err := r.inTx(ctx, func(tx pgx.Tx) error {
			return r.Payouts.UpdateStatus(ctx, tx, p.ID, res.Status)
		}); err != nil {
			r.log().Warn("store payout status", "payout_id", p.ID, "error", err)
		} else {
			p.Status = res.Status
		}
	}
	r.log().Info("payout initiated", "payout_id", p.ID, "payment_id", paymentID, "user_id", userID, "amount", amount.String())
	return p, nil
}

// refundRefused returns a payout the gateway did not accept and passes the
// cause on.
func (r *PayoutReconciler) refundRefused(ctx context.Context, p *models.Payout, cause error) error {
	r.log().Warn("payout refused", "payout_id", p.ID, "user_id", p.RecipientID, "error", cause)
	if _, err := r.refund(ctx, p.ID, models.PaymentRejected); err != nil {
		r.log().Error("refund of refused payout failed", "payout_id", p.ID, "error", err)
		return errors.Join(cause, err)
	}
	return cause
}

// hold debits the amount and stores the pending payout in one transaction.
func (r *PayoutReconciler) hold(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, dealID *uuid.UUID) (*models.Payout, *models.Deal, error) {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	var deal *models.Deal
	if dealID != nil {
		deal, err = r.Deals.GetForUpdate(ctx, tx, *dealID)
		if err != nil {
			return nil, nil, err
		}
		if deal.UserID != userID {
			return nil, nil, fmt.Errorf("%w: deal %s belongs to another user", apperr.ErrForbidden, *dealID)
		}
	} else {
		deal, err = r.Deals.FindForPayout(ctx, tx, userID, amount)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, nil, fmt.Errorf("find deal: %w", err)
		}
	}

	p := &models.Payout{
		ID:          uuid.New(),
		RecipientID: userID,
		Amount:      amount,
		Status:      models.PaymentNew,
	}
	p.OrderID = p.ID.String()
	if deal != nil {
		ok, err := r.Deals.Reserve(ctx, tx, deal.ID, amount)
		if err != nil {
			return nil, nil, fmt.Errorf("reserve deal: %w", err)
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: deal %s holds less than %s", apperr.ErrInsufficientFunds, deal.ID, amount.StringFixed(money.Cents))
		}
		p.DealID = &deal.ID
	}
	if _, err := r.Ledger.Debit(ctx, tx, ledger.Entry{
		UserID:     userID,
		Amount:     amount,
		Type:       models.TxWithdraw,
		Reason:     "payout to card",
		DealID:     p.DealID,
		ExternalID: p.ID.String(),
	}); err != nil {
		return nil, nil, fmt.Errorf("debit payout: %w", err)
	}
	if err := r.Payouts.Create(ctx, tx, p); err != nil {
		return nil, nil, fmt.Errorf("store payout: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return p, deal, nil
}

// Payout returns the local record of paymentID without asking the gateway.
func (r *PayoutReconciler) Payout(ctx context.Context, paymentID string) (*models.Payout, error) {
	return r.Payouts.GetByPaymentID(ctx, paymentID)
}

// CheckPayoutStatus polls the gateway for paymentID. A rejection or
// cancellation refunds the payout once; completion stamps completed_at. A
// payout the bank still holds as CHECKED never received Payment and gets it
// again, unless it was refunded meanwhile.
func (r *PayoutReconciler) CheckPayoutStatus(ctx context.Context, paymentID string) (*PayoutStatus, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("%w: payment id is required", apperr.ErrValidation)
	}
	p, err := r.Payouts.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	state, err := r.Gateway.PayoutGetState(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	out := &PayoutStatus{PaymentID: paymentID, UserID: p.RecipientID, Status: state.Status, Amount: p.Amount, Final: models.IsFinalPayout(state.Status)}

	switch state.Status {
	case models.PaymentRejected, models.PaymentCanceled:
		refunded, err := r.refund(ctx, p.ID, state.Status)
		if err != nil {
			return nil, err
		}
		out.Refunded = refunded
		if refunded {
			dispatchBestEffort(ctx, r.Notifier, r.Metrics, r.log(), p.RecipientID, notify.Payload{
				Type:    "payout_" + strings.ToLower(state.Status),
				Title:   "Payout " + strings.ToLower(state.Status),
				Message: fmt.Sprintf("%s was returned to your balance", p.Amount.StringFixed(money.Cents)),
				Link:    "/payouts",
			})
		}
		return out, nil
	case models.PaymentCompleted:
		if p.RefundedAt != nil {
			r.log().Error("refunded payout completed at the gateway", "payout_id", p.ID, "payment_id", paymentID, "user_id", p.RecipientID)
		}
		return out, r.inTx(ctx, func(tx pgx.Tx) error {
			return r.Payouts.MarkCompleted(ctx, tx, p.ID, r.now())
		})
	}
	if p.RefundedAt != nil {
		out.Status = p.Status
		out.Final = true
		return out, nil
	}
	if state.Status == models.PaymentChecked {
		return r.resend(ctx, p, out)
	}
	if state.Status == p.Status {
		return out, nil
	}
	return out, r.inTx(ctx, func(tx pgx.Tx) error {
		return r.Payouts.UpdateStatus(ctx, tx, p.ID, state.Status)
	})
}

// resend repeats Payment for a payout the bank holds unpaid. A refusal
// refunds; a transport failure is returned for the next poll.
func (r *PayoutReconciler) resend(ctx context.Context, p *models.Payout, out *PayoutStatus) (*PayoutStatus, error) {
	res, err := r.Gateway.PayoutPayment(ctx, out.PaymentID)
	var gwErr *gateway.Error
	switch {
	case errors.As(err, &gwErr):
		refunded, rerr := r.refund(ctx, p.ID, models.PaymentRejected)
		if rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		out.Status, out.Refunded, out.Final = models.PaymentRejected, refunded, true
		return out, nil
	case err != nil:
		return nil, err
	}
	r.log().Info("payout payment resent", "payout_id", p.ID, "payment_id", out.PaymentID, "status", res.Status)
	if res.Status != "" {
		out.Status = res.Status
		out.Final = models.IsFinalPayout(res.Status)
	}
	if out.Status == p.Status {
		return out, nil
	}
	return out, r.inTx(ctx, func(tx pgx.Tx) error {
		return r.Payouts.UpdateStatus(ctx, tx, p.ID, out.Status)
	})
}

// refund returns a payout's amount to the recipient. It reports false when
// the payout had been refunded already.
func (r *PayoutReconciler) refund(ctx context.Context, payoutID uuid.UUID, status string) (bool, error) {
	refunded := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		p, err := r.Payouts.GetForUpdate(ctx, tx, payoutID)
		if err != nil {
			return err
		}
		ok, err := r.Payouts.MarkRefunded(ctx, tx, p.ID, status, r.now())
		if err != nil || !ok {
			return err
		}
		if _, err := r.Ledger.Credit(ctx, tx, ledger.Entry{
			UserID:     p.RecipientID,
			Amount:     p.Amount,
			Type:       models.TxRefund,
			Reason:     "payout " + strings.ToLower(status),
			DealID:     p.DealID,
			PaymentID:  p.PaymentID,
			ExternalID: p.ID.String(),
		}); err != nil && !errors.Is(err, apperr.ErrAlreadyProcessed) {
			return fmt.Errorf("refund payout: %w", err)
		}
		if p.DealID != nil {
			if err := r.Deals.Release(ctx, tx, *p.DealID, p.Amount); err != nil {
				return fmt.Errorf("release deal: %w", err)
			}
		}
		refunded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if refunded {
		r.Metrics.PayoutRefunded()
		r.log().Info("payout refunded", "payout_id", payoutID)
	}
	return refunded, nil
}

func (r *PayoutReconciler) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CardGateway is the part of the gateway client card binding uses.
type CardGateway interface {
	AddCustomer(ctx context.Context, customerKey string) (*gateway.Result, error)
	AddCard(ctx context.Context, customerKey string) (*gateway.Result, error)
}

type CardUserRepo interface {
	SetPayoutCard(ctx context.Context, id uuid.UUID, cardID string) error
}

// CardBinder attaches a payout card to a user through the gateway's card
// form. The card id arrives later in a webhook.
type CardBinder struct {
	Gateway CardGateway
	Users   CardUserRepo
	Logger  *slog.Logger
}

func (b *CardBinder) log() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

// Start registers the user with the gateway and opens the card form.
func (b *CardBinder) Start(ctx context.Context, userID uuid.UUID) (*gateway.Result, error) {
	key := userID.String()
	if _, err := b.Gateway.AddCustomer(ctx, key); err != nil {
		return nil, err
	}
	return b.Gateway.AddCard(ctx, key)
}

// Complete stores the card reported by a card webhook.
func (b *CardBinder) Complete(ctx context.Context, n *gateway.Notification) error {
	userID, err := uuid.Parse(n.CustomerKey)
	if err != nil {
		return fmt.Errorf("%w: customer key %q", apperr.ErrValidation, n.CustomerKey)
	}
	if !n.Success || n.CardID == "" {
		b.log().Warn("card binding failed", "user_id", userID, "request_key", n.RequestKey, "error_code", n.ErrorCode)
		return nil
	}
	if err := b.Users.SetPayoutCard(ctx, userID, n.CardID); err != nil {
		return fmt.Errorf("store payout card: %w", err)
	}
	b.log().Info("payout card bound", "user_id", userID, "card_id", n.CardID)
	return nil
}

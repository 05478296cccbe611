// Package execution runs the background jobs: gateway status polls and
// referral bonuses. Jobs are inserted inside the transaction that creates
// the work, so a rolled back operation never leaves a job behind.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/models"
	"github.com/workmarket/backend/internal/services"
)

type PollDepositArgs struct {
	PaymentID string `json:"payment_id"`
}

func (PollDepositArgs) Kind() string { return "poll_deposit" }

type PollPayoutArgs struct {
	PaymentID string `json:"payment_id"`
}

func (PollPayoutArgs) Kind() string { return "poll_payout" }

type ReferralBonusArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (ReferralBonusArgs) Kind() string { return "referral_bonus" }

// PollConfig bounds how long an operation is polled. Polling stops once the
// job is older than Interval*MaxPolls.
type PollConfig struct {
	Interval time.Duration
	MaxPolls int
}

func (c PollConfig) deadline() time.Duration {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 120
	}
	return c.Interval * time.Duration(c.MaxPolls)
}

func (c PollConfig) interval() time.Duration {
	if c.Interval <= 0 {
		return 5 * time.Second
	}
	return c.Interval
}

type DepositChecker interface {
	CheckStatus(ctx context.Context, paymentID string) (*services.DepositStatus, error)
}

type PayoutChecker interface {
	CheckPayoutStatus(ctx context.Context, paymentID string) (*services.PayoutStatus, error)
}

type ReferralGranter interface {
	Grant(ctx context.Context, taskID uuid.UUID) (*models.ReferralBonus, error)
}

// PollDepositWorker reconciles a deposit until the gateway reports a final
// status. Webhooks and client polls may settle it first; the reconciler is
// idempotent so the extra checks are harmless.
type PollDepositWorker struct {
	river.WorkerDefaults[PollDepositArgs]
	deposits DepositChecker
	cfg      PollConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewPollDepositWorker(d DepositChecker, cfg PollConfig, logger *slog.Logger) *PollDepositWorker {
	return &PollDepositWorker{deposits: d, cfg: cfg, logger: orDefault(logger), now: time.Now}
}

func (w *PollDepositWorker) Work(ctx context.Context, job *river.Job[PollDepositArgs]) error {
	st, err := w.deposits.CheckStatus(ctx, job.Args.PaymentID)
	if err != nil {
		return pollError(err, job.Args.PaymentID)
	}
	if st.Final {
		w.logger.Info("deposit poll finished", "payment_id", st.PaymentID, "status", st.Status, "credited", st.Credited)
		return nil
	}
	return snoozeOrGiveUp(w.logger, w.cfg, w.now(), job.CreatedAt, "deposit", st.PaymentID, st.Status)
}

// PollPayoutWorker reconciles a payout until it completes or is rejected.
type PollPayoutWorker struct {
	river.WorkerDefaults[PollPayoutArgs]
	payouts PayoutChecker
	cfg     PollConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewPollPayoutWorker(p PayoutChecker, cfg PollConfig, logger *slog.Logger) *PollPayoutWorker {
	return &PollPayoutWorker{payouts: p, cfg: cfg, logger: orDefault(logger), now: time.Now}
}

func (w *PollPayoutWorker) Work(ctx context.Context, job *river.Job[PollPayoutArgs]) error {
	st, err := w.payouts.CheckPayoutStatus(ctx, job.Args.PaymentID)
	if err != nil {
		return pollError(err, job.Args.PaymentID)
	}
	if st.Final {
		w.logger.Info("payout poll finished", "payment_id", st.PaymentID, "status", st.Status, "refunded", st.Refunded)
		return nil
	}
	return snoozeOrGiveUp(w.logger, w.cfg, w.now(), job.CreatedAt, "payout", st.PaymentID, st.Status)
}

// ReferralBonusWorker grants the referral bonus of a completed task.
type ReferralBonusWorker struct {
	river.WorkerDefaults[ReferralBonusArgs]
	referrals ReferralGranter
	logger    *slog.Logger
}

func NewReferralBonusWorker(r ReferralGranter, logger *slog.Logger) *ReferralBonusWorker {
	return &ReferralBonusWorker{referrals: r, logger: orDefault(logger)}
}

func (w *ReferralBonusWorker) Work(ctx context.Context, job *river.Job[ReferralBonusArgs]) error {
	bonus, err := w.referrals.Grant(ctx, job.Args.TaskID)
	switch {
	case apperr.IsIdempotent(err):
		return nil
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrInvalidState):
		return river.JobCancel(err)
	case err != nil:
		return fmt.Errorf("grant referral bonus for task %s: %w", job.Args.TaskID, err)
	}
	if bonus != nil {
		w.logger.Info("referral bonus granted", "task_id", job.Args.TaskID, "referrer_id", bonus.ReferrerID, "amount", bonus.Amount.String())
	}
	return nil
}

// pollError cancels polls that can never succeed and lets river retry the
// rest with backoff.
func pollError(err error, paymentID string) error {
	switch apperr.Kind(err) {
	case apperr.KindNotFound, apperr.KindValidation:
		return river.JobCancel(fmt.Errorf("poll %s: %w", paymentID, err))
	}
	return fmt.Errorf("poll %s: %w", paymentID, err)
}

func snoozeOrGiveUp(logger *slog.Logger, cfg PollConfig, now, created time.Time, what, paymentID, status string) error {
	if now.Sub(created) >= cfg.deadline() {
		logger.Warn("giving up polling", "operation", what, "payment_id", paymentID, "status", status)
		return river.JobCancel(fmt.Errorf("%s %s still %s after %s", what, paymentID, status, cfg.deadline()))
	}
	return river.JobSnooze(cfg.interval())
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Inserter is the part of river.Client the enqueuers need.
type Inserter interface {
	InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

var uniqueByArgs = &river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}

// DepositPoller returns the enqueuer the deposit reconciler calls after Init.
func DepositPoller(ins Inserter, cfg PollConfig) services.PollEnqueuer {
	return func(ctx context.Context, tx pgx.Tx, paymentID string) error {
		opts := *uniqueByArgs
		opts.ScheduledAt = time.Now().Add(cfg.interval())
		_, err := ins.InsertTx(ctx, tx, PollDepositArgs{PaymentID: paymentID}, &opts)
		return err
	}
}

// PayoutPoller returns the enqueuer the payout reconciler calls after the
// payout is sent.
func PayoutPoller(ins Inserter, cfg PollConfig) services.PollEnqueuer {
	return func(ctx context.Context, tx pgx.Tx, paymentID string) error {
		opts := *uniqueByArgs
		opts.ScheduledAt = time.Now().Add(cfg.interval())
		_, err := ins.InsertTx(ctx, tx, PollPayoutArgs{PaymentID: paymentID}, &opts)
		return err
	}
}

// ReferralScheduler returns the enqueuer task completion calls.
func ReferralScheduler(ins Inserter) services.ReferralEnqueuer {
	return func(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) error {
		_, err := ins.InsertTx(ctx, tx, ReferralBonusArgs{TaskID: taskID}, uniqueByArgs)
		return err
	}
}

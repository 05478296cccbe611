package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/metrics"
	"github.com/workmarket/backend/internal/models"
	"github.com/workmarket/backend/internal/notify"
)

// DisputeRepo is the dispute persistence the resolver needs.
type DisputeRepo interface {
	Create(ctx context.Context, tx pgx.Tx, d *models.Dispute) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	MarkInReview(ctx context.Context, id uuid.UUID) (bool, error)
	// Resolve returns nil, nil when the dispute is not open or in review.
	Resolve(ctx context.Context, tx pgx.Tx, id uuid.UUID, decision, resolution string, at time.Time) (*models.Dispute, error)
}

// DisputeTaskRepo is the task access the resolver needs.
type DisputeTaskRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
}

// Settler applies the money side of a decision inside the caller's transaction.
type Settler interface {
	SettleDispute(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, decision string) (*Settlement, error)
}

// Resolution is what Resolve reports. Settlement is nil when the task had
// already been closed by other means.
type Resolution struct {
	Dispute    *models.Dispute `json:"dispute"`
	Settlement *Settlement     `json:"settlement,omitempty"`
}

// DisputeResolver drives disputes through open, in_review and resolved.
type DisputeResolver struct {
	Pool     TxBeginner
	Disputes DisputeRepo
	Tasks    DisputeTaskRepo
	Escrow   Settler
	Notifier notify.Dispatcher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

func (r *DisputeResolver) log() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *DisputeResolver) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

// Open files a dispute on an in-progress task. Only the customer or the
// executor of the task may open one.
func (r *DisputeResolver) Open(ctx context.Context, taskID, initiatorID uuid.UUID, reason string) (*models.Dispute, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", apperr.ErrValidation)
	}

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	task, err := r.Tasks.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.IsParty(initiatorID) {
		return nil, fmt.Errorf("%w: not a party of task %s", apperr.ErrForbidden, taskID)
	}
	if task.Status != models.TaskStatusInProgress {
		return nil, fmt.Errorf("%w: task is %s", apperr.ErrInvalidState, task.Status)
	}

	d := &models.Dispute{
		ID:          uuid.New(),
		TaskID:      taskID,
		InitiatorID: initiatorID,
		Reason:      reason,
		Status:      models.DisputeStatusOpen,
	}
	if err := r.Disputes.Create(ctx, tx, d); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	r.log().Info("dispute opened", "dispute_id", d.ID, "task_id", taskID, "initiator_id", initiatorID)

	counterparty := task.CustomerID
	if initiatorID == task.CustomerID && task.ExecutorID != nil {
		counterparty = *task.ExecutorID
	}
	dispatchBestEffort(ctx, r.Notifier, r.Metrics, r.log(), counterparty, notify.Payload{
		Type:    "dispute_opened",
		Title:   "Dispute opened",
		Message: fmt.Sprintf("A dispute was opened on %q", task.Title),
		Link:    "/disputes/" + d.ID.String(),
	})
	return d, nil
}

// StartReview moves an open dispute to in_review.
func (r *DisputeResolver) StartReview(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	ok, err := r.Disputes.MarkInReview(ctx, id)
	if err != nil {
		return nil, err
	}
	d, err := r.Disputes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		return d, nil
	}
	switch d.Status {
	case models.DisputeStatusResolved:
		return d, fmt.Errorf("%w: dispute %s", apperr.ErrAlreadyResolved, id)
	case models.DisputeStatusInReview:
		return d, fmt.Errorf("%w: dispute %s already in review", apperr.ErrAlreadyProcessed, id)
	}
	return nil, fmt.Errorf("%w: dispute is %s", apperr.ErrInvalidState, d.Status)
}

// Resolve settles the disputed task in favour of decision and closes the
// dispute, both in one transaction. The conditional status update is the
// only gate: of two concurrent calls exactly one settles, the other gets
// ErrAlreadyResolved. Parties are notified after commit.
func (r *DisputeResolver) Resolve(ctx context.Context, id uuid.UUID, decision, comment string) (*Resolution, error) {
	if decision != models.DecisionCustomer && decision != models.DecisionExecutor {
		return nil, fmt.Errorf("%w: unknown decision %q", apperr.ErrValidation, decision)
	}
	comment = strings.TrimSpace(comment)

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := r.Disputes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	task, err := r.Tasks.GetForUpdate(ctx, tx, current.TaskID)
	if err != nil {
		return nil, err
	}
	// A task closed outside the dispute keeps its outcome; the stored
	// decision records what actually happened to the money.
	settled := closedOutcome(task.Status)
	if settled != "" && settled != decision {
		note := fmt.Sprintf("task was already %s; requested decision %s not applied", task.Status, decision)
		if comment == "" {
			comment = note
		} else {
			comment += " (" + note + ")"
		}
		decision = settled
	}

	d, err := r.Disputes.Resolve(ctx, tx, id, decision, comment, r.now())
	if err != nil {
		return nil, fmt.Errorf("resolve dispute: %w", err)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: dispute %s", apperr.ErrAlreadyResolved, id)
	}

	var s *Settlement
	if settled == "" {
		s, err = r.Escrow.SettleDispute(ctx, tx, d.TaskID, decision)
		if err != nil {
			return nil, err
		}
	} else {
		r.log().Warn("disputed task already closed, resolving without settlement",
			"dispute_id", id, "task_id", d.TaskID, "task_status", task.Status)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	r.log().Info("dispute resolved", "dispute_id", id, "task_id", d.TaskID, "decision", decision)

	r.notifyParties(ctx, d, decision)
	return &Resolution{Dispute: d, Settlement: s}, nil
}

// closedOutcome maps a closed task to the decision its settlement amounted
// to, or "" while the task is still open for settlement.
func closedOutcome(status string) string {
	switch status {
	case models.TaskStatusCompleted:
		return models.DecisionExecutor
	case models.TaskStatusCancelled:
		return models.DecisionCustomer
	}
	return ""
}

func (r *DisputeResolver) notifyParties(ctx context.Context, d *models.Dispute, decision string) {
	task, err := r.Tasks.GetByID(ctx, d.TaskID)
	if err != nil {
		r.log().Warn("load task for dispute notification", "dispute_id", d.ID, "error", err)
		return
	}
	winner := "customer"
	if decision == models.DecisionExecutor {
		winner = "executor"
	}
	p := notify.Payload{
		Type:      "dispute_resolved",
		Title:     "Dispute resolved",
		Message:   fmt.Sprintf("The dispute on %q was resolved in favour of the %s", task.Title, winner),
		Link:      "/disputes/" + d.ID.String(),
		PlaySound: true,
	}
	dispatchBestEffort(ctx, r.Notifier, r.Metrics, r.log(), task.CustomerID, p)
	if task.ExecutorID != nil {
		dispatchBestEffort(ctx, r.Notifier, r.Metrics, r.log(), *task.ExecutorID, p)
	}
}

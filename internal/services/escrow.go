package services

import (
	"context"
	"errors"
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
	"github.com/workmarket/backend/internal/notify"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the subset of *ledger.Ledger the services use.
type Ledger interface {
	Credit(ctx context.Context, tx pgx.Tx, e ledger.Entry) (*models.Transaction, error)
	Debit(ctx context.Context, tx pgx.Tx, e ledger.Entry) (*models.Transaction, error)
	Freeze(ctx context.Context, tx pgx.Tx, e ledger.Entry) (*models.Transaction, error)
	Unfreeze(ctx context.Context, tx pgx.Tx, e ledger.Entry) (*models.Transaction, error)
	Capture(ctx context.Context, tx pgx.Tx, e ledger.Entry) (*models.Transaction, error)
	Lock(ctx context.Context, tx pgx.Tx, ids ...uuid.UUID) error
	Account(ctx context.Context, userID uuid.UUID) (*models.Account, error)
}

// EscrowTaskRepo is the task persistence the escrow manager needs.
type EscrowTaskRepo interface {
	Create(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	SetEscrow(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) error
	// Assign moves an open task to in_progress; false when the task was not open.
	Assign(ctx context.Context, tx pgx.Tx, id, executorID uuid.UUID) (bool, error)
	// Close sets the terminal status and zeroes escrow_amount.
	Close(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, commission *decimal.Decimal) error
}

// EscrowUserRepo is the user persistence the escrow manager needs.
type EscrowUserRepo interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error)
	IncrementCompleted(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

// RateSource yields the commission rate of an executor.
type RateSource interface {
	RateFor(ctx context.Context, executorID uuid.UUID, completedTasks int) (decimal.Decimal, error)
}

// ReferralEnqueuer schedules the referral bonus of a completed task inside
// the settlement transaction.
type ReferralEnqueuer func(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) error

// Settlement is the financial outcome of closing an in-progress task.
type Settlement struct {
	TaskID     uuid.UUID       `json:"task_id"`
	Decision   string          `json:"decision"`
	Escrow     decimal.Decimal `json:"escrow"`
	Rate       decimal.Decimal `json:"rate"`
	Commission decimal.Decimal `json:"commission"`
	Payout     decimal.Decimal `json:"payout"`
}

// EscrowManager holds customer funds against tasks and settles them.
type EscrowManager struct {
	Pool            TxBeginner
	Tasks           EscrowTaskRepo
	Users           EscrowUserRepo
	Ledger          Ledger
	Rates           RateSource
	PlatformOwnerID uuid.UUID
	EnqueueReferral ReferralEnqueuer
	Notifier        notify.Dispatcher
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

func (m *EscrowManager) log() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// CreateTask stores an open task and freezes its price on the customer's
// account in one transaction.
func (m *EscrowManager) CreateTask(ctx context.Context, customerID uuid.UUID, title string, price decimal.Decimal) (*models.Task, error) {
	price, err := money.Validate(price)
	if err != nil {
		return nil, err
	}
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", apperr.ErrValidation)
	}

	tx, err := m.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	task := &models.Task{
		ID:         uuid.New(),
		Title:      title,
		Price:      price,
		Status:     models.TaskStatusOpen,
		CustomerID: customerID,
	}
	if err := m.Tasks.Create(ctx, tx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := m.FreezeForTask(ctx, tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	m.log().Info("task created", "task_id", task.ID, "customer_id", customerID, "escrow", task.EscrowAmount.String())
	return task, nil
}

// FreezeForTask freezes task.Price on the customer's account and records it
// as the task's escrow. Call within a transaction.
func (m *EscrowManager) FreezeForTask(ctx context.Context, tx pgx.Tx, task *models.Task) error {
	_, err := m.Ledger.Freeze(ctx, tx, ledger.Entry{
		UserID:     task.CustomerID,
		Amount:     task.Price,
		Type:       models.TxEscrowHold,
		Reason:     "escrow for task " + task.ID.String(),
		TaskID:     &task.ID,
		ExternalID: task.ID.String(),
	})
	if errors.Is(err, apperr.ErrInsufficientFunds) {
		return fmt.Errorf("%w: need %s available", apperr.ErrInsufficientAvailableBalance, task.Price.StringFixed(money.Cents))
	}
	if err != nil {
		return fmt.Errorf("freeze escrow: %w", err)
	}
	if err := m.Tasks.SetEscrow(ctx, tx, task.ID, task.Price); err != nil {
		return fmt.Errorf("set escrow: %w", err)
	}
	task.EscrowAmount = task.Price
	return nil
}

// AssignExecutor starts work on an open task.
func (m *EscrowManager) AssignExecutor(ctx context.Context, taskID, executorID uuid.UUID) (*models.Task, error) {
	tx, err := m.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	task, err := m.Tasks.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.CustomerID == executorID {
		return nil, fmt.Errorf("%w: customer cannot execute own task", apperr.ErrValidation)
	}
	ok, err := m.Tasks.Assign(ctx, tx, taskID, executorID)
	if err != nil {
		return nil, fmt.Errorf("assign executor: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: task is %s", apperr.ErrInvalidState, task.Status)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	task.Status = models.TaskStatusInProgress
	task.ExecutorID = &executorID
	return task, nil
}

// CancelTask withdraws an open task and releases its escrow to the customer.
func (m *EscrowManager) CancelTask(ctx context.Context, taskID, actorID uuid.UUID) (*models.Task, error) {
	tx, err := m.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	task, err := m.Tasks.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.CustomerID != actorID {
		return nil, fmt.Errorf("%w: only the customer can cancel", apperr.ErrForbidden)
	}
	switch task.Status {
	case models.TaskStatusCancelled:
		return task, fmt.Errorf("%w: task already cancelled", apperr.ErrAlreadyProcessed)
	case models.TaskStatusOpen:
	default:
		return nil, fmt.Errorf("%w: task is %s", apperr.ErrInvalidState, task.Status)
	}

	if task.EscrowAmount.IsPositive() {
		if _, err := m.Ledger.Unfreeze(ctx, tx, ledger.Entry{
			UserID:     task.CustomerID,
			Amount:     task.EscrowAmount,
			Type:       models.TxEscrowRelease,
			Reason:     "task " + task.ID.String() + " cancelled",
			TaskID:     &task.ID,
			ExternalID: task.ID.String(),
		}); err != nil {
			return nil, fmt.Errorf("release escrow: %w", err)
		}
	}
	if err := m.Tasks.Close(ctx, tx, task.ID, models.TaskStatusCancelled, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	task.Status = models.TaskStatusCancelled
	task.EscrowAmount = decimal.Zero
	return task, nil
}

// CompleteTask is the customer accepting the work: the task settles in the
// executor's favour and the referral bonus is scheduled in the same
// transaction.
func (m *EscrowManager) CompleteTask(ctx context.Context, taskID, actorID uuid.UUID) (*Settlement, error) {
	tx, err := m.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	task, err := m.Tasks.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.CustomerID != actorID {
		return nil, fmt.Errorf("%w: only the customer can accept the work", apperr.ErrForbidden)
	}
	s, err := m.SettleCompletion(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if m.EnqueueReferral != nil {
		if err := m.EnqueueReferral(ctx, tx, taskID); err != nil {
			return nil, fmt.Errorf("enqueue referral bonus: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if task.ExecutorID != nil {
		dispatchBestEffort(ctx, m.Notifier, m.Metrics, m.log(), *task.ExecutorID, notify.Payload{
			Type:      "task_completed",
			Title:     "Task accepted",
			Message:   fmt.Sprintf("You earned %s for %q", s.Payout.StringFixed(money.Cents), task.Title),
			Link:      "/tasks/" + task.ID.String(),
			PlaySound: true,
		})
	}
	return s, nil
}

// SettleCompletion settles an in-progress task in the executor's favour.
// Call within a transaction.
func (m *EscrowManager) SettleCompletion(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*Settlement, error) {
	return m.SettleDispute(ctx, tx, taskID, models.DecisionExecutor)
}

// SettleDispute applies decision to an in-progress task. Customer: the
// escrow is unfrozen and the task cancelled. Executor: the escrow is
// captured from the customer and split between executor and platform.
// A task that is already closed yields ErrAlreadyProcessed and no mutation.
// Call within a transaction.
func (m *EscrowManager) SettleDispute(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, decision string) (*Settlement, error) {
	if decision != models.DecisionCustomer && decision != models.DecisionExecutor {
		return nil, fmt.Errorf("%w: unknown decision %q", apperr.ErrValidation, decision)
	}
	task, err := m.Tasks.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case models.TaskStatusCompleted, models.TaskStatusCancelled:
		return nil, fmt.Errorf("%w: task %s is %s", apperr.ErrAlreadyProcessed, taskID, task.Status)
	case models.TaskStatusInProgress:
	default:
		return nil, fmt.Errorf("%w: task %s is %s", apperr.ErrInvalidState, taskID, task.Status)
	}
	if task.ExecutorID == nil {
		return nil, fmt.Errorf("%w: task %s has no executor", apperr.ErrInvalidState, taskID)
	}

	s := &Settlement{TaskID: taskID, Decision: decision, Escrow: task.EscrowAmount}
	if decision == models.DecisionCustomer {
		err = m.refundCustomer(ctx, tx, task)
	} else {
		err = m.payExecutor(ctx, tx, task, s)
	}
	if err != nil {
		m.Metrics.Settlement("failed")
		m.log().Error("settlement failed", "task_id", taskID, "decision", decision, "error", err)
		return nil, err
	}
	m.Metrics.Settlement(decision)
	m.log().Info("task settled",
		"task_id", taskID,
		"decision", decision,
		"escrow", s.Escrow.String(),
		"commission", s.Commission.String(),
		"payout", s.Payout.String(),
	)
	return s, nil
}

func (m *EscrowManager) refundCustomer(ctx context.Context, tx pgx.Tx, task *models.Task) error {
	if task.EscrowAmount.IsPositive() {
		if _, err := m.Ledger.Unfreeze(ctx, tx, ledger.Entry{
			UserID:     task.CustomerID,
			Amount:     task.EscrowAmount,
			Type:       models.TxRefund,
			Reason:     "escrow refund for task " + task.ID.String(),
			TaskID:     &task.ID,
			ExternalID: task.ID.String(),
		}); err != nil {
			return fmt.Errorf("refund escrow: %w", err)
		}
	}
	return m.Tasks.Close(ctx, tx, task.ID, models.TaskStatusCancelled, nil)
}

func (m *EscrowManager) payExecutor(ctx context.Context, tx pgx.Tx, task *models.Task, s *Settlement) error {
	executorID := *task.ExecutorID
	if err := m.Ledger.Lock(ctx, tx, task.CustomerID, executorID, m.PlatformOwnerID); err != nil {
		return fmt.Errorf("lock accounts: %w", err)
	}
	executor, err := m.Users.GetForUpdate(ctx, tx, executorID)
	if err != nil {
		return fmt.Errorf("load executor: %w", err)
	}
	rate, err := m.Rates.RateFor(ctx, executorID, executor.CompletedTasksCount)
	if err != nil {
		return err
	}
	commission, payout := Split(task.EscrowAmount, rate)
	s.Rate, s.Commission, s.Payout = rate, commission, payout

	ref := task.ID.String()
	if _, err := m.Ledger.Capture(ctx, tx, ledger.Entry{
		UserID: task.CustomerID, Amount: payout, Type: models.TxPayment,
		Reason: "payment for task " + ref, TaskID: &task.ID, ExternalID: ref,
	}); err != nil {
		return fmt.Errorf("capture payment: %w", err)
	}
	if commission.IsPositive() {
		if _, err := m.Ledger.Capture(ctx, tx, ledger.Entry{
			UserID: task.CustomerID, Amount: commission, Type: models.TxCommission,
			Reason: "commission for task " + ref, TaskID: &task.ID, ExternalID: ref + "/customer",
		}); err != nil {
			return fmt.Errorf("capture commission: %w", err)
		}
	}
	if _, err := m.Ledger.Credit(ctx, tx, ledger.Entry{
		UserID: executorID, Amount: payout, Type: models.TxEarn,
		Reason: "earnings for task " + ref, TaskID: &task.ID, ExternalID: ref,
	}); err != nil {
		return fmt.Errorf("credit executor: %w", err)
	}
	if commission.IsPositive() {
		if _, err := m.Ledger.Credit(ctx, tx, ledger.Entry{
			UserID: m.PlatformOwnerID, Amount: commission, Type: models.TxCommission,
			Reason: "commission for task " + ref, TaskID: &task.ID, ExternalID: ref + "/platform",
		}); err != nil {
			return fmt.Errorf("credit platform: %w", err)
		}
	}
	if err := m.Users.IncrementCompleted(ctx, tx, executorID); err != nil {
		return fmt.Errorf("count completed task: %w", err)
	}
	return m.Tasks.Close(ctx, tx, task.ID, models.TaskStatusCompleted, &commission)
}

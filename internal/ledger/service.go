// Package ledger owns every balance mutation. Each operation writes the
// account change and its transaction row inside the caller's pgx.Tx, so they
// commit or roll back together.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/metrics"
	"github.com/workmarket/backend/internal/models"
	"github.com/workmarket/backend/internal/money"
)

// Store is the persistence the ledger needs.
type Store interface {
	EnsureAccount(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	LockAccounts(ctx context.Context, tx pgx.Tx, ids ...uuid.UUID) error
	ApplyDelta(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount, frozen decimal.Decimal) (*models.Account, error)
	InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) (bool, error)
	GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
}

// Entry describes one ledger movement. ExternalID, when set, makes the
// movement idempotent: a second Entry with the same type, user and
// ExternalID fails with apperr.ErrAlreadyProcessed and changes nothing.
type Entry struct {
	UserID     uuid.UUID
	Amount     decimal.Decimal
	Type       string
	Reason     string
	TaskID     *uuid.UUID
	DealID     *uuid.UUID
	PaymentID  *string
	ExternalID string
}

// IdempotencyKey builds the structured key stored in transactions.idempotency_key.
func IdempotencyKey(txType string, userID uuid.UUID, externalID string) string {
	return txType + ":" + userID.String() + ":" + externalID
}

type Ledger struct {
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(store Store, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, metrics: m, logger: logger}
}

// Credit increases the balance.
func (l *Ledger) Credit(ctx context.Context, tx pgx.Tx, e Entry) (*models.Transaction, error) {
	if err := l.store.EnsureAccount(ctx, tx, e.UserID); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return l.post(ctx, tx, e, e.Amount, decimal.Zero)
}

// Debit decreases the available balance. It never touches frozen funds.
func (l *Ledger) Debit(ctx context.Context, tx pgx.Tx, e Entry) (*models.Transaction, error) {
	return l.post(ctx, tx, e, e.Amount.Neg(), decimal.Zero)
}

// Freeze moves amount of the available balance into the frozen part.
func (l *Ledger) Freeze(ctx context.Context, tx pgx.Tx, e Entry) (*models.Transaction, error) {
	if e.Type == "" {
		e.Type = models.TxEscrowHold
	}
	return l.post(ctx, tx, e, decimal.Zero, e.Amount)
}

// Unfreeze returns frozen funds to the available balance.
func (l *Ledger) Unfreeze(ctx context.Context, tx pgx.Tx, e Entry) (*models.Transaction, error) {
	if e.Type == "" {
		e.Type = models.TxEscrowRelease
	}
	return l.post(ctx, tx, e, decimal.Zero, e.Amount.Neg())
}

// Capture spends frozen funds: balance and frozen balance drop together.
func (l *Ledger) Capture(ctx context.Context, tx pgx.Tx, e Entry) (*models.Transaction, error) {
	return l.post(ctx, tx, e, e.Amount.Neg(), e.Amount.Neg())
}

// Lock creates missing accounts and row-locks all of ids for the rest of tx.
func (l *Ledger) Lock(ctx context.Context, tx pgx.Tx, ids ...uuid.UUID) error {
	for _, id := range ids {
		if err := l.store.EnsureAccount(ctx, tx, id); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}
	}
	return l.store.LockAccounts(ctx, tx, ids...)
}

// Account returns the balances of userID. A user that never had a movement
// has an empty account.
func (l *Ledger) Account(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	acc, err := l.store.GetAccount(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return &models.Account{UserID: userID}, nil
	}
	return acc, err
}

// History returns the latest transactions of userID, newest first.
func (l *Ledger) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListTransactions(ctx, userID, limit)
}

func (l *Ledger) post(ctx context.Context, tx pgx.Tx, e Entry, amount, frozen decimal.Decimal) (*models.Transaction, error) {
	if !e.Amount.IsPositive() || !money.IsCents(e.Amount) {
		return nil, fmt.Errorf("%w: ledger amount %s must be a positive number of cents", apperr.ErrValidation, e.Amount)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("%w: ledger entry without type", apperr.ErrValidation)
	}

	t := &models.Transaction{
		ID:          uuid.New(),
		UserID:      e.UserID,
		Amount:      amount,
		FrozenDelta: frozen,
		Type:        e.Type,
		Reason:      e.Reason,
		TaskID:      e.TaskID,
		DealID:      e.DealID,
		PaymentID:   e.PaymentID,
		Status:      models.TxStatusCompleted,
	}
	if e.ExternalID != "" {
		key := IdempotencyKey(e.Type, e.UserID, e.ExternalID)
		t.IdempotencyKey = &key
	}

	// The log row goes first: it claims the idempotency key before any
	// balance moves.
	inserted, err := l.store.InsertTransaction(ctx, tx, t)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if !inserted {
		return nil, fmt.Errorf("%w: %s", apperr.ErrAlreadyProcessed, *t.IdempotencyKey)
	}

	acc, err := l.store.ApplyDelta(ctx, tx, e.UserID, amount, frozen)
	if err != nil {
		if errors.Is(err, apperr.ErrInsufficientFunds) {
			return nil, fmt.Errorf("%s %s for %s: %w", e.Type, e.Amount.StringFixed(money.Cents), e.UserID, err)
		}
		return nil, fmt.Errorf("apply delta: %w", err)
	}

	l.metrics.LedgerOp(e.Type)
	l.logger.Debug("ledger entry posted",
		"user_id", e.UserID,
		"type", e.Type,
		"amount", amount.String(),
		"frozen_delta", frozen.String(),
		"balance", acc.Balance.String(),
		"frozen_balance", acc.FrozenBalance.String(),
	)
	return t, nil
}

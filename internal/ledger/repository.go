package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/models"
)

// Repository persists accounts and the transaction log in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) EnsureAccount(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO accounts (user_id, balance, frozen_balance)
		VALUES ($1, 0, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

// LockAccounts takes row locks on the given accounts in uuid order so that
// concurrent settlements touching the same accounts cannot deadlock.
func (r *Repository) LockAccounts(ctx context.Context, tx pgx.Tx, ids ...uuid.UUID) error {
	sorted := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })
	for _, id := range sorted {
		var locked uuid.UUID
		err := tx.QueryRow(ctx, `SELECT user_id FROM accounts WHERE user_id = $1 FOR UPDATE`, id).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("account %s: %w", id, apperr.ErrNotFound)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ApplyDelta moves balance and frozen_balance by the given signed amounts.
// The update is conditional: if the result would break
// 0 <= frozen_balance <= balance no row changes and ErrInsufficientFunds is returned.
func (r *Repository) ApplyDelta(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount, frozen decimal.Decimal) (*models.Account, error) {
	var a models.Account
	err := tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2, frozen_balance = frozen_balance + $3, updated_at = now()
		WHERE user_id = $1
		  AND balance + $2 >= 0
		  AND frozen_balance + $3 >= 0
		  AND frozen_balance + $3 <= balance + $2
		RETURNING user_id, balance, frozen_balance, updated_at
	`, userID, amount, frozen).Scan(&a.UserID, &a.Balance, &a.FrozenBalance, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrInsufficientFunds
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertTransaction appends t to the log. It reports false without writing
// when another row already carries t.IdempotencyKey.
func (r *Repository) InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) (bool, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, amount, frozen_delta, type, reason, task_id, deal_id, payment_id, idempotency_key, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING created_at
	`, t.ID, t.UserID, t.Amount, t.FrozenDelta, t.Type, t.Reason, t.TaskID, t.DealID, t.PaymentID, t.IdempotencyKey, t.Status).Scan(&t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repository) GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, balance, frozen_balance, updated_at FROM accounts WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.Balance, &a.FrozenBalance, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, amount, frozen_delta, type, reason, task_id, deal_id, payment_id, status, created_at
		FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.FrozenDelta, &t.Type, &t.Reason, &t.TaskID, &t.DealID, &t.PaymentID, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

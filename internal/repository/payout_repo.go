package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/models"
)

type PayoutRepo struct {
	pool *pgxpool.Pool
}

func NewPayoutRepo(pool *pgxpool.Pool) *PayoutRepo {
	return &PayoutRepo{pool: pool}
}

const payoutColumns = `id, payment_id, order_id, recipient_id, deal_id, amount, status, completed_at, refunded_at, created_at`

func scanPayout(row pgx.Row) (*models.Payout, error) {
	var p models.Payout
	err := row.Scan(&p.ID, &p.PaymentID, &p.OrderID, &p.RecipientID, &p.DealID, &p.Amount, &p.Status, &p.CompletedAt, &p.RefundedAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PayoutRepo) Create(ctx context.Context, tx pgx.Tx, p *models.Payout) error {
	return tx.QueryRow(ctx, `
		INSERT INTO payouts (id, order_id, recipient_id, deal_id, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, p.ID, p.OrderID, p.RecipientID, p.DealID, p.Amount, p.Status).Scan(&p.CreatedAt)
}

func (r *PayoutRepo) SetPaymentID(ctx context.Context, tx pgx.Tx, id uuid.UUID, paymentID, status string) error {
	_, err := tx.Exec(ctx, `UPDATE payouts SET payment_id = $2, status = $3 WHERE id = $1`, id, paymentID, status)
	return err
}

func (r *PayoutRepo) GetByPaymentID(ctx context.Context, paymentID string) (*models.Payout, error) {
	return scanPayout(r.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE payment_id = $1`, paymentID))
}

// GetForUpdate locks the payout row. Call within a transaction.
func (r *PayoutRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payout, error) {
	return scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id))
}

func (r *PayoutRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error {
	_, err := tx.Exec(ctx, `UPDATE payouts SET status = $2 WHERE id = $1`, id, status)
	return err
}

func (r *PayoutRepo) MarkCompleted(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE payouts SET status = 'COMPLETED', completed_at = COALESCE(completed_at, $2) WHERE id = $1
	`, id, at)
	return err
}

// MarkRefunded stamps refunded_at once; false when the payout was already
// refunded.
func (r *PayoutRepo) MarkRefunded(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE payouts SET status = $2, refunded_at = $3 WHERE id = $1 AND refunded_at IS NULL
	`, id, status, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PayoutRepo) ListByRecipient(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Payout, error) {
	limit = clampLimit(limit)
	rows, err := r.pool.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts WHERE recipient_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/workmarket/backend/internal/models"
)

type ReferralRepo struct {
	pool *pgxpool.Pool
}

func NewReferralRepo(pool *pgxpool.Pool) *ReferralRepo {
	return &ReferralRepo{pool: pool}
}

// CountForPair counts the bonuses already paid for one referrer/referral pair.
func (r *ReferralRepo) CountForPair(ctx context.Context, tx pgx.Tx, referrerID, referralID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM referral_bonuses WHERE referrer_id = $1 AND referral_id = $2
	`, referrerID, referralID).Scan(&n)
	return n, err
}

// Insert records a bonus; false when this pair already has one for the task.
func (r *ReferralRepo) Insert(ctx context.Context, tx pgx.Tx, b *models.ReferralBonus) (bool, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO referral_bonuses (id, referrer_id, referral_id, task_id, amount)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (referrer_id, referral_id, task_id) DO NOTHING
		RETURNING created_at
	`, b.ID, b.ReferrerID, b.ReferralID, b.TaskID, b.Amount).Scan(&b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

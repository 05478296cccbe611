package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/models"
)

type DisputeRepo struct {
	pool *pgxpool.Pool
}

func NewDisputeRepo(pool *pgxpool.Pool) *DisputeRepo {
	return &DisputeRepo{pool: pool}
}

const disputeColumns = `id, task_id, initiator_id, reason, status, admin_decision, resolution, resolved_at, created_at`

func scanDispute(row pgx.Row) (*models.Dispute, error) {
	var d models.Dispute
	err := row.Scan(&d.ID, &d.TaskID, &d.InitiatorID, &d.Reason, &d.Status, &d.AdminDecision, &d.Resolution, &d.ResolvedAt, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Create inserts an open dispute. A task can carry one unresolved dispute at
// a time; a second one fails with ErrInvalidState.
func (r *DisputeRepo) Create(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO disputes (id, task_id, initiator_id, reason, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, d.ID, d.TaskID, d.InitiatorID, d.Reason, d.Status).Scan(&d.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: task already has an open dispute", apperr.ErrInvalidState)
	}
	return err
}

func (r *DisputeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	return scanDispute(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

// MarkInReview moves an open dispute to in_review; false when it was not open.
func (r *DisputeRepo) MarkInReview(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE disputes SET status = 'in_review' WHERE id = $1 AND status = 'open'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Resolve marks an unresolved dispute as resolved and returns it. It returns
// nil, nil when no unresolved dispute with that id exists, which is how
// concurrent resolutions lose the race.
func (r *DisputeRepo) Resolve(ctx context.Context, tx pgx.Tx, id uuid.UUID, decision, resolution string, at time.Time) (*models.Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, `
		UPDATE disputes
		SET status = 'resolved', admin_decision = $2, resolution = $3, resolved_at = $4
		WHERE id = $1 AND status IN ('open', 'in_review')
		RETURNING `+disputeColumns, id, decision, resolution, at))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return d, err
}

// HasActiveForUser reports whether userID is a party to a task with an
// unresolved dispute.
func (r *DisputeRepo) HasActiveForUser(ctx context.Context, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM disputes d
			JOIN tasks t ON t.id = d.task_id
			WHERE d.status IN ('open', 'in_review')
			  AND (t.customer_id = $1 OR t.executor_id = $1)
		)
	`, userID).Scan(&ok)
	return ok, err
}

func (r *DisputeRepo) ListActive(ctx context.Context, limit int) ([]*models.Dispute, error) {
	limit = clampLimit(limit)
	rows, err := r.pool.Query(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status IN ('open', 'in_review')
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}

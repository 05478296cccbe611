package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/models"
)

// DealRepo stores gateway deals and the deposit payments made into them.
type DealRepo struct {
	pool *pgxpool.Pool
}

func NewDealRepo(pool *pgxpool.Pool) *DealRepo {
	return &DealRepo{pool: pool}
}

const dealColumns = `id, sp_accumulation_id, user_id, status, total_amount, paid_amount, remaining_balance, created_at`

func scanDeal(row pgx.Row) (*models.Deal, error) {
	var d models.Deal
	err := row.Scan(&d.ID, &d.SpAccumulationID, &d.UserID, &d.Status, &d.TotalAmount, &d.PaidAmount, &d.RemainingBalance, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// FindOpenForUser returns the user's newest open deal.
func (r *DealRepo) FindOpenForUser(ctx context.Context, userID uuid.UUID) (*models.Deal, error) {
	return scanDeal(r.pool.QueryRow(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE user_id = $1 AND status = 'OPEN'
		ORDER BY created_at DESC
		LIMIT 1
	`, userID))
}

// Ensure inserts d keyed by its gateway accumulation id, or loads the
// existing row into d.
func (r *DealRepo) Ensure(ctx context.Context, tx pgx.Tx, d *models.Deal) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO deals (id, sp_accumulation_id, user_id, status)
		VALUES ($1, $2, $3, 'OPEN')
		ON CONFLICT (sp_accumulation_id) DO UPDATE SET sp_accumulation_id = EXCLUDED.sp_accumulation_id
		RETURNING `+dealColumns, d.ID, d.SpAccumulationID, d.UserID)
	got, err := scanDeal(row)
	if err != nil {
		return err
	}
	*d = *got
	return nil
}

// GetForUpdate locks the deal row. Call within a transaction.
func (r *DealRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deal, error) {
	return scanDeal(tx.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, id))
}

// FindForPayout locks the user's oldest open deal that still holds amount.
func (r *DealRepo) FindForPayout(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (*models.Deal, error) {
	return scanDeal(tx.QueryRow(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE user_id = $1 AND status = 'OPEN' AND remaining_balance >= $2
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE
	`, userID, amount))
}

func (r *DealRepo) AddDeposit(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		UPDATE deals SET total_amount = total_amount + $2, remaining_balance = remaining_balance + $2
		WHERE id = $1
	`, id, amount)
	return err
}

// Reserve moves amount from remaining to paid; false when the deal does not
// hold enough.
func (r *DealRepo) Reserve(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE deals SET paid_amount = paid_amount + $2, remaining_balance = remaining_balance - $2
		WHERE id = $1 AND remaining_balance >= $2
	`, id, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release undoes a Reserve.
func (r *DealRepo) Release(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		UPDATE deals SET paid_amount = paid_amount - $2, remaining_balance = remaining_balance + $2
		WHERE id = $1
	`, id, amount)
	return err
}

const paymentColumns = `payment_id, order_id, deal_id, user_id, amount, status, payment_url, confirmed_at, created_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.PaymentID, &p.OrderID, &p.DealID, &p.UserID, &p.Amount, &p.Status, &p.PaymentURL, &p.ConfirmedAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePayment inserts p. It reports false when a payment with the same
// gateway id already exists.
func (r *DealRepo) CreatePayment(ctx context.Context, tx pgx.Tx, p *models.Payment) (bool, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO payments (payment_id, order_id, deal_id, user_id, amount, status, payment_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (payment_id) DO NOTHING
		RETURNING created_at
	`, p.PaymentID, p.OrderID, p.DealID, p.UserID, p.Amount, p.Status, p.PaymentURL).Scan(&p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *DealRepo) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_id = $1`, paymentID))
}

// GetPaymentForUpdate locks the payment row. Call within a transaction.
func (r *DealRepo) GetPaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (*models.Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_id = $1 FOR UPDATE`, paymentID))
}

// UpdatePaymentStatus stores the gateway status. confirmed_at is set once.
func (r *DealRepo) UpdatePaymentStatus(ctx context.Context, tx pgx.Tx, paymentID, status string, confirmedAt *time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE payments SET status = $2, confirmed_at = COALESCE(confirmed_at, $3)
		WHERE payment_id = $1
	`, paymentID, status, confirmedAt)
	return err
}

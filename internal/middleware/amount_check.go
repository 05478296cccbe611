package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/money"
)

const ctxAmountKey contextKey = "parsed_amount"

// maxBodyBytes bounds the money endpoints' request bodies.
const maxBodyBytes = 64 << 10

// AmountFromCtx returns the amount parsed by AmountCheck.
func AmountFromCtx(ctx context.Context) (decimal.Decimal, bool) {
	d, ok := ctx.Value(ctxAmountKey).(decimal.Decimal)
	return d, ok
}

// AmountCheck reads "amount" from the JSON body, rejects malformed or
// out-of-range values and restores r.Body for the handler. A zero max
// disables the upper bound.
func AmountCheck(min, max decimal.Decimal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			amount, ok := peekAmount(w, r)
			if !ok {
				return
			}
			if amount.LessThan(min) || (max.IsPositive() && amount.GreaterThan(max)) {
				http.Error(w, fmt.Sprintf(`{"error":"amount %s outside allowed range %s..%s"}`,
					amount.StringFixed(money.Cents), min.StringFixed(money.Cents), max.StringFixed(money.Cents)), http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxAmountKey, amount)))
		})
	}
}

// DailyPayoutLimit refuses a payout that would take the caller's payouts of
// the current UTC day above limit. A non-positive limit disables the check.
// It must run after BearerAuth.
func DailyPayoutLimit(pool *pgxpool.Pool, limit decimal.Decimal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !limit.IsPositive() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromCtx(r.Context())
			if !ok {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			amount, ok := AmountFromCtx(r.Context())
			if !ok {
				if amount, ok = peekAmount(w, r); !ok {
					return
				}
			}
			spent, err := dailyPayoutFn(r.Context(), pool, p.UserID)
			if err != nil {
				http.Error(w, `{"error":"failed to check daily payouts"}`, http.StatusInternalServerError)
				return
			}
			if spent.Add(amount).GreaterThan(limit) {
				http.Error(w, fmt.Sprintf(`{"error":"daily payouts %s + amount %s exceed daily limit %s"}`,
					spent.StringFixed(money.Cents), amount.StringFixed(money.Cents), limit.StringFixed(money.Cents)), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func peekAmount(w http.ResponseWriter, r *http.Request) (decimal.Decimal, bool) {
	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	r.Body.Close()
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return decimal.Zero, false
	}
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var peek struct {
		Amount json.RawMessage `json:"amount"`
	}
	if err := json.Unmarshal(bodyBytes, &peek); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return decimal.Zero, false
	}
	raw := string(bytes.Trim(peek.Amount, `"`))
	amount, err := money.Parse(raw)
	if err != nil {
		http.Error(w, `{"error":"amount must be a positive number"}`, http.StatusBadRequest)
		return decimal.Zero, false
	}
	return amount, true
}

// dailyPayoutFn sums today's payouts of a user.
// Tests can replace this to avoid hitting a real database.
var dailyPayoutFn = defaultDailyPayouts

// defaultDailyPayouts counts payouts that were not refunded, created since
// the start of the UTC day.
func defaultDailyPayouts(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM payouts
		WHERE recipient_id = $1 AND refunded_at IS NULL
		  AND created_at >= date_trunc('day', now() AT TIME ZONE 'UTC')
	`, userID).Scan(&total)
	return total, err
}

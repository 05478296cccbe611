package router

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/handlers"
	"github.com/workmarket/backend/internal/middleware"
)

// Config carries everything the API routes are built from.
type Config struct {
	Tasks    *handlers.TaskHandler
	Payments *handlers.PaymentHandler
	Webhook  *handlers.WebhookHandler
	Account  *handlers.AccountHandler

	Tokens middleware.TokenValidator
	// Users creates the row of a principal seen for the first time. Nil
	// skips the step.
	Users middleware.UserEnsurer
	// Pool backs the daily payout limit; it may be nil when the limit is off.
	Pool             *pgxpool.Pool
	DepositMin       decimal.Decimal
	DepositMax       decimal.Decimal
	DailyPayoutLimit decimal.Decimal
	Metrics          http.Handler
	Ping             func(ctx context.Context) error
}

// New returns an http.Handler that serves the API under /api/v1.
// Middleware chain: BearerAuth -> EnsureUser -> (RequireAdmin | AmountCheck -> DailyPayoutLimit) -> handler.
func New(cfg Config) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	bearer := middleware.BearerAuth(cfg.Tokens)
	authed := bearer
	if cfg.Users != nil {
		ensure := middleware.EnsureUser(cfg.Users, nil)
		authed = func(h http.Handler) http.Handler { return bearer(ensure(h)) }
	}
	admin := func(h http.HandlerFunc) http.Handler { return authed(middleware.RequireAdmin(h)) }
	user := func(h http.HandlerFunc) http.Handler { return authed(h) }
	depositAmount := middleware.AmountCheck(cfg.DepositMin, cfg.DepositMax)
	payoutAmount := middleware.AmountCheck(decimal.New(1, -2), decimal.Zero)
	dailyLimit := middleware.DailyPayoutLimit(cfg.Pool, cfg.DailyPayoutLimit)

	// Deposits and the gateway webhook. The webhook authenticates by Token.
	mux.Handle("POST "+base+"/deposits", authed(depositAmount(http.HandlerFunc(cfg.Payments.InitDeposit))))
	mux.Handle("GET "+base+"/deposits/{paymentId}/status", user(cfg.Payments.DepositStatus))
	mux.HandleFunc("POST "+base+"/gateway/notifications", cfg.Webhook.Notify)

	// Tasks
	mux.Handle("POST "+base+"/tasks", user(cfg.Tasks.CreateTask))
	mux.Handle("GET "+base+"/tasks", user(cfg.Tasks.ListTasks))
	mux.Handle("POST "+base+"/tasks/{id}/assign", user(cfg.Tasks.AssignTask))
	mux.Handle("POST "+base+"/tasks/{id}/complete", user(cfg.Tasks.CompleteTask))
	mux.Handle("POST "+base+"/tasks/{id}/cancel", user(cfg.Tasks.CancelTask))
	mux.Handle("POST "+base+"/tasks/{id}/disputes", user(cfg.Tasks.OpenDispute))

	// Disputes (admin)
	mux.Handle("GET "+base+"/disputes", admin(cfg.Tasks.ListDisputes))
	mux.Handle("POST "+base+"/disputes/{id}/review", admin(cfg.Tasks.ReviewDispute))
	mux.Handle("POST "+base+"/disputes/{id}/resolve", admin(cfg.Tasks.ResolveDispute))

	// Withdrawals
	mux.Handle("GET "+base+"/withdrawals/eligibility", user(cfg.Payments.Eligibility))
	mux.Handle("POST "+base+"/payouts", authed(payoutAmount(dailyLimit(http.HandlerFunc(cfg.Payments.InitPayout)))))
	mux.Handle("GET "+base+"/payouts", user(cfg.Payments.ListPayouts))
	mux.Handle("GET "+base+"/payouts/{paymentId}/status", user(cfg.Payments.PayoutStatus))
	mux.Handle("POST "+base+"/cards", user(cfg.Payments.BindCard))

	// Account
	mux.Handle("GET "+base+"/account", user(cfg.Account.GetAccount))
	mux.Handle("GET "+base+"/transactions", user(cfg.Account.ListTransactions))

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}
	mux.HandleFunc("GET /healthz", health(cfg.Ping))

	return mux
}

func health(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/cors"

	"github.com/workmarket/backend/internal/auth"
	"github.com/workmarket/backend/internal/config"
	"github.com/workmarket/backend/internal/execution"
	"github.com/workmarket/backend/internal/gateway"
	"github.com/workmarket/backend/internal/handlers"
	"github.com/workmarket/backend/internal/ledger"
	"github.com/workmarket/backend/internal/levels"
	"github.com/workmarket/backend/internal/logging"
	"github.com/workmarket/backend/internal/metrics"
	"github.com/workmarket/backend/internal/models"
	"github.com/workmarket/backend/internal/notify"
	"github.com/workmarket/backend/internal/repository"
	"github.com/workmarket/backend/internal/router"
	"github.com/workmarket/backend/internal/services"
	"github.com/workmarket/backend/migrations"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// lateInserter forwards to the river client once it exists. The services
// need an enqueuer before the client can be built from their workers.
type lateInserter struct {
	mu sync.Mutex
	c  *river.Client[pgx.Tx]
}

func (l *lateInserter) set(c *river.Client[pgx.Tx]) {
	l.mu.Lock()
	l.c = c
	l.mu.Unlock()
}

func (l *lateInserter) InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	l.mu.Lock()
	c := l.c
	l.mu.Unlock()
	if c == nil {
		panic("river insert not wired")
	}
	return c.InsertTx(ctx, tx, args, opts)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create database pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("cannot reach PostgreSQL: %w", err)
	}
	logger.Info("connected to PostgreSQL")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	logger.Info("river migrations applied")

	if err := migrations.Up(ctx, pool, logger); err != nil {
		return fmt.Errorf("schema migrations: %w", err)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Notifications
	var notifier notify.Dispatcher = notify.LogDispatcher{Logger: logger}
	if len(cfg.Kafka.Brokers) > 0 {
		kd := notify.NewKafkaDispatcher(cfg.Kafka.Brokers, cfg.Kafka.NotificationsTopic, logger, m.NotifyFailed)
		defer kd.Close()
		notifier = kd
		logger.Info("kafka notifications enabled", "topic", cfg.Kafka.NotificationsTopic)
	}

	// Levels
	var levelLookup levels.Lookup = levels.NewPGLookup(pool)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		levelLookup = levels.NewCachedLookup(levelLookup, rdb, cfg.Redis.LevelTTL, logger)
		logger.Info("level cache enabled", "addr", cfg.Redis.Addr)
	}

	// Repositories and ledger
	users := repository.NewUserRepo(pool)
	tasks := repository.NewTaskRepo(pool)
	disputes := repository.NewDisputeRepo(pool)
	deals := repository.NewDealRepo(pool)
	payouts := repository.NewPayoutRepo(pool)
	referrals := repository.NewReferralRepo(pool)
	led := ledger.New(ledger.NewRepository(pool), m, logger)

	if err := users.Ensure(ctx, &models.User{ID: cfg.PlatformOwnerID, Role: models.RoleAdmin}); err != nil {
		return fmt.Errorf("ensure platform owner: %w", err)
	}

	gw := gateway.NewClient(gateway.Config{
		BaseURL:           cfg.Gateway.BaseURL,
		TerminalKey:       cfg.Gateway.TerminalKey,
		Password:          cfg.Gateway.Password,
		PayoutTerminalKey: cfg.Gateway.PayoutTerminalKey,
		PayoutPassword:    cfg.Gateway.PayoutPassword,
		NotificationURL:   cfg.Gateway.NotificationURL,
		SuccessURL:        cfg.Gateway.SuccessURL,
		Timeout:           cfg.Gateway.Timeout,
		BreakerFailures:   cfg.Gateway.BreakerFailures,
		BreakerCooldown:   cfg.Gateway.BreakerCooldown,
	}, m, logger)

	// Jobs: the inserter is bound after the river client is created.
	inserter := &lateInserter{}
	poll := execution.PollConfig{Interval: cfg.Gateway.PollInterval, MaxPolls: cfg.Gateway.PollMaxAttempts}

	// Services
	commission := services.NewCommissionCalculator(services.CommissionPolicy{
		BaseRate:  cfg.Commission.BaseRate,
		MinRate:   cfg.Commission.MinRate,
		Step:      cfg.Commission.Step,
		FreeTasks: cfg.Commission.FreeTasks,
		MaxSteps:  cfg.Commission.MaxSteps,
	}, levelLookup)

	escrow := &services.EscrowManager{
		Pool:            pool,
		Tasks:           tasks,
		Users:           users,
		Ledger:          led,
		Rates:           commission,
		PlatformOwnerID: cfg.PlatformOwnerID,
		EnqueueReferral: execution.ReferralScheduler(inserter),
		Notifier:        notifier,
		Metrics:         m,
		Logger:          logger,
	}
	resolver := &services.DisputeResolver{
		Pool:     pool,
		Disputes: disputes,
		Tasks:    tasks,
		Escrow:   escrow,
		Notifier: notifier,
		Metrics:  m,
		Logger:   logger,
	}
	guard := &services.WithdrawalGuard{
		Users:    users,
		Disputes: disputes,
		Accounts: led,
		Policy: services.WithdrawalPolicy{
			MinAccountAge:     cfg.Withdrawal.MinAccountAge,
			YoungAccountLimit: cfg.Withdrawal.YoungAccountLimit,
		},
	}
	referralEngine := &services.ReferralEngine{
		Pool:    pool,
		Users:   users,
		Tasks:   tasks,
		Bonuses: referrals,
		Ledger:  led,
		Policy: services.ReferralPolicy{
			Percent:     cfg.Referral.Percent,
			Cap:         cfg.Referral.Cap,
			Beneficiary: cfg.Referral.Beneficiary,
		},
		Metrics: m,
		Logger:  logger,
	}
	deposits := &services.DepositReconciler{
		Pool:        pool,
		Deals:       deals,
		Ledger:      led,
		Gateway:     gw,
		Limits:      services.DepositLimits{Min: cfg.Deposit.MinAmount, Max: cfg.Deposit.MaxAmount},
		EnqueuePoll: execution.DepositPoller(inserter, poll),
		Metrics:     m,
		Logger:      logger,
	}
	payoutsSvc := &services.PayoutReconciler{
		Pool:        pool,
		Payouts:     payouts,
		Deals:       deals,
		Users:       users,
		Ledger:      led,
		Gateway:     gw,
		Guard:       guard,
		EnqueuePoll: execution.PayoutPoller(inserter, poll),
		Notifier:    notifier,
		Metrics:     m,
		Logger:      logger,
	}
	cards := &services.CardBinder{Gateway: gw, Users: users, Logger: logger}

	// Workers
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewPollDepositWorker(deposits, poll, logger))
	river.AddWorker(workers, execution.NewPollPayoutWorker(payoutsSvc, poll, logger))
	river.AddWorker(workers, execution.NewReferralBonusWorker(referralEngine, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	inserter.set(riverClient)

	// HTTP
	tokens := auth.NewService(cfg.JWTSecret, 0)
	api := router.New(router.Config{
		Tasks:    &handlers.TaskHandler{Tasks: escrow, Lister: tasks, Disputes: resolver, ActiveDisputes: disputes, Logger: logger},
		Payments: &handlers.PaymentHandler{Deposits: deposits, Payouts: payoutsSvc, PayoutList: payouts, Guard: guard, Cards: cards, Logger: logger},
		Webhook:  &handlers.WebhookHandler{Parser: gw, Deposits: deposits, Payouts: payoutsSvc, Cards: cards, Logger: logger},
		Account:  &handlers.AccountHandler{Ledger: led, Logger: logger},

		Tokens:           tokens,
		Users:            users,
		Pool:             pool,
		DepositMin:       cfg.Deposit.MinAmount,
		DepositMax:       cfg.Deposit.MaxAmount,
		DailyPayoutLimit: cfg.Withdrawal.DailyLimit,
		Metrics:          metrics.Handler(reg),
		Ping:             pool.Ping,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(api)

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		return fmt.Errorf("start river: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.RunAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		logger.Error("river stop", "error", err)
	}
	return nil
}

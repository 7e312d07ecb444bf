package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openassoc/sepa-collector/internal/api"
	"github.com/openassoc/sepa-collector/internal/bank"
	"github.com/openassoc/sepa-collector/internal/batcher"
	"github.com/openassoc/sepa-collector/internal/config"
	"github.com/openassoc/sepa-collector/internal/env"
	"github.com/openassoc/sepa-collector/internal/health"
	"github.com/openassoc/sepa-collector/internal/log"
	"github.com/openassoc/sepa-collector/internal/mandate"
	"github.com/openassoc/sepa-collector/internal/metrics"
	"github.com/openassoc/sepa-collector/internal/notifier"
	"github.com/openassoc/sepa-collector/internal/queue"
	"github.com/openassoc/sepa-collector/internal/recon"
	"github.com/openassoc/sepa-collector/internal/repository/postgres"
	"github.com/openassoc/sepa-collector/internal/retry"
	"github.com/openassoc/sepa-collector/internal/scheduler"
	"github.com/openassoc/sepa-collector/internal/sepa"
	"github.com/openassoc/sepa-collector/internal/sequence"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	logLevel := env.GetString("LOG_LEVEL", "INFO")
	logFormat := env.GetString("LOG_FORMAT", "json")
	log.Setup(logLevel, logFormat)

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		return
	}

	// create the context and register signals that could cause its cancellation
	// and graceful shutdown
	ctx, _ := signal.NotifyContext(
		context.Background(),
		os.Interrupt, os.Kill,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGQUIT,
	)

	slog.Info("Connecting to Postgres...")

	pg, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("connect to Postgres", "error", err)
		return
	}
	defer pg.Close()

	pgClient := postgres.New(pg, 1*time.Second)

	if err := pgClient.Ping(ctx); err != nil {
		slog.Error("check Postgres connection", "error", err)
		return
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	rabbit := queue.New(&queue.Config{
		URL:               cfg.RabbitURL,
		ReconnectInterval: 5 * time.Second,
		ConnectTimeout:    10 * time.Second,
	})

	events := notifier.New(rabbit)

	registry := mandate.NewRegistry(pgClient, events)
	resolver := sequence.NewResolver(registry)
	exporter := sepa.NewExporter(cfg.Creditor)

	builder := batcher.New(&batcher.Config{DBTimeout: cfg.DBTimeout},
		pgClient, registry, resolver, pgClient, events)

	breaker := retry.NewBreaker(cfg.Retry.FailureThreshold, cfg.Retry.CoolDown).
		WithStore(ctx, retry.NewRedisStateStore(redisClient))
	breaker.OnStateChange(func(from, to retry.BreakerState) {
		metrics.ObserveBreaker(string(to))
		events.BreakerStateChange(from, to)
	})
	metrics.ObserveBreaker(string(breaker.State()))

	bankClient := bank.NewClient(&bank.Config{
		BaseURL: cfg.Bank.BaseURL,
		Token:   cfg.Bank.Token,
		Timeout: cfg.Bank.Timeout,
	})

	resubmitter := bank.NewResubmitter(bankClient, exporter, pgClient,
		registry, cfg.Schedule.LeadTimeDays)

	engine := retry.NewEngine(&cfg.Retry, pgClient, breaker, resubmitter, events)

	processor := recon.NewProcessor(&recon.Config{ParseTimeout: cfg.ParseTimeout},
		pgClient, registry, engine, events)

	sched := scheduler.New(&cfg.Schedule, builder, exporter, bankClient,
		pgClient, breaker)

	checker := health.NewChecker(redisClient, pgClient, &health.Config{
		RedisCheckInterval: 15 * time.Second,
		DBCheckInterval:    15 * time.Second,
	})

	server := api.NewServer(&api.Config{
		ListenAddr:   "",
		ListenPort:   cfg.ListenPort,
		MetricsPort:  cfg.MetricsPort,
		ProbesPort:   cfg.ProbesPort,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, builder, processor, checker)

	// Graceful shutdown handling
	stop := make(chan os.Signal, 1)

	errGroup, ctx := errgroup.WithContext(ctx)

	errGroup.Go(func() error {
		// when the app is interrupted, the signal will be sent to the stop channel
		waitForShutdown(ctx, stop)
		return nil
	})

	errGroup.Go(func() error {
		if err := rabbit.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Queue manager exited with an error", "error", err)
			return err
		}
		return nil
	})

	errGroup.Go(func() error {
		server.Start(ctx, stop)
		return nil
	})

	errGroup.Go(func() error {
		checker.Run(ctx)
		return nil
	})

	errGroup.Go(func() error {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Scheduler exited with an error", "error", err)
			return err
		}
		return nil
	})

	errGroup.Go(func() error {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Retry engine exited with an error", "error", err)
			return err
		}
		return nil
	})

	if err := errGroup.Wait(); err != nil {
		slog.Error("sepa collector exited with an error", "error", err)
	}
}

func waitForShutdown(ctx context.Context, stop chan<- os.Signal) {
	<-ctx.Done()
	slog.Debug("Received a graceful shutdown request")
	stop <- os.Kill
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/config"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/dispatch"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/gateway"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/handler"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/health"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/ledger"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/queue"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/summary"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server_exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.FromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := ledger.Open(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	client := gateway.NewHTTPClient(cfg.ProcessorDefaultURL, cfg.ProcessorFallbackURL)
	queues := queue.NewManager(rdb, logger)
	summaries := summary.NewService(rdb, store, logger, cfg.SummaryDeadline)
	monitor := health.NewMonitor(
		health.NewRedisCoordinator(rdb), client, store, logger,
		cfg.ProbeInterval, cfg.ProbeDeadline,
	)
	engine := dispatch.New(queues, store, monitor, summaries, client, logger, dispatch.Options{
		IntakeDeadline:   cfg.IntakeDeadline,
		DrainDeadline:    cfg.DrainDeadline,
		BatchSize:        config.DrainBatchSize,
		IdleDelay:        cfg.IdleDelay,
		ReclaimInterval:  cfg.ReclaimInterval,
		ReclaimThreshold: cfg.ReclaimThreshold,
	})

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go monitor.Run(workerCtx)
	go engine.RunDrain(workerCtx)
	go engine.RunReclaim(workerCtx)

	mux := http.NewServeMux()
	handler.New(engine, summaries, queues, monitor).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_starting", "port", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("http_shutdown_failed", "error", err)
	}

	// Let the drain loop hand back any in-flight batch before the stores
	// close underneath it.
	cancelWorkers()
	time.Sleep(cfg.IdleDelay)

	return nil
}

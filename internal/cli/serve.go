package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mohans/genqueue/genqueue"
	"github.com/mohans/genqueue/internal/generation"
	"github.com/mohans/genqueue/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the worker starters and the sweeper",
	Long: `Run the HTTP API together with the workers that drain users' queues.

With GENQUEUE_REDIS_ADDR set, worker runs are dispatched through asynq and
any number of instances may share the queue. Without it, runs are goroutines
of this process.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := migrate(ctx); err != nil {
		return err
	}

	llm, err := generation.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	sink := generation.NewSQLSink(db, genqueue.DialectForDriver(cfg.DBDriver))
	exec := generation.NewExecutor(llm, sink, cfg.LLMRequestsPM, logger)
	worker := genqueue.NewWorker(jobStore, exec, nil, genqueue.WorkerConfig{
		UnitDelay:       cfg.UnitDelay,
		LeaseTTL:        cfg.LeaseTTL,
		ExecutorTimeout: cfg.ExecutorTimeout,
	}, logger)

	g, gCtx := errgroup.WithContext(ctx)
	checks := map[string]httpapi.HealthCheck{"db": db.PingContext}

	// 1. Worker starter: asynq when Redis is configured, goroutines otherwise.
	var starter genqueue.Starter
	if cfg.RedisAddr != "" {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		client := genqueue.NewClient(redisOpt, genqueue.ClientOptions{
			Queue:    cfg.Queue,
			MaxRetry: 3,
			Timeout:  cfg.DrainTimeout(),
			Logger:   logger,
		})
		defer client.Close()
		starter = client

		processor := genqueue.NewProcessor(redisOpt, worker, genqueue.ProcessorConfig{
			Concurrency:  cfg.Concurrency,
			Queues:       map[string]int{cfg.Queue: 1},
			MaxUnits:     cfg.DrainMaxUnits,
			Continuation: client,
		}, logger)
		g.Go(func() error {
			logger.Info("starting asynq processor", "redis", cfg.RedisAddr, "queue", cfg.Queue)
			return processor.Run(gCtx)
		})

		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		runner := genqueue.NewLocalRunner(gCtx, worker, logger)
		defer runner.Wait()
		starter = runner
	}

	// 2. Periodic sweep so queues drain without an observer.
	sweeper, err := genqueue.NewSweeper(jobStore, starter, cfg.SweepSchedule, cfg.PollJitter, logger)
	if err != nil {
		return err
	}
	g.Go(func() error {
		if _, err := sweeper.Sweep(gCtx); err != nil {
			logger.Warn("initial sweep failed", "error", err)
		}
		return sweeper.Run(gCtx)
	})

	// 3. API server
	api := httpapi.NewServer(logger, jobGateway, worker, starter, httpapi.Options{
		PollInterval: cfg.PollInterval,
		PollJitter:   cfg.PollJitter,
		Checks:       checks,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.WithCORS(api.Handler(), cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

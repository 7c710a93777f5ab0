package genqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Processor consumes drain tasks from asynq and runs the worker for their owner.
type Processor struct {
	server   *asynq.Server
	worker   *Worker
	maxUnits int
	next     *Client
	logger   *slog.Logger
}

type ProcessorConfig struct {
	Concurrency int
	Queues      map[string]int
	// MaxUnits bounds the executor attempts of one drain task; zero means no bound.
	// When a drain stops at the bound with work left, Continuation enqueues its successor.
	MaxUnits     int
	Continuation *Client
}

func NewProcessor(redisOpt asynq.RedisClientOpt, worker *Worker, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	con := cfg.Concurrency
	if con <= 0 {
		con = 10
	}
	qs := cfg.Queues
	if qs == nil {
		qs = map[string]int{"default": 1}
	}
	if logger == nil {
		logger = slog.Default()
	}
	server := asynq.NewServer(redisOpt, asynq.Config{Concurrency: con, Queues: qs})
	return &Processor{server: server, worker: worker, maxUnits: cfg.MaxUnits, next: cfg.Continuation, logger: logger}
}

// HandleDrain runs the worker for the task's owner until its queue drains.
func (p *Processor) HandleDrain(ctx context.Context, t *asynq.Task) error {
	var payload drainPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode drain payload: %v: %w", err, asynq.SkipRetry)
	}
	more, err := p.worker.RunUnits(ctx, payload.Owner, p.maxUnits)
	if errors.Is(err, ErrRunInProgress) {
		return nil
	}
	if err != nil || !more || p.next == nil {
		return err
	}
	id, _ := asynq.GetTaskID(ctx)
	if err := p.next.Continue(context.WithoutCancel(ctx), payload.Owner, id); err != nil {
		// The sweeper restarts the owner on its next tick.
		p.logger.Warn("failed to enqueue drain continuation", "owner", payload.Owner, "error", err)
	}
	return nil
}

// Middleware to log started/finished
func (p *Processor) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		start := time.Now()
		p.logger.Debug("task started", "task_id", id, "type", t.Type())
		err := next.ProcessTask(ctx, t)
		if err != nil {
			p.logger.Error("task failed", "task_id", id, "type", t.Type(), "elapsed", time.Since(start), "error", err)
		} else {
			p.logger.Debug("task finished", "task_id", id, "type", t.Type(), "elapsed", time.Since(start))
		}
		return err
	})
}

func (p *Processor) handler() asynq.Handler {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeDrain, p.HandleDrain)
	return p.lifecycleMiddleware(mux)
}

// Start begins processing in the background.
func (p *Processor) Start() error { return p.server.Start(p.handler()) }

// Run processes until ctx is cancelled, then shuts the server down.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.Start(); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	p.Shutdown()
	return nil
}

func (p *Processor) Shutdown() { p.server.Shutdown() }

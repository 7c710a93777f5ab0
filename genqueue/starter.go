package genqueue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Starter makes sure a worker run exists for an owner with pending work.
// Start must be cheap and idempotent: observers call it on every poll.
type Starter interface {
	Start(ctx context.Context, owner string) error
}

// LocalRunner runs workers as goroutines of the current process.
type LocalRunner struct {
	base   context.Context
	worker *Worker
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewLocalRunner returns a runner whose goroutines live until base is cancelled.
func NewLocalRunner(base context.Context, worker *Worker, logger *slog.Logger) *LocalRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRunner{base: base, worker: worker, logger: logger}
}

// Start launches a worker run for owner unless one is already registered.
// The run is detached from ctx, which usually belongs to a request.
func (r *LocalRunner) Start(ctx context.Context, owner string) error {
	if err := validateOwner(owner); err != nil {
		return err
	}
	if r.worker.Registry().Running(owner) {
		return nil
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("worker run panicked", "owner", owner, "panic", rec)
			}
		}()
		err := r.worker.Run(r.base, owner)
		switch {
		case err == nil, errors.Is(err, ErrRunInProgress), errors.Is(err, context.Canceled):
		default:
			r.logger.Error("worker run failed", "owner", owner, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every launched run has returned.
func (r *LocalRunner) Wait() { r.wg.Wait() }

// Jittered returns base plus a uniformly random duration in [0, jitter).
func Jittered(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + rand.N(jitter)
}

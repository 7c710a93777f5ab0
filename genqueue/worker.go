package genqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// WorkerConfig tunes the worker loop.
type WorkerConfig struct {
	// UnitDelay is the pause between two executor calls for the same owner. Zero disables it.
	UnitDelay time.Duration
	// LeaseTTL bounds how long a claimed item stays locked to a run without a refresh.
	// It must exceed ExecutorTimeout.
	LeaseTTL time.Duration
	// ExecutorTimeout, when positive, caps a single executor call.
	ExecutorTimeout time.Duration
}

const defaultLeaseTTL = 5 * time.Minute

// Worker advances an owner's queue one unit at a time. At most one executor
// call is in flight per owner: in-process via the Registry, across processes
// via the item lease.
type Worker struct {
	store    Store
	gateway  *Gateway
	exec     Executor
	registry *Registry
	cfg      WorkerConfig
	logger   *slog.Logger
}

func NewWorker(store Store, exec Executor, registry *Registry, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.UnitDelay < 0 {
		cfg.UnitDelay = 0
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	return &Worker{
		store:    store,
		gateway:  NewGateway(store, logger),
		exec:     exec,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// Registry returns the run registry shared by this worker's starters.
func (w *Worker) Registry() *Registry { return w.registry }

// Run drains the owner's queue: it repeatedly advances the oldest eligible item
// until none remains, the context is cancelled, or another run holds the lease.
// It returns ErrRunInProgress if this process already runs a worker for owner.
func (w *Worker) Run(ctx context.Context, owner string) error {
	_, err := w.RunUnits(ctx, owner, 0)
	return err
}

// RunUnits is Run bounded to maxUnits executor attempts; zero means no bound.
// It reports whether eligible work was left behind because the bound was hit.
func (w *Worker) RunUnits(ctx context.Context, owner string, maxUnits int) (bool, error) {
	token, ok := w.registry.Acquire(owner)
	if !ok {
		return false, ErrRunInProgress
	}
	defer w.registry.Release(token)
	defer w.releaseLeases(ctx, token)

	w.logger.Info("worker run started", "owner", owner, "run", token.ID)
	units := 0
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		st, err := w.gateway.Status(ctx, owner)
		if err != nil {
			return false, fmt.Errorf("list active items: %w", err)
		}
		next := firstEligible(st.Items)
		if next == nil {
			w.logger.Info("worker run drained", "owner", owner, "run", token.ID, "units", units)
			return false, nil
		}
		if maxUnits > 0 && units >= maxUnits {
			w.logger.Info("worker run reached unit limit", "owner", owner, "run", token.ID, "units", units)
			return true, nil
		}

		_, attempted, err := w.advance(ctx, token, *next)
		if errors.Is(err, ErrLeaseHeld) {
			w.logger.Info("worker run yielding to lease holder", "owner", owner, "item_id", next.ID)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !attempted {
			// Item left the eligible set between list and claim, e.g. cancelled.
			continue
		}
		units++

		if err := sleepCtx(ctx, w.cfg.UnitDelay); err != nil {
			return false, err
		}
	}
}

// releaseLeases frees the items a finished run still holds, so the next run
// can resume at once instead of waiting out LeaseTTL.
func (w *Worker) releaseLeases(ctx context.Context, token *RunToken) {
	n, err := w.store.Release(context.WithoutCancel(ctx), token.ID)
	if err != nil {
		w.logger.Warn("failed to release leases", "owner", token.Owner, "run", token.ID, "error", err)
		return
	}
	if n > 0 {
		w.logger.Debug("leases released", "owner", token.Owner, "run", token.ID, "count", n)
	}
}

// Advance performs one executor attempt on the owner's item id and returns its
// counters afterwards. A terminal or exhausted item is returned unchanged.
func (w *Worker) Advance(ctx context.Context, owner, id string) (UnitResult, error) {
	if err := validateOwner(owner); err != nil {
		return UnitResult{}, err
	}
	token, ok := w.registry.Acquire(owner)
	if !ok {
		return UnitResult{}, ErrRunInProgress
	}
	defer w.registry.Release(token)
	defer w.releaseLeases(ctx, token)

	it, err := w.store.Get(ctx, owner, id)
	if err != nil {
		return UnitResult{}, err
	}
	if !it.Eligible() {
		return resultOf(*it), nil
	}
	res, _, err := w.advance(ctx, token, *it)
	return res, err
}

func (w *Worker) advance(ctx context.Context, token *RunToken, it JobItem) (UnitResult, bool, error) {
	claimed, ok, err := w.store.Claim(ctx, token.Owner, it.ID, token.ID, w.cfg.LeaseTTL)
	if err != nil {
		return UnitResult{}, false, err
	}
	if !ok {
		if claimed.Eligible() {
			return resultOf(*claimed), false, ErrLeaseHeld
		}
		return resultOf(*claimed), false, nil
	}
	if it.Status == StatusPending {
		w.logger.Info("job item started", "owner", token.Owner, "item_id", it.ID, "target", it.Target)
	}

	start := time.Now()
	execErr := w.execute(ctx, claimed.Spec)
	if execErr != nil && ctx.Err() != nil {
		// Interrupted by shutdown; the slot was not really spent.
		return resultOf(*claimed), false, ctx.Err()
	}

	delta := Delta{Done: 1}
	if execErr != nil {
		delta = Delta{Errors: 1}
		w.logger.Warn("generation unit failed", "owner", token.Owner, "item_id", it.ID, "error", execErr)
	}
	updated, applied, err := w.store.UpdateProgress(context.WithoutCancel(ctx), it.ID, delta)
	if err != nil {
		return UnitResult{}, true, fmt.Errorf("record progress of %s: %w", it.ID, err)
	}
	if !applied {
		w.logger.Debug("progress update ignored", "item_id", it.ID, "status", updated.Status)
	}
	w.logger.Debug("generation unit finished",
		"owner", token.Owner,
		"item_id", it.ID,
		"done", updated.Done,
		"errors", updated.Errors,
		"target", updated.Target,
		"elapsed", time.Since(start))
	if applied && updated.Status == StatusCompleted {
		w.logger.Info("job item completed", "owner", token.Owner, "item_id", it.ID, "done", updated.Done, "errors", updated.Errors)
	}
	return resultOf(*updated), true, nil
}

// execute calls the executor once, converting panics into errors.
func (w *Worker) execute(ctx context.Context, spec GenerationSpec) (err error) {
	if w.cfg.ExecutorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ExecutorTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return w.exec.Generate(ctx, spec)
}

func firstEligible(items []JobItem) *JobItem {
	for i := range items {
		if items[i].Eligible() {
			return &items[i]
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

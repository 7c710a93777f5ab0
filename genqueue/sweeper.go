package genqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically starts workers for every owner with eligible items, so
// progress does not depend on an observer staying connected.
type Sweeper struct {
	store   Store
	starter Starter
	cron    *cron.Cron
	jitter  time.Duration
	logger  *slog.Logger
	ctx     context.Context
}

// NewSweeper schedules sweeps on a cron spec such as "@every 30s".
func NewSweeper(store Store, starter Starter, schedule string, jitter time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		store:   store,
		starter: starter,
		cron:    cron.New(),
		jitter:  jitter,
		logger:  logger,
		ctx:     context.Background(),
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Sweep starts a worker for each owner with eligible items and returns how many were kicked.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	owners, err := s.store.ActiveOwners(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range owners {
		if err := s.starter.Start(ctx, o); err != nil {
			s.logger.Warn("sweep failed to start worker", "owner", o, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (s *Sweeper) tick() {
	if err := sleepCtx(s.ctx, Jittered(0, s.jitter)); err != nil {
		return
	}
	n, err := s.Sweep(s.ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("sweep kicked owners", "count", n)
	}
}

// Run sweeps on schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

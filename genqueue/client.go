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

// TypeDrain is the asynq task type that runs Worker.Run for one owner.
const TypeDrain = "genqueue:drain"

// Client starts worker runs by enqueueing drain tasks on asynq. The task ID is
// derived from the owner, so at most one drain per owner is queued or active.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	maxRetry  int
	timeout   time.Duration
	logger    *slog.Logger
}

type ClientOptions struct {
	Queue string
	// MaxRetry bounds redelivery of a failed drain; zero keeps asynq's default.
	MaxRetry int
	// Timeout caps one drain task. Pair it with ProcessorConfig.MaxUnits so a
	// drain returns on its own before asynq cancels it.
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewClient(redisOpt asynq.RedisClientOpt, opts ClientOptions) *Client {
	q := opts.Queue
	if q == "" {
		q = "default"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		queue:     q,
		maxRetry:  opts.MaxRetry,
		timeout:   opts.Timeout,
		logger:    logger,
	}
}

func drainTaskID(owner string) string { return "drain:" + owner }

// continuationTaskID alternates between two ids per owner, so a drain that hit
// its unit limit can enqueue its successor while its own id is still active.
func continuationTaskID(owner, current string) string {
	if current == drainTaskID(owner) {
		return drainTaskID(owner) + ":next"
	}
	return drainTaskID(owner)
}

// Start enqueues a drain task for owner. A drain already pending or running is
// not an error. A drain parked by asynq (archived after its retries, or waiting
// out a retry backoff) is put back in line, so Start never reports success
// while nothing will run.
func (c *Client) Start(ctx context.Context, owner string) error {
	if c.client == nil {
		return fmt.Errorf("nil asynq client")
	}
	if err := validateOwner(owner); err != nil {
		return err
	}
	err := c.enqueue(ctx, owner, drainTaskID(owner))
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}
	return c.revive(ctx, owner, drainTaskID(owner))
}

// Continue enqueues the successor of the drain task currentID for owner.
func (c *Client) Continue(ctx context.Context, owner, currentID string) error {
	id := continuationTaskID(owner, currentID)
	err := c.enqueue(ctx, owner, id)
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}
	return c.revive(ctx, owner, id)
}

func (c *Client) enqueue(ctx context.Context, owner, taskID string) error {
	payload, err := json.Marshal(drainPayload{Owner: owner})
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.Queue(c.queue), asynq.TaskID(taskID)}
	if c.maxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(c.maxRetry))
	}
	if c.timeout > 0 {
		opts = append(opts, asynq.Timeout(c.timeout))
	}
	info, err := c.client.EnqueueContext(ctx, asynq.NewTask(TypeDrain, payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}
	if err != nil {
		return fmt.Errorf("enqueue drain for %s: %w", owner, err)
	}
	c.logger.Debug("drain task enqueued", "owner", owner, "task_id", info.ID, "queue", info.Queue)
	return nil
}

// revive inspects the drain that holds task id id.
func (c *Client) revive(ctx context.Context, owner, id string) error {
	info, err := c.inspector.GetTaskInfo(c.queue, id)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		// Finished between the conflict and the lookup.
		return c.ignoreConflict(c.enqueue(ctx, owner, id))
	}
	if err != nil {
		return fmt.Errorf("inspect drain for %s: %w", owner, err)
	}

	switch info.State {
	case asynq.TaskStateRetry, asynq.TaskStateScheduled:
		if err := c.inspector.RunTask(c.queue, id); err != nil {
			return fmt.Errorf("run drain for %s: %w", owner, err)
		}
		c.logger.Info("drain task moved out of backoff", "owner", owner, "retried", info.Retried)
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
		if err := c.inspector.DeleteTask(c.queue, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("delete stale drain for %s: %w", owner, err)
		}
		c.logger.Warn("stale drain task replaced", "owner", owner, "state", info.State.String(), "last_error", info.LastErr)
		return c.ignoreConflict(c.enqueue(ctx, owner, id))
	}
	return nil
}

// ignoreConflict absorbs a conflict caused by a concurrent Start.
func (c *Client) ignoreConflict(err error) error {
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func (c *Client) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

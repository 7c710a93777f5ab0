package genqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Gateway is the stateless request layer over a Store: enqueue, status and cancel.
// Validation and ownership errors are returned to the caller, never swallowed.
type Gateway struct {
	store  Store
	logger *slog.Logger
}

func NewGateway(store Store, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{store: store, logger: logger}
}

// QueueStatus is the owner's active items plus their aggregate.
type QueueStatus struct {
	Items    []JobItem
	Progress AggregateProgress
}

// Enqueue validates reqs and persists one pending item per request.
// It does not start a worker.
func (g *Gateway) Enqueue(ctx context.Context, owner string, reqs []BatchRequest) ([]JobItem, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "at least one generation spec is required"}
	}
	for i, r := range reqs {
		if err := validateRequest(r); err != nil {
			err.Field = fmt.Sprintf("items[%d].%s", i, err.Field)
			return nil, err
		}
	}
	items, err := g.store.InsertBatch(ctx, owner, reqs)
	if err != nil {
		return nil, err
	}
	g.logger.Info("generation batch enqueued", "owner", owner, "items", len(items))
	return items, nil
}

// Status lists the owner's active items and their aggregate progress. Read only.
func (g *Gateway) Status(ctx context.Context, owner string) (QueueStatus, error) {
	if err := validateOwner(owner); err != nil {
		return QueueStatus{}, err
	}
	items, err := g.store.ListActive(ctx, owner)
	if err != nil {
		return QueueStatus{}, err
	}
	return QueueStatus{Items: items, Progress: Aggregate(items)}, nil
}

// Cancel cancels one active item (id set) or every active item of owner (id empty).
// Cancelling an item that is already terminal affects zero rows and is not an error;
// an id unknown to this owner yields ErrNotFound.
func (g *Gateway) Cancel(ctx context.Context, owner, id string) (int, error) {
	if err := validateOwner(owner); err != nil {
		return 0, err
	}
	n, err := g.store.Cancel(ctx, owner, id)
	if err != nil {
		return 0, err
	}
	if n == 0 && id != "" {
		if _, err := g.store.Get(ctx, owner, id); err != nil {
			return 0, err
		}
	}
	if n > 0 {
		g.logger.Info("generation items cancelled", "owner", owner, "item_id", id, "count", n)
	}
	return n, nil
}

func validateOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return &ValidationError{Field: "owner", Reason: "required"}
	}
	return nil
}

// MaxQuantity bounds the units of one batch fragment.
const MaxQuantity = 1000

func validateRequest(r BatchRequest) *ValidationError {
	switch {
	case r.Quantity < 1:
		return &ValidationError{Field: "quantity", Reason: "must be a positive integer"}
	case r.Quantity > MaxQuantity:
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must not exceed %d", MaxQuantity)}
	case strings.TrimSpace(r.Discipline) == "":
		return &ValidationError{Field: "discipline", Reason: "required"}
	case strings.TrimSpace(r.Board) == "":
		return &ValidationError{Field: "board", Reason: "required"}
	case strings.TrimSpace(r.Modality) == "":
		return &ValidationError{Field: "modality", Reason: "required"}
	case strings.TrimSpace(r.Difficulty) == "":
		return &ValidationError{Field: "difficulty", Reason: "required"}
	}
	return nil
}

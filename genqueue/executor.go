package genqueue

import "context"

// Executor produces and persists exactly one unit of content for spec.
// A nil error means the unit was generated and stored. Implementations are
// expected to bound their own latency; the worker may add a timeout on top.
type Executor interface {
	Generate(ctx context.Context, spec GenerationSpec) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, spec GenerationSpec) error

func (f ExecutorFunc) Generate(ctx context.Context, spec GenerationSpec) error { return f(ctx, spec) }

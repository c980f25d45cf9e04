// Package dispatch bounds nested sub-dispatch. Every call carries its depth in
// its context: the root coordinator is depth 0, pattern-session workers are
// depth 1, and whatever a depth-1 worker dispatches runs at depth 2 and may
// not dispatch again.
package dispatch

import (
	"context"

	"github.com/msageha/troupe/internal/model"
)

type depthKey struct{}

type parentKey struct{}

// WithDepth tags ctx with the dispatch depth of the code running under it.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// Depth returns the depth tagged on ctx. An untagged context is the root.
func Depth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// SessionWorker returns ctx tagged for a pattern-session worker.
func SessionWorker(ctx context.Context) context.Context {
	return WithDepth(ctx, 1)
}

// Terminal reports whether code running under ctx must not dispatch.
func Terminal(ctx context.Context) bool {
	return Depth(ctx) >= model.MaxDispatchDepth
}

func withParent(ctx context.Context, parentID string) context.Context {
	return context.WithValue(ctx, parentKey{}, parentID)
}

// Parent returns the id of the worker whose batch the call belongs to.
func Parent(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(parentKey{}).(string)
	return p, ok
}

// Limits are the bounds a batch is validated against.
type Limits struct {
	MaxDepth   int
	MaxFanout  int
	MaxBatches int
}

// LimitsFrom clamps configured limits to the hard ceilings.
func LimitsFrom(c model.DispatchConfig) Limits {
	l := Limits{MaxDepth: c.MaxDepth, MaxFanout: c.MaxFanout, MaxBatches: c.MaxBatches}
	if l.MaxDepth <= 0 || l.MaxDepth > model.MaxDispatchDepth {
		l.MaxDepth = model.MaxDispatchDepth
	}
	if l.MaxFanout <= 0 || l.MaxFanout > model.MaxDispatchFanout {
		l.MaxFanout = model.MaxDispatchFanout
	}
	if l.MaxBatches <= 0 || l.MaxBatches > model.MaxDispatchBatches {
		l.MaxBatches = model.MaxDispatchBatches
	}
	return l
}

// Validate decides whether a batch of fanout calls issued from depth by a
// parent that has already issued batchesUsed batches may run. It has no side
// effects.
func Validate(depth, fanout, batchesUsed int, parentID string, l Limits) error {
	if depth+1 > l.MaxDepth {
		return &model.DepthError{Depth: depth, MaxDepth: l.MaxDepth}
	}
	if fanout > l.MaxFanout || batchesUsed >= l.MaxBatches {
		return &model.FanoutError{
			ParentID:   parentID,
			Requested:  fanout,
			MaxFanout:  l.MaxFanout,
			Batches:    batchesUsed,
			MaxBatches: l.MaxBatches,
		}
	}
	return nil
}

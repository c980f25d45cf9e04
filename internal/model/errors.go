package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the coordination error taxonomy. Structured errors below
// unwrap to these so callers can match with errors.Is.
var (
	ErrCycle             = errors.New("dependency cycle")
	ErrDepthExceeded     = errors.New("dispatch depth exceeded")
	ErrFanoutExceeded    = errors.New("dispatch fan-out exceeded")
	ErrNotDelivered      = errors.New("message not delivered")
	ErrBudgetWarning     = errors.New("message budget exceeded")
	ErrStaleTask         = errors.New("stale task")
	ErrWorkerUnreachable = errors.New("worker unreachable")
	ErrEscalated         = errors.New("task escalated")

	ErrTaskNotFound      = errors.New("task not found")
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrBlocked           = errors.New("task blocked by incomplete dependencies")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrUnknownRole       = errors.New("unknown role")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CycleError reports the edge that was rejected and the cycle it would have closed.
type CycleError struct {
	TaskID    string
	BlockedBy string
	Path      []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("blocking %s on %s would create a cycle: %s",
		e.TaskID, e.BlockedBy, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// DepthError is returned when a dispatch would exceed the nesting limit.
type DepthError struct {
	Depth    int
	MaxDepth int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("dispatch from depth %d exceeds max depth %d", e.Depth, e.MaxDepth)
}

func (e *DepthError) Unwrap() error { return ErrDepthExceeded }

// FanoutError is returned when a batch is too wide or a parent has used up its batches.
type FanoutError struct {
	ParentID   string
	Requested  int
	MaxFanout  int
	Batches    int
	MaxBatches int
}

func (e *FanoutError) Error() string {
	if e.Requested > e.MaxFanout {
		return fmt.Sprintf("parent %s requested fan-out %d, max %d", e.ParentID, e.Requested, e.MaxFanout)
	}
	return fmt.Sprintf("parent %s already issued %d/%d dispatch batches", e.ParentID, e.Batches, e.MaxBatches)
}

func (e *FanoutError) Unwrap() error { return ErrFanoutExceeded }

// TransitionError describes a rejected status change.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid task transition %q → %q: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

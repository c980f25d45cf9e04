package dispatch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/logging"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/router"
	"github.com/msageha/troupe/internal/telemetry"
)

var (
	ErrEmptyBatch = errors.New("dispatch batch has no calls")
	// ErrNotPermitted is returned when the parent's role may not dispatch.
	ErrNotPermitted = errors.New("role may not dispatch")
)

// Call is one sub-dispatch of a batch. TaskID optionally names the board
// task the call works on.
type Call struct {
	Role   model.Role `json:"role"`
	Input  string     `json:"input"`
	TaskID string     `json:"task_id,omitempty"`
}

// Result is the outcome of one call. A call that timed out or failed carries
// its error; the batch itself still completes.
type Result struct {
	Index   int           `json:"index"`
	Call    Call          `json:"call"`
	Output  string        `json:"output,omitempty"`
	Err     string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

func (r Result) OK() bool { return r.Err == "" }

// Batch is a completed dispatch. Message is the single folded message that
// carries every result of the batch outward.
type Batch struct {
	ID       string        `json:"id"`
	ParentID string        `json:"parent_id"`
	Depth    int           `json:"depth"`
	Results  []Result      `json:"results"`
	Message  model.Message `json:"message"`
}

// Executor runs one sub-call. It is the boundary to whatever actually does
// the work; ctx carries the call's depth and its own deadline.
type Executor interface {
	Execute(ctx context.Context, call Call) (string, error)
}

// Directory resolves the parent's role.
type Directory interface {
	Worker(id string) (model.WorkerRecord, error)
}

// Sessions finds the depth-1 peers a folded result is shown to.
type Sessions interface {
	SessionsOf(workerID string) []string
	Session(id string) (model.SessionSnapshot, error)
}

// Router delivers the folded message.
type Router interface {
	Deliver(sender, recipient string, msg model.Message) (router.Receipt, error)
}

type Controller struct {
	mu      sync.Mutex
	batches map[string]int

	exec        Executor
	limits      Limits
	callTimeout time.Duration

	dir      Directory
	sessions Sessions
	router   Router

	bus     *events.Bus
	logger  *logging.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

type Option func(*Controller)

func WithDirectory(d Directory) Option {
	return func(c *Controller) { c.dir = d }
}

// WithPeers makes the controller deliver each folded message to the parent's
// session peers through rt.
func WithPeers(s Sessions, rt Router) Option {
	return func(c *Controller) {
		c.sessions = s
		c.router = rt
	}
}

func WithEventBus(bus *events.Bus) Option {
	return func(c *Controller) { c.bus = bus }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l.With("dispatch") }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

func New(exec Executor, cfg model.DispatchConfig, opts ...Option) *Controller {
	c := &Controller{
		batches:     make(map[string]int),
		exec:        exec,
		limits:      LimitsFrom(cfg),
		callTimeout: cfg.CallTimeout(),
		logger:      logging.Discard(),
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 5 * time.Minute
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check validates a batch without reserving it.
func (c *Controller) Check(ctx context.Context, parentID string, n int) error {
	if n == 0 {
		return ErrEmptyBatch
	}
	if err := c.checkRole(parentID); err != nil {
		return err
	}
	c.mu.Lock()
	used := c.batches[parentID]
	c.mu.Unlock()
	return Validate(Depth(ctx), n, used, parentID, c.limits)
}

func (c *Controller) checkRole(parentID string) error {
	if c.dir == nil || parentID == model.CoordinatorID {
		return nil
	}
	w, err := c.dir.Worker(parentID)
	if err != nil {
		return err
	}
	if !w.Role.Capability().MayDispatch {
		return fmt.Errorf("%w: %s is %s", ErrNotPermitted, parentID, w.Role)
	}
	return nil
}

// reserve validates and counts the batch in one step so two concurrent
// batches from one parent cannot both take the last slot.
func (c *Controller) reserve(depth, n int, parentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := Validate(depth, n, c.batches[parentID], parentID, c.limits); err != nil {
		return err
	}
	c.batches[parentID]++
	return nil
}

// Batches returns how many batches parentID has issued.
func (c *Controller) Batches(parentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[parentID]
}

// Snapshot copies the per-parent batch counts for checkpointing.
func (c *Controller) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.batches)
}

// Restore replaces the batch counts. A parent's lifetime batch limit keeps
// counting across a restart.
func (c *Controller) Restore(batches map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = make(map[string]int, len(batches))
	maps.Copy(c.batches, batches)
}

// Dispatch runs calls on behalf of parentID, one level deeper than ctx. A
// batch over the depth, fan-out or batch limits is rejected before any call
// starts. Each call runs under its own timeout, bounded by ctx. Dispatch
// waits for every call, then folds the results into one message.
func (c *Controller) Dispatch(ctx context.Context, parentID string, calls []Call) (*Batch, error) {
	depth := Depth(ctx)
	if len(calls) == 0 {
		return nil, ErrEmptyBatch
	}
	if err := c.checkRole(parentID); err != nil {
		c.reject(ctx, parentID, depth, len(calls), err)
		return nil, err
	}
	if err := c.reserve(depth, len(calls), parentID); err != nil {
		c.reject(ctx, parentID, depth, len(calls), err)
		return nil, err
	}

	id, err := model.GenerateID(model.IDTypeBatch)
	if err != nil {
		return nil, err
	}
	ctx, span := c.startSpan(ctx, "dispatch.batch",
		trace.WithAttributes(
			attribute.String("dispatch.batch_id", id),
			attribute.String("dispatch.parent", parentID),
			attribute.Int("dispatch.depth", depth),
			attribute.Int("dispatch.fanout", len(calls)),
		))
	defer span.End()
	c.logger.Infof("dispatch_batch id=%s parent=%s depth=%d fanout=%d", id, parentID, depth, len(calls))
	c.metrics.RecordDispatchBatch(ctx, len(calls))

	child := withParent(WithDepth(ctx, depth+1), parentID)
	results := make([]Result, len(calls))
	var g errgroup.Group
	g.SetLimit(c.limits.MaxFanout)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = c.run(child, i, call)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
			c.logger.Warnf("dispatch_call_failed batch=%s index=%d role=%s: %s", id, r.Index, r.Call.Role, r.Err)
		}
	}
	span.SetAttributes(attribute.Int("dispatch.failed", failed))
	if failed == len(results) {
		span.SetStatus(codes.Error, "every call failed")
	}

	b := &Batch{ID: id, ParentID: parentID, Depth: depth, Results: results}
	b.Message = fold(b, c.sessionOf(parentID))
	c.publish(b)
	return b, nil
}

func (c *Controller) run(ctx context.Context, i int, call Call) Result {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	start := time.Now()
	out, err := c.exec.Execute(ctx, call)
	r := Result{Index: i, Call: call, Output: out, Elapsed: time.Since(start)}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		r.Output = ""
		r.Err = err.Error()
	}
	return r
}

func (c *Controller) reject(ctx context.Context, parentID string, depth, n int, err error) {
	reason := "fanout"
	switch {
	case errors.Is(err, model.ErrDepthExceeded):
		reason = "depth"
	case errors.Is(err, ErrNotPermitted):
		reason = "role"
	}
	c.logger.Warnf("dispatch_rejected parent=%s depth=%d fanout=%d reason=%s: %v", parentID, depth, n, reason, err)
	c.metrics.RecordDispatchRejected(ctx, reason)
}

func (c *Controller) startSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return c.tracer.Start(ctx, name, opts...)
}

func (c *Controller) sessionOf(parentID string) string {
	if c.sessions == nil {
		return ""
	}
	if ids := c.sessions.SessionsOf(parentID); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// publish shows the folded message to the parent's session peers. Nothing
// from the individual calls is delivered.
func (c *Controller) publish(b *Batch) {
	if c.sessions == nil || c.router == nil {
		return
	}
	seen := map[string]bool{b.ParentID: true}
	for _, sid := range c.sessions.SessionsOf(b.ParentID) {
		snap, err := c.sessions.Session(sid)
		if err != nil {
			continue
		}
		for _, ids := range snap.Roles {
			for _, peer := range ids {
				if seen[peer] {
					continue
				}
				seen[peer] = true
				msg := b.Message
				msg.SessionID = sid
				if _, err := c.router.Deliver(b.ParentID, peer, msg); err != nil {
					c.logger.Warnf("dispatch_publish batch=%s peer=%s: %v", b.ID, peer, err)
				}
			}
		}
	}
}

// fold writes every result of a batch into one message.
func fold(b *Batch, sessionID string) model.Message {
	ok := 0
	var sb strings.Builder
	for _, r := range b.Results {
		if r.OK() {
			ok++
			fmt.Fprintf(&sb, "[%d] %s ok: %s\n", r.Index+1, r.Call.Role, r.Output)
		} else {
			fmt.Fprintf(&sb, "[%d] %s failed: %s\n", r.Index+1, r.Call.Role, r.Err)
		}
	}
	return model.Message{
		Sender:    b.ParentID,
		Type:      model.MsgCheckpoint,
		SessionID: sessionID,
		Summary:   fmt.Sprintf("batch %s: %d/%d sub-calls succeeded", b.ID, ok, len(b.Results)),
		Content:   strings.TrimSuffix(sb.String(), "\n"),
	}
}

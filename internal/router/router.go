// Package router delivers messages between the coordinator and its workers.
//
// Every (sender, recipient) channel carries its own strictly increasing
// sequence number. Mail for a live worker sits in its inbox until the worker
// acknowledges it; mail for an unreachable worker is held for a bounded
// interval and then dropped with a not_delivered event.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/logging"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/telemetry"
)

// Directory answers reachability questions. *board.Board satisfies it.
type Directory interface {
	IsReachable(id string) bool
	ReachableWorkers() []string
}

// Receipt reports where a delivered message went.
type Receipt struct {
	Message model.Message `json:"message"`
	// Queued is true when the recipient was unreachable and the message is
	// being held.
	Queued bool `json:"queued"`
}

// DeadLetter is a message dropped after its queue interval elapsed.
type DeadLetter struct {
	Message   model.Message `yaml:"message" json:"message"`
	DroppedAt time.Time     `yaml:"dropped_at" json:"dropped_at"`
}

type queued struct {
	msg      model.Message
	deadline time.Time
}

type Config struct {
	MessageBudget   int
	QueueTTL        time.Duration
	LogTailSize     int
	DeadLetterLimit int
}

func ConfigFrom(c model.RouterConfig) Config {
	return Config{
		MessageBudget:   c.MessageBudget,
		QueueTTL:        c.QueueTTL(),
		LogTailSize:     c.LogTailSize,
		DeadLetterLimit: c.DeadLetterLimit,
	}
}

type Router struct {
	mu       sync.Mutex
	cfg      Config
	dir      Directory
	seq      map[model.Channel]uint64
	inbox    map[string][]model.Message
	pending  map[string][]queued
	sent     map[string]int
	warned   map[string]bool
	activity map[string]time.Time
	tail     []model.Message
	dead     []DeadLetter
	barriers map[string]*Barrier

	deliverHooks []func(model.Message)
	releaseHooks []func(Release)

	bus     *events.Bus
	logger  *logging.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

type Option func(*Router)

func WithEventBus(bus *events.Bus) Option {
	return func(r *Router) { r.bus = bus }
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Router) { r.logger = l.With("router") }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

func New(dir Directory, cfg Config, opts ...Option) *Router {
	if cfg.MessageBudget <= 0 {
		cfg.MessageBudget = 200
	}
	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = 30 * time.Second
	}
	if cfg.LogTailSize <= 0 {
		cfg.LogTailSize = 100
	}
	if cfg.DeadLetterLimit <= 0 {
		cfg.DeadLetterLimit = 100
	}
	r := &Router{
		cfg:      cfg,
		dir:      dir,
		seq:      make(map[model.Channel]uint64),
		inbox:    make(map[string][]model.Message),
		pending:  make(map[string][]queued),
		sent:     make(map[string]int),
		warned:   make(map[string]bool),
		activity: make(map[string]time.Time),
		barriers: make(map[string]*Barrier),
		logger:   logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnDeliver registers fn to run after every message lands in an inbox.
// Hooks run outside the router lock, in delivery order per call.
func (r *Router) OnDeliver(fn func(model.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliverHooks = append(r.deliverHooks, fn)
}

// OnBarrierRelease registers fn to run after a barrier releases.
func (r *Router) OnBarrierRelease(fn func(Release)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseHooks = append(r.releaseHooks, fn)
}

func validate(sender string, msg model.Message) error {
	if sender == "" {
		return fmt.Errorf("%w: empty sender", model.ErrInvalidMessage)
	}
	if !msg.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", model.ErrInvalidMessage, msg.Type)
	}
	return nil
}

// Deliver sends msg from sender to recipient. Sending past the soft budget
// publishes budget_warning and still delivers.
func (r *Router) Deliver(sender, recipient string, msg model.Message) (Receipt, error) {
	if recipient == model.Broadcast {
		return Receipt{}, fmt.Errorf("%w: use Broadcast for %q", model.ErrInvalidMessage, model.Broadcast)
	}
	if recipient == "" {
		return Receipt{}, fmt.Errorf("%w: empty recipient", model.ErrInvalidMessage)
	}
	if err := validate(sender, msg); err != nil {
		return Receipt{}, err
	}

	r.mu.Lock()
	r.chargeLocked(sender)
	rec, delivered := r.routeLocked(sender, recipient, msg)
	hooks := r.deliverHooks
	r.mu.Unlock()

	r.runDeliverHooks(hooks, delivered)
	return rec, nil
}

// Broadcast sends msg to every reachable worker except the sender. The send
// counts once against the sender's budget.
func (r *Router) Broadcast(sender string, msg model.Message) ([]Receipt, error) {
	if err := validate(sender, msg); err != nil {
		return nil, err
	}
	recipients := r.dir.ReachableWorkers()

	r.mu.Lock()
	r.chargeLocked(sender)
	var receipts []Receipt
	var delivered []model.Message
	for _, to := range recipients {
		if to == sender {
			continue
		}
		rec, d := r.routeLocked(sender, to, msg)
		receipts = append(receipts, rec)
		delivered = append(delivered, d...)
	}
	hooks := r.deliverHooks
	r.mu.Unlock()

	r.runDeliverHooks(hooks, delivered)
	return receipts, nil
}

func (r *Router) runDeliverHooks(hooks []func(model.Message), msgs []model.Message) {
	for _, m := range msgs {
		for _, fn := range hooks {
			fn(m)
		}
	}
}

func (r *Router) chargeLocked(sender string) {
	r.activity[sender] = r.now()
	if sender == model.CoordinatorID {
		return
	}
	r.sent[sender]++
	if r.sent[sender] > r.cfg.MessageBudget && !r.warned[sender] {
		r.warned[sender] = true
		r.logger.Warnf("budget_exceeded worker=%s sent=%d budget=%d", sender, r.sent[sender], r.cfg.MessageBudget)
		r.metrics.RecordBudgetWarning(context.Background())
		r.bus.Publish(events.EventBudgetWarning, map[string]any{
			"worker_id": sender,
			"sent":      r.sent[sender],
			"budget":    r.cfg.MessageBudget,
		})
	}
}

// routeLocked stamps msg for the channel and either places it in the inbox or
// queues it. It returns the messages that reached an inbox, which includes
// any older queued mail flushed ahead of it so channel order holds.
func (r *Router) routeLocked(sender, recipient string, msg model.Message) (Receipt, []model.Message) {
	now := r.now().UTC()
	ch := model.Channel{Sender: sender, Recipient: recipient}
	r.seq[ch]++

	msg.ID = model.NewMessageID()
	msg.Sender = sender
	msg.Recipient = recipient
	msg.Seq = r.seq[ch]
	msg.Timestamp = now

	if !r.dir.IsReachable(recipient) {
		r.pending[recipient] = append(r.pending[recipient], queued{msg: msg, deadline: now.Add(r.cfg.QueueTTL)})
		r.logger.Debugf("queue id=%s to=%s seq=%d", msg.ID, recipient, msg.Seq)
		return Receipt{Message: msg, Queued: true}, nil
	}

	delivered := r.drainPendingLocked(recipient)
	r.appendInboxLocked(msg)
	return Receipt{Message: msg}, append(delivered, msg)
}

func (r *Router) drainPendingLocked(recipient string) []model.Message {
	q := r.pending[recipient]
	if len(q) == 0 {
		return nil
	}
	delete(r.pending, recipient)
	out := make([]model.Message, 0, len(q))
	for _, e := range q {
		r.appendInboxLocked(e.msg)
		out = append(out, e.msg)
	}
	return out
}

func (r *Router) appendInboxLocked(msg model.Message) {
	r.inbox[msg.Recipient] = append(r.inbox[msg.Recipient], msg)
	r.tail = append(r.tail, msg)
	if over := len(r.tail) - r.cfg.LogTailSize; over > 0 {
		r.tail = append([]model.Message(nil), r.tail[over:]...)
	}
	r.metrics.RecordDelivered(context.Background(), string(msg.Type))
	r.logger.Debugf("deliver id=%s type=%s %s->%s seq=%d", msg.ID, msg.Type, msg.Sender, msg.Recipient, msg.Seq)
}

// Flush moves held mail to recipients that came back and drops everything
// whose queue interval has elapsed.
func (r *Router) Flush() {
	r.mu.Lock()
	now := r.now().UTC()
	var delivered []model.Message
	var dropped []model.Message
	for recipient, q := range r.pending {
		if r.dir.IsReachable(recipient) {
			delivered = append(delivered, r.drainPendingLocked(recipient)...)
			continue
		}
		keep := q[:0]
		for _, e := range q {
			if now.Before(e.deadline) {
				keep = append(keep, e)
				continue
			}
			dropped = append(dropped, e.msg)
			r.dead = append(r.dead, DeadLetter{Message: e.msg, DroppedAt: now})
		}
		if len(keep) == 0 {
			delete(r.pending, recipient)
		} else {
			r.pending[recipient] = keep
		}
	}
	if over := len(r.dead) - r.cfg.DeadLetterLimit; over > 0 {
		r.dead = append([]DeadLetter(nil), r.dead[over:]...)
	}
	hooks := r.deliverHooks
	r.mu.Unlock()

	for _, m := range dropped {
		r.logger.Warnf("not_delivered id=%s type=%s %s->%s", m.ID, m.Type, m.Sender, m.Recipient)
		r.metrics.RecordDropped(context.Background(), string(m.Type))
		r.bus.Publish(events.EventNotDelivered, map[string]any{
			"message_id": m.ID,
			"worker_id":  m.Recipient,
			"sender":     m.Sender,
			"type":       string(m.Type),
			"session_id": m.SessionID,
		})
	}
	r.runDeliverHooks(hooks, delivered)
}

// Fetch returns the unacknowledged inbox of worker in arrival order. The
// same messages are returned again until they are acknowledged.
func (r *Router) Fetch(worker string) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activity[worker] = r.now()
	return append([]model.Message(nil), r.inbox[worker]...)
}

// Ack removes the given message ids from worker's inbox and returns how many
// were removed.
func (r *Router) Ack(worker string, ids ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activity[worker] = r.now()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	box := r.inbox[worker]
	keep := box[:0]
	for _, m := range box {
		if !drop[m.ID] {
			keep = append(keep, m)
		}
	}
	n := len(box) - len(keep)
	if len(keep) == 0 {
		delete(r.inbox, worker)
	} else {
		r.inbox[worker] = keep
	}
	return n
}

// MarkActive records a heartbeat from worker.
func (r *Router) MarkActive(worker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activity[worker] = r.now()
}

// LastActivity returns when worker last sent, fetched, acked or heartbeated.
func (r *Router) LastActivity(worker string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.activity[worker]
	return t, ok
}

// Pending returns how many messages are held for an unreachable recipient.
func (r *Router) Pending(recipient string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[recipient])
}

func (r *Router) DeadLetters() []DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DeadLetter(nil), r.dead...)
}

// Sent returns how many messages worker has sent against its budget.
func (r *Router) Sent(worker string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[worker]
}

// ResetBudget clears a worker's send count, e.g. for a replacement worker.
func (r *Router) ResetBudget(worker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sent, worker)
	delete(r.warned, worker)
}

// Tail returns the most recent delivered messages, oldest first.
func (r *Router) Tail() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Message(nil), r.tail...)
}

// Bytes estimates the size of the router's tracked state.
func (r *Router) Bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.tail {
		n += len(m.Content) + len(m.Summary)
	}
	for _, box := range r.inbox {
		for _, m := range box {
			n += len(m.Content) + len(m.Summary)
		}
	}
	return n
}

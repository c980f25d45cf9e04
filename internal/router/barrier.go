package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/model"
)

var (
	ErrBarrierExists       = errors.New("barrier already open for session")
	ErrBarrierReleased     = errors.New("barrier already released")
	ErrNoBarrier           = errors.New("no open barrier for session")
	ErrDuplicateSubmission = errors.New("sender already submitted to barrier")
)

const defaultBarrierTimeout = 60 * time.Second

// Release is what a barrier hands to every participant at once.
type Release struct {
	SessionID   string          `json:"session_id"`
	Expected    int             `json:"expected"`
	Submissions []model.Message `json:"submissions"`
	// Incomplete is set when the timeout fired before the quota was met.
	Incomplete bool `json:"incomplete"`
	// Missing lists the participants that had not submitted at timeout.
	Missing    []string  `json:"missing,omitempty"`
	ReleasedAt time.Time `json:"released_at"`
}

// Barrier holds blind submissions until expected of them have arrived or the
// timeout elapses, then delivers the whole set to every participant in one
// step. Until then no participant can see any other's submission.
type Barrier struct {
	router       *Router
	sessionID    string
	expected     int
	participants []string
	openedAt     time.Time

	// guarded by router.mu
	subs     []model.Message
	senders  map[string]bool
	released bool
	result   Release
	timer    *time.Timer

	done chan struct{}
}

// Barrier opens a barrier for sessionID. participants receive the released
// set; when empty, the submitters themselves do.
func (r *Router) Barrier(sessionID string, expected int, timeout time.Duration, participants []string) (*Barrier, error) {
	if expected <= 0 {
		return nil, fmt.Errorf("barrier %s: expected count must be positive", sessionID)
	}
	if timeout <= 0 {
		timeout = defaultBarrierTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.barriers[sessionID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrBarrierExists, sessionID)
	}
	b := &Barrier{
		router:       r,
		sessionID:    sessionID,
		expected:     expected,
		participants: append([]string(nil), participants...),
		openedAt:     r.now(),
		senders:      make(map[string]bool),
		done:         make(chan struct{}),
	}
	b.timer = time.AfterFunc(timeout, b.expire)
	r.barriers[sessionID] = b
	r.logger.Infof("barrier_open session=%s expected=%d timeout=%s", sessionID, expected, timeout)
	return b, nil
}

// Submit routes a blind submission to the open barrier of msg.SessionID.
func (r *Router) Submit(sender string, msg model.Message) error {
	r.mu.Lock()
	b, ok := r.barriers[msg.SessionID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoBarrier, msg.SessionID)
	}
	return b.Submit(sender, msg)
}

// Submit records one submission per sender. The submission that meets the
// quota releases the barrier before Submit returns.
func (b *Barrier) Submit(sender string, msg model.Message) error {
	if err := validate(sender, msg); err != nil {
		return err
	}
	r := b.router

	r.mu.Lock()
	if b.released {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBarrierReleased, b.sessionID)
	}
	if b.senders[sender] {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", ErrDuplicateSubmission, sender, b.sessionID)
	}
	r.chargeLocked(sender)
	msg.Sender = sender
	msg.SessionID = b.sessionID
	msg.Timestamp = r.now().UTC()
	b.senders[sender] = true
	b.subs = append(b.subs, msg)
	r.logger.Debugf("barrier_submit session=%s sender=%s have=%d/%d", b.sessionID, sender, len(b.subs), b.expected)

	var delivered []model.Message
	quota := len(b.subs) >= b.expected
	if quota {
		delivered = b.releaseLocked(false)
	}
	deliverHooks, releaseHooks := r.deliverHooks, r.releaseHooks
	r.mu.Unlock()

	if quota {
		b.afterRelease(deliverHooks, releaseHooks, delivered)
	}
	return nil
}

func (b *Barrier) expire() {
	r := b.router
	r.mu.Lock()
	if b.released {
		r.mu.Unlock()
		return
	}
	delivered := b.releaseLocked(true)
	deliverHooks, releaseHooks := r.deliverHooks, r.releaseHooks
	r.mu.Unlock()

	b.afterRelease(deliverHooks, releaseHooks, delivered)
}

// releaseLocked delivers every submission to every participant while the
// router lock is held, so the set lands in all inboxes in one step.
func (b *Barrier) releaseLocked(incomplete bool) []model.Message {
	r := b.router
	b.released = true
	b.timer.Stop()
	if r.barriers[b.sessionID] == b {
		delete(r.barriers, b.sessionID)
	}

	recipients := b.participants
	if len(recipients) == 0 {
		for _, s := range b.subs {
			recipients = append(recipients, s.Sender)
		}
	}

	var delivered []model.Message
	for _, to := range recipients {
		for _, s := range b.subs {
			_, d := r.routeLocked(s.Sender, to, s)
			delivered = append(delivered, d...)
		}
	}

	b.result = Release{
		SessionID:   b.sessionID,
		Expected:    b.expected,
		Submissions: append([]model.Message(nil), b.subs...),
		Incomplete:  incomplete,
		ReleasedAt:  r.now().UTC(),
	}
	if incomplete {
		for _, p := range b.participants {
			if !b.senders[p] {
				b.result.Missing = append(b.result.Missing, p)
			}
		}
	}
	close(b.done)
	return delivered
}

func (b *Barrier) afterRelease(deliverHooks []func(model.Message), releaseHooks []func(Release), delivered []model.Message) {
	r := b.router
	rel := b.result
	wait := rel.ReleasedAt.Sub(b.openedAt)
	if rel.Incomplete {
		r.logger.Warnf("barrier_timeout session=%s have=%d/%d missing=%v", rel.SessionID, len(rel.Submissions), rel.Expected, rel.Missing)
	} else {
		r.logger.Infof("barrier_release session=%s have=%d/%d", rel.SessionID, len(rel.Submissions), rel.Expected)
	}
	r.metrics.RecordBarrierWait(context.Background(), wait, rel.Incomplete)
	r.bus.Publish(events.EventBarrierReleased, map[string]any{
		"session_id":  rel.SessionID,
		"submissions": len(rel.Submissions),
		"expected":    rel.Expected,
		"incomplete":  rel.Incomplete,
	})
	r.runDeliverHooks(deliverHooks, delivered)
	for _, fn := range releaseHooks {
		fn(rel)
	}
}

// Done is closed once the barrier has released.
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until release or ctx ends. The barrier's own timeout bounds the
// wait even when ctx has no deadline.
func (b *Barrier) Wait(ctx context.Context) (Release, error) {
	select {
	case <-b.done:
		b.router.mu.Lock()
		defer b.router.mu.Unlock()
		return b.result, nil
	case <-ctx.Done():
		return Release{}, ctx.Err()
	}
}

// CancelBarrier discards an open barrier without delivering its submissions.
// Waiters are woken with an empty, incomplete release.
func (r *Router) CancelBarrier(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.barriers[sessionID]
	if !ok {
		return
	}
	b.timer.Stop()
	b.released = true
	b.result = Release{SessionID: sessionID, Expected: b.expected, Incomplete: true, ReleasedAt: r.now().UTC()}
	delete(r.barriers, sessionID)
	close(b.done)
}

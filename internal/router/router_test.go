package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/model"
)

type fakeDir struct {
	mu      sync.Mutex
	order   []string
	offline map[string]bool
}

func newFakeDir(ids ...string) *fakeDir {
	return &fakeDir{order: ids, offline: map[string]bool{}}
}

func (d *fakeDir) IsReachable(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == model.CoordinatorID {
		return true
	}
	for _, w := range d.order {
		if w == id {
			return !d.offline[id]
		}
	}
	return false
}

func (d *fakeDir) ReachableWorkers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, w := range d.order {
		if !d.offline[w] {
			out = append(out, w)
		}
	}
	return out
}

func (d *fakeDir) setOffline(id string, off bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offline[id] = off
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func proposal(content string) model.Message {
	return model.Message{Type: model.MsgProposal, Content: content}
}

func TestDeliver_PerChannelSequence(t *testing.T) {
	dir := newFakeDir("author-1", "reviewer-1")
	r := New(dir, Config{})

	for i := 0; i < 5; i++ {
		_, err := r.Deliver("author-1", "reviewer-1", proposal("draft"))
		require.NoError(t, err)
	}
	rec, err := r.Deliver("coordinator", "reviewer-1", proposal("other channel"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Message.Seq, "each channel numbers independently")

	var last uint64
	for _, m := range r.Fetch("reviewer-1") {
		if m.Sender != "author-1" {
			continue
		}
		assert.Greater(t, m.Seq, last)
		last = m.Seq
		assert.NotEmpty(t, m.ID)
		assert.False(t, m.Timestamp.IsZero())
	}
	assert.Equal(t, uint64(5), last)
}

func TestDeliver_RejectsInvalid(t *testing.T) {
	r := New(newFakeDir("a"), Config{})

	_, err := r.Deliver("a", "b", model.Message{Type: "gossip"})
	assert.ErrorIs(t, err, model.ErrInvalidMessage)
	_, err = r.Deliver("", "a", proposal("x"))
	assert.ErrorIs(t, err, model.ErrInvalidMessage)
	_, err = r.Deliver("a", model.Broadcast, proposal("x"))
	assert.ErrorIs(t, err, model.ErrInvalidMessage)
}

func TestFetchAck_AtLeastOnce(t *testing.T) {
	r := New(newFakeDir("w1"), Config{})
	rec, err := r.Deliver(model.CoordinatorID, "w1", proposal("task"))
	require.NoError(t, err)

	assert.Len(t, r.Fetch("w1"), 1)
	assert.Len(t, r.Fetch("w1"), 1, "unacked mail is redelivered")
	assert.Equal(t, 1, r.Ack("w1", rec.Message.ID))
	assert.Empty(t, r.Fetch("w1"))
	assert.Equal(t, 0, r.Ack("w1", rec.Message.ID))
}

func TestBroadcast_ExcludesSenderAndUnreachable(t *testing.T) {
	dir := newFakeDir("a", "b", "c")
	dir.setOffline("c", true)
	r := New(dir, Config{})

	receipts, err := r.Broadcast("a", proposal("hello"))
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "b", receipts[0].Message.Recipient)
	assert.Empty(t, r.Fetch("a"))
	assert.Empty(t, r.Fetch("c"))
	assert.Equal(t, 1, r.Sent("a"))
}

func TestBudgetWarning_NonBlocking(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()
	recent := events.Track(bus, 10)
	defer recent.Stop()

	r := New(newFakeDir("chatty", "peer"), Config{MessageBudget: 2}, WithEventBus(bus))
	for i := 0; i < 4; i++ {
		_, err := r.Deliver("chatty", "peer", proposal("again"))
		require.NoError(t, err, "delivery proceeds past the budget")
	}
	assert.Len(t, r.Fetch("peer"), 4)

	require.Eventually(t, func() bool {
		return len(recent.OfType(events.EventBudgetWarning)) == 1
	}, time.Second, 5*time.Millisecond)
	e := recent.OfType(events.EventBudgetWarning)[0]
	assert.Equal(t, "chatty", e.Data["worker_id"])

	r.ResetBudget("chatty")
	assert.Zero(t, r.Sent("chatty"))
}

func TestUnreachable_QueuedThenDropped(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()
	recent := events.Track(bus, 10)
	defer recent.Stop()

	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	dir := newFakeDir("w1")
	dir.setOffline("w1", true)
	r := New(dir, Config{QueueTTL: 10 * time.Second}, WithEventBus(bus), WithClock(clk.Now))

	rec, err := r.Deliver(model.CoordinatorID, "w1", proposal("are you there"))
	require.NoError(t, err)
	assert.True(t, rec.Queued)
	assert.Equal(t, 1, r.Pending("w1"))

	clk.Advance(5 * time.Second)
	r.Flush()
	assert.Equal(t, 1, r.Pending("w1"), "still inside the queue interval")

	clk.Advance(6 * time.Second)
	r.Flush()
	assert.Zero(t, r.Pending("w1"))
	require.Len(t, r.DeadLetters(), 1)
	assert.Equal(t, rec.Message.ID, r.DeadLetters()[0].Message.ID)

	require.Eventually(t, func() bool {
		return len(recent.OfType(events.EventNotDelivered)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestUnreachable_QueuedMailKeepsOrderOnReturn(t *testing.T) {
	dir := newFakeDir("w1")
	dir.setOffline("w1", true)
	r := New(dir, Config{})

	_, err := r.Deliver(model.CoordinatorID, "w1", proposal("first"))
	require.NoError(t, err)
	_, err = r.Deliver(model.CoordinatorID, "w1", proposal("second"))
	require.NoError(t, err)

	dir.setOffline("w1", false)
	_, err = r.Deliver(model.CoordinatorID, "w1", proposal("third"))
	require.NoError(t, err)

	box := r.Fetch("w1")
	require.Len(t, box, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{box[0].Content, box[1].Content, box[2].Content})
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{box[0].Seq, box[1].Seq, box[2].Seq})
}

func TestOnDeliverHook(t *testing.T) {
	r := New(newFakeDir("w1"), Config{})
	var got []string
	r.OnDeliver(func(m model.Message) { got = append(got, m.Content) })

	_, err := r.Deliver("w1", model.CoordinatorID, proposal("done"))
	require.NoError(t, err)
	assert.Equal(t, []string{"done"}, got)
}

func TestTailIsBounded(t *testing.T) {
	r := New(newFakeDir("w1"), Config{LogTailSize: 3})
	for _, c := range []string{"1", "2", "3", "4", "5"} {
		_, err := r.Deliver(model.CoordinatorID, "w1", proposal(c))
		require.NoError(t, err)
	}
	tail := r.Tail()
	require.Len(t, tail, 3)
	assert.Equal(t, "3", tail[0].Content)
	assert.Equal(t, "5", tail[2].Content)
}

func TestStateRestore_SequencesNeverRewind(t *testing.T) {
	dir := newFakeDir("w1")
	r := New(dir, Config{})
	for i := 0; i < 3; i++ {
		_, err := r.Deliver(model.CoordinatorID, "w1", proposal("x"))
		require.NoError(t, err)
	}
	st := r.State()

	resumed := New(dir, Config{})
	resumed.Restore(st)
	resumed.Restore(st)
	rec, err := resumed.Deliver(model.CoordinatorID, "w1", proposal("after resume"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rec.Message.Seq)
	assert.Equal(t, st.Tail, resumed.State().Tail[:3])
}

func TestSequenceTracker_CrossedMessages(t *testing.T) {
	tr := NewSequenceTracker()
	m := func(seq uint64, content string) model.Message {
		return model.Message{Sender: "a", Recipient: "b", Seq: seq, Content: content}
	}

	assert.False(t, tr.Observe(m(1, "v1")).Stale)
	assert.False(t, tr.Observe(m(3, "v3")).Stale)

	obs := tr.Observe(m(2, "v2 crossed"))
	assert.True(t, obs.Stale)
	assert.Equal(t, "v3", obs.Current.Content, "act on the most recent state")

	assert.True(t, tr.Observe(m(3, "dup")).Stale)
	last, ok := tr.Last(model.Channel{Sender: "a", Recipient: "b"})
	require.True(t, ok)
	assert.Equal(t, uint64(3), last.Seq)
}

func TestSequenceTracker_ReceiveFlagsCrossedAndKeepsRedeliveries(t *testing.T) {
	r := New(newFakeDir("a", "b"), Config{})
	first, err := r.Deliver("a", "b", model.Message{Type: model.MsgProposal, Content: "v1"})
	require.NoError(t, err)
	second, err := r.Deliver("a", "b", model.Message{Type: model.MsgCounterProposal, Content: "v2"})
	require.NoError(t, err)

	tr := NewSequenceTracker()
	in := tr.Receive([]model.Message{second.Message, first.Message})
	require.Len(t, in, 2)
	assert.False(t, in[0].Stale)
	assert.True(t, in[1].Stale, "v1 crossed behind v2")
	assert.Equal(t, second.Message.ID, in[1].SupersededBy)

	again := tr.Receive(r.Fetch("b"))
	require.Len(t, again, 2)
	assert.True(t, again[0].Stale)
	assert.False(t, again[1].Stale, "an unacked message fetched again is still current")
}

func TestBarrier_ReleasesAtomicallyOnQuota(t *testing.T) {
	participants := []string{"c1", "c2", "c3"}
	r := New(newFakeDir(participants...), Config{})

	var releases []Release
	r.OnBarrierRelease(func(rel Release) { releases = append(releases, rel) })

	b, err := r.Barrier("sess_1", 3, time.Minute, participants)
	require.NoError(t, err)

	require.NoError(t, r.Submit("c1", model.Message{Type: model.MsgProposal, SessionID: "sess_1", Content: "idea 1"}))
	require.NoError(t, r.Submit("c2", model.Message{Type: model.MsgProposal, SessionID: "sess_1", Content: "idea 2"}))
	for _, p := range participants {
		assert.Empty(t, r.Fetch(p), "submissions stay blind until release")
	}
	assert.ErrorIs(t, b.Submit("c1", proposal("again")), ErrDuplicateSubmission)

	require.NoError(t, r.Submit("c3", model.Message{Type: model.MsgProposal, SessionID: "sess_1", Content: "idea 3"}))

	rel, err := b.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, rel.Incomplete)
	assert.Len(t, rel.Submissions, 3)
	for _, p := range participants {
		assert.Len(t, r.Fetch(p), 3, "participant %s sees the full set", p)
	}
	require.Len(t, releases, 1)

	assert.ErrorIs(t, b.Submit("c3", proposal("late")), ErrBarrierReleased)
	assert.ErrorIs(t, r.Submit("c3", model.Message{Type: model.MsgProposal, SessionID: "sess_1"}), ErrNoBarrier)
}

func TestBarrier_TimeoutReleasesPartialSet(t *testing.T) {
	participants := []string{"c1", "c2", "c3"}
	r := New(newFakeDir(participants...), Config{})

	b, err := r.Barrier("sess_2", 3, 50*time.Millisecond, participants)
	require.NoError(t, err)
	require.NoError(t, b.Submit("c1", proposal("a")))
	require.NoError(t, b.Submit("c2", proposal("b")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rel, err := b.Wait(ctx)
	require.NoError(t, err, "barrier must not hang past its timeout")
	assert.True(t, rel.Incomplete)
	assert.Len(t, rel.Submissions, 2)
	assert.Equal(t, 3, rel.Expected)
	assert.Equal(t, []string{"c3"}, rel.Missing)
	for _, p := range participants {
		assert.Len(t, r.Fetch(p), 2)
	}
}

func TestBarrier_OnePerSession(t *testing.T) {
	r := New(newFakeDir("a"), Config{})
	_, err := r.Barrier("s", 1, time.Minute, nil)
	require.NoError(t, err)
	_, err = r.Barrier("s", 1, time.Minute, nil)
	assert.ErrorIs(t, err, ErrBarrierExists)

	_, err = r.Barrier("bad", 0, time.Minute, nil)
	assert.Error(t, err)
}

func TestCancelBarrier_WakesWaiters(t *testing.T) {
	r := New(newFakeDir("a"), Config{})
	b, err := r.Barrier("s", 2, time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, b.Submit("a", proposal("x")))

	r.CancelBarrier("s")
	rel, err := b.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, rel.Incomplete)
	assert.Empty(t, rel.Submissions)
	assert.Empty(t, r.Fetch("a"))
}

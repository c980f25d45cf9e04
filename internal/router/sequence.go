package router

import (
	"sync"

	"github.com/msageha/troupe/internal/model"
)

// SequenceTracker is the receiver-side view of channel order. Messages that
// cross in flight can arrive after a newer one on the same channel; the
// tracker flags those as stale and hands back the newest message instead.
type SequenceTracker struct {
	mu     sync.Mutex
	latest map[model.Channel]model.Message
	// ids of messages already taken as current, until forgotten
	ids map[string]bool
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{
		latest: make(map[model.Channel]model.Message),
		ids:    make(map[string]bool),
	}
}

// Observation is the result of observing one inbound message.
type Observation struct {
	// Stale is true when msg is not newer than what the channel already showed.
	Stale bool
	// Current is the message to act on: msg itself, or the newer one seen
	// earlier when msg is stale.
	Current model.Message
}

// Observe records msg as the newest on its channel unless a message with an
// equal or higher sequence was seen before. A message already taken as
// current once is a redelivery, not a stale message.
func (t *SequenceTracker) Observe(msg model.Message) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.ID != "" && t.ids[msg.ID] {
		return Observation{Current: msg}
	}
	ch := msg.Channel()
	if last, ok := t.latest[ch]; ok && msg.Seq <= last.Seq {
		return Observation{Stale: true, Current: last}
	}
	t.latest[ch] = msg
	if msg.ID != "" {
		t.ids[msg.ID] = true
	}
	return Observation{Current: msg}
}

// Forget drops acknowledged message ids. The channel's newest sequence is
// kept.
func (t *SequenceTracker) Forget(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.ids, id)
	}
}

// Last returns the newest message seen on a channel.
func (t *SequenceTracker) Last(ch model.Channel) (model.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.latest[ch]
	return m, ok
}

// Inbound is a fetched message as its receiver sees it. A stale message
// names the newer message on its channel that supersedes it.
type Inbound struct {
	model.Message
	Stale        bool   `json:"stale,omitempty"`
	SupersededBy string `json:"superseded_by,omitempty"`
}

// Receive observes a fetched inbox in order.
func (t *SequenceTracker) Receive(msgs []model.Message) []Inbound {
	out := make([]Inbound, 0, len(msgs))
	for _, m := range msgs {
		obs := t.Observe(m)
		in := Inbound{Message: m, Stale: obs.Stale}
		if obs.Stale {
			in.SupersededBy = obs.Current.ID
		}
		out = append(out, in)
	}
	return out
}

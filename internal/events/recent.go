package events

import "sync"

// Recent keeps the last N events published on a bus, oldest first.
type Recent struct {
	mu     sync.Mutex
	limit  int
	events []Event
	unsub  func()
}

// Track subscribes to every event type on bus and retains up to limit events.
func Track(bus *Bus, limit int) *Recent {
	if limit <= 0 {
		limit = 50
	}
	r := &Recent{limit: limit}
	r.unsub = bus.SubscribeAll(r.add)
	return r
}

func (r *Recent) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if over := len(r.events) - r.limit; over > 0 {
		r.events = append([]Event(nil), r.events[over:]...)
	}
}

func (r *Recent) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the retained events of one type.
func (r *Recent) OfType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recent) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
}

package router

import (
	"sort"

	"github.com/msageha/troupe/internal/model"
)

// ChannelSeq is the last sequence number issued on one channel.
type ChannelSeq struct {
	Sender    string `yaml:"sender" json:"sender"`
	Recipient string `yaml:"recipient" json:"recipient"`
	Seq       uint64 `yaml:"seq" json:"seq"`
}

// State is the part of the router that survives a restart: sequence counters,
// budget usage and the bounded message-log tail. Inbox contents are not kept;
// workers re-sync from the board after a resume.
type State struct {
	Channels []ChannelSeq    `yaml:"channels" json:"channels"`
	Sent     map[string]int  `yaml:"sent,omitempty" json:"sent,omitempty"`
	Tail     []model.Message `yaml:"tail,omitempty" json:"tail,omitempty"`
}

func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := State{
		Channels: make([]ChannelSeq, 0, len(r.seq)),
		Sent:     make(map[string]int, len(r.sent)),
		Tail:     append([]model.Message(nil), r.tail...),
	}
	for ch, n := range r.seq {
		s.Channels = append(s.Channels, ChannelSeq{Sender: ch.Sender, Recipient: ch.Recipient, Seq: n})
	}
	sort.Slice(s.Channels, func(i, j int) bool {
		a, b := s.Channels[i], s.Channels[j]
		if a.Sender != b.Sender {
			return a.Sender < b.Sender
		}
		return a.Recipient < b.Recipient
	})
	for w, n := range r.sent {
		s.Sent[w] = n
	}
	return s
}

// Restore loads counters from s. Sequence numbers only move forward, so a
// replayed restore never lets a channel reuse a number.
func (r *Router) Restore(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range s.Channels {
		ch := model.Channel{Sender: c.Sender, Recipient: c.Recipient}
		if c.Seq > r.seq[ch] {
			r.seq[ch] = c.Seq
		}
	}
	for w, n := range s.Sent {
		if n > r.sent[w] {
			r.sent[w] = n
		}
	}
	if len(s.Tail) > 0 {
		r.tail = append([]model.Message(nil), s.Tail...)
		if over := len(r.tail) - r.cfg.LogTailSize; over > 0 {
			r.tail = r.tail[over:]
		}
	}
}

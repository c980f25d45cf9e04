package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/msageha/troupe/internal/events"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{`"quote" and \backslash`, `\"quote\" and \\backslash`},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeAppleScript(tt.input), "input %q", tt.input)
	}
}

func TestAttach(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	detach := Attach(bus, "demo", func(title, message string) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, title+"|"+message)
		return nil
	}, nil)

	bus.Publish(events.EventEscalated, map[string]any{"task_id": "task_1", "owner": "author-1"})
	bus.Publish(events.EventBudgetWarning, map[string]any{"worker": "author-1"})
	bus.Publish(events.EventDissolutionStarted, map[string]any{"reason": "done"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []string{
		"troupe: demo|Task task_1 escalated (owner author-1)",
		"troupe: demo|Team dissolving: done",
	}, got)
	mu.Unlock()

	detach()
	bus.Publish(events.EventEscalated, map[string]any{"task_id": "task_2"})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 2, "no notifications after detach")
	mu.Unlock()
}

func TestMessage_WorkerReplaced(t *testing.T) {
	msg := Message(events.Event{Type: events.EventWorkerReplaced, Data: map[string]any{
		"old_id": "reviewer-2", "new_id": "reviewer-4", "reason": "no response after 3 nudges",
	}})
	assert.Equal(t, "Worker reviewer-2 replaced by reviewer-4: no response after 3 nudges", msg)
}

package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/troupe/internal/board"
	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/pattern"
	"github.com/msageha/troupe/internal/router"
)

func sources(t *testing.T) (Sources, string) {
	t.Helper()
	b := board.New()
	t.Cleanup(b.Close)
	require.NoError(t, b.RegisterWorker("author-1", model.RoleAuthor))
	require.NoError(t, b.RegisterWorker("reviewer-1", model.RoleReviewer))
	rt := router.New(b, router.Config{})
	e := pattern.New(b, rt, model.PatternConfig{})

	id, err := b.CreateTask("parser", "")
	require.NoError(t, err)
	owner := "author-1"
	st := model.StatusInProgress
	require.NoError(t, b.UpdateTask(id, board.TaskUpdate{Owner: &owner, Status: &st}))
	_, err = b.CreateTask("docs", "")
	require.NoError(t, err)
	require.NoError(t, b.ObservePoll())

	require.NoError(t, b.SetReachability("reviewer-1", model.ReachabilityUnreachable))
	_, err = rt.Deliver("author-1", "reviewer-1", model.Message{Type: model.MsgCheckpoint, Content: "ready"})
	require.NoError(t, err)

	_, err = e.Start(t.Context(), model.ProtocolReviewLoop, map[model.Role][]string{
		model.RoleAuthor:   {"author-1"},
		model.RoleReviewer: {"reviewer-1"},
	}, 0)
	require.NoError(t, err)
	return Sources{Board: b, Router: rt, Sessions: e, StaleThreshold: 1}, id
}

func TestCollect(t *testing.T) {
	src, staleID := sources(t)
	r := Collect(src)

	assert.Equal(t, 1, r.Counts[model.StatusInProgress])
	assert.Equal(t, 1, r.Counts[model.StatusPending])
	assert.Len(t, r.Tasks, 2)
	assert.Equal(t, []string{staleID}, r.Stale)

	require.Len(t, r.Workers, 2)
	byID := map[string]WorkerRow{}
	for _, w := range r.Workers {
		byID[w.ID] = w
	}
	assert.Equal(t, 1, byID["author-1"].Owned)
	assert.Equal(t, 1, byID["author-1"].Sent)
	assert.Equal(t, 1, byID["reviewer-1"].Pending)
	assert.Equal(t, model.ReachabilityUnreachable, byID["reviewer-1"].Reachability)

	require.Len(t, r.Sessions, 1)
	assert.Equal(t, model.ProtocolReviewLoop, r.Sessions[0].Protocol)
}

func TestRender(t *testing.T) {
	src, staleID := sources(t)
	r := Collect(src)
	r.Daemon.Running = true

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, r))
	out := buf.String()
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "in_progress=1")
	assert.Contains(t, out, "stale: "+staleID)
	assert.Contains(t, out, "author-1")
	assert.Contains(t, out, "review_loop")
}

func TestRender_Stopped(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, Report{}))
	assert.Contains(t, buf.String(), "stopped")
	assert.NotContains(t, buf.String(), "Workers")
}

func TestRun_NoDaemon(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Run(t.TempDir(), true, &buf))
	var r Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &r))
	assert.False(t, r.Daemon.Running)
}

func TestCollect_RecentEvents(t *testing.T) {
	bus := events.NewBus(32)
	defer bus.Close()
	recent := events.Track(bus, 50)
	defer recent.Stop()

	b := board.New(board.WithEventBus(bus))
	t.Cleanup(b.Close)
	rt := router.New(b, router.Config{})
	for i := range 12 {
		bus.Publish(events.EventStaleTask, map[string]any{"task_id": fmt.Sprintf("task_%d", i), "checks": 3})
	}
	require.Eventually(t, func() bool { return len(recent.Events()) == 12 }, time.Second, 5*time.Millisecond)

	r := Collect(Sources{Board: b, Router: rt, Recent: recent})
	require.Len(t, r.Events, maxEvents)
	assert.Equal(t, "stale_task", r.Events[0].Type)
	assert.Equal(t, "checks=3 task_id=task_2", r.Events[0].Detail, "oldest two dropped, keys sorted")

	r.Daemon.Running = true
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, r))
	assert.Contains(t, buf.String(), "Recent events")
	assert.Contains(t, buf.String(), "task_id=task_11")
}

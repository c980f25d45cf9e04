package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/msageha/troupe/internal/board"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/router"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, call Call) (string, error) {
	args := m.Called(ctx, call)
	return args.String(0), args.Error(1)
}

func calls(n int) []Call {
	out := make([]Call, n)
	for i := range out {
		out[i] = Call{Role: model.RoleSubworker, Input: "part"}
	}
	return out
}

func TestValidate(t *testing.T) {
	l := LimitsFrom(model.DispatchConfig{})
	assert.NoError(t, Validate(0, 5, 0, "coordinator", l))
	assert.NoError(t, Validate(1, 5, 1, "w1", l))

	err := Validate(2, 1, 0, "w1", l)
	var de *model.DepthError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, model.ErrDepthExceeded)
	assert.Equal(t, 2, de.Depth)

	err = Validate(1, 6, 0, "w1", l)
	var fe *model.FanoutError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, model.ErrFanoutExceeded)
	assert.Equal(t, 6, fe.Requested)

	assert.ErrorIs(t, Validate(1, 1, 2, "w1", l), model.ErrFanoutExceeded)
}

func TestLimitsFrom_NeverRelaxesCeilings(t *testing.T) {
	l := LimitsFrom(model.DispatchConfig{MaxDepth: 9, MaxFanout: 50, MaxBatches: 10})
	assert.Equal(t, Limits{MaxDepth: 2, MaxFanout: 5, MaxBatches: 2}, l)
	l = LimitsFrom(model.DispatchConfig{MaxDepth: 1, MaxFanout: 3, MaxBatches: 1})
	assert.Equal(t, Limits{MaxDepth: 1, MaxFanout: 3, MaxBatches: 1}, l)
}

func TestDepthContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, 0, Depth(ctx))
	assert.False(t, Terminal(ctx))
	ctx = SessionWorker(ctx)
	assert.Equal(t, 1, Depth(ctx))
	assert.True(t, Terminal(WithDepth(ctx, 2)))
	_, ok := Parent(ctx)
	assert.False(t, ok)
}

func TestDispatch_FanoutOfSixRejectedFiveSucceeds(t *testing.T) {
	exec := &mockExecutor{}
	var mu sync.Mutex
	var depths []int
	exec.On("Execute", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		mu.Lock()
		depths = append(depths, Depth(ctx))
		mu.Unlock()
		p, ok := Parent(ctx)
		assert.True(t, ok)
		assert.Equal(t, "w1", p)
		assert.True(t, Terminal(ctx))
	}).Return("done", nil)

	c := New(exec, model.DispatchConfig{})
	ctx := SessionWorker(context.Background())

	_, err := c.Dispatch(ctx, "w1", calls(6))
	assert.ErrorIs(t, err, model.ErrFanoutExceeded)
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	assert.Zero(t, c.Batches("w1"), "a rejected batch does not count")

	b, err := c.Dispatch(ctx, "w1", calls(5))
	require.NoError(t, err)
	exec.AssertNumberOfCalls(t, "Execute", 5)
	assert.Len(t, b.Results, 5)
	assert.Equal(t, []int{2, 2, 2, 2, 2}, depths)
	assert.Equal(t, 1, c.Batches("w1"))
}

func TestDispatch_DepthTwoCannotDispatch(t *testing.T) {
	exec := &mockExecutor{}
	c := New(exec, model.DispatchConfig{})
	_, err := c.Dispatch(WithDepth(context.Background(), 2), "sub1", calls(1))
	assert.ErrorIs(t, err, model.ErrDepthExceeded)
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestDispatch_AtMostTwoBatchesPerParent(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, mock.Anything).Return("ok", nil)
	c := New(exec, model.DispatchConfig{})
	ctx := SessionWorker(context.Background())

	for range 2 {
		_, err := c.Dispatch(ctx, "w1", calls(2))
		require.NoError(t, err)
	}
	_, err := c.Dispatch(ctx, "w1", calls(1))
	var fe *model.FanoutError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 2, fe.Batches)
	assert.NoError(t, c.Check(ctx, "w2", 1), "budget is per parent")
	assert.ErrorIs(t, c.Check(ctx, "w1", 1), model.ErrFanoutExceeded)
}

func TestRestore_BatchBudgetSurvivesRestart(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, mock.Anything).Return("ok", nil)
	ctx := SessionWorker(context.Background())

	before := New(exec, model.DispatchConfig{})
	_, err := before.Dispatch(ctx, "w1", calls(1))
	require.NoError(t, err)
	saved := before.Snapshot()
	assert.Equal(t, map[string]int{"w1": 1}, saved)

	after := New(exec, model.DispatchConfig{})
	after.Restore(saved)
	_, err = after.Dispatch(ctx, "w1", calls(1))
	require.NoError(t, err)
	assert.ErrorIs(t, after.Check(ctx, "w1", 1), model.ErrFanoutExceeded)

	saved["w1"] = 0
	assert.Equal(t, 2, after.Batches("w1"), "restore copies the map")
}

func TestDispatch_ConcurrentBatchesCannotOvershoot(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, mock.Anything).Return("ok", nil)
	c := New(exec, model.DispatchConfig{})
	ctx := SessionWorker(context.Background())

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for range 8 {
		wg.Go(func() {
			if _, err := c.Dispatch(ctx, "w1", calls(1)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 2, accepted)
}

func TestDispatch_PerCallTimeoutFailsOnlyThatCall(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, Call{Role: model.RoleSubworker, Input: "slow"}).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return("", context.DeadlineExceeded)
	exec.On("Execute", mock.Anything, Call{Role: model.RoleSubworker, Input: "fast"}).Return("quick answer", nil)
	exec.On("Execute", mock.Anything, Call{Role: model.RoleSubworker, Input: "broken"}).Return("", errors.New("tool crashed"))

	c := New(exec, model.DispatchConfig{})
	c.callTimeout = 20 * time.Millisecond

	b, err := c.Dispatch(SessionWorker(context.Background()), "w1", []Call{
		{Role: model.RoleSubworker, Input: "fast"},
		{Role: model.RoleSubworker, Input: "slow"},
		{Role: model.RoleSubworker, Input: "broken"},
	})
	require.NoError(t, err)
	require.Len(t, b.Results, 3)
	assert.True(t, b.Results[0].OK())
	assert.Equal(t, "quick answer", b.Results[0].Output)
	assert.Contains(t, b.Results[1].Err, "deadline exceeded")
	assert.Equal(t, "tool crashed", b.Results[2].Err)

	assert.Equal(t, model.MsgCheckpoint, b.Message.Type)
	assert.Equal(t, "w1", b.Message.Sender)
	assert.Contains(t, b.Message.Summary, "1/3 sub-calls succeeded")
	assert.Contains(t, b.Message.Content, "[1] subworker ok: quick answer")
	assert.Contains(t, b.Message.Content, "[3] subworker failed: tool crashed")
}

func TestDispatch_RoleWithoutDispatchCapability(t *testing.T) {
	b := board.New()
	t.Cleanup(b.Close)
	require.NoError(t, b.RegisterWorker("j", model.RoleJudge))
	exec := &mockExecutor{}
	c := New(exec, model.DispatchConfig{}, WithDirectory(b))

	_, err := c.Dispatch(SessionWorker(context.Background()), "j", calls(1))
	assert.ErrorIs(t, err, ErrNotPermitted)
	_, err = c.Dispatch(SessionWorker(context.Background()), "ghost", calls(1))
	assert.ErrorIs(t, err, model.ErrWorkerNotFound)
	_, err = c.Dispatch(context.Background(), "anyone", nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

type fakeSessions struct {
	snaps map[string]model.SessionSnapshot
}

func (f fakeSessions) SessionsOf(workerID string) []string {
	var ids []string
	for id, s := range f.snaps {
		for _, ws := range s.Roles {
			for _, w := range ws {
				if w == workerID {
					ids = append(ids, id)
				}
			}
		}
	}
	return ids
}

func (f fakeSessions) Session(id string) (model.SessionSnapshot, error) {
	s, ok := f.snaps[id]
	if !ok {
		return model.SessionSnapshot{}, model.ErrSessionNotFound
	}
	return s, nil
}

func TestDispatch_PeersSeeOneFoldedMessage(t *testing.T) {
	bd := board.New()
	t.Cleanup(bd.Close)
	for id, r := range map[string]model.Role{"a": model.RoleAuthor, "r1": model.RoleReviewer, "r2": model.RoleReviewer} {
		require.NoError(t, bd.RegisterWorker(id, r))
	}
	rt := router.New(bd, router.Config{})
	sessions := fakeSessions{snaps: map[string]model.SessionSnapshot{
		"sess_1": {ID: "sess_1", Roles: map[model.Role][]string{model.RoleAuthor: {"a"}, model.RoleReviewer: {"r1", "r2"}}},
	}}
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, mock.Anything).Return("finding", nil)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	c := New(exec, model.DispatchConfig{}, WithDirectory(bd), WithPeers(sessions, rt), WithTracer(tp.Tracer("test")))

	b, err := c.Dispatch(SessionWorker(context.Background()), "a", calls(4))
	require.NoError(t, err)

	for _, peer := range []string{"r1", "r2"} {
		inbox := rt.Fetch(peer)
		require.Len(t, inbox, 1, "one folded message per peer, never the raw results")
		assert.Equal(t, b.Message.Summary, inbox[0].Summary)
		assert.Equal(t, "sess_1", inbox[0].SessionID)
	}
	assert.Empty(t, rt.Fetch("a"))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "dispatch.batch", spans[0].Name())
}

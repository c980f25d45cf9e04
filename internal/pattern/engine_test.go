package pattern

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/troupe/internal/board"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/router"
)

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

type harness struct {
	board  *board.Board
	router *router.Router
	engine *Engine
	clock  *clock
}

func newHarness(t *testing.T, workers map[string]model.Role, opts ...Option) *harness {
	t.Helper()
	b := board.New()
	t.Cleanup(b.Close)
	for id, r := range workers {
		require.NoError(t, b.RegisterWorker(id, r))
	}
	rt := router.New(b, router.Config{})
	c := &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	e := New(b, rt, model.PatternConfig{DefaultMaxRounds: 3, RecheckBaseMs: 1000, RecheckMaxMs: 8000, MaxNudges: 3}, opts...)
	rt.OnBarrierRelease(e.OnBarrierRelease)
	return &harness{board: b, router: rt, engine: e, clock: c}
}

func msg(sessionID, sender string, t model.MessageType, summary string) model.Message {
	return model.Message{SessionID: sessionID, Sender: sender, Type: t, Summary: summary}
}

func (h *harness) send(t *testing.T, m model.Message) model.SessionSnapshot {
	t.Helper()
	snap, err := h.engine.Handle(context.Background(), m)
	require.NoError(t, err)
	return snap
}

func TestReviewLoop_UnanimousApprovalTerminatesHigh(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"a": model.RoleAuthor, "r1": model.RoleReviewer, "r2": model.RoleReviewer})
	var ended []model.SessionSnapshot
	h.engine.OnTerminate(func(s model.SessionSnapshot) { ended = append(ended, s) })

	s, err := h.engine.Start(context.Background(), model.ProtocolReviewLoop,
		map[model.Role][]string{model.RoleAuthor: {"a"}, model.RoleReviewer: {"r1", "r2"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseActive, s.Phase)
	assert.Equal(t, 3, s.MaxRounds)

	s = h.send(t, msg(s.ID, "a", model.MsgProposal, "draft 1"))
	assert.Equal(t, model.PhaseConverging, s.Phase)
	s = h.send(t, msg(s.ID, "r1", model.MsgCheckpoint, "lgtm"))
	s = h.send(t, msg(s.ID, "r2", model.MsgCorrectionRequired, "fix naming"))
	assert.Equal(t, model.PhaseActive, s.Phase)
	assert.Equal(t, 2, s.Round)
	assert.Empty(t, s.Approvals)

	s = h.send(t, msg(s.ID, "a", model.MsgProposal, "draft 2"))
	s = h.send(t, msg(s.ID, "r1", model.MsgCheckpoint, "lgtm"))
	s = h.send(t, msg(s.ID, "r2", model.MsgCheckpoint, "lgtm"))
	assert.Equal(t, model.PhaseTerminated, s.Phase)
	assert.Equal(t, model.ConfidenceHigh, s.Confidence)
	require.Len(t, ended, 1)
	assert.Equal(t, s.ID, ended[0].ID)

	_, err = h.engine.Handle(context.Background(), msg(s.ID, "a", model.MsgProposal, "late"))
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestHandle_RejectsWithoutChangingSession(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"a": model.RoleAuthor, "r1": model.RoleReviewer, "x": model.RoleJudge})
	s, err := h.engine.Start(context.Background(), model.ProtocolReviewLoop,
		map[model.Role][]string{model.RoleAuthor: {"a"}, model.RoleReviewer: {"r1"}}, 0)
	require.NoError(t, err)

	_, err = h.engine.Handle(context.Background(), msg(s.ID, "r1", model.MsgProposal, "not mine to propose"))
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
	_, err = h.engine.Handle(context.Background(), msg(s.ID, "x", model.MsgProposal, "outsider"))
	assert.ErrorIs(t, err, ErrNotMember)
	_, err = h.engine.Handle(context.Background(), msg("sess_missing", "a", model.MsgProposal, ""))
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	after, err := h.engine.Session(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, after)
}

func TestHandle_CrossedMessageKeepsNewerState(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"a": model.RoleAuthor, "r1": model.RoleReviewer})
	ctx := context.Background()
	s, err := h.engine.Start(ctx, model.ProtocolReviewLoop,
		map[model.Role][]string{model.RoleAuthor: {"a"}, model.RoleReviewer: {"r1"}}, 0)
	require.NoError(t, err)
	h.send(t, msg(s.ID, "a", model.MsgProposal, "draft 1"))

	lgtm, err := h.router.Deliver("r1", "a", msg(s.ID, "r1", model.MsgCheckpoint, "lgtm"))
	require.NoError(t, err)
	fix, err := h.router.Deliver("r1", "a", msg(s.ID, "r1", model.MsgCorrectionRequired, "fix naming"))
	require.NoError(t, err)

	require.NoError(t, h.engine.Check(fix.Message))
	assert.ErrorIs(t, h.engine.Check(msg(s.ID, "r1", model.MsgProposal, "")), ErrUnexpectedMessage)
	after := h.send(t, fix.Message)
	assert.Equal(t, model.PhaseActive, after.Phase)
	assert.Equal(t, 2, after.Round)

	snap, err := h.engine.Handle(ctx, lgtm.Message)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, after, snap, "the newer correction stands")
	assert.Empty(t, snap.Approvals)
}

func TestDefinitions_RuleAndApproveFollowCapabilities(t *testing.T) {
	for _, p := range Protocols() {
		d, err := Lookup(p)
		require.NoError(t, err)
		for k, st := range d.transitions {
			switch st.effect {
			case effectRule:
				require.NotEmpty(t, st.from, "%s %s/%s", p, k.phase, k.msg)
				for _, r := range st.from {
					assert.True(t, r.Capability().MayRule, "%s: %s rules without the capability", p, r)
				}
			case effectApprove:
				require.NotEmpty(t, st.from, "%s %s/%s", p, k.phase, k.msg)
				for _, r := range st.from {
					assert.True(t, r.Capability().MayVote, "%s: %s votes without the capability", p, r)
				}
			}
		}
	}

	debate, err := Lookup(model.ProtocolDebate)
	require.NoError(t, err)
	assert.True(t, debate.Accepts(model.PhaseActive, model.MsgCheckpoint, model.RoleJudge))
	assert.False(t, debate.Accepts(model.PhaseActive, model.MsgCheckpoint, model.RoleDebater), "debaters may not rule")
	review, err := Lookup(model.ProtocolReviewLoop)
	require.NoError(t, err)
	assert.False(t, review.Accepts(model.PhaseConverging, model.MsgCheckpoint, model.RoleAuthor), "authors do not vote")
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	got := truncate(strings.Repeat("é", 150), 200)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 100)+"...", got)

	got = truncate("a"+strings.Repeat("é", 150), 200)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "a"+strings.Repeat("é", 99)+"...", got)

	assert.Equal(t, "short", truncate("short", 200))
}

func TestReviewLoop_MaxRoundsForcesLowConfidence(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"a": model.RoleAuthor, "r1": model.RoleReviewer})
	s, err := h.engine.Start(context.Background(), model.ProtocolReviewLoop,
		map[model.Role][]string{model.RoleAuthor: {"a"}, model.RoleReviewer: {"r1"}}, 2)
	require.NoError(t, err)

	for round := 1; round <= 2; round++ {
		s = h.send(t, msg(s.ID, "a", model.MsgProposal, "draft"))
		s = h.send(t, msg(s.ID, "r1", model.MsgCorrectionRequired, "no"))
	}
	assert.Equal(t, model.PhaseTerminated, s.Phase)
	assert.Equal(t, model.ConfidenceLow, s.Confidence)
	assert.Contains(t, s.Outcome, "max rounds reached")
}

func TestStart_ValidatesRoles(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"a": model.RoleAuthor, "j": model.RoleJudge})
	ctx := context.Background()

	_, err := h.engine.Start(ctx, model.ProtocolReviewLoop, map[model.Role][]string{model.RoleAuthor: {"j"}}, 0)
	assert.Error(t, err, "worker registered with another role")
	_, err = h.engine.Start(ctx, model.ProtocolReviewLoop, map[model.Role][]string{model.RoleJudge: {"j"}}, 0)
	assert.Error(t, err, "role does not take part")
	_, err = h.engine.Start(ctx, model.ProtocolReviewLoop, map[model.Role][]string{model.RoleAuthor: {"ghost"}}, 0)
	assert.ErrorIs(t, err, model.ErrWorkerNotFound)
	_, err = h.engine.Start(ctx, "poker_night", nil, 0)
	assert.Error(t, err)
}

func TestForming_JoinActivates(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"a": model.RoleAuthor, "r1": model.RoleReviewer})
	ctx := context.Background()
	s, err := h.engine.Start(ctx, model.ProtocolReviewLoop, map[model.Role][]string{model.RoleAuthor: {"a"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseForming, s.Phase)

	_, err = h.engine.Handle(ctx, msg(s.ID, "a", model.MsgProposal, "too early"))
	assert.ErrorIs(t, err, ErrUnexpectedMessage)

	s, err = h.engine.Join(ctx, s.ID, model.RoleReviewer, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseActive, s.Phase)
}

func TestDebate_RoundsThenRuling(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"d1": model.RoleDebater, "d2": model.RoleDebater, "j": model.RoleJudge})
	s, err := h.engine.Start(context.Background(), model.ProtocolDebate,
		map[model.Role][]string{model.RoleDebater: {"d1", "d2"}, model.RoleJudge: {"j"}}, 2)
	require.NoError(t, err)

	s = h.send(t, msg(s.ID, "d1", model.MsgProposal, "use postgres"))
	assert.Equal(t, 1, s.Round, "round closes only when every debater spoke")
	s = h.send(t, msg(s.ID, "d2", model.MsgCounterProposal, "use sqlite"))
	assert.Equal(t, 2, s.Round)
	s = h.send(t, msg(s.ID, "d1", model.MsgCounterProposal, "scale"))
	s = h.send(t, msg(s.ID, "d2", model.MsgCounterProposal, "simplicity"))
	assert.Equal(t, model.PhaseConverging, s.Phase)

	_, err = h.engine.Handle(context.Background(), msg(s.ID, "d1", model.MsgCounterProposal, "one more"))
	assert.ErrorIs(t, err, ErrUnexpectedMessage)

	s = h.send(t, msg(s.ID, "j", model.MsgCheckpoint, "sqlite for now"))
	assert.Equal(t, model.PhaseTerminated, s.Phase)
	assert.Equal(t, model.ConfidenceHigh, s.Confidence)
	assert.Equal(t, "sqlite for now", s.Outcome)
}

func TestPipeline_StagesInOrderWithSendBack(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"s1": model.RoleStage, "s2": model.RoleStage, "s3": model.RoleStage})
	s, err := h.engine.Start(context.Background(), model.ProtocolPipeline,
		map[model.Role][]string{model.RoleStage: {"s1", "s2", "s3"}}, 0)
	require.NoError(t, err)

	_, err = h.engine.Handle(context.Background(), msg(s.ID, "s2", model.MsgCheckpoint, "out of turn"))
	assert.ErrorIs(t, err, ErrUnexpectedMessage)

	s = h.send(t, msg(s.ID, "s1", model.MsgCheckpoint, "parsed"))
	assert.Equal(t, 1, s.Stage)
	s = h.send(t, msg(s.ID, "s2", model.MsgCorrectionRequired, "bad input"))
	assert.Equal(t, 0, s.Stage)
	assert.Equal(t, 2, s.Round)

	for _, id := range []string{"s1", "s2", "s3"} {
		s = h.send(t, msg(s.ID, id, model.MsgCheckpoint, id+" done"))
	}
	assert.Equal(t, model.PhaseTerminated, s.Phase)
	assert.Equal(t, model.ConfidenceHigh, s.Confidence)
}

func TestDiscovery_BlindContributionsReleaseTogether(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"c1": model.RoleContributor, "c2": model.RoleContributor, "syn": model.RoleSynthesizer},
		WithBarrierTimeout(time.Minute))
	ctx := context.Background()
	s, err := h.engine.Start(ctx, model.ProtocolDiscovery,
		map[model.Role][]string{model.RoleContributor: {"c1", "c2"}, model.RoleSynthesizer: {"syn"}}, 0)
	require.NoError(t, err)

	_, err = h.engine.Handle(ctx, msg(s.ID, "c1", model.MsgProposal, "finding"))
	assert.ErrorIs(t, err, ErrMediated)

	require.NoError(t, h.engine.Submit(ctx, msg(s.ID, "c1", model.MsgProposal, "cache misses")))
	assert.Empty(t, h.router.Fetch("c2"), "nothing visible before the quota")
	assert.ErrorIs(t, h.engine.Submit(ctx, msg(s.ID, "syn", model.MsgProposal, "")), ErrNotMember)

	require.NoError(t, h.engine.Submit(ctx, msg(s.ID, "c2", model.MsgProposal, "lock contention")))
	s, err = h.engine.Session(s.ID)
	require.NoError(t, err)
	assert.True(t, s.Released)
	assert.Equal(t, model.PhaseConverging, s.Phase)
	assert.Len(t, s.Contributions, 2)
	assert.Len(t, h.router.Fetch("syn"), 2)

	s = h.send(t, msg(s.ID, "syn", model.MsgCheckpoint, "both: add a cache and shard the lock"))
	assert.Equal(t, model.PhaseTerminated, s.Phase)
	assert.Equal(t, model.ConfidenceHigh, s.Confidence)
}

func TestDiscovery_PartialReleaseCapsConfidence(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"c1": model.RoleContributor, "c2": model.RoleContributor, "syn": model.RoleSynthesizer},
		WithBarrierTimeout(50*time.Millisecond))
	ctx := context.Background()
	s, err := h.engine.Start(ctx, model.ProtocolDiscovery,
		map[model.Role][]string{model.RoleContributor: {"c1", "c2"}, model.RoleSynthesizer: {"syn"}}, 0)
	require.NoError(t, err)
	require.NoError(t, h.engine.Submit(ctx, msg(s.ID, "c1", model.MsgProposal, "only me")))

	require.Eventually(t, func() bool {
		got, err := h.engine.Session(s.ID)
		return err == nil && got.Released
	}, 2*time.Second, 10*time.Millisecond)

	s = h.send(t, msg(s.ID, "syn", model.MsgCheckpoint, "partial view"))
	assert.Equal(t, model.PhaseTerminated, s.Phase)
	assert.Equal(t, model.ConfidenceMedium, s.Confidence)
}

func TestNestedDispatch_TerminatesOnRelease(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"p": model.RoleRequester, "w1": model.RoleSubworker, "w2": model.RoleSubworker},
		WithBarrierTimeout(time.Minute))
	ctx := context.Background()
	s, err := h.engine.Start(ctx, model.ProtocolNestedDispatch,
		map[model.Role][]string{model.RoleRequester: {"p"}, model.RoleSubworker: {"w1", "w2"}}, 0)
	require.NoError(t, err)

	require.NoError(t, h.engine.Submit(ctx, msg(s.ID, "w1", model.MsgCheckpoint, "part 1")))
	require.NoError(t, h.engine.Submit(ctx, msg(s.ID, "w2", model.MsgCheckpoint, "part 2")))
	s, err = h.engine.Session(s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseTerminated, s.Phase)
	assert.Equal(t, model.ConfidenceHigh, s.Confidence)
}

func TestConsensus_CounterProposalResetsVotes(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"v1": model.RoleVoter, "v2": model.RoleVoter, "v3": model.RoleVoter})
	s, err := h.engine.Start(context.Background(), model.ProtocolConsensus,
		map[model.Role][]string{model.RoleVoter: {"v1", "v2", "v3"}}, 0)
	require.NoError(t, err)

	s = h.send(t, msg(s.ID, "v1", model.MsgProposal, "tabs"))
	s = h.send(t, msg(s.ID, "v2", model.MsgCheckpoint, "ok"))
	s = h.send(t, msg(s.ID, "v3", model.MsgCounterProposal, "spaces"))
	assert.Equal(t, []string{"v3"}, s.Approvals)
	assert.Equal(t, 2, s.Round)

	s = h.send(t, msg(s.ID, "v1", model.MsgCheckpoint, "fine"))
	s = h.send(t, msg(s.ID, "v2", model.MsgCheckpoint, "fine"))
	assert.Equal(t, model.PhaseTerminated, s.Phase)
	assert.Contains(t, s.Outcome, "fine")
}

func TestContractNegotiation_AgreementBetweenParties(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"n1": model.RoleNegotiator, "n2": model.RoleNegotiator})
	s, err := h.engine.Start(context.Background(), model.ProtocolContractNegotiation,
		map[model.Role][]string{model.RoleNegotiator: {"n1", "n2"}}, 0)
	require.NoError(t, err)

	s = h.send(t, msg(s.ID, "n1", model.MsgProposal, "GET /v1/items"))
	s = h.send(t, msg(s.ID, "n2", model.MsgCounterProposal, "GET /v1/items?page="))
	s = h.send(t, msg(s.ID, "n1", model.MsgCheckpoint, "agreed"))
	assert.Equal(t, model.PhaseTerminated, s.Phase)
	assert.Equal(t, model.ConfidenceHigh, s.Confidence)
}

func TestConsultation_AllConsultantsAnswer(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"q": model.RoleRequester, "k1": model.RoleConsultant, "k2": model.RoleConsultant})
	s, err := h.engine.Start(context.Background(), model.ProtocolConsultation,
		map[model.Role][]string{model.RoleRequester: {"q"}, model.RoleConsultant: {"k1", "k2"}}, 0)
	require.NoError(t, err)

	s = h.send(t, msg(s.ID, "q", model.MsgConsultationRequest, "which index?"))
	s = h.send(t, msg(s.ID, "k1", model.MsgConsultationResponse, "btree"))
	assert.Equal(t, model.PhaseConverging, s.Phase)
	s = h.send(t, msg(s.ID, "k2", model.MsgConsultationResponse, "btree too"))
	assert.Equal(t, model.PhaseTerminated, s.Phase)
}

func TestMonitoring_CompletesAfterPeriods(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"m": model.RoleMonitor, "a": model.RoleAuthor})
	s, err := h.engine.Start(context.Background(), model.ProtocolMonitoring,
		map[model.Role][]string{model.RoleMonitor: {"m"}, model.RoleAuthor: {"a"}}, 2)
	require.NoError(t, err)

	s = h.send(t, msg(s.ID, "a", model.MsgProposal, "progress"))
	s = h.send(t, msg(s.ID, "m", model.MsgCorrectionRequired, "drifting"))
	s = h.send(t, msg(s.ID, "m", model.MsgCheckpoint, "period 1 ok"))
	assert.Equal(t, model.PhaseActive, s.Phase)
	s = h.send(t, msg(s.ID, "m", model.MsgCheckpoint, "period 2 ok"))
	assert.Equal(t, model.PhaseTerminated, s.Phase)
	assert.Equal(t, model.ConfidenceHigh, s.Confidence)
}

func TestAwaitingResponse_NudgesWithBackoffThenAsksForReplacement(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"a": model.RoleAuthor, "r1": model.RoleReviewer, "r2": model.RoleReviewer, "r3": model.RoleReviewer})
	ctx := context.Background()
	s, err := h.engine.Start(ctx, model.ProtocolReviewLoop,
		map[model.Role][]string{model.RoleAuthor: {"a"}, model.RoleReviewer: {"r1", "r2"}}, 0)
	require.NoError(t, err)
	s = h.send(t, msg(s.ID, "a", model.MsgProposal, "draft"))

	require.NoError(t, h.board.SetReachability("r2", model.ReachabilityUnreachable))
	assert.Equal(t, []string{s.ID}, h.engine.MarkUnreachable("r2"))
	s, _ = h.engine.Session(s.ID)
	assert.Equal(t, model.PhaseAwaitingResponse, s.Phase)
	assert.Equal(t, model.PhaseConverging, s.ResumePhase)

	// r1 keeps working against the phase the session was in.
	s = h.send(t, msg(s.ID, "r1", model.MsgCheckpoint, "lgtm"))
	assert.Equal(t, model.PhaseAwaitingResponse, s.Phase)

	assert.Empty(t, h.engine.Recheck(ctx), "first re-check not due yet")
	// re-checks at +1s, +2s, +4s after each nudge
	for i, wait := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		h.clock.Advance(wait)
		assert.Empty(t, h.engine.Recheck(ctx))
		n, ok := h.engine.Waiting(s.ID, "r2")
		require.True(t, ok)
		assert.Equal(t, i+1, n)
	}
	h.clock.Advance(8 * time.Second)
	reps := h.engine.Recheck(ctx)
	require.Len(t, reps, 1)
	assert.Equal(t, Replacement{SessionID: s.ID, WorkerID: "r2", Role: model.RoleReviewer}, reps[0])
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.engine.Recheck(ctx), "replacement is signalled once")
	assert.Equal(t, 3, h.router.Pending("r2"), "nudges queue for the unreachable worker")

	assert.Equal(t, []string{s.ID}, h.engine.ReplaceWorker("r2", "r3"))
	s, _ = h.engine.Session(s.ID)
	assert.Equal(t, model.PhaseConverging, s.Phase)
	assert.Equal(t, []string{"r1", "r3"}, s.Roles[model.RoleReviewer])

	s = h.send(t, msg(s.ID, "r3", model.MsgCheckpoint, "lgtm"))
	assert.Equal(t, model.PhaseTerminated, s.Phase)
}

func TestAwaitingResponse_ClearsWhenWorkerReturns(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"a": model.RoleAuthor, "r1": model.RoleReviewer})
	ctx := context.Background()
	s, err := h.engine.Start(ctx, model.ProtocolReviewLoop,
		map[model.Role][]string{model.RoleAuthor: {"a"}, model.RoleReviewer: {"r1"}}, 0)
	require.NoError(t, err)

	require.NoError(t, h.board.SetReachability("a", model.ReachabilityUnreachable))
	h.engine.MarkUnreachable("a")
	require.NoError(t, h.board.SetReachability("a", model.ReachabilityActive))
	h.engine.Recheck(ctx)

	s, _ = h.engine.Session(s.ID)
	assert.Equal(t, model.PhaseActive, s.Phase)
	assert.Empty(t, s.ResumePhase)
}

func TestForceTerminate_SynthesizesPartialState(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"d1": model.RoleDebater, "d2": model.RoleDebater, "j": model.RoleJudge})
	ctx := context.Background()
	s, err := h.engine.Start(ctx, model.ProtocolDebate,
		map[model.Role][]string{model.RoleDebater: {"d1", "d2"}, model.RoleJudge: {"j"}}, 0)
	require.NoError(t, err)
	h.send(t, msg(s.ID, "d1", model.MsgProposal, "go with option A"))

	s, err = h.engine.ForceTerminate(ctx, s.ID, "context budget")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseTerminated, s.Phase)
	assert.Equal(t, model.ConfidenceLow, s.Confidence)
	assert.Contains(t, s.Outcome, "context budget")
	assert.Contains(t, s.Outcome, "go with option A")

	again, err := h.engine.ForceTerminate(ctx, s.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, s.Outcome, again.Outcome)
	assert.Zero(t, h.engine.Live())
}

func TestForceAll(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"v1": model.RoleVoter, "v2": model.RoleVoter, "v3": model.RoleVoter, "n1": model.RoleNegotiator, "n2": model.RoleNegotiator})
	ctx := context.Background()
	_, err := h.engine.Start(ctx, model.ProtocolConsensus, map[model.Role][]string{model.RoleVoter: {"v1", "v2", "v3"}}, 0)
	require.NoError(t, err)
	_, err = h.engine.Start(ctx, model.ProtocolContractNegotiation, map[model.Role][]string{model.RoleNegotiator: {"n1", "n2"}}, 0)
	require.NoError(t, err)

	ended := h.engine.ForceAll(ctx, "dissolving")
	assert.Len(t, ended, 2)
	for _, s := range ended {
		assert.Equal(t, model.ConfidenceLow, s.Confidence)
	}
}

func TestSnapshotsRestore_Idempotent(t *testing.T) {
	h := newHarness(t, map[string]model.Role{"a": model.RoleAuthor, "r1": model.RoleReviewer, "c1": model.RoleContributor, "c2": model.RoleContributor, "syn": model.RoleSynthesizer},
		WithBarrierTimeout(time.Minute))
	ctx := context.Background()
	s, err := h.engine.Start(ctx, model.ProtocolReviewLoop,
		map[model.Role][]string{model.RoleAuthor: {"a"}, model.RoleReviewer: {"r1"}}, 0)
	require.NoError(t, err)
	h.send(t, msg(s.ID, "a", model.MsgProposal, "draft"))
	d, err := h.engine.Start(ctx, model.ProtocolDiscovery,
		map[model.Role][]string{model.RoleContributor: {"c1", "c2"}, model.RoleSynthesizer: {"syn"}}, 0)
	require.NoError(t, err)

	snaps := h.engine.Snapshots()
	require.Len(t, snaps, 2)
	require.NoError(t, h.engine.RestoreSessions(snaps))
	require.NoError(t, h.engine.RestoreSessions(snaps))
	assert.Equal(t, snaps, h.engine.Snapshots())

	// the discovery barrier is open again after restore
	require.NoError(t, h.engine.Submit(ctx, msg(d.ID, "c1", model.MsgProposal, "x")))
	require.NoError(t, h.engine.Submit(ctx, msg(d.ID, "c2", model.MsgProposal, "y")))
	got, err := h.engine.Session(d.ID)
	require.NoError(t, err)
	assert.True(t, got.Released)

	bad := []model.SessionSnapshot{{ID: "s", Protocol: "unknown"}}
	assert.Error(t, h.engine.RestoreSessions(bad))
}

func TestSelect_DeterministicScoring(t *testing.T) {
	tests := []struct {
		name string
		sig  Signals
		want model.Protocol
	}{
		{"no signal", Signals{}, model.ProtocolReviewLoop},
		{"artifact", Signals{HasArtifact: true}, model.ProtocolReviewLoop},
		{"contested", Signals{Contested: true}, model.ProtocolDebate},
		{"stages", Signals{Sequential: true, Subtasks: 3}, model.ProtocolPipeline},
		{"independent views", Signals{Exploratory: true}, model.ProtocolDiscovery},
		{"contested agreement", Signals{NeedsAgreement: true, Contested: true}, model.ProtocolConsensus},
		{"interface", Signals{Interface: true, NeedsAgreement: true}, model.ProtocolContractNegotiation},
		{"expertise", Signals{NeedsExpertise: true}, model.ProtocolConsultation},
		{"ongoing", Signals{Ongoing: true}, model.ProtocolMonitoring},
		{"fan out", Signals{Subtasks: 4}, model.ProtocolNestedDispatch},
		{"tie goes to the earlier protocol", Signals{HasArtifact: true, Contested: true}, model.ProtocolReviewLoop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Select(tt.sig))
			assert.Equal(t, tt.want, Select(tt.sig), "same signals, same answer")
		})
	}
}

func TestParseSignals(t *testing.T) {
	sig, err := ParseSignals([]string{"artifact", " contested", "subtasks=4"})
	require.NoError(t, err)
	assert.Equal(t, Signals{HasArtifact: true, Contested: true, Subtasks: 4}, sig)

	sig, err = ParseSignals([]string{"sequential", "subtasks"})
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolPipeline, Select(sig))

	for _, bad := range [][]string{{"vibes"}, {"artifact=1"}, {"subtasks=-1"}, {"subtasks=x"}} {
		_, err := ParseSignals(bad)
		assert.Error(t, err, "%v", bad)
	}
}

package pattern

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"

	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/logging"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/router"
	"github.com/msageha/troupe/internal/telemetry"
)

var (
	ErrTerminated = errors.New("session terminated")
	// ErrUnexpectedMessage is returned for a message the current phase has
	// no transition for, or from a role the transition does not accept.
	ErrUnexpectedMessage = errors.New("message not accepted in this phase")
	// ErrMediated is returned when a contribution that must go through the
	// barrier is sent directly.
	ErrMediated  = errors.New("contribution must be submitted through the barrier")
	ErrNotMember = errors.New("sender is not bound to the session")
	// ErrStale is returned for a message older than one the session already
	// applied on the same channel. The session keeps the newer state.
	ErrStale = errors.New("stale message")
)

const maxContributions = 64

// Directory is the worker registry sessions bind against.
type Directory interface {
	Worker(id string) (model.WorkerRecord, error)
	IsReachable(id string) bool
}

// Router is the part of the message router sessions use.
type Router interface {
	Barrier(sessionID string, expected int, timeout time.Duration, participants []string) (*router.Barrier, error)
	Submit(sender string, msg model.Message) error
	CancelBarrier(sessionID string)
	Deliver(sender, recipient string, msg model.Message) (router.Receipt, error)
}

// Replacement asks the lifecycle manager to replace a worker that stopped
// answering nudges.
type Replacement struct {
	SessionID string
	WorkerID  string
	Role      model.Role
}

type waiting struct {
	nudges    int
	next      time.Time
	backoff   *backoff.ExponentialBackOff
	signalled bool
}

type session struct {
	def  *Definition
	snap model.SessionSnapshot
	// workers the session waits on while AwaitingResponse
	waits map[string]*waiting
	// round-scoped contributors, for debate rounds
	spoke map[string]bool
	// newest applied message per channel
	seen *router.SequenceTracker
}

type Engine struct {
	mu       sync.Mutex
	sessions map[string]*session
	order    []string

	dir            Directory
	router         Router
	cfg            model.PatternConfig
	barrierTimeout time.Duration
	onTerminate    []func(model.SessionSnapshot)

	bus     *events.Bus
	logger  *logging.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

type Option func(*Engine)

func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l.With("pattern") }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithBarrierTimeout(d time.Duration) Option {
	return func(e *Engine) { e.barrierTimeout = d }
}

func New(dir Directory, rt Router, cfg model.PatternConfig, opts ...Option) *Engine {
	if cfg.DefaultMaxRounds <= 0 {
		cfg.DefaultMaxRounds = 5
	}
	if cfg.RecheckBaseMs <= 0 {
		cfg.RecheckBaseMs = 1000
	}
	if cfg.RecheckMaxMs <= 0 {
		cfg.RecheckMaxMs = 60000
	}
	if cfg.MaxNudges <= 0 {
		cfg.MaxNudges = 3
	}
	e := &Engine{
		sessions: make(map[string]*session),
		dir:      dir,
		router:   rt,
		cfg:      cfg,
		logger:   logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnTerminate registers fn to run after a session terminates, outside the
// engine lock.
func (e *Engine) OnTerminate(fn func(model.SessionSnapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTerminate = append(e.onTerminate, fn)
}

// Start creates a session. With a complete role binding it goes straight to
// Active (opening the barrier for mediated protocols); otherwise it stays in
// Forming until Join completes the binding.
func (e *Engine) Start(ctx context.Context, protocol model.Protocol, roles map[model.Role][]string, maxRounds int) (model.SessionSnapshot, error) {
	def, err := Lookup(protocol)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	if err := def.ValidateRoles(roles, true); err != nil {
		return model.SessionSnapshot{}, err
	}
	for r, ids := range roles {
		for _, id := range ids {
			if err := e.checkWorker(id, r); err != nil {
				return model.SessionSnapshot{}, err
			}
		}
	}
	id, err := model.GenerateID(model.IDTypeSession)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	if maxRounds <= 0 {
		maxRounds = e.cfg.DefaultMaxRounds
	}
	now := e.now().UTC()
	s := &session{
		def: def,
		snap: model.SessionSnapshot{
			ID:        id,
			Protocol:  protocol,
			Roles:     cloneRoles(roles),
			Round:     1,
			MaxRounds: maxRounds,
			Phase:     model.PhaseForming,
			StartedAt: now,
			UpdatedAt: now,
		},
		waits: make(map[string]*waiting),
		spoke: make(map[string]bool),
		seen:  router.NewSequenceTracker(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[id] = s
	e.order = append(e.order, id)
	e.logger.Infof("session_start id=%s protocol=%s max_rounds=%d", id, protocol, maxRounds)
	if def.complete(s.snap.Roles) {
		if err := e.activateLocked(s); err != nil {
			delete(e.sessions, id)
			e.order = e.order[:len(e.order)-1]
			return model.SessionSnapshot{}, err
		}
	}
	return cloneSnapshot(s.snap), nil
}

// checkWorker rejects workers that are not registered with the given role.
// The coordinator may stand in for any role.
func (e *Engine) checkWorker(id string, r model.Role) error {
	if id == model.CoordinatorID {
		return nil
	}
	w, err := e.dir.Worker(id)
	if err != nil {
		return err
	}
	if w.Role != r {
		return fmt.Errorf("worker %s has role %s, not %s", id, w.Role, r)
	}
	return nil
}

// Join binds one more worker to a forming session.
func (e *Engine) Join(ctx context.Context, sessionID string, r model.Role, workerID string) (model.SessionSnapshot, error) {
	if err := e.checkWorker(workerID, r); err != nil {
		return model.SessionSnapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.getLocked(sessionID)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	if s.snap.Phase != model.PhaseForming {
		return model.SessionSnapshot{}, fmt.Errorf("session %s is %s, not forming", sessionID, s.snap.Phase)
	}
	if s.hasMember(workerID) {
		return cloneSnapshot(s.snap), nil
	}
	roles := cloneRoles(s.snap.Roles)
	roles[r] = append(roles[r], workerID)
	if err := s.def.ValidateRoles(roles, true); err != nil {
		return model.SessionSnapshot{}, err
	}
	s.snap.Roles = roles
	s.snap.UpdatedAt = e.now().UTC()
	if s.def.complete(roles) {
		if err := e.activateLocked(s); err != nil {
			return model.SessionSnapshot{}, err
		}
	}
	return cloneSnapshot(s.snap), nil
}

func (e *Engine) activateLocked(s *session) error {
	if s.def.Mediation == MediationBarrier {
		if err := e.openBarrierLocked(s); err != nil {
			return err
		}
	}
	s.snap.Phase = model.PhaseActive
	e.logger.Infof("session_active id=%s protocol=%s", s.snap.ID, s.snap.Protocol)
	return nil
}

func (e *Engine) openBarrierLocked(s *session) error {
	expected := len(s.snap.Roles[s.def.contributor])
	_, err := e.router.Barrier(s.snap.ID, expected, e.barrierTimeout, s.members())
	if err != nil && !errors.Is(err, router.ErrBarrierExists) {
		return fmt.Errorf("open barrier for %s: %w", s.snap.ID, err)
	}
	return nil
}

func (e *Engine) getLocked(id string) (*session, error) {
	s, ok := e.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	return s, nil
}

// Check reports whether the session would accept msg in its current phase,
// without applying it.
func (e *Engine) Check(msg model.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.getLocked(msg.SessionID)
	if err != nil {
		return err
	}
	_, _, err = acceptLocked(s, msg)
	return err
}

// Handle applies an inbound message to its session. The message is checked
// against the transition table for the current phase and the sender's role;
// a rejected message leaves the session unchanged. A sequenced message that
// crossed behind a newer one on its channel is not applied: Handle returns
// the current state with ErrStale.
func (e *Engine) Handle(ctx context.Context, msg model.Message) (model.SessionSnapshot, error) {
	e.mu.Lock()
	s, err := e.getLocked(msg.SessionID)
	if err != nil {
		e.mu.Unlock()
		return model.SessionSnapshot{}, err
	}
	if last, ok := s.seen.Last(msg.Channel()); ok && msg.Seq > 0 && msg.Seq < last.Seq {
		snap := cloneSnapshot(s.snap)
		e.mu.Unlock()
		e.logger.Warnf("session_stale id=%s from=%s seq=%d last=%d", snap.ID, msg.Sender, msg.Seq, last.Seq)
		return snap, fmt.Errorf("%w: seq %d after %d on %s->%s", ErrStale, msg.Seq, last.Seq, msg.Sender, msg.Recipient)
	}
	snap, terminated, err := e.applyLocked(s, msg)
	if err == nil && msg.Seq > 0 {
		s.seen.Observe(msg)
	}
	hooks := e.onTerminate
	e.mu.Unlock()

	if terminated {
		e.afterTerminate(ctx, snap, hooks)
	}
	return snap, err
}

// acceptLocked finds the transition msg takes and the sender's role.
func acceptLocked(s *session, msg model.Message) (step, model.Role, error) {
	if s.snap.Phase == model.PhaseTerminated {
		return step{}, "", fmt.Errorf("%w: %s", ErrTerminated, s.snap.ID)
	}
	role, ok := s.roleOf(msg.Sender)
	if !ok {
		return step{}, "", fmt.Errorf("%w: %s in %s", ErrNotMember, msg.Sender, s.snap.ID)
	}
	if s.def.Mediation == MediationBarrier && role == s.def.contributor && msg.Type == s.def.submitType {
		return step{}, "", fmt.Errorf("%w: %s", ErrMediated, s.snap.ID)
	}
	phase := s.effectivePhase()
	st, ok := s.def.transitions[key{phase, msg.Type}]
	if !ok || !slices.Contains(st.from, role) {
		return step{}, "", fmt.Errorf("%w: %s from %s in %s/%s", ErrUnexpectedMessage, msg.Type, role, s.snap.Protocol, phase)
	}
	return st, role, nil
}

func (e *Engine) applyLocked(s *session, msg model.Message) (model.SessionSnapshot, bool, error) {
	st, role, err := acceptLocked(s, msg)
	if err != nil {
		return model.SessionSnapshot{}, false, err
	}
	round := s.snap.Round
	if err := e.applyEffect(s, st, role, msg); err != nil {
		return model.SessionSnapshot{}, false, err
	}
	// A message from a worker we were waiting on proves it is back.
	if _, ok := s.waits[msg.Sender]; ok {
		e.clearWaitLocked(s, msg.Sender)
	}
	s.setPhase(st.to)
	s.record(msg, round)
	s.snap.UpdatedAt = e.now().UTC()

	if st.nextRound {
		s.advanceRound()
	}
	e.logger.Debugf("session_step id=%s type=%s from=%s phase=%s round=%d", s.snap.ID, msg.Type, msg.Sender, s.effectivePhase(), s.snap.Round)
	return e.settleLocked(s)
}

func (e *Engine) applyEffect(s *session, st step, role model.Role, msg model.Message) error {
	switch st.effect {
	case effectPropose:
		s.snap.Approvals = []string{msg.Sender}
	case effectApprove, effectAnswer:
		if !slices.Contains(s.snap.Approvals, msg.Sender) {
			s.snap.Approvals = append(s.snap.Approvals, msg.Sender)
		}
	case effectReject:
		s.snap.Approvals = nil
	case effectRule:
		s.snap.Ruling = firstNonEmpty(msg.Summary, msg.Content, "ruled")
	case effectStageAdvance:
		stages := s.snap.Roles[model.RoleStage]
		if s.snap.Stage >= len(stages) || stages[s.snap.Stage] != msg.Sender {
			return fmt.Errorf("%w: stage %d belongs to another worker", ErrUnexpectedMessage, s.snap.Stage)
		}
		s.snap.Stage++
	case effectStageBack:
		stages := s.snap.Roles[model.RoleStage]
		if s.snap.Stage >= len(stages) || stages[s.snap.Stage] != msg.Sender {
			return fmt.Errorf("%w: only the current stage may send work back", ErrUnexpectedMessage)
		}
		if s.snap.Stage > 0 {
			s.snap.Stage--
		}
	case effectArgue:
		s.spoke[msg.Sender] = true
		if s.def.roundRole != "" && role == s.def.roundRole {
			all := true
			for _, id := range s.snap.Roles[s.def.roundRole] {
				if !s.spoke[id] {
					all = false
					break
				}
			}
			if all {
				s.advanceRound()
			}
		}
	}
	return nil
}

// settleLocked checks the termination predicate and the round limit.
func (e *Engine) settleLocked(s *session) (model.SessionSnapshot, bool, error) {
	if s.def.done(&s.snap) {
		conf := model.ConfidenceHigh
		if s.snap.Confidence == model.ConfidenceMedium {
			conf = model.ConfidenceMedium
		}
		e.terminateLocked(s, conf, synthesize(&s.snap, ""))
		return cloneSnapshot(s.snap), true, nil
	}
	if s.snap.Round > s.snap.MaxRounds {
		switch s.def.Exhaustion {
		case ExhaustForce:
			e.terminateLocked(s, model.ConfidenceLow, synthesize(&s.snap, "max rounds reached"))
			return cloneSnapshot(s.snap), true, nil
		case ExhaustComplete:
			e.terminateLocked(s, model.ConfidenceHigh, synthesize(&s.snap, ""))
			return cloneSnapshot(s.snap), true, nil
		case ExhaustConverge:
			s.snap.Round = s.snap.MaxRounds
			s.setPhase(model.PhaseConverging)
		}
	}
	return cloneSnapshot(s.snap), false, nil
}

func (e *Engine) terminateLocked(s *session, conf model.Confidence, outcome string) {
	if s.def.Mediation == MediationBarrier && !s.snap.Released {
		e.router.CancelBarrier(s.snap.ID)
	}
	s.snap.Phase = model.PhaseTerminated
	s.snap.ResumePhase = ""
	s.snap.Confidence = conf
	s.snap.Outcome = outcome
	s.snap.UpdatedAt = e.now().UTC()
	s.waits = make(map[string]*waiting)
}

func (e *Engine) afterTerminate(ctx context.Context, snap model.SessionSnapshot, hooks []func(model.SessionSnapshot)) {
	if snap.Confidence == model.ConfidenceLow {
		e.logger.Warnf("session_terminated id=%s protocol=%s round=%d confidence=%s", snap.ID, snap.Protocol, snap.Round, snap.Confidence)
	} else {
		e.logger.Infof("session_terminated id=%s protocol=%s round=%d confidence=%s", snap.ID, snap.Protocol, snap.Round, snap.Confidence)
	}
	e.metrics.RecordSessionTerminated(ctx, string(snap.Protocol), string(snap.Confidence))
	e.bus.Publish(events.EventSessionTerminated, map[string]any{
		"session_id": snap.ID,
		"protocol":   string(snap.Protocol),
		"confidence": string(snap.Confidence),
		"outcome":    snap.Outcome,
	})
	for _, fn := range hooks {
		fn(snap)
	}
}

// Submit sends a blind contribution of a barrier-mediated session through
// the router's barrier.
func (e *Engine) Submit(ctx context.Context, msg model.Message) error {
	e.mu.Lock()
	s, err := e.getLocked(msg.SessionID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if s.def.Mediation != MediationBarrier {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s does not use a barrier", ErrUnexpectedMessage, s.snap.Protocol)
	}
	if s.snap.Phase != model.PhaseActive && s.snap.ResumePhase != model.PhaseActive {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrUnexpectedMessage, s.snap.ID, s.snap.Phase)
	}
	if role, ok := s.roleOf(msg.Sender); !ok || role != s.def.contributor {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s may not submit to %s", ErrNotMember, msg.Sender, s.snap.ID)
	}
	if _, ok := s.waits[msg.Sender]; ok {
		e.clearWaitLocked(s, msg.Sender)
	}
	msg.Type = s.def.submitType
	e.mu.Unlock()

	// The quota-meeting submission releases synchronously and calls back into
	// OnBarrierRelease, so the engine lock must not be held here.
	return e.router.Submit(msg.Sender, msg)
}

// OnBarrierRelease records a released submission set on its session. It is
// registered as a router release hook; releases for unknown sessions are
// ignored.
func (e *Engine) OnBarrierRelease(rel router.Release) {
	e.mu.Lock()
	s, ok := e.sessions[rel.SessionID]
	if !ok || s.snap.Phase == model.PhaseTerminated || s.snap.Released {
		e.mu.Unlock()
		return
	}
	s.snap.Released = true
	for _, m := range rel.Submissions {
		s.record(m, s.snap.Round)
	}
	if rel.Incomplete {
		s.snap.Confidence = model.ConfidenceMedium
	}
	s.setPhase(s.def.releaseTo)
	s.snap.UpdatedAt = e.now().UTC()
	e.logger.Infof("session_release id=%s submissions=%d incomplete=%t", s.snap.ID, len(rel.Submissions), rel.Incomplete)
	snap, terminated, _ := e.settleLocked(s)
	hooks := e.onTerminate
	e.mu.Unlock()

	if terminated {
		e.afterTerminate(context.Background(), snap, hooks)
	}
}

// ForceTerminate ends a session from its best available partial state and
// tags the outcome low confidence.
func (e *Engine) ForceTerminate(ctx context.Context, sessionID, reason string) (model.SessionSnapshot, error) {
	e.mu.Lock()
	s, err := e.getLocked(sessionID)
	if err != nil {
		e.mu.Unlock()
		return model.SessionSnapshot{}, err
	}
	if s.snap.Phase == model.PhaseTerminated {
		snap := cloneSnapshot(s.snap)
		e.mu.Unlock()
		return snap, nil
	}
	e.terminateLocked(s, model.ConfidenceLow, synthesize(&s.snap, reason))
	snap := cloneSnapshot(s.snap)
	hooks := e.onTerminate
	e.mu.Unlock()

	e.afterTerminate(ctx, snap, hooks)
	return snap, nil
}

// ForceAll force-terminates every live session.
func (e *Engine) ForceAll(ctx context.Context, reason string) []model.SessionSnapshot {
	var out []model.SessionSnapshot
	for _, id := range e.liveIDs() {
		if snap, err := e.ForceTerminate(ctx, id, reason); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

func (e *Engine) liveIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for _, id := range e.order {
		if e.sessions[id].snap.Phase != model.PhaseTerminated {
			ids = append(ids, id)
		}
	}
	return ids
}

func (e *Engine) Session(id string) (model.SessionSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.getLocked(id)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	return cloneSnapshot(s.snap), nil
}

// Live counts sessions that have not terminated.
func (e *Engine) Live() int {
	return len(e.liveIDs())
}

// SessionsOf returns the live sessions a worker is bound to.
func (e *Engine) SessionsOf(workerID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for _, id := range e.order {
		s := e.sessions[id]
		if s.snap.Phase != model.PhaseTerminated && s.hasMember(workerID) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *session) members() []string {
	var out []string
	rs := slices.Sorted(maps.Keys(s.snap.Roles))
	for _, r := range rs {
		out = append(out, s.snap.Roles[r]...)
	}
	return out
}

func (s *session) hasMember(id string) bool {
	_, ok := s.roleOf(id)
	return ok
}

func (s *session) roleOf(id string) (model.Role, bool) {
	for r, ids := range s.snap.Roles {
		if slices.Contains(ids, id) {
			return r, true
		}
	}
	return "", false
}

// effectivePhase is the phase transitions are evaluated against. While the
// session waits on an unreachable worker, the others keep working against the
// phase it was in.
func (s *session) effectivePhase() model.Phase {
	if s.snap.Phase == model.PhaseAwaitingResponse {
		return s.snap.ResumePhase
	}
	return s.snap.Phase
}

func (s *session) setPhase(p model.Phase) {
	if s.snap.Phase == model.PhaseAwaitingResponse {
		s.snap.ResumePhase = p
		return
	}
	s.snap.Phase = p
}

func (s *session) advanceRound() {
	s.snap.Round++
	clear(s.spoke)
}

func (s *session) record(msg model.Message, round int) {
	summary := firstNonEmpty(msg.Summary, truncate(msg.Content, 200))
	s.snap.Contributions = append(s.snap.Contributions, model.Contribution{WorkerID: msg.Sender, Round: round, Summary: summary})
	if over := len(s.snap.Contributions) - maxContributions; over > 0 {
		s.snap.Contributions = s.snap.Contributions[over:]
	}
}

// synthesize builds the outcome text from what the session holds: the ruling
// if one was issued, otherwise the latest contribution.
func synthesize(s *model.SessionSnapshot, forced string) string {
	var b strings.Builder
	if forced != "" {
		fmt.Fprintf(&b, "forced (%s): ", forced)
	}
	switch {
	case s.Ruling != "":
		b.WriteString(s.Ruling)
	case len(s.Contributions) > 0:
		last := s.Contributions[len(s.Contributions)-1]
		fmt.Fprintf(&b, "%s (by %s, round %d, %d contributions)", last.Summary, last.WorkerID, last.Round, len(s.Contributions))
	default:
		b.WriteString("no contributions")
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a character.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func cloneRoles(roles map[model.Role][]string) map[model.Role][]string {
	out := make(map[model.Role][]string, len(roles))
	for r, ids := range roles {
		out[r] = append([]string(nil), ids...)
	}
	return out
}

func cloneSnapshot(s model.SessionSnapshot) model.SessionSnapshot {
	c := s
	c.Roles = cloneRoles(s.Roles)
	c.Approvals = append([]string(nil), s.Approvals...)
	c.Contributions = append([]model.Contribution(nil), s.Contributions...)
	return c
}

// sortedIDs returns the keys of m in order.
func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Package pattern runs the coordination protocols. Every protocol is a
// Definition of one generic state machine: which roles take part, which
// message moves the session from which phase, how rounds advance, and when
// the session is done.
package pattern

import (
	"fmt"
	"slices"

	"github.com/msageha/troupe/internal/model"
)

// Mediation says how contributions travel between role workers.
type Mediation int

const (
	// MediationDirect lets role workers message each other.
	MediationDirect Mediation = iota
	// MediationBarrier routes contributions through a router barrier so that
	// nobody sees another's submission before the whole set is released.
	MediationBarrier
)

// Exhaustion is what happens when a session runs past its max rounds.
type Exhaustion int

const (
	// ExhaustForce terminates with a synthesized, low-confidence outcome.
	ExhaustForce Exhaustion = iota
	// ExhaustConverge moves the session to Converging to await a ruling.
	ExhaustConverge
	// ExhaustComplete terminates normally; the rounds were the work.
	ExhaustComplete
)

type effect int

const (
	effectNone effect = iota
	// effectPropose resets approvals; the proposer approves its own proposal.
	effectPropose
	effectApprove
	// effectAnswer records the sender like an approval without being a vote.
	effectAnswer
	// effectReject resets approvals.
	effectReject
	effectRule
	effectStageAdvance
	effectStageBack
	// effectArgue advances the round once every worker of the round role has
	// contributed to it.
	effectArgue
)

type key struct {
	phase model.Phase
	msg   model.MessageType
}

// step is one row of a transition table.
type step struct {
	to        model.Phase
	from      []model.Role
	effect    effect
	nextRound bool
}

// RoleSpec bounds how many workers of a role a session binds. Max 0 means
// no upper bound.
type RoleSpec struct {
	Role model.Role
	Min  int
	Max  int
}

// Definition is the configuration of one protocol.
type Definition struct {
	Protocol    model.Protocol
	Roles       []RoleSpec
	Mediation   Mediation
	Exhaustion  Exhaustion
	transitions map[key]step

	// barrier-mediated protocols only
	contributor model.Role
	submitType  model.MessageType
	releaseTo   model.Phase

	// roundRole is the role whose contributions make up a debate round.
	roundRole model.Role
	done      func(*model.SessionSnapshot) bool
}

func (d *Definition) spec(r model.Role) (RoleSpec, bool) {
	for _, s := range d.Roles {
		if s.Role == r {
			return s, true
		}
	}
	return RoleSpec{}, false
}

// ValidateRoles checks a role binding against the role cardinalities. With
// partial set, missing workers are allowed (the session is still forming).
func (d *Definition) ValidateRoles(roles map[model.Role][]string, partial bool) error {
	for r, ids := range roles {
		s, ok := d.spec(r)
		if !ok {
			return fmt.Errorf("%s: role %s does not take part", d.Protocol, r)
		}
		if s.Max > 0 && len(ids) > s.Max {
			return fmt.Errorf("%s: role %s takes at most %d workers, got %d", d.Protocol, r, s.Max, len(ids))
		}
	}
	if partial {
		return nil
	}
	for _, s := range d.Roles {
		if n := len(roles[s.Role]); n < s.Min {
			return fmt.Errorf("%s: role %s needs at least %d workers, got %d", d.Protocol, s.Role, s.Min, n)
		}
	}
	return nil
}

func (d *Definition) complete(roles map[model.Role][]string) bool {
	return d.ValidateRoles(roles, false) == nil
}

// Accepts reports whether a message of type t from role r is valid in phase p.
func (d *Definition) Accepts(p model.Phase, t model.MessageType, r model.Role) bool {
	st, ok := d.transitions[key{p, t}]
	return ok && slices.Contains(st.from, r)
}

func roles(rs ...model.Role) []model.Role { return rs }

// deriveSenders binds the rule and approve steps to the participating roles
// whose capability allows ruling or voting.
func (d *Definition) deriveSenders() *Definition {
	for k, st := range d.transitions {
		switch st.effect {
		case effectRule:
			st.from = d.rolesWith(func(c model.Capability) bool { return c.MayRule })
		case effectApprove:
			st.from = d.rolesWith(func(c model.Capability) bool { return c.MayVote })
		default:
			continue
		}
		d.transitions[k] = st
	}
	return d
}

func (d *Definition) rolesWith(ok func(model.Capability) bool) []model.Role {
	var out []model.Role
	for _, s := range d.Roles {
		if ok(s.Role.Capability()) {
			out = append(out, s.Role)
		}
	}
	return out
}

var definitions = map[model.Protocol]*Definition{
	model.ProtocolReviewLoop:          reviewLoop().deriveSenders(),
	model.ProtocolDebate:              debate().deriveSenders(),
	model.ProtocolPipeline:            pipeline().deriveSenders(),
	model.ProtocolDiscovery:           discovery().deriveSenders(),
	model.ProtocolConsensus:           consensus().deriveSenders(),
	model.ProtocolContractNegotiation: contractNegotiation().deriveSenders(),
	model.ProtocolConsultation:        consultation().deriveSenders(),
	model.ProtocolMonitoring:          monitoring().deriveSenders(),
	model.ProtocolNestedDispatch:      nestedDispatch().deriveSenders(),
}

// Lookup returns the definition of a protocol.
func Lookup(p model.Protocol) (*Definition, error) {
	d, ok := definitions[p]
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q", p)
	}
	return d, nil
}

// Protocols lists every protocol in a fixed order.
func Protocols() []model.Protocol {
	return []model.Protocol{
		model.ProtocolReviewLoop,
		model.ProtocolDebate,
		model.ProtocolPipeline,
		model.ProtocolDiscovery,
		model.ProtocolConsensus,
		model.ProtocolContractNegotiation,
		model.ProtocolConsultation,
		model.ProtocolMonitoring,
		model.ProtocolNestedDispatch,
	}
}

// allApproved is the unanimity predicate: every worker of role has approved
// the current proposal.
func allApproved(role model.Role) func(*model.SessionSnapshot) bool {
	return func(s *model.SessionSnapshot) bool {
		ids := s.Roles[role]
		if len(ids) == 0 {
			return false
		}
		for _, id := range ids {
			if !slices.Contains(s.Approvals, id) {
				return false
			}
		}
		return true
	}
}

func rulingIssued(s *model.SessionSnapshot) bool {
	return s.Ruling != ""
}

func reviewLoop() *Definition {
	return &Definition{
		Protocol: model.ProtocolReviewLoop,
		Roles: []RoleSpec{
			{Role: model.RoleAuthor, Min: 1, Max: 1},
			{Role: model.RoleReviewer, Min: 1, Max: 3},
		},
		Exhaustion: ExhaustForce,
		transitions: map[key]step{
			{model.PhaseActive, model.MsgProposal}:               {to: model.PhaseConverging, from: roles(model.RoleAuthor), effect: effectPropose},
			{model.PhaseConverging, model.MsgCheckpoint}:         {to: model.PhaseConverging, effect: effectApprove},
			{model.PhaseConverging, model.MsgCorrectionRequired}: {to: model.PhaseActive, from: roles(model.RoleReviewer), effect: effectReject, nextRound: true},
		},
		done: allApproved(model.RoleReviewer),
	}
}

func debate() *Definition {
	return &Definition{
		Protocol: model.ProtocolDebate,
		Roles: []RoleSpec{
			{Role: model.RoleDebater, Min: 2, Max: 4},
			{Role: model.RoleJudge, Min: 1, Max: 1},
		},
		Exhaustion: ExhaustConverge,
		transitions: map[key]step{
			{model.PhaseActive, model.MsgProposal}:        {to: model.PhaseActive, from: roles(model.RoleDebater), effect: effectArgue},
			{model.PhaseActive, model.MsgCounterProposal}: {to: model.PhaseActive, from: roles(model.RoleDebater), effect: effectArgue},
			{model.PhaseActive, model.MsgCheckpoint}:      {to: model.PhaseConverging, effect: effectRule},
			{model.PhaseConverging, model.MsgCheckpoint}:  {to: model.PhaseConverging, effect: effectRule},
		},
		roundRole: model.RoleDebater,
		done:      rulingIssued,
	}
}

func pipeline() *Definition {
	return &Definition{
		Protocol: model.ProtocolPipeline,
		Roles: []RoleSpec{
			{Role: model.RoleStage, Min: 2, Max: 8},
		},
		Exhaustion: ExhaustForce,
		transitions: map[key]step{
			{model.PhaseActive, model.MsgCheckpoint}:         {to: model.PhaseActive, from: roles(model.RoleStage), effect: effectStageAdvance},
			{model.PhaseActive, model.MsgCorrectionRequired}: {to: model.PhaseActive, from: roles(model.RoleStage), effect: effectStageBack, nextRound: true},
		},
		done: func(s *model.SessionSnapshot) bool {
			return s.Stage >= len(s.Roles[model.RoleStage])
		},
	}
}

func discovery() *Definition {
	return &Definition{
		Protocol: model.ProtocolDiscovery,
		Roles: []RoleSpec{
			{Role: model.RoleContributor, Min: 2, Max: 6},
			{Role: model.RoleSynthesizer, Min: 1, Max: 1},
		},
		Mediation:  MediationBarrier,
		Exhaustion: ExhaustForce,
		transitions: map[key]step{
			{model.PhaseConverging, model.MsgCheckpoint}: {to: model.PhaseConverging, effect: effectRule},
		},
		contributor: model.RoleContributor,
		submitType:  model.MsgProposal,
		releaseTo:   model.PhaseConverging,
		done:        rulingIssued,
	}
}

func consensus() *Definition {
	return &Definition{
		Protocol: model.ProtocolConsensus,
		Roles: []RoleSpec{
			{Role: model.RoleVoter, Min: 3, Max: 7},
		},
		Exhaustion: ExhaustForce,
		transitions: map[key]step{
			{model.PhaseActive, model.MsgProposal}:            {to: model.PhaseConverging, from: roles(model.RoleVoter), effect: effectPropose},
			{model.PhaseConverging, model.MsgCheckpoint}:      {to: model.PhaseConverging, effect: effectApprove},
			{model.PhaseConverging, model.MsgCounterProposal}: {to: model.PhaseConverging, from: roles(model.RoleVoter), effect: effectPropose, nextRound: true},
		},
		done: allApproved(model.RoleVoter),
	}
}

func contractNegotiation() *Definition {
	return &Definition{
		Protocol: model.ProtocolContractNegotiation,
		Roles: []RoleSpec{
			{Role: model.RoleNegotiator, Min: 2, Max: 4},
		},
		Exhaustion: ExhaustForce,
		transitions: map[key]step{
			{model.PhaseActive, model.MsgProposal}:               {to: model.PhaseConverging, from: roles(model.RoleNegotiator), effect: effectPropose},
			{model.PhaseConverging, model.MsgCounterProposal}:    {to: model.PhaseConverging, from: roles(model.RoleNegotiator), effect: effectPropose, nextRound: true},
			{model.PhaseConverging, model.MsgCheckpoint}:         {to: model.PhaseConverging, effect: effectApprove},
			{model.PhaseConverging, model.MsgCorrectionRequired}: {to: model.PhaseActive, from: roles(model.RoleNegotiator), effect: effectReject, nextRound: true},
		},
		done: allApproved(model.RoleNegotiator),
	}
}

func consultation() *Definition {
	return &Definition{
		Protocol: model.ProtocolConsultation,
		Roles: []RoleSpec{
			{Role: model.RoleRequester, Min: 1, Max: 1},
			{Role: model.RoleConsultant, Min: 1, Max: 3},
		},
		Exhaustion: ExhaustForce,
		transitions: map[key]step{
			{model.PhaseActive, model.MsgConsultationRequest}:      {to: model.PhaseConverging, from: roles(model.RoleRequester), effect: effectReject},
			{model.PhaseConverging, model.MsgConsultationRequest}:  {to: model.PhaseConverging, from: roles(model.RoleRequester), effect: effectReject, nextRound: true},
			{model.PhaseConverging, model.MsgConsultationResponse}: {to: model.PhaseConverging, from: roles(model.RoleConsultant), effect: effectAnswer},
		},
		done: allApproved(model.RoleConsultant),
	}
}

func monitoring() *Definition {
	return &Definition{
		Protocol: model.ProtocolMonitoring,
		Roles: []RoleSpec{
			{Role: model.RoleMonitor, Min: 1, Max: 1},
			{Role: model.RoleAuthor, Min: 1, Max: 1},
		},
		Exhaustion: ExhaustComplete,
		transitions: map[key]step{
			{model.PhaseActive, model.MsgCheckpoint}:         {to: model.PhaseActive, from: roles(model.RoleMonitor), nextRound: true},
			{model.PhaseActive, model.MsgCorrectionRequired}: {to: model.PhaseActive, from: roles(model.RoleMonitor)},
			{model.PhaseActive, model.MsgProposal}:           {to: model.PhaseActive, from: roles(model.RoleAuthor)},
		},
		done: func(*model.SessionSnapshot) bool { return false },
	}
}

func nestedDispatch() *Definition {
	return &Definition{
		Protocol: model.ProtocolNestedDispatch,
		Roles: []RoleSpec{
			{Role: model.RoleRequester, Min: 1, Max: 1},
			{Role: model.RoleSubworker, Min: 1, Max: model.MaxDispatchFanout},
		},
		Mediation:   MediationBarrier,
		Exhaustion:  ExhaustForce,
		transitions: map[key]step{},
		contributor: model.RoleSubworker,
		submitType:  model.MsgCheckpoint,
		releaseTo:   model.PhaseConverging,
		done: func(s *model.SessionSnapshot) bool {
			return s.Released
		},
	}
}

package model

import "fmt"

// Role is the closed set of worker roles a team can be built from.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleAuthor      Role = "author"
	RoleReviewer    Role = "reviewer"
	RoleDebater     Role = "debater"
	RoleJudge       Role = "judge"
	RoleStage       Role = "stage"
	RoleContributor Role = "contributor"
	RoleSynthesizer Role = "synthesizer"
	RoleVoter       Role = "voter"
	RoleNegotiator  Role = "negotiator"
	RoleConsultant  Role = "consultant"
	RoleRequester   Role = "requester"
	RoleMonitor     Role = "monitor"
	RoleSubworker   Role = "subworker"
)

// Capability describes what a role is allowed to do inside a session. Protocols
// take rulings only from roles with MayRule and approvals only from roles with
// MayVote.
type Capability struct {
	Summary     string `yaml:"summary" json:"summary"`
	MayDispatch bool   `yaml:"may_dispatch" json:"may_dispatch"`
	MayRule     bool   `yaml:"may_rule" json:"may_rule"`
	MayVote     bool   `yaml:"may_vote" json:"may_vote"`
}

var roleCapabilities = map[Role]Capability{
	RoleCoordinator: {Summary: "owns the board and drives sessions", MayDispatch: true, MayRule: true},
	RoleAuthor:      {Summary: "produces the artifact under review", MayDispatch: true},
	RoleReviewer:    {Summary: "approves or requests corrections", MayDispatch: true, MayVote: true},
	RoleDebater:     {Summary: "argues a position", MayDispatch: true},
	RoleJudge:       {Summary: "issues the ruling of a debate", MayRule: true},
	RoleStage:       {Summary: "one step of a pipeline", MayDispatch: true},
	RoleContributor: {Summary: "submits blind findings", MayDispatch: true},
	RoleSynthesizer: {Summary: "folds contributions into one result", MayRule: true},
	RoleVoter:       {Summary: "proposes and votes toward consensus", MayVote: true},
	RoleNegotiator:  {Summary: "one party of a contract negotiation", MayVote: true},
	RoleConsultant:  {Summary: "answers consultation requests"},
	RoleRequester:   {Summary: "asks a consultant for input", MayDispatch: true},
	RoleMonitor:     {Summary: "watches a subject and raises corrections", MayRule: true},
	RoleSubworker:   {Summary: "terminal nested-dispatch worker"},
}

// LookupRole resolves a role name, rejecting anything outside the closed set.
func LookupRole(name string) (Role, error) {
	r := Role(name)
	if _, ok := roleCapabilities[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
	return r, nil
}

func (r Role) Valid() bool {
	_, ok := roleCapabilities[r]
	return ok
}

func (r Role) Capability() Capability {
	return roleCapabilities[r]
}

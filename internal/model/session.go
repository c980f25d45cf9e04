package model

import "time"

// Protocol names one of the coordination protocols a session can run.
type Protocol string

const (
	ProtocolReviewLoop          Protocol = "review_loop"
	ProtocolDebate              Protocol = "debate"
	ProtocolPipeline            Protocol = "pipeline"
	ProtocolDiscovery           Protocol = "discovery"
	ProtocolConsensus           Protocol = "consensus"
	ProtocolContractNegotiation Protocol = "contract_negotiation"
	ProtocolConsultation        Protocol = "consultation"
	ProtocolMonitoring          Protocol = "monitoring"
	ProtocolNestedDispatch      Protocol = "nested_dispatch"
)

// Phase is the state of a pattern session's state machine.
type Phase string

const (
	PhaseForming          Phase = "forming"
	PhaseActive           Phase = "active"
	PhaseAwaitingResponse Phase = "awaiting_response"
	PhaseConverging       Phase = "converging"
	PhaseTerminated       Phase = "terminated"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// SessionSnapshot is the structured, replayable state of one pattern session.
// It deliberately carries no free-form worker dialogue beyond the bounded
// contribution list the termination predicates need.
type SessionSnapshot struct {
	ID            string            `yaml:"id" json:"id"`
	Protocol      Protocol          `yaml:"protocol" json:"protocol"`
	Roles         map[Role][]string `yaml:"roles" json:"roles"`
	Round         int               `yaml:"round" json:"round"`
	MaxRounds     int               `yaml:"max_rounds" json:"max_rounds"`
	Phase         Phase             `yaml:"phase" json:"phase"`
	ResumePhase   Phase             `yaml:"resume_phase,omitempty" json:"resume_phase,omitempty"`
	Stage         int               `yaml:"stage" json:"stage"`
	Approvals     []string          `yaml:"approvals,omitempty" json:"approvals,omitempty"`
	Contributions []Contribution    `yaml:"contributions,omitempty" json:"contributions,omitempty"`
	Released      bool              `yaml:"released,omitempty" json:"released,omitempty"`
	Ruling        string            `yaml:"ruling,omitempty" json:"ruling,omitempty"`
	Outcome       string            `yaml:"outcome,omitempty" json:"outcome,omitempty"`
	Confidence    Confidence        `yaml:"confidence,omitempty" json:"confidence,omitempty"`
	StartedAt     time.Time         `yaml:"started_at" json:"started_at"`
	UpdatedAt     time.Time         `yaml:"updated_at" json:"updated_at"`
}

type Contribution struct {
	WorkerID string `yaml:"worker_id" json:"worker_id"`
	Round    int    `yaml:"round" json:"round"`
	Summary  string `yaml:"summary" json:"summary"`
}

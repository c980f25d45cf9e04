package model

import "time"

// MessageType enumerates the message kinds workers may exchange.
type MessageType string

const (
	MsgProposal             MessageType = "proposal"
	MsgCounterProposal      MessageType = "counter_proposal"
	MsgCheckpoint           MessageType = "checkpoint"
	MsgCorrectionRequired   MessageType = "correction_required"
	MsgConsultationRequest  MessageType = "consultation_request"
	MsgConsultationResponse MessageType = "consultation_response"
	MsgShutdownRequest      MessageType = "shutdown_request"
	MsgShutdownResponse     MessageType = "shutdown_response"
	MsgNudge                MessageType = "nudge"
)

var validMessageTypes = map[MessageType]bool{
	MsgProposal:             true,
	MsgCounterProposal:      true,
	MsgCheckpoint:           true,
	MsgCorrectionRequired:   true,
	MsgConsultationRequest:  true,
	MsgConsultationResponse: true,
	MsgShutdownRequest:      true,
	MsgShutdownResponse:     true,
	MsgNudge:                true,
}

func (t MessageType) Valid() bool {
	return validMessageTypes[t]
}

const (
	// Broadcast is the recipient marker for fan-out to every reachable worker.
	Broadcast = "*"
	// CoordinatorID addresses the coordinator itself.
	CoordinatorID = "coordinator"
)

// Shutdown responses carry one of these verdicts in Content.
const (
	ShutdownApprove = "approve"
	ShutdownReject  = "reject"
)

type Message struct {
	ID        string      `yaml:"id" json:"id"`
	Sender    string      `yaml:"sender" json:"sender"`
	Recipient string      `yaml:"recipient" json:"recipient"`
	Type      MessageType `yaml:"type" json:"type"`
	Content   string      `yaml:"content" json:"content"`
	Summary   string      `yaml:"summary,omitempty" json:"summary,omitempty"`
	SessionID string      `yaml:"session_id,omitempty" json:"session_id,omitempty"`
	Seq       uint64      `yaml:"seq" json:"seq"`
	Timestamp time.Time   `yaml:"timestamp" json:"timestamp"`
}

// Channel identifies one ordered (sender, recipient) stream.
type Channel struct {
	Sender    string
	Recipient string
}

func (m Message) Channel() Channel {
	return Channel{Sender: m.Sender, Recipient: m.Recipient}
}

package model

import "fmt"

// Status is the lifecycle state of a task on the board.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusRetrying        Status = "retrying"
	StatusPartialComplete Status = "partial_complete"
	StatusEscalated       Status = "escalated"
)

var knownStatuses = map[Status]bool{
	StatusPending:         true,
	StatusInProgress:      true,
	StatusCompleted:       true,
	StatusFailed:          true,
	StatusRetrying:        true,
	StatusPartialComplete: true,
	StatusEscalated:       true,
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusEscalated: true,
}

// Task transitions: pending → in_progress → {completed, failed, partial_complete}
// failed → retrying → in_progress; escalated is reachable from every non-terminal state.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusEscalated:  true,
	},
	StatusInProgress: {
		StatusCompleted:       true,
		StatusFailed:          true,
		StatusPartialComplete: true,
		StatusEscalated:       true,
	},
	StatusFailed: {
		StatusRetrying:  true,
		StatusEscalated: true,
	},
	StatusRetrying: {
		StatusInProgress: true,
		StatusEscalated:  true,
	},
	StatusPartialComplete: {
		StatusCompleted: true, // follow-up work finished the remainder
		StatusRetrying:  true,
		StatusEscalated: true,
	},
}

func IsKnownStatus(s Status) bool {
	return knownStatuses[s]
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidateTaskTransition(from, to Status) error {
	if !IsKnownStatus(to) {
		return &TransitionError{From: from, To: to, Reason: fmt.Sprintf("unknown status %q", to)}
	}
	if IsTerminal(from) {
		return &TransitionError{From: from, To: to, Reason: "source status is terminal"}
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return &TransitionError{From: from, To: to, Reason: fmt.Sprintf("unknown status %q", from)}
	}
	if !allowed[to] {
		return &TransitionError{From: from, To: to, Reason: "transition not allowed"}
	}
	return nil
}

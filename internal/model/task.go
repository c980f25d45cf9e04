package model

import "time"

type TaskEntry struct {
	ID          string    `yaml:"id" json:"id"`
	Subject     string    `yaml:"subject" json:"subject"`
	Description string    `yaml:"description" json:"description"`
	Owner       string    `yaml:"owner,omitempty" json:"owner,omitempty"`
	Status      Status    `yaml:"status" json:"status"`
	BlockedBy   []string  `yaml:"blocked_by" json:"blocked_by"`
	CreatedAt   time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt   time.Time `yaml:"updated_at" json:"updated_at"`
}

// Clone returns a copy whose BlockedBy slice is not shared.
func (t TaskEntry) Clone() TaskEntry {
	c := t
	c.BlockedBy = append([]string(nil), t.BlockedBy...)
	return c
}

type Reachability string

const (
	ReachabilityActive      Reachability = "active"
	ReachabilityUnreachable Reachability = "unreachable"
)

type WorkerRecord struct {
	ID           string       `yaml:"id" json:"id"`
	Role         Role         `yaml:"role" json:"role"`
	Reachability Reachability `yaml:"reachability" json:"reachability"`
	SpawnedAt    time.Time    `yaml:"spawned_at" json:"spawned_at"`
	ReplacedBy   string       `yaml:"replaced_by,omitempty" json:"replaced_by,omitempty"`
}

package store

import (
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// Run is the persisted representation of a run.
type Run struct {
	ID             string                `json:"id"`
	CorrelationID  string                `json:"correlation_id"`
	ContextID      string                `json:"context_id"`
	Objective      string                `json:"objective"`
	OutputMode     schema.OutputMode     `json:"output_mode"`
	TerminalStatus schema.TerminalStatus `json:"terminal_status"`
	BlockReason    string                `json:"block_reason,omitempty"`
	Snapshot       *schema.RunSnapshot   `json:"snapshot,omitempty"`
	Version        int64                 `json:"version"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	ArchivedAt     *time.Time            `json:"archived_at,omitempty"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	ContextID       string
	TerminalStatus  *schema.TerminalStatus
	Since           *time.Time
	IncludeArchived bool
	Limit           int
	Offset          int
}

// EventFilter narrows GetEventsByKind.
type EventFilter struct {
	RunID  string
	ItemID string
	Since  *time.Time
	Limit  int
}

package streaming

import (
	"context"
	"slices"

	"github.com/rendis/conductor/pkg/schema"
)

// EventFilter selects events for a subscriber. Zero fields match everything.
type EventFilter struct {
	RunID string   `json:"run_id,omitempty"`
	Kinds []string `json:"kinds,omitempty"`
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e schema.Event) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	return len(f.Kinds) == 0 || slices.Contains(f.Kinds, e.Kind)
}

// EventHub fans live run events out to subscribers. Delivery is best-effort;
// the event log stays the source of truth.
type EventHub interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error)
}

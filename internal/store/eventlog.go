package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rendis/conductor/pkg/schema"
)

// EventLog provides audit operations on top of a Store's event log.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide audit operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *schema.Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// ItemTrace is the history of one agenda item reconstructed from events.
type ItemTrace struct {
	ItemID     string            `json:"item_id"`
	Status     schema.ItemStatus `json:"status"`
	Attempts   int               `json:"attempts"`
	Calls      []string          `json:"calls,omitempty"`
	Superseded bool              `json:"superseded,omitempty"`
}

// decisionPayload is the subset of a decision.applied payload needed for replay.
type decisionPayload struct {
	Type       schema.DecisionType `json:"decision_type"`
	Superseded []string            `json:"superseded,omitempty"`
}

// callPayload is the subset of a worker.call.completed payload needed for replay.
type callPayload struct {
	Status schema.CallStatus `json:"status"`
}

// ReplayItems rebuilds per-item status from a run's event log. It fails when
// the log has sequence gaps, which would make the reconstruction unreliable.
func (el *EventLog) ReplayItems(ctx context.Context, runID string) ([]*ItemTrace, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	traces := make(map[string]*ItemTrace)
	trace := func(id string) *ItemTrace {
		t, ok := traces[id]
		if !ok {
			t = &ItemTrace{ItemID: id, Status: schema.ItemStatusPending}
			traces[id] = t
		}
		return t
	}

	for _, e := range events {
		switch e.Kind {
		case schema.EventAgendaCreated:
			trace(e.ItemID)
		case schema.EventItemReady:
			trace(e.ItemID).Status = schema.ItemStatusReady
		case schema.EventWorkerCallStarted:
			t := trace(e.ItemID)
			t.Status = schema.ItemStatusDispatched
			t.Attempts++
			t.Calls = append(t.Calls, e.CallID)
		case schema.EventWorkerCallCompleted:
			var p callPayload
			_ = json.Unmarshal(e.Payload, &p)
			t := trace(e.ItemID)
			if p.Status == schema.CallStatusSucceeded {
				t.Status = schema.ItemStatusCompleted
			} else {
				t.Status = schema.ItemStatusFailed
			}
		case schema.EventDecisionApplied:
			var p decisionPayload
			_ = json.Unmarshal(e.Payload, &p)
			for _, id := range p.Superseded {
				t := trace(id)
				t.Status = schema.ItemStatusSuperseded
				t.Superseded = true
			}
		}
	}

	out := make([]*ItemTrace, 0, len(traces))
	for _, t := range traces {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

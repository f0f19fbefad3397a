package agenda

import (
	"slices"

	"github.com/rendis/conductor/pkg/schema"
)

// ValidItemTransitions defines the allowed status transitions for agenda items.
// Block is a run-level outcome and never appears here.
var ValidItemTransitions = map[schema.ItemStatus][]schema.ItemStatus{
	schema.ItemStatusPending:    {schema.ItemStatusReady, schema.ItemStatusSuperseded},
	schema.ItemStatusReady:      {schema.ItemStatusDispatched, schema.ItemStatusSuperseded},
	schema.ItemStatusDispatched: {schema.ItemStatusCompleted, schema.ItemStatusFailed},
	schema.ItemStatusFailed:     {schema.ItemStatusReady, schema.ItemStatusSuperseded},
	schema.ItemStatusCompleted:  {},
	schema.ItemStatusSuperseded: {},
}

// CanTransition reports whether an item may move from one status to another.
func CanTransition(from, to schema.ItemStatus) bool {
	allowed, ok := ValidItemTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

func transition(it *schema.AgendaItem, to schema.ItemStatus) error {
	if !CanTransition(it.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid item transition: %s -> %s", it.Status, to).
			WithItem(it.ID).
			WithDetails(map[string]any{"from": string(it.Status), "to": string(to)})
	}
	it.Status = to
	return nil
}

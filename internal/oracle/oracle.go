// Package oracle decides what a run does next. Every implementation is a
// pure function of the snapshot it is given: it never mutates run state and
// the run loop applies the returned decision.
package oracle

import (
	"context"
	"slices"

	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
)

// Plan is the initial agenda proposed at bootstrap.
type Plan = validation.Plan

// BootstrapRequest carries what an oracle needs to decompose an objective.
type BootstrapRequest struct {
	RunID        string
	Objective    string
	ContextID    string
	Capabilities []schema.CapabilityStatus
}

// Oracle produces the initial agenda of a run and the next decision for a
// snapshot. Errors coded INVALID_DECISION are treated as a discarded decision;
// any other error is an oracle failure and is retried by the run loop.
type Oracle interface {
	Name() string
	Bootstrap(ctx context.Context, req BootstrapRequest) (*Plan, error)
	Evaluate(ctx context.Context, snap *schema.RunSnapshot) (*schema.Decision, error)
}

// Available returns the names of capabilities currently accepting calls.
func Available(caps []schema.CapabilityStatus) []schema.Capability {
	var out []schema.Capability
	for _, c := range caps {
		if c.Available {
			out = append(out, c.Name)
		}
	}
	return out
}

// Lineage returns the capabilities already tried by an item and its
// followup ancestors, oldest first.
func Lineage(snap *schema.RunSnapshot, itemID string) []schema.Capability {
	var chain []schema.Capability
	seen := map[string]bool{}
	for id := itemID; id != "" && !seen[id]; {
		seen[id] = true
		it, ok := snap.Agenda[id]
		if !ok {
			break
		}
		if !slices.Contains(chain, it.Capability) {
			chain = append(chain, it.Capability)
		}
		id = it.ParentItemID
	}
	slices.Reverse(chain)
	return chain
}

// Facts flattens a snapshot into the variables CEL predicates see:
// run metadata, per-status counts (plus "active" and "exhausted"), and the
// agenda as a list of maps.
func Facts(snap *schema.RunSnapshot, exhausted int) map[string]any {
	counts := map[string]any{
		"active":    int64(len(snap.ActiveCalls)),
		"exhausted": int64(exhausted),
		"total":     int64(len(snap.Agenda)),
		"calls":     int64(len(snap.Calls)),
	}
	for _, st := range []schema.ItemStatus{
		schema.ItemStatusPending, schema.ItemStatusReady, schema.ItemStatusDispatched,
		schema.ItemStatusCompleted, schema.ItemStatusFailed, schema.ItemStatusSuperseded,
	} {
		counts[string(st)] = int64(0)
	}
	for st, n := range snap.StatusCounts() {
		counts[string(st)] = int64(n)
	}

	items := make([]any, 0, len(snap.Agenda))
	for _, it := range snap.Items() {
		items = append(items, map[string]any{
			"id":            it.ID,
			"capability":    string(it.Capability),
			"status":        string(it.Status),
			"attempt_count": int64(it.AttemptCount),
			"priority":      int64(it.Priority),
			"optional":      it.Optional,
			"parent":        it.ParentItemID,
		})
	}

	return map[string]any{
		"run": map[string]any{
			"id":         snap.RunID,
			"objective":  snap.OriginalObjective,
			"context_id": snap.ContextID,
			"version":    snap.Version,
			"decisions":  int64(len(snap.DecisionLog)),
		},
		"counts": counts,
		"items":  items,
	}
}

package schema

import (
	"strconv"
	"time"
)

// DecisionType discriminates the Decision tagged union.
type DecisionType string

const (
	DecisionDispatch      DecisionType = "dispatch"
	DecisionRetry         DecisionType = "retry"
	DecisionSpawnFollowup DecisionType = "spawn_followup"
	DecisionContinue      DecisionType = "continue"
	DecisionComplete      DecisionType = "complete"
	DecisionBlock         DecisionType = "block"
)

// Valid reports whether t is a known decision type.
func (t DecisionType) Valid() bool {
	switch t {
	case DecisionDispatch, DecisionRetry, DecisionSpawnFollowup,
		DecisionContinue, DecisionComplete, DecisionBlock:
		return true
	}
	return false
}

// Terminal reports whether applying the decision ends the run.
func (t DecisionType) Terminal() bool {
	return t == DecisionComplete || t == DecisionBlock
}

// Decision is a single policy step returned by an oracle.
// The meaning of TargetItemIDs depends on Type:
//   - dispatch: ready items to start
//   - retry: failed items to run again on the same capability
//   - spawn_followup: items superseded by NewItems
//   - complete, block, continue: unused
type Decision struct {
	ID                string            `json:"id,omitempty"`
	Type              DecisionType      `json:"decision_type"`
	TargetItemIDs     []string          `json:"target_agenda_item_ids,omitempty"`
	NewItems          []AgendaItem      `json:"new_agenda_items,omitempty"`
	RefinedObjectives map[string]string `json:"refined_objectives,omitempty"`
	Rationale         string            `json:"rationale"`
	Confidence        float64           `json:"confidence"`
	BlockReason       string            `json:"block_reason,omitempty"`
	AcceptPartial     bool              `json:"accept_partial,omitempty"`
	Source            string            `json:"source,omitempty"`
	DecidedAt         time.Time         `json:"decided_at"`
}

// Validate checks the shape of the decision without looking at any agenda.
// Agenda-dependent checks (unknown targets, dangling dependencies, status
// transitions) are performed when the decision is applied.
func (d *Decision) Validate() error {
	r := &ValidationResult{}
	if !d.Type.Valid() {
		r.AddError("decision_type", ErrCodeInvalidDecision, "unknown decision type "+string(d.Type))
		return r.ToError(ErrCodeInvalidDecision)
	}
	if d.Rationale == "" {
		r.AddError("rationale", ErrCodeInvalidDecision, "rationale is required")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		r.AddError("confidence", ErrCodeInvalidDecision, "confidence must be within [0,1]")
	}
	if d.Type != DecisionBlock && d.BlockReason != "" {
		r.AddError("block_reason", ErrCodeInvalidDecision, "block_reason is only valid on block")
	}
	if d.Type != DecisionSpawnFollowup && len(d.NewItems) > 0 {
		r.AddError("new_agenda_items", ErrCodeInvalidDecision, "new items are only valid on spawn_followup")
	}
	if d.Type != DecisionRetry && len(d.RefinedObjectives) > 0 {
		r.AddError("refined_objectives", ErrCodeInvalidDecision, "refined objectives are only valid on retry")
	}

	seen := make(map[string]bool, len(d.TargetItemIDs))
	for _, id := range d.TargetItemIDs {
		if id == "" {
			r.AddError("target_agenda_item_ids", ErrCodeInvalidDecision, "empty target id")
			continue
		}
		if seen[id] {
			r.AddError("target_agenda_item_ids", ErrCodeInvalidDecision, "duplicate target "+id)
		}
		seen[id] = true
	}

	switch d.Type {
	case DecisionDispatch, DecisionRetry:
		if len(d.TargetItemIDs) == 0 {
			r.AddError("target_agenda_item_ids", ErrCodeInvalidDecision, string(d.Type)+" requires at least one target")
		}
		for id := range d.RefinedObjectives {
			if !seen[id] {
				r.AddError("refined_objectives", ErrCodeInvalidDecision, "refined objective for non-target "+id)
			}
		}
	case DecisionSpawnFollowup:
		if len(d.TargetItemIDs) == 0 {
			r.AddError("target_agenda_item_ids", ErrCodeInvalidDecision, "spawn_followup requires a target")
		}
		if len(d.NewItems) == 0 {
			r.AddError("new_agenda_items", ErrCodeInvalidDecision, "spawn_followup requires new items")
		}
		for i, it := range d.NewItems {
			if it.Objective == "" {
				r.AddError(itemPath(i, "objective"), ErrCodeInvalidDecision, "objective is required")
			}
			if it.Capability == "" {
				r.AddError(itemPath(i, "capability"), ErrCodeInvalidDecision, "capability is required")
			}
		}
	case DecisionContinue:
		if len(d.TargetItemIDs) > 0 {
			r.AddError("target_agenda_item_ids", ErrCodeInvalidDecision, "continue takes no targets")
		}
	case DecisionBlock:
		if d.BlockReason == "" {
			r.AddError("block_reason", ErrCodeInvalidDecision, "block requires a block_reason")
		}
	}
	return r.ToError(ErrCodeInvalidDecision)
}

func itemPath(i int, field string) string {
	return "new_agenda_items[" + strconv.Itoa(i) + "]." + field
}

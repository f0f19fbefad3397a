package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecision_Validate(t *testing.T) {
	tests := []struct {
		name     string
		decision Decision
		wantErr  bool
	}{
		{
			name:     "dispatch with targets",
			decision: Decision{Type: DecisionDispatch, TargetItemIDs: []string{"a"}, Rationale: "go", Confidence: 0.9},
		},
		{
			name:     "dispatch without targets",
			decision: Decision{Type: DecisionDispatch, Rationale: "go"},
			wantErr:  true,
		},
		{
			name:     "unknown type",
			decision: Decision{Type: "explode", Rationale: "go"},
			wantErr:  true,
		},
		{
			name:     "missing rationale",
			decision: Decision{Type: DecisionContinue},
			wantErr:  true,
		},
		{
			name:     "confidence out of range",
			decision: Decision{Type: DecisionContinue, Rationale: "wait", Confidence: 1.5},
			wantErr:  true,
		},
		{
			name:     "spawn followup without new items",
			decision: Decision{Type: DecisionSpawnFollowup, TargetItemIDs: []string{"a"}, Rationale: "split"},
			wantErr:  true,
		},
		{
			name: "spawn followup with items",
			decision: Decision{
				Type: DecisionSpawnFollowup, TargetItemIDs: []string{"a"}, Rationale: "split",
				NewItems: []AgendaItem{{Capability: CapabilityResearch, Objective: "look it up"}},
			},
		},
		{
			name: "spawn followup item missing capability",
			decision: Decision{
				Type: DecisionSpawnFollowup, TargetItemIDs: []string{"a"}, Rationale: "split",
				NewItems: []AgendaItem{{Objective: "look it up"}},
			},
			wantErr: true,
		},
		{
			name:     "block without reason",
			decision: Decision{Type: DecisionBlock, Rationale: "stuck"},
			wantErr:  true,
		},
		{
			name:     "block reason on complete",
			decision: Decision{Type: DecisionComplete, Rationale: "done", BlockReason: "nope"},
			wantErr:  true,
		},
		{
			name:     "duplicate targets",
			decision: Decision{Type: DecisionRetry, TargetItemIDs: []string{"a", "a"}, Rationale: "again"},
			wantErr:  true,
		},
		{
			name: "refined objective for non-target",
			decision: Decision{
				Type: DecisionRetry, TargetItemIDs: []string{"a"}, Rationale: "again",
				RefinedObjectives: map[string]string{"b": "other"},
			},
			wantErr: true,
		},
		{
			name:     "continue with targets",
			decision: Decision{Type: DecisionContinue, TargetItemIDs: []string{"a"}, Rationale: "wait"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decision.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, ErrCodeInvalidDecision, ErrorCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSubmission_Validate(t *testing.T) {
	ok := Submission{Objective: "list files", ContextID: "ctx"}
	assert.NoError(t, ok.Validate())

	empty := Submission{Objective: "  ", ContextID: ""}
	err := empty.Validate()
	assert.Equal(t, ErrCodeValidation, ErrorCode(err))

	dangling := Submission{
		Objective: "x", ContextID: "ctx",
		WorkerPlan: []AgendaItem{
			{ID: "a", Capability: CapabilityCommand, Objective: "ls"},
			{ID: "b", Capability: CapabilityCommand, Objective: "wc", Dependencies: []string{"zzz"}},
		},
	}
	assert.Error(t, dangling.Validate())

	badMode := Submission{Objective: "x", ContextID: "ctx", OutputMode: "pdf"}
	assert.Error(t, badMode.Validate())
}

func TestRunSnapshot_CloneIsDeep(t *testing.T) {
	snap := &RunSnapshot{
		Agenda: map[string]AgendaItem{
			"a": {ID: "a", Dependencies: []string{"b"}, Seq: 2},
			"b": {ID: "b", Seq: 1},
		},
		DecisionLog: []Decision{{Type: DecisionDispatch, TargetItemIDs: []string{"b"}}},
	}
	clone := snap.Clone()
	clone.Agenda["a"].Dependencies[0] = "mutated"
	clone.DecisionLog[0].TargetItemIDs[0] = "mutated"

	assert.Equal(t, "b", snap.Agenda["a"].Dependencies[0])
	assert.Equal(t, "b", snap.DecisionLog[0].TargetItemIDs[0])

	items := snap.Items()
	assert.Equal(t, "b", items[0].ID)
	assert.Equal(t, "a", items[1].ID)
}

package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

func newValidator(t *testing.T) *PayloadValidator {
	t.Helper()
	v, err := NewPayloadValidator()
	require.NoError(t, err)
	return v
}

func TestDecodeDecision(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name     string
		payload  string
		wantType schema.DecisionType
		wantErr  bool
	}{
		{
			name:     "dispatch",
			payload:  `{"decision_type":"dispatch","target_agenda_item_ids":["a","b"],"rationale":"both ready","confidence":0.8}`,
			wantType: schema.DecisionDispatch,
		},
		{
			name:    "dispatch without targets",
			payload: `{"decision_type":"dispatch","rationale":"go"}`,
			wantErr: true,
		},
		{
			name: "spawn followup",
			payload: `{"decision_type":"spawn_followup","target_agenda_item_ids":["a"],"rationale":"split",
				"new_agenda_items":[{"capability":"research","objective":"find docs"}]}`,
			wantType: schema.DecisionSpawnFollowup,
		},
		{
			name:    "spawn followup with empty items",
			payload: `{"decision_type":"spawn_followup","target_agenda_item_ids":["a"],"rationale":"split","new_agenda_items":[]}`,
			wantErr: true,
		},
		{
			name:    "block without reason",
			payload: `{"decision_type":"block","rationale":"stuck"}`,
			wantErr: true,
		},
		{
			name:     "block with reason",
			payload:  `{"decision_type":"block","rationale":"stuck","block_reason":"5 items failed across 12 calls"}`,
			wantType: schema.DecisionBlock,
		},
		{
			name:    "reason on non-block",
			payload: `{"decision_type":"continue","rationale":"wait","block_reason":"nope"}`,
			wantErr: true,
		},
		{
			name:     "empty reason on non-block",
			payload:  `{"decision_type":"continue","rationale":"wait","block_reason":""}`,
			wantType: schema.DecisionContinue,
		},
		{
			name:    "unknown type",
			payload: `{"decision_type":"panic","rationale":"x"}`,
			wantErr: true,
		},
		{
			name:    "confidence out of range",
			payload: `{"decision_type":"complete","rationale":"done","confidence":3}`,
			wantErr: true,
		},
		{
			name:    "not json",
			payload: `decision: complete`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := v.DecodeDecision([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, schema.ErrCodeInvalidDecision, schema.ErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, d.Type)
		})
	}
}

func TestDecodeSubmission(t *testing.T) {
	v := newValidator(t)

	sub, err := v.DecodeSubmission([]byte(`{
		"objective": "list files in sandbox",
		"context_id": "ctx-1",
		"worker_plan": [
			{"id": "ls", "capability": "command", "objective": "ls -la"},
			{"id": "wc", "capability": "command", "objective": "ls | wc -l", "dependencies": ["ls"]}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "ctx-1", sub.ContextID)
	require.Len(t, sub.WorkerPlan, 2)
	assert.Equal(t, []string{"ls"}, sub.WorkerPlan[1].Dependencies)

	_, err = v.DecodeSubmission([]byte(`{"objective": "", "context_id": "ctx"}`))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = v.DecodeSubmission([]byte(`{"objective": "x", "context_id": "ctx", "surprise": true}`))
	assert.Error(t, err)

	_, err = v.DecodeSubmission([]byte(`{"objective": "x", "context_id": "ctx",
		"worker_plan": [{"id": "a", "capability": "command", "objective": "ls", "dependencies": ["b"]}]}`))
	assert.Error(t, err, "dangling plan dependency must be rejected before a run exists")
}

func TestValidateSubmission_Struct(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateSubmission(&schema.Submission{
		Objective: "x", ContextID: "c",
		WorkerPlan: []schema.AgendaItem{{Capability: schema.CapabilityCommand, Objective: "ls"}},
	}))
	assert.Error(t, v.ValidateSubmission(&schema.Submission{Objective: "x"}))
}

func TestDecodePlan(t *testing.T) {
	v := newValidator(t)

	plan, err := v.DecodePlan([]byte(`{"items":[{"capability":"command","objective":"ls -la","success_criteria":["listing printed"]}],"rationale":"single step"}`))
	require.NoError(t, err)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, schema.CapabilityCommand, plan.Items[0].Capability)

	_, err = v.DecodePlan([]byte(`{"items":[]}`))
	assert.Error(t, err)

	_, err = v.DecodePlan([]byte(`{"items":[{"capability":"Command!","objective":"x"}]}`))
	assert.Error(t, err)
}

func TestPayloadValidator_Concurrent(t *testing.T) {
	v := newValidator(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.DecodeDecision([]byte(`{"decision_type":"continue","rationale":"wait"}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

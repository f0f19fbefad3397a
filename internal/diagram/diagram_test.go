package diagram

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

// reportSnapshot is a small agenda: two research items feed a command item,
// and one failed item was superseded by a followup.
func reportSnapshot() *schema.RunSnapshot {
	items := []schema.AgendaItem{
		{ID: "a", Capability: "research", Objective: "find vendors\nwith details", Status: schema.ItemStatusCompleted, AttemptCount: 1, Seq: 1},
		{ID: "b", Capability: "research", Objective: "find prices", Status: schema.ItemStatusSuperseded, AttemptCount: 3, Seq: 2},
		{ID: "c", Capability: "command", Objective: "compare", Dependencies: []string{"a", "b2"}, Status: schema.ItemStatusPending, Seq: 4},
		{ID: "b2", Capability: "research", Objective: "find prices again", ParentItemID: "b", Status: schema.ItemStatusDispatched, Optional: true, Seq: 3},
	}
	snap := &schema.RunSnapshot{
		RunID:             "run-1",
		OriginalObjective: "vendor comparison",
		Agenda:            make(map[string]schema.AgendaItem),
	}
	for _, it := range items {
		snap.Agenda[it.ID] = it
	}
	return snap
}

func TestFromSnapshot(t *testing.T) {
	m := FromSnapshot(reportSnapshot())

	assert.Equal(t, "vendor comparison", m.Title)
	require.Len(t, m.Nodes, 4)
	assert.Equal(t, []string{"a", "b", "b2", "c"}, []string{m.Nodes[0].ID, m.Nodes[1].ID, m.Nodes[2].ID, m.Nodes[3].ID})
	assert.Equal(t, "find vendors", m.Nodes[0].Label)

	assert.ElementsMatch(t, []Edge{
		{From: "a", To: "c", Kind: EdgeDependency},
		{From: "b2", To: "c", Kind: EdgeDependency},
		{From: "b", To: "b2", Kind: EdgeFollowup},
	}, m.Edges)

	assert.Equal(t, [][]string{{"a", "b", "b2"}, {"c"}}, m.Levels)
}

func TestFromSnapshot_CycleDoesNotHang(t *testing.T) {
	snap := &schema.RunSnapshot{Agenda: map[string]schema.AgendaItem{
		"x": {ID: "x", Dependencies: []string{"y"}, Seq: 1},
		"y": {ID: "y", Dependencies: []string{"x"}, Seq: 2},
	}}
	m := FromSnapshot(snap)
	assert.Len(t, m.Nodes, 2)
	assert.NotEmpty(t, m.Levels)
}

func TestFromSnapshot_UnknownDependencyIgnored(t *testing.T) {
	snap := &schema.RunSnapshot{Agenda: map[string]schema.AgendaItem{
		"x": {ID: "x", Dependencies: []string{"gone"}, Seq: 1},
	}}
	m := FromSnapshot(snap)
	assert.Empty(t, m.Edges)
	assert.Equal(t, [][]string{{"x"}}, m.Levels)
}

func TestRenderMermaid(t *testing.T) {
	out := RenderMermaid(FromSnapshot(reportSnapshot()))

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% vendor comparison")
	assert.Contains(t, out, `n_a["research: find vendors"]`)
	assert.Contains(t, out, `n_b["research: find prices (x3)"]`)
	assert.Contains(t, out, `n_b2("research: find prices again")`)
	assert.Contains(t, out, "n_a --> n_c")
	assert.Contains(t, out, "n_b -.->|followup| n_b2")
	assert.Contains(t, out, "class n_a completed")
	assert.Contains(t, out, "class n_b superseded")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "n_item_1_x", mermaidSafeID("item-1.x"))
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abcdefg...", clip("abcdefghijklmnop", 10))
}

func TestRenderASCII(t *testing.T) {
	out := RenderASCII(FromSnapshot(reportSnapshot()))

	assert.Contains(t, out, "=== vendor comparison ===")
	assert.Contains(t, out, "level 0")
	assert.Contains(t, out, "level 1")
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "[SUPERSEDED]")
	assert.Contains(t, out, "b research: find prices (x3)")
	assert.Contains(t, out, "b2 research: find prices again (optional)")
	assert.Contains(t, out, "<- a, b2")
	assert.Contains(t, out, "followup of b")

	assert.Less(t, strings.Index(out, "level 0"), strings.Index(out, "c command: compare"))
	assert.Less(t, strings.Index(out, "level 1"), strings.Index(out, "c command: compare"))
}

func TestStatusTag(t *testing.T) {
	tests := []struct {
		status schema.ItemStatus
		want   string
	}{
		{schema.ItemStatusCompleted, "[OK]"},
		{schema.ItemStatusFailed, "[FAIL]"},
		{schema.ItemStatusDispatched, "[RUN]"},
		{schema.ItemStatusReady, "[READY]"},
		{schema.ItemStatusPending, "[PEND]"},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, statusTag(tc.status), string(tc.status))
	}
}

func TestRenderSVG(t *testing.T) {
	out, err := RenderSVG(context.Background(), FromSnapshot(reportSnapshot()))
	require.NoError(t, err)
	assert.Contains(t, string(out), "<svg")
}

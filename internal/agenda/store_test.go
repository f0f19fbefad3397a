package agenda

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	n := 0
	return New("run-1",
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("gen-%d", n)
		}),
		WithCapabilities(func(c schema.Capability) bool {
			return c == schema.CapabilityCommand || c == schema.CapabilityResearch
		}),
	)
}

func cmdItem(id string, deps ...string) schema.AgendaItem {
	return schema.AgendaItem{ID: id, Capability: schema.CapabilityCommand, Objective: "run " + id, Dependencies: deps}
}

func decision(typ schema.DecisionType, targets ...string) *schema.Decision {
	return &schema.Decision{Type: typ, TargetItemIDs: targets, Rationale: "test", Confidence: 1}
}

// assertResolved checks that every dependency points at an item of the same agenda.
func assertResolved(t *testing.T, s *Store) {
	t.Helper()
	items := s.Items()
	for id, it := range items {
		for _, dep := range it.Dependencies {
			_, ok := items[dep]
			assert.True(t, ok, "item %s has dangling dependency %s", id, dep)
		}
	}
}

// idOf returns the ID of the item created under key.
func idOf(t *testing.T, s *Store, key string) string {
	t.Helper()
	it, ok := s.Get(key)
	require.True(t, ok, "no item with key %s", key)
	return it.ID
}

// keysOf maps item IDs to their keys.
func keysOf(t *testing.T, s *Store, ids []string) []string {
	t.Helper()
	keys := make([]string, len(ids))
	for i, id := range ids {
		it, ok := s.Get(id)
		require.True(t, ok, "no item %s", id)
		keys[i] = it.Key
	}
	return keys
}

func dispatchAndFail(t *testing.T, s *Store, key string) {
	t.Helper()
	_, err := s.ApplyDecision(decision(schema.DecisionDispatch, key))
	require.NoError(t, err)
	require.NoError(t, s.FailItem(idOf(t, s, key), &schema.CallError{Code: schema.ErrCodeWorkerExecution, Message: "boom"}))
}

func TestCreate_AssignsDefaults(t *testing.T) {
	s := newTestStore(t)
	it, err := s.Create(schema.AgendaItem{
		Capability: schema.CapabilityCommand, Objective: "ls",
		Status: schema.ItemStatusCompleted, AttemptCount: 7,
	})
	require.NoError(t, err)

	assert.Equal(t, "gen-1", it.ID)
	assert.Empty(t, it.Key)
	assert.Equal(t, schema.ItemStatusPending, it.Status)
	assert.Zero(t, it.AttemptCount)
	assert.Equal(t, int64(1), it.Seq)
	assert.False(t, it.CreatedAt.IsZero())
}

func TestCreate_DanglingDependency(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(cmdItem("a", "missing"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDanglingDependency, schema.ErrorCode(err))
	assert.Zero(t, s.Len())
}

func TestCreate_UnknownCapability(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(schema.AgendaItem{ID: "a", Capability: "teleport", Objective: "x"})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestCreateBatch_CycleRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateBatch([]schema.AgendaItem{cmdItem("a", "b"), cmdItem("b", "a")})
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.ErrorCode(err))
	assert.Zero(t, s.Len())
}

func TestCreateBatch_SuppliedIDBecomesKey(t *testing.T) {
	s := newTestStore(t)
	created, err := s.CreateBatch([]schema.AgendaItem{cmdItem("zeta"), cmdItem("alpha", "zeta")})
	require.NoError(t, err)
	require.Len(t, created, 2)

	assert.Equal(t, "gen-1", created[0].ID)
	assert.Equal(t, "zeta", created[0].Key)
	assert.Equal(t, "gen-2", created[1].ID)
	assert.Equal(t, "alpha", created[1].Key)
	assert.Equal(t, []string{"gen-1"}, created[1].Dependencies)
	assertResolved(t, s)
}

func TestCreateBatch_IDsUniqueAcrossRunsAndSortable(t *testing.T) {
	plan := []schema.AgendaItem{cmdItem("zeta"), cmdItem("alpha", "zeta")}
	var all []schema.AgendaItem
	for _, runID := range []string{"run-1", "run-2"} {
		s := New(runID)
		created, err := s.CreateBatch(plan)
		require.NoError(t, err)
		all = append(all, created...)
	}

	seen := make(map[string]bool, len(all))
	for _, it := range all {
		assert.False(t, seen[it.ID], "id %s reused", it.ID)
		seen[it.ID] = true
	}
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID, "ids must sort in creation order")
	}
	assert.Equal(t, "zeta", all[2].Key)
	assert.Equal(t, []string{all[2].ID}, all[3].Dependencies)
}

func TestCreateBatch_DuplicateKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(cmdItem("a"))
	require.NoError(t, err)
	_, err = s.CreateBatch([]schema.AgendaItem{cmdItem("a")})
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
	_, err = s.CreateBatch([]schema.AgendaItem{cmdItem("b"), cmdItem("b")})
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
	assert.Equal(t, 1, s.Len())
}

func TestCreateBatch_NegativePriorityAccepted(t *testing.T) {
	s := newTestStore(t)
	late := cmdItem("late")
	urgent := cmdItem("urgent")
	urgent.Priority = -3
	_, err := s.CreateBatch([]schema.AgendaItem{late, urgent})
	require.NoError(t, err)
	assert.Equal(t, []string{"urgent", "late"}, keysOf(t, s, s.MarkReady()))
}

func TestMarkReady_RespectsDependencies(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateBatch([]schema.AgendaItem{cmdItem("a"), cmdItem("b", "a"), cmdItem("c")})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c"}, keysOf(t, s, s.MarkReady()))
	b, _ := s.Get("b")
	assert.Equal(t, schema.ItemStatusPending, b.Status)

	_, err = s.ApplyDecision(decision(schema.DecisionDispatch, "a"))
	require.NoError(t, err)
	assert.Empty(t, s.MarkReady())

	require.NoError(t, s.CompleteItem(idOf(t, s, "a"), "art-1"))
	assert.Equal(t, []string{"b"}, keysOf(t, s, s.MarkReady()))

	a, _ := s.Get("a")
	assert.Equal(t, "art-1", a.ArtifactID)
}

func TestMarkReady_PriorityOrder(t *testing.T) {
	s := newTestStore(t)
	low := cmdItem("low")
	low.Priority = 5
	high := cmdItem("high")
	high.Priority = 1
	_, err := s.CreateBatch([]schema.AgendaItem{low, high})
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, keysOf(t, s, s.MarkReady()))
}

func TestApplyDecision_DispatchIncrementsAttempt(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateBatch([]schema.AgendaItem{cmdItem("a"), cmdItem("b")})
	require.NoError(t, err)
	s.MarkReady()

	eff, err := s.ApplyDecision(decision(schema.DecisionDispatch, "a", "b"))
	require.NoError(t, err)
	require.Len(t, eff.Dispatch, 2)
	assert.Equal(t, "a", eff.Dispatch[0].Key)

	for _, id := range []string{"a", "b"} {
		it, _ := s.Get(id)
		assert.Equal(t, schema.ItemStatusDispatched, it.Status)
		assert.Equal(t, 1, it.AttemptCount)
	}
}

func TestApplyDecision_DispatchNotReadyIsAtomic(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateBatch([]schema.AgendaItem{cmdItem("a"), cmdItem("b", "a")})
	require.NoError(t, err)
	s.MarkReady()

	before := s.Items()
	_, err = s.ApplyDecision(decision(schema.DecisionDispatch, "a", "b"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
	assert.Equal(t, before, s.Items(), "rejected decision must not mutate the agenda")
}

func TestApplyDecision_DispatchTwiceRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(cmdItem("a"))
	require.NoError(t, err)
	s.MarkReady()

	_, err = s.ApplyDecision(decision(schema.DecisionDispatch, "a"))
	require.NoError(t, err)
	_, err = s.ApplyDecision(decision(schema.DecisionDispatch, "a"))
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))

	it, _ := s.Get("a")
	assert.Equal(t, 1, it.AttemptCount)
}

func TestApplyDecision_UnknownTarget(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ApplyDecision(decision(schema.DecisionDispatch, "ghost"))
	assert.Equal(t, schema.ErrCodeInvalidDecision, schema.ErrorCode(err))
}

func TestApplyDecision_AttemptCountEqualsDispatchPlusRetry(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(cmdItem("a"))
	require.NoError(t, err)
	s.MarkReady()

	dispatchAndFail(t, s, "a")
	for i := 0; i < 3; i++ {
		eff, err := s.ApplyDecision(decision(schema.DecisionRetry, "a"))
		require.NoError(t, err)
		require.Len(t, eff.Dispatch, 1)
		require.NoError(t, s.FailItem(eff.Dispatch[0].ID, nil))
	}

	it, _ := s.Get("a")
	assert.Equal(t, 4, it.AttemptCount)
	assert.Equal(t, schema.ItemStatusFailed, it.Status)
}

func TestApplyDecision_RetryRefinesObjective(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(cmdItem("a"))
	require.NoError(t, err)
	s.MarkReady()
	dispatchAndFail(t, s, "a")

	d := decision(schema.DecisionRetry, "a")
	d.RefinedObjectives = map[string]string{"a": "ls -la"}
	_, err = s.ApplyDecision(d)
	require.NoError(t, err)

	it, _ := s.Get("a")
	assert.Equal(t, "ls -la", it.Objective)
	assert.Nil(t, it.LastError)
}

func TestApplyDecision_RetryRequiresFailed(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(cmdItem("a"))
	require.NoError(t, err)
	s.MarkReady()

	_, err = s.ApplyDecision(decision(schema.DecisionRetry, "a"))
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}

func TestApplyDecision_SpawnFollowupSupersedesAndRewires(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateBatch([]schema.AgendaItem{cmdItem("a"), cmdItem("b", "a")})
	require.NoError(t, err)
	s.MarkReady()
	dispatchAndFail(t, s, "a")

	d := decision(schema.DecisionSpawnFollowup, "a")
	d.NewItems = []schema.AgendaItem{
		{ID: "a1", Capability: schema.CapabilityResearch, Objective: "look up part one"},
		{ID: "a2", Capability: schema.CapabilityResearch, Objective: "look up part two", Dependencies: []string{"a1"}},
	}
	eff, err := s.ApplyDecision(d)
	require.NoError(t, err)
	assertResolved(t, s)

	require.Len(t, eff.Created, 2)

	a, _ := s.Get("a")
	assert.Equal(t, schema.ItemStatusSuperseded, a.Status)
	assert.Equal(t, []string{a.ID}, eff.Superseded)
	assert.Equal(t, []string{a.ID}, d.TargetItemIDs, "applied decision records item ids")
	for _, key := range []string{"a1", "a2"} {
		it, _ := s.Get(key)
		assert.Equal(t, a.ID, it.ParentItemID)
		assert.Equal(t, schema.ItemStatusPending, it.Status)
	}
	a2, _ := s.Get("a2")
	assert.Equal(t, []string{idOf(t, s, "a1")}, a2.Dependencies)

	b, _ := s.Get("b")
	assert.ElementsMatch(t, []string{idOf(t, s, "a1"), idOf(t, s, "a2")}, b.Dependencies)

	assert.Equal(t, []string{"a1"}, keysOf(t, s, s.MarkReady()))
}

func TestApplyDecision_SpawnFollowupDanglingIsAtomic(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(cmdItem("a"))
	require.NoError(t, err)
	s.MarkReady()
	dispatchAndFail(t, s, "a")

	before := s.Items()
	d := decision(schema.DecisionSpawnFollowup, "a")
	d.NewItems = []schema.AgendaItem{
		{ID: "a1", Capability: schema.CapabilityCommand, Objective: "x", Dependencies: []string{"nowhere"}},
	}
	_, err = s.ApplyDecision(d)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDanglingDependency, schema.ErrorCode(err))
	assert.Equal(t, before, s.Items())
	assertResolved(t, s)
}

func TestApplyDecision_SpawnFollowupCannotTargetCompleted(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(cmdItem("a"))
	require.NoError(t, err)
	s.MarkReady()
	_, err = s.ApplyDecision(decision(schema.DecisionDispatch, "a"))
	require.NoError(t, err)
	require.NoError(t, s.CompleteItem(idOf(t, s, "a"), ""))

	d := decision(schema.DecisionSpawnFollowup, "a")
	d.NewItems = []schema.AgendaItem{{Capability: schema.CapabilityCommand, Objective: "x"}}
	_, err = s.ApplyDecision(d)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}

func TestApplyDecision_SpawnFollowupMultipleTargetsNeedsParent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateBatch([]schema.AgendaItem{cmdItem("a"), cmdItem("b")})
	require.NoError(t, err)

	d := decision(schema.DecisionSpawnFollowup, "a", "b")
	d.NewItems = []schema.AgendaItem{{Capability: schema.CapabilityCommand, Objective: "x"}}
	_, err = s.ApplyDecision(d)
	assert.Equal(t, schema.ErrCodeInvalidDecision, schema.ErrorCode(err))

	d.NewItems[0].ParentItemID = "b"
	_, err = s.ApplyDecision(d)
	require.NoError(t, err)
}

func TestApplyDecision_CompleteRequiresFinishedItems(t *testing.T) {
	s := newTestStore(t)
	opt := cmdItem("opt")
	opt.Optional = true
	_, err := s.CreateBatch([]schema.AgendaItem{cmdItem("a"), opt})
	require.NoError(t, err)
	s.MarkReady()

	_, err = s.ApplyDecision(decision(schema.DecisionComplete))
	assert.Equal(t, schema.ErrCodeInvalidDecision, schema.ErrorCode(err))
	assert.Equal(t, schema.TerminalNone, s.Terminal())

	_, err = s.ApplyDecision(decision(schema.DecisionDispatch, "a"))
	require.NoError(t, err)
	require.NoError(t, s.CompleteItem(idOf(t, s, "a"), ""))

	eff, err := s.ApplyDecision(decision(schema.DecisionComplete))
	require.NoError(t, err)
	assert.Equal(t, schema.TerminalCompleted, eff.Terminal)
}

func TestApplyDecision_CompleteAcceptPartial(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(cmdItem("a"))
	require.NoError(t, err)

	d := decision(schema.DecisionComplete)
	d.AcceptPartial = true
	eff, err := s.ApplyDecision(d)
	require.NoError(t, err)
	assert.Equal(t, schema.TerminalCompleted, eff.Terminal)
}

func TestApplyDecision_NothingAppliesAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(cmdItem("a"))
	require.NoError(t, err)
	s.MarkReady()

	d := decision(schema.DecisionBlock)
	d.BlockReason = "1 item failed across 0 calls"
	_, err = s.ApplyDecision(d)
	require.NoError(t, err)
	assert.Equal(t, schema.TerminalBlocked, s.Terminal())

	_, err = s.ApplyDecision(decision(schema.DecisionDispatch, "a"))
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
	_, err = s.Create(cmdItem("b"))
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
	assert.Nil(t, s.MarkReady())
}

func TestWorkerResult_RequiresDispatched(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(cmdItem("a"))
	require.NoError(t, err)

	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(s.CompleteItem(idOf(t, s, "a"), "")))
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(s.FailItem("zzz", nil)))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(schema.ItemStatusFailed, schema.ItemStatusReady))
	assert.True(t, CanTransition(schema.ItemStatusFailed, schema.ItemStatusSuperseded))
	assert.False(t, CanTransition(schema.ItemStatusCompleted, schema.ItemStatusReady))
	assert.False(t, CanTransition(schema.ItemStatusDispatched, schema.ItemStatusSuperseded))
	assert.False(t, CanTransition("blocked", schema.ItemStatusReady))
}

func TestApplyDecision_RejectedDecisionKeepsReferences(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateBatch([]schema.AgendaItem{cmdItem("a"), cmdItem("b", "a")})
	require.NoError(t, err)
	s.MarkReady()

	d := decision(schema.DecisionDispatch, "a", "b")
	_, err = s.ApplyDecision(d)
	require.Error(t, err)
	assert.Equal(t, []string{"a", "b"}, d.TargetItemIDs)
}

func TestApplyDecision_TargetsByID(t *testing.T) {
	s := newTestStore(t)
	it, err := s.Create(cmdItem("a"))
	require.NoError(t, err)
	s.MarkReady()

	eff, err := s.ApplyDecision(decision(schema.DecisionDispatch, it.ID))
	require.NoError(t, err)
	require.Len(t, eff.Dispatch, 1)
	assert.Equal(t, it.ID, eff.Dispatch[0].ID)
}

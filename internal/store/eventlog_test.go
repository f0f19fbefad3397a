package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		el := NewEventLog(s)
		ctx := context.Background()
		r := seedRun(t, s)

		for i := 0; i < 5; i++ {
			e := &schema.Event{RunID: r.ID, Kind: schema.EventDecisionApplied}
			require.NoError(t, el.AppendEvent(ctx, e))
			assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
		}

		events, err := el.GetEvents(ctx, r.ID, 3)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(4), events[0].Sequence)
	})
}

func TestEventLog_SequencesArePerRun(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		el := NewEventLog(s)
		ctx := context.Background()
		a, b := seedRun(t, s), seedRun(t, s)

		require.NoError(t, el.AppendEvent(ctx, &schema.Event{RunID: a.ID, Kind: schema.EventRunStarted}))
		require.NoError(t, el.AppendEvent(ctx, &schema.Event{RunID: a.ID, Kind: schema.EventBootstrapCompleted}))
		e := &schema.Event{RunID: b.ID, Kind: schema.EventRunStarted}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(1), e.Sequence)
	})
}

func TestEventLog_ConcurrentAppend(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		el := NewEventLog(s)
		ctx := context.Background()
		r := seedRun(t, s)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, el.AppendEvent(ctx, &schema.Event{RunID: r.ID, Kind: schema.EventWorkerCallCompleted}))
			}()
		}
		wg.Wait()

		events, err := el.GetEvents(ctx, r.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, 10)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	})
}

func TestGetEventsByKind(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := seedRun(t, s)
		for _, kind := range []string{schema.EventRunStarted, schema.EventOracleRetry, schema.EventOracleRetry} {
			require.NoError(t, s.AppendEvent(ctx, &schema.Event{RunID: r.ID, Kind: kind}))
		}

		retries, err := s.GetEventsByKind(ctx, schema.EventOracleRetry, EventFilter{RunID: r.ID})
		require.NoError(t, err)
		assert.Len(t, retries, 2)

		one, err := s.GetEventsByKind(ctx, schema.EventOracleRetry, EventFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, one, 1)
	})
}

func TestEventLog_ReplayItems(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		el := NewEventLog(s)
		ctx := context.Background()
		r := seedRun(t, s)

		appendEv := func(kind, itemID, callID string, payload any) {
			var raw json.RawMessage
			if payload != nil {
				raw, _ = json.Marshal(payload)
			}
			require.NoError(t, el.AppendEvent(ctx, &schema.Event{
				RunID: r.ID, Kind: kind, ItemID: itemID, CallID: callID, Payload: raw,
			}))
		}

		appendEv(schema.EventAgendaCreated, "a", "", nil)
		appendEv(schema.EventItemReady, "a", "", nil)
		appendEv(schema.EventWorkerCallStarted, "a", "c1", nil)
		appendEv(schema.EventWorkerCallCompleted, "a", "c1", map[string]any{"status": "failed"})
		appendEv(schema.EventDecisionApplied, "", "", map[string]any{
			"decision_type": "spawn_followup", "superseded": []string{"a"},
		})
		appendEv(schema.EventAgendaCreated, "b", "", nil)
		appendEv(schema.EventItemReady, "b", "", nil)
		appendEv(schema.EventWorkerCallStarted, "b", "c2", nil)
		appendEv(schema.EventWorkerCallCompleted, "b", "c2", map[string]any{"status": "succeeded"})

		traces, err := el.ReplayItems(ctx, r.ID)
		require.NoError(t, err)
		require.Len(t, traces, 2)

		assert.Equal(t, "a", traces[0].ItemID)
		assert.Equal(t, schema.ItemStatusSuperseded, traces[0].Status)
		assert.Equal(t, 1, traces[0].Attempts)
		assert.Equal(t, []string{"c1"}, traces[0].Calls)

		assert.Equal(t, schema.ItemStatusCompleted, traces[1].Status)
	})
}

func TestEventLog_ReplayEmpty(t *testing.T) {
	el := NewEventLog(NewMemoryStore())
	traces, err := el.ReplayItems(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, traces)
}

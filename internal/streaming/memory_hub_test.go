package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

func receive(t *testing.T, ch <-chan schema.Event) schema.Event {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return schema.Event{}
	}
}

func assertEmpty(t *testing.T, ch <-chan schema.Event) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected event %s", got.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "run-1", ItemID: "a", Kind: schema.EventWorkerCallCompleted}))

	got := receive(t, ch)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "a", got.ItemID)
	assert.Equal(t, schema.EventWorkerCallCompleted, got.Kind)
}

func TestFilterByRunID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "run-2", Kind: schema.EventRunStarted}))
	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "run-1", Kind: schema.EventRunStarted}))

	assert.Equal(t, "run-1", receive(t, ch).RunID)
	assertEmpty(t, ch)
}

func TestFilterByKind(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{Kinds: []string{schema.EventRunCompleted, schema.EventRunBlocked}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "r", Kind: schema.EventDecisionApplied}))
	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "r", Kind: schema.EventRunBlocked}))

	assert.Equal(t, schema.EventRunBlocked, receive(t, ch).Kind)
	assertEmpty(t, ch)
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())

	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "r", Kind: schema.EventRunStarted}))
}

func TestBackpressureDropsForSlowSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "r", Kind: schema.EventDecisionApplied}))
	}
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestWithBuffer(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(2))
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "r"})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "r", Kind: schema.EventDecisionApplied}))
	}
	assert.Equal(t, uint64(3), hub.Dropped())
}

func TestAllRunsWatcherSeesEveryRun(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	all, cancelAll, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelAll()
	one, cancelOne, err := hub.Subscribe(ctx, EventFilter{RunID: "run-2"})
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "run-1", Kind: schema.EventRunStarted}))
	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "run-2", Kind: schema.EventRunStarted}))

	assert.Equal(t, "run-1", receive(t, all).RunID)
	assert.Equal(t, "run-2", receive(t, all).RunID)
	assert.Equal(t, "run-2", receive(t, one).RunID)
	assertEmpty(t, one)

	cancelOne()
	assert.NotContains(t, hub.byRun, "run-2")
	assert.Equal(t, 1, hub.Subscribers())
}

func TestEventFilterMatches(t *testing.T) {
	e := schema.Event{RunID: "r", Kind: schema.EventRunBlocked}
	assert.True(t, EventFilter{}.Matches(e))
	assert.True(t, EventFilter{RunID: "r", Kinds: []string{schema.EventRunBlocked}}.Matches(e))
	assert.False(t, EventFilter{RunID: "other"}.Matches(e))
	assert.False(t, EventFilter{Kinds: []string{schema.EventRunCompleted}}.Matches(e))
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if !assert.NoError(t, err) {
				return
			}
			for j := 0; j < 5; j++ {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = hub.Publish(ctx, schema.Event{RunID: "r", Kind: schema.EventDecisionApplied})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, schema.Event{}))
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}

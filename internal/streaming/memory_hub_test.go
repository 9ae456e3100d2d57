package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/intake/pkg/schema"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func assertNothing(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r1", Kind: KindEvent, Type: schema.EventSectionEnter, SectionID: "A"}))

	got := receive(t, ch)
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, "A", got.SectionID)
	assert.Equal(t, schema.EventSectionEnter, got.Type)
}

func TestFilters(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	byRun, c1, err := hub.Subscribe(ctx, EventFilter{RunID: "r1"})
	require.NoError(t, err)
	defer c1()
	logsOnly, c2, err := hub.Subscribe(ctx, EventFilter{Kinds: []string{KindLog}})
	require.NoError(t, err)
	defer c2()
	completes, c3, err := hub.Subscribe(ctx, EventFilter{Types: []string{schema.EventWorkflowComplete}})
	require.NoError(t, err)
	defer c3()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r2", Kind: KindEvent, Type: schema.EventSectionEnter}))
	assertNothing(t, byRun)
	assertNothing(t, logsOnly)
	assertNothing(t, completes)

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r1", Kind: KindLog, Type: "hook.success"}))
	assert.Equal(t, "r1", receive(t, byRun).RunID)
	assert.Equal(t, KindLog, receive(t, logsOnly).Kind)
	assertNothing(t, completes)

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r3", Kind: KindEvent, Type: schema.EventWorkflowComplete}))
	assert.Equal(t, "r3", receive(t, completes).RunID)
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub(0)
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers())
	require.NoError(t, hub.Publish(context.Background(), StreamEvent{RunID: "r1"}))
}

func TestContextCancelUnsubscribes(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch, unsubscribe, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer unsubscribe()

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, hub.Subscribers())
}

func TestBackpressureDrops(t *testing.T) {
	hub := NewMemoryHub(2)
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r1", Sequence: int64(i + 1)}))
	}
	assert.Equal(t, uint64(3), hub.Dropped())
	assert.Equal(t, int64(1), receive(t, ch).Sequence)
	assert.Equal(t, int64(2), receive(t, ch).Sequence)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	hub := NewMemoryHub(1024)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if !assert.NoError(t, err) {
				return
			}
			defer cancel()
			for j := 0; j < 20; j++ {
				_ = hub.Publish(ctx, StreamEvent{RunID: "r"})
			}
			<-ch
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, StreamEvent{}))
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}

func TestConversions(t *testing.T) {
	ev := FromRunEvent(&schema.RunEvent{RunID: "r1", Sequence: 4, Type: schema.EventSectionSubmit, SectionID: "A", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, KindEvent, ev.Kind)
	assert.Equal(t, int64(4), ev.Sequence)

	lg := FromExecutionLog(&schema.ExecutionLog{RunID: "r1", HookID: "h", Status: schema.ExecStatusTimeout})
	assert.Equal(t, KindLog, lg.Kind)
	assert.Equal(t, "hook.timeout", lg.Type)
}

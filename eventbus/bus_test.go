package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctrl/controlplane/config"
)

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"agent.*", "agent.registered", true},
		{"agent.*", "agent.team.assigned", false},
		{"workflow.step.**", "workflow.step", true},
		{"workflow.step.**", "workflow.step.started", true},
		{"workflow.step.**", "workflow.run", false},
		{"agent.registered", "agent.registered", true},
		{"agent.registered", "agent.failed", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, matchPattern(c.pattern, c.topic), "%s vs %s", c.pattern, c.topic)
	}
}

func TestDedupePatterns(t *testing.T) {
	assert.Equal(t, []string{"a.*", "b.*"}, dedupePatterns([]string{"a.*", "b.*", "a.*"}))
}

func TestPublishSubscribeDelivery(t *testing.T) {
	bus := New(nil)
	received := make(chan *Event, 10)

	sub, err := bus.Subscribe(context.Background(), SubscribeOptions{
		Patterns: []string{"agent.*"},
		Handler: func(ctx context.Context, e *Event) error {
			received <- e
			return nil
		},
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = bus.Publish(context.Background(), "agent.registered", map[string]string{"id": "a1"})
	require.NoError(t, err)
	_, err = bus.Publish(context.Background(), "team.created", map[string]string{"id": "t1"})
	require.NoError(t, err)

	select {
	case e := <-received:
		assert.Equal(t, "agent.registered", e.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}

	select {
	case e := <-received:
		t.Fatalf("unexpected second delivery: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionDeliveryOrderIsStrictlyIncreasing(t *testing.T) {
	bus := New(nil)
	var mu sync.Mutex
	var seen []uint64
	sub, err := bus.Subscribe(context.Background(), SubscribeOptions{
		Patterns: []string{"**"},
		Handler: func(ctx context.Context, e *Event) error {
			mu.Lock()
			seen = append(seen, e.Sequence)
			mu.Unlock()
			return nil
		},
		BufferSize: 100,
	})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 20; i++ {
		_, err := bus.Publish(context.Background(), "agent.tick", i)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
}

func TestDropOldestBackpressure(t *testing.T) {
	bus := New(nil)
	block := make(chan struct{})
	delivered := make(chan *Event, 100)

	sub, err := bus.Subscribe(context.Background(), SubscribeOptions{
		Patterns:     []string{"flood.*"},
		BufferSize:   1,
		Backpressure: config.BackpressureDropOldest,
		Handler: func(ctx context.Context, e *Event) error {
			<-block // stall the dispatcher so the buffer backs up
			delivered <- e
			return nil
		},
	})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		_, err := bus.Publish(context.Background(), "flood.event", i)
		require.NoError(t, err)
	}
	close(block)

	require.Eventually(t, func() bool { return len(delivered) >= 1 }, time.Second, 5*time.Millisecond)
	// With a buffer of 1 and drop-oldest, the bus must not have blocked
	// publishing, and the first event ever consumed is either the very first
	// or a later one that displaced it -- what matters is Publish never hung.
}

func TestBlockPolicyDeclaresStalledOnTimeout(t *testing.T) {
	bus := New(nil)
	stalled := make(chan *Event, 1)
	_, err := bus.Subscribe(context.Background(), SubscribeOptions{
		Patterns: []string{"eventbus.subscription.stalled"},
		Handler: func(ctx context.Context, e *Event) error {
			stalled <- e
			return nil
		},
	})
	require.NoError(t, err)

	never := make(chan struct{})
	_, err = bus.Subscribe(context.Background(), SubscribeOptions{
		Patterns:     []string{"slow.*"},
		BufferSize:   1,
		Backpressure: config.BackpressureBlock,
		BlockTimeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, e *Event) error {
			<-never // never drains, forcing the buffer to stay full
			return nil
		},
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := bus.Publish(context.Background(), "slow.event", i)
		require.NoError(t, err)
	}

	select {
	case e := <-stalled:
		assert.Equal(t, "eventbus.subscription.stalled", e.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a stalled-subscription event")
	}
}

func TestReplayYieldsPastEvents(t *testing.T) {
	bus := New(nil)
	for i := 0; i < 3; i++ {
		_, err := bus.Publish(context.Background(), "agent.tick", i)
		require.NoError(t, err)
	}

	ch, err := bus.Replay(context.Background(), ReplayQuery{FromSequence: 0})
	require.NoError(t, err)

	var got []*Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.Equal(t, uint64(3), got[2].Sequence)
}

func TestReplayFromMidSequence(t *testing.T) {
	bus := New(nil)
	for i := 0; i < 5; i++ {
		_, err := bus.Publish(context.Background(), "agent.tick", i)
		require.NoError(t, err)
	}
	ch, err := bus.Replay(context.Background(), ReplayQuery{FromSequence: 3})
	require.NoError(t, err)

	var got []*Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].Sequence)
}

func TestPersistentSubscriptionResumesFromCursor(t *testing.T) {
	bus := New(nil)
	for i := 0; i < 3; i++ {
		_, err := bus.Publish(context.Background(), "agent.tick", i)
		require.NoError(t, err)
	}

	require.NoError(t, bus.cursors.Save(context.Background(), "resumable", 2))

	var mu sync.Mutex
	var got []uint64
	sub, err := bus.Subscribe(context.Background(), SubscribeOptions{
		Patterns:       []string{"agent.*"},
		Persistent:     true,
		SubscriptionID: "resumable",
		Handler: func(ctx context.Context, e *Event) error {
			mu.Lock()
			got = append(got, e.Sequence)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{3}, got)
}

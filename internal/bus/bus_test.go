package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishPreservesPerPublisherOrder(t *testing.T) {
	b := New()
	defer b.Unsubscribe("c1")

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	b.Subscribe("c1", []string{"chat.delta"}, func(e Event) {
		mu.Lock()
		got = append(got, e.Payload.(int))
		if len(got) == 50 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		b.Publish(Event{Topic: "chat.delta", Payload: i})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v, "events must arrive in publish order")
	}
}

func TestTopicFilter(t *testing.T) {
	b := New()
	defer b.Unsubscribe("ops-only")

	got := make(chan Event, 4)
	b.Subscribe("ops-only", []string{"ops"}, func(e Event) { got <- e })

	b.Publish(Event{Topic: "chat.delta", Payload: "ignored"})
	b.Publish(Event{Topic: "ops", Payload: "seen"})

	select {
	case e := <-got:
		assert.Equal(t, "ops", e.Topic)
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber received nothing")
	}
	select {
	case e := <-got:
		t.Fatalf("unexpected extra event on topic %s", e.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowConsumerIsDropped(t *testing.T) {
	b := NewWithHighWater(4)

	dropped := make(chan string, 1)
	b.OnDrop(func(id string, pending int) { dropped <- id })

	block := make(chan struct{})
	b.Subscribe("slow", nil, func(e Event) { <-block })

	// One event is consumed by the stalled handler; the queue holds 4 more.
	// The next publish overflows and must drop the subscriber.
	for i := 0; i < 8; i++ {
		b.Publish(Event{Topic: "chat.delta", Payload: i})
	}

	select {
	case id := <-dropped:
		assert.Equal(t, "slow", id)
	case <-time.After(time.Second):
		t.Fatal("slow consumer was not dropped")
	}
	close(block)

	// Publishers were never blocked and the bus still works.
	ok := make(chan struct{})
	b.Subscribe("fast", nil, func(e Event) { close(ok) })
	defer b.Unsubscribe("fast")
	b.Publish(Event{Topic: "health", Payload: nil})
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("bus unusable after drop")
	}
}

func TestResubscribeReplacesHandler(t *testing.T) {
	b := New()
	defer b.Unsubscribe("c")

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	b.Subscribe("c", nil, func(e Event) { first <- struct{}{} })
	b.Subscribe("c", nil, func(e Event) { second <- struct{}{} })

	b.Publish(Event{Topic: "health"})
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("replacement handler not invoked")
	}
	require.Empty(t, first)
}

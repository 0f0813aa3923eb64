package streaming

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(16)
	ch := bus.Subscribe("q1", 8)
	defer bus.Unsubscribe("q1", ch)

	bus.Publish("q1", Event{Type: TypeProgress, Step: 1, Message: "classifying"})
	bus.Publish("q1", Event{Type: TypeProgress, Step: 2, Message: "retrieving"})

	got := <-ch
	assert.Equal(t, "classifying", got.Message)
	assert.Equal(t, "q1", got.QueryID)
	assert.Equal(t, uint64(1), got.Seq)
	assert.False(t, got.Timestamp.IsZero())

	got = <-ch
	assert.Equal(t, uint64(2), got.Seq)
}

func TestPublishIsolatesQueries(t *testing.T) {
	bus := NewBus(16)
	ch1 := bus.Subscribe("q1", 4)
	ch2 := bus.Subscribe("q2", 4)
	defer bus.Unsubscribe("q1", ch1)
	defer bus.Unsubscribe("q2", ch2)

	bus.Publish("q1", Event{Type: TypeProgress, Message: "only for q1"})

	select {
	case <-ch2:
		t.Fatal("q2 subscriber received q1 event")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, "only for q1", (<-ch1).Message)
}

func TestSlowSubscriberDropsIntermediateEvents(t *testing.T) {
	bus := NewBus(64)
	ch := bus.Subscribe("q1", 2)
	defer bus.Unsubscribe("q1", ch)

	for i := 1; i <= 10; i++ {
		bus.Publish("q1", Event{Type: TypeProgress, Step: i})
	}

	// Buffer holds the first two; the rest were dropped, not blocked on.
	assert.Len(t, ch, 2)
}

func TestTerminalEventReachesSlowSubscriber(t *testing.T) {
	bus := NewBus(64)
	ch := bus.Subscribe("q1", 1)
	defer bus.Unsubscribe("q1", ch)

	bus.Publish("q1", Event{Type: TypeProgress, Step: 1})

	done := make(chan struct{})
	go func() {
		bus.Publish("q1", Event{Type: TypeResult, Message: "final"})
		close(done)
	}()

	// Drain the progress event; the blocked terminal publish completes.
	assert.Equal(t, TypeProgress, (<-ch).Type)
	assert.Equal(t, TypeResult, (<-ch).Type)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("terminal publish did not complete")
	}
}

func TestReplaySince(t *testing.T) {
	bus := NewBus(16)
	for i := 1; i <= 5; i++ {
		bus.Publish("q1", Event{Type: TypeProgress, Step: i})
	}

	all := bus.ReplaySince("q1", 0)
	require.Len(t, all, 5)
	assert.Equal(t, uint64(1), all[0].Seq)

	tail := bus.ReplaySince("q1", 3)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].Seq)
	assert.Equal(t, uint64(5), tail[1].Seq)

	assert.Nil(t, bus.ReplaySince("unknown", 0))
}

func TestReplayRingOverwritesOldest(t *testing.T) {
	bus := NewBus(3)
	for i := 1; i <= 5; i++ {
		bus.Publish("q1", Event{Type: TypeProgress, Step: i})
	}
	events := bus.ReplaySince("q1", 0)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(5), events[2].Seq)
}

func TestHistoryCapEvictsOldestQuery(t *testing.T) {
	bus := NewBus(4)
	for i := 0; i <= maxHistories; i++ {
		bus.Publish(fmt.Sprintf("q%d", i), Event{Type: TypeProgress, Step: 1})
	}
	assert.Nil(t, bus.ReplaySince("q0", 0))
	assert.Len(t, bus.ReplaySince("q1", 0), 1)
	assert.Len(t, bus.ReplaySince(fmt.Sprintf("q%d", maxHistories), 0), 1)
}

func TestForgetDropsHistory(t *testing.T) {
	bus := NewBus(8)
	bus.Publish("q1", Event{Type: TypeProgress, Step: 1})
	bus.Forget("q1")
	assert.Nil(t, bus.ReplaySince("q1", 0))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(8)
	ch := bus.Subscribe("q1", 4)
	bus.Unsubscribe("q1", ch)

	bus.Publish("q1", Event{Type: TypeProgress, Step: 1})
	assert.Len(t, ch, 0)
}

func TestUnsubscribeDuringBlockedTerminalPublish(t *testing.T) {
	bus := NewBus(8)
	ch := bus.Subscribe("q1", 1)
	bus.Publish("q1", Event{Type: TypeProgress, Step: 1}) // fills the buffer

	published := make(chan struct{})
	go func() {
		bus.Publish("q1", Event{Type: TypeDone, Message: "[DONE]"})
		close(published)
	}()

	// Let the terminal send park on the full channel, then detach the
	// subscriber underneath it.
	time.Sleep(50 * time.Millisecond)
	bus.Unsubscribe("q1", ch)

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("terminal publish did not return after unsubscribe")
	}
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	bus := NewBus(16)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		ch := bus.Subscribe("q1", 1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Publish("q1", Event{Type: TypeDone})
		}()
		go func() {
			defer wg.Done()
			bus.Unsubscribe("q1", ch)
		}()
	}
	wg.Wait()
}

func TestOrderPreservedPerProducer(t *testing.T) {
	bus := NewBus(256)
	ch := bus.Subscribe("q1", 128)
	defer bus.Unsubscribe("q1", ch)

	for i := 1; i <= 100; i++ {
		bus.Publish("q1", Event{Type: TypeProgress, Step: i, Message: fmt.Sprintf("s%d", i)})
	}
	var last uint64
	for i := 0; i < 100; i++ {
		ev := <-ch
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
}

// Package streaming provides the in-memory progress bus: per-query
// pub/sub with a replay ring so SSE clients can resume from a
// Last-Event-ID after a reconnect.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/maestro-rag/maestro/internal/metrics"
)

// Event types emitted over the progress stream.
const (
	TypeProgress  = "progress"
	TypeRetrieval = "retrieval"
	TypeContent   = "content"
	TypeMetadata  = "metadata"
	TypeResult    = "result"
	TypeDone      = "done"
	TypeError     = "error"
)

// Event is one progress update for a query.
type Event struct {
	QueryID   string                 `json:"query_id"`
	Type      string                 `json:"type"`
	Step      int                    `json:"step,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal renders the event for SSE data lines and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// terminal events must reach slow subscribers; intermediate progress
// may be dropped under backpressure.
func (e Event) terminal() bool {
	return e.Type == TypeResult || e.Type == TypeDone || e.Type == TypeError
}

// maxHistories bounds how many queries keep a replay ring; the oldest
// query's history is evicted first.
const maxHistories = 1024

// subscriber pairs the delivery channel with a detach signal. The
// channel is never closed; a closed done chan tells in-flight sends to
// give up, so Publish can never hit a closed channel.
type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus is the in-memory pub/sub hub keyed by query id.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]*subscriber
	// per-query ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	order    []string
	capacity int
}

// NewBus builds a bus; capacity bounds each query's replay ring.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		subscribers: make(map[string]map[chan Event]*subscriber),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a query id; the caller must
// drain it and call Unsubscribe when done.
func (b *Bus) Subscribe(queryID string, buffer int) chan Event {
	sub := &subscriber{ch: make(chan Event, buffer), done: make(chan struct{})}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[queryID]
	if subs == nil {
		subs = make(map[chan Event]*subscriber)
		b.subscribers[queryID] = subs
	}
	subs[sub.ch] = sub
	return sub.ch
}

// Unsubscribe detaches the subscriber. The channel stays open so a
// publish racing the detach cannot panic; receivers stop on the done
// event or their own context instead of channel close.
func (b *Bus) Unsubscribe(queryID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[queryID]; ok {
		if sub, present := subs[ch]; present {
			delete(subs, ch)
			close(sub.done)
		}
		if len(subs) == 0 {
			delete(b.subscribers, queryID)
		}
	}
}

// Publish assigns a sequence number, records the event for replay, and
// fans it out. Intermediate events are dropped for slow subscribers;
// terminal events block until delivered or the subscriber goes away.
func (b *Bus) Publish(queryID string, evt Event) {
	evt.QueryID = queryID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	rg := b.history[queryID]
	if rg == nil {
		rg = newRing(b.capacity)
		b.history[queryID] = rg
		b.order = append(b.order, queryID)
		if len(b.order) > maxHistories {
			delete(b.history, b.order[0])
			b.order = b.order[1:]
		}
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	// Snapshot under the lock; Unsubscribe may mutate the live map
	// while the sends below are in flight.
	targets := make([]*subscriber, 0, len(b.subscribers[queryID]))
	for _, sub := range b.subscribers[queryID] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if evt.terminal() {
			// Bounded wait so a wedged subscriber cannot hang the
			// producer; the replay ring still holds the event.
			select {
			case sub.ch <- evt:
			case <-sub.done:
			case <-time.After(2 * time.Second):
				metrics.ProgressEventsDropped.Inc()
			}
			continue
		}
		select {
		case sub.ch <- evt:
		case <-sub.done:
		default:
			metrics.ProgressEventsDropped.Inc()
		}
	}
}

// ReplaySince returns recorded events with Seq > since, best effort
// within the ring capacity.
func (b *Bus) ReplaySince(queryID string, since uint64) []Event {
	b.mu.RLock()
	rg := b.history[queryID]
	b.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops a query's history once its stream has completed.
func (b *Bus) Forget(queryID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, queryID)
	for i, id := range b.order {
		if id == queryID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

// Sequence numbers start at 1 so ReplaySince(0) returns the full ring.
func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

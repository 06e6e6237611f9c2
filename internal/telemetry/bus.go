package telemetry

import (
	"sync"
	"time"
)

// EventType names a lifecycle event published by the world.
type EventType string

const (
	// EventFrameDone is published at the end of each world loop iteration.
	EventFrameDone EventType = "frame_done"
	// EventSceneLaunched is published when a scene reports readiness.
	EventSceneLaunched EventType = "scene_launched"
	// EventSceneLost is published when a scene connection drops.
	EventSceneLost EventType = "scene_lost"
)

// Event carries one published occurrence.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber consumes events on its own goroutine.
type Subscriber func(Event)

// subscription owns the delivery queue for one subscriber. A full queue
// drops the event rather than stalling the publisher.
type subscription struct {
	types map[EventType]struct{} // nil means every type
	queue chan Event
}

func (s *subscription) wants(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans lifecycle events out to registered subscribers without ever
// blocking the publisher.
type Bus struct {
	mu    sync.Mutex
	next  int
	subs  map[int]*subscription
	depth int
}

// NewBus creates a bus; depth is the per-subscriber queue length.
func NewBus(depth int) *Bus {
	if depth <= 0 {
		depth = 100
	}
	return &Bus{
		subs:  make(map[int]*subscription),
		depth: depth,
	}
}

// Subscribe registers fn for the given event types, or for every type when
// none are named. The returned function cancels the subscription.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	sub := &subscription{queue: make(chan Event, b.depth)}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go pump(sub.queue, fn)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.queue)
		}
	}
}

// pump drains one subscription's queue. A panicking subscriber loses that
// event only, not the subscription.
func pump(queue <-chan Event, fn Subscriber) {
	for ev := range queue {
		call(fn, ev)
	}
}

func call(fn Subscriber, ev Event) {
	defer func() { _ = recover() }()
	fn(ev)
}

// Publish hands the event to every interested subscriber. Subscribers
// whose queues are full miss this event.
func (b *Bus) Publish(t EventType, data map[string]any) {
	ev := Event{Type: t, Timestamp: time.Now().UTC(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.wants(t) {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
		}
	}
}

// Close cancels every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.queue)
	}
}

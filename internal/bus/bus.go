package bus

import (
	"sync"
	"time"
)

// EventType labels the kind of pipeline event being published.
type EventType string

const (
	// EventItemSubmitted is published when a new work item enters the queue.
	EventItemSubmitted EventType = "item_submitted"
	// EventStageCompleted is published when a stage passes its quality gate.
	EventStageCompleted EventType = "stage_completed"
	// EventReviewRequested is published when an item is parked for review.
	EventReviewRequested EventType = "review_requested"
	// EventReviewResolved is published when a reviewer decision lands.
	EventReviewResolved EventType = "review_resolved"
	// EventItemDeployed is published when an item finishes deployment.
	EventItemDeployed EventType = "item_deployed"
)

// Event carries a pipeline occurrence plus its item coordinates and an
// opaque JSON payload for subscribers that want stage output details.
type Event struct {
	Type      EventType
	ItemID    int64
	Stage     string
	Payload   []byte
	Timestamp time.Time
}

// Subscriber receives events for one event type.
type Subscriber func(Event)

// Bus is a non-blocking in-process publish/subscribe fanout. Delivery is
// asynchronous via buffered channels; a full subscriber channel drops the
// event rather than stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

// New creates a bus with the given per-subscriber buffer size.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for events of the given type and returns an
// unsubscribe function. fn runs on a dedicated goroutine; a panic inside
// fn is recovered so one misbehaving subscriber cannot kill delivery.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish delivers the event to every subscriber of its type without
// blocking. Subscribers whose buffers are full miss the event.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels. Publish and
// Subscribe become no-ops afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}

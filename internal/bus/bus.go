package bus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// subscriberBufferSize bounds how many events a lagging subscriber may
// queue before the bus starts dropping.
const subscriberBufferSize = 256

// subscriber is one registered consumer, scoped to a single run. dropped
// is touched by every Publish call under only a read lock on Bus.mu (many
// publishers can be live for the same run at once), so it is accessed
// exclusively through sync/atomic rather than plain reads and writes.
type subscriber struct {
	runID   uuid.UUID
	ch      chan Event
	dropped int32
}

// Bus is an in-process publish/subscribe fan-out. A send never blocks the
// publisher: subscribers whose buffer is full are signalled a Lagged
// event on their next successful send instead of receiving every event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[*subscriber]struct{})}
}

// Subscription is returned by Subscribe. Events delivers the live feed;
// Unsubscribe must be called when the consumer is done.
type Subscription struct {
	bus    *Bus
	sub    *subscriber
	Events <-chan Event
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subscribers[s.sub]; ok {
		delete(s.bus.subscribers, s.sub)
		close(s.sub.ch)
	}
}

// Subscribe registers a new consumer for events belonging to runID.
func (b *Bus) Subscribe(runID uuid.UUID) *Subscription {
	sub := &subscriber{runID: runID, ch: make(chan Event, subscriberBufferSize)}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return &Subscription{bus: b, sub: sub, Events: sub.ch}
}

// Publish delivers event to every subscriber of event.RunID. Publish
// itself never blocks: a full subscriber buffer increments that
// subscriber's drop count and the event is skipped for it. Delivery is
// best-effort and per-subscriber buffered.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.runID != event.RunID {
			continue
		}
		select {
		case sub.ch <- event:
			if dropped := atomic.SwapInt32(&sub.dropped, 0); dropped > 0 {
				select {
				case sub.ch <- Event{Kind: KindLagged, RunID: event.RunID, Dropped: int(dropped)}:
				default:
					// Lagged notice didn't fit either; put the count back
					// so the next successful send still reports it.
					atomic.AddInt32(&sub.dropped, dropped)
				}
			}
		default:
			atomic.AddInt32(&sub.dropped, 1)
		}
	}
}

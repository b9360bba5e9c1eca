// README: In-process event bus; fan-out to per-journey subscribers with non-blocking sends.
package events

import (
	"context"
	"sync"
	"sync/atomic"

	"ridetrack/internal/types"
)

// SubscriberBufferSize is the per-subscriber channel capacity.
const SubscriberBufferSize = 64

var _ Publisher = (*Bus)(nil)

type Subscription struct {
	C         <-chan Event
	ch        chan Event
	journeyID types.ID
	bus       *Bus
	once      sync.Once
	dropped   atomic.Uint64
}

// Dropped counts events this subscription missed because its buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe receives events for journeyID, or for every journey when
// journeyID is empty.
func (b *Bus) Subscribe(journeyID types.ID) *Subscription {
	ch := make(chan Event, SubscriberBufferSize)
	s := &Subscription{C: ch, ch: ch, journeyID: journeyID, bus: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		s.once.Do(func() {})
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish never blocks: a subscriber whose buffer is full misses the event
// and its Dropped count grows.
func (b *Bus) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.journeyID != "" && s.journeyID != e.JourneyID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

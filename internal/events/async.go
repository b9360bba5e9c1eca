// README: Asynchronous publisher decorator; slow brokers never block the caller.
package events

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const asyncPublishTimeout = 5 * time.Second

var _ Publisher = (*Async)(nil)

type Async struct {
	next  Publisher
	queue chan Event
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	dropped atomic.Uint64
}

// NewAsync starts a worker that forwards events to next. When the buffer is
// full the event is dropped and logged.
func NewAsync(next Publisher, buffer int) *Async {
	a := &Async{
		next:  next,
		queue: make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) Publish(_ context.Context, e Event) error {
	select {
	case <-a.done:
		return nil
	default:
	}
	select {
	case a.queue <- e:
	default:
		n := a.dropped.Add(1)
		log.Printf("events: async buffer full, dropping %s for journey %s (%d dropped)", e.Type, e.JourneyID, n)
	}
	return nil
}

// Dropped counts events discarded because the buffer was full.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops accepting events, drains the buffer and waits for the worker.
func (a *Async) Close() {
	a.once.Do(func() { close(a.done) })
	a.wg.Wait()
}

func (a *Async) run() {
	defer a.wg.Done()
	for {
		select {
		case e := <-a.queue:
			a.forward(e)
		case <-a.done:
			for {
				select {
				case e := <-a.queue:
					a.forward(e)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) forward(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), asyncPublishTimeout)
	defer cancel()
	if err := a.next.Publish(ctx, e); err != nil {
		log.Printf("events: publish %s for journey %s: %v", e.Type, e.JourneyID, err)
	}
}

// README: Cooperative polling scheduler; one goroutine per handle, never overlapping runs.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Action is invoked on every tick. ctx is cancelled once the handle is cancelled.
type Action func(ctx context.Context)

// Handle identifies one scheduled action. Cancel is idempotent and safe to
// call from inside the action itself.
type Handle struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(h.cancel)
}

// Done is closed after the action goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

type Scheduler struct {
	mu      sync.Mutex
	nextID  uint64
	handles map[uint64]*Handle
	stopped bool
	wg      sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{handles: make(map[uint64]*Handle)}
}

// Schedule runs action every interval. The wait starts after the previous run
// returns, so a slow action delays the next tick instead of stacking up.
// Scheduling on a stopped scheduler returns an already-cancelled handle.
func (s *Scheduler) Schedule(interval time.Duration, action Action) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		h.Cancel()
		close(h.done)
		return h
	}
	s.nextID++
	h.id = s.nextID
	s.handles[h.id] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, h, interval, action)
	return h
}

// Cancel stops h. Cancelling twice or cancelling nil is a no-op.
func (s *Scheduler) Cancel(h *Handle) {
	h.Cancel()
}

// Active returns the number of handles whose goroutine is still running.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Stop cancels every handle and waits for their goroutines to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	hs := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		h.Cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, h *Handle, interval time.Duration, action Action) {
	defer func() {
		s.mu.Lock()
		delete(s.handles, h.id)
		s.mu.Unlock()
		close(h.done)
		s.wg.Done()
	}()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		action(ctx)
		timer.Reset(interval)
	}
}

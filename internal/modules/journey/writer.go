// README: Per-journey ledger writer; applies writes in order with retry and backoff, off the update path.
package journey

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"ridetrack/internal/modules/ledger"
	"ridetrack/internal/types"
)

const ledgerCallTimeout = 10 * time.Second

type writeOp struct {
	name string
	do   func(ctx context.Context) error
	// exhausted runs once every attempt has failed.
	exhausted func(err error)
}

type retryPolicy struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

// writer drains an unbounded FIFO so enqueue never blocks the caller.
type writer struct {
	journeyID types.ID
	policy    retryPolicy

	mu     sync.Mutex
	ops    []writeOp
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newWriter(journeyID types.ID, policy retryPolicy) *writer {
	if policy.attempts < 1 {
		policy.attempts = 1
	}
	return &writer{
		journeyID: journeyID,
		policy:    policy,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (w *writer) enqueue(op writeOp) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		log.Printf("journey %s: writer closed, dropping %s", w.journeyID, op.name)
		return
	}
	w.ops = append(w.ops, op)
	w.mu.Unlock()
	w.signal()
}

// close lets the writer exit once the queue is drained.
func (w *writer) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
}

// pending returns the number of queued writes not yet started.
func (w *writer) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ops)
}

func (w *writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run applies queued writes until closed and drained. ctx only bounds the
// backoff sleeps; once it is done each remaining write gets a single attempt.
func (w *writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		w.mu.Lock()
		if len(w.ops) == 0 {
			closed := w.closed
			w.mu.Unlock()
			if closed {
				return
			}
			<-w.wake
			continue
		}
		op := w.ops[0]
		w.ops[0] = writeOp{}
		w.ops = w.ops[1:]
		w.mu.Unlock()

		w.apply(ctx, op)
	}
}

func (w *writer) apply(ctx context.Context, op writeOp) {
	var err error
	for attempt := 1; attempt <= w.policy.attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(context.Background(), ledgerCallTimeout)
		err = op.do(callCtx)
		cancel()
		if err == nil {
			return
		}
		log.Printf("journey %s: %s attempt %d/%d: %v", w.journeyID, op.name, attempt, w.policy.attempts, err)
		if attempt == w.policy.attempts {
			break
		}
		wait := ledger.Backoff(attempt, w.policy.base, w.policy.max)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			attempt = w.policy.attempts
		case <-timer.C:
		}
	}
	if op.exhausted != nil {
		op.exhausted(fmt.Errorf("%w: %s: %v", ledger.ErrLedgerWriteFailed, op.name, err))
	}
}

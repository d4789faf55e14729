package session

import (
	"context"
	"sync"
	"time"

	"github.com/sebas/callbridge/internal/bridge/esl"
)

// EventQueue is the rendezvous between a leg's event reader and the single
// flow step waiting on it. Events pushed with no waiter are buffered FIFO.
type EventQueue struct {
	mu     sync.Mutex
	buf    []*esl.Event
	waiter *waiter
	closed bool
	hungUp func() bool
}

type waiter struct {
	ch    chan delivery
	timer *time.Timer
}

type delivery struct {
	ev     *esl.Event
	closed bool
}

// NewEventQueue creates a queue. hungUp reports whether the owning leg has a
// hangup cause; it is consulted when a wait resolves.
func NewEventQueue(hungUp func() bool) *EventQueue {
	if hungUp == nil {
		hungUp = func() bool { return false }
	}
	return &EventQueue{hungUp: hungUp}
}

// Wait returns the next event. With nothing buffered it blocks until Push,
// until timeout elapses (returning nil, nil), or until ctx is done. A zero
// timeout waits without a timer. When raiseOnHangup is set and the leg has
// hung up at resolution time, Wait returns ErrHangup instead of the event.
func (q *EventQueue) Wait(ctx context.Context, timeout time.Duration, raiseOnHangup bool) (*esl.Event, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if q.waiter != nil {
		q.mu.Unlock()
		return nil, ErrWaiterBusy
	}

	// Pushed before wait: hand over the oldest buffered event.
	if len(q.buf) > 0 {
		ev := q.buf[0]
		q.buf[0] = nil
		q.buf = q.buf[1:]
		q.mu.Unlock()
		return q.resolve(delivery{ev: ev}, raiseOnHangup)
	}

	// Wait before push: install the single waiter.
	w := &waiter{ch: make(chan delivery, 1)}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { q.expire(w) })
	}
	q.waiter = w
	q.mu.Unlock()

	select {
	case d := <-w.ch:
		return q.resolve(d, raiseOnHangup)
	case <-ctx.Done():
		q.mu.Lock()
		if q.waiter == w {
			q.waiter = nil
			if w.timer != nil {
				w.timer.Stop()
			}
		}
		q.mu.Unlock()
		return nil, ctx.Err()
	}
}

// WaitRequired is Wait with expiry reported as ErrTimeout.
func (q *EventQueue) WaitRequired(ctx context.Context, timeout time.Duration, raiseOnHangup bool) (*esl.Event, error) {
	ev, err := q.Wait(ctx, timeout, raiseOnHangup)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, ErrTimeout
	}
	return ev, nil
}

func (q *EventQueue) resolve(d delivery, raiseOnHangup bool) (*esl.Event, error) {
	if d.closed {
		return nil, ErrQueueClosed
	}
	if raiseOnHangup && q.hungUp() {
		return nil, ErrHangup
	}
	return d.ev, nil
}

// Push hands ev to the waiter or buffers it. A nil event only wakes a
// pending waiter and is otherwise dropped.
func (q *EventQueue) Push(ev *esl.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if w := q.waiter; w != nil {
		q.waiter = nil
		if w.timer != nil {
			w.timer.Stop()
		}
		w.ch <- delivery{ev: ev}
		return
	}
	if ev != nil {
		q.buf = append(q.buf, ev)
	}
}

func (q *EventQueue) expire(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Already resolved by Push or Close.
	if q.waiter != w {
		return
	}
	q.waiter = nil
	w.ch <- delivery{}
}

// Close cancels any pending timer, releases the waiter and fails later
// waits with ErrQueueClosed. Only session teardown calls it.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.buf = nil
	if w := q.waiter; w != nil {
		q.waiter = nil
		if w.timer != nil {
			w.timer.Stop()
		}
		w.ch <- delivery{closed: true}
	}
}

// Pending reports whether a waiter is installed.
func (q *EventQueue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiter != nil
}

// Len returns the number of buffered events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

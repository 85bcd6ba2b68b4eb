/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package timeout

import (
	"context"
)

// ExpiryFunc is called when a timer expires or is stopped.
type ExpiryFunc func(t *Timer)

// Timer is a one-shot or periodic timer on a Queue.
type Timer struct {
	queue  *Queue
	to     Timeout
	period Ticks
	status uint32
	expiry ExpiryFunc
	stop   ExpiryFunc
	wake   chan struct{}

	// UserData is free for the owner of the timer.
	UserData any
}

// NewTimer creates a stopped timer on q. Both callbacks are optional.
func NewTimer(q *Queue, expiry, stop ExpiryFunc) *Timer {
	return &Timer{
		queue:  q,
		expiry: expiry,
		stop:   stop,
		wake:   make(chan struct{}, 1),
	}
}

// Queue returns the queue the timer runs on.
func (t *Timer) Queue() *Queue {
	return t.queue
}

// Start arms the timer. A period of zero (or Forever) makes it one-shot.
// Restarting an armed timer discards the pending expiry and resets the
// status.
func (t *Timer) Start(d Deadline, period Ticks) {
	if d.IsForever() {
		return
	}

	// Queue.Add rounds relative deadlines up by one tick; the timer does
	// not want that for its duration.
	if !d.abs {
		d.ticks = max(d.ticks-1, 0)
	}

	q := t.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.to.linked {
		q.removeLocked(&t.to)
	}
	t.period = period
	t.status = 0
	q.addLocked(&t.to, t.expire, d)
}

// Reschedule moves the next expiry to d without touching the period or the
// status. It is meant for expiry callbacks that compute their own next
// deadline.
func (t *Timer) Reschedule(d Deadline) {
	if d.IsForever() {
		return
	}
	q := t.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	q.addLocked(&t.to, t.expire, d)
}

// Stop disarms the timer. The stop callback runs and waiters are released
// only when the timer was armed.
func (t *Timer) Stop() {
	q := t.queue
	q.mu.Lock()
	active := t.to.linked
	if active {
		q.removeLocked(&t.to)
	}
	t.status = 0
	q.mu.Unlock()

	if !active {
		return
	}
	if t.stop != nil {
		t.stop(t)
	}
	t.signal()
}

// Status returns the number of expiries since the last start or read.
func (t *Timer) Status() uint32 {
	t.queue.mu.Lock()
	defer t.queue.mu.Unlock()
	return t.status
}

// StatusSync blocks until the timer has expired at least once or is
// stopped, then returns and resets the expiry count. A stopped timer
// returns zero.
func (t *Timer) StatusSync(ctx context.Context) (uint32, error) {
	q := t.queue
	for {
		q.mu.Lock()
		status := t.status
		if status > 0 {
			t.status = 0
			q.mu.Unlock()
			return status, nil
		}
		if !t.to.linked {
			q.mu.Unlock()
			return 0, nil
		}
		q.mu.Unlock()

		select {
		case <-t.wake:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Remaining returns the ticks left until the next expiry.
func (t *Timer) Remaining() Ticks {
	return t.queue.Remaining(&t.to)
}

// Expires returns the absolute tick of the next expiry.
func (t *Timer) Expires() uint64 {
	return t.queue.Expires(&t.to)
}

// Active reports whether the timer is armed.
func (t *Timer) Active() bool {
	return t.queue.Active(&t.to)
}

func (t *Timer) expire(*Timeout) {
	q := t.queue
	q.mu.Lock()

	// Restarted after being popped but before this handler ran.
	if t.to.linked {
		q.mu.Unlock()
		return
	}

	t.status++

	if t.period > 0 {
		// Strides from the scheduled tick, not from when we ran.
		next := max(t.period-1, 0)
		at := q.currTick + uint64(q.elapsed()) + 1 + uint64(next)
		q.addLocked(&t.to, t.expire, At(at))
	}
	q.mu.Unlock()

	if t.expiry != nil {
		t.expiry(t)
	}
	t.signal()
}

func (t *Timer) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package timeout implements a delta-ordered timeout queue driven by a tick
// backend, plus one-shot and periodic timers built on it.
package timeout

import (
	"errors"
	"math"
	"sync"
)

// Ticks is a tick count in the backend's resolution.
type Ticks = int64

// Forever never expires. Adding a timeout with Forever is a no-op.
const Forever Ticks = -1

// maxWait caps the timeout programmed into the backend.
const maxWait Ticks = math.MaxInt32

var (
	// ErrCanceled is returned when a Forever deadline is added.
	ErrCanceled = errors.New("timeout: deadline is forever")

	// ErrInactive is returned when aborting a timeout that is not queued.
	ErrInactive = errors.New("timeout: not active")
)

// Backend is the hardware side of a queue. Elapsed reports ticks since the
// last announcement; SetTimeout programs the next announcement.
type Backend interface {
	Elapsed() uint64
	SetTimeout(ticks int64, idle bool)
}

// Func is called when a timeout expires. It runs without the queue lock
// held and may add or abort timeouts on the same queue.
type Func func(t *Timeout)

// Timeout is one queue entry. The zero value is inactive.
type Timeout struct {
	dticks int64
	fn     Func
	linked bool
}

// Deadline is either relative to now or an absolute tick.
type Deadline struct {
	ticks Ticks
	tick  uint64
	abs   bool
}

// After returns a deadline the given number of ticks from now.
func After(ticks Ticks) Deadline {
	return Deadline{ticks: ticks}
}

// At returns a deadline at an absolute tick.
func At(tick uint64) Deadline {
	return Deadline{tick: tick, abs: true}
}

// Never is a deadline that is never reached.
var Never = Deadline{ticks: Forever}

// NoWait expires as soon as possible.
var NoWait = Deadline{}

// IsForever reports whether the deadline is Never.
func (d Deadline) IsForever() bool {
	return !d.abs && d.ticks == Forever
}

// Queue is a delta list of timeouts. Each entry stores its distance in ticks
// from the previous entry; the first entry is relative to the last
// announced tick.
type Queue struct {
	mu      sync.Mutex
	backend Backend
	list    []*Timeout

	currTick          uint64
	announcing        bool
	announceRemaining int64
}

// NewQueue creates an empty queue driven by backend.
func NewQueue(backend Backend) *Queue {
	return &Queue{backend: backend}
}

// elapsed reports backend ticks since the last announcement. While
// announcing, new relative timeouts are scheduled from the firing tick.
func (q *Queue) elapsed() int64 {
	if q.announcing {
		return 0
	}
	return int64(q.backend.Elapsed())
}

func (q *Queue) nextTimeout() int64 {
	if len(q.list) == 0 {
		return maxWait
	}
	diff := q.list[0].dticks - q.elapsed()
	if diff > maxWait {
		return maxWait
	}
	if diff < 0 {
		return 0
	}
	return diff
}

// Add queues t to call fn at d. A timeout already queued is moved.
func (q *Queue) Add(t *Timeout, fn Func, d Deadline) error {
	if d.IsForever() {
		return ErrCanceled
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.addLocked(t, fn, d)
	return nil
}

func (q *Queue) addLocked(t *Timeout, fn Func, d Deadline) {
	if t.linked {
		q.removeLocked(t)
	}
	t.fn = fn

	if d.abs {
		t.dticks = max(1, int64(d.tick)-int64(q.currTick))
	} else {
		t.dticks = d.ticks + 1 + q.elapsed()
	}

	i := 0
	for ; i < len(q.list); i++ {
		e := q.list[i]
		if e.dticks > t.dticks {
			e.dticks -= t.dticks
			break
		}
		t.dticks -= e.dticks
	}

	q.list = append(q.list, nil)
	copy(q.list[i+1:], q.list[i:])
	q.list[i] = t
	t.linked = true

	if i == 0 {
		q.backend.SetTimeout(q.nextTimeout(), false)
	}
}

// Abort removes t from the queue.
func (q *Queue) Abort(t *Timeout) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !t.linked {
		return ErrInactive
	}
	q.removeLocked(t)
	return nil
}

func (q *Queue) removeLocked(t *Timeout) {
	for i, e := range q.list {
		if e != t {
			continue
		}
		if i+1 < len(q.list) {
			q.list[i+1].dticks += t.dticks
		}
		copy(q.list[i:], q.list[i+1:])
		q.list[len(q.list)-1] = nil
		q.list = q.list[:len(q.list)-1]
		break
	}
	t.linked = false
}

// Active reports whether t is queued.
func (q *Queue) Active(t *Timeout) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return t.linked
}

// Remaining returns the ticks left until t expires, or 0 if inactive.
func (q *Queue) Remaining(t *Timeout) Ticks {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remainingLocked(t)
}

func (q *Queue) remainingLocked(t *Timeout) Ticks {
	if !t.linked {
		return 0
	}
	var ticks int64
	for _, e := range q.list {
		ticks += e.dticks
		if e == t {
			break
		}
	}
	return ticks - q.elapsed()
}

// Expires returns the absolute tick at which t expires.
func (q *Queue) Expires(t *Timeout) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !t.linked {
		return q.currTick
	}
	tick := q.currTick
	for _, e := range q.list {
		tick += uint64(e.dticks)
		if e == t {
			break
		}
	}
	return tick
}

// NextExpiry returns the ticks until the first queued timeout.
func (q *Queue) NextExpiry() Ticks {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextTimeout()
}

// TickGet returns the current absolute tick.
func (q *Queue) TickGet() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currTick + uint64(q.elapsed())
}

// Announce advances the queue by ticks and runs every due timeout in order.
// Callbacks run with the lock released. A concurrent announcement while one
// is in progress only extends the remaining ticks.
func (q *Queue) Announce(ticks uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.announcing {
		q.announceRemaining += int64(ticks)
		return
	}

	q.announcing = true
	q.announceRemaining = int64(ticks)

	for len(q.list) > 0 && q.list[0].dticks <= q.announceRemaining {
		t := q.list[0]
		dt := t.dticks

		q.currTick += uint64(dt)
		t.dticks = 0
		q.removeLocked(t)

		fn := t.fn
		q.mu.Unlock()
		if fn != nil {
			fn(t)
		}
		q.mu.Lock()

		q.announceRemaining -= dt
	}

	if len(q.list) > 0 {
		q.list[0].dticks -= q.announceRemaining
	}

	q.currTick += uint64(q.announceRemaining)
	q.announceRemaining = 0
	q.announcing = false

	q.backend.SetTimeout(q.nextTimeout(), false)
}

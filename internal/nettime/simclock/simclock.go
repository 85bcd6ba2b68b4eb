/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package simclock simulates the dual counter of a radio SoC on the host:
// a 4 MHz radio timer with one comparator and a 32768 Hz sleep counter.
package simclock

import (
	"errors"
	"sync"
	"time"

	"github.com/friendsincode/tsch/internal/nettime"
)

// Source supplies monotonic time since an arbitrary start.
type Source interface {
	Now() time.Duration
}

// Monotonic is a Source backed by the Go runtime's monotonic clock.
type Monotonic struct {
	start time.Time
}

// NewMonotonic returns a source starting at zero now.
func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

// Now implements Source.
func (m *Monotonic) Now() time.Duration {
	return time.Since(m.start)
}

// Manual is a Source that only moves when advanced.
type Manual struct {
	mu  sync.Mutex
	now time.Duration
}

// Now implements Source.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) add(d time.Duration) {
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
}

// Config tunes the simulated hardware.
type Config struct {
	// Origin is the high resolution value at sleep counter zero.
	Origin uint32
	// Boot is the sleep counter reading at source time zero.
	Boot time.Duration
}

type compare struct {
	tick uint32
	fn   func()
	gen  uint64
}

// Hardware implements nettime.HardwareClock.
type Hardware struct {
	mu      sync.Mutex
	src     Source
	manual  *Manual
	cfg     Config
	running bool
	cmp     *compare
	gen     uint64
	timer   *time.Timer
	syncErr error
}

// NewRealtime returns hardware driven by the monotonic clock. Comparator
// callbacks run on their own goroutine.
func NewRealtime(cfg Config) *Hardware {
	return &Hardware{src: NewMonotonic(), cfg: cfg}
}

// NewManual returns hardware that only advances through Advance.
// Comparator callbacks run inside Advance.
func NewManual(cfg Config) *Hardware {
	m := &Manual{}
	return &Hardware{src: m, manual: m, cfg: cfg}
}

func (h *Hardware) nanos() uint64 {
	return uint64(h.src.Now() + h.cfg.Boot)
}

// timeline is the 64 bit high resolution value, running or not.
func (h *Hardware) timeline() uint64 {
	return uint64(h.cfg.Origin) + h.nanos()/nettime.NanosPerTick
}

// HighResRunning implements nettime.HardwareClock.
func (h *Hardware) HighResRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// HighResValue implements nettime.HardwareClock.
func (h *Hardware) HighResValue() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return 0
	}
	return uint32(h.timeline())
}

// SleepValue implements nettime.HardwareClock.
func (h *Hardware) SleepValue() uint64 {
	ns := h.nanos()
	sec := ns / uint64(time.Second)
	rem := ns % uint64(time.Second)
	ticks := rem * nettime.SleepHz / uint64(time.Second)
	return sec<<nettime.SleepSubsecondBits + ticks*nettime.SleepIncPerTick
}

// SyncStart implements nettime.HardwareClock.
func (h *Hardware) SyncStart() (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.syncErr != nil {
		return 0, h.syncErr
	}
	h.running = true
	return h.cfg.Origin, nil
}

// Yield implements nettime.HardwareClock. The counter stops until the next
// SyncStart.
func (h *Hardware) Yield() {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
}

// FailSync makes SyncStart return err until cleared with nil.
func (h *Hardware) FailSync(err error) {
	h.mu.Lock()
	h.syncErr = err
	h.mu.Unlock()
}

// Armed returns the armed comparator value.
func (h *Hardware) Armed() (uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmp == nil {
		return 0, false
	}
	return h.cmp.tick, true
}

// ErrNoCallback is returned when arming without a handler.
var ErrNoCallback = errors.New("simclock: compare without callback")

// ArmCompare implements nettime.HardwareClock. The comparator follows the
// high resolution timeline even while the counter is yielded, the way the
// radio core powers itself up for a compare event.
func (h *Hardware) ArmCompare(tick uint32, fn func()) error {
	if fn == nil {
		return ErrNoCallback
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.gen++
	h.cmp = &compare{tick: tick, fn: fn, gen: h.gen}
	if h.manual != nil {
		return nil
	}

	if h.timer != nil {
		h.timer.Stop()
	}
	delta := tick - uint32(h.timeline())
	var wait time.Duration
	if delta <= 1<<31 {
		wait = time.Duration(delta) * nettime.NanosPerTick
	}
	gen := h.gen
	h.timer = time.AfterFunc(wait, func() { h.fire(gen) })
	return nil
}

func (h *Hardware) fire(gen uint64) {
	h.mu.Lock()
	cmp := h.cmp
	if cmp == nil || cmp.gen != gen {
		h.mu.Unlock()
		return
	}
	h.cmp = nil
	h.mu.Unlock()
	cmp.fn()
}

// Advance moves manual hardware forward by d and fires the comparator when
// it was reached, or was already in the past when armed.
func (h *Hardware) Advance(d time.Duration) {
	if h.manual == nil {
		panic("simclock: Advance on realtime hardware")
	}

	h.mu.Lock()
	before := h.timeline()
	h.manual.add(d)
	after := h.timeline()

	cmp := h.cmp
	due := false
	if cmp != nil {
		delta := cmp.tick - uint32(before)
		due = delta == 0 || delta > 1<<31 || uint64(delta) <= after-before
	}
	if due {
		h.cmp = nil
	}
	h.mu.Unlock()

	if due {
		cmp.fn()
	}
}

// Step advances manual hardware in increments of at most step so every
// comparator armed on the way gets a chance to fire.
func (h *Hardware) Step(total, step time.Duration) {
	for total > 0 {
		d := min(step, total)
		h.Advance(d)
		total -= d
	}
}

// Stop releases the realtime comparator timer.
func (h *Hardware) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.cmp = nil
}

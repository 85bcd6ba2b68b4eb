/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package nettime provides the hybrid network uptime counter and the
// network time reference used by the TSCH engine.
package nettime

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsch/internal/telemetry"
	"github.com/friendsincode/tsch/internal/timeout"
)

var (
	// ErrDegraded is returned together with a usable value when the high
	// resolution counter is not running and the sleep counter was read.
	ErrDegraded = errors.New("nettime: high resolution counter not running")

	// ErrTickOutOfRange is returned when a timeout cannot be represented by
	// the 32 bit comparator.
	ErrTickOutOfRange = errors.New("nettime: tick out of comparator range")

	// ErrBusy is returned when the high resolution counter cannot be started.
	ErrBusy = errors.New("nettime: counter busy")

	// ErrForeignTimer is returned when a timer belongs to another queue.
	ErrForeignTimer = errors.New("nettime: timer not created by this counter")
)

// Timepoint is an absolute tick of the high resolution counter.
type Timepoint uint64

// HardwareClock is the dual counter of a radio SoC: a high resolution
// radio timer that only runs while the radio core is powered, and a low
// power sleep counter that always runs.
type HardwareClock interface {
	// HighResRunning reports whether the high resolution counter is powered.
	HighResRunning() bool
	// HighResValue reads the 32 bit high resolution counter.
	HighResValue() uint32
	// SleepValue reads the sleep counter as 32.32 fixed point seconds.
	SleepValue() uint64
	// SyncStart starts the high resolution counter in step with the sleep
	// counter and returns its origin.
	SyncStart() (origin uint32, err error)
	// Yield allows the radio core and its counter to power down.
	Yield()
	// ArmCompare programs the single comparator. fn runs once when the
	// high resolution counter reaches tick, never synchronously.
	ArmCompare(tick uint32, fn func()) error
}

type elapsedMode uint8

const (
	elapsedLive elapsedMode = iota
	elapsedFrozen
)

// elapsedState holds "now" constant while timeouts are programmed so that
// delta ticks are deterministic.
type elapsedState struct {
	mode  elapsedMode
	value uint64
}

// Counter is a monotonic 64 bit tick counter over the hybrid hardware
// clock. It drives its own timeout queue through the comparator.
type Counter struct {
	hw       HardwareClock
	logger   zerolog.Logger
	queue    *timeout.Queue
	onSwitch func(DomainSwitch)

	mu        sync.Mutex
	iface     string
	offset    uint64
	announced uint64
	dticks    uint64
	elapsed   elapsedState
	watermark uint64
	synced    bool
	origin    uint32
	lastRaw   uint32
	domain    Domain
}

// NewCounter creates a counter over hw.
func NewCounter(hw HardwareClock, logger zerolog.Logger) *Counter {
	c := &Counter{
		hw:     hw,
		logger: logger.With().Str("component", "nettime-counter").Logger(),
		domain: DomainSleep,
	}
	c.queue = timeout.NewQueue(c)
	return c
}

// OnDomainSwitch registers fn to be called whenever readings move between
// the sleep and the high resolution counter.
func (c *Counter) OnDomainSwitch(fn func(DomainSwitch)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSwitch = fn
}

// Init binds the counter to a network interface.
func (c *Counter) Init(iface string) error {
	if c.hw == nil {
		return fmt.Errorf("init counter on %s: no hardware clock", iface)
	}
	c.mu.Lock()
	c.iface = iface
	c.mu.Unlock()
	c.logger.Info().Str("iface", iface).Msg("network uptime counter initialized")
	return nil
}

// Queue returns the timeout queue driven by the counter.
func (c *Counter) Queue() *timeout.Queue {
	return c.queue
}

// Frequency returns the counter frequency in Hz.
func (c *Counter) Frequency() uint64 {
	return HighResHz
}

// currentTick reads the hardware and clamps the result to the watermark.
// Must be called with mu held.
func (c *Counter) currentTick() (uint64, bool, *DomainSwitch) {
	var (
		tick     uint64
		degraded bool
		domain   Domain
	)

	if c.hw.HighResRunning() {
		raw := c.hw.HighResValue()
		if raw < c.lastRaw && c.lastRaw-raw > 1<<31 {
			c.offset += 1 << 32
		}
		c.lastRaw = raw
		tick = c.offset + uint64(raw)
		domain = DomainHighRes
	} else {
		// Assume the sleep counter is just about to increment.
		if c.synced {
			tick = SleepToHighRes(c.hw.SleepValue()+SleepIncPerTick, c.origin)
		}
		degraded = true
		domain = DomainSleep
	}

	// Switching between counters may read backwards.
	if tick < c.watermark {
		tick = c.watermark
	}
	c.watermark = tick

	var sw *DomainSwitch
	if domain != c.domain {
		sw = &DomainSwitch{From: c.domain, To: domain, Origin: c.origin, Offset: c.offset, At: Timepoint(tick)}
		c.domain = domain
	}
	return tick, degraded, sw
}

func (c *Counter) emit(sw *DomainSwitch) {
	if sw == nil {
		return
	}
	c.logger.Debug().
		Str("from", sw.From.String()).
		Str("to", sw.To.String()).
		Uint64("tick", uint64(sw.At)).
		Msg("counter domain switch")
	c.mu.Lock()
	fn := c.onSwitch
	c.mu.Unlock()
	if fn != nil {
		fn(*sw)
	}
}

func (c *Counter) degraded() {
	telemetry.ClockDegradedReadsTotal.Inc()
	c.logger.Debug().Msg("high resolution counter inactive, read sleep counter")
}

// elapsedLocked returns ticks since the last announcement. Must be called
// with mu held.
func (c *Counter) elapsedLocked() (uint64, *DomainSwitch) {
	if c.elapsed.mode == elapsedFrozen {
		return c.elapsed.value, nil
	}
	tick, degraded, sw := c.currentTick()
	if degraded {
		c.degraded()
	}
	if tick < c.announced {
		return 0, sw
	}
	return tick - c.announced, sw
}

// Elapsed implements timeout.Backend.
func (c *Counter) Elapsed() uint64 {
	c.mu.Lock()
	elapsed, sw := c.elapsedLocked()
	c.mu.Unlock()
	c.emit(sw)
	return elapsed
}

// SetTimeout implements timeout.Backend. ticks are relative to now, that is
// announced plus elapsed. The queue caps far deadlines, so a capped wait
// is armed as is and the announcement on compare re-arms for the rest.
func (c *Counter) SetTimeout(ticks int64, idle bool) {
	if ticks == timeout.Forever {
		return
	}
	if err := c.program(ticks); err != nil {
		telemetry.TimeoutRejectedTotal.Inc()
		c.logger.Error().Err(err).Int64("ticks", ticks).Msg("could not program comparator")
	}
}

func (c *Counter) program(ticks int64) error {
	if ticks < 0 {
		return fmt.Errorf("%w: negative timeout %d", ErrTickOutOfRange, ticks)
	}

	c.mu.Lock()
	elapsed, sw := c.elapsedLocked()
	dticks := elapsed + uint64(ticks)
	target := c.announced + dticks
	if target < c.offset || target-(c.announced+elapsed) > math.MaxUint32 {
		c.mu.Unlock()
		c.emit(sw)
		return fmt.Errorf("%w: tick %d", ErrTickOutOfRange, target)
	}
	c.dticks = dticks
	compare := uint32(target - c.offset)
	c.mu.Unlock()
	c.emit(sw)

	if err := c.hw.ArmCompare(compare, c.OnCompare); err != nil {
		return fmt.Errorf("arm comparator: %w", err)
	}
	c.logger.Trace().Int64("ticks", ticks).Uint32("compare", compare).Msg("comparator reprogrammed")
	return nil
}

// OnCompare is the comparator handler. It announces the ticks of the
// expired timeout to the queue, which re-arms the comparator for the next
// one while elapsed is held at zero.
func (c *Counter) OnCompare() {
	c.mu.Lock()
	c.announced += c.dticks
	announce := c.dticks
	c.dticks = 0
	c.elapsed = elapsedState{mode: elapsedFrozen}
	c.mu.Unlock()

	c.queue.Announce(announce)

	c.mu.Lock()
	c.elapsed = elapsedState{mode: elapsedLive}
	c.mu.Unlock()

	c.logger.Trace().Uint64("announced", announce).Msg("comparator fired")
}

// CurrentTimepoint returns the current tick. ErrDegraded is returned with a
// usable value when only the sleep counter could be read.
func (c *Counter) CurrentTimepoint() (Timepoint, error) {
	c.mu.Lock()
	if c.elapsed.mode == elapsedFrozen {
		tp := Timepoint(c.announced + c.elapsed.value)
		c.mu.Unlock()
		return tp, nil
	}
	tick, degraded, sw := c.currentTick()
	c.mu.Unlock()
	c.emit(sw)

	if degraded {
		c.degraded()
		return Timepoint(tick), ErrDegraded
	}
	return Timepoint(tick), nil
}

// TickFromTimepoint converts a timepoint to a raw 32 bit counter value.
func (c *Counter) TickFromTimepoint(tp Timepoint) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(uint64(tp) - c.offset)
}

// TimepointFromTick converts a raw 32 bit counter value, such as a radio
// frame timestamp, to the timepoint closest to the current epoch.
func (c *Counter) TimepointFromTick(tick uint32) Timepoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	tp := c.offset + uint64(tick)
	if tp > c.watermark+1<<31 && c.offset >= 1<<32 {
		tp -= 1 << 32
	}
	return Timepoint(tp)
}

// NewTimer creates a timer on the counter's queue.
func (c *Counter) NewTimer(expiry, stop timeout.ExpiryFunc) *timeout.Timer {
	return timeout.NewTimer(c.queue, expiry, stop)
}

// TimerStart arms t while holding elapsed constant.
func (c *Counter) TimerStart(t *timeout.Timer, d timeout.Deadline, period timeout.Ticks) error {
	if t.Queue() != c.queue {
		return ErrForeignTimer
	}

	elapsed := c.Elapsed()

	c.mu.Lock()
	c.elapsed = elapsedState{mode: elapsedFrozen, value: elapsed}
	c.mu.Unlock()

	t.Start(d, period)

	c.mu.Lock()
	c.elapsed = elapsedState{mode: elapsedLive}
	c.mu.Unlock()
	return nil
}

// TimerStop disarms t.
func (c *Counter) TimerStop(t *timeout.Timer) error {
	if t.Queue() != c.queue {
		return ErrForeignTimer
	}
	t.Stop()
	return nil
}

// WakeUp starts the high resolution counter and aligns its epoch with the
// sleep counter.
func (c *Counter) WakeUp() error {
	origin, err := c.hw.SyncStart()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}

	c.mu.Lock()
	sleep := c.hw.SleepValue()
	raw := c.hw.HighResValue()
	c.offset = alignEpoch(SleepToHighRes(sleep, origin), raw)
	c.origin = origin
	c.synced = true
	c.lastRaw = raw
	c.mu.Unlock()

	// Reading once records the switch and moves the watermark.
	if _, err := c.CurrentTimepoint(); err != nil && !errors.Is(err, ErrDegraded) {
		return err
	}

	c.logger.Debug().Uint32("origin", origin).Msg("high resolution counter started")
	return nil
}

// MaySleep lets the hardware power down the high resolution counter.
func (c *Counter) MaySleep() error {
	c.hw.Yield()
	return nil
}

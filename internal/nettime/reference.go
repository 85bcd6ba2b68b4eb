/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package nettime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsch/internal/telemetry"
	"github.com/friendsincode/tsch/internal/timeout"
)

var (
	// ErrNegativeTime is returned when converting a time before the epoch.
	ErrNegativeTime = errors.New("nettime: negative network time")

	// ErrNegativePeriod is returned when starting a timer with period < 0.
	ErrNegativePeriod = errors.New("nettime: negative timer period")

	// ErrOutlier is returned when a syntonization sample is rejected.
	ErrOutlier = errors.New("nettime: syntonization sample rejected as outlier")
)

// Time is network time in nanoseconds.
type Time int64

const (
	Nanosecond  Time = 1
	Microsecond      = 1000 * Nanosecond
	Millisecond      = 1000 * Microsecond
	Second           = 1000 * Millisecond
)

// Micros returns t in whole microseconds, truncated.
func (t Time) Micros() int64 {
	return int64(t / Microsecond)
}

// Rounding selects how a time between two ticks maps to a timepoint.
type Rounding uint8

const (
	RoundNearest Rounding = iota
	RoundNext
	RoundPrevious
)

func (r Rounding) String() string {
	switch r {
	case RoundNext:
		return "next"
	case RoundPrevious:
		return "previous"
	default:
		return "nearest"
	}
}

// SyntonizeConfig tunes the clock discipline.
type SyntonizeConfig struct {
	// MaxCorrection rejects samples whose phase error exceeds it once the
	// reference is synchronized.
	MaxCorrection Time
	// MaxDriftPPM bounds the rate correction.
	MaxDriftPPM float64
	// RateGain is the share of the observed rate error applied per sample.
	RateGain float64
	// Decay is the EWMA factor of the phase error variance.
	Decay float64
	// ClockAccuracyPPM is the assumed drift before the first sample.
	ClockAccuracyPPM float64
}

// DefaultSyntonizeConfig returns values suited to 802.15.4 crystals.
func DefaultSyntonizeConfig() SyntonizeConfig {
	return SyntonizeConfig{
		MaxCorrection:    2 * Millisecond,
		MaxDriftPPM:      100,
		RateGain:         0.5,
		Decay:            1.0 / 30.0,
		ClockAccuracyPPM: 40,
	}
}

// discipline maps local ticks onto network time:
//
//	net(local) = local + offset + (local - anchor) * ppb / 1e9
type discipline struct {
	synced   bool
	anchor   int64
	offset   int64
	ppb      int64
	variance float64
	samples  uint64
}

// Reference converts between counter timepoints and network time and
// keeps the two syntonized.
type Reference struct {
	counter *Counter
	cfg     SyntonizeConfig
	logger  zerolog.Logger

	mu sync.RWMutex
	d  discipline
}

// NewReference creates a reference over counter.
func NewReference(counter *Counter, cfg SyntonizeConfig, logger zerolog.Logger) *Reference {
	if cfg.Decay <= 0 || cfg.Decay >= 1 {
		cfg.Decay = DefaultSyntonizeConfig().Decay
	}
	if cfg.MaxDriftPPM <= 0 {
		cfg.MaxDriftPPM = DefaultSyntonizeConfig().MaxDriftPPM
	}
	return &Reference{
		counter: counter,
		cfg:     cfg,
		logger:  logger.With().Str("component", "nettime-reference").Logger(),
	}
}

// Init binds the reference to a network interface.
func (r *Reference) Init(iface string) error {
	return r.counter.Init(iface)
}

// Counter returns the underlying counter.
func (r *Reference) Counter() *Counter {
	return r.counter
}

// Time returns the current network time. ErrDegraded is returned together
// with a usable value.
func (r *Reference) Time() (Time, error) {
	tp, err := r.counter.CurrentTimepoint()
	if err != nil && !errors.Is(err, ErrDegraded) {
		return 0, err
	}
	return r.TimeFromTimepoint(tp), err
}

// TimeFromTimepoint converts a counter timepoint to network time.
func (r *Reference) TimeFromTimepoint(tp Timepoint) Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Time(r.d.forward(int64(tp) * NanosPerTick))
}

// TimepointFromTime converts network time to a counter timepoint.
func (r *Reference) TimepointFromTime(t Time, rounding Rounding) (Timepoint, error) {
	if t < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeTime, t)
	}

	r.mu.RLock()
	local := r.d.inverse(int64(t))
	r.mu.RUnlock()

	if local < 0 {
		return 0, fmt.Errorf("%w: %d maps before counter start", ErrNegativeTime, t)
	}

	var tick int64
	switch rounding {
	case RoundNext:
		tick = (local + NanosPerTick - 1) / NanosPerTick
	case RoundPrevious:
		tick = local / NanosPerTick
	default:
		tick = (local + NanosPerTick/2) / NanosPerTick
	}
	return Timepoint(tick), nil
}

func (d *discipline) forward(local int64) int64 {
	return local + d.offset + mulDiv(local-d.anchor, d.ppb, 1e9)
}

func (d *discipline) inverse(net int64) int64 {
	return d.anchor + mulDiv(net-d.offset-d.anchor, 1e9, 1e9+d.ppb)
}

// mulDiv returns a*b/c truncated toward zero, saturating on overflow.
func mulDiv(a, b, c int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	neg := (a < 0) != (b < 0) != (c < 0)
	hi, lo := bits.Mul64(abs64(a), abs64(b))
	uc := abs64(c)
	if hi >= uc {
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uc)
	if q > math.MaxInt64 {
		q = math.MaxInt64
	}
	if neg {
		return -int64(q)
	}
	return int64(q)
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

// Syntonize feeds one observation: at timepoint at the network time was
// observed. The first sample sets the phase; later ones also steer the
// rate.
func (r *Reference) Syntonize(observed Time, at Timepoint) error {
	local := int64(at) * NanosPerTick

	r.mu.Lock()
	defer r.mu.Unlock()

	d := &r.d
	if !d.synced {
		d.offset = int64(observed) - local
		d.anchor = local
		d.synced = true
		d.samples = 1
		telemetry.SyntonizeTotal.WithLabelValues("initial").Inc()
		r.logger.Info().Int64("offset_ns", d.offset).Msg("network time acquired")
		return nil
	}

	errNs := int64(observed) - d.forward(local)
	if abs64(errNs) > uint64(r.cfg.MaxCorrection) && r.cfg.MaxCorrection > 0 {
		telemetry.SyntonizeTotal.WithLabelValues("outlier").Inc()
		r.logger.Warn().Int64("error_ns", errNs).Msg("syntonization sample rejected")
		return fmt.Errorf("%w: phase error %dns", ErrOutlier, errNs)
	}

	if dt := local - d.anchor; dt > 0 {
		rateErr := float64(errNs) * 1e9 / float64(dt)
		ppb := float64(d.ppb) + r.cfg.RateGain*rateErr
		limit := r.cfg.MaxDriftPPM * 1000
		ppb = math.Max(-limit, math.Min(limit, ppb))
		d.ppb = int64(ppb)
	}

	e := float64(errNs)
	d.variance = (1 - r.cfg.Decay) * (d.variance + e*e*r.cfg.Decay)
	d.offset = int64(observed) - local
	d.anchor = local
	d.samples++

	telemetry.SyntonizeTotal.WithLabelValues("applied").Inc()
	r.logger.Debug().
		Int64("error_ns", errNs).
		Int64("drift_ppb", d.ppb).
		Msg("syntonized")
	return nil
}

// Synchronized reports whether at least one sample was applied.
func (r *Reference) Synchronized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.d.synced
}

// DriftPPB returns the current rate correction in parts per billion.
func (r *Reference) DriftPPB() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.d.ppb
}

// Uncertainty bounds the error of the network time at target.
func (r *Reference) Uncertainty(target Time) (Time, error) {
	if target < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeTime, target)
	}

	r.mu.RLock()
	d := r.d
	r.mu.RUnlock()

	var (
		from     int64
		driftPPB float64
		base     float64
	)
	if d.synced {
		from = d.forward(d.anchor)
		// Residual after steering plus a 1 ppm floor.
		driftPPB = math.Abs(float64(d.ppb))*(1-r.cfg.RateGain) + 1000
		base = math.Sqrt(d.variance)
	} else {
		now, err := r.Time()
		if err != nil && !errors.Is(err, ErrDegraded) {
			return 0, err
		}
		from = int64(now)
		driftPPB = r.cfg.ClockAccuracyPPM * 1000
	}

	distance := math.Abs(float64(int64(target) - from))
	u := base + distance*driftPPB/1e9 + NanosPerTick
	return Time(math.Ceil(u)), nil
}

// Timer is a timer expressed in network time.
type Timer struct {
	ref    *Reference
	timer  *timeout.Timer
	expiry func(*Timer)

	mu            sync.Mutex
	currentExpiry Time
	period        Time
	rounding      Rounding
	stopped       bool
}

// NewTimer creates a stopped network time timer. expiry is optional and
// runs on the counter's dispatch path.
func (r *Reference) NewTimer(expiry func(*Timer)) *Timer {
	t := &Timer{ref: r, expiry: expiry}
	t.timer = r.counter.NewTimer(t.expired, nil)
	return t
}

// TimerStart arms t to expire at expireAt and then every period, if
// non-zero. It returns the expiry actually programmed after rounding.
func (r *Reference) TimerStart(t *Timer, expireAt, period Time, rounding Rounding) (Time, error) {
	if period < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativePeriod, period)
	}
	if t.ref != r {
		return 0, ErrForeignTimer
	}

	tp, err := r.TimepointFromTime(expireAt, rounding)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.currentExpiry = expireAt
	t.period = period
	t.rounding = rounding
	t.stopped = false
	t.mu.Unlock()

	if err := r.counter.TimerStart(t.timer, timeout.At(uint64(tp)), 0); err != nil {
		return 0, err
	}
	return r.TimeFromTimepoint(tp), nil
}

// TimerStop disarms t. A periodic expiry already being dispatched does
// not re-arm it.
func (r *Reference) TimerStop(t *Timer) error {
	if t.ref != r {
		return ErrForeignTimer
	}
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return r.counter.TimerStop(t.timer)
}

// expired recomputes periodic deadlines in network time so rounding never
// accumulates.
func (t *Timer) expired(*timeout.Timer) {
	// t.mu is held across Reschedule so TimerStop either sees the new
	// deadline or prevents it.
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.period > 0 {
		t.currentExpiry += t.period
		next, err := t.ref.TimepointFromTime(t.currentExpiry, t.rounding)
		if err != nil {
			t.ref.logger.Error().Err(err).Msg("could not compute next timer expiry")
		} else {
			t.timer.Reschedule(timeout.At(uint64(next)))
		}
	}
	t.mu.Unlock()

	if t.expiry != nil {
		t.expiry(t)
	}
}

// Wait blocks until the timer expires or is stopped, returning the number
// of expiries since the last wait.
func (t *Timer) Wait(ctx context.Context) (uint32, error) {
	return t.timer.StatusSync(ctx)
}

// Expiry returns the network time of the current or last expiry.
func (t *Timer) Expiry() Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentExpiry
}

// Active reports whether the timer is armed.
func (t *Timer) Active() bool {
	return t.timer.Active()
}

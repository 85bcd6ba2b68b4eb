/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tsch

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/friendsincode/tsch/internal/events"
	"github.com/friendsincode/tsch/internal/frame"
	"github.com/friendsincode/tsch/internal/neighbor"
	"github.com/friendsincode/tsch/internal/nettime"
	"github.com/friendsincode/tsch/internal/radio"
	"github.com/friendsincode/tsch/internal/schedule"
	"github.com/friendsincode/tsch/internal/telemetry"
)

// SlotState is the state of the slot state machine.
type SlotState uint8

const (
	StateComputeChannel SlotState = iota
	StateAdvertise
	StateTransmit
	StateReceive
	StateDone
)

func (s SlotState) String() string {
	switch s {
	case StateComputeChannel:
		return "compute_channel"
	case StateAdvertise:
		return "advertise"
	case StateTransmit:
		return "transmit"
	case StateReceive:
		return "receive"
	default:
		return "done"
	}
}

// Reasons a selected slot ends without radio activity.
const (
	ReasonNoLink          = "no_link"
	ReasonNoChannel       = "no_channel"
	ReasonNoData          = "no_data"
	ReasonUnknownNeighbor = "unknown_neighbor"
	ReasonBeacon          = "beacon_failed"
	ReasonChannelBusy     = "channel_busy"
	ReasonChannelAccess   = "channel_access"
)

// Verdict tells the receive path whether to pass a frame on.
type Verdict uint8

const (
	VerdictDrop Verdict = iota
	VerdictContinue
)

func (v Verdict) String() string {
	if v == VerdictContinue {
		return "continue"
	}
	return "drop"
}

// TxQueues hands out frames queued towards neighbors.
type TxQueues interface {
	Unqueue(addr frame.Addr) (*frame.Frame, error)
	Depth(addr frame.Addr) int
}

// slotContext lives for one timeslot.
type slotContext struct {
	current    *schedule.Link
	asn        schedule.ASN
	channel    uint16
	slotStart  nettime.Time
	programmed nettime.Time
}

// SlotResult describes an executed slot. State is the last state
// reached: StateDone for skipped slots, the radio action otherwise.
type SlotResult struct {
	ASN        schedule.ASN
	State      SlotState
	Link       *schedule.Link
	Channel    uint16
	Programmed nettime.Time
	Reason     string
}

// SlotExecutor operates the radio for one timeslot and turns receptions
// in that slot into time corrections.
type SlotExecutor struct {
	tctx   *Context
	driver radio.Driver
	codec  frame.Codec
	queues TxQueues
	ref    *nettime.Reference
	bus    events.Publisher
	logger zerolog.Logger

	mu   sync.Mutex
	slot slotContext
}

// NewSlotExecutor wires an executor. bus may be nil.
func NewSlotExecutor(tctx *Context, driver radio.Driver, codec frame.Codec, queues TxQueues, ref *nettime.Reference, bus events.Publisher, logger zerolog.Logger) *SlotExecutor {
	return &SlotExecutor{
		tctx:   tctx,
		driver: driver,
		codec:  codec,
		queues: queues,
		ref:    ref,
		bus:    bus,
		logger: logger.With().Str("component", "tsch-executor").Logger(),
	}
}

func (e *SlotExecutor) publish(t events.EventType, p events.Payload) {
	if e.bus != nil {
		e.bus.Publish(t, p)
	}
}

func (e *SlotExecutor) setCurrent(l *schedule.Link) {
	e.mu.Lock()
	e.slot.current = l
	e.mu.Unlock()
}

func (e *SlotExecutor) setProgrammed(t nettime.Time) {
	e.mu.Lock()
	e.slot.programmed = t
	e.mu.Unlock()
}

// Operate executes the selected links in the slot starting at slotStart.
// The slot context stays in place until the next call so that receptions
// can be matched against it.
func (e *SlotExecutor) Operate(ctx context.Context, sel schedule.Selection, slotStart nettime.Time) SlotResult {
	asn := e.tctx.ASN()
	res := SlotResult{ASN: asn, State: StateComputeChannel, Link: sel.Primary}

	e.mu.Lock()
	e.slot = slotContext{current: sel.Primary, asn: asn, slotStart: slotStart}
	e.mu.Unlock()

	if sel.Primary == nil {
		return e.skip(res, ReasonNoLink)
	}

	_, span := telemetry.StartSpan(ctx, "tsch", "tsch.slot",
		attribute.Int64("tsch.asn", int64(asn)),
		attribute.Int("tsch.link", int(sel.Primary.Handle)),
	)
	defer span.End()

	channel, ok := e.tctx.Channel(sel.Primary.ChannelOffset)
	if !ok {
		return e.skip(res, ReasonNoChannel)
	}
	res.Channel = channel
	previous := e.tctx.SwapChannel(channel)

	e.mu.Lock()
	e.slot.channel = channel
	e.mu.Unlock()

	tmpl := e.tctx.Template()
	primary := sel.Primary
	link := primary

	for link != nil {
		res.Link = link
		var f *frame.Frame

		switch {
		case link.Advertising && e.tctx.Role() == RolePANCoordinator:
			b, err := e.codec.CreateBeacon(true)
			if err != nil {
				e.logger.Error().Err(err).Msg("could not create enhanced beacon")
				telemetry.RecordError(span, err)
				if !link.RX {
					return e.skip(res, ReasonBeacon)
				}
				// listen for the rest of the slot instead
				break
			}
			f = b
			res.State = StateAdvertise

		case link.TX:
			q, err := e.queues.Unqueue(link.NodeAddr)
			if errors.Is(err, neighbor.ErrNoData) {
				if link == primary {
					link = sel.Backup
					e.setCurrent(link)
					continue
				}
				link = nil
				e.setCurrent(nil)
				continue
			}
			if err != nil && !link.RX {
				e.logger.Warn().Err(err).Str("neighbor", link.NodeAddr.String()).Msg("tx link towards unknown neighbor")
				return e.skip(res, ReasonUnknownNeighbor)
			}
			if q != nil {
				f = q
				res.State = StateTransmit
			}
		}

		if f != nil {
			return e.transmit(res, f, previous, slotStart, tmpl)
		}
		return e.receive(res, slotStart, tmpl)
	}

	return e.skip(res, ReasonNoData)
}

func (e *SlotExecutor) transmit(res SlotResult, f *frame.Frame, previous uint16, slotStart nettime.Time, tmpl TimeslotTemplate) SlotResult {
	if previous != res.Channel {
		if err := e.driver.SetChannel(res.Channel); err != nil {
			e.logger.Error().Err(err).Uint16("channel", res.Channel).Msg("could not hop to channel")
		}
	}

	if err := ChannelAccess(e.tctx, e.driver); err != nil {
		if errors.Is(err, radio.ErrBusy) {
			return e.skip(res, ReasonChannelBusy)
		}
		e.logger.Error().Err(err).Msg("clear channel assessment failed")
		return e.skip(res, ReasonChannelAccess)
	}

	res.Programmed = slotStart + us(tmpl.TxOffset)
	e.setProgrammed(res.Programmed)

	if err := e.codec.Send(f, res.Programmed); err != nil {
		e.logger.Warn().Err(err).Uint8("seq", f.Seq).Msg("timed transmission failed")
	}
	return e.done(res)
}

func (e *SlotExecutor) receive(res SlotResult, slotStart nettime.Time, tmpl TimeslotTemplate) SlotResult {
	res.State = StateReceive
	rxStart := slotStart + us(tmpl.RxOffset)
	rxDuration := us(tmpl.RxWait)
	res.Programmed = rxStart + rxDuration/2
	e.setProgrammed(res.Programmed)

	if e.driver.Capabilities().Has(radio.CapRxTxAck) {
		cfg := radio.Config{ExpectedRxTime: res.Programmed}
		if err := e.driver.Configure(radio.ConfigExpectedRxTime, cfg); err != nil {
			e.logger.Debug().Err(err).Msg("could not configure expected rx time")
		}
	}

	cfg := radio.Config{RxSlot: radio.RxSlot{Start: rxStart, Duration: rxDuration, Channel: res.Channel}}
	if err := e.driver.Configure(radio.ConfigRxSlot, cfg); err != nil {
		e.logger.Warn().Err(err).Msg("could not configure rx slot")
	}
	return e.done(res)
}

func (e *SlotExecutor) done(res SlotResult) SlotResult {
	action := res.State.String()
	telemetry.SlotsTotal.WithLabelValues(action).Inc()

	e.logger.Debug().
		Uint64("asn", uint64(res.ASN)).
		Uint16("link", res.Link.Handle).
		Uint16("channel", res.Channel).
		Str("action", action).
		Msg("timeslot operated")

	e.publish(events.EventSlotExecuted, events.Payload{
		"asn":        uint64(res.ASN),
		"link":       res.Link.Handle,
		"slotframe":  res.Link.SlotframeHandle,
		"action":     action,
		"channel":    res.Channel,
		"programmed": int64(res.Programmed),
	})
	return res
}

func (e *SlotExecutor) skip(res SlotResult, reason string) SlotResult {
	res.State = StateDone
	res.Reason = reason
	telemetry.SlotsSkippedTotal.WithLabelValues(reason).Inc()

	ev := e.logger.Debug()
	if reason == ReasonNoLink || reason == ReasonNoChannel {
		ev = e.logger.Warn()
	}
	ev.Uint64("asn", uint64(res.ASN)).Str("reason", reason).Msg("timeslot skipped")

	payload := events.Payload{"asn": uint64(res.ASN), "reason": reason}
	if res.Link != nil {
		payload["link"] = res.Link.Handle
	}
	e.publish(events.EventSlotSkipped, payload)
	return res
}

// HandleRx matches a frame received from src at ts against the current
// slot. Accepted frames yield the time correction to report back to the
// sender, in microseconds.
func (e *SlotExecutor) HandleRx(src frame.Addr, ts nettime.Time) (Verdict, int16) {
	e.mu.Lock()
	link := e.slot.current
	programmed := e.slot.programmed
	asn := e.slot.asn
	e.mu.Unlock()

	if link == nil || !link.RX || programmed == 0 || link.NodeAddr != src {
		e.publish(events.EventRxDropped, events.Payload{"asn": uint64(asn), "src": src.String()})
		return VerdictDrop, 0
	}

	correction := roundMicros(programmed - ts)
	telemetry.TimeCorrectionMicroseconds.Observe(float64(correction))
	e.publish(events.EventRxAccepted, events.Payload{
		"asn":           uint64(asn),
		"src":           src.String(),
		"correction_us": correction,
	})

	if err := e.HandleTimeCorrection(correction); err != nil {
		e.logger.Debug().Err(err).Int16("correction_us", correction).Msg("time correction not applied")
	}
	return VerdictContinue, correction
}

// HandleTimeCorrection syntonizes the network time when the current link
// is a timekeeping link. It also serves corrections carried in
// acknowledgments.
func (e *SlotExecutor) HandleTimeCorrection(correctionUs int16) error {
	e.mu.Lock()
	link := e.slot.current
	programmed := e.slot.programmed
	e.mu.Unlock()

	if link == nil || !link.Timekeeping || programmed == 0 {
		return nil
	}

	tp, err := e.ref.TimepointFromTime(programmed, nettime.RoundNearest)
	if err != nil {
		return err
	}
	actual := programmed + nettime.Time(correctionUs)*nettime.Microsecond
	if err := e.ref.Syntonize(actual, tp); err != nil {
		return err
	}

	e.publish(events.EventTimeCorrection, events.Payload{
		"link":          link.Handle,
		"correction_us": correctionUs,
		"drift_ppb":     e.ref.DriftPPB(),
	})
	return nil
}

// Current returns a copy of the link of the current slot and the
// programmed TX or RX instant.
func (e *SlotExecutor) Current() (*schedule.Link, nettime.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slot.current == nil {
		return nil, e.slot.programmed
	}
	l := *e.slot.current
	return &l, e.slot.programmed
}

// roundMicros divides by one microsecond rounding half away from zero.
func roundMicros(d nettime.Time) int16 {
	n := int64(d)
	var q int64
	if n < 0 {
		q = (n - int64(nettime.Microsecond)/2) / int64(nettime.Microsecond)
	} else {
		q = (n + int64(nettime.Microsecond)/2) / int64(nettime.Microsecond)
	}
	return int16(max(math.MinInt16, min(math.MaxInt16, q)))
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tsch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsch/internal/events"
	"github.com/friendsincode/tsch/internal/frame"
	"github.com/friendsincode/tsch/internal/nettime"
	"github.com/friendsincode/tsch/internal/radio"
)

// DefaultAssociationPoll is how often the loop checks for association.
const DefaultAssociationPoll = time.Second

const requiredCaps = radio.CapRxTime | radio.CapTxTime

// LoopState is the state of the scheduler loop.
type LoopState uint32

const (
	LoopStopped LoopState = iota
	LoopWaitingForAssociation
	LoopOperating
)

func (s LoopState) String() string {
	switch s {
	case LoopWaitingForAssociation:
		return "waiting_for_association"
	case LoopOperating:
		return "operating"
	default:
		return "stopped"
	}
}

// Engine runs the TSCH state machine of one interface.
type Engine struct {
	tctx   *Context
	exec   *SlotExecutor
	driver radio.Driver
	codec  frame.Codec
	ref    *nettime.Reference
	queues TxQueues
	bus    events.Publisher
	logger zerolog.Logger
	poll   atomic.Int64

	life   context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	mode bool
	stop chan struct{}
	done chan struct{}

	state atomic.Uint32
	timer *nettime.Timer

	// loop goroutine only
	slotStart        nettime.Time
	programmedExpiry nettime.Time
}

// NewEngine wires the engine and registers its receive handler with the
// driver. bus may be nil.
func NewEngine(tctx *Context, driver radio.Driver, codec frame.Codec, queues TxQueues, ref *nettime.Reference, bus events.Publisher, logger zerolog.Logger) *Engine {
	life, cancel := context.WithCancel(context.Background())
	e := &Engine{
		tctx:   tctx,
		driver: driver,
		codec:  codec,
		ref:    ref,
		queues: queues,
		bus:    bus,
		logger: logger.With().Str("component", "tsch-engine").Logger(),
		life:   life,
		cancel: cancel,
	}
	e.poll.Store(int64(DefaultAssociationPoll))
	e.exec = NewSlotExecutor(tctx, driver, codec, queues, ref, bus, logger)
	e.timer = ref.NewTimer(nil)

	ref.Counter().OnDomainSwitch(func(sw nettime.DomainSwitch) {
		e.publish(events.EventDomainSwitch, events.Payload{
			"from":   sw.From.String(),
			"to":     sw.To.String(),
			"origin": sw.Origin,
			"at":     uint64(sw.At),
		})
	})
	driver.OnReceive(e.receive)
	return e
}

// SetAssociationPoll changes the association poll interval.
func (e *Engine) SetAssociationPoll(d time.Duration) {
	if d > 0 {
		e.poll.Store(int64(d))
	}
}

// Context returns the TSCH context.
func (e *Engine) Context() *Context { return e.tctx }

// Executor returns the slot executor.
func (e *Engine) Executor() *SlotExecutor { return e.exec }

func (e *Engine) publish(t events.EventType, p events.Payload) {
	if e.bus != nil {
		e.bus.Publish(t, p)
	}
}

// Init picks the timeslot template for the radio's band and sets the CCA
// default. It fails when the radio cannot do timed TX and RX.
func (e *Engine) Init(cca bool) error {
	if !e.driver.Capabilities().Has(requiredCaps) {
		e.logger.Error().Str("capabilities", e.driver.Capabilities().String()).
			Msg("tsch requires a driver with timed rx and tx")
		return ErrUnsupported
	}
	tmpl := TemplateFor(e.driver)
	if err := e.tctx.SetTemplate(tmpl); err != nil {
		return fmt.Errorf("init template: %w", err)
	}
	if err := e.tctx.SetCCA(cca); err != nil {
		return fmt.Errorf("init cca: %w", err)
	}
	e.logger.Info().
		Bool("subghz", radio.IsSubGHz(e.driver)).
		Uint32("slot_us", tmpl.Length).
		Bool("cca", cca).
		Msg("tsch initialized")
	return nil
}

// Mode reports whether TSCH mode is on.
func (e *Engine) Mode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// State returns the state of the scheduler loop.
func (e *Engine) State() LoopState {
	return LoopState(e.state.Load())
}

// ModeOn starts the scheduler loop. ctx bounds only the wait for a
// previous loop that is still finishing its last slot.
func (e *Engine) ModeOn(ctx context.Context) error {
	caps := e.driver.Capabilities()
	if !caps.Has(requiredCaps) {
		return ErrUnsupported
	}

	// The previous loop is waited for without holding e.mu so Mode and
	// Status stay responsive.
	for {
		e.mu.Lock()
		if e.mode {
			e.mu.Unlock()
			return ErrAlready
		}
		if err := e.life.Err(); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("mode on: %w", err)
		}
		prev := e.done
		if prev == nil || closed(prev) {
			break
		}
		e.mu.Unlock()

		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer e.mu.Unlock()

	e.mode = true
	e.tctx.setLive(true)

	if caps.Has(radio.CapRxTxAck) {
		if err := e.configureAckIE(); err != nil {
			e.logger.Warn().Err(err).Msg("could not configure enhanced ack time correction")
		}
	}

	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.state.Store(uint32(LoopWaitingForAssociation))
	go e.run(e.stop, e.done)

	e.publish(events.EventModeChanged, events.Payload{"mode": "on"})
	return nil
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (e *Engine) configureAckIE() error {
	ie, err := frame.TimeCorrectionIE(true, 0)
	if err != nil {
		return err
	}
	b, err := ie.MarshalBinary()
	if err != nil {
		return err
	}
	return e.driver.Configure(radio.ConfigEnhAckHeaderIE, radio.Config{
		AckIE: radio.AckIE{HeaderIE: b, ShortAddr: frame.BroadcastShort},
	})
}

// ModeOff stops the scheduler loop after the slot in progress.
func (e *Engine) ModeOff() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.mode {
		return ErrAlready
	}
	e.mode = false
	close(e.stop)
	e.tctx.setLive(false)

	e.publish(events.EventModeChanged, events.Payload{"mode": "off"})
	return nil
}

// Close stops the loop immediately and waits for it to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.mode {
		e.mode = false
		close(e.stop)
		e.tctx.setLive(false)
	}
	done := e.done
	e.mu.Unlock()

	e.cancel()
	if done != nil {
		<-done
	}
	_ = e.ref.TimerStop(e.timer)
}

func (e *Engine) run(stop, done chan struct{}) {
	defer close(done)
	defer e.state.Store(uint32(LoopStopped))

	e.logger.Info().Msg("tsch mode on")
	defer e.logger.Info().Msg("tsch mode off")

	operating := false
	for {
		select {
		case <-stop:
			return
		case <-e.life.Done():
			return
		default:
		}

		if !e.tctx.Associated() {
			if operating {
				operating = false
				_ = e.ref.Counter().MaySleep()
			}
			e.state.Store(uint32(LoopWaitingForAssociation))
			e.logger.Debug().Msg("waiting for association")
			select {
			case <-stop:
				return
			case <-e.life.Done():
				return
			case <-time.After(time.Duration(e.poll.Load())):
			}
			continue
		}

		if !operating {
			if err := e.start(); err != nil {
				e.logger.Error().Err(err).Msg("cannot retrieve high resolution start time")
				return
			}
			operating = true
			e.state.Store(uint32(LoopOperating))
		}

		sel, offset := e.tctx.NextActiveLink(e.queues)
		if err := e.sleepUntil(e.slotStart + offset); err != nil {
			if e.life.Err() != nil {
				return
			}
			e.logger.Error().Err(err).Msg("could not sleep until next active link")
		}
		e.slotStart += offset

		if sel.Primary == nil {
			e.logger.Error().Msg("no link scheduled")
		}
		e.exec.Operate(e.life, sel, e.slotStart)
	}
}

func (e *Engine) start() error {
	if err := e.ref.Counter().WakeUp(); err != nil {
		e.logger.Warn().Err(err).Msg("high resolution counter did not start")
	}
	now, err := e.ref.Time()
	if err != nil && !errors.Is(err, nettime.ErrDegraded) {
		return err
	}
	e.slotStart = now
	return nil
}

func (e *Engine) sleepUntil(at nettime.Time) error {
	programmed, err := e.ref.TimerStart(e.timer, at, 0, nettime.RoundNearest)
	if err != nil {
		return err
	}
	e.programmedExpiry = programmed
	if _, err := e.timer.Wait(e.life); err != nil {
		return err
	}
	e.logger.Trace().
		Int64("target", int64(at)).
		Int64("programmed", int64(e.programmedExpiry)).
		Msg("woke up for next active link")
	return nil
}

// receive is the driver's receive handler.
func (e *Engine) receive(r radio.Received) {
	f, err := frame.Decode(r.PSDU)
	if err != nil {
		e.logger.Debug().Err(err).Int("len", len(r.PSDU)).Msg("undecodable frame")
		return
	}

	if f.Type == frame.TypeAck {
		if ie, ok := f.HeaderIE(frame.ElementTimeCorrection); ok {
			if correction, _, err := ie.TimeCorrection(); err == nil {
				if err := e.exec.HandleTimeCorrection(correction); err != nil {
					e.logger.Debug().Err(err).Msg("ack time correction not applied")
				}
			}
		}
		return
	}

	verdict, correction := e.exec.HandleRx(f.Src, r.Timestamp)
	if verdict == VerdictDrop {
		e.logger.Debug().Str("src", f.Src.String()).Uint8("seq", f.Seq).Msg("frame outside rx slot dropped")
		return
	}

	if f.AckRequest && !e.driver.Capabilities().Has(radio.CapRxTxAck) {
		ack, err := e.codec.CreateImmAck(f.Seq)
		if err == nil {
			err = e.codec.Send(ack, 0)
		}
		if err != nil {
			e.logger.Warn().Err(err).Uint8("seq", f.Seq).Msg("could not acknowledge frame")
		}
	}

	e.logger.Debug().
		Str("src", f.Src.String()).
		Int16("correction_us", correction).
		Msg("frame received in rx slot")
}

// EngineStatus combines the context status with the loop and clock state.
type EngineStatus struct {
	Status
	Mode         bool   `json:"mode"`
	Loop         string `json:"loop"`
	Synchronized bool   `json:"synchronized"`
	DriftPPB     int64  `json:"drift_ppb"`
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() EngineStatus {
	return EngineStatus{
		Status:       e.tctx.Status(),
		Mode:         e.Mode(),
		Loop:         e.State().String(),
		Synchronized: e.ref.Synchronized(),
		DriftPPB:     e.ref.DriftPPB(),
	}
}

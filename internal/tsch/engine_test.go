/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tsch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/tsch/internal/frame"
	"github.com/friendsincode/tsch/internal/nettime"
	"github.com/friendsincode/tsch/internal/radio"
	"github.com/friendsincode/tsch/internal/radio/sim"
	"github.com/friendsincode/tsch/internal/schedule"
)

func newEngine(t *testing.T, opts sim.Options) (*Engine, *fixture) {
	t.Helper()
	f := newFixture(t, opts)
	e := NewEngine(f.tctx, f.drv, f.codec, f.table, f.ref, f.bus, zerolog.Nop())
	e.SetAssociationPoll(5 * time.Millisecond)
	t.Cleanup(e.Close)
	return e, f
}

// drive advances the manual clock until the test ends.
func drive(t *testing.T, f *fixture) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			f.hw.Advance(500 * time.Microsecond)
			time.Sleep(100 * time.Microsecond)
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
}

func hasConfig(drv *sim.Driver, typ radio.ConfigType) bool {
	for _, c := range drv.Configs() {
		if c.Type == typ {
			return true
		}
	}
	return false
}

func TestEngineInit(t *testing.T) {
	bare, _ := newEngine(t, sim.Options{Capabilities: radio.CapFCS, Band: sim.BandSubGHz, Page: radio.PageTwo})
	assert.ErrorIs(t, bare.Init(false), ErrUnsupported)

	e, f := newEngine(t, sim.Options{
		Capabilities: radio.CapTxTime | radio.CapRxTime,
		Band:         sim.BandSubGHz,
		Page:         radio.PageTwo,
	})
	require.NoError(t, e.Init(true))
	assert.Equal(t, DefaultTemplate(true), f.tctx.Template())
	assert.True(t, f.tctx.CCA())
}

func TestEngineModeOnRequiresTimedRadio(t *testing.T) {
	e, _ := newEngine(t, sim.Options{Capabilities: radio.CapFCS | radio.CapTxTime})

	assert.ErrorIs(t, e.ModeOn(context.Background()), ErrUnsupported)
	assert.False(t, e.Mode())
	assert.Equal(t, LoopStopped, e.State())
}

func TestEngineModeToggle(t *testing.T) {
	e, f := newEngine(t, sim.DefaultOptions())

	assert.ErrorIs(t, e.ModeOff(), ErrAlready)
	require.NoError(t, e.ModeOn(context.Background()))
	assert.ErrorIs(t, e.ModeOn(context.Background()), ErrAlready)
	assert.True(t, e.Mode())

	_, err := f.tctx.SetSlotframe(schedule.Slotframe{Handle: 0, Size: 5})
	require.NoError(t, err, "schedule changes stay allowed")
	assert.ErrorIs(t, f.tctx.SetCCA(true), ErrModeOn)

	require.NoError(t, e.ModeOff())
	assert.ErrorIs(t, e.ModeOff(), ErrAlready)
	require.Eventually(t, func() bool { return e.State() == LoopStopped }, time.Second, time.Millisecond)

	require.NoError(t, e.ModeOn(context.Background()), "mode can be turned on again")
}

func TestEngineConfiguresAckTimeCorrection(t *testing.T) {
	e, f := newEngine(t, sim.DefaultOptions())
	require.NoError(t, e.ModeOn(context.Background()))

	ie, err := frame.TimeCorrectionIE(true, 0)
	require.NoError(t, err)
	want, err := ie.MarshalBinary()
	require.NoError(t, err)

	var found bool
	for _, c := range f.drv.Configs() {
		if c.Type != radio.ConfigEnhAckHeaderIE {
			continue
		}
		found = true
		assert.Equal(t, want, c.Config.AckIE.HeaderIE)
		assert.Equal(t, frame.BroadcastShort, c.Config.AckIE.ShortAddr)
	}
	assert.True(t, found)
}

func TestEngineWithoutAutoAckSkipsAckIE(t *testing.T) {
	opts := sim.DefaultOptions()
	opts.Capabilities &^= radio.CapRxTxAck
	e, f := newEngine(t, opts)
	require.NoError(t, e.ModeOn(context.Background()))
	assert.False(t, hasConfig(f.drv, radio.ConfigEnhAckHeaderIE))
}

func TestEngineWaitsForAssociation(t *testing.T) {
	e, f := newEngine(t, sim.DefaultOptions())
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 4}},
		[]schedule.Link{{Handle: 1, Timeslot: 1, NodeAddr: peer, RX: true}},
	)
	drive(t, f)

	require.NoError(t, e.ModeOn(context.Background()))
	require.Eventually(t, func() bool { return e.State() == LoopWaitingForAssociation }, time.Second, time.Millisecond)
	assert.False(t, hasConfig(f.drv, radio.ConfigRxSlot))

	f.tctx.SetShortAddr(0x0001)
	require.Eventually(t, func() bool { return hasConfig(f.drv, radio.ConfigRxSlot) }, 5*time.Second, time.Millisecond)
	assert.Equal(t, LoopOperating, e.State())
	assert.Greater(t, uint64(f.tctx.ASN()), uint64(0))
}

func TestEngineOperatesSlots(t *testing.T) {
	e, f := newEngine(t, sim.DefaultOptions())
	f.tctx.SetShortAddr(0x0001)
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 3}},
		[]schedule.Link{{Handle: 1, Timeslot: 0, NodeAddr: peer, RX: true}},
	)
	drive(t, f)

	require.NoError(t, e.ModeOn(context.Background()))
	require.Eventually(t, func() bool {
		var n int
		for _, c := range f.drv.Configs() {
			if c.Type == radio.ConfigRxSlot {
				n++
			}
		}
		return n >= 3
	}, 5*time.Second, time.Millisecond)

	var starts []nettime.Time
	for _, c := range f.drv.Configs() {
		if c.Type == radio.ConfigRxSlot {
			starts = append(starts, c.Config.RxSlot.Start)
		}
	}
	slotframe := 3 * nettime.Time(DefaultTemplate(false).Length) * nettime.Microsecond
	assert.Equal(t, slotframe, starts[1]-starts[0])
	assert.Equal(t, slotframe, starts[2]-starts[1])

	require.NoError(t, e.ModeOff())
	require.Eventually(t, func() bool { return e.State() == LoopStopped }, 5*time.Second, time.Millisecond)
	assert.Equal(t, "stopped", e.Status().Loop)
}

func TestEngineAcknowledgesWithoutAutoAck(t *testing.T) {
	opts := sim.DefaultOptions()
	opts.Capabilities &^= radio.CapRxTxAck
	_, f := newEngine(t, opts)
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 4}},
		[]schedule.Link{{Handle: 1, Timeslot: 1, NodeAddr: peer, RX: true}},
	)
	res := f.operate(t)
	require.Equal(t, StateReceive, res.State)

	data := &frame.Frame{Type: frame.TypeData, AckRequest: true, Seq: 77, Dst: frame.ShortAddr(1), Src: peer}
	psdu, err := data.MarshalBinary()
	require.NoError(t, err)
	f.drv.Inject(psdu, res.Programmed)

	sent := f.drv.Sent()
	require.Len(t, sent, 1)
	assert.Zero(t, sent[0].At)
	ack, err := frame.Decode(sent[0].PSDU)
	require.NoError(t, err)
	assert.Equal(t, frame.TypeAck, ack.Type)
	assert.Equal(t, uint8(77), ack.Seq)

	stranger := &frame.Frame{Type: frame.TypeData, AckRequest: true, Seq: 78, Dst: frame.ShortAddr(1), Src: other}
	psdu, err = stranger.MarshalBinary()
	require.NoError(t, err)
	f.drv.Inject(psdu, res.Programmed)
	assert.Len(t, f.drv.Sent(), 1, "dropped frames are not acknowledged")
}

func TestEngineAppliesAckTimeCorrection(t *testing.T) {
	_, f := newEngine(t, sim.DefaultOptions())
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 4}},
		[]schedule.Link{{Handle: 1, Timeslot: 1, NodeAddr: peer, RX: true, Timekeeping: true}},
	)
	res := f.operate(t)
	tp, err := f.ref.TimepointFromTime(res.Programmed, nettime.RoundNearest)
	require.NoError(t, err)

	ie, err := frame.TimeCorrectionIE(true, 50)
	require.NoError(t, err)
	ack := &frame.Frame{Type: frame.TypeAck, Version: frame.Version2015, Seq: 9, HeaderIEs: []frame.HeaderIE{ie}}
	psdu, err := ack.MarshalBinary()
	require.NoError(t, err)
	f.drv.Inject(psdu, res.Programmed)

	require.True(t, f.ref.Synchronized())
	assert.Equal(t, res.Programmed+50*nettime.Microsecond, f.ref.TimeFromTimepoint(tp))
	assert.Empty(t, f.drv.Sent())
}

func TestEngineIgnoresGarbage(t *testing.T) {
	_, f := newEngine(t, sim.DefaultOptions())
	f.drv.Inject([]byte{0x01}, 0)
	assert.Empty(t, f.drv.Sent())
	assert.False(t, f.ref.Synchronized())
}

func TestEngineCloseStopsLoop(t *testing.T) {
	e, f := newEngine(t, sim.DefaultOptions())
	f.tctx.SetShortAddr(0x0001)
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 100}},
		[]schedule.Link{{Handle: 1, Timeslot: 99, NodeAddr: peer, RX: true}},
	)
	require.NoError(t, e.ModeOn(context.Background()))
	require.Eventually(t, func() bool { return e.State() == LoopOperating }, time.Second, time.Millisecond)

	e.Close()
	assert.Equal(t, LoopStopped, e.State())
	assert.False(t, e.Mode())
	assert.Error(t, e.ModeOn(context.Background()))
}

func TestEngineModeOnWaitKeepsStatusResponsive(t *testing.T) {
	e, f := newEngine(t, sim.DefaultOptions())
	f.tctx.SetShortAddr(0x0001)
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 100}},
		[]schedule.Link{{Handle: 1, Timeslot: 99, NodeAddr: peer, RX: true}},
	)
	require.NoError(t, e.ModeOn(context.Background()))
	require.Eventually(t, func() bool { return e.State() == LoopOperating }, time.Second, time.Millisecond)

	// The old loop sleeps towards slot 99 on a clock nobody advances yet.
	require.NoError(t, e.ModeOff())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- e.ModeOn(ctx) }()
	time.Sleep(20 * time.Millisecond)

	status := make(chan EngineStatus, 1)
	go func() { status <- e.Status() }()
	select {
	case st := <-status:
		assert.False(t, st.Mode)
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind ModeOn")
	}

	drive(t, f)
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ModeOn did not return after the previous loop exited")
	}
	assert.True(t, e.Mode())
	assert.ErrorIs(t, e.ModeOn(context.Background()), ErrAlready)
}

func TestEngineModeOnWaitHonorsContext(t *testing.T) {
	e, f := newEngine(t, sim.DefaultOptions())
	f.tctx.SetShortAddr(0x0001)
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 100}},
		[]schedule.Link{{Handle: 1, Timeslot: 99, NodeAddr: peer, RX: true}},
	)
	require.NoError(t, e.ModeOn(context.Background()))
	require.Eventually(t, func() bool { return e.State() == LoopOperating }, time.Second, time.Millisecond)
	require.NoError(t, e.ModeOff())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.ModeOn(ctx), context.DeadlineExceeded)
	assert.False(t, e.Mode())
}

func TestEngineAssociationPollWhileRunning(t *testing.T) {
	e, f := newEngine(t, sim.DefaultOptions())
	require.NoError(t, e.ModeOn(context.Background()))
	require.Eventually(t, func() bool { return e.State() == LoopWaitingForAssociation }, time.Second, time.Millisecond)

	for i := 1; i <= 20; i++ {
		e.SetAssociationPoll(time.Duration(i) * time.Millisecond)
	}
	e.SetAssociationPoll(0)

	f.tctx.SetShortAddr(0x0001)
	require.Eventually(t, func() bool { return e.State() == LoopOperating }, 2*time.Second, time.Millisecond)
}

func TestLoopStateString(t *testing.T) {
	assert.Equal(t, "stopped", LoopStopped.String())
	assert.Equal(t, "waiting_for_association", LoopWaitingForAssociation.String())
	assert.Equal(t, "operating", LoopOperating.String())
}

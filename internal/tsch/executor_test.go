/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tsch

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/tsch/internal/events"
	"github.com/friendsincode/tsch/internal/frame"
	"github.com/friendsincode/tsch/internal/neighbor"
	"github.com/friendsincode/tsch/internal/nettime"
	"github.com/friendsincode/tsch/internal/nettime/simclock"
	"github.com/friendsincode/tsch/internal/radio"
	"github.com/friendsincode/tsch/internal/radio/sim"
	"github.com/friendsincode/tsch/internal/schedule"
)

var (
	peer  = frame.ShortAddr(0x0002)
	other = frame.ShortAddr(0x0003)
)

const slotStart = nettime.Second

type fixture struct {
	tctx  *Context
	drv   *sim.Driver
	hw    *simclock.Hardware
	ref   *nettime.Reference
	table *neighbor.Table
	codec *frame.RadioCodec
	bus   *events.Bus
	exec  *SlotExecutor
}

func newFixture(t *testing.T, opts sim.Options) *fixture {
	t.Helper()

	hw := simclock.NewManual(simclock.Config{})
	counter := nettime.NewCounter(hw, zerolog.Nop())
	require.NoError(t, counter.Init("wpan0"))
	ref := nettime.NewReference(counter, nettime.DefaultSyntonizeConfig(), zerolog.Nop())

	drv := sim.New(opts)
	tctx := NewContext(DefaultTemplate(false))
	tctx.SetHoppingSequence([]uint16{15, 20, 25, 26})

	table := neighbor.NewTable(0, zerolog.Nop())
	_, err := table.Add(peer, neighbor.Options{TimeSource: true})
	require.NoError(t, err)
	_, err = table.Add(other, neighbor.Options{})
	require.NoError(t, err)

	codec := frame.NewRadioCodec(drv, tctx.Identity, zerolog.Nop())
	bus := events.NewBus()

	return &fixture{
		tctx:  tctx,
		drv:   drv,
		hw:    hw,
		ref:   ref,
		table: table,
		codec: codec,
		bus:   bus,
		exec:  NewSlotExecutor(tctx, drv, codec, table, ref, bus, zerolog.Nop()),
	}
}

func (f *fixture) schedule(t *testing.T, sfs []schedule.Slotframe, links []schedule.Link) {
	t.Helper()
	for _, sf := range sfs {
		_, err := f.tctx.SetSlotframe(sf)
		require.NoError(t, err)
	}
	for _, l := range links {
		_, err := f.tctx.SetLink(l)
		require.NoError(t, err)
	}
}

func (f *fixture) operate(t *testing.T) SlotResult {
	t.Helper()
	sel, _ := f.tctx.NextActiveLink(f.table)
	return f.exec.Operate(context.Background(), sel, slotStart)
}

func TestOperateReceive(t *testing.T) {
	f := newFixture(t, sim.DefaultOptions())
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 10}},
		[]schedule.Link{{Handle: 1, Timeslot: 1, NodeAddr: peer, RX: true, Timekeeping: true}},
	)

	res := f.operate(t)

	assert.Equal(t, StateReceive, res.State)
	assert.Equal(t, schedule.ASN(1), res.ASN)
	assert.Equal(t, uint16(20), res.Channel, "hs[(asn 1 + offset 0) mod 4]")

	rxStart := slotStart + 1020*nettime.Microsecond
	assert.Equal(t, rxStart+1100*nettime.Microsecond, res.Programmed)

	cfgs := f.drv.Configs()
	require.Len(t, cfgs, 2)
	assert.Equal(t, radio.ConfigExpectedRxTime, cfgs[0].Type)
	assert.Equal(t, res.Programmed, cfgs[0].Config.ExpectedRxTime)
	assert.Equal(t, radio.ConfigRxSlot, cfgs[1].Type)
	assert.Equal(t, radio.RxSlot{Start: rxStart, Duration: 2200 * nettime.Microsecond, Channel: 20}, cfgs[1].Config.RxSlot)
	assert.Empty(t, f.drv.Sent())
}

func TestOperateReceiveWithoutAutoAck(t *testing.T) {
	opts := sim.DefaultOptions()
	opts.Capabilities &^= radio.CapRxTxAck
	f := newFixture(t, opts)
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 4}},
		[]schedule.Link{{Handle: 1, Timeslot: 2, NodeAddr: peer, RX: true}},
	)

	f.operate(t)

	cfgs := f.drv.Configs()
	require.Len(t, cfgs, 1)
	assert.Equal(t, radio.ConfigRxSlot, cfgs[0].Type)
}

func TestOperateTransmitHopsChannel(t *testing.T) {
	f := newFixture(t, sim.DefaultOptions())
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 10}},
		[]schedule.Link{{Handle: 1, Timeslot: 2, ChannelOffset: 2, NodeAddr: peer, TX: true}},
	)
	require.NoError(t, f.table.Queue(&frame.Frame{Type: frame.TypeData, Seq: 42, Dst: peer, Src: frame.ShortAddr(1)}))

	res := f.operate(t)

	assert.Equal(t, StateTransmit, res.State)
	assert.Equal(t, uint16(15), res.Channel, "hs[(asn 2 + offset 2) mod 4]")
	assert.Equal(t, uint16(15), f.drv.Channel())

	sent := f.drv.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, slotStart+2120*nettime.Microsecond, sent[0].At)
	got, err := frame.Decode(sent[0].PSDU)
	require.NoError(t, err)
	assert.Equal(t, uint8(42), got.Seq)
	assert.Zero(t, f.table.Depth(peer))
}

func TestOperateSkipsChannelSetWhenUnchanged(t *testing.T) {
	f := newFixture(t, sim.DefaultOptions())
	f.tctx.SetHoppingSequence([]uint16{20})
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 2}},
		[]schedule.Link{{Handle: 1, Timeslot: 1, NodeAddr: peer, TX: true}},
	)
	for i := 0; i < 2; i++ {
		require.NoError(t, f.table.Queue(&frame.Frame{Type: frame.TypeData, Dst: peer, Src: frame.ShortAddr(1)}))
	}

	f.operate(t)
	f.operate(t)

	assert.Equal(t, 1, f.drv.Hops())
	assert.Len(t, f.drv.Sent(), 2)
}

func TestOperateUsesBackupWhenQueueEmpty(t *testing.T) {
	f := newFixture(t, sim.DefaultOptions())
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 10}, {Handle: 1, Size: 7}},
		[]schedule.Link{
			{Handle: 2, SlotframeHandle: 0, Timeslot: 3, NodeAddr: peer, TX: true},
			{Handle: 1, SlotframeHandle: 1, Timeslot: 3, NodeAddr: other, RX: true},
		},
	)
	f.tctx.SetASN(2)

	res := f.operate(t)

	require.NotNil(t, res.Link)
	assert.Equal(t, uint16(1), res.Link.Handle)
	assert.Equal(t, StateReceive, res.State)
	assert.Empty(t, f.drv.Sent())

	cur, programmed := f.exec.Current()
	require.NotNil(t, cur)
	assert.Equal(t, uint16(1), cur.Handle)
	assert.NotZero(t, programmed)
}

func TestOperateIdleWithoutBackup(t *testing.T) {
	f := newFixture(t, sim.DefaultOptions())
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 5}},
		[]schedule.Link{{Handle: 1, Timeslot: 1, NodeAddr: peer, TX: true}},
	)
	skipped := f.bus.Subscribe(events.EventSlotSkipped)

	res := f.operate(t)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, ReasonNoData, res.Reason)
	assert.Empty(t, f.drv.Sent())
	assert.Empty(t, f.drv.Configs())

	cur, _ := f.exec.Current()
	assert.Nil(t, cur)

	select {
	case p := <-skipped:
		assert.Equal(t, ReasonNoData, p["reason"])
	default:
		t.Fatal("no slot skipped event")
	}
}

func TestOperateUnknownNeighbor(t *testing.T) {
	f := newFixture(t, sim.DefaultOptions())
	stranger := frame.ShortAddr(0x0999)
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 5}},
		[]schedule.Link{
			{Handle: 1, Timeslot: 1, NodeAddr: stranger, TX: true},
			{Handle: 2, Timeslot: 2, NodeAddr: stranger, TX: true, RX: true},
		},
	)

	res := f.operate(t)
	assert.Equal(t, ReasonUnknownNeighbor, res.Reason)

	res = f.operate(t)
	assert.Equal(t, StateReceive, res.State, "rx capable link listens instead")
}

func TestOperateWithoutHoppingSequence(t *testing.T) {
	f := newFixture(t, sim.DefaultOptions())
	f.tctx.SetHoppingSequence(nil)
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 5}},
		[]schedule.Link{{Handle: 1, Timeslot: 1, NodeAddr: peer, RX: true}},
	)

	res := f.operate(t)

	assert.Equal(t, ReasonNoChannel, res.Reason)
	assert.Empty(t, f.drv.Configs())

	verdict, _ := f.exec.HandleRx(peer, slotStart)
	assert.Equal(t, VerdictDrop, verdict, "no programmed instant")
}

func TestOperateEmptySchedule(t *testing.T) {
	f := newFixture(t, sim.DefaultOptions())

	res := f.operate(t)

	assert.Equal(t, ReasonNoLink, res.Reason)
	assert.Equal(t, schedule.ASN(1), f.tctx.ASN())
}

func TestOperateBeaconAsPANCoordinator(t *testing.T) {
	f := newFixture(t, sim.DefaultOptions())
	f.tctx.SetRole(RolePANCoordinator)
	f.tctx.SetPANID(0xabcd)
	f.tctx.SetShortAddr(0x0000)
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 3}},
		[]schedule.Link{{Handle: 0, Timeslot: 0, NodeAddr: frame.Broadcast, TX: true, Advertising: true}},
	)

	res := f.operate(t)

	assert.Equal(t, StateAdvertise, res.State)
	sent := f.drv.Sent()
	require.Len(t, sent, 1)
	b, err := frame.Decode(sent[0].PSDU)
	require.NoError(t, err)
	assert.Equal(t, frame.TypeBeacon, b.Type)
	asn, metric, ok := b.TSCHSync()
	require.True(t, ok)
	assert.Equal(t, uint64(3), asn)
	assert.Equal(t, uint8(1), metric)
}

func TestOperateBeaconFailure(t *testing.T) {
	tests := []struct {
		name   string
		rx     bool
		state  SlotState
		reason string
	}{
		{name: "shared link listens", rx: true, state: StateReceive},
		{name: "tx only link skips", rx: false, state: StateDone, reason: ReasonBeacon},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, sim.DefaultOptions())
			// No PAN id, so no beacon can be built.
			f.tctx.SetRole(RolePANCoordinator)
			f.schedule(t,
				[]schedule.Slotframe{{Handle: 0, Size: 3}},
				[]schedule.Link{{Handle: 0, Timeslot: 0, NodeAddr: frame.Broadcast, TX: true, RX: tt.rx, Shared: true, Advertising: true}},
			)

			res := f.operate(t)

			assert.Equal(t, tt.state, res.State)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Empty(t, f.drv.Sent())
			assert.Equal(t, tt.rx, hasConfig(f.drv, radio.ConfigRxSlot))
		})
	}
}

func TestOperateCCA(t *testing.T) {
	tests := []struct {
		name   string
		ccaErr error
		reason string
	}{
		{name: "idle", ccaErr: nil, reason: ""},
		{name: "busy", ccaErr: radio.ErrBusy, reason: ReasonChannelBusy},
		{name: "failure", ccaErr: radio.ErrUnsupported, reason: ReasonChannelAccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, sim.DefaultOptions())
			require.NoError(t, f.tctx.SetCCA(true))
			f.drv.SetCCAResult(tt.ccaErr)
			f.schedule(t,
				[]schedule.Slotframe{{Handle: 0, Size: 5}},
				[]schedule.Link{{Handle: 1, Timeslot: 1, NodeAddr: peer, TX: true}},
			)
			require.NoError(t, f.table.Queue(&frame.Frame{Type: frame.TypeData, Dst: peer, Src: frame.ShortAddr(1)}))

			res := f.operate(t)

			assert.Equal(t, tt.reason, res.Reason)
			if tt.reason == "" {
				assert.Len(t, f.drv.Sent(), 1)
			} else {
				assert.Empty(t, f.drv.Sent())
			}
		})
	}
}

func TestHandleRx(t *testing.T) {
	f := newFixture(t, sim.DefaultOptions())

	verdict, corr := f.exec.HandleRx(peer, slotStart)
	assert.Equal(t, VerdictDrop, verdict, "no current link")
	assert.Zero(t, corr)

	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 10}},
		[]schedule.Link{{Handle: 1, Timeslot: 1, NodeAddr: peer, RX: true}},
	)
	res := f.operate(t)
	programmed := res.Programmed

	tests := []struct {
		name    string
		src     frame.Addr
		ts      nettime.Time
		verdict Verdict
		corr    int16
	}{
		{name: "address mismatch", src: other, ts: programmed, verdict: VerdictDrop},
		{name: "on time", src: peer, ts: programmed, verdict: VerdictContinue, corr: 0},
		{name: "early", src: peer, ts: programmed - 37400, verdict: VerdictContinue, corr: 37},
		{name: "late rounds away from zero", src: peer, ts: programmed + 1500, verdict: VerdictContinue, corr: -2},
		{name: "late", src: peer, ts: programmed + 250_000, verdict: VerdictContinue, corr: -250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, corr := f.exec.HandleRx(tt.src, tt.ts)
			assert.Equal(t, tt.verdict, verdict)
			assert.Equal(t, tt.corr, corr)
		})
	}
}

func TestHandleRxDropsOnTxLink(t *testing.T) {
	f := newFixture(t, sim.DefaultOptions())
	f.schedule(t,
		[]schedule.Slotframe{{Handle: 0, Size: 10}},
		[]schedule.Link{{Handle: 1, Timeslot: 1, NodeAddr: peer, TX: true}},
	)
	require.NoError(t, f.table.Queue(&frame.Frame{Type: frame.TypeData, Dst: peer, Src: frame.ShortAddr(1)}))
	res := f.operate(t)
	require.Equal(t, StateTransmit, res.State)

	verdict, corr := f.exec.HandleRx(peer, res.Programmed)
	assert.Equal(t, VerdictDrop, verdict)
	assert.Zero(t, corr)
}

func TestHandleRxSyntonizesOnlyTimekeepingLinks(t *testing.T) {
	for _, timekeeping := range []bool{false, true} {
		f := newFixture(t, sim.DefaultOptions())
		f.schedule(t,
			[]schedule.Slotframe{{Handle: 0, Size: 10}},
			[]schedule.Link{{Handle: 1, Timeslot: 1, NodeAddr: peer, RX: true, Timekeeping: timekeeping}},
		)
		res := f.operate(t)
		tp, err := f.ref.TimepointFromTime(res.Programmed, nettime.RoundNearest)
		require.NoError(t, err)

		verdict, corr := f.exec.HandleRx(peer, res.Programmed-120*nettime.Microsecond)
		require.Equal(t, VerdictContinue, verdict)
		require.Equal(t, int16(120), corr)

		assert.Equal(t, timekeeping, f.ref.Synchronized(), "timekeeping=%v", timekeeping)
		if timekeeping {
			assert.Equal(t, res.Programmed+120*nettime.Microsecond, f.ref.TimeFromTimepoint(tp))
		} else {
			assert.Equal(t, res.Programmed, f.ref.TimeFromTimepoint(tp))
		}
	}
}

func TestHandleTimeCorrectionWithoutSlot(t *testing.T) {
	f := newFixture(t, sim.DefaultOptions())
	assert.NoError(t, f.exec.HandleTimeCorrection(100))
	assert.False(t, f.ref.Synchronized())
}

func TestRoundMicros(t *testing.T) {
	tests := []struct {
		in   nettime.Time
		want int16
	}{
		{0, 0},
		{499, 0},
		{500, 1},
		{-499, 0},
		{-500, -1},
		{1_499, 1},
		{-2_500, -3},
		{nettime.Second, 32767},
		{-nettime.Second, -32768},
	}
	for _, tt := range tests {
		if got := roundMicros(tt.in); got != tt.want {
			t.Errorf("roundMicros(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

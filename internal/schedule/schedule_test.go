/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/friendsincode/tsch/internal/frame"
)

type depthMap map[frame.Addr]int

func (m depthMap) Depth(a frame.Addr) int { return m[a] }

func mustSlotframe(t *testing.T, r *Repository, sf Slotframe) {
	t.Helper()
	_, err := r.SetSlotframe(sf)
	require.NoError(t, err)
}

func mustLink(t *testing.T, r *Repository, l Link) {
	t.Helper()
	_, err := r.SetLink(l)
	require.NoError(t, err)
}

func TestASNWraps(t *testing.T) {
	assert.Equal(t, ASN(0), ASN(MaxASN-1).Add(1))
	assert.Equal(t, ASN(4), ASN(MaxASN-3).Add(7))
	assert.Equal(t, ASN(12), ASN(5).Add(7))
}

func TestSelectPrefersTXAndKeepsRXBackup(t *testing.T) {
	r := NewRepository()
	mustSlotframe(t, r, Slotframe{Handle: 0, Size: 10})
	mustLink(t, r, Link{Handle: 5, Timeslot: 3, NodeAddr: frame.ShortAddr(2), TX: true})
	mustLink(t, r, Link{Handle: 1, Timeslot: 3, NodeAddr: frame.ShortAddr(2), RX: true})

	sel := r.Select(0, nil)
	require.NotNil(t, sel.Primary)
	require.NotNil(t, sel.Backup)
	assert.Equal(t, uint16(5), sel.Primary.Handle)
	assert.Equal(t, uint16(1), sel.Backup.Handle)
	assert.Equal(t, uint16(3), sel.Distance)
}

func TestSelectBackupAcrossSlotframes(t *testing.T) {
	r := NewRepository()
	mustSlotframe(t, r, Slotframe{Handle: 0, Size: 10})
	mustSlotframe(t, r, Slotframe{Handle: 1, Size: 7})
	mustLink(t, r, Link{Handle: 2, SlotframeHandle: 0, Timeslot: 3, NodeAddr: frame.ShortAddr(2), TX: true})
	mustLink(t, r, Link{Handle: 1, SlotframeHandle: 1, Timeslot: 3, NodeAddr: frame.ShortAddr(3), RX: true})

	for _, asn := range []ASN{0, 70, 140} {
		sel := r.Select(asn, nil)
		require.NotNil(t, sel.Primary, "asn %d", asn)
		require.NotNil(t, sel.Backup, "asn %d", asn)
		assert.Equal(t, uint16(2), sel.Primary.Handle)
		assert.Equal(t, uint16(1), sel.Backup.Handle)
		assert.Equal(t, uint16(3), sel.Distance)
	}
}

func TestSelectNeverPicksCurrentSlot(t *testing.T) {
	r := NewRepository()
	mustSlotframe(t, r, Slotframe{Handle: 0, Size: 4})
	mustLink(t, r, Link{Handle: 0, Timeslot: 2, RX: true})

	sel := r.Select(2, nil)
	require.NotNil(t, sel.Primary)
	assert.Equal(t, uint16(4), sel.Distance)
}

func TestSelectEmptyRepository(t *testing.T) {
	sel := NewRepository().Select(123, nil)
	assert.Nil(t, sel.Primary)
	assert.Nil(t, sel.Backup)
	assert.Equal(t, uint16(1), sel.Distance)
}

func TestSelectQueueDepthBreaksTies(t *testing.T) {
	busy, idle := frame.ShortAddr(0x10), frame.ShortAddr(0x20)

	tests := []struct {
		name  string
		links []Link
		depth depthMap
		want  uint16
	}{
		{
			name: "different neighbors prefer deeper queue",
			links: []Link{
				{Handle: 1, Timeslot: 1, NodeAddr: idle, TX: true},
				{Handle: 9, Timeslot: 1, NodeAddr: busy, TX: true},
			},
			depth: depthMap{busy: 4, idle: 1},
			want:  9,
		},
		{
			name: "equal queues prefer lower handle",
			links: []Link{
				{Handle: 9, Timeslot: 1, NodeAddr: busy, TX: true},
				{Handle: 1, Timeslot: 1, NodeAddr: idle, TX: true},
			},
			depth: depthMap{busy: 2, idle: 2},
			want:  1,
		},
		{
			name: "same neighbor ignores queue depth",
			links: []Link{
				{Handle: 9, Timeslot: 1, NodeAddr: busy, TX: true},
				{Handle: 3, Timeslot: 1, NodeAddr: busy, TX: true, Shared: true},
			},
			depth: depthMap{busy: 5},
			want:  3,
		},
		{
			name: "rx links prefer lower handle",
			links: []Link{
				{Handle: 7, Timeslot: 1, NodeAddr: busy, RX: true},
				{Handle: 4, Timeslot: 1, NodeAddr: idle, RX: true},
			},
			depth: depthMap{busy: 5},
			want:  4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRepository()
			mustSlotframe(t, r, Slotframe{Handle: 0, Size: 8})
			for _, l := range tt.links {
				mustLink(t, r, l)
			}
			sel := r.Select(0, tt.depth)
			require.NotNil(t, sel.Primary)
			assert.Equal(t, tt.want, sel.Primary.Handle)
		})
	}
}

func TestSelectLowerSlotframeWins(t *testing.T) {
	r := NewRepository()
	mustSlotframe(t, r, Slotframe{Handle: 3, Size: 5})
	mustSlotframe(t, r, Slotframe{Handle: 1, Size: 9})
	mustLink(t, r, Link{Handle: 0, SlotframeHandle: 3, Timeslot: 2, TX: true, NodeAddr: frame.ShortAddr(1)})
	mustLink(t, r, Link{Handle: 8, SlotframeHandle: 1, Timeslot: 2, TX: true, NodeAddr: frame.ShortAddr(1)})

	sel := r.Select(0, nil)
	require.NotNil(t, sel.Primary)
	assert.Equal(t, uint16(8), sel.Primary.Handle)
	assert.Nil(t, sel.Backup, "TX-only losers are no backup")
}

func TestRepositoryValidation(t *testing.T) {
	r := NewRepository()

	_, err := r.SetSlotframe(Slotframe{Handle: 0})
	assert.ErrorIs(t, err, ErrEmptySlotframe)

	_, err = r.SetLink(Link{Handle: 1, SlotframeHandle: 4, RX: true})
	assert.ErrorIs(t, err, ErrUnknownSlotframe)

	mustSlotframe(t, r, Slotframe{Handle: 0, Size: 5})
	_, err = r.SetLink(Link{Handle: 1, Timeslot: 5, RX: true})
	assert.ErrorIs(t, err, ErrTimeslotOutOfRange)

	_, err = r.SetLink(Link{Handle: 1, RX: true, Advertising: true})
	assert.ErrorIs(t, err, ErrAdvertisingRequiresTX)

	_, err = r.SetLink(Link{Handle: 1})
	assert.ErrorIs(t, err, ErrNoOption)
}

func TestRepositoryReplaceAndDelete(t *testing.T) {
	r := NewRepository()
	mustSlotframe(t, r, Slotframe{Handle: 0, Size: 10})
	mustLink(t, r, Link{Handle: 1, Timeslot: 2, RX: true})
	mustLink(t, r, Link{Handle: 2, Timeslot: 8, RX: true})

	prev, err := r.SetLink(Link{Handle: 1, Timeslot: 4, TX: true, NodeAddr: frame.ShortAddr(3)})
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, uint16(2), prev.Timeslot)

	old, err := r.SetSlotframe(Slotframe{Handle: 0, Size: 6})
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Equal(t, uint16(10), old.Size)

	links := r.Links(0)
	require.Len(t, links, 1, "link beyond the new size is dropped")
	assert.Equal(t, uint16(1), links[0].Handle)
	_, ok := r.Link(2)
	assert.False(t, ok)

	assert.NotNil(t, r.DeleteSlotframe(0))
	assert.Nil(t, r.DeleteSlotframe(0))
	sfs, n := r.Len()
	assert.Zero(t, sfs)
	assert.Zero(t, n)

	// handles and arena slots are reusable after deletion
	mustSlotframe(t, r, Slotframe{Handle: 0, Size: 3})
	mustLink(t, r, Link{Handle: 1, Timeslot: 0, RX: true})
	assert.Len(t, r.AllLinks(), 1)
}

func TestRepositoryOrdering(t *testing.T) {
	r := NewRepository()
	for _, h := range []uint8{5, 1, 3} {
		mustSlotframe(t, r, Slotframe{Handle: h, Size: 4})
	}
	mustLink(t, r, Link{Handle: 9, SlotframeHandle: 1, Timeslot: 1, RX: true})
	mustLink(t, r, Link{Handle: 2, SlotframeHandle: 1, Timeslot: 1, RX: true})
	mustLink(t, r, Link{Handle: 4, SlotframeHandle: 1, Timeslot: 0, RX: true})

	var handles []uint8
	for _, sf := range r.Slotframes() {
		handles = append(handles, sf.Handle)
	}
	assert.Equal(t, []uint8{1, 3, 5}, handles)

	var order []uint16
	for _, l := range r.Links(1) {
		order = append(order, l.Handle)
	}
	assert.Equal(t, []uint16{4, 2, 9}, order)
}

func genRepository(t *rapid.T) (*Repository, depthMap) {
	r := NewRepository()
	depth := depthMap{}
	nsf := rapid.IntRange(1, 4).Draw(t, "slotframes")
	handle := uint16(0)
	for i := 0; i < nsf; i++ {
		size := rapid.Uint16Range(1, 24).Draw(t, "size")
		sf := Slotframe{Handle: uint8(i), Size: size}
		if _, err := r.SetSlotframe(sf); err != nil {
			t.Fatal(err)
		}
		nlinks := rapid.IntRange(0, 6).Draw(t, "links")
		for j := 0; j < nlinks; j++ {
			tx := rapid.Bool().Draw(t, "tx")
			l := Link{
				Handle:          handle,
				SlotframeHandle: sf.Handle,
				Timeslot:        rapid.Uint16Range(0, size-1).Draw(t, "timeslot"),
				NodeAddr:        frame.ShortAddr(rapid.Uint16Range(1, 3).Draw(t, "node")),
				TX:              tx,
				RX:              !tx || rapid.Bool().Draw(t, "rx"),
			}
			handle++
			if _, err := r.SetLink(l); err != nil {
				t.Fatal(err)
			}
		}
	}
	for n := uint16(1); n <= 3; n++ {
		depth[frame.ShortAddr(n)] = rapid.IntRange(0, 3).Draw(t, "depth")
	}
	return r, depth
}

func TestSelectProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r, depth := genRepository(t)
		asn := ASN(rapid.Uint64Range(0, MaxASN-1).Draw(t, "asn"))

		sel := r.Select(asn, depth)
		again := r.Select(asn, depth)
		if sel.Distance != again.Distance || !sameLink(sel.Primary, again.Primary) || !sameLink(sel.Backup, again.Backup) {
			t.Fatalf("Select is not deterministic: %+v vs %+v", sel, again)
		}

		if sel.Primary == nil {
			if len(r.AllLinks()) != 0 || sel.Distance != 1 {
				t.Fatalf("no primary with links present: %+v", sel)
			}
			return
		}
		if sel.Distance < 1 {
			t.Fatalf("distance %d", sel.Distance)
		}

		target := asn.Add(uint64(sel.Distance))
		for _, sf := range r.Slotframes() {
			for _, l := range r.Links(sf.Handle) {
				d := distance(asn, sf.Size, l.Timeslot)
				if d < int(sel.Distance) {
					t.Fatalf("link %d at distance %d beats selected %d", l.Handle, d, sel.Distance)
				}
			}
		}
		psf, _ := r.Slotframe(sel.Primary.SlotframeHandle)
		if uint64(target)%uint64(psf.Size) != uint64(sel.Primary.Timeslot) {
			t.Fatalf("primary link %d not active at asn %d", sel.Primary.Handle, target)
		}
		if sel.Backup != nil {
			if !sel.Backup.RX || sel.Backup.Handle == sel.Primary.Handle {
				t.Fatalf("invalid backup %+v", sel.Backup)
			}
			bsf, _ := r.Slotframe(sel.Backup.SlotframeHandle)
			if distance(asn, bsf.Size, sel.Backup.Timeslot) != int(sel.Distance) {
				t.Fatalf("backup link %d not active in the selected slot", sel.Backup.Handle)
			}
		}
	})
}

func distance(asn ASN, size, timeslot uint16) int {
	d := int(timeslot) - int(uint64(asn)%uint64(size))
	if d <= 0 {
		d += int(size)
	}
	return d
}

func sameLink(a, b *Link) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

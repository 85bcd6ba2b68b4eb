/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package neighbor

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsch/internal/frame"
)

func TestQueueFIFO(t *testing.T) {
	table := NewTable(0, zerolog.Nop())
	peer := frame.ShortAddr(2)
	if _, err := table.Add(peer, Options{}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	for seq := uint8(1); seq <= 3; seq++ {
		if err := table.Queue(&frame.Frame{Type: frame.TypeData, Seq: seq, Dst: peer}); err != nil {
			t.Fatalf("Queue() error = %v", err)
		}
	}
	if got := table.Depth(peer); got != 3 {
		t.Fatalf("Depth() = %d, want 3", got)
	}

	for want := uint8(1); want <= 3; want++ {
		f, err := table.Unqueue(peer)
		if err != nil {
			t.Fatalf("Unqueue() error = %v", err)
		}
		if f.Seq != want {
			t.Fatalf("Unqueue() seq = %d, want %d", f.Seq, want)
		}
	}

	if _, err := table.Unqueue(peer); !errors.Is(err, ErrNoData) {
		t.Fatalf("Unqueue() on empty queue error = %v, want ErrNoData", err)
	}
	if got := table.Depth(peer); got != 0 {
		t.Fatalf("Depth() = %d after draining, want 0", got)
	}
}

func TestUnknownNeighbor(t *testing.T) {
	table := NewTable(0, zerolog.Nop())
	stranger := frame.ShortAddr(9)

	if err := table.Queue(&frame.Frame{Dst: stranger}); !errors.Is(err, ErrUnknownNeighbor) {
		t.Errorf("Queue() error = %v, want ErrUnknownNeighbor", err)
	}
	if _, err := table.Unqueue(stranger); !errors.Is(err, ErrUnknownNeighbor) {
		t.Errorf("Unqueue() error = %v, want ErrUnknownNeighbor", err)
	}
	if got := table.Depth(stranger); got != 0 {
		t.Errorf("Depth() = %d, want 0", got)
	}
}

func TestAddIsIdempotentAndBounded(t *testing.T) {
	table := NewTable(2, zerolog.Nop())

	a, err := table.Add(frame.ShortAddr(1), Options{TimeSource: true})
	if err != nil {
		t.Fatal(err)
	}
	again, err := table.Add(frame.ShortAddr(1), Options{})
	if err != nil || again != a {
		t.Fatalf("second Add() = (%p, %v), want existing entry %p", again, err, a)
	}
	if !again.TimeSource {
		t.Fatal("second Add() overwrote time source flag")
	}

	if _, err := table.Add(frame.Broadcast, Options{}); err != nil {
		t.Fatal(err)
	}
	if d, _ := table.Lookup(frame.Broadcast); !d.Broadcast {
		t.Fatal("broadcast neighbor not flagged")
	}

	if _, err := table.Add(frame.ShortAddr(3), Options{}); !errors.Is(err, ErrTableFull) {
		t.Fatalf("Add() beyond capacity error = %v, want ErrTableFull", err)
	}
	if _, err := table.Add(frame.Addr{}, Options{}); !errors.Is(err, frame.ErrInvalidAddr) {
		t.Fatalf("Add(zero) error = %v, want ErrInvalidAddr", err)
	}
}

func TestLinkCountsAndSnapshot(t *testing.T) {
	table := NewTable(0, zerolog.Nop())
	_, _ = table.Add(frame.ShortAddr(2), Options{})
	_, _ = table.Add(frame.ShortAddr(1), Options{})

	table.SetLinkCounts(map[frame.Addr]LinkCount{frame.ShortAddr(2): {TX: 3, Dedicated: 1}})

	snap := table.Snapshot()
	if len(snap) != 2 || snap[0].Addr != frame.ShortAddr(1) {
		t.Fatalf("Snapshot() = %+v, want two entries ordered by address", snap)
	}
	if snap[1].TxLinks != 3 || snap[1].DedicatedTxLinks != 1 || snap[0].TxLinks != 0 {
		t.Fatalf("link counts = %+v", snap)
	}

	if !table.Remove(frame.ShortAddr(1)) || table.Remove(frame.ShortAddr(1)) {
		t.Fatal("Remove() should succeed exactly once")
	}
}

func TestConcurrentQueueDepthSettles(t *testing.T) {
	table := NewTable(0, zerolog.Nop())
	peer := frame.ShortAddr(7)
	_, _ = table.Add(peer, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = table.Queue(&frame.Frame{Dst: peer})
				_, _ = table.Unqueue(peer)
			}
		}()
	}
	wg.Wait()

	if got := table.Depth(peer); got != 0 {
		t.Fatalf("Depth() = %d after balanced queue/unqueue, want 0", got)
	}
}

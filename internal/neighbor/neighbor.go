/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package neighbor keeps per-neighbor TSCH state: the transmit queue and
// the CSMA and link bookkeeping used while scheduling.
package neighbor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsch/internal/frame"
	"github.com/friendsincode/tsch/internal/telemetry"
)

var (
	// ErrUnknownNeighbor is returned for an address not in the table.
	ErrUnknownNeighbor = errors.New("neighbor: unknown neighbor")

	// ErrNoData is returned when unqueueing from an empty queue.
	ErrNoData = errors.New("neighbor: no frame queued")

	// ErrTableFull is returned when adding beyond the table capacity.
	ErrTableFull = errors.New("neighbor: table full")
)

// DefaultCapacity bounds the number of neighbors.
const DefaultCapacity = 64

// Data is the TSCH state of one neighbor. The queue depth is approximate
// and read without locking.
type Data struct {
	addr frame.Addr

	mu    sync.Mutex
	queue []*frame.Frame
	depth atomic.Int64

	BackoffWindow    uint16
	BackoffExponent  uint8
	Broadcast        bool
	TimeSource       bool
	TxLinks          uint8
	DedicatedTxLinks uint8
}

// Addr returns the neighbor's address.
func (d *Data) Addr() frame.Addr { return d.addr }

// Depth returns the approximate number of queued frames.
func (d *Data) Depth() int {
	return int(d.depth.Load())
}

func (d *Data) push(f *frame.Frame) {
	d.mu.Lock()
	d.queue = append(d.queue, f)
	d.mu.Unlock()
	d.depth.Add(1)
}

func (d *Data) pop() (*frame.Frame, bool) {
	d.mu.Lock()
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return nil, false
	}
	f := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	d.mu.Unlock()
	d.depth.Add(-1)
	return f, true
}

// Options sets the flags of a new neighbor.
type Options struct {
	Broadcast  bool
	TimeSource bool
}

// Info is a read-only view of a neighbor.
type Info struct {
	Addr             frame.Addr `json:"addr"`
	QueueDepth       int        `json:"queue_depth"`
	Broadcast        bool       `json:"broadcast"`
	TimeSource       bool       `json:"time_source"`
	TxLinks          uint8      `json:"tx_links"`
	DedicatedTxLinks uint8      `json:"dedicated_tx_links"`
}

// Table maps link layer addresses to neighbor data.
type Table struct {
	mu       sync.RWMutex
	entries  map[frame.Addr]*Data
	capacity int
	logger   zerolog.Logger
}

// NewTable creates a table holding at most capacity neighbors, or
// DefaultCapacity when capacity <= 0.
func NewTable(capacity int, logger zerolog.Logger) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{
		entries:  make(map[frame.Addr]*Data),
		capacity: capacity,
		logger:   logger.With().Str("component", "neighbor-table").Logger(),
	}
}

// Add registers addr, returning the existing entry if present.
func (t *Table) Add(addr frame.Addr, opts Options) (*Data, error) {
	if addr.IsZero() {
		return nil, fmt.Errorf("add neighbor: %w", frame.ErrInvalidAddr)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.entries[addr]; ok {
		return d, nil
	}
	if len(t.entries) >= t.capacity {
		return nil, fmt.Errorf("add neighbor %s: %w", addr, ErrTableFull)
	}
	d := &Data{
		addr:       addr,
		Broadcast:  opts.Broadcast || addr.IsBroadcast(),
		TimeSource: opts.TimeSource,
	}
	t.entries[addr] = d
	t.logger.Debug().Str("addr", addr.String()).Bool("time_source", opts.TimeSource).Msg("neighbor added")
	return d, nil
}

// Remove drops addr and its queued frames.
func (t *Table) Remove(addr frame.Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[addr]; !ok {
		return false
	}
	delete(t.entries, addr)
	telemetry.NeighborQueueDepth.DeleteLabelValues(addr.String())
	return true
}

// Lookup returns the entry for addr.
func (t *Table) Lookup(addr frame.Addr) (*Data, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.entries[addr]
	return d, ok
}

// Queue appends f to the queue of its destination.
func (t *Table) Queue(f *frame.Frame) error {
	d, ok := t.Lookup(f.Dst)
	if !ok {
		return fmt.Errorf("queue frame for %s: %w", f.Dst, ErrUnknownNeighbor)
	}
	d.push(f)
	telemetry.NeighborQueueDepth.WithLabelValues(f.Dst.String()).Set(float64(d.Depth()))
	return nil
}

// Unqueue removes the oldest frame queued for addr.
func (t *Table) Unqueue(addr frame.Addr) (*frame.Frame, error) {
	d, ok := t.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("unqueue frame for %s: %w", addr, ErrUnknownNeighbor)
	}
	f, ok := d.pop()
	if !ok {
		return nil, ErrNoData
	}
	telemetry.NeighborQueueDepth.WithLabelValues(addr.String()).Set(float64(d.Depth()))
	return f, nil
}

// Depth returns the approximate queue depth of addr, zero when unknown.
func (t *Table) Depth(addr frame.Addr) int {
	d, ok := t.Lookup(addr)
	if !ok {
		return 0
	}
	return d.Depth()
}

// LinkCount is the number of TX links scheduled towards one neighbor.
type LinkCount struct {
	TX        uint8
	Dedicated uint8
}

// SetLinkCounts replaces the link counts of every neighbor. Neighbors
// missing from counts get zero.
func (t *Table) SetLinkCounts(counts map[frame.Addr]LinkCount) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, d := range t.entries {
		c := counts[addr]
		d.TxLinks = c.TX
		d.DedicatedTxLinks = c.Dedicated
	}
}

// Snapshot lists all neighbors ordered by address.
func (t *Table) Snapshot() []Info {
	t.mu.RLock()
	out := make([]Info, 0, len(t.entries))
	for addr, d := range t.entries {
		out = append(out, Info{
			Addr:             addr,
			QueueDepth:       d.Depth(),
			Broadcast:        d.Broadcast,
			TimeSource:       d.TimeSource,
			TxLinks:          d.TxLinks,
			DedicatedTxLinks: d.DedicatedTxLinks,
		})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Addr.String() < out[j].Addr.String() })
	return out
}

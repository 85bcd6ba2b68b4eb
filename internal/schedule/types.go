/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package schedule holds TSCH slotframes and links and selects the next
// active link for a given absolute slot number.
package schedule

import (
	"errors"
	"fmt"
	"strings"

	"github.com/friendsincode/tsch/internal/frame"
)

var (
	// ErrUnknownSlotframe is returned when a link references a slotframe
	// that does not exist.
	ErrUnknownSlotframe = errors.New("schedule: unknown slotframe")

	// ErrAdvertisingRequiresTX is returned for an advertising link without
	// the TX option.
	ErrAdvertisingRequiresTX = errors.New("schedule: advertising link must be a TX link")

	// ErrTimeslotOutOfRange is returned for a timeslot not inside its
	// slotframe.
	ErrTimeslotOutOfRange = errors.New("schedule: timeslot out of slotframe range")

	// ErrEmptySlotframe is returned for a slotframe of size zero.
	ErrEmptySlotframe = errors.New("schedule: slotframe size must be positive")

	// ErrNoOption is returned for a link that neither transmits nor receives.
	ErrNoOption = errors.New("schedule: link must be TX or RX")
)

// MaxASN is the modulus of the 40 bit absolute slot number.
const MaxASN = 1 << 40

// ASN is the absolute slot number.
type ASN uint64

// Add returns a advanced by n slots, wrapping at 2^40.
func (a ASN) Add(n uint64) ASN {
	return ASN((uint64(a) + n) % MaxASN)
}

// Slotframe is a periodic sequence of Size timeslots.
type Slotframe struct {
	Handle    uint8  `json:"handle" yaml:"handle"`
	Size      uint16 `json:"size" yaml:"size"`
	Advertise bool   `json:"advertise,omitempty" yaml:"advertise,omitempty"`
}

// Validate checks the slotframe on its own.
func (sf Slotframe) Validate() error {
	if sf.Size == 0 {
		return fmt.Errorf("slotframe %d: %w", sf.Handle, ErrEmptySlotframe)
	}
	return nil
}

// Link is a scheduled cell of a slotframe.
type Link struct {
	Handle          uint16     `json:"handle" yaml:"handle"`
	SlotframeHandle uint8      `json:"slotframe_handle" yaml:"slotframe"`
	Timeslot        uint16     `json:"timeslot" yaml:"timeslot"`
	ChannelOffset   uint16     `json:"channel_offset" yaml:"channel_offset"`
	NodeAddr        frame.Addr `json:"node_addr" yaml:"node"`

	TX          bool `json:"tx,omitempty" yaml:"tx,omitempty"`
	RX          bool `json:"rx,omitempty" yaml:"rx,omitempty"`
	Shared      bool `json:"shared,omitempty" yaml:"shared,omitempty"`
	Timekeeping bool `json:"timekeeping,omitempty" yaml:"timekeeping,omitempty"`
	Priority    bool `json:"priority,omitempty" yaml:"priority,omitempty"`
	Advertising bool `json:"advertising,omitempty" yaml:"advertising,omitempty"`
	// Advertise marks the link for inclusion in enhanced beacons.
	Advertise bool `json:"advertise,omitempty" yaml:"advertise,omitempty"`
}

// Validate checks the link independent of its slotframe.
func (l Link) Validate() error {
	if l.Advertising && !l.TX {
		return fmt.Errorf("link %d: %w", l.Handle, ErrAdvertisingRequiresTX)
	}
	if !l.TX && !l.RX {
		return fmt.Errorf("link %d: %w", l.Handle, ErrNoOption)
	}
	return nil
}

// Options renders the link options, e.g. "tx,shared".
func (l Link) Options() string {
	var opts []string
	for _, o := range []struct {
		set  bool
		name string
	}{
		{l.TX, "tx"},
		{l.RX, "rx"},
		{l.Shared, "shared"},
		{l.Timekeeping, "timekeeping"},
		{l.Priority, "priority"},
		{l.Advertising, "advertising"},
		{l.Advertise, "advertise"},
	} {
		if o.set {
			opts = append(opts, o.name)
		}
	}
	return strings.Join(opts, ",")
}

func linkLess(a, b *Link) bool {
	if a.Timeslot != b.Timeslot {
		return a.Timeslot < b.Timeslot
	}
	return a.Handle < b.Handle
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package nettime

const (
	// HighResHz is the frequency of the high resolution radio timer.
	HighResHz = 4_000_000

	// SleepHz is the frequency of the always-on sleep counter.
	SleepHz = 32768

	// SleepSubsecondBits is the width of the sleep counter's fractional
	// second field. The counter is 32.32 fixed point seconds.
	SleepSubsecondBits = 32

	// SleepIncPerTick is how much the fixed point sleep value grows per
	// sleep counter tick.
	SleepIncPerTick = (1 << SleepSubsecondBits) / SleepHz

	// NanosPerTick is the duration of one high resolution tick.
	NanosPerTick = 1_000_000_000 / HighResHz

	subsecondMask = 1<<SleepSubsecondBits - 1
)

// SleepToHighRes converts a 32.32 sleep counter value into high resolution
// ticks on the timeline that starts at origin.
func SleepToHighRes(sleep uint64, origin uint32) uint64 {
	frac := ((sleep & subsecondMask) * HighResHz) >> SleepSubsecondBits
	whole := (sleep >> SleepSubsecondBits) * HighResHz
	return frac + whole + uint64(origin)
}

// HighResToSleep is the inverse of SleepToHighRes. The fractional part is
// rounded up.
func HighResToSleep(highres uint64, origin uint32) uint64 {
	ticks := highres - uint64(origin)
	whole := (ticks / HighResHz) << SleepSubsecondBits
	rem := (ticks % HighResHz) << SleepSubsecondBits
	return whole + (rem+HighResHz-1)/HighResHz
}

// alignEpoch returns the multiple of 2^32 that, added to the 32 bit raw
// counter value, lands closest to the expected 64 bit tick.
func alignEpoch(expected uint64, raw uint32) uint64 {
	return (expected - uint64(raw) + 1<<31) &^ (1<<32 - 1)
}

// Domain identifies which hardware counter a reading came from.
type Domain uint8

const (
	DomainSleep Domain = iota
	DomainHighRes
)

func (d Domain) String() string {
	switch d {
	case DomainHighRes:
		return "highres"
	default:
		return "sleep"
	}
}

// DomainSwitch records a change of the counter's source.
type DomainSwitch struct {
	From   Domain
	To     Domain
	Origin uint32
	Offset uint64
	At     Timepoint
}

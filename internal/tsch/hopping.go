/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tsch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/friendsincode/tsch/internal/radio"
)

// Default hopping sequences, named band-channels-length.
var hoppingSequences = map[string][]uint16{
	"2450-16-16":   {16, 17, 23, 18, 26, 15, 25, 22, 19, 11, 12, 13, 24, 14, 20, 21},
	"2450-4-16":    {20, 26, 25, 26, 15, 15, 25, 20, 26, 15, 26, 25, 20, 15, 20, 25},
	"2450-4-4":     {15, 25, 26, 20},
	"2450-2-2":     {20, 25},
	"2450-1-1":     {20},
	"subghz-1-1":   {0},
	"subghz-10-10": {6, 2, 9, 3, 7, 4, 10, 8, 5, 1},
}

// HoppingSequenceNames lists the built-in hopping sequences.
func HoppingSequenceNames() []string {
	names := make([]string, 0, len(hoppingSequences))
	for name := range hoppingSequences {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultHoppingSequence returns a copy of a built-in sequence.
func DefaultHoppingSequence(name string) ([]uint16, error) {
	seq, ok := hoppingSequences[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown hopping sequence %q", ErrInvalidHoppingSequence, name)
	}
	return append([]uint16(nil), seq...), nil
}

// ParseHoppingSequence accepts a built-in name or a comma separated list
// of channels.
func ParseHoppingSequence(s string) ([]uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if seq, err := DefaultHoppingSequence(s); err == nil {
		return seq, nil
	}

	parts := strings.Split(s, ",")
	seq := make([]uint16, 0, len(parts))
	for _, p := range parts {
		ch, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidHoppingSequence, s)
		}
		seq = append(seq, uint16(ch))
	}
	return seq, nil
}

// VerifyHoppingSequence checks every channel against the driver.
func VerifyHoppingSequence(d radio.Driver, seq []uint16) error {
	for i, ch := range seq {
		if !d.VerifyChannel(ch) {
			return fmt.Errorf("%w: channel %d at index %d: %w", ErrInvalidHoppingSequence, ch, i, radio.ErrInvalidChannel)
		}
	}
	return nil
}

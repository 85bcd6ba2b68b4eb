/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package frame

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// AddrMode is the addressing mode of a MAC address field.
type AddrMode uint8

const (
	AddrModeNone     AddrMode = 0
	AddrModeShort    AddrMode = 2
	AddrModeExtended AddrMode = 3
)

const (
	// BroadcastShort is the broadcast short address.
	BroadcastShort uint16 = 0xffff
	// NoShortAddr marks an associated device without a short address.
	NoShortAddr uint16 = 0xfffe
)

// ErrInvalidAddr is returned when an address string cannot be parsed.
var ErrInvalidAddr = errors.New("frame: invalid address")

// Addr is a short or extended link layer address. Addr values are
// comparable and usable as map keys.
type Addr struct {
	mode  AddrMode
	short uint16
	ext   uint64
}

// ShortAddr returns a 16 bit address.
func ShortAddr(v uint16) Addr {
	return Addr{mode: AddrModeShort, short: v}
}

// ExtendedAddr returns a 64 bit address given in big endian order.
func ExtendedAddr(v uint64) Addr {
	return Addr{mode: AddrModeExtended, ext: v}
}

// Broadcast is the broadcast short address.
var Broadcast = ShortAddr(BroadcastShort)

// Mode returns the addressing mode, AddrModeNone for the zero value.
func (a Addr) Mode() AddrMode { return a.mode }

// IsZero reports whether a carries no address.
func (a Addr) IsZero() bool { return a.mode == AddrModeNone }

// IsBroadcast reports whether a is the broadcast address.
func (a Addr) IsBroadcast() bool { return a == Broadcast }

// Short returns the short address and whether a is one.
func (a Addr) Short() (uint16, bool) { return a.short, a.mode == AddrModeShort }

// Extended returns the extended address and whether a is one.
func (a Addr) Extended() (uint64, bool) { return a.ext, a.mode == AddrModeExtended }

// Len returns the on-air length of the address.
func (a Addr) Len() int {
	switch a.mode {
	case AddrModeShort:
		return 2
	case AddrModeExtended:
		return 8
	default:
		return 0
	}
}

// String formats short addresses as 0x1234 and extended ones as
// colon separated octets.
func (a Addr) String() string {
	switch a.mode {
	case AddrModeShort:
		return fmt.Sprintf("0x%04x", a.short)
	case AddrModeExtended:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], a.ext)
		parts := make([]string, len(b))
		for i, o := range b {
			parts[i] = hex.EncodeToString([]byte{o})
		}
		return strings.Join(parts, ":")
	default:
		return ""
	}
}

// ParseAddr parses the formats produced by String. An empty string yields
// the zero address.
func ParseAddr(s string) (Addr, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Addr{}, nil
	case strings.EqualFold(s, "broadcast"):
		return Broadcast, nil
	case strings.Contains(s, ":"):
		raw, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
		if err != nil || len(raw) != 8 {
			return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
		}
		return ExtendedAddr(binary.BigEndian.Uint64(raw)), nil
	default:
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
		if err != nil {
			return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
		}
		return ShortAddr(uint16(v)), nil
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(text []byte) error {
	parsed, err := ParseAddr(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// put writes a in little endian on-air order.
func (a Addr) put(b []byte) int {
	switch a.mode {
	case AddrModeShort:
		binary.LittleEndian.PutUint16(b, a.short)
		return 2
	case AddrModeExtended:
		binary.LittleEndian.PutUint64(b, a.ext)
		return 8
	default:
		return 0
	}
}

func readAddr(mode AddrMode, b []byte) (Addr, int, error) {
	switch mode {
	case AddrModeNone:
		return Addr{}, 0, nil
	case AddrModeShort:
		if len(b) < 2 {
			return Addr{}, 0, ErrTruncated
		}
		return ShortAddr(binary.LittleEndian.Uint16(b)), 2, nil
	case AddrModeExtended:
		if len(b) < 8 {
			return Addr{}, 0, ErrTruncated
		}
		return ExtendedAddr(binary.LittleEndian.Uint64(b)), 8, nil
	default:
		return Addr{}, 0, fmt.Errorf("frame: reserved addressing mode %d", mode)
	}
}

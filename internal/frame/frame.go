/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package frame encodes and decodes the IEEE 802.15.4 MAC frames the TSCH
// engine sends on its own: enhanced beacons, acknowledgments and the
// information elements carried by them.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type is the MAC frame type.
type Type uint8

const (
	TypeBeacon  Type = 0
	TypeData    Type = 1
	TypeAck     Type = 2
	TypeCommand Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeBeacon:
		return "beacon"
	case TypeData:
		return "data"
	case TypeAck:
		return "ack"
	case TypeCommand:
		return "command"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Version is the frame version field.
type Version uint8

const (
	Version2003 Version = 0
	Version2006 Version = 1
	Version2015 Version = 2
)

// Frame size limits. The FCS is appended by the radio.
const (
	MaxPHYPacketSize = 127
	FCSLength        = 2
	MaxPSDU          = MaxPHYPacketSize - FCSLength
	ImmAckLength     = 3
)

var (
	// ErrTruncated is returned when decoding runs out of bytes.
	ErrTruncated = errors.New("frame: truncated")

	// ErrTooLong is returned when an encoded frame exceeds MaxPSDU.
	ErrTooLong = errors.New("frame: exceeds maximum PSDU size")
)

// frame control field layout
const (
	fcfTypeMask     = 0x0007
	fcfSecurity     = 1 << 3
	fcfFramePending = 1 << 4
	fcfAckRequest   = 1 << 5
	fcfPANIDComp    = 1 << 6
	fcfIEPresent    = 1 << 9
	fcfDstModeShift = 10
	fcfVersionShift = 12
	fcfSrcModeShift = 14
)

// Frame is a decoded MAC frame.
type Frame struct {
	Type             Type
	Version          Version
	FramePending     bool
	AckRequest       bool
	PANIDCompression bool
	Seq              uint8

	DstPAN uint16
	Dst    Addr
	SrcPAN uint16
	Src    Addr

	HeaderIEs  []HeaderIE
	PayloadIEs []PayloadIE
	Payload    []byte
}

func (f *Frame) dstPANPresent() bool {
	return f.Dst.Mode() != AddrModeNone
}

func (f *Frame) srcPANPresent() bool {
	if f.Src.Mode() == AddrModeNone {
		return false
	}
	return !f.PANIDCompression || f.Dst.Mode() == AddrModeNone
}

// MarshalBinary encodes the frame without FCS.
func (f *Frame) MarshalBinary() ([]byte, error) {
	fcf := uint16(f.Type) & fcfTypeMask
	if f.FramePending {
		fcf |= fcfFramePending
	}
	if f.AckRequest {
		fcf |= fcfAckRequest
	}
	if f.PANIDCompression {
		fcf |= fcfPANIDComp
	}
	if len(f.HeaderIEs) > 0 || len(f.PayloadIEs) > 0 {
		fcf |= fcfIEPresent
	}
	fcf |= uint16(f.Dst.Mode()) << fcfDstModeShift
	fcf |= uint16(f.Version&0x3) << fcfVersionShift
	fcf |= uint16(f.Src.Mode()) << fcfSrcModeShift

	buf := make([]byte, MaxPHYPacketSize)
	binary.LittleEndian.PutUint16(buf, fcf)
	buf[2] = f.Seq
	n := 3

	if f.dstPANPresent() {
		binary.LittleEndian.PutUint16(buf[n:], f.DstPAN)
		n += 2
	}
	n += f.Dst.put(buf[n:])
	if f.srcPANPresent() {
		binary.LittleEndian.PutUint16(buf[n:], f.SrcPAN)
		n += 2
	}
	n += f.Src.put(buf[n:])

	out := buf[:n]
	for _, ie := range f.HeaderIEs {
		out = ie.append(out)
	}
	switch {
	case len(f.PayloadIEs) > 0:
		out = HeaderIE{ElementID: ElementHeaderTermination1}.append(out)
		for _, ie := range f.PayloadIEs {
			out = ie.append(out)
		}
		if len(f.Payload) > 0 {
			out = PayloadIE{GroupID: GroupPayloadTermination}.append(out)
		}
	case len(f.HeaderIEs) > 0 && len(f.Payload) > 0:
		out = HeaderIE{ElementID: ElementHeaderTermination2}.append(out)
	}
	out = append(out, f.Payload...)

	if len(out) > MaxPSDU {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, len(out))
	}
	return out, nil
}

// Decode parses a PSDU without FCS.
func Decode(b []byte) (*Frame, error) {
	if len(b) < 3 {
		return nil, ErrTruncated
	}
	fcf := binary.LittleEndian.Uint16(b)
	if fcf&fcfSecurity != 0 {
		return nil, errors.New("frame: secured frames are not supported")
	}

	f := &Frame{
		Type:             Type(fcf & fcfTypeMask),
		Version:          Version(fcf >> fcfVersionShift & 0x3),
		FramePending:     fcf&fcfFramePending != 0,
		AckRequest:       fcf&fcfAckRequest != 0,
		PANIDCompression: fcf&fcfPANIDComp != 0,
		Seq:              b[2],
	}
	dstMode := AddrMode(fcf >> fcfDstModeShift & 0x3)
	srcMode := AddrMode(fcf >> fcfSrcModeShift & 0x3)
	rest := b[3:]

	if dstMode != AddrModeNone {
		if len(rest) < 2 {
			return nil, ErrTruncated
		}
		f.DstPAN = binary.LittleEndian.Uint16(rest)
		rest = rest[2:]
	}
	dst, n, err := readAddr(dstMode, rest)
	if err != nil {
		return nil, fmt.Errorf("destination address: %w", err)
	}
	f.Dst = dst
	rest = rest[n:]

	if srcMode != AddrModeNone {
		if !f.PANIDCompression || dstMode == AddrModeNone {
			if len(rest) < 2 {
				return nil, ErrTruncated
			}
			f.SrcPAN = binary.LittleEndian.Uint16(rest)
			rest = rest[2:]
		} else {
			f.SrcPAN = f.DstPAN
		}
	}
	src, n, err := readAddr(srcMode, rest)
	if err != nil {
		return nil, fmt.Errorf("source address: %w", err)
	}
	f.Src = src
	rest = rest[n:]

	if fcf&fcfIEPresent != 0 {
		rest, err = f.decodeIEs(rest)
		if err != nil {
			return nil, err
		}
	}
	if len(rest) > 0 {
		f.Payload = append([]byte(nil), rest...)
	}
	return f, nil
}

func (f *Frame) decodeIEs(b []byte) ([]byte, error) {
	payloadIEs := false
	for len(b) > 0 {
		ie, n, err := readHeaderIE(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		if ie.ElementID == ElementHeaderTermination1 {
			payloadIEs = true
			break
		}
		if ie.ElementID == ElementHeaderTermination2 {
			break
		}
		f.HeaderIEs = append(f.HeaderIEs, ie)
	}

	for payloadIEs && len(b) > 0 {
		ie, n, err := readPayloadIE(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		if ie.GroupID == GroupPayloadTermination {
			break
		}
		f.PayloadIEs = append(f.PayloadIEs, ie)
	}
	return b, nil
}

// HeaderIE returns the first header IE with the given element id.
func (f *Frame) HeaderIE(id uint8) (HeaderIE, bool) {
	for _, ie := range f.HeaderIEs {
		if ie.ElementID == id {
			return ie, true
		}
	}
	return HeaderIE{}, false
}

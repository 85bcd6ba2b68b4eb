/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Header IE element ids.
const (
	ElementTimeCorrection     uint8 = 0x1e
	ElementHeaderTermination1 uint8 = 0x7e
	ElementHeaderTermination2 uint8 = 0x7f
)

// Payload IE group ids.
const (
	GroupMLME               uint8 = 0x1
	GroupPayloadTermination uint8 = 0xf
)

// Nested IE sub ids.
const (
	SubIDTSCHSync uint8 = 0x1a
)

const (
	timeCorrectionNack     = 0x8000
	timeCorrectionMask     = 0x0fff
	timeCorrectionSignBit  = 0x0800
	maxTimeCorrectionMicro = 2047
)

// ErrTimeCorrectionRange is returned for corrections outside 12 signed bits.
var ErrTimeCorrectionRange = errors.New("frame: time correction out of range")

// HeaderIE is a header information element.
type HeaderIE struct {
	ElementID uint8
	Content   []byte
}

// header IE descriptor: length (7 bits), element id (8 bits), type 0
func (ie HeaderIE) append(b []byte) []byte {
	desc := uint16(len(ie.Content)&0x7f) | uint16(ie.ElementID)<<7
	b = binary.LittleEndian.AppendUint16(b, desc)
	return append(b, ie.Content...)
}

// MarshalBinary encodes the IE with its descriptor.
func (ie HeaderIE) MarshalBinary() ([]byte, error) {
	if len(ie.Content) > 0x7f {
		return nil, fmt.Errorf("%w: header IE content of %d bytes", ErrTooLong, len(ie.Content))
	}
	return ie.append(nil), nil
}

func readHeaderIE(b []byte) (HeaderIE, int, error) {
	if len(b) < 2 {
		return HeaderIE{}, 0, ErrTruncated
	}
	desc := binary.LittleEndian.Uint16(b)
	if desc&0x8000 != 0 {
		return HeaderIE{}, 0, errors.New("frame: payload IE where header IE expected")
	}
	length := int(desc & 0x7f)
	if len(b) < 2+length {
		return HeaderIE{}, 0, ErrTruncated
	}
	ie := HeaderIE{ElementID: uint8(desc >> 7)}
	if length > 0 {
		ie.Content = append([]byte(nil), b[2:2+length]...)
	}
	return ie, 2 + length, nil
}

// PayloadIE is a payload information element.
type PayloadIE struct {
	GroupID uint8
	Content []byte
}

// payload IE descriptor: length (11 bits), group id (4 bits), type 1
func (ie PayloadIE) append(b []byte) []byte {
	desc := uint16(len(ie.Content)&0x7ff) | uint16(ie.GroupID&0xf)<<11 | 0x8000
	b = binary.LittleEndian.AppendUint16(b, desc)
	return append(b, ie.Content...)
}

func readPayloadIE(b []byte) (PayloadIE, int, error) {
	if len(b) < 2 {
		return PayloadIE{}, 0, ErrTruncated
	}
	desc := binary.LittleEndian.Uint16(b)
	length := int(desc & 0x7ff)
	if len(b) < 2+length {
		return PayloadIE{}, 0, ErrTruncated
	}
	ie := PayloadIE{GroupID: uint8(desc >> 11 & 0xf)}
	if length > 0 {
		ie.Content = append([]byte(nil), b[2:2+length]...)
	}
	return ie, 2 + length, nil
}

// TimeCorrectionIE builds the time correction IE carried by enhanced
// acknowledgments. ack is false for a negative acknowledgment.
func TimeCorrectionIE(ack bool, correctionUs int16) (HeaderIE, error) {
	if correctionUs < -maxTimeCorrectionMicro-1 || correctionUs > maxTimeCorrectionMicro {
		return HeaderIE{}, fmt.Errorf("%w: %dus", ErrTimeCorrectionRange, correctionUs)
	}
	info := uint16(correctionUs) & timeCorrectionMask
	if !ack {
		info |= timeCorrectionNack
	}
	return HeaderIE{
		ElementID: ElementTimeCorrection,
		Content:   binary.LittleEndian.AppendUint16(nil, info),
	}, nil
}

// TimeCorrection decodes a time correction IE.
func (ie HeaderIE) TimeCorrection() (correctionUs int16, ack bool, err error) {
	if ie.ElementID != ElementTimeCorrection || len(ie.Content) != 2 {
		return 0, false, fmt.Errorf("frame: not a time correction IE (id 0x%02x)", ie.ElementID)
	}
	info := binary.LittleEndian.Uint16(ie.Content)
	v := info & timeCorrectionMask
	if v&timeCorrectionSignBit != 0 {
		v |= ^uint16(timeCorrectionMask)
	}
	return int16(v), info&timeCorrectionNack == 0, nil
}

// nested short IE descriptor: length (8 bits), sub id (7 bits), type 0
func appendNestedShort(b []byte, subID uint8, content []byte) []byte {
	desc := uint16(len(content)&0xff) | uint16(subID&0x7f)<<8
	b = binary.LittleEndian.AppendUint16(b, desc)
	return append(b, content...)
}

// TSCHSyncIE builds an MLME payload IE holding the TSCH synchronization
// nested IE: the 40 bit ASN and the join metric.
func TSCHSyncIE(asn uint64, joinMetric uint8) PayloadIE {
	content := make([]byte, 6)
	for i := 0; i < 5; i++ {
		content[i] = byte(asn >> (8 * i))
	}
	content[5] = joinMetric
	return PayloadIE{GroupID: GroupMLME, Content: appendNestedShort(nil, SubIDTSCHSync, content)}
}

// TSCHSync returns the ASN and join metric of the first TSCH
// synchronization IE in the frame.
func (f *Frame) TSCHSync() (asn uint64, joinMetric uint8, ok bool) {
	for _, ie := range f.PayloadIEs {
		if ie.GroupID != GroupMLME {
			continue
		}
		b := ie.Content
		for len(b) >= 2 {
			desc := binary.LittleEndian.Uint16(b)
			long := desc&0x8000 != 0
			var subID uint8
			var length int
			if long {
				subID = uint8(desc >> 11 & 0xf)
				length = int(desc & 0x7ff)
			} else {
				subID = uint8(desc >> 8 & 0x7f)
				length = int(desc & 0xff)
			}
			if len(b) < 2+length {
				break
			}
			if !long && subID == SubIDTSCHSync && length == 6 {
				c := b[2:8]
				for i := 0; i < 5; i++ {
					asn |= uint64(c[i]) << (8 * i)
				}
				return asn, c[5], true
			}
			b = b[2+length:]
		}
	}
	return 0, 0, false
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package frame

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsch/internal/nettime"
	"github.com/friendsincode/tsch/internal/radio"
)

// Codec creates the frames the TSCH engine originates and hands them to
// the radio at a programmed time.
type Codec interface {
	CreateBeacon(full bool) (*Frame, error)
	CreateImmAck(seq uint8) (*Frame, error)
	Send(f *Frame, at nettime.Time) error
}

// Identity is the local MAC state a beacon advertises.
type Identity struct {
	PANID      uint16
	ShortAddr  uint16
	ExtAddr    uint64
	ASN        uint64
	JoinMetric uint8
}

// Source returns the address frames are sent from: the short address once
// one is assigned, the extended address otherwise.
func (id Identity) Source() Addr {
	if id.ShortAddr < NoShortAddr {
		return ShortAddr(id.ShortAddr)
	}
	return ExtendedAddr(id.ExtAddr)
}

// RadioCodec implements Codec on top of a radio driver.
type RadioCodec struct {
	driver   radio.Driver
	identity func() Identity
	seq      atomic.Uint32
	logger   zerolog.Logger
}

// NewRadioCodec creates a codec. identity is called for every beacon.
func NewRadioCodec(driver radio.Driver, identity func() Identity, logger zerolog.Logger) *RadioCodec {
	return &RadioCodec{
		driver:   driver,
		identity: identity,
		logger:   logger.With().Str("component", "frame-codec").Logger(),
	}
}

func (c *RadioCodec) nextSeq() uint8 {
	return uint8(c.seq.Add(1))
}

// CreateBeacon builds an enhanced beacon. A full beacon carries the TSCH
// synchronization IE.
func (c *RadioCodec) CreateBeacon(full bool) (*Frame, error) {
	id := c.identity()
	if id.PANID == BroadcastShort {
		return nil, fmt.Errorf("create beacon: no PAN id")
	}

	f := &Frame{
		Type:    TypeBeacon,
		Version: Version2015,
		Seq:     c.nextSeq(),
		SrcPAN:  id.PANID,
		Src:     id.Source(),
	}
	if full {
		f.PayloadIEs = []PayloadIE{TSCHSyncIE(id.ASN, id.JoinMetric)}
	}
	return f, nil
}

// CreateData builds a data frame towards dst within the local PAN. Unicast
// frames request an acknowledgment.
func (c *RadioCodec) CreateData(dst Addr, payload []byte) (*Frame, error) {
	if dst.IsZero() {
		return nil, fmt.Errorf("create data: %w", ErrInvalidAddr)
	}
	id := c.identity()
	f := &Frame{
		Type:             TypeData,
		Version:          Version2006,
		AckRequest:       !dst.IsBroadcast(),
		PANIDCompression: true,
		Seq:              c.nextSeq(),
		DstPAN:           id.PANID,
		Dst:              dst,
		Src:              id.Source(),
		Payload:          append([]byte(nil), payload...),
	}
	// fail here rather than in the slot
	if _, err := f.MarshalBinary(); err != nil {
		return nil, fmt.Errorf("create data: %w", err)
	}
	return f, nil
}

// CreateImmAck builds an immediate acknowledgment for seq.
func (c *RadioCodec) CreateImmAck(seq uint8) (*Frame, error) {
	return &Frame{Type: TypeAck, Version: Version2006, Seq: seq}, nil
}

// Send encodes f and transmits it at the given network time.
func (c *RadioCodec) Send(f *Frame, at nettime.Time) error {
	psdu, err := f.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	if err := c.driver.Send(psdu, at); err != nil {
		return fmt.Errorf("send %s frame: %w", f.Type, err)
	}
	c.logger.Trace().
		Str("type", f.Type.String()).
		Uint8("seq", f.Seq).
		Int64("at_ns", int64(at)).
		Int("len", len(psdu)).
		Msg("frame sent")
	return nil
}

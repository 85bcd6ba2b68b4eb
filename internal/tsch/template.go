/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tsch

import (
	"fmt"

	"github.com/friendsincode/tsch/internal/nettime"
	"github.com/friendsincode/tsch/internal/radio"
)

// TimeslotTemplate holds the timeslot timings in microseconds.
type TimeslotTemplate struct {
	CCAOffset  uint32 `json:"cca_offset" yaml:"cca_offset"`
	CCA        uint32 `json:"cca" yaml:"cca"`
	TxOffset   uint32 `json:"tx_offset" yaml:"tx_offset"`
	RxOffset   uint32 `json:"rx_offset" yaml:"rx_offset"`
	RxAckDelay uint32 `json:"rx_ack_delay" yaml:"rx_ack_delay"`
	TxAckDelay uint32 `json:"tx_ack_delay" yaml:"tx_ack_delay"`
	RxWait     uint32 `json:"rx_wait" yaml:"rx_wait"`
	AckWait    uint32 `json:"ack_wait" yaml:"ack_wait"`
	RxTx       uint32 `json:"rx_tx" yaml:"rx_tx"`
	MaxAck     uint32 `json:"max_ack" yaml:"max_ack"`
	MaxTx      uint32 `json:"max_tx" yaml:"max_tx"`
	Length     uint32 `json:"length" yaml:"length"`
}

// maxTemplateValue is the width of the 20 bit max_tx and length fields.
const maxTemplateValue = 1<<20 - 1

// DefaultTemplate returns the default timings of the 2.4 GHz or the
// sub-GHz bands.
func DefaultTemplate(subGHz bool) TimeslotTemplate {
	t := TimeslotTemplate{
		CCAOffset:  1800,
		CCA:        128,
		TxOffset:   2120,
		RxOffset:   1020,
		RxAckDelay: 800,
		TxAckDelay: 1000,
		RxWait:     2200,
		AckWait:    400,
		RxTx:       192,
		MaxAck:     2400,
		MaxTx:      4256,
		Length:     10000,
	}
	if subGHz {
		t.TxOffset = 2800
		t.RxOffset = 1800
		t.RxWait = 6000
		t.RxTx = 1000
		t.MaxAck = 6000
		t.MaxTx = 103040
		t.Length = 120000
	}
	return t
}

// TemplateFor picks the default template for the driver's band.
func TemplateFor(d radio.Driver) TimeslotTemplate {
	return DefaultTemplate(radio.IsSubGHz(d))
}

// Validate checks that every offset fits into the slot.
func (t TimeslotTemplate) Validate() error {
	if t.Length == 0 || t.Length > maxTemplateValue || t.MaxTx > maxTemplateValue {
		return fmt.Errorf("timeslot length %dus: %w", t.Length, ErrInvalidTemplate)
	}
	if t.TxOffset >= t.Length || t.RxOffset+t.RxWait > t.Length {
		return fmt.Errorf("tx offset %dus, rx window %dus+%dus in %dus slot: %w",
			t.TxOffset, t.RxOffset, t.RxWait, t.Length, ErrInvalidTemplate)
	}
	return nil
}

// SlotLength returns the timeslot length in network time.
func (t TimeslotTemplate) SlotLength() nettime.Time {
	return us(t.Length)
}

func us(v uint32) nettime.Time {
	return nettime.Time(v) * nettime.Microsecond
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package radio defines the IEEE 802.15.4 radio driver contract the TSCH
// engine programs timeslots through.
package radio

import (
	"errors"
	"strings"

	"github.com/friendsincode/tsch/internal/nettime"
)

var (
	// ErrBusy is returned by CCA when the channel is busy.
	ErrBusy = errors.New("radio: channel busy")

	// ErrUnsupported is returned for configuration the driver cannot apply.
	ErrUnsupported = errors.New("radio: not supported")

	// ErrInvalidChannel is returned when setting a channel outside the page.
	ErrInvalidChannel = errors.New("radio: invalid channel")
)

// Capabilities is a bit set of hardware features.
type Capabilities uint32

const (
	CapEnergyScan Capabilities = 1 << iota
	CapFCS
	CapPromisc
	CapCSMA
	CapTxRetransmission
	CapRxTxAck
	CapSleepToTx
	CapTxTime
	CapRxTime
)

// Has reports whether all of want are set.
func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}

func (c Capabilities) String() string {
	names := []struct {
		cap  Capabilities
		name string
	}{
		{CapEnergyScan, "energy-scan"},
		{CapFCS, "fcs"},
		{CapPromisc, "promisc"},
		{CapCSMA, "csma"},
		{CapTxRetransmission, "tx-retransmission"},
		{CapRxTxAck, "rx-tx-ack"},
		{CapSleepToTx, "sleep-to-tx"},
		{CapTxTime, "tx-time"},
		{CapRxTime, "rx-time"},
	}
	var set []string
	for _, n := range names {
		if c&n.cap != 0 {
			set = append(set, n.name)
		}
	}
	return strings.Join(set, ",")
}

// ChannelPage identifies the PHY channel page.
type ChannelPage uint32

const (
	// PageZero is O-QPSK 2450 MHz plus BPSK 868/915 MHz.
	PageZero ChannelPage = 1 << 0
	// PageTwo is O-QPSK 868/915 MHz.
	PageTwo ChannelPage = 1 << 2
	// PageFive is O-QPSK 780 MHz.
	PageFive ChannelPage = 1 << 5
	// PageNine is SUN FSK with predefined channels.
	PageNine ChannelPage = 1 << 9
)

// ConfigType selects which part of Config applies.
type ConfigType uint8

const (
	ConfigRxSlot ConfigType = iota + 1
	ConfigExpectedRxTime
	ConfigEnhAckHeaderIE
)

func (t ConfigType) String() string {
	switch t {
	case ConfigRxSlot:
		return "rx_slot"
	case ConfigExpectedRxTime:
		return "expected_rx_time"
	case ConfigEnhAckHeaderIE:
		return "enh_ack_header_ie"
	default:
		return "unknown"
	}
}

// RxSlot is a timed receive window.
type RxSlot struct {
	Start    nettime.Time
	Duration nettime.Time
	Channel  uint16
}

// AckIE is a header IE the driver injects into enhanced acknowledgments
// sent to ShortAddr, or to every peer for the broadcast address.
type AckIE struct {
	HeaderIE  []byte
	ShortAddr uint16
	Purge     bool
}

// Config carries the parameters of one ConfigType.
type Config struct {
	RxSlot         RxSlot
	ExpectedRxTime nettime.Time
	AckIE          AckIE
}

// Received is a frame handed up by the driver.
type Received struct {
	PSDU      []byte
	Timestamp nettime.Time
	Channel   uint16
	LQI       uint8
	RSSI      int8
}

// Driver is a radio able to send and receive at programmed network times.
type Driver interface {
	Capabilities() Capabilities
	SetChannel(channel uint16) error
	// Send transmits psdu at the given network time. A zero time sends
	// immediately.
	Send(psdu []byte, at nettime.Time) error
	Configure(t ConfigType, cfg Config) error
	CurrentChannelPage() ChannelPage
	VerifyChannel(channel uint16) bool
	NumberOfChannels() uint16
	// CCA returns nil when the channel is idle, ErrBusy when it is busy.
	CCA() error
	// OnReceive registers the handler of received frames.
	OnReceive(fn func(Received))
}

// IsSubGHz reports whether the driver's current channel page is a sub-GHz
// band.
func IsSubGHz(d Driver) bool {
	switch d.CurrentChannelPage() {
	case PageZero:
		// Page zero carries 868/915 MHz BPSK on channels 0 to 10.
		return d.VerifyChannel(0) || d.VerifyChannel(1)
	case PageTwo, PageFive, PageNine:
		return true
	default:
		return false
	}
}

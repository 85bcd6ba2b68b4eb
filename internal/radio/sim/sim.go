/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sim is a host radio that records what the TSCH engine asks of
// it and lets tests inject received frames.
package sim

import (
	"fmt"
	"sync"

	"github.com/friendsincode/tsch/internal/nettime"
	"github.com/friendsincode/tsch/internal/radio"
)

// Band selects the channels the simulated PHY accepts.
type Band uint8

const (
	Band2450 Band = iota
	BandSubGHz
)

// Options configures a Driver.
type Options struct {
	Capabilities radio.Capabilities
	Page         radio.ChannelPage
	Band         Band
}

// DefaultOptions is a 2.4 GHz radio with timed TX/RX and auto ACK.
func DefaultOptions() Options {
	return Options{
		Capabilities: radio.CapFCS | radio.CapTxTime | radio.CapRxTime | radio.CapRxTxAck | radio.CapCSMA,
		Page:         radio.PageZero,
		Band:         Band2450,
	}
}

// Sent is one recorded transmission.
type Sent struct {
	PSDU    []byte
	At      nettime.Time
	Channel uint16
}

// Configured is one recorded Configure call.
type Configured struct {
	Type   radio.ConfigType
	Config radio.Config
}

const logCapacity = 256

// Driver implements radio.Driver.
type Driver struct {
	mu       sync.Mutex
	opts     Options
	channel  uint16
	hops     int
	sent     []Sent
	configs  []Configured
	ccaErr   error
	receiver func(radio.Received)
}

// New returns a simulated radio.
func New(opts Options) *Driver {
	d := &Driver{opts: opts}
	if opts.Band == BandSubGHz {
		d.channel = 1
	} else {
		d.channel = 11
	}
	return d
}

// Capabilities implements radio.Driver.
func (d *Driver) Capabilities() radio.Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.Capabilities
}

// SetChannel implements radio.Driver.
func (d *Driver) SetChannel(channel uint16) error {
	if !d.VerifyChannel(channel) {
		return fmt.Errorf("%w: %d", radio.ErrInvalidChannel, channel)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channel != channel {
		d.hops++
	}
	d.channel = channel
	return nil
}

// Channel returns the current channel.
func (d *Driver) Channel() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channel
}

// Hops returns how many times the channel changed.
func (d *Driver) Hops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hops
}

// Send implements radio.Driver.
func (d *Driver) Send(psdu []byte, at nettime.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = appendBounded(d.sent, Sent{PSDU: append([]byte(nil), psdu...), At: at, Channel: d.channel})
	return nil
}

// Configure implements radio.Driver.
func (d *Driver) Configure(t radio.ConfigType, cfg radio.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch t {
	case radio.ConfigExpectedRxTime, radio.ConfigEnhAckHeaderIE:
		if !d.opts.Capabilities.Has(radio.CapRxTxAck) {
			return fmt.Errorf("%w: %s without auto ACK", radio.ErrUnsupported, t)
		}
	case radio.ConfigRxSlot:
		if !d.opts.Capabilities.Has(radio.CapRxTime) {
			return fmt.Errorf("%w: %s without timed RX", radio.ErrUnsupported, t)
		}
	default:
		return fmt.Errorf("%w: config %d", radio.ErrUnsupported, t)
	}
	d.configs = appendBounded(d.configs, Configured{Type: t, Config: cfg})
	return nil
}

// CurrentChannelPage implements radio.Driver.
func (d *Driver) CurrentChannelPage() radio.ChannelPage {
	return d.opts.Page
}

// VerifyChannel implements radio.Driver.
func (d *Driver) VerifyChannel(channel uint16) bool {
	if d.opts.Band == BandSubGHz {
		return channel <= 10
	}
	return channel >= 11 && channel <= 26
}

// NumberOfChannels implements radio.Driver.
func (d *Driver) NumberOfChannels() uint16 {
	if d.opts.Band == BandSubGHz {
		return 11
	}
	return 16
}

// CCA implements radio.Driver.
func (d *Driver) CCA() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ccaErr
}

// SetCCAResult makes CCA return err, nil for an idle channel.
func (d *Driver) SetCCAResult(err error) {
	d.mu.Lock()
	d.ccaErr = err
	d.mu.Unlock()
}

// OnReceive implements radio.Driver.
func (d *Driver) OnReceive(fn func(radio.Received)) {
	d.mu.Lock()
	d.receiver = fn
	d.mu.Unlock()
}

// Inject delivers psdu as if received at ts on the current channel.
func (d *Driver) Inject(psdu []byte, ts nettime.Time) {
	d.mu.Lock()
	fn := d.receiver
	rx := radio.Received{PSDU: append([]byte(nil), psdu...), Timestamp: ts, Channel: d.channel, LQI: 0xff}
	d.mu.Unlock()
	if fn != nil {
		fn(rx)
	}
}

// Sent returns a copy of the recorded transmissions.
func (d *Driver) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sent(nil), d.sent...)
}

// Configs returns a copy of the recorded configuration calls.
func (d *Driver) Configs() []Configured {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Configured(nil), d.configs...)
}

// Reset clears the recorded activity.
func (d *Driver) Reset() {
	d.mu.Lock()
	d.sent = nil
	d.configs = nil
	d.mu.Unlock()
}

// appendBounded keeps the newest logCapacity entries.
func appendBounded[T any](s []T, v T) []T {
	s = append(s, v)
	if len(s) > logCapacity {
		s = append(s[:0], s[len(s)-logCapacity:]...)
	}
	return s
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package tsch runs the time slotted channel hopping MAC: it selects the
// next active link, sleeps until its timeslot and operates the radio.
package tsch

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/friendsincode/tsch/internal/frame"
	"github.com/friendsincode/tsch/internal/neighbor"
	"github.com/friendsincode/tsch/internal/nettime"
	"github.com/friendsincode/tsch/internal/schedule"
	"github.com/friendsincode/tsch/internal/telemetry"
)

var (
	// ErrAlready is returned when switching TSCH mode to its current value.
	ErrAlready = errors.New("tsch: mode already set")

	// ErrUnsupported is returned when the radio cannot do timed TX and RX.
	ErrUnsupported = errors.New("tsch: radio lacks timed rx/tx capabilities")

	// ErrInvalidTemplate is returned for inconsistent timeslot timings.
	ErrInvalidTemplate = errors.New("tsch: invalid timeslot template")

	// ErrInvalidHoppingSequence is returned for an unusable hopping sequence.
	ErrInvalidHoppingSequence = errors.New("tsch: invalid hopping sequence")

	// ErrChannelAccess is returned when CCA fails for a reason other than a
	// busy channel.
	ErrChannelAccess = errors.New("tsch: channel access failure")

	// ErrInvalidRole is returned for an unknown device role.
	ErrInvalidRole = errors.New("tsch: invalid device role")

	// ErrModeOn is returned for changes that are not allowed while TSCH
	// mode is on.
	ErrModeOn = errors.New("tsch: not allowed while tsch mode is on")
)

// Role is the device role in the PAN.
type Role uint8

const (
	RoleDevice Role = iota
	RoleCoordinator
	RolePANCoordinator
)

func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RolePANCoordinator:
		return "pan_coordinator"
	default:
		return "device"
	}
}

// ParseRole parses the output of Role.String.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "device", "endpoint":
		return RoleDevice, nil
	case "coordinator":
		return RoleCoordinator, nil
	case "pan_coordinator", "pan-coordinator", "pancoordinator":
		return RolePANCoordinator, nil
	}
	return RoleDevice, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Context is the TSCH state of one interface. Its lock serializes the
// schedule, the ASN, the hopping sequence and the addressing attributes.
type Context struct {
	mu sync.Mutex

	repo           *schedule.Repository
	asn            schedule.ASN
	hopping        []uint16
	channel        uint16
	role           Role
	panID          uint16
	shortAddr      uint16
	extAddr        uint64
	joinMetric     uint8
	disconnectTime uint8
	cca            bool
	template       TimeslotTemplate
	live           bool
}

// NewContext returns an unassociated context with an empty schedule.
func NewContext(template TimeslotTemplate) *Context {
	return &Context{
		repo:           schedule.NewRepository(),
		panID:          frame.BroadcastShort,
		shortAddr:      frame.BroadcastShort,
		joinMetric:     1,
		disconnectTime: 0xff,
		template:       template,
	}
}

// SetSlotframe inserts or replaces a slotframe.
func (c *Context) SetSlotframe(sf schedule.Slotframe) (*schedule.Slotframe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.SetSlotframe(sf)
}

// DeleteSlotframe removes a slotframe and its links.
func (c *Context) DeleteSlotframe(handle uint8) *schedule.Slotframe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.DeleteSlotframe(handle)
}

// SetLink inserts or replaces a link.
func (c *Context) SetLink(l schedule.Link) (*schedule.Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.SetLink(l)
}

// DeleteLink removes a link.
func (c *Context) DeleteLink(handle uint16) *schedule.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.DeleteLink(handle)
}

// Slotframes returns the slotframes ordered by handle.
func (c *Context) Slotframes() []schedule.Slotframe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.Slotframes()
}

// Links returns the links of one slotframe.
func (c *Context) Links(slotframe uint8) []schedule.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.Links(slotframe)
}

// AllLinks returns every link.
func (c *Context) AllLinks() []schedule.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.AllLinks()
}

// ClearSchedule removes every slotframe.
func (c *Context) ClearSchedule() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sf := range c.repo.Slotframes() {
		c.repo.DeleteSlotframe(sf.Handle)
	}
}

// LinkCounts counts the TX links per neighbor.
func (c *Context) LinkCounts() map[frame.Addr]neighbor.LinkCount {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := make(map[frame.Addr]neighbor.LinkCount)
	for _, l := range c.repo.AllLinks() {
		if !l.TX {
			continue
		}
		lc := counts[l.NodeAddr]
		lc.TX++
		if !l.Shared {
			lc.Dedicated++
		}
		counts[l.NodeAddr] = lc
	}
	return counts
}

// NextActiveLink selects the next active link after the current ASN and
// advances the ASN to it. The offset is the time from the current slot to
// the selected one.
func (c *Context) NextActiveLink(depth schedule.QueueDepth) (schedule.Selection, nettime.Time) {
	start := time.Now()

	c.mu.Lock()
	sel := c.repo.Select(c.asn, depth)
	c.asn = c.asn.Add(uint64(sel.Distance))
	asn := c.asn
	offset := nettime.Time(sel.Distance) * c.template.SlotLength()
	c.mu.Unlock()

	telemetry.SelectDuration.Observe(time.Since(start).Seconds())
	telemetry.CurrentASN.Set(float64(asn))
	return sel, offset
}

// ASN returns the absolute slot number.
func (c *Context) ASN() schedule.ASN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asn
}

// SetASN sets the absolute slot number, e.g. from a received beacon.
func (c *Context) SetASN(asn schedule.ASN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asn = schedule.ASN(uint64(asn) % schedule.MaxASN)
}

// SetHoppingSequence replaces the hopping sequence. nil removes it.
func (c *Context) SetHoppingSequence(seq []uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hopping = append([]uint16(nil), seq...)
}

// HoppingSequence returns a copy of the hopping sequence.
func (c *Context) HoppingSequence() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint16(nil), c.hopping...)
}

// Channel returns the channel of the current ASN for a channel offset.
// ok is false without a hopping sequence.
func (c *Context) Channel(offset uint16) (channel uint16, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.hopping) == 0 {
		return 0, false
	}
	idx := (uint64(c.asn) + uint64(offset)) % uint64(len(c.hopping))
	return c.hopping[idx], true
}

// SwapChannel records channel as the current one and returns the
// previous one.
func (c *Context) SwapChannel(channel uint16) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.channel
	c.channel = channel
	return prev
}

// Role returns the device role.
func (c *Context) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// SetRole sets the device role.
func (c *Context) SetRole(r Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = r
}

// SetPANID sets the PAN identifier.
func (c *Context) SetPANID(pan uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.panID = pan
}

// SetShortAddr sets the short address. 0xffff means not associated and
// 0xfffe associated without a short address.
func (c *Context) SetShortAddr(addr uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shortAddr = addr
}

// SetExtAddr sets the extended address.
func (c *Context) SetExtAddr(addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extAddr = addr
}

// Associated reports whether the device has joined a PAN.
func (c *Context) Associated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shortAddr != frame.BroadcastShort
}

// Identity returns the addressing attributes used to build frames.
func (c *Context) Identity() frame.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return frame.Identity{
		PANID:      c.panID,
		ShortAddr:  c.shortAddr,
		ExtAddr:    c.extAddr,
		ASN:        uint64(c.asn),
		JoinMetric: c.joinMetric,
	}
}

// Template returns the timeslot template.
func (c *Context) Template() TimeslotTemplate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.template
}

// SetTemplate replaces the timeslot template. The template is immutable
// while TSCH mode is on.
func (c *Context) SetTemplate(t TimeslotTemplate) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live {
		return ErrModeOn
	}
	c.template = t
	return nil
}

// CCA reports whether clear channel assessment precedes transmissions.
func (c *Context) CCA() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cca
}

// SetCCA enables or disables CCA. It is immutable while TSCH mode is on.
func (c *Context) SetCCA(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live {
		return ErrModeOn
	}
	c.cca = on
	return nil
}

func (c *Context) setLive(on bool) {
	c.mu.Lock()
	c.live = on
	c.mu.Unlock()
}

// Status is a point in time view of the context.
type Status struct {
	ASN             uint64           `json:"asn"`
	Role            string           `json:"role"`
	PANID           uint16           `json:"pan_id"`
	ShortAddr       uint16           `json:"short_addr"`
	ExtAddr         uint64           `json:"ext_addr"`
	Associated      bool             `json:"associated"`
	Channel         uint16           `json:"channel"`
	HoppingSequence []uint16         `json:"hopping_sequence"`
	JoinMetric      uint8            `json:"join_metric"`
	DisconnectTime  uint8            `json:"disconnect_time"`
	CCA             bool             `json:"cca"`
	Template        TimeslotTemplate `json:"template"`
	Slotframes      int              `json:"slotframes"`
	Links           int              `json:"links"`
}

// Status returns a snapshot of the context.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	sfs, links := c.repo.Len()
	return Status{
		ASN:             uint64(c.asn),
		Role:            c.role.String(),
		PANID:           c.panID,
		ShortAddr:       c.shortAddr,
		ExtAddr:         c.extAddr,
		Associated:      c.shortAddr != frame.BroadcastShort,
		Channel:         c.channel,
		HoppingSequence: append([]uint16(nil), c.hopping...),
		JoinMetric:      c.joinMetric,
		DisconnectTime:  c.disconnectTime,
		CCA:             c.cca,
		Template:        c.template,
		Slotframes:      sfs,
		Links:           links,
	}
}

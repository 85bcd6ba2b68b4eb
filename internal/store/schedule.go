/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/tsch/internal/frame"
	"github.com/friendsincode/tsch/internal/schedule"
)

// Setting keys.
const (
	SettingHopping   = "hopping_sequence"
	SettingRole      = "role"
	SettingPANID     = "pan_id"
	SettingShortAddr = "short_addr"
)

// SlotframeRecord is a persisted slotframe.
type SlotframeRecord struct {
	Interface string `gorm:"primaryKey;size:32"`
	Handle    uint8  `gorm:"primaryKey;autoIncrement:false"`
	Size      uint16 `gorm:"not null"`
	Advertise bool
	UpdatedAt time.Time
}

// TableName implements gorm's tabler.
func (SlotframeRecord) TableName() string { return "tsch_slotframes" }

// LinkRecord is a persisted link.
type LinkRecord struct {
	Interface       string `gorm:"primaryKey;size:32"`
	Handle          uint16 `gorm:"primaryKey;autoIncrement:false"`
	SlotframeHandle uint8  `gorm:"index"`
	Timeslot        uint16
	ChannelOffset   uint16
	NodeAddr        string `gorm:"size:32"`
	TX              bool
	RX              bool
	Shared          bool
	Timekeeping     bool
	Priority        bool
	Advertising     bool
	Advertise       bool
	UpdatedAt       time.Time
}

// TableName implements gorm's tabler.
func (LinkRecord) TableName() string { return "tsch_links" }

// SettingRecord is a persisted interface attribute.
type SettingRecord struct {
	Interface string `gorm:"primaryKey;size:32"`
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"size:512"`
	UpdatedAt time.Time
}

// TableName implements gorm's tabler.
func (SettingRecord) TableName() string { return "tsch_settings" }

func linkRecord(iface string, l schedule.Link) LinkRecord {
	return LinkRecord{
		Interface:       iface,
		Handle:          l.Handle,
		SlotframeHandle: l.SlotframeHandle,
		Timeslot:        l.Timeslot,
		ChannelOffset:   l.ChannelOffset,
		NodeAddr:        l.NodeAddr.String(),
		TX:              l.TX,
		RX:              l.RX,
		Shared:          l.Shared,
		Timekeeping:     l.Timekeeping,
		Priority:        l.Priority,
		Advertising:     l.Advertising,
		Advertise:       l.Advertise,
	}
}

func (r LinkRecord) link() (schedule.Link, error) {
	addr, err := frame.ParseAddr(r.NodeAddr)
	if err != nil {
		return schedule.Link{}, fmt.Errorf("link %d: %w", r.Handle, err)
	}
	return schedule.Link{
		Handle:          r.Handle,
		SlotframeHandle: r.SlotframeHandle,
		Timeslot:        r.Timeslot,
		ChannelOffset:   r.ChannelOffset,
		NodeAddr:        addr,
		TX:              r.TX,
		RX:              r.RX,
		Shared:          r.Shared,
		Timekeeping:     r.Timekeeping,
		Priority:        r.Priority,
		Advertising:     r.Advertising,
		Advertise:       r.Advertise,
	}, nil
}

// Snapshot is everything persisted for one interface.
type Snapshot struct {
	Slotframes []schedule.Slotframe
	Links      []schedule.Link
	Settings   map[string]string
}

// Hopping decodes the persisted hopping sequence.
func (s *Snapshot) Hopping() ([]uint16, error) {
	return ParseChannels(s.Settings[SettingHopping])
}

// Uint16 decodes a numeric setting.
func (s *Snapshot) Uint16(key string) (uint16, bool) {
	v, ok := s.Settings[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 0, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// FormatChannels encodes a hopping sequence as a comma separated list.
func FormatChannels(seq []uint16) string {
	parts := make([]string, len(seq))
	for i, ch := range seq {
		parts[i] = strconv.FormatUint(uint64(ch), 10)
	}
	return strings.Join(parts, ",")
}

// ParseChannels decodes FormatChannels output.
func ParseChannels(s string) ([]uint16, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	seq := make([]uint16, len(parts))
	for i, p := range parts {
		ch, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", p, err)
		}
		seq[i] = uint16(ch)
	}
	return seq, nil
}

// Store persists the schedule of one interface.
type Store struct {
	db     *gorm.DB
	iface  string
	logger zerolog.Logger
}

// New creates a store for iface.
func New(db *gorm.DB, iface string, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		iface:  iface,
		logger: logger.With().Str("component", "store").Str("iface", iface).Logger(),
	}
}

func (s *Store) upsert(ctx context.Context, v any) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(v).Error
}

// SaveSlotframe inserts or replaces a slotframe. Links beyond a shrunk
// slotframe are removed with it, like the in-memory repository does.
func (s *Store) SaveSlotframe(ctx context.Context, sf schedule.Slotframe) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := SlotframeRecord{Interface: s.iface, Handle: sf.Handle, Size: sf.Size, Advertise: sf.Advertise}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return fmt.Errorf("save slotframe %d: %w", sf.Handle, err)
		}
		return tx.Where("interface = ? AND slotframe_handle = ? AND timeslot >= ?", s.iface, sf.Handle, sf.Size).
			Delete(&LinkRecord{}).Error
	})
}

// DeleteSlotframe removes a slotframe and its links.
func (s *Store) DeleteSlotframe(ctx context.Context, handle uint8) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("interface = ? AND slotframe_handle = ?", s.iface, handle).Delete(&LinkRecord{}).Error; err != nil {
			return fmt.Errorf("delete links of slotframe %d: %w", handle, err)
		}
		return tx.Where("interface = ? AND handle = ?", s.iface, handle).Delete(&SlotframeRecord{}).Error
	})
}

// SaveLink inserts or replaces a link.
func (s *Store) SaveLink(ctx context.Context, l schedule.Link) error {
	rec := linkRecord(s.iface, l)
	if err := s.upsert(ctx, &rec); err != nil {
		return fmt.Errorf("save link %d: %w", l.Handle, err)
	}
	return nil
}

// DeleteLink removes a link.
func (s *Store) DeleteLink(ctx context.Context, handle uint16) error {
	return s.db.WithContext(ctx).Where("interface = ? AND handle = ?", s.iface, handle).Delete(&LinkRecord{}).Error
}

// SaveSetting stores an interface attribute.
func (s *Store) SaveSetting(ctx context.Context, key, value string) error {
	rec := SettingRecord{Interface: s.iface, Key: key, Value: value}
	if err := s.upsert(ctx, &rec); err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

// ReplaceSchedule swaps the whole persisted schedule in one transaction.
func (s *Store) ReplaceSchedule(ctx context.Context, sfs []schedule.Slotframe, links []schedule.Link, hopping []uint16) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("interface = ?", s.iface).Delete(&LinkRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("interface = ?", s.iface).Delete(&SlotframeRecord{}).Error; err != nil {
			return err
		}
		for _, sf := range sfs {
			rec := SlotframeRecord{Interface: s.iface, Handle: sf.Handle, Size: sf.Size, Advertise: sf.Advertise}
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("slotframe %d: %w", sf.Handle, err)
			}
		}
		for _, l := range links {
			rec := linkRecord(s.iface, l)
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("link %d: %w", l.Handle, err)
			}
		}
		if hopping != nil {
			rec := SettingRecord{Interface: s.iface, Key: SettingHopping, Value: FormatChannels(hopping)}
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace schedule: %w", err)
	}
	s.logger.Info().Int("slotframes", len(sfs)).Int("links", len(links)).Msg("schedule replaced")
	return nil
}

// Load reads the persisted state of the interface.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	db := s.db.WithContext(ctx)

	var sfRecs []SlotframeRecord
	if err := db.Where("interface = ?", s.iface).Order("handle").Find(&sfRecs).Error; err != nil {
		return nil, fmt.Errorf("load slotframes: %w", err)
	}
	var linkRecs []LinkRecord
	if err := db.Where("interface = ?", s.iface).Order("handle").Find(&linkRecs).Error; err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}
	var settings []SettingRecord
	if err := db.Where("interface = ?", s.iface).Find(&settings).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	snap := &Snapshot{Settings: make(map[string]string, len(settings))}
	for _, r := range sfRecs {
		snap.Slotframes = append(snap.Slotframes, schedule.Slotframe{Handle: r.Handle, Size: r.Size, Advertise: r.Advertise})
	}
	for _, r := range linkRecs {
		l, err := r.link()
		if err != nil {
			return nil, err
		}
		snap.Links = append(snap.Links, l)
	}
	for _, r := range settings {
		snap.Settings[r.Key] = r.Value
	}
	return snap, nil
}

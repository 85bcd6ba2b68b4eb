/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/friendsincode/tsch/internal/schedule"
	"github.com/friendsincode/tsch/internal/tsch"
)

// ErrDuplicateHandle is returned when a schedule file reuses a handle.
var ErrDuplicateHandle = errors.New("duplicate handle")

// Channels is a hopping sequence. In YAML it is either a list of channels
// or a string holding a built-in sequence name or a comma separated list.
type Channels []uint16

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Channels) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		seq, err := tsch.ParseHoppingSequence(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*c = seq
		return nil
	case yaml.SequenceNode:
		var seq []uint16
		if err := value.Decode(&seq); err != nil {
			return err
		}
		*c = seq
		return nil
	default:
		return fmt.Errorf("line %d: hopping sequence must be a name or a list", value.Line)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (c Channels) MarshalYAML() (any, error) {
	return []uint16(c), nil
}

// LinkSpec is a link nested under its slotframe.
type LinkSpec struct {
	schedule.Link `yaml:",inline"`
}

// SlotframeSpec is a slotframe with its links.
type SlotframeSpec struct {
	schedule.Slotframe `yaml:",inline"`
	Links              []LinkSpec `yaml:"links,omitempty"`
}

// ScheduleFile is the on-disk description of a TSCH schedule.
type ScheduleFile struct {
	Role            string          `yaml:"role,omitempty"`
	HoppingSequence Channels        `yaml:"hopping_sequence,omitempty"`
	Slotframes      []SlotframeSpec `yaml:"slotframes"`
}

// LoadSchedule reads and validates a schedule file.
func LoadSchedule(path string) (*ScheduleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	s, err := ParseSchedule(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseSchedule decodes and validates a YAML schedule. Unknown keys are
// rejected.
func ParseSchedule(data []byte) (*ScheduleFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s ScheduleFile
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	for i := range s.Slotframes {
		sf := &s.Slotframes[i]
		for j := range sf.Links {
			sf.Links[j].SlotframeHandle = sf.Handle
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate loads the schedule into a scratch repository, which enforces
// the same rules as the running engine.
func (s *ScheduleFile) Validate() error {
	if s.Role != "" {
		if _, err := tsch.ParseRole(s.Role); err != nil {
			return err
		}
	}

	repo := schedule.NewRepository()
	links := make(map[uint16]bool)
	for _, sf := range s.Slotframes {
		if _, ok := repo.Slotframe(sf.Handle); ok {
			return fmt.Errorf("slotframe %d: %w", sf.Handle, ErrDuplicateHandle)
		}
		if _, err := repo.SetSlotframe(sf.Slotframe); err != nil {
			return err
		}
		for _, l := range sf.Links {
			if links[l.Handle] {
				return fmt.Errorf("link %d: %w", l.Handle, ErrDuplicateHandle)
			}
			links[l.Handle] = true
			if _, err := repo.SetLink(l.Link); err != nil {
				return err
			}
		}
	}
	return nil
}

// Entries flattens the file into slotframes and links.
func (s *ScheduleFile) Entries() ([]schedule.Slotframe, []schedule.Link) {
	sfs := make([]schedule.Slotframe, 0, len(s.Slotframes))
	var links []schedule.Link
	for _, sf := range s.Slotframes {
		sfs = append(sfs, sf.Slotframe)
		for _, l := range sf.Links {
			links = append(links, l.Link)
		}
	}
	return sfs, links
}

// NewScheduleFile groups links under their slotframes.
func NewScheduleFile(sfs []schedule.Slotframe, links []schedule.Link, hopping []uint16) *ScheduleFile {
	s := &ScheduleFile{HoppingSequence: Channels(hopping)}
	index := make(map[uint8]int, len(sfs))
	for _, sf := range sfs {
		index[sf.Handle] = len(s.Slotframes)
		s.Slotframes = append(s.Slotframes, SlotframeSpec{Slotframe: sf})
	}
	for _, l := range links {
		if i, ok := index[l.SlotframeHandle]; ok {
			s.Slotframes[i].Links = append(s.Slotframes[i].Links, LinkSpec{Link: l})
		}
	}
	return s
}

// Marshal encodes the schedule as YAML.
func (s *ScheduleFile) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

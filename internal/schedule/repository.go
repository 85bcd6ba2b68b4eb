/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"fmt"
	"sort"
)

// ref addresses an arena slot. A ref whose generation no longer matches
// the slot is stale.
type ref struct {
	index uint32
	gen   uint32
}

type slotframeEntry struct {
	gen   uint32
	used  bool
	sf    Slotframe
	links []ref // ordered by (timeslot, handle)
}

type linkEntry struct {
	gen  uint32
	used bool
	link Link
}

// Repository stores slotframes and links in arenas indexed by handle.
// It is not safe for concurrent use; the TSCH context serializes access.
type Repository struct {
	slotframes []slotframeEntry
	links      []linkEntry
	freeSF     []uint32
	freeLinks  []uint32

	sfByHandle   map[uint8]ref
	linkByHandle map[uint16]ref
	order        []ref // slotframes ordered by handle
}

// NewRepository returns an empty repository.
func NewRepository() *Repository {
	return &Repository{
		sfByHandle:   make(map[uint8]ref),
		linkByHandle: make(map[uint16]ref),
	}
}

func (r *Repository) sf(x ref) *slotframeEntry {
	if int(x.index) >= len(r.slotframes) {
		return nil
	}
	e := &r.slotframes[x.index]
	if !e.used || e.gen != x.gen {
		return nil
	}
	return e
}

func (r *Repository) link(x ref) *linkEntry {
	if int(x.index) >= len(r.links) {
		return nil
	}
	e := &r.links[x.index]
	if !e.used || e.gen != x.gen {
		return nil
	}
	return e
}

func (r *Repository) allocSF(sf Slotframe) ref {
	if n := len(r.freeSF); n > 0 {
		idx := r.freeSF[n-1]
		r.freeSF = r.freeSF[:n-1]
		e := &r.slotframes[idx]
		e.gen++
		e.used = true
		e.sf = sf
		e.links = nil
		return ref{index: idx, gen: e.gen}
	}
	r.slotframes = append(r.slotframes, slotframeEntry{used: true, sf: sf})
	return ref{index: uint32(len(r.slotframes) - 1)}
}

func (r *Repository) allocLink(l Link) ref {
	if n := len(r.freeLinks); n > 0 {
		idx := r.freeLinks[n-1]
		r.freeLinks = r.freeLinks[:n-1]
		e := &r.links[idx]
		e.gen++
		e.used = true
		e.link = l
		return ref{index: idx, gen: e.gen}
	}
	r.links = append(r.links, linkEntry{used: true, link: l})
	return ref{index: uint32(len(r.links) - 1)}
}

func (r *Repository) freeLink(x ref) {
	e := r.link(x)
	if e == nil {
		return
	}
	e.used = false
	e.link = Link{}
	r.freeLinks = append(r.freeLinks, x.index)
}

// SetSlotframe inserts sf or replaces the slotframe with the same handle,
// returning the replaced one. A replaced slotframe keeps the links that
// still fit into the new size; the others are removed.
func (r *Repository) SetSlotframe(sf Slotframe) (*Slotframe, error) {
	if err := sf.Validate(); err != nil {
		return nil, err
	}

	if x, ok := r.sfByHandle[sf.Handle]; ok {
		e := r.sf(x)
		prev := e.sf
		e.sf = sf
		kept := e.links[:0]
		for _, lx := range e.links {
			le := r.link(lx)
			if le.link.Timeslot < sf.Size {
				kept = append(kept, lx)
				continue
			}
			delete(r.linkByHandle, le.link.Handle)
			r.freeLink(lx)
		}
		e.links = kept
		return &prev, nil
	}

	x := r.allocSF(sf)
	r.sfByHandle[sf.Handle] = x
	i := sort.Search(len(r.order), func(i int) bool {
		return r.sf(r.order[i]).sf.Handle > sf.Handle
	})
	r.order = append(r.order, ref{})
	copy(r.order[i+1:], r.order[i:])
	r.order[i] = x
	return nil, nil
}

// DeleteSlotframe removes the slotframe and all of its links.
func (r *Repository) DeleteSlotframe(handle uint8) *Slotframe {
	x, ok := r.sfByHandle[handle]
	if !ok {
		return nil
	}
	e := r.sf(x)
	removed := e.sf

	for _, lx := range e.links {
		if le := r.link(lx); le != nil {
			delete(r.linkByHandle, le.link.Handle)
		}
		r.freeLink(lx)
	}

	for i, o := range r.order {
		if o == x {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	delete(r.sfByHandle, handle)
	e.used = false
	e.links = nil
	r.freeSF = append(r.freeSF, x.index)
	return &removed
}

// SetLink inserts l or replaces the link with the same handle, returning
// the replaced one. A replaced link may move to another slotframe.
func (r *Repository) SetLink(l Link) (*Link, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	sx, ok := r.sfByHandle[l.SlotframeHandle]
	if !ok {
		return nil, fmt.Errorf("link %d references slotframe %d: %w", l.Handle, l.SlotframeHandle, ErrUnknownSlotframe)
	}
	se := r.sf(sx)
	if l.Timeslot >= se.sf.Size {
		return nil, fmt.Errorf("link %d timeslot %d in slotframe of size %d: %w",
			l.Handle, l.Timeslot, se.sf.Size, ErrTimeslotOutOfRange)
	}

	prev := r.DeleteLink(l.Handle)

	lx := r.allocLink(l)
	r.linkByHandle[l.Handle] = lx
	nl := &r.links[lx.index].link
	i := sort.Search(len(se.links), func(i int) bool {
		return linkLess(nl, &r.link(se.links[i]).link)
	})
	se.links = append(se.links, ref{})
	copy(se.links[i+1:], se.links[i:])
	se.links[i] = lx
	return prev, nil
}

// DeleteLink removes the link with the given handle.
func (r *Repository) DeleteLink(handle uint16) *Link {
	lx, ok := r.linkByHandle[handle]
	if !ok {
		return nil
	}
	le := r.link(lx)
	removed := le.link

	if se := r.sf(r.sfByHandle[removed.SlotframeHandle]); se != nil {
		for i, x := range se.links {
			if x == lx {
				se.links = append(se.links[:i], se.links[i+1:]...)
				break
			}
		}
	}
	delete(r.linkByHandle, handle)
	r.freeLink(lx)
	return &removed
}

// Slotframe returns a copy of the slotframe with the given handle.
func (r *Repository) Slotframe(handle uint8) (Slotframe, bool) {
	x, ok := r.sfByHandle[handle]
	if !ok {
		return Slotframe{}, false
	}
	return r.sf(x).sf, true
}

// Link returns a copy of the link with the given handle.
func (r *Repository) Link(handle uint16) (Link, bool) {
	x, ok := r.linkByHandle[handle]
	if !ok {
		return Link{}, false
	}
	return r.link(x).link, true
}

// Slotframes returns the slotframes ordered by handle.
func (r *Repository) Slotframes() []Slotframe {
	out := make([]Slotframe, 0, len(r.order))
	for _, x := range r.order {
		out = append(out, r.sf(x).sf)
	}
	return out
}

// Links returns the links of a slotframe ordered by (timeslot, handle).
func (r *Repository) Links(slotframe uint8) []Link {
	x, ok := r.sfByHandle[slotframe]
	if !ok {
		return nil
	}
	e := r.sf(x)
	out := make([]Link, 0, len(e.links))
	for _, lx := range e.links {
		out = append(out, r.link(lx).link)
	}
	return out
}

// AllLinks returns every link ordered by slotframe, then timeslot and
// handle.
func (r *Repository) AllLinks() []Link {
	var out []Link
	for _, x := range r.order {
		for _, lx := range r.sf(x).links {
			out = append(out, r.link(lx).link)
		}
	}
	return out
}

// Len returns the number of slotframes and links.
func (r *Repository) Len() (slotframes, links int) {
	return len(r.order), len(r.linkByHandle)
}

// each visits slotframes in handle order and their links in
// (timeslot, handle) order without copying.
func (r *Repository) each(fn func(sf *Slotframe, links func(func(*Link)))) {
	for _, x := range r.order {
		e := r.sf(x)
		fn(&e.sf, func(visit func(*Link)) {
			for _, lx := range e.links {
				visit(&r.link(lx).link)
			}
		})
	}
}

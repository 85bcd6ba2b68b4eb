/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/tsch/internal/events"
	"github.com/friendsincode/tsch/internal/frame"
	"github.com/friendsincode/tsch/internal/schedule"
	"github.com/friendsincode/tsch/internal/store"
	"github.com/friendsincode/tsch/internal/tsch"
)

type slotframeRequest struct {
	Size      uint16 `json:"size"`
	Advertise bool   `json:"advertise"`
}

type linkRequest struct {
	Slotframe     uint8      `json:"slotframe_handle"`
	Timeslot      uint16     `json:"timeslot"`
	ChannelOffset uint16     `json:"channel_offset"`
	NodeAddr      frame.Addr `json:"node_addr"`
	TX            bool       `json:"tx"`
	RX            bool       `json:"rx"`
	Shared        bool       `json:"shared"`
	Timekeeping   bool       `json:"timekeeping"`
	Priority      bool       `json:"priority"`
	Advertising   bool       `json:"advertising"`
	Advertise     bool       `json:"advertise"`
}

type hoppingRequest struct {
	// Name is a built-in sequence name or a comma separated channel list.
	Name     string   `json:"name,omitempty"`
	Channels []uint16 `json:"channels,omitempty"`
}

func parseHandle(r *http.Request, bits int) (uint64, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, "handle"), 0, bits)
	return v, err == nil
}

func (a *API) handleSlotframesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"slotframes": a.engine.Context().Slotframes()})
}

func (a *API) handleSlotframeLinks(w http.ResponseWriter, r *http.Request) {
	h, ok := parseHandle(r, 8)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_handle")
		return
	}
	links := a.engine.Context().Links(uint8(h))
	if links == nil {
		links = []schedule.Link{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": links})
}

func (a *API) handleSlotframeSet(w http.ResponseWriter, r *http.Request) {
	h, ok := parseHandle(r, 8)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_handle")
		return
	}
	var req slotframeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if !a.allowChange(w, r) {
		return
	}

	sf := schedule.Slotframe{Handle: uint8(h), Size: req.Size, Advertise: req.Advertise}
	old, err := a.engine.Context().SetSlotframe(sf)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if a.store != nil && !a.persist(w, "slotframe", a.store.SaveSlotframe(r.Context(), sf)) {
		return
	}

	a.scheduleChanged(r.Context(), "set_slotframe", events.Payload{"slotframe": sf.Handle, "size": sf.Size})
	status := http.StatusCreated
	if old != nil {
		status = http.StatusOK
	}
	writeJSON(w, status, sf)
}

func (a *API) handleSlotframeDelete(w http.ResponseWriter, r *http.Request) {
	h, ok := parseHandle(r, 8)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_handle")
		return
	}
	if !a.allowChange(w, r) {
		return
	}
	if a.engine.Context().DeleteSlotframe(uint8(h)) == nil {
		writeError(w, http.StatusNotFound, "slotframe_not_found")
		return
	}
	if a.store != nil && !a.persist(w, "slotframe", a.store.DeleteSlotframe(r.Context(), uint8(h))) {
		return
	}
	a.scheduleChanged(r.Context(), "delete_slotframe", events.Payload{"slotframe": uint8(h)})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLinksList(w http.ResponseWriter, r *http.Request) {
	links := a.engine.Context().AllLinks()
	if links == nil {
		links = []schedule.Link{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": links})
}

func (a *API) handleLinkSet(w http.ResponseWriter, r *http.Request) {
	h, ok := parseHandle(r, 16)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_handle")
		return
	}
	var req linkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.NodeAddr.IsZero() {
		req.NodeAddr = frame.Broadcast
	}
	if !a.allowChange(w, r) {
		return
	}

	l := schedule.Link{
		Handle:          uint16(h),
		SlotframeHandle: req.Slotframe,
		Timeslot:        req.Timeslot,
		ChannelOffset:   req.ChannelOffset,
		NodeAddr:        req.NodeAddr,
		TX:              req.TX,
		RX:              req.RX,
		Shared:          req.Shared,
		Timekeeping:     req.Timekeeping,
		Priority:        req.Priority,
		Advertising:     req.Advertising,
		Advertise:       req.Advertise,
	}
	old, err := a.engine.Context().SetLink(l)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if a.store != nil && !a.persist(w, "link", a.store.SaveLink(r.Context(), l)) {
		return
	}

	a.scheduleChanged(r.Context(), "set_link", events.Payload{"link": l.Handle, "slotframe": l.SlotframeHandle})
	status := http.StatusCreated
	if old != nil {
		status = http.StatusOK
	}
	writeJSON(w, status, l)
}

func (a *API) handleLinkDelete(w http.ResponseWriter, r *http.Request) {
	h, ok := parseHandle(r, 16)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_handle")
		return
	}
	if !a.allowChange(w, r) {
		return
	}
	if a.engine.Context().DeleteLink(uint16(h)) == nil {
		writeError(w, http.StatusNotFound, "link_not_found")
		return
	}
	if a.store != nil && !a.persist(w, "link", a.store.DeleteLink(r.Context(), uint16(h))) {
		return
	}
	a.scheduleChanged(r.Context(), "delete_link", events.Payload{"link": uint16(h)})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleHoppingGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"channels":  a.engine.Context().HoppingSequence(),
		"available": tsch.HoppingSequenceNames(),
	})
}

func (a *API) handleHoppingSet(w http.ResponseWriter, r *http.Request) {
	var req hoppingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	seq := req.Channels
	if req.Name != "" {
		parsed, err := tsch.ParseHoppingSequence(req.Name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		seq = parsed
	}
	if len(seq) == 0 {
		writeError(w, http.StatusBadRequest, "empty_hopping_sequence")
		return
	}
	if err := tsch.VerifyHoppingSequence(a.driver, seq); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !a.allowChange(w, r) {
		return
	}

	a.engine.Context().SetHoppingSequence(seq)
	if a.store != nil && !a.persist(w, "hopping", a.store.SaveSetting(r.Context(), store.SettingHopping, store.FormatChannels(seq))) {
		return
	}
	a.publish(events.EventHoppingChanged, events.Payload{"iface": a.iface, "length": len(seq)})
	a.scheduleChanged(r.Context(), "set_hopping", nil)
	writeJSON(w, http.StatusOK, map[string]any{"channels": seq})
}

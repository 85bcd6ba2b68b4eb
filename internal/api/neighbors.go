/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/tsch/internal/frame"
	"github.com/friendsincode/tsch/internal/neighbor"
)

// Neighbors is the neighbor table frames are queued on.
type Neighbors interface {
	Snapshot() []neighbor.Info
	Queue(f *frame.Frame) error
	Depth(addr frame.Addr) int
}

// FrameBuilder creates outgoing data frames.
type FrameBuilder interface {
	CreateData(dst frame.Addr, payload []byte) (*frame.Frame, error)
}

// SetNeighbors enables the neighbor routes.
func (a *API) SetNeighbors(n Neighbors, frames FrameBuilder) {
	a.neighbors = n
	a.frames = frames
}

type queueFrameRequest struct {
	Payload []byte `json:"payload"`
}

func (a *API) handleNeighborsList(w http.ResponseWriter, r *http.Request) {
	if a.neighbors == nil {
		writeError(w, http.StatusServiceUnavailable, "neighbors_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, a.neighbors.Snapshot())
}

// handleQueueFrame queues a data frame for the next TX link towards the
// neighbor.
func (a *API) handleQueueFrame(w http.ResponseWriter, r *http.Request) {
	if a.neighbors == nil || a.frames == nil {
		writeError(w, http.StatusServiceUnavailable, "neighbors_unavailable")
		return
	}
	addr, err := frame.ParseAddr(chi.URLParam(r, "addr"))
	if err != nil || addr.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_addr")
		return
	}
	var req queueFrameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	f, err := a.frames.CreateData(addr, req.Payload)
	if err != nil {
		a.logger.Debug().Err(err).Str("neighbor", addr.String()).Msg("frame rejected")
		writeError(w, http.StatusBadRequest, "invalid_frame")
		return
	}
	if err := a.neighbors.Queue(f); err != nil {
		if errors.Is(err, neighbor.ErrUnknownNeighbor) {
			writeError(w, http.StatusNotFound, "unknown_neighbor")
			return
		}
		a.logger.Error().Err(err).Str("neighbor", addr.String()).Msg("queue frame failed")
		writeError(w, http.StatusInternalServerError, "queue_failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"neighbor":    addr,
		"seq":         f.Seq,
		"queue_depth": a.neighbors.Depth(addr),
	})
}

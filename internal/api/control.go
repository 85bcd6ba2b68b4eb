/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/friendsincode/tsch/internal/events"
	"github.com/friendsincode/tsch/internal/store"
	"github.com/friendsincode/tsch/internal/tsch"
)

// modeTimeout bounds the wait for a loop that is still finishing a slot.
const modeTimeout = 5 * time.Second

type roleRequest struct {
	Role string `json:"role"`
}

type modeRequest struct {
	On bool `json:"on"`
}

type associationRequest struct {
	PANID     *uint16 `json:"pan_id,omitempty"`
	ShortAddr *uint16 `json:"short_addr,omitempty"`
	ExtAddr   *uint64 `json:"ext_addr,omitempty"`
}

type ccaRequest struct {
	Enabled bool `json:"enabled"`
}

func (a *API) handleRoleGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"role": a.engine.Context().Role().String()})
}

func (a *API) handleRoleSet(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	role, err := tsch.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !a.allowChange(w, r) {
		return
	}

	a.engine.Context().SetRole(role)
	if a.store != nil && !a.persist(w, "role", a.store.SaveSetting(r.Context(), store.SettingRole, role.String())) {
		return
	}
	a.publish(events.EventAssociation, events.Payload{"iface": a.iface, "role": role.String()})
	writeJSON(w, http.StatusOK, map[string]string{"role": role.String()})
}

func (a *API) handleModeGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"on":   a.engine.Mode(),
		"loop": a.engine.State().String(),
	})
}

func (a *API) handleModeSet(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	var err error
	if req.On {
		ctx, cancel := context.WithTimeout(r.Context(), modeTimeout)
		err = a.engine.ModeOn(ctx)
		cancel()
	} else {
		err = a.engine.ModeOff()
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	a.logger.Info().Bool("on", req.On).Msg("tsch mode changed via api")
	writeJSON(w, http.StatusOK, map[string]any{"on": req.On})
}

func (a *API) handleAssociationSet(w http.ResponseWriter, r *http.Request) {
	var req associationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	tctx := a.engine.Context()
	settings := map[string]string{}
	if req.PANID != nil {
		tctx.SetPANID(*req.PANID)
		settings[store.SettingPANID] = fmt.Sprintf("0x%04x", *req.PANID)
	}
	if req.ShortAddr != nil {
		tctx.SetShortAddr(*req.ShortAddr)
		settings[store.SettingShortAddr] = fmt.Sprintf("0x%04x", *req.ShortAddr)
	}
	if req.ExtAddr != nil {
		tctx.SetExtAddr(*req.ExtAddr)
	}
	if a.store != nil {
		for k, v := range settings {
			if !a.persist(w, k, a.store.SaveSetting(r.Context(), k, v)) {
				return
			}
		}
	}

	st := tctx.Status()
	a.publish(events.EventAssociation, events.Payload{
		"iface":      a.iface,
		"pan_id":     st.PANID,
		"short_addr": st.ShortAddr,
		"associated": st.Associated,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"pan_id":     st.PANID,
		"short_addr": st.ShortAddr,
		"associated": st.Associated,
	})
}

func (a *API) handleCCASet(w http.ResponseWriter, r *http.Request) {
	var req ccaRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := a.engine.Context().SetCCA(req.Enabled); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

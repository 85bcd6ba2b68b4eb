/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the TSCH management plane over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/tsch/internal/cache"
	"github.com/friendsincode/tsch/internal/events"
	"github.com/friendsincode/tsch/internal/radio"
	"github.com/friendsincode/tsch/internal/schedule"
	"github.com/friendsincode/tsch/internal/tsch"
	"github.com/friendsincode/tsch/internal/version"
)

// Bus is the event bus the API publishes to and streams from.
type Bus interface {
	events.Publisher
	Subscribe(eventType events.EventType) events.Subscriber
	Unsubscribe(eventType events.EventType, sub events.Subscriber)
}

// ScheduleStore persists management changes.
type ScheduleStore interface {
	SaveSlotframe(ctx context.Context, sf schedule.Slotframe) error
	DeleteSlotframe(ctx context.Context, handle uint8) error
	SaveLink(ctx context.Context, l schedule.Link) error
	DeleteLink(ctx context.Context, handle uint16) error
	SaveSetting(ctx context.Context, key, value string) error
}

// API exposes HTTP handlers.
type API struct {
	engine *tsch.Engine
	driver radio.Driver
	iface  string
	bus    Bus
	store  ScheduleStore
	cache  *cache.Cache
	logger zerolog.Logger

	neighbors Neighbors
	frames    FrameBuilder
}

// New creates the API router wrapper.
func New(engine *tsch.Engine, driver radio.Driver, iface string, bus Bus, logger zerolog.Logger) *API {
	return &API{
		engine: engine,
		driver: driver,
		iface:  iface,
		bus:    bus,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// SetStore enables persistence of management changes.
func (a *API) SetStore(s ScheduleStore) {
	a.store = s
}

// SetCache enables publishing schedule snapshots to Redis.
func (a *API) SetCache(c *cache.Cache) {
	a.cache = c
}

// Routes registers API routes.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Get("/status", a.handleStatus)
		r.Get("/schedule", a.handleSchedule)

		r.Route("/slotframes", func(r chi.Router) {
			r.Get("/", a.handleSlotframesList)
			r.Route("/{handle}", func(r chi.Router) {
				r.Put("/", a.handleSlotframeSet)
				r.Delete("/", a.handleSlotframeDelete)
				r.Get("/links", a.handleSlotframeLinks)
			})
		})

		r.Route("/links", func(r chi.Router) {
			r.Get("/", a.handleLinksList)
			r.Put("/{handle}", a.handleLinkSet)
			r.Delete("/{handle}", a.handleLinkDelete)
		})

		r.Get("/neighbors", a.handleNeighborsList)
		r.Post("/neighbors/{addr}/frames", a.handleQueueFrame)

		r.Get("/hopping", a.handleHoppingGet)
		r.Put("/hopping", a.handleHoppingSet)
		r.Get("/role", a.handleRoleGet)
		r.Put("/role", a.handleRoleSet)
		r.Get("/mode", a.handleModeGet)
		r.Put("/mode", a.handleModeSet)
		r.Put("/association", a.handleAssociationSet)
		r.Put("/cca", a.handleCCASet)
	})

	r.Get("/ws/events", a.handleEvents)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"mode":    a.engine.Mode(),
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Status())
}

func (a *API) handleSchedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.snapshot())
}

func (a *API) snapshot() *cache.ScheduleSnapshot {
	tctx := a.engine.Context()
	return &cache.ScheduleSnapshot{
		Interface:       a.iface,
		Slotframes:      tctx.Slotframes(),
		Links:           tctx.AllLinks(),
		HoppingSequence: tctx.HoppingSequence(),
		UpdatedAt:       time.Now().UTC(),
	}
}

// scheduleChanged publishes the change and refreshes the cached snapshot.
func (a *API) scheduleChanged(ctx context.Context, op string, payload events.Payload) {
	if payload == nil {
		payload = events.Payload{}
	}
	payload["op"] = op
	payload["iface"] = a.iface
	a.publish(events.EventScheduleChanged, payload)

	if a.cache.IsAvailable() {
		if err := a.cache.SetSchedule(ctx, a.snapshot()); err != nil {
			a.logger.Debug().Err(err).Msg("schedule snapshot not cached")
		}
	}
}

func (a *API) publish(t events.EventType, p events.Payload) {
	if a.bus != nil {
		a.bus.Publish(t, p)
	}
}

// allowChange rejects topology changes while the loop runs, unless the
// caller passes allow_live=true.
func (a *API) allowChange(w http.ResponseWriter, r *http.Request) bool {
	if !a.engine.Mode() {
		return true
	}
	if live, _ := strconv.ParseBool(r.URL.Query().Get("allow_live")); live {
		return true
	}
	writeError(w, http.StatusConflict, "tsch_mode_on")
	return false
}

func (a *API) persist(w http.ResponseWriter, what string, err error) bool {
	if err == nil {
		return true
	}
	a.logger.Error().Err(err).Str("what", what).Msg("persist failed")
	writeError(w, http.StatusInternalServerError, "persist_failed")
	return false
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "events_unavailable")
		return
	}
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	// clients only listen; CloseRead cancels ctx when they go away
	ctx := conn.CloseRead(r.Context())

	eventTypes := parseEventTypes(r.URL.Query().Get("types"))
	if len(eventTypes) == 0 {
		eventTypes = events.All
	}

	merged := make(chan eventMessage, 32)
	subscribers := make([]events.Subscriber, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		sub := a.bus.Subscribe(eventType)
		subscribers = append(subscribers, sub)
		go forward(ctx, eventType, sub, merged)
	}
	defer func() {
		for i, eventType := range eventTypes {
			a.bus.Unsubscribe(eventType, subscribers[i])
		}
	}()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, eventMessage{Type: "ping", Timestamp: time.Now().UTC()}); err != nil {
				a.logger.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		case msg := <-merged:
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				a.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

type eventMessage struct {
	Type      string         `json:"type"`
	Payload   events.Payload `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func forward(ctx context.Context, t events.EventType, sub events.Subscriber, out chan<- eventMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-sub:
			if !ok {
				return
			}
			select {
			case out <- eventMessage{Type: string(t), Payload: p, Timestamp: time.Now().UTC()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func parseEventTypes(s string) []events.EventType {
	if s == "" {
		return nil
	}
	var out []events.EventType
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, events.EventType(part))
		}
	}
	return out
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// statusFor maps engine and schedule errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tsch.ErrAlready), errors.Is(err, tsch.ErrModeOn):
		return http.StatusConflict
	case errors.Is(err, tsch.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

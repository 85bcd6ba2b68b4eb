/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires the TSCH engine, its simulated radio and clock, and
// the management plane into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"github.com/friendsincode/tsch/internal/api"
	"github.com/friendsincode/tsch/internal/cache"
	"github.com/friendsincode/tsch/internal/config"
	"github.com/friendsincode/tsch/internal/eventbus"
	"github.com/friendsincode/tsch/internal/events"
	"github.com/friendsincode/tsch/internal/frame"
	"github.com/friendsincode/tsch/internal/neighbor"
	"github.com/friendsincode/tsch/internal/nettime"
	"github.com/friendsincode/tsch/internal/nettime/simclock"
	"github.com/friendsincode/tsch/internal/radio"
	"github.com/friendsincode/tsch/internal/radio/sim"
	"github.com/friendsincode/tsch/internal/schedule"
	"github.com/friendsincode/tsch/internal/store"
	"github.com/friendsincode/tsch/internal/telemetry"
	"github.com/friendsincode/tsch/internal/tsch"
	"github.com/friendsincode/tsch/internal/version"
)

// statusInterval is how often the engine status is pushed to the cache.
const statusInterval = 5 * time.Second

// Server bundles HTTP and supporting services.
type Server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error

	db      *gorm.DB
	store   *store.Store
	cache   *cache.Cache
	bus     eventbus.Bus
	hw      *simclock.Hardware
	ref     *nettime.Reference
	driver  *sim.Driver
	table   *neighbor.Table
	codec   *frame.RadioCodec
	engine  *tsch.Engine
	api     *api.API
	updates *version.Checker

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(30 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// event streams are long lived
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	srv.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           otelhttp.NewHandler(srv.router, "tschd.http"),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.MetricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		srv.metricsServer = &http.Server{
			Addr:              cfg.MetricsBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	bus, err := eventbus.New(s.eventBusConfig(), s.logger)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	s.bus = bus
	s.DeferClose(bus.Close)

	if s.cfg.DBDSN != "" {
		database, err := store.Connect(s.cfg.DBBackend, s.cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		s.DeferClose(func() error { return store.Close(database) })
		if err := store.Migrate(database); err != nil {
			return err
		}
		s.db = database
		s.store = store.New(database, s.cfg.Interface, s.logger)
	} else {
		s.logger.Warn().Msg("TSCH_DB_DSN not set, schedule changes are not persisted")
	}

	if s.cfg.CacheEnabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = s.cfg.RedisAddr
		cacheCfg.RedisPassword = s.cfg.RedisPassword
		cacheCfg.RedisDB = s.cfg.RedisDB
		cacheCfg.ScheduleTTL = s.cfg.CacheTTL
		c, err := cache.New(cacheCfg, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("cache initialization failed, continuing without cache")
		} else {
			s.cache = c
			s.DeferClose(c.Close)
		}
	}

	if err := s.initRadio(); err != nil {
		return err
	}
	if err := s.restoreSchedule(context.Background()); err != nil {
		return err
	}
	s.syncNeighbors()

	s.api = api.New(s.engine, s.driver, s.cfg.Interface, s.bus, s.logger)
	if s.store != nil {
		s.api.SetStore(s.store)
	}
	if s.cache != nil {
		s.api.SetCache(s.cache)
	}
	s.api.SetNeighbors(s.table, s.codec)
	s.updates = version.NewChecker(s.logger)
	return nil
}

func (s *Server) eventBusConfig() eventbus.Config {
	natsCfg := eventbus.DefaultNATSConfig()
	natsCfg.URL = s.cfg.NATSURL
	redisCfg := eventbus.DefaultRedisConfig()
	redisCfg.Addr = s.cfg.RedisAddr
	redisCfg.Password = s.cfg.RedisPassword
	redisCfg.DB = s.cfg.RedisDB
	return eventbus.Config{
		Backend: string(s.cfg.EventBackend),
		NodeID:  s.cfg.InstanceID,
		NATS:    natsCfg,
		Redis:   redisCfg,
	}
}

// initRadio builds the simulated clock and radio and the engine on top.
func (s *Server) initRadio() error {
	s.hw = simclock.NewRealtime(simclock.Config{})
	s.DeferClose(func() error { s.hw.Stop(); return nil })

	counter := nettime.NewCounter(s.hw, s.logger)
	if err := counter.Init(s.cfg.Interface); err != nil {
		return fmt.Errorf("init counter: %w", err)
	}
	syncCfg := nettime.DefaultSyntonizeConfig()
	syncCfg.MaxCorrection = nettime.Time(s.cfg.MaxCorrection.Nanoseconds()) * nettime.Nanosecond
	syncCfg.ClockAccuracyPPM = s.cfg.ClockAccuracyPPM
	s.ref = nettime.NewReference(counter, syncCfg, s.logger)

	opts := sim.DefaultOptions()
	if s.cfg.SubGHz() {
		opts.Band = sim.BandSubGHz
		opts.Page = radio.PageTwo
	}
	s.driver = sim.New(opts)

	tctx := tsch.NewContext(tsch.TemplateFor(s.driver))
	role, err := tsch.ParseRole(s.cfg.Role)
	if err != nil {
		return err
	}
	tctx.SetRole(role)
	tctx.SetPANID(s.cfg.PANID)
	tctx.SetShortAddr(s.cfg.ShortAddr)
	tctx.SetExtAddr(s.cfg.ExtAddr)

	hopping, err := s.defaultHopping()
	if err != nil {
		return err
	}
	tctx.SetHoppingSequence(hopping)

	s.table = neighbor.NewTable(0, s.logger)
	s.codec = frame.NewRadioCodec(s.driver, tctx.Identity, s.logger)
	s.engine = tsch.NewEngine(tctx, s.driver, s.codec, s.table, s.ref, s.bus, s.logger)
	s.engine.SetAssociationPoll(s.cfg.AssociationPoll)
	s.DeferClose(func() error { s.engine.Close(); return nil })

	if err := s.engine.Init(s.cfg.CCA); err != nil {
		return fmt.Errorf("init tsch: %w", err)
	}
	return nil
}

func (s *Server) defaultHopping() ([]uint16, error) {
	spec := s.cfg.HoppingSequence
	if spec == "" {
		spec = "2450-16-16"
		if s.cfg.SubGHz() {
			spec = "subghz-10-10"
		}
	}
	seq, err := tsch.ParseHoppingSequence(spec)
	if err != nil {
		return nil, err
	}
	if err := tsch.VerifyHoppingSequence(s.driver, seq); err != nil {
		return nil, err
	}
	return seq, nil
}

// restoreSchedule loads the schedule file when one is configured and
// writes it through to the store; otherwise it loads the stored schedule.
func (s *Server) restoreSchedule(ctx context.Context) error {
	tctx := s.engine.Context()

	if s.cfg.ScheduleFile != "" {
		file, err := config.LoadSchedule(s.cfg.ScheduleFile)
		if err != nil {
			return err
		}
		sfs, links := file.Entries()
		if err := applySchedule(tctx, sfs, links); err != nil {
			return err
		}
		if len(file.HoppingSequence) > 0 {
			if err := tsch.VerifyHoppingSequence(s.driver, file.HoppingSequence); err != nil {
				return err
			}
			tctx.SetHoppingSequence(file.HoppingSequence)
		}
		if file.Role != "" {
			role, _ := tsch.ParseRole(file.Role)
			tctx.SetRole(role)
		}
		if s.store != nil {
			if err := s.store.ReplaceSchedule(ctx, sfs, links, tctx.HoppingSequence()); err != nil {
				return err
			}
		}
		s.logger.Info().Str("path", s.cfg.ScheduleFile).Int("slotframes", len(sfs)).Int("links", len(links)).Msg("schedule file loaded")
		return nil
	}

	if s.store == nil {
		return nil
	}
	snap, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	if err := applySchedule(tctx, snap.Slotframes, snap.Links); err != nil {
		return err
	}
	if hop, err := snap.Hopping(); err != nil {
		s.logger.Warn().Err(err).Msg("ignoring stored hopping sequence")
	} else if len(hop) > 0 {
		tctx.SetHoppingSequence(hop)
	}
	if v, ok := snap.Settings[store.SettingRole]; ok {
		if role, err := tsch.ParseRole(v); err == nil {
			tctx.SetRole(role)
		}
	}
	if pan, ok := snap.Uint16(store.SettingPANID); ok {
		tctx.SetPANID(pan)
	}
	if addr, ok := snap.Uint16(store.SettingShortAddr); ok {
		tctx.SetShortAddr(addr)
	}
	s.logger.Info().Int("slotframes", len(snap.Slotframes)).Int("links", len(snap.Links)).Msg("stored schedule restored")
	return nil
}

func applySchedule(tctx *tsch.Context, sfs []schedule.Slotframe, links []schedule.Link) error {
	for _, sf := range sfs {
		if _, err := tctx.SetSlotframe(sf); err != nil {
			return err
		}
	}
	for _, l := range links {
		if _, err := tctx.SetLink(l); err != nil {
			return err
		}
	}
	return nil
}

// syncNeighbors makes every link peer a neighbor and refreshes the TX
// link counts. Peers first seen on a timekeeping link are time sources.
func (s *Server) syncNeighbors() {
	tctx := s.engine.Context()
	for _, l := range tctx.AllLinks() {
		if l.NodeAddr.IsZero() {
			continue
		}
		if _, err := s.table.Add(l.NodeAddr, neighbor.Options{TimeSource: l.Timekeeping}); err != nil {
			s.logger.Warn().Err(err).Str("addr", l.NodeAddr.String()).Msg("neighbor not added")
		}
	}
	s.table.SetLinkCounts(tctx.LinkCounts())
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer returns the metrics listener, nil when metrics share the
// API listener.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsServer
}

// Engine returns the TSCH engine.
func (s *Server) Engine() *tsch.Engine {
	return s.engine
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	sub := s.bus.Subscribe(events.EventScheduleChanged)
	s.bgWG.Add(2)
	go func() {
		defer s.bgWG.Done()
		defer s.bus.Unsubscribe(events.EventScheduleChanged, sub)
		s.runNeighborSync(ctx, sub)
	}()
	go func() {
		defer s.bgWG.Done()
		s.runStatusPublisher(ctx)
	}()

	s.updates.Start(ctx)

	if s.cfg.AutoStart {
		if err := s.engine.ModeOn(ctx); err != nil {
			s.logger.Error().Err(err).Msg("tsch autostart failed")
		}
	}
}

// runNeighborSync keeps the neighbor table in step with schedule changes.
func (s *Server) runNeighborSync(ctx context.Context, sub events.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub:
			if !ok {
				return
			}
			s.syncNeighbors()
		}
	}
}

func (s *Server) runStatusPublisher(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.engine.Status()
			if s.db != nil {
				store.UpdateConnectionMetrics(s.db)
			}
			if s.cache.IsAvailable() {
				if err := s.cache.SetStatus(ctx, s.cfg.Interface, st); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Debug().Err(err).Msg("status not cached")
				}
			}
		}
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	if s.updates != nil {
		s.updates.Stop()
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","mode":%t,"loop":%q}`, s.engine.Mode(), s.engine.State().String())
	})
	s.router.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		info := s.updates.Info()
		_, _ = fmt.Fprintf(w, `{"version":%q,"latest":%q,"update_available":%t}`,
			info.CurrentVersion, info.LatestVersion, info.UpdateAvailable)
	})
	if s.cfg.MetricsBind == "" {
		s.router.Handle("/metrics", telemetry.Handler())
	}

	s.api.Routes(s.router)
}

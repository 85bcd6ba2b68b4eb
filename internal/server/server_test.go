/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/tsch/internal/config"
	"github.com/friendsincode/tsch/internal/frame"
	"github.com/friendsincode/tsch/internal/neighbor"
	"github.com/friendsincode/tsch/internal/tsch"
)

const testSchedule = `
role: pan_coordinator
hopping_sequence: 2450-4-4
slotframes:
  - handle: 0
    size: 11
    links:
      - handle: 0
        timeslot: 0
        node: broadcast
        tx: true
        rx: true
        shared: true
        advertising: true
      - handle: 1
        timeslot: 5
        node: "0x0002"
        rx: true
        timekeeping: true
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment:      "test",
		Interface:        "wpan0",
		HTTPBind:         "127.0.0.1",
		HTTPPort:         8080,
		DBBackend:        config.DatabaseSQLite,
		DBDSN:            filepath.Join(t.TempDir(), "tsch.db"),
		Role:             "device",
		Band:             config.Band2450,
		PANID:            0xffff,
		ShortAddr:        0xffff,
		AssociationPoll:  10 * time.Millisecond,
		MaxCorrection:    2 * time.Millisecond,
		ClockAccuracyPPM: 40,
		EventBackend:     config.EventsMemory,
	}
}

func writeSchedule(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSchedule), 0o600))
	return path
}

func TestNewLoadsScheduleFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.ScheduleFile = writeSchedule(t)

	srv, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()

	tctx := srv.Engine().Context()
	assert.Equal(t, tsch.RolePANCoordinator, tctx.Role())
	assert.Equal(t, []uint16{15, 25, 26, 20}, tctx.HoppingSequence())
	assert.Len(t, tctx.AllLinks(), 2)

	peer, ok := neighborInfo(srv, frame.ShortAddr(2))
	require.True(t, ok, "link peers become neighbors")
	assert.True(t, peer.TimeSource)
	_, ok = neighborInfo(srv, frame.Broadcast)
	assert.True(t, ok)
}

func neighborInfo(srv *Server, addr frame.Addr) (neighbor.Info, bool) {
	for _, info := range srv.table.Snapshot() {
		if info.Addr == addr {
			return info, true
		}
	}
	return neighbor.Info{}, false
}

func TestNewRestoresStoredSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.ScheduleFile = writeSchedule(t)

	first, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	cfg.ScheduleFile = ""
	second, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer second.Close()

	tctx := second.Engine().Context()
	assert.Len(t, tctx.Slotframes(), 1)
	assert.Len(t, tctx.AllLinks(), 2)
	assert.Equal(t, []uint16{15, 25, 26, 20}, tctx.HoppingSequence())
}

func TestNewRejectsInvalidHopping(t *testing.T) {
	cfg := testConfig(t)
	cfg.HoppingSequence = "1,2,3"
	_, err := New(cfg, zerolog.Nop())
	assert.ErrorIs(t, err, tsch.ErrInvalidHoppingSequence)
}

func TestNewSubGHzDefaults(t *testing.T) {
	cfg := testConfig(t)
	cfg.Band = config.BandSubGHz
	cfg.DBDSN = ""

	srv, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()

	tctx := srv.Engine().Context()
	assert.Equal(t, tsch.DefaultTemplate(true), tctx.Template())
	assert.Len(t, tctx.HoppingSequence(), 10)
}

func TestRoutes(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()

	tests := []struct {
		path     string
		contains string
	}{
		{"/healthz", `"loop":"stopped"`},
		{"/version", `"version"`},
		{"/metrics", "tsch_"},
		{"/api/v1/mode", `"on":false`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
			require.Equal(t, http.StatusOK, rr.Code)
			assert.True(t, strings.Contains(rr.Body.String(), tt.contains), rr.Body.String())
			assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
		})
	}
	assert.Nil(t, srv.MetricsServer())
}

func TestSeparateMetricsListener(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsBind = "127.0.0.1:0"
	srv, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()

	require.NotNil(t, srv.MetricsServer())
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestScheduleChangesSyncNeighbors(t *testing.T) {
	srv, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()

	put := func(path, body string) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, path, strings.NewReader(body))
		srv.router.ServeHTTP(rr, req)
		require.Less(t, rr.Code, 300, rr.Body.String())
	}
	put("/api/v1/slotframes/0", `{"size":5}`)
	put("/api/v1/links/1", `{"slotframe_handle":0,"timeslot":1,"node_addr":"0x0009","tx":true}`)

	require.Eventually(t, func() bool {
		info, ok := neighborInfo(srv, frame.ShortAddr(9))
		return ok && info.TxLinks == 1 && info.DedicatedTxLinks == 1
	}, time.Second, 5*time.Millisecond)
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package version

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.3", "1.2.3", 0},
		{"1.2.3", "1.2.4", -1},
		{"v2.0.0", "1.9.9", 1},
		{"0.4", "0.4.0", 0},
		{"0.4.0", "0.10.0", -1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, compareVersions(tt.a, tt.b))
		})
	}
}

func TestCheckerReportsNewerRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/"+GitHubRepo+"/releases/latest", r.URL.Path)
		_, _ = w.Write([]byte(`{"tag_name":"v99.0.0","html_url":"https://example.invalid/r"}`))
	}))
	defer srv.Close()

	c := NewChecker(zerolog.Nop())
	c.baseURL = srv.URL
	c.check(context.Background())

	info := c.Info()
	assert.True(t, info.UpdateAvailable)
	assert.Equal(t, "99.0.0", info.LatestVersion)
	assert.Equal(t, Version, info.CurrentVersion)
}

func TestCheckerKeepsInfoOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewChecker(zerolog.Nop())
	c.baseURL = srv.URL
	c.check(context.Background())

	info := c.Info()
	assert.False(t, info.UpdateAvailable)
	assert.Empty(t, info.LatestVersion)
}

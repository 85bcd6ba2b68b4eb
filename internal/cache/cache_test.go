/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/tsch/internal/schedule"
)

func TestUnavailableRedisDisablesCache(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisAddr = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond

	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, c.IsAvailable())

	ctx := context.Background()
	require.NoError(t, c.SetSchedule(ctx, &ScheduleSnapshot{
		Interface:  "wpan0",
		Slotframes: []schedule.Slotframe{{Handle: 0, Size: 101}},
	}))
	_, ok := c.GetSchedule(ctx, "wpan0")
	assert.False(t, ok)

	var status map[string]any
	assert.False(t, c.GetStatus(ctx, "wpan0", &status))
	assert.NoError(t, c.Invalidate(ctx, "wpan0"))
}

func TestNilCacheIsUnavailable(t *testing.T) {
	var c *Cache
	assert.False(t, c.IsAvailable())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "tsch:cache:schedule:wpan0", KeySchedule+"wpan0")
	assert.Equal(t, "tsch:cache:status:wpan0", KeyStatus+"wpan0")
}

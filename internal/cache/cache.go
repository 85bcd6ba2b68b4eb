/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache publishes schedule and status snapshots to Redis so other
// instances and tools can read them without talking to the engine.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/tsch/internal/schedule"
	"github.com/friendsincode/tsch/internal/telemetry"
)

// Default TTL values
const (
	DefaultScheduleTTL = 10 * time.Minute
	DefaultStatusTTL   = 30 * time.Second
)

// Key prefixes for Redis cache
const (
	KeyPrefix   = "tsch:cache:"
	KeySchedule = KeyPrefix + "schedule:" // + interface
	KeyStatus   = KeyPrefix + "status:"   // + interface
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DialTimeout   time.Duration

	ScheduleTTL time.Duration
	StatusTTL   time.Duration

	// DisableOnError stops using Redis after the first failure.
	DisableOnError bool
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		DialTimeout:    5 * time.Second,
		ScheduleTTL:    DefaultScheduleTTL,
		StatusTTL:      DefaultStatusTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance. An unreachable Redis yields a disabled
// cache, not an error.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	logger = logger.With().Str("component", "cache").Logger()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     4,
		MinIdleConns: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout+time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		_ = client.Close()
		return &Cache{logger: logger, config: cfg, disabled: true}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")
	return &Cache{client: client, logger: logger, config: cfg}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *Cache) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	telemetry.CacheOperationsTotal.WithLabelValues(operation, "error").Inc()
	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		telemetry.CacheOperationsTotal.WithLabelValues("get", "disabled").Inc()
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		telemetry.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}
	telemetry.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()
	return true, nil
}

func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}
	telemetry.CacheOperationsTotal.WithLabelValues("set", "ok").Inc()
	return nil
}

func (c *Cache) delete(ctx context.Context, keys ...string) error {
	if !c.IsAvailable() {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}
	telemetry.CacheOperationsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// ScheduleSnapshot is the cached view of an interface schedule.
type ScheduleSnapshot struct {
	Interface       string               `json:"interface"`
	Slotframes      []schedule.Slotframe `json:"slotframes"`
	Links           []schedule.Link      `json:"links"`
	HoppingSequence []uint16             `json:"hopping_sequence"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// GetSchedule retrieves the cached schedule of iface.
func (c *Cache) GetSchedule(ctx context.Context, iface string) (*ScheduleSnapshot, bool) {
	var snap ScheduleSnapshot
	found, err := c.get(ctx, KeySchedule+iface, &snap)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("iface", iface).Int("links", len(snap.Links)).Msg("schedule cache hit")
	return &snap, true
}

// SetSchedule caches the schedule of snap.Interface.
func (c *Cache) SetSchedule(ctx context.Context, snap *ScheduleSnapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	return c.set(ctx, KeySchedule+snap.Interface, snap, c.config.ScheduleTTL)
}

// SetStatus caches an engine status document.
func (c *Cache) SetStatus(ctx context.Context, iface string, status any) error {
	return c.set(ctx, KeyStatus+iface, status, c.config.StatusTTL)
}

// GetStatus decodes the cached status of iface into dest.
func (c *Cache) GetStatus(ctx context.Context, iface string, dest any) bool {
	found, err := c.get(ctx, KeyStatus+iface, dest)
	return err == nil && found
}

// Invalidate removes every cached document of iface.
func (c *Cache) Invalidate(ctx context.Context, iface string) error {
	c.logger.Debug().Str("iface", iface).Msg("invalidating interface caches")
	return c.delete(ctx, KeySchedule+iface, KeyStatus+iface)
}

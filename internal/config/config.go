/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// EventBackend selects where engine events are fanned out to.
type EventBackend string

const (
	EventsMemory EventBackend = "memory"
	EventsRedis  EventBackend = "redis"
	EventsNATS   EventBackend = "nats"
)

// Band selects the simulated radio band.
type Band string

const (
	Band2450   Band = "2450"
	BandSubGHz Band = "subghz"
)

var roles = map[string]bool{
	"device": true, "coordinator": true, "pan_coordinator": true,
}

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	LogFormat   string
	Interface   string
	HTTPBind    string
	HTTPPort    int
	MetricsBind string

	// Persistence; an empty DSN runs without a store.
	DBBackend DatabaseBackend
	DBDSN     string

	// TSCH defaults applied at start up
	Role             string
	Band             Band
	HoppingSequence  string
	PANID            uint16
	ShortAddr        uint16
	ExtAddr          uint64
	CCA              bool
	AutoStart        bool
	AssociationPoll  time.Duration
	ScheduleFile     string
	MaxCorrection    time.Duration
	ClockAccuracyPPM float64

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Event fan-out and multi-instance configuration
	EventBackend  EventBackend
	NATSURL       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheEnabled  bool
	CacheTTL      time.Duration
	InstanceID    string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"TSCH_ENV", "ENVIRONMENT"}, "development"),
		LogFormat:   getEnvAny([]string{"TSCH_LOG_FORMAT"}, "console"),
		Interface:   getEnvAny([]string{"TSCH_IFACE", "TSCH_INTERFACE"}, "wpan0"),
		HTTPBind:    getEnvAny([]string{"TSCH_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"TSCH_HTTP_PORT", "PORT"}, 8080),
		MetricsBind: getEnvAny([]string{"TSCH_METRICS_BIND"}, "127.0.0.1:9000"),

		DBBackend: DatabaseBackend(getEnvAny([]string{"TSCH_DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:     getEnvAny([]string{"TSCH_DB_DSN"}, ""),

		Role:             strings.ToLower(getEnvAny([]string{"TSCH_ROLE"}, "device")),
		Band:             Band(strings.ToLower(getEnvAny([]string{"TSCH_BAND"}, string(Band2450)))),
		HoppingSequence:  getEnvAny([]string{"TSCH_HOPPING_SEQUENCE"}, ""),
		PANID:            uint16(getEnvUintAny([]string{"TSCH_PAN_ID"}, 0xffff, 16)),
		ShortAddr:        uint16(getEnvUintAny([]string{"TSCH_SHORT_ADDR"}, 0xffff, 16)),
		ExtAddr:          getEnvUintAny([]string{"TSCH_EXT_ADDR"}, 0, 64),
		CCA:              getEnvBoolAny([]string{"TSCH_CCA"}, false),
		AutoStart:        getEnvBoolAny([]string{"TSCH_AUTOSTART"}, false),
		AssociationPoll:  getEnvDurationAny([]string{"TSCH_ASSOCIATION_POLL"}, time.Second),
		ScheduleFile:     getEnvAny([]string{"TSCH_SCHEDULE_FILE"}, ""),
		MaxCorrection:    getEnvDurationAny([]string{"TSCH_MAX_CORRECTION"}, 2*time.Millisecond),
		ClockAccuracyPPM: getEnvFloatAny([]string{"TSCH_CLOCK_ACCURACY_PPM"}, 40),

		TracingEnabled:    getEnvBoolAny([]string{"TSCH_TRACING_ENABLED", "TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"TSCH_OTLP_ENDPOINT", "OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"TSCH_TRACING_SAMPLE_RATE"}, 1.0),

		EventBackend:  EventBackend(strings.ToLower(getEnvAny([]string{"TSCH_EVENT_BACKEND"}, string(EventsMemory)))),
		NATSURL:       getEnvAny([]string{"TSCH_NATS_URL", "NATS_URL"}, "nats://localhost:4222"),
		RedisAddr:     getEnvAny([]string{"TSCH_REDIS_ADDR", "REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"TSCH_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"TSCH_REDIS_DB"}, 0),
		CacheEnabled:  getEnvBoolAny([]string{"TSCH_CACHE_ENABLED"}, false),
		CacheTTL:      getEnvDurationAny([]string{"TSCH_CACHE_TTL"}, 10*time.Minute),
		InstanceID:    getEnvAny([]string{"TSCH_INSTANCE_ID"}, ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.DBBackend != DatabasePostgres && c.DBBackend != DatabaseMySQL && c.DBBackend != DatabaseSQLite {
		return fmt.Errorf("unsupported database backend %q", c.DBBackend)
	}
	if c.EventBackend != EventsMemory && c.EventBackend != EventsRedis && c.EventBackend != EventsNATS {
		return fmt.Errorf("unsupported event backend %q", c.EventBackend)
	}
	if c.Band != Band2450 && c.Band != BandSubGHz {
		return fmt.Errorf("unsupported band %q", c.Band)
	}
	if !roles[strings.ReplaceAll(c.Role, "-", "_")] {
		return fmt.Errorf("unsupported role %q", c.Role)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	}
	if c.AssociationPoll <= 0 {
		return fmt.Errorf("TSCH_ASSOCIATION_POLL must be positive")
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TSCH_TRACING_SAMPLE_RATE must be within [0, 1]")
	}
	if strings.EqualFold(c.Environment, "production") && c.DBDSN == "" {
		return fmt.Errorf("TSCH_DB_DSN must be provided in production")
	}
	return nil
}

// SubGHz reports whether the configured band is sub-GHz.
func (c *Config) SubGHz() bool {
	return c.Band == BandSubGHz
}

// HTTPAddr is the management API listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvUintAny accepts decimal and 0x prefixed values.
func getEnvUintAny(keys []string, def uint64, bits int) uint64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseUint(strings.TrimSpace(v), 0, bits); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}

func getEnvDurationAny(keys []string, def time.Duration) time.Duration {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

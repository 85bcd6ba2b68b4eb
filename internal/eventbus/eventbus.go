/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus fans engine events out to other processes over NATS or
// Redis while keeping in-process delivery on an events.Bus.
package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/tsch/internal/events"
	"github.com/friendsincode/tsch/internal/telemetry"
)

// SubjectPrefix prefixes every NATS subject and Redis channel.
const SubjectPrefix = "tsch.events."

// Bus is an event bus that may span processes.
type Bus interface {
	events.Publisher
	Subscribe(eventType events.EventType) events.Subscriber
	Unsubscribe(eventType events.EventType, sub events.Subscriber)
	Close() error
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	NodeID  string
	NATS    NATSConfig
	Redis   RedisConfig
}

// New creates the configured bus. Remote backends fall back to in-process
// delivery when their server is unreachable.
func New(cfg Config, logger zerolog.Logger) (Bus, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = NewNodeID()
	}
	logger = logger.With().Str("component", "eventbus").Str("node_id", cfg.NodeID).Logger()

	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		return NewMemoryBus(), nil
	case BackendNATS:
		return NewNATSBus(cfg.NATS, cfg.NodeID, logger)
	case BackendRedis:
		return NewRedisBus(cfg.Redis, cfg.NodeID, logger)
	default:
		return nil, fmt.Errorf("unknown event backend %q", cfg.Backend)
	}
}

// MemoryBus is the in-process bus.
type MemoryBus struct {
	*events.Bus
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{Bus: events.NewBus()}
}

// Publish delivers payload to local subscribers.
func (m *MemoryBus) Publish(eventType events.EventType, payload events.Payload) {
	m.Bus.Publish(eventType, payload)
	telemetry.EventsPublishedTotal.WithLabelValues(BackendMemory).Inc()
}

// Close implements Bus.
func (m *MemoryBus) Close() error { return nil }

// NewNodeID returns an id unique to this process: hostname plus a UUID.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "tschd"
	}
	return host + "-" + uuid.NewString()
}

// Subject maps an event type to its NATS subject or Redis channel.
func Subject(eventType events.EventType) string {
	return SubjectPrefix + string(eventType)
}

// message is the wire envelope shared by both remote backends.
type message struct {
	ID        string           `json:"id"`
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
}

func marshalMessage(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(message{
		ID:        uuid.NewString(),
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
	})
}

func unmarshalMessage(data []byte) (*message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal event message: %w", err)
	}
	if msg.EventType == "" {
		return nil, fmt.Errorf("unmarshal event message: missing event type")
	}
	return &msg, nil
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventSlotExecuted    EventType = "slot.executed"
	EventSlotSkipped     EventType = "slot.skipped"
	EventRxAccepted      EventType = "rx.accepted"
	EventRxDropped       EventType = "rx.dropped"
	EventTimeCorrection  EventType = "sync.time_correction"
	EventDomainSwitch    EventType = "clock.domain_switch"
	EventModeChanged     EventType = "tsch.mode"
	EventAssociation     EventType = "tsch.association"
	EventScheduleChanged EventType = "schedule.changed"
	EventHoppingChanged  EventType = "schedule.hopping"
)

// All lists every event type, for bridges that forward everything.
var All = []EventType{
	EventSlotExecuted,
	EventSlotSkipped,
	EventRxAccepted,
	EventRxDropped,
	EventTimeCorrection,
	EventDomainSwitch,
	EventModeChanged,
	EventAssociation,
	EventScheduleChanged,
	EventHoppingChanged,
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Publisher is the publishing side of a bus.
type Publisher interface {
	Publish(eventType EventType, payload Payload)
}

// Bus implements a simple in-process pubsub. Slow subscribers miss events
// rather than stall the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	return b.SubscribeBuffered(eventType, 8)
}

// SubscribeBuffered registers a subscriber with the given buffer size.
func (b *Bus) SubscribeBuffered(eventType EventType, size int) Subscriber {
	ch := make(Subscriber, size)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	if b == nil {
		return
	}
	// held across the sends so Unsubscribe cannot close a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	b.subs[eventType] = subs
}

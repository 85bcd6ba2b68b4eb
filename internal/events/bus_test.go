/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversByType(t *testing.T) {
	bus := NewBus()
	slots := bus.Subscribe(EventSlotExecuted)
	modes := bus.Subscribe(EventModeChanged)

	bus.Publish(EventSlotExecuted, Payload{"asn": uint64(7)})

	select {
	case p := <-slots:
		assert.Equal(t, uint64(7), p["asn"])
	default:
		t.Fatal("slot event not delivered")
	}
	assert.Len(t, modes, 0)
}

func TestBusDropsForFullSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.SubscribeBuffered(EventRxDropped, 1)

	bus.Publish(EventRxDropped, Payload{"n": 1})
	bus.Publish(EventRxDropped, Payload{"n": 2})

	require.Len(t, sub, 1)
	assert.Equal(t, 1, (<-sub)["n"])
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventAssociation)
	bus.Unsubscribe(EventAssociation, sub)

	_, ok := <-sub
	assert.False(t, ok)
	bus.Publish(EventAssociation, Payload{})
}

func TestBusConcurrentUnsubscribe(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		sub := bus.Subscribe(EventScheduleChanged)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(EventScheduleChanged, Payload{"j": j})
			}
		}()
		go func() {
			defer wg.Done()
			bus.Unsubscribe(EventScheduleChanged, sub)
		}()
	}
	wg.Wait()
}

func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(EventModeChanged, Payload{})
}

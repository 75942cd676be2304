/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"sync"

	"github.com/spotlxght/slotrunner/internal/telemetry"
)

// EventType enumerates event categories.
type EventType string

const (
	EventTimeslotStarted    EventType = "timeslot.started"
	EventTimeslotCompleted  EventType = "timeslot.completed"
	EventEventStarted       EventType = "event.started"
	EventEventCompleted     EventType = "event.completed"
	EventSettlementReleased EventType = "settlement.released"
	EventSettlementFailed   EventType = "settlement.failed"
)

// AllTypes lists every lifecycle event type in publication order.
var AllTypes = []EventType{
	EventTimeslotStarted,
	EventTimeslotCompleted,
	EventEventStarted,
	EventEventCompleted,
	EventSettlementReleased,
	EventSettlementFailed,
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

const defaultBuffer = 32

// Bus implements a simple in-process pubsub. Publish never blocks; a
// subscriber whose buffer is full misses the payload.
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
	return b.SubscribeBuffered(eventType, defaultBuffer)
}

// SubscribeBuffered registers a subscriber with a custom buffer size.
func (b *Bus) SubscribeBuffered(eventType EventType, size int) Subscriber {
	if size <= 0 {
		size = defaultBuffer
	}
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
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
			telemetry.EventsDroppedTotal.WithLabelValues(string(eventType)).Inc()
		}
	}
}

// Unsubscribe removes the subscriber. The channel is left open because a
// concurrent Publish may still hold it; consumers stop on their own context.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "testing"

func TestBusDeliversToSubscribersOfType(t *testing.T) {
	bus := NewBus()
	started := bus.Subscribe(EventTimeslotStarted)
	completed := bus.Subscribe(EventTimeslotCompleted)

	bus.Publish(EventTimeslotStarted, Payload{"timeslot_id": "ts-1"})

	select {
	case p := <-started:
		if p["timeslot_id"] != "ts-1" {
			t.Fatalf("unexpected payload %v", p)
		}
	default:
		t.Fatal("expected payload on started subscriber")
	}

	select {
	case p := <-completed:
		t.Fatalf("completed subscriber should not receive %v", p)
	default:
	}
}

func TestBusPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.SubscribeBuffered(EventSettlementFailed, 1)

	bus.Publish(EventSettlementFailed, Payload{"n": 1})
	bus.Publish(EventSettlementFailed, Payload{"n": 2})

	if got := len(sub); got != 1 {
		t.Fatalf("expected 1 buffered payload, got %d", got)
	}
	if p := <-sub; p["n"] != 1 {
		t.Fatalf("expected first payload to be kept, got %v", p)
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventEventCompleted)
	other := bus.Subscribe(EventEventCompleted)
	bus.Unsubscribe(EventEventCompleted, sub)

	bus.Publish(EventEventCompleted, Payload{})

	select {
	case p := <-sub:
		t.Fatalf("unsubscribed channel received %v", p)
	default:
	}
	if len(other) != 1 {
		t.Fatal("remaining subscriber should still receive events")
	}
}

func TestBusUnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			bus.Publish(EventTimeslotCompleted, Payload{"n": i})
		}
	}()

	for i := 0; i < 2000; i++ {
		sub := bus.SubscribeBuffered(EventTimeslotCompleted, 1)
		bus.Unsubscribe(EventTimeslotCompleted, sub)
	}
	<-done
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(EventTimeslotStarted, Payload{})
}

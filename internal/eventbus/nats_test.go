/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/spotlxght/slotrunner/internal/events"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu  sync.Mutex
	out []published
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, published{subject: subject, data: data})
	return nil
}

func (f *fakePublisher) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.out...)
}

func TestBridgeForwardsLifecycleEvents(t *testing.T) {
	bus := events.NewBus()
	pub := &fakePublisher{}
	bridge := NewBridge(bus, pub, "node-a", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bridge.Run(ctx)
		close(done)
	}()

	// Publish until the bridge has subscribed and forwarded once.
	deadline := time.Now().Add(5 * time.Second)
	for len(pub.messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge did not forward the event")
		}
		bus.Publish(events.EventSettlementFailed, events.Payload{"timeslot_id": "ts-1"})
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	<-done

	msg := pub.messages()[0]
	if msg.subject != "slotrunner.events.settlement.failed" {
		t.Fatalf("unexpected subject %q", msg.subject)
	}

	var env Message
	if err := json.Unmarshal(msg.data, &env); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	if env.EventType != events.EventSettlementFailed || env.NodeID != "node-a" || env.MessageID == "" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if env.Payload["timeslot_id"] != "ts-1" {
		t.Fatalf("unexpected payload %v", env.Payload)
	}
}

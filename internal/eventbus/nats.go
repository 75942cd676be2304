/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus forwards in-process lifecycle events to NATS.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/spotlxght/slotrunner/internal/events"
)

// SubjectPrefix prefixes every forwarded subject.
const SubjectPrefix = "slotrunner.events."

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:           url,
		Name:          "slotrunner",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Publisher is the subset of *nats.Conn used by the bridge.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON envelope published for every event.
type Message struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

// Bridge subscribes to the local bus and republishes each event on NATS.
type Bridge struct {
	bus    *events.Bus
	pub    Publisher
	nodeID string
	logger zerolog.Logger

	wg sync.WaitGroup
}

// Connect dials NATS with reconnect handling.
func Connect(cfg NATSConfig, logger zerolog.Logger) (*nats.Conn, error) {
	log := logger.With().Str("component", "nats_bridge").Logger()
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// NewBridge creates a bridge publishing through pub.
func NewBridge(bus *events.Bus, pub Publisher, nodeID string, logger zerolog.Logger) *Bridge {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return &Bridge{
		bus:    bus,
		pub:    pub,
		nodeID: nodeID,
		logger: logger.With().Str("component", "nats_bridge").Logger(),
	}
}

// Run forwards events until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	subs := make(map[events.EventType]events.Subscriber, len(events.AllTypes))
	for _, et := range events.AllTypes {
		subs[et] = b.bus.SubscribeBuffered(et, 128)
	}
	defer func() {
		for et, sub := range subs {
			b.bus.Unsubscribe(et, sub)
		}
	}()

	for et, sub := range subs {
		b.wg.Add(1)
		go func(et events.EventType, sub events.Subscriber) {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case payload := <-sub:
					if err := b.forward(et, payload); err != nil {
						b.logger.Warn().Err(err).Str("event_type", string(et)).Msg("failed to forward event")
					}
				}
			}
		}(et, sub)
	}

	b.logger.Info().Str("node_id", b.nodeID).Msg("NATS bridge started")
	<-ctx.Done()
	b.wg.Wait()
	b.logger.Info().Msg("NATS bridge stopped")
}

func (b *Bridge) forward(et events.EventType, payload events.Payload) error {
	data, err := json.Marshal(Message{
		EventType: et,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    b.nodeID,
		MessageID: uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.pub.Publish(SubjectPrefix+string(et), data)
}

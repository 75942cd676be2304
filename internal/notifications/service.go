/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/spotlxght/slotrunner/internal/events"
	"github.com/spotlxght/slotrunner/internal/models"
	"github.com/spotlxght/slotrunner/internal/telemetry"
)

// ErrNoRecipients is returned when a message has nobody to deliver to.
var ErrNoRecipients = errors.New("notification has no recipients")

// Message is an email-like notification.
type Message struct {
	Subject    string
	Recipients []string
	Body       string
	Type       models.NotificationType

	ReferenceType string
	ReferenceID   string
}

// Service persists notifications and delivers them through a Mailer.
type Service struct {
	db        *gorm.DB
	bus       *events.Bus
	mailer    Mailer
	operators []string
	logger    zerolog.Logger
}

// NewService creates a new notification service. operators receive failure alerts.
func NewService(db *gorm.DB, bus *events.Bus, mailer Mailer, operators []string, logger zerolog.Logger) *Service {
	return &Service{
		db:        db,
		bus:       bus,
		mailer:    mailer,
		operators: operators,
		logger:    logger.With().Str("component", "notifications").Logger(),
	}
}

// Start consumes lifecycle events until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	completed := s.bus.SubscribeBuffered(events.EventTimeslotCompleted, 256)
	defer s.bus.Unsubscribe(events.EventTimeslotCompleted, completed)

	s.logger.Info().Msg("notification service started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("notification service stopping")
			return
		case payload := <-completed:
			s.handleTimeslotCompleted(ctx, payload)
		}
	}
}

// handleTimeslotCompleted tells the venue that the slot ended and funds will
// be released after the grace period.
func (s *Service) handleTimeslotCompleted(ctx context.Context, payload events.Payload) {
	timeslotID, _ := payload["timeslot_id"].(string)
	if timeslotID == "" {
		return
	}

	var slot models.Timeslot
	err := s.db.WithContext(ctx).
		Preload("Event.Venue").
		Where("id = ?", timeslotID).
		Take(&slot).Error
	if err != nil {
		s.logger.Warn().Err(err).Str("timeslot_id", timeslotID).Msg("failed to load completed timeslot")
		return
	}
	if slot.Event == nil || slot.Event.Venue == nil || slot.Event.Venue.Email == "" {
		s.logger.Warn().Str("timeslot_id", timeslotID).Msg("completed timeslot has no venue contact")
		return
	}

	msg := Message{
		Subject:    fmt.Sprintf("Timeslot ended: %s", slot.Event.Name),
		Recipients: []string{slot.Event.Venue.Email},
		Body: fmt.Sprintf(
			"The %s - %s timeslot of %s on %s has ended.\n\nPayment to the performer is released automatically in two hours unless you contact us before then.",
			slot.StartTime, slot.EndTime, slot.Event.Name, slot.Event.Date),
		Type:          models.NotificationTypeTimeslotCompleted,
		ReferenceType: "timeslot",
		ReferenceID:   slot.ID,
	}
	if err := s.Send(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("timeslot_id", timeslotID).Msg("venue completion notice failed")
	}
}

// NotifyOperators sends msg to the configured operator addresses.
func (s *Service) NotifyOperators(ctx context.Context, msg Message) error {
	msg.Recipients = append([]string(nil), s.operators...)
	return s.Send(ctx, msg)
}

// Send records the message and delivers it.
func (s *Service) Send(ctx context.Context, msg Message) error {
	recipients := compact(msg.Recipients)
	if len(recipients) == 0 {
		telemetry.NotificationsTotal.WithLabelValues(string(msg.Type), "skipped").Inc()
		return fmt.Errorf("%s: %w", msg.Type, ErrNoRecipients)
	}

	notification := &models.Notification{
		ID:               uuid.NewString(),
		NotificationType: msg.Type,
		Recipients:       strings.Join(recipients, ","),
		Subject:          msg.Subject,
		Body:             msg.Body,
		Status:           models.NotificationStatusPending,
		ReferenceType:    msg.ReferenceType,
		ReferenceID:      msg.ReferenceID,
		CreatedAt:        time.Now().UTC(),
	}

	// Save notification first
	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		s.logger.Error().Err(err).Str("id", notification.ID).Msg("failed to save notification")
		return err
	}

	err := s.mailer.Send(ctx, recipients, msg.Subject, msg.Body)
	if err != nil {
		notification.Status = models.NotificationStatusFailed
		notification.Error = err.Error()
		s.logger.Error().Err(err).
			Str("id", notification.ID).
			Str("type", string(msg.Type)).
			Msg("failed to send notification")
	} else {
		now := time.Now().UTC()
		notification.Status = models.NotificationStatusSent
		notification.SentAt = &now
		s.logger.Info().
			Str("id", notification.ID).
			Str("type", string(msg.Type)).
			Strs("to", recipients).
			Msg("notification sent")
	}
	telemetry.NotificationsTotal.WithLabelValues(string(msg.Type), string(notification.Status)).Inc()

	if uerr := s.db.WithContext(ctx).Model(notification).Updates(map[string]any{
		"status":  notification.Status,
		"sent_at": notification.SentAt,
		"error":   notification.Error,
	}).Error; uerr != nil {
		s.logger.Warn().Err(uerr).Str("id", notification.ID).Msg("failed to update notification status")
	}

	return err
}

func compact(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

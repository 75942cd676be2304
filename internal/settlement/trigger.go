/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package settlement releases payment to the accepted performer of a
// completed timeslot.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/spotlxght/slotrunner/internal/events"
	"github.com/spotlxght/slotrunner/internal/models"
	"github.com/spotlxght/slotrunner/internal/notifications"
	"github.com/spotlxght/slotrunner/internal/telemetry"
)

// Outcome describes what a Settle call did.
type Outcome string

const (
	OutcomeReleased        Outcome = "released"
	OutcomeNoApplicant     Outcome = "no_applicant"
	OutcomeNotCompleted    Outcome = "not_completed"
	OutcomeAlreadyReleased Outcome = "already_released"
	OutcomeInFlight        Outcome = "in_flight"
	OutcomeFailed          Outcome = "failed"
)

// staleClaimAfter is how long a pending claim blocks other attempts. It
// outlasts the release client's timeout so only a claim abandoned by a
// stopped process is taken over.
const staleClaimAfter = 5 * time.Minute

// Releaser performs the release call.
type Releaser interface {
	Release(ctx context.Context, req ReleaseRequest) (int, error)
}

// Notifier delivers success and failure notices.
type Notifier interface {
	Send(ctx context.Context, msg notifications.Message) error
	NotifyOperators(ctx context.Context, msg notifications.Message) error
}

// Trigger runs settlement for a timeslot once its grace period expires.
type Trigger struct {
	db       *gorm.DB
	releaser Releaser
	notifier Notifier
	bus      *events.Bus
	logger   zerolog.Logger
	now      func() time.Time
}

// NewTrigger creates a settlement trigger. bus may be nil.
func NewTrigger(db *gorm.DB, releaser Releaser, notifier Notifier, bus *events.Bus, logger zerolog.Logger) *Trigger {
	return &Trigger{
		db:       db,
		releaser: releaser,
		notifier: notifier,
		bus:      bus,
		logger:   logger.With().Str("component", "settlement").Logger(),
		now:      time.Now,
	}
}

// Settle releases funds to the accepted applicant of the timeslot. A missing
// applicant is not an error. A failed release is reported to operators and
// returned; it is never retried here.
func (t *Trigger) Settle(ctx context.Context, timeslotID, eventID string) (Outcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "settlement", "Settle")
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]any{
		"timeslot_id": timeslotID,
		"event_id":    eventID,
	})

	logger := t.logger.With().Str("timeslot_id", timeslotID).Str("event_id", eventID).Logger()

	outcome, err := t.settle(ctx, timeslotID, eventID, logger)
	telemetry.SettlementsTotal.WithLabelValues(string(outcome)).Inc()
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return outcome, err
}

func (t *Trigger) settle(ctx context.Context, timeslotID, eventID string, logger zerolog.Logger) (Outcome, error) {
	var app models.Application
	err := t.db.WithContext(ctx).
		Preload("User").
		Preload("Event.Venue").
		Where("timeslot_id = ? AND event_id = ? AND status = ?", timeslotID, eventID, models.ApplicationAccepted).
		Take(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Info().Msg("no accepted applicant, nothing to settle")
		return OutcomeNoApplicant, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("load accepted application: %w", err)
	}

	var slot models.Timeslot
	if err := t.db.WithContext(ctx).Select("id", "status").Where("id = ?", timeslotID).Take(&slot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Warn().Msg("timeslot no longer exists, skipping settlement")
			return OutcomeNotCompleted, nil
		}
		return OutcomeFailed, fmt.Errorf("load timeslot: %w", err)
	}
	if slot.Status != models.StatusCompleted {
		logger.Warn().Str("status", string(slot.Status)).Msg("timeslot not completed, skipping settlement")
		return OutcomeNotCompleted, nil
	}

	claimed, holder, err := t.claim(ctx, timeslotID, eventID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !claimed {
		if holder == models.SettlementReleased {
			logger.Info().Msg("funds already released for timeslot")
			return OutcomeAlreadyReleased, nil
		}
		logger.Warn().Msg("another release attempt holds the claim, skipping")
		return OutcomeInFlight, nil
	}

	req := ReleaseRequest{EventID: eventID, TimeslotID: timeslotID, UserID: app.UserID}
	started := time.Now()
	status, releaseErr := t.releaser.Release(ctx, req)
	t.recordAttempt(ctx, req, status, time.Since(started), releaseErr, logger)
	t.finishClaim(ctx, timeslotID, releaseErr, logger)

	if releaseErr != nil {
		logger.Error().Err(releaseErr).Int("status_code", status).Str("user_id", app.UserID).Msg("automatic release failed")
		t.alertOperators(ctx, app, req, releaseErr, logger)
		t.bus.Publish(events.EventSettlementFailed, events.Payload{
			"timeslot_id": timeslotID,
			"event_id":    eventID,
			"user_id":     app.UserID,
			"error":       releaseErr.Error(),
		})
		return OutcomeFailed, releaseErr
	}

	logger.Info().Str("user_id", app.UserID).Int("status_code", status).Msg("funds released")
	t.notifyParties(ctx, app, logger)
	t.bus.Publish(events.EventSettlementReleased, events.Payload{
		"timeslot_id": timeslotID,
		"event_id":    eventID,
		"user_id":     app.UserID,
	})
	return OutcomeReleased, nil
}

// claim takes the timeslot's settlement claim. A new claim row is inserted
// when none exists; otherwise a failed or stale pending claim is taken over
// with a conditional update. When the claim is held elsewhere it returns
// false and the holder's status.
func (t *Trigger) claim(ctx context.Context, timeslotID, eventID string) (bool, models.SettlementStatus, error) {
	now := t.now().UTC()
	db := t.db.WithContext(ctx)

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.SettlementClaim{
		TimeslotID: timeslotID,
		EventID:    eventID,
		Status:     models.SettlementPending,
		ClaimedAt:  now,
	})
	if res.Error != nil {
		return false, "", fmt.Errorf("claim settlement: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, models.SettlementPending, nil
	}

	res = db.Model(&models.SettlementClaim{}).
		Where("timeslot_id = ? AND (status = ? OR (status = ? AND claimed_at < ?))",
			timeslotID, models.SettlementFailed, models.SettlementPending, now.Add(-staleClaimAfter)).
		Updates(map[string]any{
			"event_id":   eventID,
			"status":     models.SettlementPending,
			"claimed_at": now,
		})
	if res.Error != nil {
		return false, "", fmt.Errorf("take over settlement claim: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, models.SettlementPending, nil
	}

	var held models.SettlementClaim
	if err := db.Where("timeslot_id = ?", timeslotID).Take(&held).Error; err != nil {
		return false, "", fmt.Errorf("load settlement claim: %w", err)
	}
	return false, held.Status, nil
}

func (t *Trigger) finishClaim(ctx context.Context, timeslotID string, releaseErr error, logger zerolog.Logger) {
	status := models.SettlementReleased
	if releaseErr != nil {
		status = models.SettlementFailed
	}
	if err := t.db.WithContext(context.WithoutCancel(ctx)).Model(&models.SettlementClaim{}).
		Where("timeslot_id = ?", timeslotID).
		Update("status", status).Error; err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("failed to settle claim")
	}
}

func (t *Trigger) recordAttempt(ctx context.Context, req ReleaseRequest, status int, elapsed time.Duration, releaseErr error, logger zerolog.Logger) {
	entry := models.SettlementLog{
		ID:         uuid.NewString(),
		TimeslotID: req.TimeslotID,
		EventID:    req.EventID,
		UserID:     req.UserID,
		Status:     models.SettlementReleased,
		StatusCode: status,
		Duration:   int(elapsed.Milliseconds()),
		CreatedAt:  time.Now().UTC(),
	}
	if releaseErr != nil {
		entry.Status = models.SettlementFailed
		entry.Error = releaseErr.Error()
	}
	if err := t.db.WithContext(ctx).Create(&entry).Error; err != nil {
		logger.Warn().Err(err).Msg("failed to record settlement attempt")
	}
}

func (t *Trigger) notifyParties(ctx context.Context, app models.Application, logger zerolog.Logger) {
	eventName, amount := app.EventID, 0.0
	var recipients []string
	if app.Event != nil {
		eventName, amount = app.Event.Name, app.Event.Amount
		if app.Event.Venue != nil {
			recipients = append(recipients, app.Event.Venue.Email)
		}
	}
	if app.User != nil {
		recipients = append(recipients, app.User.Email)
	}

	msg := notifications.Message{
		Subject:    fmt.Sprintf("Payment released: %s", eventName),
		Recipients: recipients,
		Body: fmt.Sprintf(
			"The payment of $%.2f for %s was released automatically to the performer.",
			amount, eventName),
		Type:          models.NotificationTypeFundsReleased,
		ReferenceType: "timeslot",
		ReferenceID:   app.TimeslotID,
	}
	if err := t.notifier.Send(ctx, msg); err != nil {
		logger.Warn().Err(err).Msg("release notice failed")
	}
}

func (t *Trigger) alertOperators(ctx context.Context, app models.Application, req ReleaseRequest, releaseErr error, logger zerolog.Logger) {
	msg := notifications.Message{
		Subject: fmt.Sprintf("Automatic release failed for timeslot %s", req.TimeslotID),
		Body: fmt.Sprintf(
			"Automatic release failed and needs manual follow-up.\n\nevent: %s\ntimeslot: %s\nuser: %s\nerror: %v",
			req.EventID, req.TimeslotID, req.UserID, releaseErr),
		Type:          models.NotificationTypeSettlementFailed,
		ReferenceType: "timeslot",
		ReferenceID:   app.TimeslotID,
	}
	if err := t.notifier.NotifyOperators(ctx, msg); err != nil {
		logger.Error().Err(err).Msg("operator alert failed")
	}
}

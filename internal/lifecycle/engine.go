/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package lifecycle applies start and end transitions to timeslots and
// cascades them to the owning event inside one database transaction.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/spotlxght/slotrunner/internal/events"
	"github.com/spotlxght/slotrunner/internal/models"
	"github.com/spotlxght/slotrunner/internal/telemetry"
)

// ErrTransactionFailed wraps any store error raised while applying a transition.
var ErrTransactionFailed = errors.New("status transition failed")

// Kind selects the transition to apply.
type Kind string

const (
	KindStart Kind = "start"
	KindEnd   Kind = "end"
)

// Outcome describes what a transition call did.
type Outcome string

const (
	// OutcomeApplied means the timeslot status changed.
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop means the timeslot was not in the required source status.
	OutcomeNoop Outcome = "noop"
	// OutcomeMissing means the timeslot (or its event) no longer exists.
	OutcomeMissing Outcome = "missing"
)

// Result reports the state after a transition call.
type Result struct {
	TimeslotID     string
	EventID        string
	Kind           Kind
	Outcome        Outcome
	TimeslotStatus models.Status
	EventStatus    models.Status
	EventCascaded  bool
}

// Engine executes status transitions.
type Engine struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger
}

// NewEngine creates a transition engine. bus may be nil.
func NewEngine(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Engine {
	return &Engine{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "lifecycle").Logger(),
	}
}

// UpdateStatus applies kind to the timeslot.
//
// start: open -> in-progress; the event follows when it is exactly open.
// end: in-progress -> completed; the event completes when it is in-progress
// and every other timeslot of the event is already completed.
//
// The event row is locked before the timeslots are read, so concurrent end
// transitions on sibling timeslots serialize per event. Any other source
// status is a silent no-op.
func (e *Engine) UpdateStatus(ctx context.Context, timeslotID string, kind Kind) (Result, error) {
	if kind != KindStart && kind != KindEnd {
		return Result{}, fmt.Errorf("unknown transition kind %q", kind)
	}

	ctx, span := telemetry.StartSpan(ctx, "lifecycle", "UpdateStatus")
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]any{
		"timeslot_id": timeslotID,
		"kind":        string(kind),
	})

	started := time.Now()
	res := Result{TimeslotID: timeslotID, Kind: kind}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ref models.Timeslot
		if err := tx.Select("id", "event_id").Where("id = ?", timeslotID).Take(&ref).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				res.Outcome = OutcomeMissing
				return nil
			}
			return fmt.Errorf("load timeslot: %w", err)
		}
		res.EventID = ref.EventID

		var event models.Event
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", ref.EventID).
			Take(&event).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				res.Outcome = OutcomeMissing
				return nil
			}
			return fmt.Errorf("lock event: %w", err)
		}

		var slots []models.Timeslot
		if err := tx.Where("event_id = ?", event.ID).Order("id").Find(&slots).Error; err != nil {
			return fmt.Errorf("load timeslots: %w", err)
		}

		current := -1
		for i := range slots {
			if slots[i].ID == timeslotID {
				current = i
				break
			}
		}
		if current < 0 {
			res.Outcome = OutcomeMissing
			return nil
		}

		switch kind {
		case KindStart:
			return e.applyStart(tx, &event, slots, current, &res)
		default:
			return e.applyEnd(tx, &event, slots, current, &res)
		}
	})

	telemetry.TransitionDuration.WithLabelValues(string(kind)).Observe(time.Since(started).Seconds())

	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.TransitionsTotal.WithLabelValues(string(kind), "error").Inc()
		return res, fmt.Errorf("%w: %s %s: %w", ErrTransactionFailed, kind, timeslotID, err)
	}

	telemetry.TransitionsTotal.WithLabelValues(string(kind), string(res.Outcome)).Inc()
	e.logResult(res)
	e.publish(res)
	return res, nil
}

func (e *Engine) applyStart(tx *gorm.DB, event *models.Event, slots []models.Timeslot, current int, res *Result) error {
	slot := &slots[current]
	res.TimeslotStatus = slot.Status
	res.EventStatus = event.Status

	if slot.Status != models.StatusOpen {
		res.Outcome = OutcomeNoop
		return nil
	}

	applied, err := setStatus(tx, &models.Timeslot{}, slot.ID, models.StatusOpen, models.StatusInProgress)
	if err != nil {
		return err
	}
	if !applied {
		res.Outcome = OutcomeNoop
		return nil
	}
	slot.Status = models.StatusInProgress
	res.TimeslotStatus = slot.Status
	res.Outcome = OutcomeApplied

	if event.Status == models.StatusOpen {
		cascaded, err := setStatus(tx, &models.Event{}, event.ID, models.StatusOpen, models.StatusInProgress)
		if err != nil {
			return err
		}
		if cascaded {
			event.Status = models.StatusInProgress
			res.EventStatus = event.Status
			res.EventCascaded = true
		}
	}
	return nil
}

func (e *Engine) applyEnd(tx *gorm.DB, event *models.Event, slots []models.Timeslot, current int, res *Result) error {
	slot := &slots[current]
	res.TimeslotStatus = slot.Status
	res.EventStatus = event.Status

	if slot.Status != models.StatusInProgress {
		res.Outcome = OutcomeNoop
		return nil
	}

	applied, err := setStatus(tx, &models.Timeslot{}, slot.ID, models.StatusInProgress, models.StatusCompleted)
	if err != nil {
		return err
	}
	if !applied {
		res.Outcome = OutcomeNoop
		return nil
	}
	slot.Status = models.StatusCompleted
	res.TimeslotStatus = slot.Status
	res.Outcome = OutcomeApplied

	if event.Status != models.StatusInProgress {
		return nil
	}
	for i := range slots {
		if i != current && slots[i].Status != models.StatusCompleted {
			return nil
		}
	}

	cascaded, err := setStatus(tx, &models.Event{}, event.ID, models.StatusInProgress, models.StatusCompleted)
	if err != nil {
		return err
	}
	if cascaded {
		event.Status = models.StatusCompleted
		res.EventStatus = event.Status
		res.EventCascaded = true
	}
	return nil
}

// setStatus is a guarded compare-and-set on the status column.
func setStatus(tx *gorm.DB, model any, id string, from, to models.Status) (bool, error) {
	result := tx.Model(model).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return false, fmt.Errorf("set status %s -> %s: %w", from, to, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (e *Engine) logResult(res Result) {
	ev := e.logger.Debug()
	if res.Outcome == OutcomeApplied {
		ev = e.logger.Info()
	}
	if res.Outcome == OutcomeMissing {
		ev = e.logger.Warn()
	}
	ev.Str("timeslot_id", res.TimeslotID).
		Str("event_id", res.EventID).
		Str("kind", string(res.Kind)).
		Str("outcome", string(res.Outcome)).
		Str("timeslot_status", string(res.TimeslotStatus)).
		Str("event_status", string(res.EventStatus)).
		Bool("event_cascaded", res.EventCascaded).
		Msg("status transition")
}

func (e *Engine) publish(res Result) {
	if e.bus == nil || res.Outcome != OutcomeApplied {
		return
	}

	payload := events.Payload{
		"timeslot_id": res.TimeslotID,
		"event_id":    res.EventID,
		"status":      string(res.TimeslotStatus),
	}
	switch res.Kind {
	case KindStart:
		e.bus.Publish(events.EventTimeslotStarted, payload)
		if res.EventCascaded {
			e.bus.Publish(events.EventEventStarted, events.Payload{"event_id": res.EventID})
		}
	case KindEnd:
		e.bus.Publish(events.EventTimeslotCompleted, payload)
		if res.EventCascaded {
			e.bus.Publish(events.EventEventCompleted, events.Payload{"event_id": res.EventID})
		}
	}
}

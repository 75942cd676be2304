/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"github.com/spotlxght/slotrunner/internal/models"
	"github.com/spotlxght/slotrunner/internal/timeslot"
)

// Candidate is a timeslot the poller may arm actions for.
type Candidate struct {
	EventID    string
	EventDate  string
	TimeslotID string
	StartTime  string
	EndTime    string
	Status     models.Status
}

// AvailabilitySource lists the timeslots eligible for scheduling on a date.
type AvailabilitySource interface {
	OpenTimeslots(ctx context.Context, date string) ([]Candidate, error)
}

// RecoverySource lists timeslots whose remaining actions were lost when a
// previous run stopped: in-progress slots still waiting for their end, and
// completed slots with an accepted applicant and no settlement attempt.
type RecoverySource interface {
	UnfinishedTimeslots(ctx context.Context, dates []string) ([]Candidate, error)
}

// StoreAvailability reads candidates from the database.
type StoreAvailability struct {
	db *gorm.DB
}

// NewStoreAvailability creates a database-backed availability source.
func NewStoreAvailability(db *gorm.DB) *StoreAvailability {
	return &StoreAvailability{db: db}
}

// OpenTimeslots returns open timeslots of events that are open on date,
// ordered by event and then by start label.
func (s *StoreAvailability) OpenTimeslots(ctx context.Context, date string) ([]Candidate, error) {
	var evs []models.Event
	err := s.db.WithContext(ctx).
		Where("status = ? AND date = ?", models.StatusOpen, date).
		Preload("Timeslots", "status = ?", models.StatusOpen).
		Order("id").
		Find(&evs).Error
	if err != nil {
		return nil, fmt.Errorf("query open events: %w", err)
	}

	var out []Candidate
	for _, ev := range evs {
		slots := ev.Timeslots
		sort.SliceStable(slots, func(i, j int) bool {
			return labelOrder(slots[i].StartTime, slots[i].ID) < labelOrder(slots[j].StartTime, slots[j].ID)
		})
		for _, slot := range slots {
			out = append(out, Candidate{
				EventID:    ev.ID,
				EventDate:  ev.Date,
				TimeslotID: slot.ID,
				StartTime:  slot.StartTime,
				EndTime:    slot.EndTime,
				Status:     slot.Status,
			})
		}
	}
	return out, nil
}

// UnfinishedTimeslots implements RecoverySource.
func (s *StoreAvailability) UnfinishedTimeslots(ctx context.Context, dates []string) ([]Candidate, error) {
	if len(dates) == 0 {
		return nil, nil
	}

	var evs []models.Event
	err := s.db.WithContext(ctx).
		Where("date IN ?", dates).
		Preload("Timeslots", "status IN ?", []models.Status{models.StatusInProgress, models.StatusCompleted}).
		Order("date, id").
		Find(&evs).Error
	if err != nil {
		return nil, fmt.Errorf("query unfinished timeslots: %w", err)
	}

	var completedIDs []string
	for _, ev := range evs {
		for _, slot := range ev.Timeslots {
			if slot.Status == models.StatusCompleted {
				completedIDs = append(completedIDs, slot.ID)
			}
		}
	}

	type booking struct {
		TimeslotID string
		EventID    string
	}
	accepted := map[booking]bool{}
	attempted := map[string]bool{}
	if len(completedIDs) > 0 {
		var apps []booking
		if err := s.db.WithContext(ctx).Model(&models.Application{}).
			Select("timeslot_id", "event_id").
			Where("timeslot_id IN ? AND status = ?", completedIDs, models.ApplicationAccepted).
			Find(&apps).Error; err != nil {
			return nil, fmt.Errorf("query accepted applications: %w", err)
		}
		for _, b := range apps {
			accepted[b] = true
		}

		var ids []string
		if err := s.db.WithContext(ctx).Model(&models.SettlementLog{}).
			Where("timeslot_id IN ?", completedIDs).
			Distinct().
			Pluck("timeslot_id", &ids).Error; err != nil {
			return nil, fmt.Errorf("query settlement logs: %w", err)
		}
		for _, id := range ids {
			attempted[id] = true
		}
	}

	var out []Candidate
	for _, ev := range evs {
		for _, slot := range ev.Timeslots {
			booked := accepted[booking{TimeslotID: slot.ID, EventID: ev.ID}]
			if slot.Status == models.StatusCompleted && (!booked || attempted[slot.ID]) {
				continue
			}
			out = append(out, Candidate{
				EventID:    ev.ID,
				EventDate:  ev.Date,
				TimeslotID: slot.ID,
				StartTime:  slot.StartTime,
				EndTime:    slot.EndTime,
				Status:     slot.Status,
			})
		}
	}
	return out, nil
}

// labelOrder sorts unknown labels last; they are rejected later with a logged error.
func labelOrder(label, id string) string {
	idx, err := timeslot.Index(label)
	if err != nil {
		idx = timeslot.CatalogSize
	}
	return fmt.Sprintf("%03d/%s", idx, id)
}

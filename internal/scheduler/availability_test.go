package scheduler

import (
	"context"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/spotlxght/slotrunner/internal/models"
)

func newAvailabilityDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("failed to open sqlite db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&models.User{}, &models.Event{}, &models.Timeslot{}, &models.Application{}, &models.SettlementLog{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	rows := []any{
		&models.User{ID: "venue-1", Name: "Blue Room", Email: "venue@example.com", Type: models.UserTypeVenue},
		&models.User{ID: "artist-1", Name: "Trio", Email: "artist@example.com", Type: models.UserTypeMusician},

		// Today's open event: only open slots are candidates, ordered by start label.
		&models.Event{ID: "ev-today", Name: "Friday Jazz", Status: models.StatusOpen, Date: "2024-06-01", VenueID: "venue-1"},
		&models.Timeslot{ID: "ts-b", StartTime: "9:00PM", EndTime: "11:00PM", Status: models.StatusOpen, EventID: "ev-today"},
		&models.Timeslot{ID: "ts-a", StartTime: "7:00PM", EndTime: "9:00PM", Status: models.StatusOpen, EventID: "ev-today"},
		&models.Timeslot{ID: "ts-closed", StartTime: "6:00PM", EndTime: "7:00PM", Status: models.StatusClosed, EventID: "ev-today"},

		// Draft events on the same date are not polled.
		&models.Event{ID: "ev-draft", Name: "Draft", Status: models.StatusDraft, Date: "2024-06-01", VenueID: "venue-1"},
		&models.Timeslot{ID: "ts-draft", StartTime: "8:00PM", EndTime: "9:00PM", Status: models.StatusOpen, EventID: "ev-draft"},

		// Open events on other dates are not polled.
		&models.Event{ID: "ev-tomorrow", Name: "Saturday", Status: models.StatusOpen, Date: "2024-06-02", VenueID: "venue-1"},
		&models.Timeslot{ID: "ts-tomorrow", StartTime: "8:00PM", EndTime: "9:00PM", Status: models.StatusOpen, EventID: "ev-tomorrow"},

		// Yesterday's running event, for recovery.
		&models.Event{ID: "ev-late", Name: "Late Show", Status: models.StatusInProgress, Date: "2024-05-31", VenueID: "venue-1"},
		&models.Timeslot{ID: "ts-running", StartTime: "11:30PM", EndTime: "1:00AM", Status: models.StatusInProgress, EventID: "ev-late"},
		&models.Timeslot{ID: "ts-unsettled", StartTime: "9:00PM", EndTime: "10:00PM", Status: models.StatusCompleted, EventID: "ev-late"},
		&models.Timeslot{ID: "ts-settled", StartTime: "10:00PM", EndTime: "11:00PM", Status: models.StatusCompleted, EventID: "ev-late"},
		&models.Timeslot{ID: "ts-unbooked", StartTime: "8:00PM", EndTime: "9:00PM", Status: models.StatusCompleted, EventID: "ev-late"},
		&models.Application{TimeslotID: "ts-unsettled", EventID: "ev-late", UserID: "artist-1", Status: models.ApplicationAccepted},
		&models.Application{TimeslotID: "ts-settled", EventID: "ev-late", UserID: "artist-1", Status: models.ApplicationAccepted},
		&models.Application{TimeslotID: "ts-unbooked", EventID: "ev-late", UserID: "artist-1", Status: models.ApplicationRejected},
		// Accepted under another event, so settlement would find no applicant.
		&models.Timeslot{ID: "ts-mismatched", StartTime: "7:00PM", EndTime: "8:00PM", Status: models.StatusCompleted, EventID: "ev-late"},
		&models.Application{TimeslotID: "ts-mismatched", EventID: "ev-today", UserID: "artist-1", Status: models.ApplicationAccepted},
		&models.SettlementLog{ID: "log-1", TimeslotID: "ts-settled", EventID: "ev-late", UserID: "artist-1", Status: models.SettlementFailed, StatusCode: 502},
	}
	for _, row := range rows {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return db
}

func TestOpenTimeslotsSelectsOpenEventsForDate(t *testing.T) {
	src := NewStoreAvailability(newAvailabilityDB(t))

	got, err := src.OpenTimeslots(context.Background(), "2024-06-01")
	if err != nil {
		t.Fatalf("OpenTimeslots: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %+v", got)
	}
	if got[0].TimeslotID != "ts-a" || got[1].TimeslotID != "ts-b" {
		t.Fatalf("candidates not ordered by start label: %+v", got)
	}
	if got[0].EventDate != "2024-06-01" || got[0].StartTime != "7:00PM" || got[0].Status != models.StatusOpen {
		t.Fatalf("unexpected candidate %+v", got[0])
	}

	none, err := src.OpenTimeslots(context.Background(), "2024-06-03")
	if err != nil {
		t.Fatalf("OpenTimeslots: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no candidates, got %+v", none)
	}
}

func TestUnfinishedTimeslotsFindsLostActions(t *testing.T) {
	src := NewStoreAvailability(newAvailabilityDB(t))

	got, err := src.UnfinishedTimeslots(context.Background(), []string{"2024-05-31", "2024-06-01"})
	if err != nil {
		t.Fatalf("UnfinishedTimeslots: %v", err)
	}

	byID := make(map[string]Candidate, len(got))
	for _, c := range got {
		byID[c.TimeslotID] = c
	}
	if len(byID) != 2 {
		t.Fatalf("expected 2 unfinished timeslots, got %+v", got)
	}
	if c := byID["ts-running"]; c.Status != models.StatusInProgress || c.EventDate != "2024-05-31" {
		t.Fatalf("unexpected running candidate %+v", c)
	}
	if c := byID["ts-unsettled"]; c.Status != models.StatusCompleted {
		t.Fatalf("unexpected unsettled candidate %+v", c)
	}

	got, err = src.UnfinishedTimeslots(context.Background(), nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("no dates: got %+v, %v", got, err)
	}
}

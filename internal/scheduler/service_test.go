/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/spotlxght/slotrunner/internal/lifecycle"
	"github.com/spotlxght/slotrunner/internal/models"
	"github.com/spotlxght/slotrunner/internal/settlement"
	"github.com/spotlxght/slotrunner/internal/timeslot"
)

type recorder struct {
	mu      sync.Mutex
	calls   []string
	settled chan string
}

func newRecorder() *recorder {
	return &recorder{settled: make(chan string, 16)}
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeEngine struct {
	rec        *recorder
	startDelay time.Duration
	failStart  bool
	failEnd    bool
}

func (f *fakeEngine) UpdateStatus(_ context.Context, id string, kind lifecycle.Kind) (lifecycle.Result, error) {
	if kind == lifecycle.KindStart && f.startDelay > 0 {
		time.Sleep(f.startDelay)
	}
	f.rec.add(string(kind) + ":" + id)
	if kind == lifecycle.KindStart && f.failStart {
		return lifecycle.Result{}, lifecycle.ErrTransactionFailed
	}
	if kind == lifecycle.KindEnd && f.failEnd {
		return lifecycle.Result{}, lifecycle.ErrTransactionFailed
	}
	return lifecycle.Result{TimeslotID: id, Kind: kind, Outcome: lifecycle.OutcomeApplied}, nil
}

type fakeSettler struct {
	rec *recorder
}

func (f *fakeSettler) Settle(_ context.Context, timeslotID, _ string) (settlement.Outcome, error) {
	f.rec.add("settle:" + timeslotID)
	f.rec.settled <- timeslotID
	return settlement.OutcomeReleased, nil
}

type staticSource struct {
	mu         sync.Mutex
	candidates []Candidate
	dates      []string
	err        error
}

func (s *staticSource) OpenTimeslots(_ context.Context, date string) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dates = append(s.dates, date)
	return s.candidates, s.err
}

func newTestService(t *testing.T, source AvailabilitySource, engine Transitioner, settler Settler) *Service {
	t.Helper()
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	svc := New(source, engine, settler, NewRegistry(), Config{Location: loc, MaxConcurrent: 4}, zerolog.Nop())
	t.Cleanup(svc.shutdown)
	return svc
}

func futureTarget(id string, now time.Time) Target {
	start := now.Add(time.Hour)
	return Target{
		TimeslotID: id,
		EventID:    "ev-1",
		Window: timeslot.Window{
			Start:         start,
			End:           start.Add(time.Hour),
			SettlementDue: start.Add(3 * time.Hour),
		},
	}
}

func waitSettled(t *testing.T, rec *recorder, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-rec.settled:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for settlement %d/%d; calls=%v", i+1, n, rec.snapshot())
		}
	}
}

func TestRegistryDeduplicates(t *testing.T) {
	reg := NewRegistry()
	now := time.Now()

	if !reg.TryReserve(newJob(futureTarget("ts-1", now))) {
		t.Fatal("first reservation should succeed")
	}
	if reg.TryReserve(newJob(futureTarget("ts-1", now))) {
		t.Fatal("duplicate reservation should fail")
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", reg.Len())
	}

	reg.Release("ts-1")
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry after release, got %d", reg.Len())
	}
	if !reg.TryReserve(newJob(futureTarget("ts-1", now))) {
		t.Fatal("reservation after release should succeed")
	}
}

func TestRegistrySnapshotOrderedByStart(t *testing.T) {
	reg := NewRegistry()
	now := time.Now()

	late := futureTarget("ts-late", now.Add(2*time.Hour))
	early := futureTarget("ts-early", now)
	reg.TryReserve(newJob(late))
	reg.TryReserve(newJob(early))

	views := reg.Snapshot()
	if len(views) != 2 || views[0].TimeslotID != "ts-early" || views[1].TimeslotID != "ts-late" {
		t.Fatalf("unexpected snapshot %+v", views)
	}
	if views[0].Stage != StageScheduled {
		t.Fatalf("unexpected stage %s", views[0].Stage)
	}
}

func TestReconcileTwiceSchedulesOnce(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, &staticSource{}, &fakeEngine{rec: rec}, &fakeSettler{rec: rec})

	now := time.Now()
	targets := []Target{futureTarget("ts-1", now), futureTarget("ts-2", now)}

	first := svc.Reconcile(targets)
	second := svc.Reconcile(targets)

	if len(first) != 2 {
		t.Fatalf("expected 2 newly scheduled, got %d", len(first))
	}
	if len(second) != 0 {
		t.Fatalf("expected nothing new on second cycle, got %d", len(second))
	}
	if svc.Registry().Len() != 2 {
		t.Fatalf("expected 2 registered jobs, got %d", svc.Registry().Len())
	}

	svc.mu.Lock()
	armed := len(svc.armed)
	svc.mu.Unlock()
	if armed != 2 {
		t.Fatalf("expected 2 armed jobs, got %d", armed)
	}
}

func TestPastDueActionsFireInOrder(t *testing.T) {
	rec := newRecorder()
	engine := &fakeEngine{rec: rec, startDelay: 50 * time.Millisecond}
	svc := newTestService(t, &staticSource{}, engine, &fakeSettler{rec: rec})

	past := time.Now().Add(-4 * time.Hour)
	svc.Reconcile([]Target{{
		TimeslotID: "ts-1",
		EventID:    "ev-1",
		Window: timeslot.Window{
			Start:         past,
			End:           past.Add(time.Hour),
			SettlementDue: past.Add(3 * time.Hour),
		},
	}})

	waitSettled(t, rec, 1)

	calls := rec.snapshot()
	want := []string{"start:ts-1", "end:ts-1", "settle:ts-1"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
	if svc.Registry().Len() != 0 {
		t.Fatalf("registry should be empty after end action, got %d", svc.Registry().Len())
	}
}

func TestTimersFireAtInstants(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, &staticSource{}, &fakeEngine{rec: rec}, &fakeSettler{rec: rec})

	now := time.Now()
	svc.Reconcile([]Target{{
		TimeslotID: "ts-1",
		EventID:    "ev-1",
		Window: timeslot.Window{
			Start:         now.Add(100 * time.Millisecond),
			End:           now.Add(200 * time.Millisecond),
			SettlementDue: now.Add(300 * time.Millisecond),
		},
	}})

	if got := svc.Registry().Len(); got != 1 {
		t.Fatalf("expected job registered before firing, got %d", got)
	}

	waitSettled(t, rec, 1)
	if svc.Registry().Len() != 0 {
		t.Fatal("registry entry should be released after end")
	}
}

func TestFailedEndStillReleasesEntryAndSettles(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, &staticSource{}, &fakeEngine{rec: rec, failEnd: true}, &fakeSettler{rec: rec})

	past := time.Now().Add(-3 * time.Hour)
	svc.Reconcile([]Target{{
		TimeslotID: "ts-1",
		EventID:    "ev-1",
		Window:     timeslot.Window{Start: past, End: past.Add(time.Minute), SettlementDue: past.Add(2 * time.Hour)},
	}})

	waitSettled(t, rec, 1)
	if svc.Registry().Len() != 0 {
		t.Fatal("registry entry should be released even when end fails")
	}
}

func TestReconcileWhileSettlementPendingAddsNothing(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, &staticSource{}, &fakeEngine{rec: rec, failStart: true}, &fakeSettler{rec: rec})

	now := time.Now()
	target := Target{
		TimeslotID: "ts-1",
		EventID:    "ev-1",
		Window: timeslot.Window{
			Start:         now.Add(-2 * time.Hour),
			End:           now.Add(-time.Minute),
			SettlementDue: now.Add(time.Hour),
		},
	}

	if got := svc.Reconcile([]Target{target}); len(got) != 1 {
		t.Fatalf("expected first reconcile to schedule, got %d", len(got))
	}
	// The end action releases the entry even though start failed.
	eventually(t, func() bool { return svc.Registry().Len() == 0 })

	if got := svc.Reconcile([]Target{target}); len(got) != 0 {
		t.Fatalf("settlement still pending, expected nothing scheduled, got %d", len(got))
	}
	if svc.Registry().Len() != 0 {
		t.Fatal("refused job must not stay registered")
	}

	svc.mu.Lock()
	armed := len(svc.armed)
	svc.mu.Unlock()
	if armed != 1 {
		t.Fatalf("expected a single armed job, got %d", armed)
	}

	calls := rec.snapshot()
	want := []string{"start:ts-1", "end:ts-1"}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestPollSkipsEndedWindows(t *testing.T) {
	rec := newRecorder()
	source := &staticSource{candidates: []Candidate{
		{EventID: "ev-1", EventDate: "2024-06-01", TimeslotID: "ts-ended", StartTime: "9:00PM", EndTime: "11:00PM"},
		{EventID: "ev-1", EventDate: "2024-06-01", TimeslotID: "ts-running", StartTime: "11:00PM", EndTime: "12:30AM"},
	}}
	svc := newTestService(t, source, &fakeEngine{rec: rec}, &fakeSettler{rec: rec})
	svc.now = func() time.Time { return time.Date(2024, 6, 1, 23, 30, 0, 0, svc.loc) }

	n, err := svc.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 scheduled, got %d", n)
	}
	views := svc.Registry().Snapshot()
	if len(views) != 1 || views[0].TimeslotID != "ts-running" {
		t.Fatalf("unexpected registry %+v", views)
	}
}

func TestPollSkipsUnmaterializableTimeslots(t *testing.T) {
	rec := newRecorder()
	source := &staticSource{candidates: []Candidate{
		{EventID: "ev-1", EventDate: "2024-06-01", TimeslotID: "ts-good", StartTime: "9:00PM", EndTime: "11:00PM"},
		{EventID: "ev-1", EventDate: "2024-06-01", TimeslotID: "ts-bad-label", StartTime: "9:10PM", EndTime: "11:00PM"},
		{EventID: "ev-1", EventDate: "2024-06-01", TimeslotID: "ts-empty", StartTime: "9:00PM", EndTime: "9:00PM"},
		{EventID: "ev-2", EventDate: "not-a-date", TimeslotID: "ts-bad-date", StartTime: "8:00PM", EndTime: "9:00PM"},
		{EventID: "ev-2", EventDate: "2024-06-01", TimeslotID: "ts-late", StartTime: "11:30PM", EndTime: "12:30AM"},
	}}
	svc := newTestService(t, source, &fakeEngine{rec: rec}, &fakeSettler{rec: rec})
	svc.now = func() time.Time {
		return time.Date(2024, 6, 1, 10, 0, 0, 0, svc.loc)
	}

	n, err := svc.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 scheduled, got %d", n)
	}
	if source.dates[0] != "2024-06-01" {
		t.Fatalf("queried date %q, want operating-zone today", source.dates[0])
	}

	views := svc.Registry().Snapshot()
	if len(views) != 2 || views[0].TimeslotID != "ts-good" || views[1].TimeslotID != "ts-late" {
		t.Fatalf("unexpected registry %+v", views)
	}
	if !views[0].Start.Equal(time.Date(2024, 6, 2, 2, 0, 0, 0, time.UTC)) {
		t.Fatalf("ts-good start = %s", views[0].Start)
	}

	n, err = svc.Poll(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second poll = %d, %v; want 0, nil", n, err)
	}
}

func TestPollUsesOperatingZoneDate(t *testing.T) {
	source := &staticSource{}
	rec := newRecorder()
	svc := newTestService(t, source, &fakeEngine{rec: rec}, &fakeSettler{rec: rec})
	// 03:00Z on June 2 is the evening of June 1 in Chicago.
	svc.now = func() time.Time { return time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC) }

	if _, err := svc.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if source.dates[0] != "2024-06-01" {
		t.Fatalf("queried date %q, want 2024-06-01", source.dates[0])
	}
}

func TestPollReportsSourceError(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, &staticSource{err: errors.New("db down")}, &fakeEngine{rec: rec}, &fakeSettler{rec: rec})

	if _, err := svc.Poll(context.Background()); err == nil {
		t.Fatal("expected poll error")
	}
}

func TestRunDisarmsPendingTimersOnExit(t *testing.T) {
	rec := newRecorder()
	now := time.Now()
	source := &staticSource{candidates: []Candidate{{
		EventID:    "ev-1",
		EventDate:  timeslot.DateOf(now, time.UTC),
		TimeslotID: "ts-1",
		StartTime:  "11:45PM",
		EndTime:    "12:00AM",
	}}}
	svc := New(source, &fakeEngine{rec: rec}, &fakeSettler{rec: rec}, NewRegistry(), Config{Location: time.UTC}, zerolog.Nop())
	// Pin "now" early in the day so the 11:45PM slot is in the future.
	svc.now = func() time.Time {
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for svc.Registry().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job was not scheduled by the initial poll")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if svc.Registry().Len() != 0 {
		t.Fatal("registry should be cleared on exit")
	}
	if calls := rec.snapshot(); len(calls) != 0 {
		t.Fatalf("no action should have fired, got %v", calls)
	}
}

type recoveringSource struct {
	staticSource
	unfinished []Candidate
	recDates   []string
}

func (s *recoveringSource) UnfinishedTimeslots(_ context.Context, dates []string) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recDates = append(s.recDates, dates...)
	return s.unfinished, nil
}

func TestRecoverResumesUnfinishedTimeslots(t *testing.T) {
	rec := newRecorder()
	source := &recoveringSource{unfinished: []Candidate{
		{EventID: "ev-1", EventDate: "2024-06-01", TimeslotID: "ts-running", StartTime: "6:00PM", EndTime: "7:00PM", Status: models.StatusInProgress},
		{EventID: "ev-1", EventDate: "2024-06-01", TimeslotID: "ts-done", StartTime: "3:00PM", EndTime: "4:00PM", Status: models.StatusCompleted},
		{EventID: "ev-1", EventDate: "2024-06-01", TimeslotID: "ts-open", StartTime: "8:00PM", EndTime: "9:00PM", Status: models.StatusOpen},
	}}
	svc := newTestService(t, source, &fakeEngine{rec: rec}, &fakeSettler{rec: rec})
	// Past every settlement due instant above.
	svc.now = func() time.Time { return time.Date(2024, 6, 2, 3, 0, 0, 0, svc.loc) }

	n, err := svc.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 resumed, got %d", n)
	}
	if len(source.recDates) != 2 || source.recDates[0] != "2024-06-01" || source.recDates[1] != "2024-06-02" {
		t.Fatalf("recovery dates = %v", source.recDates)
	}

	waitSettled(t, rec, 2)

	calls := rec.snapshot()
	seen := map[string]bool{}
	for _, c := range calls {
		seen[c] = true
	}
	for _, want := range []string{"end:ts-running", "settle:ts-running", "settle:ts-done"} {
		if !seen[want] {
			t.Fatalf("missing %s in %v", want, calls)
		}
	}
	for _, unwanted := range []string{"start:ts-running", "end:ts-done", "start:ts-open", "settle:ts-open"} {
		if seen[unwanted] {
			t.Fatalf("unexpected %s in %v", unwanted, calls)
		}
	}
	if svc.Registry().Len() != 0 {
		t.Fatal("resumed entry should be released after its end action")
	}
}

func TestRecoverSkipsPendingSettlement(t *testing.T) {
	rec := newRecorder()
	now := time.Now()
	target := futureTarget("ts-1", now)
	source := &recoveringSource{unfinished: []Candidate{{
		EventID:    "ev-1",
		EventDate:  timeslot.DateOf(now, time.UTC),
		TimeslotID: "ts-1",
		StartTime:  "3:00PM",
		EndTime:    "4:00PM",
		Status:     models.StatusCompleted,
	}}}
	svc := newTestService(t, source, &fakeEngine{rec: rec}, &fakeSettler{rec: rec})

	svc.Reconcile([]Target{target})
	n, err := svc.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 0 {
		t.Fatalf("settlement already pending, expected nothing resumed, got %d", n)
	}
}

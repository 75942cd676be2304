/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/spotlxght/slotrunner/internal/lifecycle"
	"github.com/spotlxght/slotrunner/internal/models"
	"github.com/spotlxght/slotrunner/internal/settlement"
	"github.com/spotlxght/slotrunner/internal/telemetry"
	"github.com/spotlxght/slotrunner/internal/timeslot"
)

// Transitioner applies start and end transitions.
type Transitioner interface {
	UpdateStatus(ctx context.Context, timeslotID string, kind lifecycle.Kind) (lifecycle.Result, error)
}

// Settler runs settlement for a timeslot.
type Settler interface {
	Settle(ctx context.Context, timeslotID, eventID string) (settlement.Outcome, error)
}

// Config controls the poller.
type Config struct {
	Location      *time.Location
	PollSchedule  string // cron spec evaluated in Location
	MaxConcurrent int64
}

// Service discovers today's open timeslots and arms their start, end and
// settlement actions.
type Service struct {
	source   AvailabilitySource
	engine   Transitioner
	settler  Settler
	registry *Registry
	loc      *time.Location
	spec     string
	sem      *semaphore.Weighted
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	runCtx   context.Context
	armed    map[*Job]struct{}
	settling map[string]struct{} // timeslots with a pending or running settlement action
	wg       sync.WaitGroup
}

// New constructs the scheduler service.
func New(source AvailabilitySource, engine Transitioner, settler Settler, registry *Registry, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PollSchedule == "" {
		cfg.PollSchedule = "* * * * *"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Service{
		source:   source,
		engine:   engine,
		settler:  settler,
		registry: registry,
		loc:      cfg.Location,
		spec:     cfg.PollSchedule,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		armed:    make(map[*Job]struct{}),
		settling: make(map[string]struct{}),
	}
}

// Registry exposes the job registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Run polls on the configured schedule until ctx is cancelled. Pending timers
// are disarmed on return and in-flight actions are awaited.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.begin(runCtx)

	cl := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.tick(runCtx) }); err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", s.spec, err)
	}

	s.logger.Info().Str("schedule", s.spec).Str("timezone", s.loc.String()).Msg("scheduler loop started")

	if n, err := s.Recover(runCtx); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("recovery of unfinished timeslots failed")
			telemetry.SchedulerErrorsTotal.WithLabelValues("recover").Inc()
		}
	} else if n > 0 {
		s.logger.Info().Int("resumed", n).Msg("resumed unfinished timeslots")
	}

	// Catch up immediately instead of waiting for the first cron boundary.
	s.tick(runCtx)
	c.Start()

	<-ctx.Done()
	cancel()
	<-c.Stop().Done()
	s.shutdown()

	s.logger.Info().Msg("scheduler loop stopped")
	return ctx.Err()
}

func (s *Service) begin(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
}

// shutdown disarms every pending timer, clears the registry and waits for
// actions that are already executing.
func (s *Service) shutdown() {
	s.mu.Lock()
	disarmed := 0
	for job := range s.armed {
		for _, t := range job.timers {
			if t.Stop() {
				disarmed++
				s.wg.Done()
			}
		}
	}
	s.armed = make(map[*Job]struct{})
	s.settling = make(map[string]struct{})
	s.mu.Unlock()

	s.registry.Clear()
	telemetry.SchedulerRegistrySize.Set(0)
	s.wg.Wait()

	if disarmed > 0 {
		s.logger.Info().Int("disarmed", disarmed).Msg("pending actions disarmed")
	}
}

func (s *Service) tick(ctx context.Context) {
	telemetry.SchedulerTicksTotal.Inc()
	started := time.Now()
	defer func() {
		telemetry.SchedulerPollDuration.Observe(time.Since(started).Seconds())
	}()

	n, err := s.Poll(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("availability poll failed")
			telemetry.SchedulerErrorsTotal.WithLabelValues("poll").Inc()
		}
		return
	}
	if n > 0 {
		s.logger.Info().Int("scheduled", n).Int("registered", s.registry.Len()).Msg("scheduled new timeslots")
	}
}

// Poll runs one availability cycle and returns how many jobs were newly
// scheduled. Timeslots that cannot be materialized are logged and skipped.
func (s *Service) Poll(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler", "Poll")
	defer span.End()

	today := timeslot.DateOf(s.now(), s.loc)
	candidates, err := s.source.OpenTimeslots(ctx, today)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}
	telemetry.AddSpanAttributes(span, map[string]any{
		"date":       today,
		"candidates": len(candidates),
	})

	now := s.now()
	targets := make([]Target, 0, len(candidates))
	for _, c := range candidates {
		w, err := timeslot.Materialize(c.EventDate, c.StartTime, c.EndTime, s.loc)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("timeslot_id", c.TimeslotID).
				Str("event_id", c.EventID).
				Str("start_time", c.StartTime).
				Str("end_time", c.EndTime).
				Msg("cannot materialize timeslot, skipping")
			telemetry.SchedulerErrorsTotal.WithLabelValues("materialize").Inc()
			continue
		}
		// An open timeslot whose window has passed missed its start; only
		// startup recovery resumes timeslots, and only from store state.
		if !w.End.After(now) {
			s.logger.Debug().
				Str("timeslot_id", c.TimeslotID).
				Str("event_id", c.EventID).
				Time("end", w.End).
				Msg("timeslot window already ended, skipping")
			continue
		}
		targets = append(targets, Target{TimeslotID: c.TimeslotID, EventID: c.EventID, Window: w})
	}

	return len(s.Reconcile(targets)), nil
}

// Reconcile schedules every target whose timeslot is not already registered
// and has no settlement action pending, and returns the ones that were newly
// scheduled.
func (s *Service) Reconcile(targets []Target) []Target {
	var scheduled []Target
	for _, t := range targets {
		job := newJob(t)
		if !s.registry.TryReserve(job) {
			continue
		}
		if !s.arm(job, StageScheduled) {
			s.registry.Release(job.TimeslotID)
			continue
		}
		scheduled = append(scheduled, t)
		telemetry.SchedulerJobsScheduledTotal.Inc()

		s.logger.Debug().
			Str("timeslot_id", t.TimeslotID).
			Str("event_id", t.EventID).
			Time("start", t.Window.Start).
			Time("end", t.Window.End).
			Time("settlement_due", t.Window.SettlementDue).
			Msg("timeslot scheduled")
	}
	telemetry.SchedulerRegistrySize.Set(float64(s.registry.Len()))
	return scheduled
}

// Recover resumes timeslots whose actions were lost when a previous run
// stopped. In-progress timeslots get their end and settlement actions back;
// completed ones with an accepted applicant and no settlement attempt get
// their settlement action. Yesterday is included for windows that cross
// midnight. Run calls this once before the first poll, so a failed end or
// settlement during a run is never retried by it.
func (s *Service) Recover(ctx context.Context) (int, error) {
	rs, ok := s.source.(RecoverySource)
	if !ok {
		return 0, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "scheduler", "Recover")
	defer span.End()

	now := s.now()
	dates := []string{
		timeslot.DateOf(now.AddDate(0, 0, -1), s.loc),
		timeslot.DateOf(now, s.loc),
	}
	candidates, err := rs.UnfinishedTimeslots(ctx, dates)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}

	resumed := 0
	for _, c := range candidates {
		w, err := timeslot.Materialize(c.EventDate, c.StartTime, c.EndTime, s.loc)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("timeslot_id", c.TimeslotID).
				Str("event_id", c.EventID).
				Msg("cannot materialize unfinished timeslot, skipping")
			telemetry.SchedulerErrorsTotal.WithLabelValues("materialize").Inc()
			continue
		}
		job := newJob(Target{TimeslotID: c.TimeslotID, EventID: c.EventID, Window: w})

		switch c.Status {
		case models.StatusInProgress:
			if !s.registry.TryReserve(job) {
				continue
			}
			if !s.arm(job, StageStarted) {
				s.registry.Release(job.TimeslotID)
				continue
			}
		case models.StatusCompleted:
			if !s.arm(job, StageEnded) {
				continue
			}
		default:
			continue
		}
		resumed++
		s.logger.Info().
			Str("timeslot_id", c.TimeslotID).
			Str("event_id", c.EventID).
			Str("status", string(c.Status)).
			Time("settlement_due", w.SettlementDue).
			Msg("resuming unfinished timeslot")
	}
	telemetry.SchedulerRegistrySize.Set(float64(s.registry.Len()))
	return resumed, nil
}

// arm registers the timers for the actions after stage. Instants already in
// the past fire at once; the end action still waits for start, and
// settlement waits for end. It reports false when a settlement action for
// the timeslot is already pending.
func (s *Service) arm(job *Job, from Stage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.settling[job.TimeslotID]; busy {
		return false
	}

	now := s.now()
	delay := func(at time.Time) time.Duration {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}

	switch from {
	case StageScheduled:
		s.wg.Add(3)
		job.timers = []*time.Timer{
			time.AfterFunc(delay(job.Window.Start), func() { s.runStart(job) }),
			time.AfterFunc(delay(job.Window.End), func() { s.runEnd(job) }),
			time.AfterFunc(delay(job.Window.SettlementDue), func() { s.runSettle(job) }),
		}
	case StageStarted:
		job.stage = StageStarted
		close(job.started)
		s.wg.Add(2)
		job.timers = []*time.Timer{
			time.AfterFunc(delay(job.Window.End), func() { s.runEnd(job) }),
			time.AfterFunc(delay(job.Window.SettlementDue), func() { s.runSettle(job) }),
		}
	case StageEnded:
		job.stage = StageEnded
		close(job.started)
		close(job.ended)
		s.wg.Add(1)
		job.timers = []*time.Timer{
			time.AfterFunc(delay(job.Window.SettlementDue), func() { s.runSettle(job) }),
		}
	}
	s.settling[job.TimeslotID] = struct{}{}
	s.armed[job] = struct{}{}
	return true
}

func (s *Service) actionContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

// acquire takes a worker slot. The returned context outlives shutdown so a
// transition or release already underway is not cut off midway.
func (s *Service) acquire(ctx context.Context) (context.Context, func(), bool) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, false
	}
	telemetry.SchedulerActionsInFlight.Inc()
	return context.WithoutCancel(ctx), func() {
		telemetry.SchedulerActionsInFlight.Dec()
		s.sem.Release(1)
	}, true
}

func (s *Service) runStart(job *Job) {
	defer s.wg.Done()
	defer close(job.started)

	ctx := s.actionContext()
	execCtx, release, ok := s.acquire(ctx)
	if !ok {
		return
	}
	defer release()

	s.transition(execCtx, job, lifecycle.KindStart)
	job.setStage(StageStarted)
}

func (s *Service) runEnd(job *Job) {
	defer s.wg.Done()
	defer close(job.ended)
	defer s.complete(job)

	ctx := s.actionContext()
	select {
	case <-job.started:
	case <-ctx.Done():
		return
	}

	execCtx, release, ok := s.acquire(ctx)
	if !ok {
		return
	}
	defer release()

	s.transition(execCtx, job, lifecycle.KindEnd)
	job.setStage(StageEnded)
}

func (s *Service) runSettle(job *Job) {
	defer s.wg.Done()
	defer s.disarm(job)

	ctx := s.actionContext()
	select {
	case <-job.ended:
	case <-ctx.Done():
		return
	}

	execCtx, release, ok := s.acquire(ctx)
	if !ok {
		return
	}
	defer release()

	outcome, err := s.settler.Settle(execCtx, job.TimeslotID, job.EventID)
	if err != nil {
		s.logger.Error().Err(err).
			Str("timeslot_id", job.TimeslotID).
			Str("event_id", job.EventID).
			Str("outcome", string(outcome)).
			Msg("settlement failed")
		telemetry.SchedulerErrorsTotal.WithLabelValues("settle").Inc()
	}
}

func (s *Service) transition(ctx context.Context, job *Job, kind lifecycle.Kind) {
	res, err := s.engine.UpdateStatus(ctx, job.TimeslotID, kind)
	if err != nil {
		s.logger.Error().Err(err).
			Str("timeslot_id", job.TimeslotID).
			Str("event_id", job.EventID).
			Str("kind", string(kind)).
			Msg("status transition failed")
		telemetry.SchedulerErrorsTotal.WithLabelValues(string(kind)).Inc()
		return
	}
	if res.Outcome == lifecycle.OutcomeMissing {
		s.logger.Warn().Str("timeslot_id", job.TimeslotID).Str("kind", string(kind)).Msg("timeslot disappeared before transition")
	}
}

// complete is the end action's completion callback and the only path that
// removes a registry entry.
func (s *Service) complete(job *Job) {
	s.registry.Release(job.TimeslotID)
	telemetry.SchedulerRegistrySize.Set(float64(s.registry.Len()))
}

func (s *Service) disarm(job *Job) {
	s.mu.Lock()
	delete(s.armed, job)
	delete(s.settling, job.TimeslotID)
	s.mu.Unlock()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/spotlxght/slotrunner/internal/timeslot"
)

// Stage is the progress of a scheduled job.
type Stage string

const (
	StageScheduled Stage = "scheduled"
	StageStarted   Stage = "started"
	StageEnded     Stage = "ended"
)

// Target is a materialized window for one timeslot.
type Target struct {
	TimeslotID string
	EventID    string
	Window     timeslot.Window
}

// Job holds the three deferred actions of one timeslot.
type Job struct {
	Target

	mu     sync.Mutex
	stage  Stage
	timers []*time.Timer

	started chan struct{}
	ended   chan struct{}
}

func newJob(t Target) *Job {
	return &Job{
		Target:  t,
		stage:   StageScheduled,
		started: make(chan struct{}),
		ended:   make(chan struct{}),
	}
}

func (j *Job) setStage(s Stage) {
	j.mu.Lock()
	j.stage = s
	j.mu.Unlock()
}

// Stage returns the job's current stage.
func (j *Job) Stage() Stage {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage
}

// JobView is a read-only copy of a registry entry.
type JobView struct {
	TimeslotID    string    `json:"timeslot_id"`
	EventID       string    `json:"event_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	SettlementDue time.Time `json:"settlement_due"`
	Stage         Stage     `json:"stage"`
}

// Registry maps timeslot IDs to their scheduled jobs. An entry lives from
// reservation until the end action of its timeslot has run.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// TryReserve inserts job unless its timeslot is already registered.
func (r *Registry) TryReserve(job *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.TimeslotID]; exists {
		return false
	}
	r.jobs[job.TimeslotID] = job
	return true
}

// Release removes the entry for timeslotID.
func (r *Registry) Release(timeslotID string) {
	r.mu.Lock()
	delete(r.jobs, timeslotID)
	r.mu.Unlock()
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Clear drops every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.jobs = make(map[string]*Job)
	r.mu.Unlock()
}

// Snapshot lists registered jobs ordered by start instant.
func (r *Registry) Snapshot() []JobView {
	r.mu.Lock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, JobView{
			TimeslotID:    j.TimeslotID,
			EventID:       j.EventID,
			Start:         j.Window.Start,
			End:           j.Window.End,
			SettlementDue: j.Window.SettlementDue,
			Stage:         j.Stage(),
		})
	}
	sort.Slice(views, func(a, b int) bool {
		if views[a].Start.Equal(views[b].Start) {
			return views[a].TimeslotID < views[b].TimeslotID
		}
		return views[a].Start.Before(views[b].Start)
	})
	return views
}

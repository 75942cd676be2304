package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Elector reports leadership changes.
type Elector interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
	LeaderCh() <-chan bool
}

// Runner is a loop that runs until its context is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// LeaderAwareScheduler wraps a scheduler and only runs when this instance is the leader
type LeaderAwareScheduler struct {
	scheduler Runner
	election  Elector
	logger    zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLeaderAware creates a leader-aware scheduler wrapper
func NewLeaderAware(scheduler Runner, election Elector, logger zerolog.Logger) *LeaderAwareScheduler {
	return &LeaderAwareScheduler{
		scheduler: scheduler,
		election:  election,
		logger:    logger.With().Str("component", "leader_aware_scheduler").Logger(),
	}
}

// Start begins campaigning and runs the scheduler while leadership is held.
func (las *LeaderAwareScheduler) Start(ctx context.Context) error {
	las.logger.Info().Msg("starting leader-aware scheduler")

	if err := las.election.Start(ctx); err != nil {
		return err
	}

	las.mu.Lock()
	las.ctx = ctx
	las.mu.Unlock()

	go las.monitorLeadership(ctx)
	return nil
}

// Stop halts the scheduler, waits for it to wind down and releases leadership.
func (las *LeaderAwareScheduler) Stop() error {
	las.logger.Info().Msg("stopping leader-aware scheduler")
	las.stopScheduler()
	return las.election.Stop()
}

// Running reports whether the wrapped scheduler is active on this instance.
func (las *LeaderAwareScheduler) Running() bool {
	las.mu.Lock()
	defer las.mu.Unlock()
	return las.done != nil
}

// IsLeader returns whether this instance is the leader
func (las *LeaderAwareScheduler) IsLeader() bool {
	return las.election.IsLeader()
}

func (las *LeaderAwareScheduler) monitorLeadership(ctx context.Context) {
	leaderCh := las.election.LeaderCh()

	if las.election.IsLeader() {
		las.startScheduler()
	}

	for {
		select {
		case <-ctx.Done():
			las.stopScheduler()
			return
		case isLeader := <-leaderCh:
			if isLeader {
				las.logger.Info().Msg("became leader, starting scheduler")
				las.startScheduler()
			} else {
				las.logger.Warn().Msg("lost leadership, stopping scheduler")
				las.stopScheduler()
			}
		}
	}
}

func (las *LeaderAwareScheduler) startScheduler() {
	las.mu.Lock()
	defer las.mu.Unlock()

	if las.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(las.ctx)
	done := make(chan struct{})
	las.cancel = cancel
	las.done = done

	go func() {
		defer close(done)
		las.logger.Info().Msg("scheduler started")
		if err := las.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			las.logger.Error().Err(err).Msg("scheduler error")
		}
		las.logger.Info().Msg("scheduler stopped")

		las.mu.Lock()
		if las.done == done {
			las.cancel()
			las.cancel, las.done = nil, nil
		}
		las.mu.Unlock()
	}()
}

// stopScheduler cancels the scheduler and blocks until Run has returned, so a
// later start never overlaps a previous run.
func (las *LeaderAwareScheduler) stopScheduler() {
	las.mu.Lock()
	cancel, done := las.cancel, las.done
	las.cancel, las.done = nil, nil
	las.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

package leadership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/spotlxght/slotrunner/internal/telemetry"
)

const (
	defaultElectionKey     = "slotrunner:leader:scheduler"
	defaultLeaseDuration   = 15 * time.Second
	defaultRenewalInterval = 5 * time.Second
)

// Renew only when the lease is still ours.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// ElectionConfig configures leader election behavior
type ElectionConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ElectionKey is the Redis key holding the current leader's instance ID.
	ElectionKey string

	// LeaseDuration is how long a lease survives without renewal.
	LeaseDuration time.Duration

	// RenewalInterval is how often the lease is renewed or contested.
	RenewalInterval time.Duration

	InstanceID string
}

// Election is a Redis lease held by at most one instance at a time.
type Election struct {
	client *redis.Client
	logger zerolog.Logger
	config ElectionConfig

	isLeader atomic.Bool
	leaderCh chan bool

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewElection connects to Redis and prepares an election.
func NewElection(config ElectionConfig, logger zerolog.Logger) (*Election, error) {
	if config.ElectionKey == "" {
		config.ElectionKey = defaultElectionKey
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaultLeaseDuration
	}
	if config.RenewalInterval <= 0 {
		config.RenewalInterval = defaultRenewalInterval
	}
	if config.RenewalInterval >= config.LeaseDuration {
		return nil, fmt.Errorf("renewal interval %s must be shorter than lease %s", config.RenewalInterval, config.LeaseDuration)
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info().
		Str("redis_addr", config.RedisAddr).
		Str("instance_id", config.InstanceID).
		Msg("connected to Redis for leader election")

	return &Election{
		client:   client,
		logger:   logger.With().Str("component", "leader_election").Logger(),
		config:   config,
		leaderCh: make(chan bool, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start begins campaigning in the background.
func (e *Election) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.logger.Info().
		Str("instance_id", e.config.InstanceID).
		Dur("lease_duration", e.config.LeaseDuration).
		Msg("starting leader election")

	go e.campaignLoop(ctx)
	return nil
}

// Stop ends the campaign, releases the lease if held, and closes the client.
func (e *Election) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}

		if e.isLeader.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if rerr := releaseScript.Run(ctx, e.client, []string{e.config.ElectionKey}, e.config.InstanceID).Err(); rerr != nil {
				e.logger.Error().Err(rerr).Msg("failed to release leadership lock")
			}
			e.setLeader(false)
		}

		err = e.client.Close()
	})
	return err
}

// IsLeader reports whether this instance currently holds the lease.
func (e *Election) IsLeader() bool {
	return e.isLeader.Load()
}

// LeaderCh delivers the latest leadership status after each change.
func (e *Election) LeaderCh() <-chan bool {
	return e.leaderCh
}

// InstanceID identifies this campaigner.
func (e *Election) InstanceID() string {
	return e.config.InstanceID
}

// GetLeader returns the current leader instance ID, or "" when vacant.
func (e *Election) GetLeader(ctx context.Context) (string, error) {
	leaderID, err := e.client.Get(ctx, e.config.ElectionKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get leader: %w", err)
	}
	return leaderID, nil
}

func (e *Election) campaignLoop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.config.RenewalInterval)
	defer ticker.Stop()

	e.attempt(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.attempt(ctx)
		}
	}
}

func (e *Election) attempt(ctx context.Context) {
	held, err := e.acquireOrRenew(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Without Redis we cannot prove the lease; step down.
		e.logger.Error().Err(err).Msg("leader election round failed")
		held = false
	}

	if held && !e.isLeader.Load() {
		e.logger.Info().Str("instance_id", e.config.InstanceID).Msg("acquired leadership")
	}
	if !held && e.isLeader.Load() {
		e.logger.Warn().Str("instance_id", e.config.InstanceID).Msg("lost leadership")
	}
	e.setLeader(held)
}

func (e *Election) acquireOrRenew(ctx context.Context) (bool, error) {
	acquired, err := e.client.SetNX(ctx, e.config.ElectionKey, e.config.InstanceID, e.config.LeaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("set lock: %w", err)
	}
	if acquired {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, e.client,
		[]string{e.config.ElectionKey},
		e.config.InstanceID, e.config.LeaseDuration.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	return renewed == 1, nil
}

func (e *Election) setLeader(isLeader bool) {
	if e.isLeader.Swap(isLeader) == isLeader {
		return
	}

	transition := "lost"
	value := 0.0
	if isLeader {
		transition, value = "acquired", 1
	}
	telemetry.LeaderElectionStatus.WithLabelValues(e.config.InstanceID).Set(value)
	telemetry.LeaderElectionChanges.WithLabelValues(e.config.InstanceID, transition).Inc()

	// Keep only the latest status in the channel.
	select {
	case <-e.leaderCh:
	default:
	}
	select {
	case e.leaderCh <- isLeader:
	default:
	}
}

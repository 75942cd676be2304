package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/spotlxght/slotrunner/internal/config"
	"github.com/spotlxght/slotrunner/internal/db"
	"github.com/spotlxght/slotrunner/internal/eventbus"
	"github.com/spotlxght/slotrunner/internal/events"
	"github.com/spotlxght/slotrunner/internal/leadership"
	"github.com/spotlxght/slotrunner/internal/lifecycle"
	"github.com/spotlxght/slotrunner/internal/logbuffer"
	"github.com/spotlxght/slotrunner/internal/logging"
	"github.com/spotlxght/slotrunner/internal/notifications"
	"github.com/spotlxght/slotrunner/internal/scheduler"
	"github.com/spotlxght/slotrunner/internal/server"
	"github.com/spotlxght/slotrunner/internal/settlement"
	"github.com/spotlxght/slotrunner/internal/telemetry"
	"github.com/spotlxght/slotrunner/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
	logBuf *logbuffer.Buffer
)

var rootCmd = &cobra.Command{
	Use:           "slotrunner",
	Short:         "Slotrunner - timeslot lifecycle scheduler",
	Long:          "Slotrunner moves booked timeslots through open, in-progress and completed, cascades the status to their events, and releases payment after the grace period.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler and HTTP surface",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logBuf = logbuffer.New(logbuffer.DefaultCapacity)
	logger = logging.Setup(logging.Options{
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Capture:     logbuffer.NewWriter(logBuf, nil),
	})
	return nil
}

// initDatabase opens the configured store.
func initDatabase() (*gorm.DB, error) {
	database, err := db.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return database, nil
}

// components is the wired service graph shared by serve and settle.
type components struct {
	db        *gorm.DB
	bus       *events.Bus
	engine    *lifecycle.Engine
	notifier  *notifications.Service
	trigger   *settlement.Trigger
	scheduler *scheduler.Service
}

func wire(database *gorm.DB) *components {
	bus := events.NewBus()
	engine := lifecycle.NewEngine(database, bus, logger)

	mailer := notifications.NewSMTPMailer(notifications.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	notifier := notifications.NewService(database, bus, mailer, cfg.OperatorEmails, logger)

	client := settlement.NewClient(cfg.ReleaseURL(), cfg.ReleaseSigningKey, 0)
	trigger := settlement.NewTrigger(database, client, notifier, bus, logger)

	sched := scheduler.New(
		scheduler.NewStoreAvailability(database),
		engine,
		trigger,
		scheduler.NewRegistry(),
		scheduler.Config{
			Location:      cfg.Location,
			PollSchedule:  cfg.PollSchedule,
			MaxConcurrent: int64(cfg.MaxConcurrentActions),
		},
		logger,
	)

	return &components{
		db:        database,
		bus:       bus,
		engine:    engine,
		notifier:  notifier,
		trigger:   trigger,
		scheduler: sched,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger = logger.With().Str("instance_id", instanceID).Logger()
	logger.Info().
		Str("version", version.Version).
		Str("timezone", cfg.Location.String()).
		Msg("slotrunner starting")

	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "slotrunner",
		ServiceVersion: version.Version,
		InstanceID:     instanceID,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	database, err := initDatabase()
	if err != nil {
		return err
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}

	c := wire(database)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srvOpts := server.Options{
		Addr:  fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Store: sqlDB,
		Jobs:  c.scheduler.Registry(),
		Logs:  logBuf,
	}

	var bridge *eventbus.Bridge
	if cfg.NATSURL != "" {
		nc, err := eventbus.Connect(eventbus.DefaultNATSConfig(cfg.NATSURL), logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		bridge = eventbus.NewBridge(c.bus, nc, instanceID, logger)
	}

	var leaderAware *scheduler.LeaderAwareScheduler
	if cfg.LeaderElectionEnabled {
		election, err := leadership.NewElection(leadership.ElectionConfig{
			RedisAddr:     cfg.RedisAddr,
			RedisPassword: cfg.RedisPassword,
			RedisDB:       cfg.RedisDB,
			InstanceID:    instanceID,
		}, logger)
		if err != nil {
			return fmt.Errorf("leader election: %w", err)
		}
		leaderAware = scheduler.NewLeaderAware(c.scheduler, election, logger)
		srvOpts.Leader = leaderAware
	}

	var bgWG sync.WaitGroup
	spawn := func(fn func()) {
		bgWG.Add(1)
		go func() {
			defer bgWG.Done()
			fn()
		}()
	}

	spawn(func() { c.notifier.Start(ctx) })
	spawn(func() { poolMetrics(ctx, database) })
	if bridge != nil {
		spawn(func() { bridge.Run(ctx) })
	}

	if leaderAware != nil {
		if err := leaderAware.Start(ctx); err != nil {
			stop()
			bgWG.Wait()
			return fmt.Errorf("start leader-aware scheduler: %w", err)
		}
	} else {
		spawn(func() {
			if err := c.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("scheduler stopped with error")
			}
		})
	}

	srv := server.New(srvOpts, logger)
	srv.DeferClose(func() error { return db.Close(database) })

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server error")
		}
		stop()
	}

	logger.Info().Msg("shutting down gracefully...")

	if leaderAware != nil {
		if err := leaderAware.Stop(); err != nil {
			logger.Error().Err(err).Msg("leader-aware scheduler shutdown failed")
		}
	}
	bgWG.Wait()

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("slotrunner stopped")
	return nil
}

func poolMetrics(ctx context.Context, database *gorm.DB) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		db.UpdateConnectionMetrics(database)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

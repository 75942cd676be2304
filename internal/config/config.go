/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // operating zone must resolve on hosts without zoneinfo

	"github.com/robfig/cron/v3"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	LogLevel    string
	HTTPBind    string
	HTTPPort    int

	// Operating timezone. All "today" and wall-clock labels are interpreted here.
	Timezone string
	Location *time.Location

	DBBackend DatabaseBackend
	DBDSN     string

	// Settlement service
	AppOrigin         string
	ReleasePath       string
	ReleaseSigningKey string // optional HS256 key for bearer tokens on release requests

	// Scheduler
	PollSchedule         string // cron spec, evaluated in Location
	MaxConcurrentActions int

	// Notifications
	OperatorEmails []string
	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string
	SMTPFrom       string
	SMTPFromName   string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	LeaderElectionEnabled bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	InstanceID            string

	// NATS event forwarding (disabled when empty)
	NATSURL string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"SLOTRUNNER_ENV"}, "development"),
		LogLevel:    getEnvAny([]string{"SLOTRUNNER_LOG_LEVEL"}, ""),
		HTTPBind:    getEnvAny([]string{"SLOTRUNNER_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"SLOTRUNNER_HTTP_PORT"}, 8080),
		Timezone:    getEnvAny([]string{"SLOTRUNNER_TIMEZONE", "TZ_OPERATING"}, ""),

		DBBackend: DatabaseBackend(getEnvAny([]string{"SLOTRUNNER_DB_BACKEND"}, string(DatabasePostgres))),
		DBDSN:     getEnvAny([]string{"SLOTRUNNER_DB_DSN", "DATABASE_URL"}, ""),

		AppOrigin:         strings.TrimRight(getEnvAny([]string{"SLOTRUNNER_APP_ORIGIN", "APP_ORIGIN"}, ""), "/"),
		ReleasePath:       getEnvAny([]string{"SLOTRUNNER_RELEASE_PATH"}, "/api/stripe/release"),
		ReleaseSigningKey: getEnvAny([]string{"SLOTRUNNER_RELEASE_SIGNING_KEY"}, ""),

		PollSchedule:         getEnvAny([]string{"SLOTRUNNER_POLL_SCHEDULE"}, "* * * * *"),
		MaxConcurrentActions: getEnvIntAny([]string{"SLOTRUNNER_MAX_CONCURRENT_ACTIONS"}, 16),

		OperatorEmails: splitList(getEnvAny([]string{"SLOTRUNNER_OPERATOR_EMAILS"}, "")),
		SMTPHost:       getEnvAny([]string{"SLOTRUNNER_SMTP_HOST"}, ""),
		SMTPPort:       getEnvIntAny([]string{"SLOTRUNNER_SMTP_PORT"}, 587),
		SMTPUsername:   getEnvAny([]string{"SLOTRUNNER_SMTP_USERNAME"}, ""),
		SMTPPassword:   getEnvAny([]string{"SLOTRUNNER_SMTP_PASSWORD"}, ""),
		SMTPFrom:       getEnvAny([]string{"SLOTRUNNER_SMTP_FROM"}, "noreply@example.com"),
		SMTPFromName:   getEnvAny([]string{"SLOTRUNNER_SMTP_FROM_NAME"}, "Slotrunner"),

		TracingEnabled:    getEnvBoolAny([]string{"SLOTRUNNER_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"SLOTRUNNER_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"SLOTRUNNER_TRACING_SAMPLE_RATE"}, 1.0),

		LeaderElectionEnabled: getEnvBoolAny([]string{"SLOTRUNNER_LEADER_ELECTION_ENABLED"}, false),
		RedisAddr:             getEnvAny([]string{"SLOTRUNNER_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword:         getEnvAny([]string{"SLOTRUNNER_REDIS_PASSWORD"}, ""),
		RedisDB:               getEnvIntAny([]string{"SLOTRUNNER_REDIS_DB"}, 0),
		InstanceID:            getEnvAny([]string{"SLOTRUNNER_INSTANCE_ID"}, ""),

		NATSURL: getEnvAny([]string{"SLOTRUNNER_NATS_URL"}, ""),
	}

	if strings.TrimSpace(cfg.Timezone) == "" {
		return nil, fmt.Errorf("SLOTRUNNER_TIMEZONE or TZ_OPERATING must be provided")
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("SLOTRUNNER_DB_DSN must be provided")
	}

	if cfg.AppOrigin == "" {
		return nil, fmt.Errorf("SLOTRUNNER_APP_ORIGIN or APP_ORIGIN must be provided")
	}
	origin, err := url.Parse(cfg.AppOrigin)
	if err != nil || (origin.Scheme != "http" && origin.Scheme != "https") || origin.Host == "" {
		return nil, fmt.Errorf("SLOTRUNNER_APP_ORIGIN must be an absolute http(s) URL, got %q", cfg.AppOrigin)
	}
	if !strings.HasPrefix(cfg.ReleasePath, "/") {
		cfg.ReleasePath = "/" + cfg.ReleasePath
	}

	if _, err := cron.ParseStandard(cfg.PollSchedule); err != nil {
		return nil, fmt.Errorf("invalid SLOTRUNNER_POLL_SCHEDULE %q: %w", cfg.PollSchedule, err)
	}

	if cfg.MaxConcurrentActions <= 0 {
		return nil, fmt.Errorf("SLOTRUNNER_MAX_CONCURRENT_ACTIONS must be positive, got %d", cfg.MaxConcurrentActions)
	}

	if strings.EqualFold(cfg.Environment, "production") && cfg.ReleaseSigningKey == "" {
		return nil, fmt.Errorf("SLOTRUNNER_RELEASE_SIGNING_KEY is required in production")
	}

	return cfg, nil
}

// ReleaseURL is the absolute URL of the settlement release endpoint.
func (c *Config) ReleaseURL() string {
	return c.AppOrigin + c.ReleasePath
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options selects output format and verbosity.
type Options struct {
	Environment string
	Level       string    // overrides the environment default when set
	Output      io.Writer // defaults to os.Stdout
	Capture     io.Writer // receives the raw JSON stream, e.g. the log buffer
}

// Setup configures zerolog for the process and installs it as log.Logger.
// Development logs at debug level through the console writer; production
// writes JSON lines.
func Setup(opts Options) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var writer io.Writer = zerolog.ConsoleWriter{Out: out}
	if opts.Environment == "production" {
		writer = out
	}
	if opts.Capture != nil {
		writer = zerolog.MultiLevelWriter(writer, opts.Capture)
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(levelFor(opts))
	log.Logger = logger
	return logger
}

func levelFor(opts Options) zerolog.Level {
	if opts.Level != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level))); err == nil {
			return lvl
		}
	}
	if opts.Environment == "development" {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version carries build metadata.
package version

import (
	"fmt"
	"runtime"
)

// Version is the current version of slotrunner.
// This is set at build time via ldflags:
//
//	-X github.com/spotlxght/slotrunner/internal/version.Version=X.Y.Z
var Version = "dev"

// Commit is the VCS revision, set at build time like Version.
var Commit = ""

// String formats the build metadata for `slotrunner version`.
func String() string {
	s := "slotrunner " + Version
	if Commit != "" {
		s += " (" + Commit + ")"
	}
	return fmt.Sprintf("%s %s/%s %s", s, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

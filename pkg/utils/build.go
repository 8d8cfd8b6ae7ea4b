// This file contains build information and initialization logic.
// It sets up variables for versioning, commit hash, build time and start time.
// CAUTION: This file shouldn't be removed or else flags wouldn't be set properly.

package utils

import (
	"log/slog"
	"strconv"
	"time"
)

// devVersion is reported when the binary was built without -ldflags; it's still a valid semver.
const devVersion = "v0.0.0-dev"

var (
	TestMode   string // Should be true when running tests.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
)

func init() {
	StartTime = time.Now()

	// If build info is not set, make that clear.
	if Version == "" {
		Version = devVersion
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false", "error", err)
		}
	}
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(StartTime)
}

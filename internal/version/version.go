// Package version reports the autopilot release version.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Commit is set at build time:
//
//	go build -ldflags "-X github.com/ShayCichocki/autopilot/internal/version.Commit=$(git rev-parse --short HEAD)"
var Commit string

// Get returns the current version, with whitespace trimmed.
func Get() string {
	return strings.TrimSpace(versionContent)
}

// String returns the version with the build commit when one was stamped.
func String() string {
	if Commit == "" {
		return Get()
	}
	return Get() + " (" + Commit + ")"
}

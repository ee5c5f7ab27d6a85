// Package version exposes the agent's release version.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the current version, with whitespace trimmed
func Get() string {
	return strings.TrimSpace(versionContent)
}

// UserAgent returns the User-Agent sent to the coordinator.
func UserAgent() string {
	return "ralph-agent/" + Get()
}

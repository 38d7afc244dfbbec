// pkg/version/version.go
// Package version holds build-time metadata for the agentgate binary.
// Values are injected via -ldflags at compile time, e.g.:
//
//	go build -ldflags "-X 'github.com/triologue/agentgate/pkg/version.version=v0.3.0' \
//	                   -X 'github.com/triologue/agentgate/pkg/version.commit=$(git rev-parse --short HEAD)' \
//	                   -X 'github.com/triologue/agentgate/pkg/version.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)'" ./cmd/agentgate
//
// Empty variables fall back to placeholders so String() is always non-empty.
package version

import "fmt"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// String returns a human-readable representation for --version output and
// HTTP headers.
func String() string {
	return fmt.Sprintf("%s (%s, %s)", version, commit, date)
}

// Components returns the individual pieces for structured endpoints.
func Components() (ver, gitCommit, buildDate string) {
	return version, commit, date
}

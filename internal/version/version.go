package version

import "fmt"

// These variables are set at build time via -ldflags
// Example: go build -ldflags "-X github.com/pysugar/issuebridge/internal/version.Version=v0.1.0"
var (
	// Version is the semantic version of the application
	Version = "dev"

	// Commit is the git commit hash
	Commit = "none"

	// BuildTime is the timestamp of the build
	BuildTime = "unknown"
)

// String is the one-line build description printed by `issuebridge version`.
func String() string {
	return fmt.Sprintf("issuebridge %s (commit %s, built %s)", Version, Commit, BuildTime)
}

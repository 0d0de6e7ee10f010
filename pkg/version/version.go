// Package version holds build information for the coder binary.
// The variables are set at build time via ldflags.
package version

// Example: go build -ldflags "-X github.com/jasonkneen/claude-coder/pkg/version.Version=v1.2.3".
//
//nolint:gochecknoglobals // ldflags injection needs package-level vars.
var (
	// Version is the semantic version, or "dev" for local builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

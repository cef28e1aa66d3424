// Package version holds build-time identifiers, overridden via -ldflags at
// build time the way cmd/supervisor's predecessor set its own version vars.
package version

// Version and Commit are set via -ldflags "-X .../version.Version=... -X .../version.Commit=..."
var (
	Version = "dev"
	Commit  = "none"
)

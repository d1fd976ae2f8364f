// Package version carries build identification, injected via -ldflags.
package version

var (
	// Version is the release version of the watch-tagger binaries.
	Version = "0.1.0"

	// GitCommit is the git commit hash of the build.
	GitCommit = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

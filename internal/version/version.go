package version

var (
	// Version is the semantic version of the binary, overridden at build time.
	Version = "dev"
	// Commit is the git commit hash, overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp, overridden at build time.
	BuildDate = "unknown"
)

// Package version holds build information, set with
// -ldflags "-X timebrowse/internal/version.Version=..."
package version

var (
	// Version is the release version
	Version = "0.8.0"

	// Commit is the source revision (set at build time)
	Commit = "unknown"

	// BuildDate is the build timestamp (set at build time)
	BuildDate = "unknown"
)

// Info returns a one-line version string
func Info() string {
	if Commit != "unknown" && len(Commit) > 7 {
		return Version + " (" + Commit[:7] + ")"
	}
	return Version
}

// Full returns complete version information
func Full() string {
	return "timebrowse " + Version + "\n" +
		"commit: " + Commit + "\n" +
		"built:  " + BuildDate
}

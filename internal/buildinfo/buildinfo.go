// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import "fmt"

// These are overridden at build time with -ldflags. The defaults
// identify a development build.
var (
	// Version is the release version (e.g., "0.4.1") or "dev".
	Version = "dev"

	// Commit is the short git commit hash.
	Commit = "unknown"

	// Date is the build timestamp in RFC 3339 format.
	Date = "unknown"
)

// UserAgent returns the User-Agent string used for all outbound HTTP
// requests made by tether.
func UserAgent() string {
	return fmt.Sprintf("tether/%s", Version)
}

// String returns a one-line human-readable version description.
func String() string {
	return fmt.Sprintf("tether %s (%s, built %s)", Version, Commit, Date)
}

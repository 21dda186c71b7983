// Package version holds the build version of this module. Both values can be
// overridden at link time with -ldflags "-X".
package version

var (
	// Version is the symbolic version of the running code.
	Version = "v0.1.0"
	// GitShortCommit is the short Git commit of the running code.
	GitShortCommit = "unknown"
)

// Package version holds the build version, overridable at link time with
// -ldflags "-X .../internal/version.Version=...".
package version

// Version is the current build version.
var Version = "0.1.0"

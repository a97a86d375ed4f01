// Package version provides shared version information.
package version

// Version is the current release of rsupgrade.
const Version = "0.1.0"

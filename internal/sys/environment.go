package sys

const (
	// StateDir is the environment variable overriding the default state directory.
	StateDir = "RSUPGRADE_STATE_DIR"

	// DefaultStateDir is used when neither the flag nor the environment variable is set.
	DefaultStateDir = "/var/lib/rsupgrade"
)

package types

// Role is the replica set role of a member as seen in a status snapshot.
type Role string

const (
	// RolePrimary is the elected, writable member.
	RolePrimary Role = "PRIMARY"

	// RoleSecondary is a replicating, read-only follower.
	RoleSecondary Role = "SECONDARY"

	// RoleOther covers arbiters, recovering, unknown and down members. These are never upgraded.
	RoleOther Role = "OTHER"
)

// ReplicaSetMember represents one replica set member as observed at a point in time.
// It is a read-only snapshot and is never updated locally.
type ReplicaSetMember struct {
	// Name is the member address (host:port) as reported by the replica set.
	Name string `json:"name" yaml:"name"`

	// Role is the member's role at the time of the snapshot.
	Role Role `json:"role" yaml:"role"`

	// State is the raw replica set state name, e.g. ARBITER or RECOVERING.
	State string `json:"state" yaml:"state"`

	// Health is 1 when the member is reachable and 0 when it is not.
	Health float64 `json:"health" yaml:"health"`

	// UptimeSeconds is the number of seconds since the member process started.
	UptimeSeconds int64 `json:"uptime" yaml:"uptime"`
}

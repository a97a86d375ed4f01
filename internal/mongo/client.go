// Package mongo talks to individual replica set members with the administrative commands needed for a rolling
// upgrade.
package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/replicaset/v3"

	"github.com/canonical/rsupgrade/types"
)

// ClusterAdminClient is the set of administrative commands the upgrade issues against replica set members.
// Every call addresses a single member by host:port.
type ClusterAdminClient interface {
	// ListMembers returns the members of the replica set as seen by the given member.
	ListMembers(ctx context.Context, host string) ([]types.ReplicaSetMember, error)

	// StepDown asks the member to relinquish the primary role and not seek it again for stepDownSecs seconds.
	StepDown(ctx context.Context, host string, stepDownSecs int) error

	// SetFeatureCompatibilityVersion sets the feature compatibility version of the member.
	SetFeatureCompatibilityVersion(ctx context.Context, host string, tier string, confirm bool) error

	// ServerVersion returns the server version reported by the member.
	ServerVersion(ctx context.Context, host string) (string, error)
}

// DialConfig holds the connection settings shared by every member connection.
type DialConfig struct {
	Username string
	Password string
	Source   string
	Timeout  time.Duration
}

// Client is a ClusterAdminClient backed by direct mgo sessions, one per call.
type Client struct {
	config DialConfig
}

// NewClient returns a Client using the given dial settings.
func NewClient(config DialConfig) *Client {
	return &Client{config: config}
}

// replSetStatus is the subset of the replSetGetStatus reply used here.
type replSetStatus struct {
	Set     string         `bson:"set"`
	Members []memberStatus `bson:"members"`
}

type memberStatus struct {
	Name     string                 `bson:"name"`
	Health   float64                `bson:"health"`
	State    replicaset.MemberState `bson:"state"`
	StateStr string                 `bson:"stateStr"`
	Uptime   int64                  `bson:"uptime"`
}

func (c *Client) dial(ctx context.Context, host string) (*mgo.Session, error) {
	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	session, err := mgo.DialWithInfo(&mgo.DialInfo{
		Addrs:    []string{host},
		Direct:   true,
		Timeout:  c.config.Timeout,
		Username: c.config.Username,
		Password: c.config.Password,
		Source:   c.config.Source,
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to connect to %q: %w", host, err)
	}

	// Allow the status and version queries on secondaries.
	session.SetMode(mgo.Monotonic, true)

	return session, nil
}

// ListMembers issues replSetGetStatus against host.
func (c *Client) ListMembers(ctx context.Context, host string) ([]types.ReplicaSetMember, error) {
	session, err := c.dial(ctx, host)
	if err != nil {
		return nil, err
	}

	defer session.Close()

	var status replSetStatus
	err = session.Run(bson.D{{Name: "replSetGetStatus", Value: 1}}, &status)
	if err != nil {
		return nil, fmt.Errorf("Failed to get replica set status from %q: %w", host, err)
	}

	members := make([]types.ReplicaSetMember, 0, len(status.Members))
	for _, m := range status.Members {
		members = append(members, toMember(m))
	}

	return members, nil
}

func toMember(m memberStatus) types.ReplicaSetMember {
	role := types.RoleOther
	switch m.State {
	case replicaset.PrimaryState:
		role = types.RolePrimary
	case replicaset.SecondaryState:
		role = types.RoleSecondary
	}

	state := m.StateStr
	if state == "" {
		state = m.State.String()
	}

	return types.ReplicaSetMember{
		Name:          m.Name,
		Role:          role,
		State:         state,
		Health:        m.Health,
		UptimeSeconds: m.Uptime,
	}
}

// StepDown issues replSetStepDown against host. The server closes the connection as part of stepping down, so
// callers should expect an error matching IsExpectedDisconnect on success.
func (c *Client) StepDown(ctx context.Context, host string, stepDownSecs int) error {
	session, err := c.dial(ctx, host)
	if err != nil {
		return err
	}

	defer session.Close()

	err = session.Run(bson.D{{Name: "replSetStepDown", Value: stepDownSecs}}, nil)
	if err != nil {
		return fmt.Errorf("Failed to step down %q: %w", host, err)
	}

	return nil
}

// SetFeatureCompatibilityVersion issues setFeatureCompatibilityVersion against host.
func (c *Client) SetFeatureCompatibilityVersion(ctx context.Context, host string, tier string, confirm bool) error {
	session, err := c.dial(ctx, host)
	if err != nil {
		return err
	}

	defer session.Close()

	cmd := bson.D{{Name: "setFeatureCompatibilityVersion", Value: tier}}
	if confirm {
		cmd = append(cmd, bson.DocElem{Name: "confirm", Value: true})
	}

	err = session.Run(cmd, nil)
	if err != nil {
		return fmt.Errorf("Failed to set feature compatibility version %q on %q: %w", tier, host, err)
	}

	return nil
}

// ServerVersion returns the version from buildInfo on host.
func (c *Client) ServerVersion(ctx context.Context, host string) (string, error) {
	session, err := c.dial(ctx, host)
	if err != nil {
		return "", err
	}

	defer session.Close()

	info, err := session.BuildInfo()
	if err != nil {
		return "", fmt.Errorf("Failed to get build info from %q: %w", host, err)
	}

	return info.Version, nil
}

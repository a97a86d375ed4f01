package upgrade

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/canonical/rsupgrade/internal/mongo"
	"github.com/canonical/rsupgrade/internal/retry"
	"github.com/canonical/rsupgrade/types"
)

// StatusReader reads the replica set topology and server versions.
type StatusReader struct {
	client  mongo.ClusterAdminClient
	status  *retry.Retrier
	version *retry.Retrier
}

// NewStatusReader returns a StatusReader. Status reads use the status retrier and version queries the version
// retrier.
func NewStatusReader(client mongo.ClusterAdminClient, status *retry.Retrier, version *retry.Retrier) *StatusReader {
	return &StatusReader{
		client:  client,
		status:  status,
		version: version,
	}
}

// MemberVersion returns the server version reported by host.
func (r *StatusReader) MemberVersion(ctx context.Context, host string) (string, error) {
	var version string
	err := r.version.Do(ctx, "server version", func(ctx context.Context) error {
		var err error
		version, err = r.client.ServerVersion(ctx, host)
		return err
	})
	if err != nil {
		return "", err
	}

	return version, nil
}

// ListMembers returns the replica set members as seen by host.
func (r *StatusReader) ListMembers(ctx context.Context, host string) ([]types.ReplicaSetMember, error) {
	var members []types.ReplicaSetMember
	err := r.status.Do(ctx, "replica set status", func(ctx context.Context) error {
		var err error
		members, err = r.client.ListMembers(ctx, host)
		return err
	})
	if err != nil {
		return nil, err
	}

	return members, nil
}

// RenderStatus formats members as a table preceded by title.
func RenderStatus(members []types.ReplicaSetMember, title string) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "%s\n", title)
	}

	table := tablewriter.NewWriter(&b)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"NAME", "ROLE", "HEALTH", "UPTIME"})
	for _, m := range members {
		table.Append([]string{
			m.Name,
			string(m.Role),
			strconv.FormatFloat(m.Health, 'f', -1, 64),
			(time.Duration(m.UptimeSeconds) * time.Second).String(),
		})
	}

	table.Render()

	return b.String()
}

// primaries returns the members holding the primary role.
func primaries(members []types.ReplicaSetMember) []types.ReplicaSetMember {
	var out []types.ReplicaSetMember
	for _, m := range members {
		if m.Role == types.RolePrimary {
			out = append(out, m)
		}
	}

	return out
}

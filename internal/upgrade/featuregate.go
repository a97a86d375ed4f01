package upgrade

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/lxd/shared/logger"
	"github.com/canonical/lxd/shared/version"
	"github.com/juju/clock"

	"github.com/canonical/rsupgrade/internal/mongo"
	"github.com/canonical/rsupgrade/internal/retry"
)

// confirmMajor is the server major version whose feature compatibility change must be explicitly confirmed.
const confirmMajor = 7

// FeatureTier returns the feature compatibility version for a server version, i.e. its major.minor, and whether
// setting it requires confirmation.
func FeatureTier(serverVersion string) (string, bool, error) {
	v, err := version.NewDottedVersion(serverVersion)
	if err != nil {
		return "", false, fmt.Errorf("Failed to parse version %q: %w", serverVersion, err)
	}

	return fmt.Sprintf("%d.%d", v.Major, v.Minor), v.Major == confirmMajor, nil
}

// FeatureGate advances the feature compatibility version of members.
type FeatureGate struct {
	client  mongo.ClusterAdminClient
	retrier *retry.Retrier
	clock   clock.Clock
	settle  time.Duration
}

// NewFeatureGate returns a FeatureGate waiting settle after each change. A nil clock defaults to the wall clock.
func NewFeatureGate(client mongo.ClusterAdminClient, retrier *retry.Retrier, clk clock.Clock, settle time.Duration) *FeatureGate {
	if clk == nil {
		clk = clock.WallClock
	}

	return &FeatureGate{
		client:  client,
		retrier: retrier,
		clock:   clk,
		settle:  settle,
	}
}

// SetFeatureTier sets the feature compatibility version of member to tier, then waits for the settle window.
// A member refusing because it isn't primary receives the setting through replication and is left as is.
func (g *FeatureGate) SetFeatureTier(ctx context.Context, member string, tier string, confirm bool) error {
	err := g.retrier.Do(ctx, "set feature compatibility version", func(ctx context.Context) error {
		return g.client.SetFeatureCompatibilityVersion(ctx, member, tier, confirm)
	})
	if mongo.IsNotPrimary(err) {
		logger.Info("Member is not primary, feature compatibility version will replicate", logger.Ctx{"member": member, "tier": tier})
	} else if err != nil {
		return fmt.Errorf("Failed to set feature compatibility version %q on %q: %w", tier, member, err)
	}

	return settle(ctx, g.clock, g.settle)
}

package upgrade

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/lxd/shared/logger"
	"github.com/juju/clock"

	"github.com/canonical/rsupgrade/internal/mongo"
	"github.com/canonical/rsupgrade/internal/retry"
)

// StepDownController makes a primary relinquish its role and waits for the election that follows.
type StepDownController struct {
	client  mongo.ClusterAdminClient
	retrier *retry.Retrier
	clock   clock.Clock

	// seconds during which the stepped down member won't seek re-election.
	seconds int

	// settle is the wait for the election to complete.
	settle time.Duration
}

// NewStepDownController returns a StepDownController. A nil clock defaults to the wall clock.
func NewStepDownController(client mongo.ClusterAdminClient, retrier *retry.Retrier, clk clock.Clock, seconds int, settle time.Duration) *StepDownController {
	if clk == nil {
		clk = clock.WallClock
	}

	return &StepDownController{
		client:  client,
		retrier: retrier,
		clock:   clk,
		seconds: seconds,
		settle:  settle,
	}
}

// StepDown asks member to step down, then waits for the settle window. The member dropping the connection while
// stepping down counts as success.
func (c *StepDownController) StepDown(ctx context.Context, member string) error {
	err := c.retrier.Do(ctx, "step down", func(ctx context.Context) error {
		err := c.client.StepDown(ctx, member, c.seconds)
		if mongo.IsExpectedDisconnect(err) {
			logger.Debug("Member closed the connection while stepping down", logger.Ctx{"member": member, "error": err})
			return nil
		}

		return err
	})
	if err != nil {
		return fmt.Errorf("Failed to step down %q: %w", member, err)
	}

	logger.Info("Waiting for election to settle", logger.Ctx{"member": member, "wait": c.settle})

	return settle(ctx, c.clock, c.settle)
}

package upgrade

import (
	"context"
	"time"

	"github.com/juju/clock"
)

// settle blocks for d using clk, returning early if the context is cancelled.
func settle(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	select {
	case <-clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

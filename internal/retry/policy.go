// Package retry implements the bounded, fixed-delay retry policy applied to every call made against a replica set
// member or the execution unit backend.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/lxd/shared/logger"
	"github.com/juju/clock"
	jujuretry "github.com/juju/retry"
)

// Policy retries an operation a bounded number of times with a fixed delay between attempts.
type Policy struct {
	// Attempts is the total number of calls made, including the first one.
	Attempts int `json:"attempts" yaml:"attempts"`

	// Delay is the fixed wait between two attempts.
	Delay time.Duration `json:"delay" yaml:"delay"`
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if p.Attempts < 1 {
		return fmt.Errorf("Retry attempts must be at least 1, got %d", p.Attempts)
	}

	if p.Delay <= 0 {
		return fmt.Errorf("Retry delay must be positive, got %s", p.Delay)
	}

	return nil
}

// Retrier binds a Policy to a retryable error classifier and a clock.
type Retrier struct {
	policy    Policy
	retryable func(error) bool
	clock     clock.Clock
}

// NewRetrier returns a Retrier applying the given policy to errors for which retryable returns true.
// A nil clock defaults to the wall clock.
func NewRetrier(policy Policy, retryable func(error) bool, clk clock.Clock) *Retrier {
	if clk == nil {
		clk = clock.WallClock
	}

	if retryable == nil {
		retryable = func(error) bool { return false }
	}

	return &Retrier{
		policy:    policy,
		retryable: retryable,
		clock:     clk,
	}
}

// Policy returns the underlying policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do calls op until it succeeds, fails with an error that is not retryable, or the attempts are exhausted.
// The error returned is the last error returned by op, unchanged, unless ctx ended while waiting to retry.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error
	err := jujuretry.Call(jujuretry.CallArgs{
		Func: func() error {
			lastErr = op(ctx)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !r.retryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debug("Retrying after transient failure", logger.Ctx{"operation": name, "attempt": attempt, "error": err})
		},
		Attempts: r.policy.Attempts,
		Delay:    r.policy.Delay,
		Clock:    r.clock,
		Stop:     ctx.Done(),
	})
	if err == nil {
		return nil
	}

	if jujuretry.IsRetryStopped(err) && ctx.Err() != nil {
		return fmt.Errorf("Stopped retrying %q after %w: %w", name, lastErr, ctx.Err())
	}

	if lastErr != nil {
		return lastErr
	}

	return fmt.Errorf("Failed to run %q: %w", name, err)
}

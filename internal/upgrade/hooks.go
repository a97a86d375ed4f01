package upgrade

import (
	"context"

	"github.com/canonical/rsupgrade/types"
)

// Hooks holds customizable functions called at varying points of an upgrade run to integrate with other tools.
// Errors returned by hooks are logged and never abort the run.
type Hooks struct {
	// OnPlan is run once the members to upgrade are known, before any change is made.
	OnPlan func(ctx context.Context, plan Plan) error

	// OnStepDown is run after a primary member stepped down and the election settled.
	OnStepDown func(ctx context.Context, member string) error

	// OnSwap is run after the execution unit of a member was replaced.
	OnSwap func(ctx context.Context, member string, unit types.ExecutionUnit) error

	// OnFeatureTier is run after the feature compatibility version of a member was set.
	OnFeatureTier func(ctx context.Context, member string, tier string) error

	// OnFinish is run when the run completes, with the error that aborted it if any.
	OnFinish func(ctx context.Context, runErr error) error
}

// Package upgrade upgrades every member of a replica set to a new server version, one member at a time.
package upgrade

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/canonical/lxd/shared/logger"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/canonical/rsupgrade/types"
)

const tracerName = "github.com/canonical/rsupgrade/internal/upgrade"

// Plan is the upgrade of a replica set as computed from the status snapshot taken at the start of a run.
type Plan struct {
	// EntryHost is the member used to read the replica set status.
	EntryHost string `json:"entry_host" yaml:"entry_host"`

	// TargetVersion is the server version every member is upgraded to.
	TargetVersion string `json:"target_version" yaml:"target_version"`

	// FeatureTier is the feature compatibility version set once every member runs TargetVersion.
	FeatureTier string `json:"feature_tier" yaml:"feature_tier"`

	// Confirm is whether the feature compatibility change needs confirming.
	Confirm bool `json:"confirm" yaml:"confirm"`

	// Members is the original primary followed by the original secondaries, in status order.
	Members []types.ReplicaSetMember `json:"members" yaml:"members"`

	// Skipped members are neither primary nor secondary and are left untouched.
	Skipped []types.ReplicaSetMember `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

// CoordinatorArgs holds the components and settings of a Coordinator.
type CoordinatorArgs struct {
	Status      *StatusReader
	StepDown    *StepDownController
	Swapper     *Swapper
	FeatureGate *FeatureGate

	// PreFeatureGateDelay is waited before each feature compatibility change.
	PreFeatureGateDelay time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Output receives the status tables rendered between steps. Defaults to io.Discard.
	Output io.Writer

	Hooks *Hooks

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Coordinator runs rolling upgrades. Members are always processed one at a time.
type Coordinator struct {
	args   CoordinatorArgs
	tracer trace.Tracer
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(args CoordinatorArgs) *Coordinator {
	if args.Clock == nil {
		args.Clock = clock.WallClock
	}

	if args.Output == nil {
		args.Output = io.Discard
	}

	if args.Hooks == nil {
		args.Hooks = &Hooks{}
	}

	if args.TracerProvider == nil {
		args.TracerProvider = otel.GetTracerProvider()
	}

	return &Coordinator{
		args:   args,
		tracer: args.TracerProvider.Tracer(tracerName),
	}
}

// Plan reads the replica set status through entryHost and returns the upgrade that would be run.
func (c *Coordinator) Plan(ctx context.Context, entryHost string, targetVersion string) (*Plan, error) {
	tier, confirm, err := FeatureTier(targetVersion)
	if err != nil {
		return nil, err
	}

	members, err := c.args.Status.ListMembers(ctx, entryHost)
	if err != nil {
		return nil, fmt.Errorf("Failed to read replica set status: %w", err)
	}

	plan := &Plan{
		EntryHost:     entryHost,
		TargetVersion: targetVersion,
		FeatureTier:   tier,
		Confirm:       confirm,
	}

	primary := primaries(members)
	if len(primary) == 0 {
		return nil, ErrNoPrimary
	}

	if len(primary) > 1 {
		return nil, fmt.Errorf("%w: %q and %q", ErrMultiplePrimaries, primary[0].Name, primary[1].Name)
	}

	plan.Members = append(plan.Members, primary[0])
	for _, m := range members {
		switch m.Role {
		case types.RoleSecondary:
			plan.Members = append(plan.Members, m)
		case types.RoleOther:
			logger.Warn("Skipping member that is neither primary nor secondary", logger.Ctx{"member": m.Name, "state": m.State})
			plan.Skipped = append(plan.Skipped, m)
		}
	}

	return plan, nil
}

// UpgradeReplicaSet upgrades every primary and secondary member of the replica set reachable through entryHost to
// targetVersion, then advances their feature compatibility version. The first error aborts the run, possibly with
// some members already upgraded.
func (c *Coordinator) UpgradeReplicaSet(ctx context.Context, entryHost string, targetVersion string) (err error) {
	ctx, span := c.tracer.Start(ctx, "upgrade.replica_set", trace.WithAttributes(
		attribute.String("entry_host", entryHost),
		attribute.String("target_version", targetVersion),
	))

	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			logger.Error("Replica set upgrade aborted", logger.Ctx{"entryHost": entryHost, "version": targetVersion, "error": err})
		}

		c.runHook("finish", func() error {
			if c.args.Hooks.OnFinish == nil {
				return nil
			}

			return c.args.Hooks.OnFinish(ctx, err)
		})

		span.End()
	}()

	plan, err := c.Plan(ctx, entryHost, targetVersion)
	if err != nil {
		return err
	}

	logger.Info("Starting replica set upgrade", logger.Ctx{"entryHost": entryHost, "version": targetVersion, "members": len(plan.Members), "tier": plan.FeatureTier})
	c.runHook("plan", func() error {
		if c.args.Hooks.OnPlan == nil {
			return nil
		}

		return c.args.Hooks.OnPlan(ctx, *plan)
	})

	for i, m := range plan.Members {
		err = c.upgradeMember(ctx, plan, m.Name)
		if err != nil {
			return fmt.Errorf("Failed to upgrade member %d of %d %q: %w", i+1, len(plan.Members), m.Name, err)
		}
	}

	for _, m := range plan.Members {
		err = c.setFeatureTier(ctx, plan, m.Name)
		if err != nil {
			return err
		}
	}

	err = c.renderStatus(ctx, entryHost, fmt.Sprintf("Replica set upgraded to %s", targetVersion))
	if err != nil {
		return err
	}

	logger.Info("Replica set upgrade complete", logger.Ctx{"entryHost": entryHost, "version": targetVersion})

	return nil
}

// upgradeMember steps member down if it is the current primary, then swaps its execution unit.
func (c *Coordinator) upgradeMember(ctx context.Context, plan *Plan, member string) (err error) {
	ctx, span := c.tracer.Start(ctx, "upgrade.member", trace.WithAttributes(attribute.String("member", member)))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}

		span.End()
	}()

	// Roles change as earlier members step down, so the current primary is read again.
	current, err := c.args.Status.ListMembers(ctx, plan.EntryHost)
	if err != nil {
		return fmt.Errorf("Failed to read replica set status: %w", err)
	}

	primary := primaries(current)
	if len(primary) == 0 {
		logger.Warn("No primary member while an election is in progress", logger.Ctx{"member": member})
	}

	for _, p := range primary {
		if p.Name != member {
			continue
		}

		logger.Info("Stepping down primary member", logger.Ctx{"member": member})
		span.AddEvent("step_down")
		err = c.args.StepDown.StepDown(ctx, member)
		if err != nil {
			return err
		}

		c.runHook("step down", func() error {
			if c.args.Hooks.OnStepDown == nil {
				return nil
			}

			return c.args.Hooks.OnStepDown(ctx, member)
		})
	}

	unit, err := c.args.Swapper.Swap(ctx, member, plan.TargetVersion)
	if err != nil {
		return err
	}

	span.SetAttributes(attribute.String("unit", unit.Name), attribute.String("image", unit.Image))
	c.runHook("swap", func() error {
		if c.args.Hooks.OnSwap == nil {
			return nil
		}

		return c.args.Hooks.OnSwap(ctx, member, *unit)
	})

	return c.renderStatus(ctx, plan.EntryHost, fmt.Sprintf("Swapped %s to %s", member, unit.Image))
}

// setFeatureTier waits the pre feature gate delay then advances the feature compatibility version of member.
func (c *Coordinator) setFeatureTier(ctx context.Context, plan *Plan, member string) (err error) {
	ctx, span := c.tracer.Start(ctx, "upgrade.feature_tier", trace.WithAttributes(
		attribute.String("member", member),
		attribute.String("tier", plan.FeatureTier),
		attribute.Bool("confirm", plan.Confirm),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}

		span.End()
	}()

	err = settle(ctx, c.args.Clock, c.args.PreFeatureGateDelay)
	if err != nil {
		return err
	}

	logger.Info("Setting feature compatibility version", logger.Ctx{"member": member, "tier": plan.FeatureTier, "confirm": plan.Confirm})
	err = c.args.FeatureGate.SetFeatureTier(ctx, member, plan.FeatureTier, plan.Confirm)
	if err != nil {
		return err
	}

	c.runHook("feature tier", func() error {
		if c.args.Hooks.OnFeatureTier == nil {
			return nil
		}

		return c.args.Hooks.OnFeatureTier(ctx, member, plan.FeatureTier)
	})

	return nil
}

// renderStatus reads the replica set status and writes it to the output.
func (c *Coordinator) renderStatus(ctx context.Context, entryHost string, title string) error {
	members, err := c.args.Status.ListMembers(ctx, entryHost)
	if err != nil {
		return fmt.Errorf("Failed to read replica set status: %w", err)
	}

	_, err = io.WriteString(c.args.Output, RenderStatus(members, title))
	if err != nil {
		return fmt.Errorf("Failed to write replica set status: %w", err)
	}

	return nil
}

func (c *Coordinator) runHook(name string, hook func() error) {
	err := hook()
	if err != nil {
		logger.Warn("Upgrade hook failed", logger.Ctx{"hook": name, "error": err})
	}
}

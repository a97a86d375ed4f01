package upgrade

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/canonical/lxd/shared/logger"

	"github.com/canonical/rsupgrade/internal/retry"
	"github.com/canonical/rsupgrade/internal/units"
	"github.com/canonical/rsupgrade/types"
)

const storageEngineFlag = "--storageEngine"

// SwapperArgs configures a Swapper.
type SwapperArgs struct {
	// Units manages the execution units hosting the members.
	Units units.Manager

	// Retrier applies to execution unit queries. Changes to units are never retried.
	Retrier *retry.Retrier

	// ImageFor returns the image to create units from for a server version.
	ImageFor func(version string) string

	// StorageEngine is added to commands that don't select one.
	StorageEngine string

	// UnitNames maps member names to unit names for members whose host doesn't identify their unit.
	UnitNames map[string]string
}

// Swapper replaces the execution unit of a member with one running another server version, keeping its data
// volumes, command, ports and network.
type Swapper struct {
	args SwapperArgs
}

// NewSwapper returns a Swapper.
func NewSwapper(args SwapperArgs) *Swapper {
	return &Swapper{args: args}
}

// FindUnit returns the single execution unit hosting member.
func (s *Swapper) FindUnit(ctx context.Context, member string) (*types.ExecutionUnit, error) {
	term, exact := s.unitTerm(member)

	var found []types.ExecutionUnit
	err := s.args.Retrier.Do(ctx, "find execution unit", func(ctx context.Context) error {
		var err error
		found, err = s.args.Units.FindUnits(ctx, term)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to find execution unit for %q: %w", member, err)
	}

	var matches []types.ExecutionUnit
	for _, unit := range found {
		if exact && unit.Name != term {
			continue
		}

		matches = append(matches, unit)
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w %q (searched for %q)", ErrUnitNotFound, member, term)
	case 1:
		return &matches[0], nil
	}

	names := make([]string, 0, len(matches))
	for _, unit := range matches {
		names = append(names, unit.Name)
	}

	return nil, fmt.Errorf("%w %q (searched for %q): %s", ErrUnitAmbiguous, member, term, strings.Join(names, ", "))
}

// unitTerm returns the name to search units by for member, and whether it is an exact unit name.
func (s *Swapper) unitTerm(member string) (string, bool) {
	name, ok := s.args.UnitNames[member]
	if ok {
		return name, true
	}

	host := member
	hp, err := types.ParseHostPort(member)
	if err == nil {
		host = hp.Host
	}

	// Use the short hostname, e.g. "db1" for "db1.lxd".
	if net.ParseIP(host) == nil {
		host, _, _ = strings.Cut(host, ".")
	}

	return host, false
}

// Swap replaces the execution unit of member with a new unit running targetVersion. The old unit is stopped and
// renamed out of the way before the new unit claims its name, then removed. The image is resolved before anything is
// changed. Nothing is rolled back on failure.
func (s *Swapper) Swap(ctx context.Context, member string, targetVersion string) (*types.ExecutionUnit, error) {
	unit, err := s.FindUnit(ctx, member)
	if err != nil {
		return nil, err
	}

	oldName := fmt.Sprintf("%s-%s-old", unit.Name, strings.ReplaceAll(targetVersion, ".", "-"))
	create := types.UnitCreate{
		Name:        unit.Name,
		Image:       s.args.ImageFor(targetVersion),
		VolumesFrom: oldName,
		Ports:       unit.Ports,
		Command:     withStorageEngine(unit.Command, s.args.StorageEngine),
		Networks:    unit.Networks,
	}

	ctxLog := logger.Ctx{"member": member, "unit": unit.Name, "image": create.Image}

	err = s.args.Retrier.Do(ctx, "resolve image", func(ctx context.Context) error {
		return s.args.Units.ResolveImage(ctx, create.Image)
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to resolve image for %q: %w", member, err)
	}

	if unit.Running {
		logger.Info("Stopping execution unit", ctxLog)
		err = s.args.Units.StopUnit(ctx, unit.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: unit %q may be partially stopped: %w", ErrSwapIncomplete, unit.Name, err)
		}
	}

	err = s.args.Units.RenameUnit(ctx, unit.Name, oldName)
	if err != nil {
		return nil, fmt.Errorf("%w: unit %q is stopped but could not be renamed to %q: %w", ErrSwapIncomplete, unit.Name, oldName, err)
	}

	logger.Info("Creating replacement execution unit", ctxLog)
	newUnit, err := s.args.Units.CreateUnit(ctx, create)
	if err != nil {
		return nil, fmt.Errorf("%w: old unit was renamed to %q but its replacement failed: %w", ErrSwapIncomplete, oldName, err)
	}

	err = s.args.Units.RemoveUnit(ctx, oldName)
	if err != nil {
		return nil, fmt.Errorf("%w: replacement %q is running but old unit %q could not be removed: %w", ErrSwapIncomplete, newUnit.Name, oldName, err)
	}

	logger.Info("Swapped execution unit", logger.Ctx{"member": member, "unit": newUnit.Name, "id": newUnit.ID, "image": newUnit.Image})

	return newUnit, nil
}

// withStorageEngine returns a copy of command selecting engine unless it already selects one.
func withStorageEngine(command []string, engine string) []string {
	out := make([]string, 0, len(command)+2)
	out = append(out, command...)
	if engine == "" {
		return out
	}

	for _, arg := range command {
		if arg == storageEngineFlag || strings.HasPrefix(arg, storageEngineFlag+"=") {
			return out
		}
	}

	return append(out, storageEngineFlag, engine)
}

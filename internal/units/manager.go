// Package units manages the execution units (containers) hosting replica set members.
package units

import (
	"context"

	"github.com/canonical/rsupgrade/types"
)

// Manager is the set of execution unit operations needed to replace a member's server binary.
type Manager interface {
	// FindUnits returns every unit whose name contains term.
	FindUnits(ctx context.Context, term string) ([]types.ExecutionUnit, error)

	// StopUnit gracefully stops the named unit.
	StopUnit(ctx context.Context, name string) error

	// RenameUnit renames a unit.
	RenameUnit(ctx context.Context, name string, newName string) error

	// RemoveUnit deletes a stopped unit. Data volumes attached to it are left in place.
	RemoveUnit(ctx context.Context, name string) error

	// ResolveImage checks that units can be created from image.
	ResolveImage(ctx context.Context, image string) error

	// CreateUnit creates and starts a new unit.
	CreateUnit(ctx context.Context, args types.UnitCreate) (*types.ExecutionUnit, error)
}

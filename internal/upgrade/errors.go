package upgrade

import (
	"errors"
)

// ErrNoPrimary is returned when a status snapshot taken before the upgrade has no primary member.
var ErrNoPrimary = errors.New("Replica set has no primary member")

// ErrMultiplePrimaries is returned when a status snapshot taken before the upgrade has more than one primary member.
var ErrMultiplePrimaries = errors.New("Replica set has more than one primary member")

// ErrUnitNotFound is returned when no execution unit matches a member.
var ErrUnitNotFound = errors.New("No execution unit found for member")

// ErrUnitAmbiguous is returned when more than one execution unit matches a member.
var ErrUnitAmbiguous = errors.New("Multiple execution units found for member")

// ErrSwapIncomplete is returned when a swap failed after the old execution unit was modified. The member needs
// manual intervention as nothing is rolled back.
var ErrSwapIncomplete = errors.New("Execution unit swap left incomplete")

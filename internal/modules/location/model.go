// README: Location source contract, vehicle position tracking and snapshot records.
package location

import (
	"context"
	"errors"
	"time"

	"ridetrack/internal/types"
)

// ErrPermissionDenied is returned by a source that cannot access the device
// location. Tracking for the journey halts when it is seen.
var ErrPermissionDenied = errors.New("location permission denied")

// Source yields readings lazily until ctx is cancelled, then closes the
// channel. Calling Readings again after cancellation restarts the stream.
type Source interface {
	Readings(ctx context.Context) (<-chan types.Reading, error)
}

// Tracker keeps the latest known position of each transit unit.
type Tracker interface {
	SetPosition(ctx context.Context, unitID types.ID, pos types.Coordinate) error
	Position(ctx context.Context, unitID types.ID) (types.Coordinate, bool, error)
	RemovePosition(ctx context.Context, unitID types.ID) error
	Positions(ctx context.Context) (map[types.ID]types.Coordinate, error)
}

type Snapshot struct {
	ID         int64
	JourneyID  types.ID
	UnitID     types.ID
	Position   types.Coordinate
	RecordedAt time.Time
}

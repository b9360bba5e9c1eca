// README: Proximity targets, thresholds and evaluation results.
package proximity

import "ridetrack/internal/types"

type Kind string

const (
	KindStop             Kind = "stop"
	KindFinalDestination Kind = "final_destination"
	KindVehiclePosition  Kind = "vehicle_position"
)

const (
	DefaultStopMeters    = 20.0
	DefaultFinalMeters   = 20.0
	DefaultVehicleMeters = 50.0
)

// Target is a point of interest a journey can approach. Order is the
// zero-based position of a stop in its route and is ignored for other kinds.
type Target struct {
	ID       types.ID         `json:"id"`
	Kind     Kind             `json:"kind"`
	Name     string           `json:"name,omitempty"`
	Position types.Coordinate `json:"position"`
	Order    int              `json:"order"`
}

// Thresholds holds the proximity radius per target kind, in meters.
type Thresholds struct {
	StopMeters    float64
	FinalMeters   float64
	VehicleMeters float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		StopMeters:    DefaultStopMeters,
		FinalMeters:   DefaultFinalMeters,
		VehicleMeters: DefaultVehicleMeters,
	}
}

// For returns the radius for kind, falling back to the default when unset.
func (t Thresholds) For(kind Kind) float64 {
	switch kind {
	case KindFinalDestination:
		if t.FinalMeters > 0 {
			return t.FinalMeters
		}
		return DefaultFinalMeters
	case KindVehiclePosition:
		if t.VehicleMeters > 0 {
			return t.VehicleMeters
		}
		return DefaultVehicleMeters
	default:
		if t.StopMeters > 0 {
			return t.StopMeters
		}
		return DefaultStopMeters
	}
}

type Result struct {
	Target          Target  `json:"target"`
	DistanceMeters  float64 `json:"distance_meters"`
	WithinThreshold bool    `json:"within_threshold"`
}

// README: Proximity evaluation and target priority resolution.
package proximity

import (
	"log"

	"ridetrack/internal/geo"
	"ridetrack/internal/types"
)

// Evaluate measures position against every target. Targets with unusable
// coordinates are skipped. An invalid position yields geo.ErrInvalidCoordinate.
func Evaluate(position types.Coordinate, targets []Target, thresholds Thresholds) ([]Result, error) {
	if err := geo.Validate(position); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(targets))
	for _, t := range targets {
		d, err := geo.DistanceMeters(position, t.Position)
		if err != nil {
			log.Printf("proximity: skip target %s: %v", t.ID, err)
			continue
		}
		out = append(out, Result{
			Target:          t,
			DistanceMeters:  d,
			WithinThreshold: d <= thresholds.For(t.Kind),
		})
	}
	return out, nil
}

// Resolve picks the single result that drives the state machine. Priority is
// final destination, then the stop identified by nextStopID, then a vehicle
// position. Only results within threshold qualify; stops other than
// nextStopID are never selected.
func Resolve(results []Result, nextStopID types.ID) (Result, bool) {
	var stop, vehicle *Result
	for i := range results {
		r := &results[i]
		if !r.WithinThreshold {
			continue
		}
		switch r.Target.Kind {
		case KindFinalDestination:
			return *r, true
		case KindStop:
			if nextStopID != "" && r.Target.ID == nextStopID && stop == nil {
				stop = r
			}
		case KindVehiclePosition:
			if vehicle == nil || r.DistanceMeters < vehicle.DistanceMeters {
				vehicle = r
			}
		}
	}
	if stop != nil {
		return *stop, true
	}
	if vehicle != nil {
		return *vehicle, true
	}
	return Result{}, false
}

// Nearest returns the closest result regardless of threshold.
func Nearest(results []Result) (Result, bool) {
	if len(results) == 0 {
		return Result{}, false
	}
	sorted := make([]Result, len(results))
	copy(sorted, results)
	geo.SortByDistance(sorted, func(r Result) float64 { return r.DistanceMeters })
	return sorted[0], true
}

// README: Shared value types used across modules (IDs, coordinates, readings).
package types

import "time"

type ID string

// Coordinate is an immutable geographic position in decimal degrees.
// The optional fields are nil when the device did not report them.
type Coordinate struct {
	Lat            float64  `json:"latitude"`
	Lng            float64  `json:"longitude"`
	Altitude       *float64 `json:"altitude,omitempty"`
	AccuracyMeters *float64 `json:"accuracy_meters,omitempty"`
	HeadingDegrees *float64 `json:"heading_degrees,omitempty"`
	SpeedMps       *float64 `json:"speed_mps,omitempty"`
}

// Point builds a Coordinate with only latitude and longitude set.
func Point(lat, lng float64) Coordinate {
	return Coordinate{Lat: lat, Lng: lng}
}

// Reading is one sample produced by a location source.
type Reading struct {
	Coordinate Coordinate `json:"coordinate"`
	Timestamp  time.Time  `json:"timestamp"`
}

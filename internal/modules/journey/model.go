// README: Journey aggregate, lifecycle states and the transition table.
package journey

import (
	"time"

	"ridetrack/internal/modules/proximity"
	"ridetrack/internal/types"
)

type State string

const (
	StateNotStarted    State = "not_started"
	StateActive        State = "active"
	StateStopPending   State = "stop_pending"
	StateStopConfirmed State = "stop_confirmed"
	StateFinalApproach State = "final_approach"
	StateFinished      State = "finished"
	StateAborted       State = "aborted"
)

type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

// ConfirmPolicy decides what happens when the next stop comes within range.
type ConfirmPolicy string

const (
	PolicyAuto   ConfirmPolicy = "auto"
	PolicyManual ConfirmPolicy = "manual"
)

// AllowedTransitions represents the journey state flow as code.
// stop_confirmed is transient: it is always followed by active or final_approach.
var AllowedTransitions = map[State][]State{
	StateNotStarted:    {StateActive},
	StateActive:        {StateStopPending, StateFinalApproach, StateFinished, StateAborted},
	StateStopPending:   {StateStopConfirmed, StateFinished, StateAborted},
	StateStopConfirmed: {StateActive, StateFinalApproach},
	StateFinalApproach: {StateFinished, StateAborted},
}

func CanTransition(from, to State) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted
}

// Tracking reports whether location updates are evaluated in s.
func (s State) Tracking() bool {
	return s == StateActive || s == StateStopPending || s == StateFinalApproach
}

type Journey struct {
	ID               types.ID           `json:"id"`
	Role             Role               `json:"role"`
	ActorID          types.ID           `json:"actor_id"`
	RouteID          types.ID           `json:"route_id"`
	UnitID           types.ID           `json:"unit_id,omitempty"`
	State            State              `json:"state"`
	StatusVersion    int                `json:"status_version"`
	Stops            []proximity.Target `json:"stops"`
	Final            *proximity.Target  `json:"final,omitempty"`
	CurrentStopIndex int                `json:"current_stop_index"`
	ServiceDate      string             `json:"service_date"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       *time.Time         `json:"finished_at,omitempty"`
	LastReading      *types.Reading     `json:"last_reading,omitempty"`
	// Restored is set when the journey was read back from the ledger and is
	// not driven by this process.
	Restored bool `json:"restored,omitempty"`
}

// NextStop returns the stop at CurrentStopIndex.
func (j *Journey) NextStop() (proximity.Target, bool) {
	if j.CurrentStopIndex < 0 || j.CurrentStopIndex >= len(j.Stops) {
		return proximity.Target{}, false
	}
	return j.Stops[j.CurrentStopIndex], true
}

// PendingStops returns the stops not yet confirmed, in route order.
func (j *Journey) PendingStops() []proximity.Target {
	if j.CurrentStopIndex >= len(j.Stops) {
		return []proximity.Target{}
	}
	out := make([]proximity.Target, len(j.Stops)-j.CurrentStopIndex)
	copy(out, j.Stops[j.CurrentStopIndex:])
	return out
}

func (j *Journey) clone() Journey {
	c := *j
	c.Stops = make([]proximity.Target, len(j.Stops))
	copy(c.Stops, j.Stops)
	if j.Final != nil {
		f := *j.Final
		c.Final = &f
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.LastReading != nil {
		r := *j.LastReading
		c.LastReading = &r
	}
	return c
}

// vehicleTargetID names the synthetic target for a rider's vehicle.
func vehicleTargetID(unitID types.ID) types.ID {
	return types.ID("vehicle:" + string(unitID))
}

// syntheticFinalID is used by Finalize on routes without a final destination.
const syntheticFinalID types.ID = "final"

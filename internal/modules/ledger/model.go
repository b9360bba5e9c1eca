// README: Confirmation ledger records, journey snapshots and the Ledger contract.
package ledger

import (
	"context"
	"errors"
	"time"

	"ridetrack/internal/types"
)

type Outcome string

const (
	OutcomeConfirmed        Outcome = "confirmed"
	OutcomeAlreadyConfirmed Outcome = "already_confirmed"
)

var (
	ErrLedgerWriteFailed = errors.New("ledger write failed")
	ErrNotFound          = errors.New("journey not found in ledger")
)

// DateLayout is the format of ServiceDate (calendar day in the operator's zone).
const DateLayout = "2006-01-02"

// ConfirmationRecord is write-once per (JourneyID, TargetID).
type ConfirmationRecord struct {
	JourneyID      types.ID         `json:"journey_id"`
	TargetID       types.ID         `json:"target_id"`
	TargetKind     string           `json:"target_kind"`
	ConfirmedAt    time.Time        `json:"confirmed_at"`
	DistanceMeters float64          `json:"distance_meters"`
	Position       types.Coordinate `json:"position"`
}

// JourneySnapshot is the persisted view of a journey. State is stored as the
// string value of the state machine's state.
type JourneySnapshot struct {
	ID               types.ID
	Role             string
	ActorID          types.ID
	RouteID          types.ID
	UnitID           types.ID
	State            string
	StatusVersion    int
	CurrentStopIndex int
	ServiceDate      string
	StartedAt        time.Time
	FinishedAt       *time.Time
}

type StateEvent struct {
	ID        int64
	JourneyID types.ID
	FromState string
	ToState   string
	ActorID   *types.ID
	CreatedAt time.Time
}

// Ledger is the durable record of journeys and their confirmations.
type Ledger interface {
	RecordConfirmation(ctx context.Context, rec ConfirmationRecord) (Outcome, error)
	Confirmations(ctx context.Context, journeyID types.ID) ([]ConfirmationRecord, error)
	SaveJourney(ctx context.Context, snap JourneySnapshot) error
	ActiveJourney(ctx context.Context, actorID, routeID types.ID, serviceDate string) (*JourneySnapshot, error)
	// FindJourney returns nil when id was never saved.
	FindJourney(ctx context.Context, id types.ID) (*JourneySnapshot, error)
	// OpenRiders lists the open rider journeys of serviceDate that ride routeID
	// or, when unitID is set, that unit.
	OpenRiders(ctx context.Context, routeID, unitID types.ID, serviceDate string) ([]JourneySnapshot, error)
	AppendStateEvent(ctx context.Context, e StateEvent) error
}

// Terminal reports whether state is a finished or aborted journey.
func Terminal(state string) bool {
	return state == "finished" || state == "aborted"
}

// RidesWith reports whether snap is an open rider journey of serviceDate on
// routeID or unitID.
func RidesWith(snap JourneySnapshot, routeID, unitID types.ID, serviceDate string) bool {
	if snap.Role != "rider" || snap.ServiceDate != serviceDate || Terminal(snap.State) {
		return false
	}
	return snap.RouteID == routeID || (unitID != "" && snap.UnitID == unitID)
}

// Backoff returns the wait before retry attempt n (1-based), doubling from
// base and capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return max
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max || d <= 0 {
		return max
	}
	return d
}

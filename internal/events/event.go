// README: Journey lifecycle events and the publisher contract.
package events

import (
	"context"
	"time"

	"ridetrack/internal/types"
)

type Type string

const (
	TypeJourneyStateChanged  Type = "journey_state_changed"
	TypeProximityAlert       Type = "proximity_alert"
	TypeConfirmationRecorded Type = "confirmation_recorded"
	TypeConfirmationDegraded Type = "confirmation_degraded"
	TypeTrackingStopped      Type = "tracking_stopped"
)

// Event is published fire-and-forget; subscribers that fall behind lose events.
type Event struct {
	Type           Type      `json:"type"`
	JourneyID      types.ID  `json:"journey_id"`
	ActorID        types.ID  `json:"actor_id,omitempty"`
	NewState       string    `json:"new_state,omitempty"`
	TargetID       types.ID  `json:"target_id,omitempty"`
	TargetKind     string    `json:"target_kind,omitempty"`
	DistanceMeters *float64  `json:"distance_meters,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

type multi []Publisher

// Fanout publishes to every publisher in order and returns the first error.
func Fanout(pubs ...Publisher) Publisher {
	return multi(pubs)
}

func (m multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

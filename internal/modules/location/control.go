// README: Publishes the stop-tracking command to devices over MQTT.
package location

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ridetrack/internal/events"
)

var _ events.Publisher = (*ControlPublisher)(nil)

const CommandStopTracking = "stop_tracking"

type controlMessage struct {
	Command   string `json:"command"`
	JourneyID string `json:"journey_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ControlPublisher forwards tracking_stopped events to the journey's control
// topic so devices turn their GPS off. Other events are ignored.
type ControlPublisher struct {
	client mqtt.Client
}

func NewControlPublisher(client mqtt.Client) *ControlPublisher {
	return &ControlPublisher{client: client}
}

func (p *ControlPublisher) Publish(ctx context.Context, e events.Event) error {
	if e.Type != events.TypeTrackingStopped {
		return nil
	}
	payload, err := json.Marshal(controlMessage{
		Command:   CommandStopTracking,
		JourneyID: string(e.JourneyID),
		Reason:    e.Reason,
		Timestamp: e.At.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal control: %w", err)
	}
	token := p.client.Publish(ControlTopic(e.JourneyID), mqttQoS, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

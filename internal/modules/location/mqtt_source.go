// README: MQTT location source; native GPS clients publish per-journey readings.
package location

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ridetrack/internal/types"
)

const (
	locationTopicFormat = "/ridetrack/journeys/%s/location"
	controlTopicFormat  = "/ridetrack/journeys/%s/control"
	mqttQoS             = 1
	mqttSourceBuffer    = 16
)

var _ Source = (*MQTTSource)(nil)

// LocationMessage is the payload published by devices.
type LocationMessage struct {
	JourneyID      string   `json:"journey_id"`
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	AccuracyMeters *float64 `json:"accuracy_meters,omitempty"`
	Altitude       *float64 `json:"altitude,omitempty"`
	HeadingDegrees *float64 `json:"heading_degrees,omitempty"`
	SpeedMps       *float64 `json:"speed_mps,omitempty"`
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

func LocationTopic(journeyID types.ID) string {
	return fmt.Sprintf(locationTopicFormat, string(journeyID))
}

func ControlTopic(journeyID types.ID) string {
	return fmt.Sprintf(controlTopicFormat, string(journeyID))
}

type MQTTSource struct {
	client    mqtt.Client
	journeyID types.ID
}

func NewMQTTSource(client mqtt.Client, journeyID types.ID) *MQTTSource {
	return &MQTTSource{client: client, journeyID: journeyID}
}

// Readings subscribes to the journey's location topic and unsubscribes when
// ctx is done.
func (s *MQTTSource) Readings(ctx context.Context) (<-chan types.Reading, error) {
	topic := LocationTopic(s.journeyID)
	in := make(chan types.Reading, mqttSourceBuffer)
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		r, err := decodeReading(msg.Payload(), s.journeyID)
		if err != nil {
			log.Printf("location: invalid message on %s: %v", msg.Topic(), err)
			return
		}
		select {
		case in <- r:
		default:
			log.Printf("location: reader behind on %s, dropping reading", msg.Topic())
		}
	}
	token := s.client.Subscribe(topic, mqttQoS, handler)
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}

	out := make(chan types.Reading)
	go func() {
		defer close(out)
		defer func() {
			if t := s.client.Unsubscribe(topic); t.Wait() && t.Error() != nil {
				log.Printf("location: unsubscribe %s: %v", topic, t.Error())
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case r := <-in:
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decodeReading(payload []byte, journeyID types.ID) (types.Reading, error) {
	var raw LocationMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return types.Reading{}, err
	}
	if err := validateLocationMessage(&raw); err != nil {
		return types.Reading{}, err
	}
	if raw.JourneyID != "" && types.ID(raw.JourneyID) != journeyID {
		return types.Reading{}, fmt.Errorf("journey_id: %s does not match topic", raw.JourneyID)
	}
	return types.Reading{
		Coordinate: types.Coordinate{
			Lat:            raw.Latitude,
			Lng:            raw.Longitude,
			Altitude:       raw.Altitude,
			AccuracyMeters: raw.AccuracyMeters,
			HeadingDegrees: raw.HeadingDegrees,
			SpeedMps:       raw.SpeedMps,
		},
		Timestamp: time.UnixMilli(raw.Timestamp),
	}, nil
}

func validateLocationMessage(msg *LocationMessage) error {
	if msg.Latitude < -90 || msg.Latitude > 90 {
		return fmt.Errorf("latitude: must be between -90 and 90")
	}
	if msg.Longitude < -180 || msg.Longitude > 180 {
		return fmt.Errorf("longitude: must be between -180 and 180")
	}
	if msg.Timestamp <= 0 {
		return fmt.Errorf("timestamp: must be positive")
	}
	if msg.AccuracyMeters != nil && *msg.AccuracyMeters < 0 {
		return fmt.Errorf("accuracy_meters: must not be negative")
	}
	return nil
}

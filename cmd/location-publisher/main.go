// README: Device simulator; walks a route and publishes readings for one journey over MQTT until told to stop.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"

	"ridetrack/internal/infra"
	"ridetrack/internal/modules/location"
	"ridetrack/internal/modules/route"
	"ridetrack/internal/types"
)

// stepsPerLeg is how many readings are published between two consecutive points.
const stepsPerLeg = 10

func main() {
	infra.InitLogging("location-publisher")
	if len(os.Args) < 4 {
		fmt.Fprintf(os.Stderr, "usage: %s <journey_id> <route_id> <interval_seconds>\n", os.Args[0])
		os.Exit(1)
	}
	journeyID := types.ID(os.Args[1])
	routeID := types.ID(os.Args[2])
	intervalSec, err := strconv.Atoi(os.Args[3])
	if err != nil || intervalSec <= 0 {
		fmt.Fprintf(os.Stderr, "error: interval must be a positive integer\n")
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (using environment variables)")
	}
	broker := envOrDefault("RIDETRACK_MQTT_BROKER", "tcp://localhost:1883")
	routesFile := envOrDefault("RIDETRACK_ROUTES_FILE", "routes.yml")

	catalog, err := route.LoadFile(routesFile)
	if err != nil {
		log.Fatalf("route catalog: %v", err)
	}
	r, ok := catalog.Route(routeID)
	if !ok {
		log.Fatalf("route %s not found in %s", routeID, routesFile)
	}
	path := waypoints(r)
	if len(path) < 2 {
		log.Fatalf("route %s needs at least two points", routeID)
	}

	client, err := infra.NewMQTT(broker, "ridetrack-publisher-"+string(journeyID))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Disconnect(250)

	stopped := make(chan string, 1)
	token := client.Subscribe(location.ControlTopic(journeyID), 1, func(_ mqtt.Client, msg mqtt.Message) {
		var ctl struct {
			Command string `json:"command"`
			Reason  string `json:"reason"`
		}
		if err := json.Unmarshal(msg.Payload(), &ctl); err != nil {
			return
		}
		if ctl.Command == location.CommandStopTracking {
			select {
			case stopped <- ctl.Reason:
			default:
			}
		}
	})
	if token.Wait() && token.Error() != nil {
		log.Fatalf("subscribe control: %v", token.Error())
	}

	topic := location.LocationTopic(journeyID)
	log.Printf("connected to %s, publishing %s every %ds along %d points", broker, topic, intervalSec, len(path))

	ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
	defer ticker.Stop()

	for step := 0; ; step++ {
		select {
		case reason := <-stopped:
			log.Printf("tracking stopped: %s", reason)
			return
		case <-ticker.C:
		}
		pos := positionAt(path, step)
		accuracy := 3 + rand.Float64()*7
		payload, _ := json.Marshal(location.LocationMessage{
			JourneyID:      string(journeyID),
			Latitude:       pos.Lat,
			Longitude:      pos.Lng,
			AccuracyMeters: &accuracy,
			Timestamp:      time.Now().UnixMilli(),
		})
		t := client.Publish(topic, 1, false, payload)
		t.Wait()
		log.Printf("published to %s: %s", topic, payload)
	}
}

// waypoints is the route's stops followed by its final destination.
func waypoints(r route.Route) []types.Coordinate {
	out := make([]types.Coordinate, 0, len(r.Stops)+1)
	for _, s := range r.Stops {
		out = append(out, s.Position)
	}
	if r.Final != nil {
		out = append(out, r.Final.Position)
	}
	return out
}

// positionAt interpolates linearly along path; past the end it stays on the last point.
func positionAt(path []types.Coordinate, step int) types.Coordinate {
	leg := step / stepsPerLeg
	if leg >= len(path)-1 {
		return path[len(path)-1]
	}
	f := float64(step%stepsPerLeg) / stepsPerLeg
	a, b := path[leg], path[leg+1]
	return types.Point(a.Lat+(b.Lat-a.Lat)*f, a.Lng+(b.Lng-a.Lng)*f)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

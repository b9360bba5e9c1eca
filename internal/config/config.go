// README: Config loader with env defaults for HTTP, storage, brokers, auth and tracking settings.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type TrackingConfig struct {
	RecheckSeconds    int     `validate:"gte=1"`
	SampleSeconds     int     `validate:"gte=1"`
	StopMeters        float64 `validate:"gt=0"`
	FinalMeters       float64 `validate:"gt=0"`
	VehicleMeters     float64 `validate:"gt=0"`
	Policy            string  `validate:"oneof=auto manual"`
	Timezone          string  `validate:"required"`
	LedgerMaxAttempts int     `validate:"gte=1,lte=20"`
	LedgerRetryBaseMs int     `validate:"gte=1"`
	LedgerRetryMaxMs  int     `validate:"gtefield=LedgerRetryBaseMs"`
	SnapshotSeconds   int     `validate:"gte=1"`
	RetentionSeconds  int     `validate:"gte=1"`
}

type Config struct {
	HTTP struct {
		Addr string
	}
	DB struct {
		// DSN left empty runs the ledger in memory.
		DSN string
	}
	Redis struct {
		Addr string
	}
	Firebase struct {
		ProjectID       string
		CredentialsFile string
	}
	MQTT struct {
		Broker   string
		ClientID string
	}
	RabbitMQ struct {
		URL string
	}
	Tracking   TrackingConfig
	RoutesFile string
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (using environment variables)")
	}

	var cfg Config
	cfg.HTTP.Addr = envOrDefault("RIDETRACK_HTTP_ADDR", ":8080")
	cfg.DB.DSN = os.Getenv("RIDETRACK_DB_DSN")
	cfg.Redis.Addr = os.Getenv("RIDETRACK_REDIS_ADDR")
	cfg.Firebase.ProjectID = os.Getenv("RIDETRACK_FIREBASE_PROJECT_ID")
	cfg.Firebase.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	cfg.MQTT.Broker = os.Getenv("RIDETRACK_MQTT_BROKER")
	cfg.MQTT.ClientID = envOrDefault("RIDETRACK_MQTT_CLIENT_ID", "ridetrack-api")
	cfg.RabbitMQ.URL = os.Getenv("RIDETRACK_RABBITMQ_URL")
	cfg.RoutesFile = envOrDefault("RIDETRACK_ROUTES_FILE", "routes.yml")

	cfg.Tracking = TrackingConfig{
		RecheckSeconds:    envOrDefaultInt("RIDETRACK_RECHECK_SECONDS", 10),
		SampleSeconds:     envOrDefaultInt("RIDETRACK_SAMPLE_SECONDS", 5),
		StopMeters:        envOrDefaultFloat("RIDETRACK_STOP_METERS", 20),
		FinalMeters:       envOrDefaultFloat("RIDETRACK_FINAL_METERS", 20),
		VehicleMeters:     envOrDefaultFloat("RIDETRACK_VEHICLE_METERS", 50),
		Policy:            envOrDefault("RIDETRACK_CONFIRM_POLICY", "manual"),
		Timezone:          envOrDefault("RIDETRACK_TIMEZONE", "America/Guayaquil"),
		LedgerMaxAttempts: envOrDefaultInt("RIDETRACK_LEDGER_MAX_ATTEMPTS", 5),
		LedgerRetryBaseMs: envOrDefaultInt("RIDETRACK_LEDGER_RETRY_BASE_MS", 500),
		LedgerRetryMaxMs:  envOrDefaultInt("RIDETRACK_LEDGER_RETRY_MAX_MS", 30000),
		SnapshotSeconds:   envOrDefaultInt("RIDETRACK_SNAPSHOT_SECONDS", 30),
		RetentionSeconds:  envOrDefaultInt("RIDETRACK_RETENTION_SECONDS", 900),
	}
	if err := validator.New().Struct(cfg.Tracking); err != nil {
		return Config{}, fmt.Errorf("invalid tracking config: %w", err)
	}
	if _, err := cfg.Tracking.Location(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Location resolves the service-day timezone.
func (t TrackingConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", t.Timezone, err)
	}
	return loc, nil
}

func (t TrackingConfig) RecheckInterval() time.Duration {
	return time.Duration(t.RecheckSeconds) * time.Second
}

func (t TrackingConfig) SampleInterval() time.Duration {
	return time.Duration(t.SampleSeconds) * time.Second
}

func (t TrackingConfig) SnapshotInterval() time.Duration {
	return time.Duration(t.SnapshotSeconds) * time.Second
}

// Retention is how long an ended journey stays in memory.
func (t TrackingConfig) Retention() time.Duration {
	return time.Duration(t.RetentionSeconds) * time.Second
}

func (t TrackingConfig) LedgerRetryBase() time.Duration {
	return time.Duration(t.LedgerRetryBaseMs) * time.Millisecond
}

func (t TrackingConfig) LedgerRetryMax() time.Duration {
	return time.Duration(t.LedgerRetryMaxMs) * time.Millisecond
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

// README: Entry point; loads config, wires ledger, trackers, brokers and the journey engine, then serves HTTP.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"ridetrack/internal/config"
	"ridetrack/internal/events"
	httptransport "ridetrack/internal/http"
	"ridetrack/internal/infra"
	"ridetrack/internal/modules/journey"
	"ridetrack/internal/modules/ledger"
	"ridetrack/internal/modules/location"
	"ridetrack/internal/modules/proximity"
	"ridetrack/internal/modules/route"
)

const eventBuffer = 1024

func main() {
	infra.InitLogging("ridetrack-api")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("RIDETRACK_FIREBASE_PROJECT_ID is required")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.Fatalf("firebase init: %v", err)
	}

	catalog, err := route.LoadFile(cfg.RoutesFile)
	if err != nil {
		log.Fatalf("route catalog: %v", err)
	}
	log.Printf("loaded %d routes from %s", len(catalog.Routes()), cfg.RoutesFile)

	var (
		dbPool      *pgxpool.Pool
		redisClient *redis.Client
		amqpConn    *amqp.Connection
		mqttClient  mqtt.Client
	)

	var store ledger.Ledger = ledger.NewMemoryStore()
	var snapshots *location.SnapshotStore
	if cfg.DB.DSN != "" {
		dbPool, err = infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			log.Fatal(err)
		}
		defer dbPool.Close()
		store = ledger.NewStore(dbPool)
		snapshots = location.NewSnapshotStore(dbPool)
	} else {
		log.Println("RIDETRACK_DB_DSN not set, confirmation ledger kept in memory")
	}

	var tracker location.Tracker = location.NewMemoryTracker()
	if cfg.Redis.Addr != "" {
		redisClient, err = infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			log.Fatal(err)
		}
		defer redisClient.Close()
		tracker = location.NewRedisTracker(redisClient)
		store = ledger.NewRedisGuard(store, redisClient)
	}
	var positions *location.Service
	if snapshots != nil {
		positions = location.NewService(tracker, snapshots, cfg.Tracking.SnapshotInterval())
	} else {
		positions = location.NewService(tracker, nil, cfg.Tracking.SnapshotInterval())
	}

	bus := events.NewBus()
	defer bus.Close()
	outbound := []events.Publisher{}

	if cfg.RabbitMQ.URL != "" {
		amqpConn, err = infra.NewRabbitMQ(cfg.RabbitMQ.URL)
		if err != nil {
			log.Fatal(err)
		}
		defer amqpConn.Close()
		rabbit, err := events.NewRabbitPublisher(amqpConn)
		if err != nil {
			log.Fatal(err)
		}
		outbound = append(outbound, rabbit)
	}

	var sources journey.SourceFactory
	if cfg.MQTT.Broker != "" {
		mqttClient, err = infra.NewMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID)
		if err != nil {
			log.Fatal(err)
		}
		defer mqttClient.Disconnect(250)
		outbound = append(outbound, location.NewControlPublisher(mqttClient))
		sources = func(j journey.Journey) location.Source {
			return location.NewMQTTSource(mqttClient, j.ID)
		}
	}

	publisher := events.Publisher(bus)
	if len(outbound) > 0 {
		async := events.NewAsync(events.Fanout(outbound...), eventBuffer)
		defer async.Close()
		publisher = events.Fanout(bus, async)
	}

	loc, err := cfg.Tracking.Location()
	if err != nil {
		log.Fatal(err)
	}
	engine := journey.NewEngine(journey.Config{
		Thresholds: proximity.Thresholds{
			StopMeters:    cfg.Tracking.StopMeters,
			FinalMeters:   cfg.Tracking.FinalMeters,
			VehicleMeters: cfg.Tracking.VehicleMeters,
		},
		Policy:            journey.ConfirmPolicy(cfg.Tracking.Policy),
		RecheckInterval:   cfg.Tracking.RecheckInterval(),
		Location:          loc,
		LedgerMaxAttempts: cfg.Tracking.LedgerMaxAttempts,
		LedgerRetryBase:   cfg.Tracking.LedgerRetryBase(),
		LedgerRetryMax:    cfg.Tracking.LedgerRetryMax(),
		Retention:         cfg.Tracking.Retention(),
	}, journey.Deps{
		Ledger:    store,
		Publisher: publisher,
		Positions: positions,
		Routes:    catalog,
		Sources:   sources,
	})
	defer engine.Close()

	handler := httptransport.NewServer(httptransport.ServerDeps{
		Engine:    engine,
		Bus:       bus,
		Locations: positions,
		Routes:    catalog,
		Verifier:  verifier,
		Health: &infra.HealthChecker{
			DB:       dbPool,
			Redis:    redisClient,
			AMQPConn: amqpConn,
			MQTT:     mqttClient,
		},
		SampleInterval: cfg.Tracking.SampleInterval(),
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler.Routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	log.Printf("listening on %s", cfg.HTTP.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

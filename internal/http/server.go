// README: API gateway; registers gin routes under /api and delegates to the journey engine and catalogs.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridetrack/internal/events"
	"ridetrack/internal/http/handlers"
	"ridetrack/internal/http/middleware"
	"ridetrack/internal/infra"
	"ridetrack/internal/modules/journey"
	"ridetrack/internal/modules/location"
	"ridetrack/internal/modules/route"
)

type ServerDeps struct {
	Engine         *journey.Engine
	Bus            *events.Bus
	Locations      *location.Service
	Routes         *route.Catalog
	Verifier       infra.TokenVerifier
	Health         *infra.HealthChecker
	SampleInterval time.Duration
}

type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	if deps.Routes == nil {
		deps.Routes = route.NewCatalog()
	}
	if deps.Health == nil {
		deps.Health = &infra.HealthChecker{}
	}
	return &Server{deps: deps}
}

func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Logging())

	r.GET("/health", s.deps.Health.Handle)

	api := r.Group("/api", middleware.Auth(s.deps.Verifier))

	jh := handlers.NewJourneyHandler(s.deps.Engine, s.deps.SampleInterval)
	api.POST("/journeys", jh.Start)
	api.GET("/journeys/active", jh.Active)
	api.GET("/journeys/:id", jh.Get)
	api.POST("/journeys/:id/location", jh.Location)
	api.POST("/journeys/:id/stops/:target_id/confirm", jh.ConfirmStop)
	api.GET("/journeys/:id/stops/pending", jh.PendingStops)
	api.POST("/journeys/:id/finalize", jh.Finalize)
	api.POST("/journeys/:id/abort", jh.Abort)
	api.GET("/journeys/:id/confirmations", jh.Confirmations)

	if s.deps.Bus != nil {
		eh := handlers.NewEventsHandler(s.deps.Engine, s.deps.Bus)
		api.GET("/journeys/:id/events", eh.Stream)
	}

	rh := handlers.NewRouteHandler(s.deps.Routes)
	api.GET("/routes", rh.List)
	api.GET("/routes/:id", rh.Get)
	api.GET("/routes/:id/riders", jh.Riders)

	if s.deps.Locations != nil {
		lh := handlers.NewLocationHandler(s.deps.Locations)
		api.GET("/units/positions", lh.Positions)
		api.GET("/units/:id/position", lh.Unit)
	}
	return r
}

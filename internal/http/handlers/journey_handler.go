// README: Journey handlers for start, lookup, location intake, confirmation, finalize and abort.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridetrack/internal/http/middleware"
	"ridetrack/internal/modules/journey"
	"ridetrack/internal/types"
)

type JourneyHandler struct {
	engine         *journey.Engine
	sampleInterval time.Duration
}

// NewJourneyHandler builds the handler. sampleInterval is returned to
// clients on start as the cadence for browser geolocation posts.
func NewJourneyHandler(engine *journey.Engine, sampleInterval time.Duration) *JourneyHandler {
	return &JourneyHandler{engine: engine, sampleInterval: sampleInterval}
}

type startJourneyReq struct {
	RouteID string `json:"route_id" binding:"required"`
	UnitID  string `json:"unit_id"`
	Role    string `json:"role"`
}

type startJourneyResp struct {
	Journey               journey.Journey `json:"journey"`
	SampleIntervalSeconds int             `json:"sample_interval_seconds"`
}

// locationReq uses pointers so a body without coordinates is rejected rather
// than read as (0, 0).
type locationReq struct {
	Lat            *float64   `json:"latitude" binding:"required"`
	Lng            *float64   `json:"longitude" binding:"required"`
	Altitude       *float64   `json:"altitude"`
	AccuracyMeters *float64   `json:"accuracy_meters"`
	HeadingDegrees *float64   `json:"heading_degrees"`
	SpeedMps       *float64   `json:"speed_mps"`
	Timestamp      *time.Time `json:"timestamp"`
}

func (r locationReq) reading() types.Reading {
	out := types.Reading{Coordinate: types.Coordinate{
		Lat:            *r.Lat,
		Lng:            *r.Lng,
		Altitude:       r.Altitude,
		AccuracyMeters: r.AccuracyMeters,
		HeadingDegrees: r.HeadingDegrees,
		SpeedMps:       r.SpeedMps,
	}}
	if r.Timestamp != nil {
		out.Timestamp = *r.Timestamp
	}
	return out
}

type positionReq struct {
	Position *types.Coordinate `json:"position"`
}

func (h *JourneyHandler) Start(c *gin.Context) {
	var req startJourneyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.RouteID) || (req.UnitID != "" && !isValidID(req.UnitID)) {
		writeError(c, http.StatusBadRequest, "invalid route or unit id")
		return
	}
	role, ok := resolveRole(middleware.CallerRole(c), req.Role)
	if !ok {
		writeError(c, http.StatusForbidden, "forbidden: role does not match authenticated user")
		return
	}
	if role == journey.RoleRider && req.UnitID == "" {
		writeError(c, http.StatusBadRequest, "unit_id is required for riders")
		return
	}

	j, err := h.engine.Start(c.Request.Context(), journey.StartCommand{
		ActorID: types.ID(middleware.CallerUID(c)),
		Role:    role,
		RouteID: types.ID(req.RouteID),
		UnitID:  types.ID(req.UnitID),
	})
	if err != nil {
		writeJourneyError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, startJourneyResp{
		Journey:               j,
		SampleIntervalSeconds: int(h.sampleInterval / time.Second),
	})
}

// resolveRole prefers the token's role claim; the body may only fill it in.
func resolveRole(claim, requested string) (journey.Role, bool) {
	normalize := func(r string) journey.Role {
		if r == "passenger" {
			return journey.RoleRider
		}
		return journey.Role(r)
	}
	switch {
	case claim == "":
		if requested == "" {
			return journey.RoleDriver, true
		}
		return normalize(requested), true
	case requested == "" || normalize(requested) == normalize(claim):
		return normalize(claim), true
	default:
		return "", false
	}
}

func (h *JourneyHandler) Active(c *gin.Context) {
	routeID := c.Query("route_id")
	if !isValidID(routeID) {
		writeError(c, http.StatusBadRequest, "missing route_id")
		return
	}
	j, err := h.engine.Active(c.Request.Context(), types.ID(middleware.CallerUID(c)), types.ID(routeID))
	if err != nil {
		writeJourneyError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, j)
}

func (h *JourneyHandler) Get(c *gin.Context) {
	j, ok := ownedJourney(c, h.engine)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, j)
}

func (h *JourneyHandler) Location(c *gin.Context) {
	j, ok := ownedJourney(c, h.engine)
	if !ok {
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	if err := h.engine.OnLocationUpdate(c.Request.Context(), j.ID, req.reading()); err != nil {
		writeJourneyError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (h *JourneyHandler) ConfirmStop(c *gin.Context) {
	j, ok := ownedJourney(c, h.engine)
	if !ok {
		return
	}
	targetID := c.Param("target_id")
	if !isValidID(targetID) {
		writeError(c, http.StatusBadRequest, "invalid target id")
		return
	}
	pos, ok := bindPosition(c)
	if !ok {
		return
	}
	if err := h.engine.ConfirmStop(c.Request.Context(), j.ID, types.ID(targetID), pos); err != nil {
		writeJourneyError(c, err)
		return
	}
	h.respondCurrent(c, j.ID)
}

func (h *JourneyHandler) Finalize(c *gin.Context) {
	j, ok := ownedJourney(c, h.engine)
	if !ok {
		return
	}
	pos, ok := bindPosition(c)
	if !ok {
		return
	}
	if err := h.engine.Finalize(c.Request.Context(), j.ID, pos); err != nil {
		writeJourneyError(c, err)
		return
	}
	h.respondCurrent(c, j.ID)
}

func (h *JourneyHandler) Abort(c *gin.Context) {
	j, ok := ownedJourney(c, h.engine)
	if !ok {
		return
	}
	if err := h.engine.Abort(c.Request.Context(), j.ID); err != nil {
		writeJourneyError(c, err)
		return
	}
	h.respondCurrent(c, j.ID)
}

// Riders is the driver's passenger board: today's open rider journeys on the
// route or, with ?unit_id=, on that unit.
func (h *JourneyHandler) Riders(c *gin.Context) {
	if role, ok := resolveRole(middleware.CallerRole(c), string(journey.RoleDriver)); !ok || role != journey.RoleDriver {
		writeError(c, http.StatusForbidden, "forbidden: drivers only")
		return
	}
	routeID := c.Param("id")
	unitID := c.Query("unit_id")
	if !isValidID(routeID) || (unitID != "" && !isValidID(unitID)) {
		writeError(c, http.StatusBadRequest, "invalid route or unit id")
		return
	}
	riders, err := h.engine.Riders(c.Request.Context(), types.ID(routeID), types.ID(unitID))
	if err != nil {
		writeJourneyError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"riders": riders})
}

func (h *JourneyHandler) PendingStops(c *gin.Context) {
	j, ok := ownedJourney(c, h.engine)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"stops": j.PendingStops()})
}

func (h *JourneyHandler) Confirmations(c *gin.Context) {
	j, ok := ownedJourney(c, h.engine)
	if !ok {
		return
	}
	recs, err := h.engine.Confirmations(c.Request.Context(), j.ID)
	if err != nil {
		writeJourneyError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"confirmations": recs})
}

func (h *JourneyHandler) respondCurrent(c *gin.Context, id types.ID) {
	j, err := h.engine.Get(c.Request.Context(), id)
	if err != nil {
		writeJourneyError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, j)
}

// bindPosition reads an optional {"position": {...}} body. An empty body is
// allowed and yields nil.
func bindPosition(c *gin.Context) (*types.Coordinate, bool) {
	var req positionReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "invalid json")
		return nil, false
	}
	return req.Position, true
}

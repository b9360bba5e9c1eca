// README: Base handler utilities (JSON helpers, ownership check, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridetrack/internal/geo"
	"ridetrack/internal/http/middleware"
	"ridetrack/internal/modules/journey"
	"ridetrack/internal/modules/location"
	"ridetrack/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts the characters used by uuids, route codes and unit ids.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' || c == '.' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeJourneyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, journey.ErrBadRequest), errors.Is(err, geo.ErrInvalidCoordinate):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, journey.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, journey.ErrInvalidTransition), errors.Is(err, journey.ErrDuplicateActiveJourney):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, location.ErrPermissionDenied):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, journey.ErrClosed):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// ownedJourney loads the :id journey and checks it belongs to the caller.
// It writes the error response and returns false otherwise.
func ownedJourney(c *gin.Context, engine *journey.Engine) (journey.Journey, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid journey id")
		return journey.Journey{}, false
	}
	j, err := engine.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeJourneyError(c, err)
		return journey.Journey{}, false
	}
	if string(j.ActorID) != middleware.CallerUID(c) {
		writeError(c, http.StatusForbidden, "forbidden: journey belongs to another user")
		return journey.Journey{}, false
	}
	return j, true
}

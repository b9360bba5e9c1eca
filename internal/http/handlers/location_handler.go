// README: Location handlers for the live unit position board.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridetrack/internal/modules/location"
	"ridetrack/internal/types"
)

type LocationHandler struct {
	location *location.Service
}

func NewLocationHandler(svc *location.Service) *LocationHandler {
	return &LocationHandler{location: svc}
}

type unitPosition struct {
	UnitID   types.ID         `json:"unit_id"`
	Position types.Coordinate `json:"position"`
}

func (h *LocationHandler) Positions(c *gin.Context) {
	positions, err := h.location.ActivePositions(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]unitPosition, 0, len(positions))
	for id, pos := range positions {
		out = append(out, unitPosition{UnitID: id, Position: pos})
	}
	writeJSON(c, http.StatusOK, map[string]any{"units": out})
}

func (h *LocationHandler) Unit(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid unit id")
		return
	}
	pos, ok, err := h.location.VehiclePosition(c.Request.Context(), types.ID(id))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "unit not tracked")
		return
	}
	writeJSON(c, http.StatusOK, unitPosition{UnitID: types.ID(id), Position: pos})
}

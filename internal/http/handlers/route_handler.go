// README: Route catalog handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridetrack/internal/modules/route"
	"ridetrack/internal/types"
)

type RouteHandler struct {
	catalog *route.Catalog
}

func NewRouteHandler(catalog *route.Catalog) *RouteHandler {
	return &RouteHandler{catalog: catalog}
}

func (h *RouteHandler) List(c *gin.Context) {
	writeJSON(c, http.StatusOK, map[string]any{"routes": h.catalog.Routes()})
}

func (h *RouteHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid route id")
		return
	}
	r, ok := h.catalog.Route(types.ID(id))
	if !ok {
		writeError(c, http.StatusNotFound, route.ErrNotFound.Error())
		return
	}
	writeJSON(c, http.StatusOK, r)
}

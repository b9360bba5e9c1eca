// README: WebSocket stream of one journey's events; the UI subscribes instead of driving state.
package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ridetrack/internal/events"
	"ridetrack/internal/modules/journey"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type EventsHandler struct {
	engine *journey.Engine
	bus    *events.Bus
}

func NewEventsHandler(engine *journey.Engine, bus *events.Bus) *EventsHandler {
	return &EventsHandler{engine: engine, bus: bus}
}

func (h *EventsHandler) Stream(c *gin.Context) {
	j, ok := ownedJourney(c, h.engine)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("journey %s: websocket upgrade: %v", j.ID, err)
		return
	}
	sub := h.bus.Subscribe(j.ID)
	closed := make(chan struct{})
	go readPump(conn, closed)
	writePump(conn, sub, closed)
	if n := sub.Dropped(); n > 0 {
		log.Printf("journey %s: event stream missed %d events", j.ID, n)
	}
}

// readPump discards client frames and keeps the read deadline fresh.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read: %v", err)
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *events.Subscription, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case e, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

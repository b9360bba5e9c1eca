// README: Dependency health report; unconfigured dependencies are reported as disabled.
package infra

import (
	"context"
	"net/http"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

type HealthChecker struct {
	DB       *pgxpool.Pool
	Redis    *redis.Client
	AMQPConn *amqp.Connection
	MQTT     mqtt.Client
}

// Check returns the HTTP status and the per-dependency report.
func (h *HealthChecker) Check(ctx context.Context) (int, gin.H) {
	status := http.StatusOK
	deps := gin.H{}
	down := func(name string, err string) {
		deps[name] = gin.H{"status": "down", "error": err}
		status = http.StatusServiceUnavailable
	}

	switch {
	case h.DB == nil:
		deps["postgres"] = gin.H{"status": "disabled"}
	default:
		if err := h.DB.Ping(ctx); err != nil {
			down("postgres", err.Error())
		} else {
			deps["postgres"] = gin.H{"status": "up"}
		}
	}

	switch {
	case h.Redis == nil:
		deps["redis"] = gin.H{"status": "disabled"}
	default:
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			down("redis", err.Error())
		} else {
			deps["redis"] = gin.H{"status": "up"}
		}
	}

	switch {
	case h.AMQPConn == nil:
		deps["rabbitmq"] = gin.H{"status": "disabled"}
	case h.AMQPConn.IsClosed():
		down("rabbitmq", "connection closed")
	default:
		deps["rabbitmq"] = gin.H{"status": "up"}
	}

	switch {
	case h.MQTT == nil:
		deps["mqtt"] = gin.H{"status": "disabled"}
	case !h.MQTT.IsConnected():
		down("mqtt", "not connected")
	default:
		deps["mqtt"] = gin.H{"status": "up"}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	return status, gin.H{"status": overall, "dependencies": deps}
}

func (h *HealthChecker) Handle(c *gin.Context) {
	status, body := h.Check(c.Request.Context())
	c.JSON(status, body)
}

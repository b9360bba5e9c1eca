// README: Redis SETNX front for the ledger; repeated confirmations never reach the backing store.
package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	confirmationKeyPrefix = "ledger:confirmation:%s:%s"
	// Journeys are scoped to one service day; keys outlive them comfortably.
	confirmationKeyTTL = 48 * time.Hour
)

var _ Ledger = (*RedisGuard)(nil)

type RedisGuard struct {
	Ledger
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisGuard(next Ledger, redis *redis.Client) *RedisGuard {
	return &RedisGuard{Ledger: next, redis: redis, ttl: confirmationKeyTTL}
}

func (g *RedisGuard) RecordConfirmation(ctx context.Context, rec ConfirmationRecord) (Outcome, error) {
	key := fmt.Sprintf(confirmationKeyPrefix, string(rec.JourneyID), string(rec.TargetID))
	set, err := g.redis.SetNX(ctx, key, rec.ConfirmedAt.UTC().Format(time.RFC3339Nano), g.ttl).Result()
	if err != nil {
		log.Printf("ledger: redis guard unavailable, writing through: %v", err)
		return g.Ledger.RecordConfirmation(ctx, rec)
	}
	if !set {
		return OutcomeAlreadyConfirmed, nil
	}
	out, err := g.Ledger.RecordConfirmation(ctx, rec)
	if err != nil {
		// Release the marker so a retry can reach the backing store.
		if delErr := g.redis.Del(ctx, key).Err(); delErr != nil {
			log.Printf("ledger: release guard %s: %v", key, delErr)
		}
		return "", err
	}
	return out, nil
}

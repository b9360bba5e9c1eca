// README: Vehicle position trackers backed by Redis GEO and by memory.
package location

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"ridetrack/internal/types"
)

const unitGeoKey = "tracking:units"

var (
	_ Tracker = (*RedisTracker)(nil)
	_ Tracker = (*MemoryTracker)(nil)
)

type RedisTracker struct {
	redis *redis.Client
}

func NewRedisTracker(redis *redis.Client) *RedisTracker {
	return &RedisTracker{redis: redis}
}

func (t *RedisTracker) SetPosition(ctx context.Context, unitID types.ID, pos types.Coordinate) error {
	return t.redis.GeoAdd(ctx, unitGeoKey, &redis.GeoLocation{
		Name:      string(unitID),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	}).Err()
}

func (t *RedisTracker) Position(ctx context.Context, unitID types.ID) (types.Coordinate, bool, error) {
	res, err := t.redis.GeoPos(ctx, unitGeoKey, string(unitID)).Result()
	if err != nil {
		return types.Coordinate{}, false, err
	}
	if len(res) == 0 || res[0] == nil {
		return types.Coordinate{}, false, nil
	}
	return types.Point(res[0].Latitude, res[0].Longitude), true, nil
}

func (t *RedisTracker) RemovePosition(ctx context.Context, unitID types.ID) error {
	return t.redis.ZRem(ctx, unitGeoKey, string(unitID)).Err()
}

func (t *RedisTracker) Positions(ctx context.Context) (map[types.ID]types.Coordinate, error) {
	members, err := t.redis.ZRange(ctx, unitGeoKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[types.ID]types.Coordinate, len(members))
	if len(members) == 0 {
		return out, nil
	}
	pos, err := t.redis.GeoPos(ctx, unitGeoKey, members...).Result()
	if err != nil {
		return nil, err
	}
	for i, p := range pos {
		if p == nil {
			continue
		}
		out[types.ID(members[i])] = types.Point(p.Latitude, p.Longitude)
	}
	return out, nil
}

type MemoryTracker struct {
	mu        sync.RWMutex
	positions map[types.ID]types.Coordinate
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{positions: make(map[types.ID]types.Coordinate)}
}

func (t *MemoryTracker) SetPosition(_ context.Context, unitID types.ID, pos types.Coordinate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions[unitID] = pos
	return nil
}

func (t *MemoryTracker) Position(_ context.Context, unitID types.ID) (types.Coordinate, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[unitID]
	return p, ok, nil
}

func (t *MemoryTracker) RemovePosition(_ context.Context, unitID types.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.positions, unitID)
	return nil
}

func (t *MemoryTracker) Positions(_ context.Context) (map[types.ID]types.Coordinate, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[types.ID]types.Coordinate, len(t.positions))
	for k, v := range t.positions {
		out[k] = v
	}
	return out, nil
}

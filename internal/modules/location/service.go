// README: Location service records unit positions with throttled snapshot flushing.
package location

import (
	"context"
	"sync"
	"time"

	"ridetrack/internal/types"
)

// DefaultSnapshotInterval is the minimum gap between two snapshots of one journey.
const DefaultSnapshotInterval = 30 * time.Second

type snapshotAppender interface {
	AppendSnapshot(ctx context.Context, snap Snapshot) error
}

type Service struct {
	tracker   Tracker
	snapshots snapshotAppender
	interval  time.Duration

	mu        sync.Mutex
	lastFlush map[types.ID]time.Time
}

// NewService builds a service over tracker. snapshots may be nil.
func NewService(tracker Tracker, snapshots snapshotAppender, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	return &Service{
		tracker:   tracker,
		snapshots: snapshots,
		interval:  interval,
		lastFlush: make(map[types.ID]time.Time),
	}
}

type Update struct {
	JourneyID types.ID
	UnitID    types.ID
	Reading   types.Reading
}

// Update moves the unit's tracked position and flushes a snapshot when the
// journey has not been snapshotted within the interval.
func (s *Service) Update(ctx context.Context, u Update) error {
	if u.UnitID != "" {
		if err := s.tracker.SetPosition(ctx, u.UnitID, u.Reading.Coordinate); err != nil {
			return err
		}
	}
	if s.snapshots == nil || !s.dueForSnapshot(u.JourneyID, u.Reading.Timestamp) {
		return nil
	}
	return s.FlushSnapshot(ctx, u)
}

func (s *Service) FlushSnapshot(ctx context.Context, u Update) error {
	snap := Snapshot{
		JourneyID:  u.JourneyID,
		UnitID:     u.UnitID,
		Position:   u.Reading.Coordinate,
		RecordedAt: u.Reading.Timestamp,
	}
	if snap.RecordedAt.IsZero() {
		snap.RecordedAt = time.Now()
	}
	return s.snapshots.AppendSnapshot(ctx, snap)
}

// VehiclePosition returns the latest tracked position of unitID.
func (s *Service) VehiclePosition(ctx context.Context, unitID types.ID) (types.Coordinate, bool, error) {
	return s.tracker.Position(ctx, unitID)
}

func (s *Service) ActivePositions(ctx context.Context) (map[types.ID]types.Coordinate, error) {
	return s.tracker.Positions(ctx)
}

// Forget drops the unit from the tracker and the journey's snapshot clock.
func (s *Service) Forget(ctx context.Context, journeyID, unitID types.ID) error {
	s.mu.Lock()
	delete(s.lastFlush, journeyID)
	s.mu.Unlock()
	if unitID == "" {
		return nil
	}
	return s.tracker.RemovePosition(ctx, unitID)
}

func (s *Service) dueForSnapshot(journeyID types.ID, at time.Time) bool {
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastFlush[journeyID]
	if ok && at.Sub(last) < s.interval {
		return false
	}
	s.lastFlush[journeyID] = at
	return true
}

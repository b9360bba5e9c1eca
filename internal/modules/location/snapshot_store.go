// README: Location snapshot store backed by Postgres.
package location

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type SnapshotStore struct {
	db *pgxpool.Pool
}

func NewSnapshotStore(db *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_snapshots (
			journey_id, unit_id, lat, lng, accuracy_m, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(snap.JourneyID),
		string(snap.UnitID),
		snap.Position.Lat, snap.Position.Lng,
		snap.Position.AccuracyMeters,
		snap.RecordedAt,
	)
	return err
}

// README: Ledger store backed by PostgreSQL (journeys, confirmations, state events).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridetrack/internal/types"
)

var _ Ledger = (*Store)(nil)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// RecordConfirmation inserts rec; the composite primary key turns a repeat
// into AlreadyConfirmed.
func (s *Store) RecordConfirmation(ctx context.Context, rec ConfirmationRecord) (Outcome, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO journey_confirmations (
			journey_id, target_id, target_kind, confirmed_at, distance_meters, lat, lng
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (journey_id, target_id) DO NOTHING`,
		string(rec.JourneyID),
		string(rec.TargetID),
		rec.TargetKind,
		rec.ConfirmedAt,
		rec.DistanceMeters,
		rec.Position.Lat, rec.Position.Lng,
	)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return OutcomeAlreadyConfirmed, nil
	}
	return OutcomeConfirmed, nil
}

func (s *Store) Confirmations(ctx context.Context, journeyID types.ID) ([]ConfirmationRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT journey_id, target_id, target_kind, confirmed_at, distance_meters, lat, lng
		FROM journey_confirmations
		WHERE journey_id = $1
		ORDER BY confirmed_at`, string(journeyID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConfirmationRecord
	for rows.Next() {
		var rec ConfirmationRecord
		if err := rows.Scan(
			&rec.JourneyID, &rec.TargetID, &rec.TargetKind, &rec.ConfirmedAt,
			&rec.DistanceMeters, &rec.Position.Lat, &rec.Position.Lng,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveJourney upserts snap. Older versions never overwrite newer ones, so a
// retried write is harmless.
func (s *Store) SaveJourney(ctx context.Context, snap JourneySnapshot) error {
	day, err := time.Parse(DateLayout, snap.ServiceDate)
	if err != nil {
		return fmt.Errorf("service date: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO journeys (
			id, role, actor_id, route_id, unit_id, status, status_version,
			current_stop_index, service_date, started_at, finished_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11
		)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			status_version = EXCLUDED.status_version,
			current_stop_index = EXCLUDED.current_stop_index,
			finished_at = EXCLUDED.finished_at
		WHERE journeys.status_version < EXCLUDED.status_version`,
		string(snap.ID),
		snap.Role,
		string(snap.ActorID),
		string(snap.RouteID),
		string(snap.UnitID),
		snap.State,
		snap.StatusVersion,
		snap.CurrentStopIndex,
		day,
		snap.StartedAt,
		snap.FinishedAt,
	)
	return err
}

func (s *Store) ActiveJourney(ctx context.Context, actorID, routeID types.ID, serviceDate string) (*JourneySnapshot, error) {
	day, err := time.Parse(DateLayout, serviceDate)
	if err != nil {
		return nil, fmt.Errorf("service date: %w", err)
	}
	row := s.db.QueryRow(ctx, `
		SELECT `+journeyColumns+`
		FROM journeys
		WHERE actor_id = $1 AND route_id = $2 AND service_date = $3
		  AND status NOT IN ('finished', 'aborted')
		ORDER BY started_at DESC
		LIMIT 1`,
		string(actorID), string(routeID), day,
	)
	return scanJourney(row)
}

func (s *Store) FindJourney(ctx context.Context, id types.ID) (*JourneySnapshot, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+journeyColumns+`
		FROM journeys
		WHERE id = $1`, string(id),
	)
	return scanJourney(row)
}

// OpenRiders backs the driver's passenger board.
func (s *Store) OpenRiders(ctx context.Context, routeID, unitID types.ID, serviceDate string) ([]JourneySnapshot, error) {
	day, err := time.Parse(DateLayout, serviceDate)
	if err != nil {
		return nil, fmt.Errorf("service date: %w", err)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+journeyColumns+`
		FROM journeys
		WHERE role = 'rider' AND service_date = $1
		  AND status NOT IN ('finished', 'aborted')
		  AND (route_id = $2 OR ($3::text <> '' AND unit_id = $3::text))
		ORDER BY started_at`,
		day, string(routeID), string(unitID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JourneySnapshot
	for rows.Next() {
		snap, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

const journeyColumns = `id, role, actor_id, route_id, unit_id, status, status_version,
		       current_stop_index, service_date, started_at, finished_at`

func scanJourney(row pgx.Row) (*JourneySnapshot, error) {
	var snap JourneySnapshot
	var date time.Time
	err := row.Scan(
		&snap.ID, &snap.Role, &snap.ActorID, &snap.RouteID, &snap.UnitID, &snap.State, &snap.StatusVersion,
		&snap.CurrentStopIndex, &date, &snap.StartedAt, &snap.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.ServiceDate = date.Format(DateLayout)
	return &snap, nil
}

func (s *Store) AppendStateEvent(ctx context.Context, e StateEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO journey_state_events (
			journey_id, from_status, to_status, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5)`,
		string(e.JourneyID),
		e.FromState,
		e.ToState,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

// README: In-memory ledger used by tests and single-node deployments without Postgres.
package ledger

import (
	"context"
	"sort"
	"sync"

	"ridetrack/internal/types"
)

var _ Ledger = (*MemoryStore)(nil)

type confirmationKey struct {
	journeyID types.ID
	targetID  types.ID
}

type MemoryStore struct {
	mu            sync.Mutex
	confirmations map[confirmationKey]ConfirmationRecord
	journeys      map[types.ID]JourneySnapshot
	events        []StateEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		confirmations: make(map[confirmationKey]ConfirmationRecord),
		journeys:      make(map[types.ID]JourneySnapshot),
	}
}

func (m *MemoryStore) RecordConfirmation(_ context.Context, rec ConfirmationRecord) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := confirmationKey{rec.JourneyID, rec.TargetID}
	if _, ok := m.confirmations[k]; ok {
		return OutcomeAlreadyConfirmed, nil
	}
	m.confirmations[k] = rec
	return OutcomeConfirmed, nil
}

func (m *MemoryStore) Confirmations(_ context.Context, journeyID types.ID) ([]ConfirmationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ConfirmationRecord
	for k, rec := range m.confirmations {
		if k.journeyID == journeyID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfirmedAt.Before(out[j].ConfirmedAt) })
	return out, nil
}

// SaveJourney upserts snap unless a newer version is already stored.
func (m *MemoryStore) SaveJourney(_ context.Context, snap JourneySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.journeys[snap.ID]; ok && cur.StatusVersion >= snap.StatusVersion {
		return nil
	}
	m.journeys[snap.ID] = snap
	return nil
}

func (m *MemoryStore) ActiveJourney(_ context.Context, actorID, routeID types.ID, serviceDate string) (*JourneySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.journeys {
		if j.ActorID == actorID && j.RouteID == routeID && j.ServiceDate == serviceDate && !Terminal(j.State) {
			snap := j
			return &snap, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) FindJourney(_ context.Context, id types.ID) (*JourneySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.journeys[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (m *MemoryStore) OpenRiders(_ context.Context, routeID, unitID types.ID, serviceDate string) ([]JourneySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JourneySnapshot
	for _, j := range m.journeys {
		if RidesWith(j, routeID, unitID, serviceDate) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) AppendStateEvent(_ context.Context, e StateEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.events) + 1)
	m.events = append(m.events, e)
	return nil
}

// Journey returns the stored snapshot for id.
func (m *MemoryStore) Journey(id types.ID) (JourneySnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.journeys[id]
	return j, ok
}

// Events returns a copy of the state events appended for journeyID.
func (m *MemoryStore) Events(journeyID types.ID) []StateEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StateEvent
	for _, e := range m.events {
		if e.JourneyID == journeyID {
			out = append(out, e)
		}
	}
	return out
}

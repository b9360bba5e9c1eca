// README: Per-journey state machine; every mutation of one journey runs under its own mutex.
package journey

import (
	"context"
	"fmt"
	"log"
	"sync"

	"ridetrack/internal/events"
	"ridetrack/internal/modules/ledger"
	"ridetrack/internal/modules/proximity"
	"ridetrack/internal/scheduler"
	"ridetrack/internal/types"
)

type machine struct {
	e   *Engine
	key activeKey

	mu          sync.Mutex
	journey     Journey
	pending     *proximity.Target
	confirmed   map[types.ID]bool
	alerted     map[types.ID]bool
	handle      *scheduler.Handle
	trackCtx    context.Context
	trackCancel context.CancelFunc
	writer      *writer

	// unitMu orders tracker writes against the forget queued by stopTracking.
	unitMu   sync.Mutex
	unitGone bool
}

func (e *Engine) newMachine(j Journey, key activeKey) *machine {
	ctx, cancel := context.WithCancel(e.root)
	m := &machine{
		e:           e,
		key:         key,
		journey:     j,
		confirmed:   make(map[types.ID]bool),
		alerted:     make(map[types.ID]bool),
		trackCtx:    ctx,
		trackCancel: cancel,
		writer: newWriter(j.ID, retryPolicy{
			attempts: e.cfg.LedgerMaxAttempts,
			base:     e.cfg.LedgerRetryBase,
			max:      e.cfg.LedgerRetryMax,
		}),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		m.writer.run(e.root)
		e.evict(m)
	}()
	return m
}

// transition moves the journey to next, bumps the version, queues the
// snapshot and audit writes and emits journey_state_changed. Callers hold m.mu.
func (m *machine) transition(next State) error {
	from := m.journey.State
	if !CanTransition(from, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	now := m.e.now()
	m.journey.State = next
	m.journey.StatusVersion++
	if next.Terminal() {
		m.journey.FinishedAt = &now
	}

	snap := m.snapshot()
	actor := m.journey.ActorID
	evt := ledger.StateEvent{
		JourneyID: m.journey.ID,
		FromState: string(from),
		ToState:   string(next),
		ActorID:   &actor,
		CreatedAt: now,
	}
	l := m.e.ledger
	m.writer.enqueue(writeOp{
		name: "save journey " + string(next),
		do:   func(ctx context.Context) error { return l.SaveJourney(ctx, snap) },
	})
	m.writer.enqueue(writeOp{
		name: "append state event " + string(next),
		do:   func(ctx context.Context) error { return l.AppendStateEvent(ctx, evt) },
	})

	m.e.emit(events.Event{
		Type:      events.TypeJourneyStateChanged,
		JourneyID: m.journey.ID,
		ActorID:   m.journey.ActorID,
		NewState:  string(next),
		At:        now,
	})
	return nil
}

func (m *machine) snapshot() ledger.JourneySnapshot {
	j := &m.journey
	return ledger.JourneySnapshot{
		ID:               j.ID,
		Role:             string(j.Role),
		ActorID:          j.ActorID,
		RouteID:          j.RouteID,
		UnitID:           j.UnitID,
		State:            string(j.State),
		StatusVersion:    j.StatusVersion,
		CurrentStopIndex: j.CurrentStopIndex,
		ServiceDate:      j.ServiceDate,
		StartedAt:        j.StartedAt,
		FinishedAt:       j.FinishedAt,
	}
}

// confirm records target once. The in-memory set collapses repeats before
// they reach the ledger; the ledger key dedupes across processes.
func (m *machine) confirm(t proximity.Target, pos types.Coordinate, distance float64) bool {
	if m.confirmed[t.ID] {
		return false
	}
	m.confirmed[t.ID] = true

	rec := ledger.ConfirmationRecord{
		JourneyID:      m.journey.ID,
		TargetID:       t.ID,
		TargetKind:     string(t.Kind),
		ConfirmedAt:    m.e.now(),
		DistanceMeters: distance,
		Position:       pos,
	}
	e := m.e
	actor := m.journey.ActorID
	m.writer.enqueue(writeOp{
		name: "record confirmation " + string(t.ID),
		do: func(ctx context.Context) error {
			if _, err := e.ledger.RecordConfirmation(ctx, rec); err != nil {
				return err
			}
			e.emit(events.Event{
				Type:       events.TypeConfirmationRecorded,
				JourneyID:  rec.JourneyID,
				ActorID:    actor,
				TargetID:   rec.TargetID,
				TargetKind: rec.TargetKind,
			})
			return nil
		},
		exhausted: func(err error) {
			e.emit(events.Event{
				Type:       events.TypeConfirmationDegraded,
				JourneyID:  rec.JourneyID,
				ActorID:    actor,
				TargetID:   rec.TargetID,
				TargetKind: rec.TargetKind,
				Reason:     err.Error(),
			})
		},
	})
	return true
}

func (m *machine) alert(r proximity.Result) {
	if m.alerted[r.Target.ID] {
		return
	}
	m.alerted[r.Target.ID] = true
	d := r.DistanceMeters
	m.e.emit(events.Event{
		Type:           events.TypeProximityAlert,
		JourneyID:      m.journey.ID,
		ActorID:        m.journey.ActorID,
		TargetID:       r.Target.ID,
		TargetKind:     string(r.Target.Kind),
		DistanceMeters: &d,
	})
}

// targets lists what a reading is measured against: the final destination,
// the stops not yet confirmed and, for riders, the vehicle.
func (m *machine) targets(vehicle *types.Coordinate) []proximity.Target {
	j := &m.journey
	out := make([]proximity.Target, 0, len(j.Stops)-j.CurrentStopIndex+2)
	if j.Final != nil {
		out = append(out, *j.Final)
	}
	out = append(out, j.PendingStops()...)
	if vehicle != nil && j.Role == RoleRider && j.UnitID != "" {
		out = append(out, proximity.Target{
			ID:       vehicleTargetID(j.UnitID),
			Kind:     proximity.KindVehiclePosition,
			Position: *vehicle,
		})
	}
	return out
}

// evaluate runs one proximity cycle at pos. Callers hold m.mu.
func (m *machine) evaluate(pos types.Coordinate, vehicle *types.Coordinate) {
	if !m.journey.State.Tracking() {
		return
	}
	results, err := proximity.Evaluate(pos, m.targets(vehicle), m.e.cfg.Thresholds)
	if err != nil {
		log.Printf("journey %s: skip reading: %v", m.journey.ID, err)
		return
	}
	var nextID types.ID
	if next, ok := m.journey.NextStop(); ok {
		nextID = next.ID
	}
	r, ok := proximity.Resolve(results, nextID)
	if !ok {
		return
	}
	m.onProximityResult(r, pos)
}

func (m *machine) onProximityResult(r proximity.Result, pos types.Coordinate) {
	switch r.Target.Kind {
	case proximity.KindFinalDestination:
		m.alert(r)
		m.confirm(r.Target, pos, r.DistanceMeters)
		if err := m.transition(StateFinished); err != nil {
			log.Printf("journey %s: %v", m.journey.ID, err)
			return
		}
		m.stopTracking("final_destination_reached")

	case proximity.KindStop:
		if m.journey.State != StateActive {
			return
		}
		if err := m.transition(StateStopPending); err != nil {
			log.Printf("journey %s: %v", m.journey.ID, err)
			return
		}
		t := r.Target
		m.pending = &t
		m.alert(r)
		if m.e.cfg.Policy == PolicyAuto {
			m.confirmStop(t, pos, r.DistanceMeters)
		}

	case proximity.KindVehiclePosition:
		m.alert(r)
		m.confirm(r.Target, pos, r.DistanceMeters)
	}
}

// confirmStop records the pending stop and advances. Callers hold m.mu and
// have checked that t is the pending stop.
func (m *machine) confirmStop(t proximity.Target, pos types.Coordinate, distance float64) {
	m.confirm(t, pos, distance)
	m.journey.CurrentStopIndex++
	m.pending = nil
	if err := m.transition(StateStopConfirmed); err != nil {
		log.Printf("journey %s: %v", m.journey.ID, err)
		return
	}
	next := StateActive
	if m.journey.CurrentStopIndex >= len(m.journey.Stops) {
		next = StateFinalApproach
	}
	if err := m.transition(next); err != nil {
		log.Printf("journey %s: %v", m.journey.ID, err)
	}
}

// stopTracking cancels the recheck handle and the location sources, frees
// the active slot and tells devices to stop sending. Callers hold m.mu.
func (m *machine) stopTracking(reason string) {
	m.handle.Cancel()
	m.trackCancel()
	m.e.release(m)

	if p := m.e.positions; p != nil && m.journey.Role == RoleDriver {
		jid, uid := m.journey.ID, m.journey.UnitID
		m.writer.enqueue(writeOp{
			name: "forget unit position",
			do: func(ctx context.Context) error {
				m.unitMu.Lock()
				defer m.unitMu.Unlock()
				m.unitGone = true
				return p.Forget(ctx, jid, uid)
			},
		})
	}
	m.writer.close()

	m.e.emit(events.Event{
		Type:      events.TypeTrackingStopped,
		JourneyID: m.journey.ID,
		ActorID:   m.journey.ActorID,
		Reason:    reason,
	})
}

// distanceTo measures pos against t, falling back to 0 on bad input.
func distanceTo(pos types.Coordinate, t proximity.Target) float64 {
	res, err := proximity.Evaluate(pos, []proximity.Target{t}, proximity.Thresholds{})
	if err != nil || len(res) == 0 {
		return 0
	}
	return res[0].DistanceMeters
}

func (m *machine) lastPosition() (types.Coordinate, bool) {
	if m.journey.LastReading == nil {
		return types.Coordinate{}, false
	}
	return m.journey.LastReading.Coordinate, true
}

func (m *machine) acceptReading(r types.Reading) error {
	if last := m.journey.LastReading; last != nil && r.Timestamp.Before(last.Timestamp) {
		return ErrStaleLocationUpdate
	}
	m.journey.LastReading = &r
	return nil
}

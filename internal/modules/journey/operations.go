// README: Journey operations driven by location sources, the recheck scheduler and API callers.
package journey

import (
	"context"
	"errors"
	"fmt"
	"log"

	"ridetrack/internal/events"
	"ridetrack/internal/geo"
	"ridetrack/internal/modules/location"
	"ridetrack/internal/modules/proximity"
	"ridetrack/internal/types"
)

// OnLocationUpdate feeds one reading into the journey. Readings for journeys
// that are not tracking, stale readings and unusable coordinates are dropped
// without error.
func (e *Engine) OnLocationUpdate(ctx context.Context, id types.ID, r types.Reading) error {
	m, err := e.machine(id)
	if err != nil {
		return err
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = e.now()
	}
	if err := geo.Validate(r.Coordinate); err != nil {
		log.Printf("journey %s: skip reading: %v", id, err)
		return nil
	}
	vehicle := e.vehiclePosition(ctx, m)

	m.mu.Lock()
	if !m.journey.State.Tracking() {
		m.mu.Unlock()
		return nil
	}
	if err := m.acceptReading(r); err != nil {
		m.mu.Unlock()
		return nil
	}
	m.evaluate(r.Coordinate, vehicle)
	publish := e.positions != nil && m.journey.Role == RoleDriver && m.journey.State.Tracking()
	unitID := m.journey.UnitID
	m.mu.Unlock()

	if publish {
		e.publishUnit(ctx, m, location.Update{JourneyID: id, UnitID: unitID, Reading: r})
	}
	return nil
}

// publishUnit writes the driver's position unless the unit was already
// forgotten. Holding unitMu keeps a slow write from landing after the forget.
func (e *Engine) publishUnit(ctx context.Context, m *machine, u location.Update) {
	m.unitMu.Lock()
	defer m.unitMu.Unlock()
	if m.unitGone {
		return
	}
	if err := e.positions.Update(ctx, u); err != nil {
		log.Printf("journey %s: update unit position: %v", u.JourneyID, err)
	}
}

// ConfirmStop confirms the pending stop targetID. Confirming a target that is
// already confirmed is a no-op; any other target fails with
// ErrInvalidTransition and leaves the journey unchanged.
func (e *Engine) ConfirmStop(ctx context.Context, id, targetID types.ID, pos *types.Coordinate) error {
	m, err := e.machine(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.confirmed[targetID] {
		return nil
	}
	if m.journey.State != StateStopPending || m.pending == nil || m.pending.ID != targetID {
		return fmt.Errorf("%w: cannot confirm %s while %s", ErrInvalidTransition, targetID, m.journey.State)
	}
	t := *m.pending
	p, err := m.resolvePosition(pos, t.Position)
	if err != nil {
		return err
	}
	m.confirmStop(t, p, distanceTo(p, t))
	return nil
}

// Finalize ends the journey at pos regardless of proximity. A journey that
// already finished through its final destination accepts a repeat as a no-op.
func (e *Engine) Finalize(ctx context.Context, id types.ID, pos *types.Coordinate) error {
	m, err := e.machine(id)
	if err != nil {
		return e.settled(ctx, id, StateFinished)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.journey.State == StateFinished && m.confirmed[m.finalTargetID()] {
		return nil
	}
	if !m.journey.State.Tracking() {
		return fmt.Errorf("%w: cannot finalize while %s", ErrInvalidTransition, m.journey.State)
	}
	p, err := m.resolvePosition(pos, types.Coordinate{})
	if err != nil {
		return err
	}
	if pos == nil && m.journey.LastReading == nil {
		return fmt.Errorf("%w: a coordinate is required to finalize", ErrBadRequest)
	}

	t := proximity.Target{ID: syntheticFinalID, Kind: proximity.KindFinalDestination, Position: p}
	if m.journey.Final != nil {
		t = *m.journey.Final
	}
	m.confirm(t, p, distanceTo(p, t))
	if err := m.transition(StateFinished); err != nil {
		return err
	}
	m.stopTracking("finalized")
	return nil
}

// Abort cancels the journey immediately. Aborting twice is a no-op.
func (e *Engine) Abort(ctx context.Context, id types.ID) error {
	m, err := e.machine(id)
	if err != nil {
		return e.settled(ctx, id, StateAborted)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.journey.State == StateAborted {
		return nil
	}
	if err := m.transition(StateAborted); err != nil {
		return err
	}
	m.stopTracking("aborted")
	return nil
}

// settled answers a repeated Abort or Finalize for a journey that is no
// longer held in memory.
func (e *Engine) settled(ctx context.Context, id types.ID, want State) error {
	j, err := e.stored(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case j.State == want:
		return nil
	case j.State.Terminal():
		return fmt.Errorf("%w: journey is %s", ErrInvalidTransition, j.State)
	default:
		// Open, but driven by another process.
		return ErrNotFound
	}
}

// Track consumes src until the journey stops tracking. A source that reports
// location.ErrPermissionDenied halts automatic tracking for the journey.
func (e *Engine) Track(id types.ID, src location.Source) error {
	m, err := e.machine(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if !m.journey.State.Tracking() {
		m.mu.Unlock()
		return fmt.Errorf("%w: journey is %s", ErrInvalidTransition, m.journey.State)
	}
	ctx := m.trackCtx
	m.mu.Unlock()

	ch, err := src.Readings(ctx)
	if err != nil {
		if errors.Is(err, location.ErrPermissionDenied) {
			m.mu.Lock()
			m.haltTracking("location_permission_denied")
			m.mu.Unlock()
		}
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		for r := range ch {
			if err := e.OnLocationUpdate(ctx, id, r); err != nil {
				log.Printf("journey %s: location update: %v", id, err)
			}
		}
	}()
	return nil
}

// recheck re-evaluates the last accepted position so moving targets are
// caught even when the actor stands still.
func (e *Engine) recheck(m *machine) {
	vehicle := e.vehiclePosition(m.trackCtx, m)
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.lastPosition()
	if !ok {
		return
	}
	m.evaluate(pos, vehicle)
}

func (e *Engine) vehiclePosition(ctx context.Context, m *machine) *types.Coordinate {
	if e.positions == nil || m.journey.Role != RoleRider || m.journey.UnitID == "" {
		return nil
	}
	pos, ok, err := e.positions.VehiclePosition(ctx, m.journey.UnitID)
	if err != nil {
		log.Printf("journey %s: vehicle position: %v", m.journey.ID, err)
		return nil
	}
	if !ok {
		return nil
	}
	return &pos
}

// haltTracking stops automatic sampling without ending the journey. Callers hold m.mu.
func (m *machine) haltTracking(reason string) {
	m.handle.Cancel()
	m.trackCancel()
	m.e.emit(events.Event{
		Type:      events.TypeTrackingStopped,
		JourneyID: m.journey.ID,
		ActorID:   m.journey.ActorID,
		Reason:    reason,
	})
}

// resolvePosition prefers the caller's coordinate, then the last reading,
// then fallback. Callers hold m.mu.
func (m *machine) resolvePosition(pos *types.Coordinate, fallback types.Coordinate) (types.Coordinate, error) {
	if pos != nil {
		if err := geo.Validate(*pos); err != nil {
			return types.Coordinate{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return *pos, nil
	}
	if last, ok := m.lastPosition(); ok {
		return last, nil
	}
	return fallback, nil
}

func (m *machine) finalTargetID() types.ID {
	if m.journey.Final != nil {
		return m.journey.Final.ID
	}
	return syntheticFinalID
}

package journey

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ridetrack/internal/events"
	"ridetrack/internal/modules/ledger"
	"ridetrack/internal/modules/location"
	"ridetrack/internal/modules/proximity"
	"ridetrack/internal/modules/route"
	"ridetrack/internal/types"
)

var origin = types.Point(0, 0)

func startDriver(t *testing.T, h *harness, stops []proximity.Target, final *proximity.Target) Journey {
	t.Helper()
	j, err := h.engine.Start(context.Background(), StartCommand{
		ActorID: "driver-1",
		Role:    RoleDriver,
		RouteID: "r1",
		UnitID:  "bus-1",
		Stops:   stops,
		Final:   final,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return j
}

func TestStart_BeginsActive(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, finalAt(terminal))

	if j.State != StateActive || j.StatusVersion != 1 || j.CurrentStopIndex != 0 {
		t.Fatalf("unexpected journey after start: %+v", j)
	}
	if j.ServiceDate != "2026-10-15" {
		t.Fatalf("expected service date 2026-10-15, got %s", j.ServiceDate)
	}
	if got := h.events.states(j.ID); !equalStates(got, []State{StateActive}) {
		t.Fatalf("expected [active], got %v", got)
	}
	eventually(t, "journey snapshot", func() bool {
		snap, ok := h.ledger.Journey(j.ID)
		return ok && snap.State == string(StateActive)
	})
}

func TestStart_WithoutStopsGoesToFinalApproach(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	j := startDriver(t, h, nil, finalAt(terminal))
	if j.State != StateFinalApproach {
		t.Fatalf("expected final_approach, got %s", j.State)
	}
}

func TestStart_RejectsBadCommands(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	ctx := context.Background()
	cases := []StartCommand{
		{RouteID: "r1"},
		{ActorID: "a"},
		{ActorID: "a", RouteID: "r1", Role: "pilot"},
		{ActorID: "a", RouteID: "r1", Stops: []proximity.Target{stopAt("s", origin), stopAt("s", origin)}},
		{ActorID: "a", RouteID: "r1", Stops: []proximity.Target{stopAt("s", types.Point(91, 0))}},
		{ActorID: "a", RouteID: "r1", Stops: []proximity.Target{stopAt("terminal", origin)}, Final: finalAt(terminal)},
	}
	for i, cmd := range cases {
		if _, err := h.engine.Start(ctx, cmd); !errors.Is(err, ErrBadRequest) {
			t.Fatalf("case %d: expected ErrBadRequest, got %v", i, err)
		}
	}
}

func TestStart_UsesRouteCatalog(t *testing.T) {
	catalog := route.NewCatalog(route.Route{
		ID:    "r9",
		Stops: []proximity.Target{stopAt("a", origin), stopAt("b", north(origin, 500))},
		Final: finalAt(terminal),
	})
	h := newHarness(t, Config{}, Deps{Routes: catalog})
	j, err := h.engine.Start(context.Background(), StartCommand{ActorID: "d", RouteID: "r9"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(j.Stops) != 2 || j.Stops[1].Order != 1 || j.Final == nil || j.Final.ID != "terminal" {
		t.Fatalf("expected catalog targets, got %+v", j)
	}
}

func TestStart_DuplicateActiveJourney(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	ctx := context.Background()
	first := startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, nil)

	_, err := h.engine.Start(ctx, StartCommand{ActorID: "driver-1", RouteID: "r1"})
	if !errors.Is(err, ErrDuplicateActiveJourney) {
		t.Fatalf("expected ErrDuplicateActiveJourney, got %v", err)
	}
	if _, err := h.engine.Start(ctx, StartCommand{ActorID: "driver-1", RouteID: "r2"}); err != nil {
		t.Fatalf("other route should start: %v", err)
	}
	if _, err := h.engine.Start(ctx, StartCommand{ActorID: "driver-2", RouteID: "r1"}); err != nil {
		t.Fatalf("other actor should start: %v", err)
	}

	if err := h.engine.Abort(ctx, first.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, err := h.engine.Start(ctx, StartCommand{ActorID: "driver-1", RouteID: "r1"}); err != nil {
		t.Fatalf("start after abort: %v", err)
	}
}

func TestStart_DuplicateFromLedger(t *testing.T) {
	store := ledger.NewMemoryStore()
	if err := store.SaveJourney(context.Background(), ledger.JourneySnapshot{
		ID: "other-process", ActorID: "driver-1", RouteID: "r1",
		State: string(StateActive), StatusVersion: 1, ServiceDate: "2026-10-15",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h := newHarness(t, Config{}, Deps{Ledger: store})

	_, err := h.engine.Start(context.Background(), StartCommand{ActorID: "driver-1", RouteID: "r1"})
	if !errors.Is(err, ErrDuplicateActiveJourney) {
		t.Fatalf("expected ErrDuplicateActiveJourney, got %v", err)
	}
	j, err := h.engine.Active(context.Background(), "driver-1", "r1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if j.ID != "other-process" || !j.Restored {
		t.Fatalf("expected restored ledger journey, got %+v", j)
	}
}

func TestActive_IsScopedToServiceDate(t *testing.T) {
	ect := time.FixedZone("ECT", -5*3600)
	h := newHarness(t, Config{Location: ect}, Deps{})
	// 23:30 local on the 15th is already the 16th in UTC.
	h.clock.now = time.Date(2026, 10, 15, 23, 30, 0, 0, ect)
	ctx := context.Background()

	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, nil)
	if j.ServiceDate != "2026-10-15" {
		t.Fatalf("expected local service date, got %s", j.ServiceDate)
	}
	got, err := h.engine.Active(ctx, "driver-1", "r1")
	if err != nil || got.ID != j.ID {
		t.Fatalf("expected active journey %s, got %v %v", j.ID, got.ID, err)
	}

	h.clock.Advance(time.Hour)
	if _, err := h.engine.Active(ctx, "driver-1", "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected yesterday's journey to be hidden, got %v", err)
	}
	next, err := h.engine.Start(ctx, StartCommand{ActorID: "driver-1", RouteID: "r1"})
	if err != nil {
		t.Fatalf("new day start: %v", err)
	}
	if next.ServiceDate != "2026-10-16" {
		t.Fatalf("expected 2026-10-16, got %s", next.ServiceDate)
	}
}

func TestOnLocationUpdate_ApproachingStop(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	ctx := context.Background()
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, finalAt(terminal))

	for _, d := range []float64{50, 30} {
		if err := h.engine.OnLocationUpdate(ctx, j.ID, h.reading(north(origin, d))); err != nil {
			t.Fatalf("update at %vm: %v", d, err)
		}
		if s := mustGet(t, h.engine, j.ID).State; s != StateActive {
			t.Fatalf("at %vm expected active, got %s", d, s)
		}
	}
	for _, d := range []float64{15, 10} {
		if err := h.engine.OnLocationUpdate(ctx, j.ID, h.reading(north(origin, d))); err != nil {
			t.Fatalf("update at %vm: %v", d, err)
		}
	}
	if got := h.events.states(j.ID); !equalStates(got, []State{StateActive, StateStopPending}) {
		t.Fatalf("expected one stop_pending, got %v", got)
	}
	alerts := h.events.ofType(events.TypeProximityAlert)
	if len(alerts) != 1 || alerts[0].TargetID != "s0" || *alerts[0].DistanceMeters > 20 {
		t.Fatalf("expected one alert for s0, got %+v", alerts)
	}

	if err := h.engine.ConfirmStop(ctx, j.ID, "s0", nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	got := mustGet(t, h.engine, j.ID)
	if got.State != StateFinalApproach || got.CurrentStopIndex != 1 {
		t.Fatalf("expected final_approach at index 1, got %s %d", got.State, got.CurrentStopIndex)
	}
	want := []State{StateActive, StateStopPending, StateStopConfirmed, StateFinalApproach}
	if got := h.events.states(j.ID); !equalStates(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	eventually(t, "stop confirmation", func() bool {
		recs, _ := h.ledger.Confirmations(ctx, j.ID)
		return len(recs) == 1 && recs[0].TargetID == "s0"
	})
}

func TestOnLocationUpdate_FinalDestinationFinishes(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	ctx := context.Background()
	j := startDriver(t, h, nil, finalAt(terminal))

	if err := h.engine.OnLocationUpdate(ctx, j.ID, h.reading(north(terminal, 12))); err != nil {
		t.Fatalf("update: %v", err)
	}
	got := mustGet(t, h.engine, j.ID)
	if got.State != StateFinished || got.FinishedAt == nil {
		t.Fatalf("expected finished, got %+v", got)
	}
	stopped := h.events.ofType(events.TypeTrackingStopped)
	if len(stopped) != 1 || stopped[0].Reason != "final_destination_reached" {
		t.Fatalf("expected tracking stopped once, got %+v", stopped)
	}

	// Later readings change nothing.
	_ = h.engine.OnLocationUpdate(ctx, j.ID, h.reading(terminal))
	eventually(t, "final confirmation", func() bool {
		recs, _ := h.ledger.Confirmations(ctx, j.ID)
		return len(recs) == 1 && recs[0].TargetID == "terminal" &&
			recs[0].TargetKind == string(proximity.KindFinalDestination)
	})
	if _, err := h.engine.Active(ctx, "driver-1", "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("finished journey should not be active, got %v", err)
	}
}

func TestOnLocationUpdate_FinalWinsOverStop(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	// A stop 5 m from the terminal; the final destination takes priority.
	j := startDriver(t, h, []proximity.Target{stopAt("s0", north(terminal, 5))}, finalAt(terminal))

	if err := h.engine.OnLocationUpdate(context.Background(), j.ID, h.reading(terminal)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if s := mustGet(t, h.engine, j.ID).State; s != StateFinished {
		t.Fatalf("expected finished, got %s", s)
	}
}

func TestOnLocationUpdate_EnforcesStopOrder(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	ctx := context.Background()
	s0 := stopAt("s0", origin)
	s1 := stopAt("s1", north(origin, 1000))
	j := startDriver(t, h, []proximity.Target{s0, s1}, finalAt(terminal))

	if err := h.engine.OnLocationUpdate(ctx, j.ID, h.reading(s1.Position)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if s := mustGet(t, h.engine, j.ID).State; s != StateActive {
		t.Fatalf("later stop must not trigger, got %s", s)
	}
	if err := h.engine.ConfirmStop(ctx, j.ID, "s1", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConfirmStop_WrongTargetLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	ctx := context.Background()
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin), stopAt("s1", north(origin, 1000))}, nil)
	_ = h.engine.OnLocationUpdate(ctx, j.ID, h.reading(origin))

	before := mustGet(t, h.engine, j.ID)
	if before.State != StateStopPending {
		t.Fatalf("expected stop_pending, got %s", before.State)
	}
	if err := h.engine.ConfirmStop(ctx, j.ID, "s1", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	after := mustGet(t, h.engine, j.ID)
	if after.State != before.State || after.StatusVersion != before.StatusVersion || after.CurrentStopIndex != 0 {
		t.Fatalf("journey changed: %+v -> %+v", before, after)
	}
}

func TestConfirmStop_RacingConfirmationsRecordOnce(t *testing.T) {
	h := newHarness(t, Config{Policy: PolicyManual}, Deps{})
	ctx := context.Background()
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin), stopAt("s1", north(origin, 1000))}, nil)
	_ = h.engine.OnLocationUpdate(ctx, j.ID, h.reading(origin))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	r := h.reading(north(origin, 3))
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- h.engine.ConfirmStop(ctx, j.ID, "s0", nil)
		}()
		go func() {
			defer wg.Done()
			errs <- h.engine.OnLocationUpdate(ctx, j.ID, r)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("racing call failed: %v", err)
		}
	}

	got := mustGet(t, h.engine, j.ID)
	if got.CurrentStopIndex != 1 || got.State != StateActive {
		t.Fatalf("expected index 1 active, got %d %s", got.CurrentStopIndex, got.State)
	}
	eventually(t, "confirmation write", func() bool {
		return len(h.events.ofType(events.TypeConfirmationRecorded)) == 1
	})
	recs, _ := h.ledger.Confirmations(ctx, j.ID)
	if len(recs) != 1 {
		t.Fatalf("expected one confirmation, got %d", len(recs))
	}
}

func TestAutoPolicy_ConcurrentReadingsConfirmOnce(t *testing.T) {
	h := newHarness(t, Config{Policy: PolicyAuto}, Deps{})
	ctx := context.Background()
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, finalAt(terminal))

	r := h.reading(north(origin, 5))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.engine.OnLocationUpdate(ctx, j.ID, r)
		}()
	}
	wg.Wait()

	got := mustGet(t, h.engine, j.ID)
	if got.CurrentStopIndex != 1 || got.State != StateFinalApproach {
		t.Fatalf("expected final_approach at index 1, got %s %d", got.State, got.CurrentStopIndex)
	}
	want := []State{StateActive, StateStopPending, StateStopConfirmed, StateFinalApproach}
	if states := h.events.states(j.ID); !equalStates(states, want) {
		t.Fatalf("expected %v, got %v", want, states)
	}
	eventually(t, "confirmation write", func() bool {
		recs, _ := h.ledger.Confirmations(ctx, j.ID)
		return len(recs) == 1
	})
}

func TestOnLocationUpdate_DropsStaleReadings(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	ctx := context.Background()
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, nil)

	fresh := h.reading(north(origin, 200))
	stale := types.Reading{Coordinate: origin, Timestamp: fresh.Timestamp.Add(-time.Second)}
	if err := h.engine.OnLocationUpdate(ctx, j.ID, fresh); err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if err := h.engine.OnLocationUpdate(ctx, j.ID, stale); err != nil {
		t.Fatalf("stale readings are dropped silently, got %v", err)
	}
	got := mustGet(t, h.engine, j.ID)
	if got.State != StateActive || !got.LastReading.Timestamp.Equal(fresh.Timestamp) {
		t.Fatalf("stale reading was applied: %+v", got)
	}
}

func TestOnLocationUpdate_SkipsInvalidCoordinates(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, nil)
	if err := h.engine.OnLocationUpdate(context.Background(), j.ID, h.reading(types.Point(120, 0))); err != nil {
		t.Fatalf("expected invalid reading to be skipped, got %v", err)
	}
	if mustGet(t, h.engine, j.ID).LastReading != nil {
		t.Fatalf("invalid reading should not be stored")
	}
}

func TestOnLocationUpdate_UnknownJourney(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	err := h.engine.OnLocationUpdate(context.Background(), "missing", h.reading(origin))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAbort_StopsFurtherProcessing(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	ctx := context.Background()
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, finalAt(terminal))

	if err := h.engine.Abort(ctx, j.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if err := h.engine.Abort(ctx, j.ID); err != nil {
		t.Fatalf("second abort should be a no-op, got %v", err)
	}
	seen := h.events.count()

	_ = h.engine.OnLocationUpdate(ctx, j.ID, h.reading(origin))
	_ = h.engine.OnLocationUpdate(ctx, j.ID, h.reading(terminal))
	if got := mustGet(t, h.engine, j.ID).State; got != StateAborted {
		t.Fatalf("expected aborted, got %s", got)
	}
	if h.events.count() != seen {
		t.Fatalf("events emitted after abort")
	}
	if err := h.engine.Finalize(ctx, j.ID, &terminal); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("finalize after abort: expected ErrInvalidTransition, got %v", err)
	}
	eventually(t, "aborted snapshot", func() bool {
		snap, ok := h.ledger.Journey(j.ID)
		return ok && snap.State == string(StateAborted)
	})
}

func TestFinalize(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	ctx := context.Background()

	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, finalAt(terminal))
	if err := h.engine.Finalize(ctx, j.ID, nil); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("finalize without any position: expected ErrBadRequest, got %v", err)
	}
	pos := north(origin, 400)
	if err := h.engine.Finalize(ctx, j.ID, &pos); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := h.engine.Finalize(ctx, j.ID, &pos); err != nil {
		t.Fatalf("repeat finalize should be a no-op, got %v", err)
	}
	got := mustGet(t, h.engine, j.ID)
	if got.State != StateFinished {
		t.Fatalf("expected finished, got %s", got.State)
	}
	eventually(t, "final confirmation", func() bool {
		recs, _ := h.ledger.Confirmations(ctx, j.ID)
		return len(recs) == 1 && recs[0].TargetID == "terminal" && recs[0].DistanceMeters > 1000
	})
}

func TestFinalize_WithoutFinalUsesSyntheticTarget(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	ctx := context.Background()
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, nil)
	_ = h.engine.OnLocationUpdate(ctx, j.ID, h.reading(north(origin, 300)))

	if err := h.engine.Finalize(ctx, j.ID, nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	eventually(t, "synthetic final confirmation", func() bool {
		recs, _ := h.ledger.Confirmations(ctx, j.ID)
		return len(recs) == 1 && recs[0].TargetID == syntheticFinalID && recs[0].DistanceMeters == 0
	})
}

type failingConfirmations struct {
	*ledger.MemoryStore
	mu    sync.Mutex
	calls int
}

func (f *failingConfirmations) RecordConfirmation(context.Context, ledger.ConfirmationRecord) (ledger.Outcome, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return "", errors.New("database unavailable")
}

func (f *failingConfirmations) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestLedgerFailure_DegradesWithoutRollback(t *testing.T) {
	store := &failingConfirmations{MemoryStore: ledger.NewMemoryStore()}
	h := newHarness(t, Config{Policy: PolicyAuto, LedgerMaxAttempts: 3}, Deps{Ledger: store})
	ctx := context.Background()
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, finalAt(terminal))

	if err := h.engine.OnLocationUpdate(ctx, j.ID, h.reading(origin)); err != nil {
		t.Fatalf("update: %v", err)
	}
	eventually(t, "degraded event", func() bool {
		return len(h.events.ofType(events.TypeConfirmationDegraded)) == 1
	})
	degraded := h.events.ofType(events.TypeConfirmationDegraded)[0]
	if degraded.TargetID != "s0" || degraded.Reason == "" {
		t.Fatalf("unexpected degraded event: %+v", degraded)
	}
	if n := store.attempts(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	got := mustGet(t, h.engine, j.ID)
	if got.CurrentStopIndex != 1 || got.State != StateFinalApproach {
		t.Fatalf("in-memory progress was rolled back: %+v", got)
	}
	if len(h.events.ofType(events.TypeConfirmationRecorded)) != 0 {
		t.Fatalf("no confirmation should be reported as recorded")
	}
}

type blockingConfirmations struct {
	*ledger.MemoryStore
	release chan struct{}
}

func (b *blockingConfirmations) RecordConfirmation(ctx context.Context, rec ledger.ConfirmationRecord) (ledger.Outcome, error) {
	<-b.release
	return b.MemoryStore.RecordConfirmation(ctx, rec)
}

func TestSlowLedger_DoesNotBlockUpdates(t *testing.T) {
	store := &blockingConfirmations{MemoryStore: ledger.NewMemoryStore(), release: make(chan struct{})}
	h := newHarness(t, Config{Policy: PolicyAuto}, Deps{Ledger: store})
	ctx := context.Background()
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin), stopAt("s1", north(origin, 1000))}, finalAt(terminal))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.engine.OnLocationUpdate(ctx, j.ID, h.reading(origin))
		_ = h.engine.OnLocationUpdate(ctx, j.ID, h.reading(north(origin, 1000)))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		close(store.release)
		t.Fatalf("location updates blocked on the ledger")
	}
	if got := mustGet(t, h.engine, j.ID); got.CurrentStopIndex != 2 {
		t.Fatalf("expected both stops confirmed in memory, got index %d", got.CurrentStopIndex)
	}
	close(store.release)
	eventually(t, "queued confirmations", func() bool {
		recs, _ := store.Confirmations(ctx, j.ID)
		return len(recs) == 2
	})
}

func TestRider_VehicleProximity(t *testing.T) {
	positions := location.NewService(location.NewMemoryTracker(), nil, 0)
	h := newHarness(t, Config{RecheckInterval: 10 * time.Millisecond}, Deps{Positions: positions})
	ctx := context.Background()

	rider, err := h.engine.Start(ctx, StartCommand{
		ActorID: "rider-1", Role: RoleRider, RouteID: "r1", UnitID: "bus-7",
		Final: finalAt(terminal),
	})
	if err != nil {
		t.Fatalf("start rider: %v", err)
	}
	wait := north(origin, 100)
	if err := positions.Update(ctx, location.Update{UnitID: "bus-7", Reading: h.reading(north(origin, 2000))}); err != nil {
		t.Fatalf("seed vehicle: %v", err)
	}
	if err := h.engine.OnLocationUpdate(ctx, rider.ID, h.reading(wait)); err != nil {
		t.Fatalf("rider update: %v", err)
	}
	if len(h.events.ofType(events.TypeProximityAlert)) != 0 {
		t.Fatalf("vehicle is far away, no alert expected")
	}

	// The rider stands still; the recheck notices the bus arriving.
	if err := positions.Update(ctx, location.Update{UnitID: "bus-7", Reading: h.reading(north(wait, 30))}); err != nil {
		t.Fatalf("move vehicle: %v", err)
	}
	eventually(t, "vehicle alert", func() bool {
		alerts := h.events.ofType(events.TypeProximityAlert)
		return len(alerts) == 1 && alerts[0].TargetKind == string(proximity.KindVehiclePosition)
	})
	eventually(t, "vehicle confirmation", func() bool {
		recs, _ := h.ledger.Confirmations(ctx, rider.ID)
		return len(recs) == 1 && recs[0].TargetID == "vehicle:bus-7"
	})
	if s := mustGet(t, h.engine, rider.ID).State; s != StateFinalApproach {
		t.Fatalf("vehicle proximity must not change state, got %s", s)
	}
}

func TestDriver_PublishesAndForgetsUnitPosition(t *testing.T) {
	tracker := location.NewMemoryTracker()
	positions := location.NewService(tracker, nil, 0)
	h := newHarness(t, Config{}, Deps{Positions: positions})
	ctx := context.Background()
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, finalAt(terminal))

	if err := h.engine.OnLocationUpdate(ctx, j.ID, h.reading(north(origin, 500))); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok, _ := tracker.Position(ctx, "bus-1"); !ok {
		t.Fatalf("expected unit position to be tracked")
	}
	if err := h.engine.Abort(ctx, j.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	eventually(t, "unit position removed", func() bool {
		_, ok, _ := tracker.Position(ctx, "bus-1")
		return !ok
	})
}

func TestTrack_ConsumesSource(t *testing.T) {
	src := location.NewChannelSource()
	h := newHarness(t, Config{}, Deps{Sources: func(Journey) location.Source { return src }})
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, finalAt(terminal))

	eventually(t, "reading applied", func() bool {
		src.Push(h.reading(north(origin, 5)))
		return mustGet(t, h.engine, j.ID).State == StateStopPending
	})
	if err := h.engine.Abort(context.Background(), j.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}
}

func TestTrack_PermissionDeniedHaltsTracking(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, nil)

	src := location.NewChannelSource()
	src.Deny()
	if err := h.engine.Track(j.ID, src); !errors.Is(err, location.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	stopped := h.events.ofType(events.TypeTrackingStopped)
	if len(stopped) != 1 || stopped[0].Reason != "location_permission_denied" {
		t.Fatalf("expected tracking stopped event, got %+v", stopped)
	}
	if s := mustGet(t, h.engine, j.ID).State; s != StateActive {
		t.Fatalf("journey should stay active, got %s", s)
	}
}

func TestPendingStopsAndConfirmations(t *testing.T) {
	h := newHarness(t, Config{Policy: PolicyAuto}, Deps{})
	ctx := context.Background()
	j := startDriver(t, h, []proximity.Target{stopAt("s0", origin), stopAt("s1", north(origin, 1000))}, nil)
	_ = h.engine.OnLocationUpdate(ctx, j.ID, h.reading(origin))

	pending, err := h.engine.PendingStops(ctx, j.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "s1" {
		t.Fatalf("expected s1 pending, got %+v", pending)
	}
	eventually(t, "confirmations", func() bool {
		recs, err := h.engine.Confirmations(ctx, j.ID)
		return err == nil && len(recs) == 1
	})
	if _, err := h.engine.Confirmations(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClose_RejectsNewJourneys(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	startDriver(t, h, []proximity.Target{stopAt("s0", origin)}, nil)
	h.engine.Close()
	h.engine.Close()
	if _, err := h.engine.Start(context.Background(), StartCommand{ActorID: "x", RouteID: "r1"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// gatedPositions holds the first unit position write until release is closed.
type gatedPositions struct {
	*location.Service
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedPositions) Update(ctx context.Context, u location.Update) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Service.Update(ctx, u)
}

func TestDriver_SlowPositionWriteDoesNotOutliveFinish(t *testing.T) {
	tracker := location.NewMemoryTracker()
	gated := &gatedPositions{
		Service: location.NewService(tracker, nil, 0),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, Config{}, Deps{Positions: gated})
	ctx := context.Background()
	j := startDriver(t, h, nil, finalAt(terminal))

	far := h.reading(north(terminal, 500))
	done := make(chan error, 1)
	go func() { done <- h.engine.OnLocationUpdate(ctx, j.ID, far) }()
	<-gated.entered

	if err := h.engine.OnLocationUpdate(ctx, j.ID, h.reading(terminal)); err != nil {
		t.Fatalf("finishing update: %v", err)
	}
	if got := mustGet(t, h.engine, j.ID).State; got != StateFinished {
		t.Fatalf("expected finished, got %s", got)
	}
	close(gated.release)
	if err := <-done; err != nil {
		t.Fatalf("slow update: %v", err)
	}

	h.engine.Close()
	if _, ok, _ := tracker.Position(ctx, "bus-1"); ok {
		t.Fatalf("finished unit is still tracked")
	}
}

func TestDriver_FinishingReadingIsNotPublished(t *testing.T) {
	tracker := location.NewMemoryTracker()
	h := newHarness(t, Config{}, Deps{Positions: location.NewService(tracker, nil, 0)})
	ctx := context.Background()
	j := startDriver(t, h, nil, finalAt(terminal))

	if err := h.engine.OnLocationUpdate(ctx, j.ID, h.reading(terminal)); err != nil {
		t.Fatalf("update: %v", err)
	}
	h.engine.Close()
	if _, ok, _ := tracker.Position(ctx, "bus-1"); ok {
		t.Fatalf("finished unit is still tracked")
	}
}

func TestEngine_EvictsEndedJourneysAfterRetention(t *testing.T) {
	h := newHarness(t, Config{Retention: 10 * time.Millisecond}, Deps{})
	ctx := context.Background()
	j := startDriver(t, h, nil, finalAt(terminal))

	if err := h.engine.Abort(ctx, j.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	eventually(t, "journey evicted", func() bool {
		_, err := h.engine.machine(j.ID)
		return err != nil
	})

	got, err := h.engine.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get evicted journey: %v", err)
	}
	if got.State != StateAborted || !got.Restored {
		t.Fatalf("expected aborted journey from the ledger, got %+v", got)
	}
	if err := h.engine.Abort(ctx, j.ID); err != nil {
		t.Fatalf("repeat abort should be a no-op, got %v", err)
	}
	if err := h.engine.Finalize(ctx, j.ID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := h.engine.Confirmations(ctx, j.ID); err != nil {
		t.Fatalf("confirmations of evicted journey: %v", err)
	}
	if _, err := h.engine.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEngine_OpenJourneysStayUntilEnded(t *testing.T) {
	h := newHarness(t, Config{Retention: time.Millisecond}, Deps{})
	j := startDriver(t, h, nil, finalAt(terminal))

	time.Sleep(20 * time.Millisecond)
	if _, err := h.engine.machine(j.ID); err != nil {
		t.Fatalf("open journey was evicted: %v", err)
	}
}

func TestRiders_ListsTodaysOpenRiders(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	ctx := context.Background()
	start := func(actor, routeID, unit types.ID) Journey {
		t.Helper()
		h.clock.Advance(time.Second)
		j, err := h.engine.Start(ctx, StartCommand{
			ActorID: actor, Role: RoleRider, RouteID: routeID, UnitID: unit,
			Final: finalAt(terminal),
		})
		if err != nil {
			t.Fatalf("start %s: %v", actor, err)
		}
		return j
	}

	onRoute := start("p1", "r1", "")
	onUnit := start("p2", "r2", "bus-1")
	start("p3", "r2", "bus-2")
	gone := start("p4", "r1", "bus-1")
	startDriver(t, h, nil, finalAt(terminal))
	if err := h.engine.Abort(ctx, gone.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}

	// Owned by another process; only the ledger knows it.
	h.clock.Advance(time.Second)
	remote := ledger.JourneySnapshot{
		ID: "remote", Role: string(RoleRider), ActorID: "p5", RouteID: "r1",
		State: string(StateActive), StatusVersion: 1, ServiceDate: "2026-10-15", StartedAt: h.clock.Now(),
	}
	yesterday := remote
	yesterday.ID, yesterday.ActorID, yesterday.ServiceDate = "yesterday", "p6", "2026-10-14"
	for _, s := range []ledger.JourneySnapshot{remote, yesterday} {
		if err := h.ledger.SaveJourney(ctx, s); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := h.engine.Riders(ctx, "r1", "bus-1")
	if err != nil {
		t.Fatalf("riders: %v", err)
	}
	var ids []types.ID
	for _, j := range got {
		ids = append(ids, j.ID)
	}
	want := []types.ID{onRoute.ID, onUnit.ID, "remote"}
	if len(ids) != len(want) {
		t.Fatalf("riders = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("riders = %v, want %v", ids, want)
		}
	}
	if !got[2].Restored || got[0].Restored {
		t.Fatalf("only the remote rider should be restored: %+v", got)
	}

	if _, err := h.engine.Riders(ctx, "", "bus-1"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest without a route, got %v", err)
	}
	if got, _ := h.engine.Riders(ctx, "r9", ""); got == nil || len(got) != 0 {
		t.Fatalf("expected an empty list, got %#v", got)
	}
}

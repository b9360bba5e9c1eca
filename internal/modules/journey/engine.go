// README: Journey engine owns every journey's state machine, scheduler handle, tracking and ledger writer.
package journey

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ridetrack/internal/events"
	"ridetrack/internal/geo"
	"ridetrack/internal/modules/ledger"
	"ridetrack/internal/modules/location"
	"ridetrack/internal/modules/proximity"
	"ridetrack/internal/modules/route"
	"ridetrack/internal/scheduler"
	"ridetrack/internal/types"
)

var (
	ErrDuplicateActiveJourney = errors.New("active journey already exists for actor, route and day")
	ErrInvalidTransition      = errors.New("invalid journey state transition")
	ErrNotFound               = errors.New("journey not found")
	ErrBadRequest             = errors.New("bad request")
	ErrClosed                 = errors.New("journey engine closed")
	// ErrStaleLocationUpdate never leaves the engine; stale readings are dropped.
	ErrStaleLocationUpdate = errors.New("stale location update")
)

const (
	DefaultRecheckInterval   = 10 * time.Second
	DefaultLedgerMaxAttempts = 5
	DefaultLedgerRetryBase   = 500 * time.Millisecond
	DefaultLedgerRetryMax    = 30 * time.Second
	DefaultRetention         = 15 * time.Minute
)

type Config struct {
	Thresholds        proximity.Thresholds
	Policy            ConfirmPolicy
	RecheckInterval   time.Duration
	Location          *time.Location
	LedgerMaxAttempts int
	LedgerRetryBase   time.Duration
	LedgerRetryMax    time.Duration
	// Retention keeps a finished or aborted journey in memory after its
	// ledger writes drain. Later reads go to the ledger.
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Thresholds:        proximity.DefaultThresholds(),
		Policy:            PolicyManual,
		RecheckInterval:   DefaultRecheckInterval,
		Location:          time.Local,
		LedgerMaxAttempts: DefaultLedgerMaxAttempts,
		LedgerRetryBase:   DefaultLedgerRetryBase,
		LedgerRetryMax:    DefaultLedgerRetryMax,
		Retention:         DefaultRetention,
	}
}

// PositionTracker records driver positions and resolves vehicle positions
// for rider journeys. location.Service implements it.
type PositionTracker interface {
	Update(ctx context.Context, u location.Update) error
	VehiclePosition(ctx context.Context, unitID types.ID) (types.Coordinate, bool, error)
	Forget(ctx context.Context, journeyID, unitID types.ID) error
}

type RouteCatalog interface {
	Route(id types.ID) (route.Route, bool)
}

// SourceFactory returns the location source to track for a new journey, or
// nil when readings arrive only through OnLocationUpdate.
type SourceFactory func(j Journey) location.Source

type Deps struct {
	Ledger    ledger.Ledger
	Publisher events.Publisher
	Positions PositionTracker
	Routes    RouteCatalog
	Sources   SourceFactory
	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() types.ID
}

type StartCommand struct {
	ActorID types.ID
	Role    Role
	RouteID types.ID
	UnitID  types.ID
	// Stops and Final default to the route catalog entry when empty.
	Stops []proximity.Target
	Final *proximity.Target
}

type activeKey struct {
	actorID     types.ID
	routeID     types.ID
	serviceDate string
}

type Engine struct {
	cfg       Config
	ledger    ledger.Ledger
	publisher events.Publisher
	positions PositionTracker
	routes    RouteCatalog
	sources   SourceFactory
	now       func() time.Time
	newID     func() types.ID
	sched     *scheduler.Scheduler

	root       context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.RWMutex
	machines map[types.ID]*machine
	active   map[activeKey]types.ID
	closed   bool
}

func NewEngine(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = def.RecheckInterval
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.LedgerMaxAttempts <= 0 {
		cfg.LedgerMaxAttempts = def.LedgerMaxAttempts
	}
	if cfg.LedgerRetryBase <= 0 {
		cfg.LedgerRetryBase = def.LedgerRetryBase
	}
	if cfg.LedgerRetryMax <= 0 {
		cfg.LedgerRetryMax = def.LedgerRetryMax
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.NewMemoryStore()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() types.ID { return types.ID(uuid.NewString()) }
	}
	root, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		ledger:     deps.Ledger,
		publisher:  deps.Publisher,
		positions:  deps.Positions,
		routes:     deps.Routes,
		sources:    deps.Sources,
		now:        deps.Now,
		newID:      deps.NewID,
		sched:      scheduler.New(),
		root:       root,
		rootCancel: cancel,
		machines:   make(map[types.ID]*machine),
		active:     make(map[activeKey]types.ID),
	}
}

// Start creates a journey in the active state. It fails with
// ErrDuplicateActiveJourney when the actor already has an open journey on the
// route for today's service date.
func (e *Engine) Start(ctx context.Context, cmd StartCommand) (Journey, error) {
	if cmd.ActorID == "" || cmd.RouteID == "" {
		return Journey{}, fmt.Errorf("%w: actor and route are required", ErrBadRequest)
	}
	if cmd.Role == "" {
		cmd.Role = RoleDriver
	}
	if cmd.Role != RoleDriver && cmd.Role != RoleRider {
		return Journey{}, fmt.Errorf("%w: unknown role %q", ErrBadRequest, cmd.Role)
	}
	stops, final, err := e.resolveTargets(cmd)
	if err != nil {
		return Journey{}, err
	}

	now := e.now()
	key := activeKey{cmd.ActorID, cmd.RouteID, e.serviceDate(now)}

	existing, err := e.ledger.ActiveJourney(ctx, key.actorID, key.routeID, key.serviceDate)
	if err != nil {
		return Journey{}, fmt.Errorf("lookup active journey: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Journey{}, ErrClosed
	}
	e.sweepActive(key.serviceDate)
	if _, ok := e.active[key]; ok {
		e.mu.Unlock()
		return Journey{}, ErrDuplicateActiveJourney
	}
	if existing != nil {
		// The ledger lags behind memory; trust memory for journeys this
		// process owns.
		if _, owned := e.machines[existing.ID]; !owned {
			e.mu.Unlock()
			return Journey{}, ErrDuplicateActiveJourney
		}
	}

	j := Journey{
		ID:          e.newID(),
		Role:        cmd.Role,
		ActorID:     cmd.ActorID,
		RouteID:     cmd.RouteID,
		UnitID:      cmd.UnitID,
		State:       StateNotStarted,
		Stops:       stops,
		Final:       final,
		ServiceDate: key.serviceDate,
		StartedAt:   now,
	}
	m := e.newMachine(j, key)
	e.machines[j.ID] = m
	e.active[key] = j.ID
	e.mu.Unlock()

	m.mu.Lock()
	m.transition(StateActive)
	if len(m.journey.Stops) == 0 {
		m.transition(StateFinalApproach)
	}
	m.handle = e.sched.Schedule(e.cfg.RecheckInterval, func(context.Context) { e.recheck(m) })
	out := m.journey.clone()
	m.mu.Unlock()

	if e.sources != nil {
		if src := e.sources(out); src != nil {
			if err := e.Track(out.ID, src); err != nil {
				log.Printf("journey %s: start tracking: %v", out.ID, err)
			}
		}
	}
	return out, nil
}

func (e *Engine) resolveTargets(cmd StartCommand) ([]proximity.Target, *proximity.Target, error) {
	stops := cmd.Stops
	final := cmd.Final
	if (len(stops) == 0 || final == nil) && e.routes != nil {
		if r, ok := e.routes.Route(cmd.RouteID); ok {
			if len(stops) == 0 {
				stops = r.Stops
			}
			if final == nil {
				final = r.Final
			}
		}
	}

	out := make([]proximity.Target, len(stops))
	seen := make(map[types.ID]bool, len(stops))
	for i, s := range stops {
		if s.ID == "" || seen[s.ID] {
			return nil, nil, fmt.Errorf("%w: stop %d needs a unique id", ErrBadRequest, i)
		}
		if err := geo.Validate(s.Position); err != nil {
			return nil, nil, fmt.Errorf("%w: stop %s: %v", ErrBadRequest, s.ID, err)
		}
		seen[s.ID] = true
		s.Kind = proximity.KindStop
		s.Order = i
		out[i] = s
	}
	if final != nil {
		f := *final
		if f.ID == "" {
			f.ID = syntheticFinalID
		}
		if seen[f.ID] {
			return nil, nil, fmt.Errorf("%w: final destination id %s clashes with a stop", ErrBadRequest, f.ID)
		}
		if err := geo.Validate(f.Position); err != nil {
			return nil, nil, fmt.Errorf("%w: final destination: %v", ErrBadRequest, err)
		}
		f.Kind = proximity.KindFinalDestination
		final = &f
	}
	return out, final, nil
}

func (e *Engine) serviceDate(t time.Time) string {
	return t.In(e.cfg.Location).Format(ledger.DateLayout)
}

func (e *Engine) machine(id types.ID) (*machine, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.machines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// Get returns the journey held in memory, or the ledger's snapshot once it
// has been evicted.
func (e *Engine) Get(ctx context.Context, id types.ID) (Journey, error) {
	m, err := e.machine(id)
	if err != nil {
		return e.stored(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.journey.clone(), nil
}

// Active returns the actor's open journey on routeID for today's service
// date. Journeys from earlier days are never returned.
func (e *Engine) Active(ctx context.Context, actorID, routeID types.ID) (Journey, error) {
	key := activeKey{actorID, routeID, e.serviceDate(e.now())}
	e.mu.RLock()
	id, ok := e.active[key]
	e.mu.RUnlock()
	if ok {
		return e.Get(ctx, id)
	}

	snap, err := e.ledger.ActiveJourney(ctx, actorID, routeID, key.serviceDate)
	if err != nil {
		return Journey{}, err
	}
	if snap == nil {
		return Journey{}, ErrNotFound
	}
	if m, err := e.machine(snap.ID); err == nil {
		// Owned here but already closed; the ledger has not caught up.
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.journey.State.Terminal() {
			return Journey{}, ErrNotFound
		}
		return m.journey.clone(), nil
	}
	return fromSnapshot(*snap), nil
}

// PendingStops lists the stops of id not yet confirmed.
func (e *Engine) PendingStops(ctx context.Context, id types.ID) ([]proximity.Target, error) {
	j, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return j.PendingStops(), nil
}

func (e *Engine) Confirmations(ctx context.Context, id types.ID) ([]ledger.ConfirmationRecord, error) {
	if _, err := e.machine(id); err != nil {
		if _, err := e.stored(ctx, id); err != nil {
			return nil, err
		}
	}
	return e.ledger.Confirmations(ctx, id)
}

// Riders lists today's open rider journeys on routeID or, when unitID is set,
// riding that unit. Journeys owned here are reported from memory since the
// ledger trails them.
func (e *Engine) Riders(ctx context.Context, routeID, unitID types.ID) ([]Journey, error) {
	if routeID == "" {
		return nil, fmt.Errorf("%w: route is required", ErrBadRequest)
	}
	date := e.serviceDate(e.now())
	snaps, err := e.ledger.OpenRiders(ctx, routeID, unitID, date)
	if err != nil {
		return nil, fmt.Errorf("list riders: %w", err)
	}
	byID := make(map[types.ID]Journey, len(snaps))
	for _, s := range snaps {
		byID[s.ID] = fromSnapshot(s)
	}

	e.mu.RLock()
	ms := make([]*machine, 0, len(e.machines))
	for _, m := range e.machines {
		ms = append(ms, m)
	}
	e.mu.RUnlock()

	for _, m := range ms {
		m.mu.Lock()
		snap := m.snapshot()
		j := m.journey.clone()
		m.mu.Unlock()
		if ledger.RidesWith(snap, routeID, unitID, date) {
			byID[j.ID] = j
		} else {
			delete(byID, j.ID)
		}
	}

	out := make([]Journey, 0, len(byID))
	for _, j := range byID {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].StartedAt.Equal(out[b].StartedAt) {
			return out[a].StartedAt.Before(out[b].StartedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// Close stops every scheduler handle and tracking loop, then waits for the
// ledger writers to drain.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	ms := make([]*machine, 0, len(e.machines))
	for _, m := range e.machines {
		ms = append(ms, m)
	}
	e.mu.Unlock()

	e.sched.Stop()
	for _, m := range ms {
		m.mu.Lock()
		m.trackCancel()
		m.writer.close()
		m.mu.Unlock()
	}
	e.rootCancel()
	e.wg.Wait()
}

func (e *Engine) emit(ev events.Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	if err := e.publisher.Publish(context.Background(), ev); err != nil {
		log.Printf("journey %s: publish %s: %v", ev.JourneyID, ev.Type, err)
	}
}

func (e *Engine) stored(ctx context.Context, id types.ID) (Journey, error) {
	snap, err := e.ledger.FindJourney(ctx, id)
	if err != nil {
		return Journey{}, fmt.Errorf("lookup journey: %w", err)
	}
	if snap == nil {
		return Journey{}, ErrNotFound
	}
	return fromSnapshot(*snap), nil
}

// evict drops a finished or aborted machine once its writer has drained and
// the retention window has passed. It runs on the writer goroutine.
func (e *Engine) evict(m *machine) {
	m.mu.Lock()
	id, terminal := m.journey.ID, m.journey.State.Terminal()
	m.mu.Unlock()
	if !terminal {
		return
	}
	timer := time.NewTimer(e.cfg.Retention)
	defer timer.Stop()
	select {
	case <-e.root.Done():
		return
	case <-timer.C:
	}
	e.mu.Lock()
	if cur, ok := e.machines[id]; ok && cur == m {
		delete(e.machines, id)
	}
	e.mu.Unlock()
}

// sweepActive forgets index entries from earlier service dates. Their
// journeys keep tracking until finalized or aborted. Callers hold e.mu.
func (e *Engine) sweepActive(today string) {
	for k := range e.active {
		if k.serviceDate != today {
			delete(e.active, k)
		}
	}
}

func (e *Engine) release(m *machine) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.active[m.key]; ok && id == m.journey.ID {
		delete(e.active, m.key)
	}
}

func fromSnapshot(s ledger.JourneySnapshot) Journey {
	return Journey{
		ID:               s.ID,
		Role:             Role(s.Role),
		ActorID:          s.ActorID,
		RouteID:          s.RouteID,
		UnitID:           s.UnitID,
		State:            State(s.State),
		StatusVersion:    s.StatusVersion,
		CurrentStopIndex: s.CurrentStopIndex,
		ServiceDate:      s.ServiceDate,
		StartedAt:        s.StartedAt,
		FinishedAt:       s.FinishedAt,
		Restored:         true,
	}
}

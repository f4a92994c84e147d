// Package strategy defines the strategy-manager contract (C14): the
// lifecycle and signal-dispatch surface the engine uses to run external
// strategy code on its event loop. Apart from the Avellaneda reference
// strategy in avellaneda.go, concrete strategies are external; this package grounds the
// lifecycle state machine and callback routing on the corpus's per-
// market goroutine dispatch in engine.go, reframed as callbacks posted
// to the shared sched.Loop instead of one goroutine per market.
package strategy

import (
	"sync"

	"veloz/internal/errs"
	"veloz/internal/sched"
	"veloz/pkg/types"
)

// LifecycleState is a node in a strategy's load/start/stop/unload
// progression.
type LifecycleState int

const (
	Unloaded LifecycleState = iota
	Loaded
	Running
	Stopped
)

func (s LifecycleState) String() string {
	switch s {
	case Unloaded:
		return "Unloaded"
	case Loaded:
		return "Loaded"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Strategy is the capability set a strategy implementation exposes.
// Callbacks execute on the engine's event loop and must not block;
// long computations belong on the worker pool, per spec.md §5.
type Strategy interface {
	ID() string
	Symbols() []string
	OnStart() error
	OnMarket(symbol string, bestBid, bestAsk types.BookLevel)
	OnFill(fill types.Fill)
	OnOrderUpdate(order types.OrderState)
	OnStop()
}

type registration struct {
	strategy Strategy
	state    LifecycleState
}

// Manager tracks loaded strategies and routes engine events to the
// ones subscribed to the relevant symbol, dispatching every callback
// through the shared event loop so strategy code never runs
// concurrently with book/order-store mutation.
type Manager struct {
	mu    sync.Mutex
	loop  *sched.Loop
	byID  map[string]*registration
	bySym map[string][]string // symbol -> strategy ids subscribed
}

// NewManager creates a strategy manager bound to one event loop.
func NewManager(loop *sched.Loop) *Manager {
	return &Manager{
		loop:  loop,
		byID:  make(map[string]*registration),
		bySym: make(map[string][]string),
	}
}

// Load registers a strategy in the Loaded state. Fails with
// InvalidInput if the id is already registered.
func (m *Manager) Load(s Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[s.ID()]; exists {
		return errs.New(errs.InvalidInput, "strategy id already loaded: "+s.ID())
	}
	m.byID[s.ID()] = &registration{strategy: s, state: Loaded}
	for _, sym := range s.Symbols() {
		m.bySym[sym] = append(m.bySym[sym], s.ID())
	}
	return nil
}

// Start transitions a loaded strategy to Running, invoking OnStart on
// the event loop. Fails with InvalidTransition if the strategy is not
// currently Loaded or Stopped (per spec.md §4.13: "start fails if
// lifecycle invariants are violated").
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	reg, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.NotFound, "unknown strategy id: "+id)
	}
	if reg.state != Loaded && reg.state != Stopped {
		m.mu.Unlock()
		return errs.New(errs.InvalidTransition, "strategy "+id+" is not Loaded or Stopped")
	}
	m.mu.Unlock()

	errCh := make(chan error, 1)
	m.loop.Post(func() {
		errCh <- reg.strategy.OnStart()
	}, sched.Normal)
	if err := <-errCh; err != nil {
		return errs.Wrap(errs.Internal, "strategy OnStart failed", err)
	}

	m.mu.Lock()
	reg.state = Running
	m.mu.Unlock()
	return nil
}

// Stop transitions a running strategy to Stopped, invoking OnStop on
// the event loop. No-op if already Stopped.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	reg, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.NotFound, "unknown strategy id: "+id)
	}
	if reg.state == Stopped {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	done := make(chan struct{})
	m.loop.Post(func() {
		reg.strategy.OnStop()
		close(done)
	}, sched.Normal)
	<-done

	m.mu.Lock()
	reg.state = Stopped
	m.mu.Unlock()
	return nil
}

// Unload removes a stopped strategy entirely. Fails with
// InvalidTransition if the strategy is still Running.
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.byID[id]
	if !ok {
		return errs.New(errs.NotFound, "unknown strategy id: "+id)
	}
	if reg.state == Running {
		return errs.New(errs.InvalidTransition, "strategy "+id+" must be stopped before unload")
	}
	delete(m.byID, id)
	for sym, ids := range m.bySym {
		m.bySym[sym] = removeID(ids, id)
	}
	return nil
}

// State returns a strategy's current lifecycle state.
func (m *Manager) State(id string) (LifecycleState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.byID[id]
	if !ok {
		return Unloaded, false
	}
	return reg.state, true
}

// DispatchMarket posts a market-data callback to every running
// strategy subscribed to symbol, on the event loop.
func (m *Manager) DispatchMarket(symbol string, bestBid, bestAsk types.BookLevel) {
	for _, s := range m.runningSubscribers(symbol) {
		s := s
		m.loop.Post(func() { s.OnMarket(symbol, bestBid, bestAsk) }, sched.Normal)
	}
}

// DispatchFill posts a fill callback to every running strategy
// subscribed to the fill's symbol.
func (m *Manager) DispatchFill(fill types.Fill) {
	for _, s := range m.runningSubscribers(fill.Symbol) {
		s := s
		m.loop.Post(func() { s.OnFill(fill) }, sched.High)
	}
}

// DispatchOrderUpdate posts an order-update callback to every running
// strategy subscribed to the order's symbol.
func (m *Manager) DispatchOrderUpdate(order types.OrderState) {
	for _, s := range m.runningSubscribers(order.Symbol) {
		s := s
		m.loop.Post(func() { s.OnOrderUpdate(order) }, sched.High)
	}
}

func (m *Manager) runningSubscribers(symbol string) []Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.bySym[symbol]
	out := make([]Strategy, 0, len(ids))
	for _, id := range ids {
		if reg := m.byID[id]; reg != nil && reg.state == Running {
			out = append(out, reg.strategy)
		}
	}
	return out
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

package strategy

import (
	"testing"

	"github.com/shopspring/decimal"

	"veloz/internal/errs"
	"veloz/internal/sched"
	"veloz/pkg/types"
)

type fakeStrategy struct {
	id          string
	symbols     []string
	started     bool
	stopped     bool
	lastFill    types.Fill
	marketCalls int
}

func (f *fakeStrategy) ID() string        { return f.id }
func (f *fakeStrategy) Symbols() []string { return f.symbols }
func (f *fakeStrategy) OnStart() error     { f.started = true; return nil }
func (f *fakeStrategy) OnStop()            { f.stopped = true }
func (f *fakeStrategy) OnMarket(symbol string, bestBid, bestAsk types.BookLevel) {
	f.marketCalls++
}
func (f *fakeStrategy) OnFill(fill types.Fill)               { f.lastFill = fill }
func (f *fakeStrategy) OnOrderUpdate(order types.OrderState) {}

func newLoop(t *testing.T) *sched.Loop {
	t.Helper()
	loop := sched.New(64)
	go loop.Run()
	t.Cleanup(loop.Stop)
	return loop
}

func TestManagerLifecycle(t *testing.T) {
	loop := newLoop(t)
	m := NewManager(loop)
	fs := &fakeStrategy{id: "s1", symbols: []string{"X"}}

	if err := m.Load(fs); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := m.Start("s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !fs.started {
		t.Fatal("expected OnStart to have run")
	}
	if state, _ := m.State("s1"); state != Running {
		t.Fatalf("expected Running, got %v", state)
	}
	if err := m.Stop("s1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !fs.stopped {
		t.Fatal("expected OnStop to have run")
	}
	if err := m.Unload("s1"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if _, ok := m.State("s1"); ok {
		t.Fatal("expected strategy to be gone after unload")
	}
}

func TestManagerStartFailsWhenRunning(t *testing.T) {
	loop := newLoop(t)
	m := NewManager(loop)
	fs := &fakeStrategy{id: "s1", symbols: []string{"X"}}
	_ = m.Load(fs)
	_ = m.Start("s1")

	err := m.Start("s1")
	if errs.KindOf(err) != errs.InvalidTransition {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
}

func TestManagerUnloadFailsWhileRunning(t *testing.T) {
	loop := newLoop(t)
	m := NewManager(loop)
	fs := &fakeStrategy{id: "s1", symbols: []string{"X"}}
	_ = m.Load(fs)
	_ = m.Start("s1")

	err := m.Unload("s1")
	if errs.KindOf(err) != errs.InvalidTransition {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
}

func TestManagerDispatchRoutesBySymbol(t *testing.T) {
	loop := newLoop(t)
	m := NewManager(loop)
	fs := &fakeStrategy{id: "s1", symbols: []string{"X"}}
	other := &fakeStrategy{id: "s2", symbols: []string{"Y"}}
	_ = m.Load(fs)
	_ = m.Load(other)
	_ = m.Start("s1")
	_ = m.Start("s2")

	m.DispatchFill(types.Fill{Symbol: "X", Side: types.Buy})

	// DispatchFill posts at High priority; post a same-priority
	// sentinel so FIFO ordering guarantees the fill callback above
	// has already run by the time this one does.
	done := make(chan struct{})
	loop.Post(func() { close(done) }, sched.High)
	<-done

	if fs.lastFill.Symbol != "X" {
		t.Fatal("expected subscribed strategy to receive the fill")
	}
	if other.lastFill.Symbol == "X" {
		t.Fatal("fill delivered to unsubscribed strategy")
	}
}

func TestComputeQuoteBidBelowAskAboveMid(t *testing.T) {
	a := NewAvellaneda("a1", "X", AvellanedaConfig{
		Gamma: 0.1, Sigma: 0.02, K: 1.5, T: 1, DefaultSpreadBps: 10, MaxInventory: 10,
	})
	q := a.computeQuote(100)
	if q.Bid >= q.Ask {
		t.Fatalf("expected bid < ask, got bid=%v ask=%v", q.Bid, q.Ask)
	}
	if q.Bid >= 100 || q.Ask <= 100 {
		t.Fatalf("expected quotes to straddle mid 100, got bid=%v ask=%v", q.Bid, q.Ask)
	}
}

func TestComputeQuoteSkewsWithInventory(t *testing.T) {
	a := NewAvellaneda("a1", "X", AvellanedaConfig{
		Gamma: 0.1, Sigma: 0.02, K: 1.5, T: 1, DefaultSpreadBps: 10, MaxInventory: 10,
	})
	flat := a.computeQuote(100)

	a.OnFill(types.Fill{Symbol: "X", Side: types.Buy, Qty: decimal.NewFromInt(5)})
	long := a.computeQuote(100)

	flatMid := (flat.Bid + flat.Ask) / 2
	longMid := (long.Bid + long.Ask) / 2
	if !(longMid < flatMid) {
		t.Fatalf("expected long inventory to skew reservation price down: flat=%v long=%v", flatMid, longMid)
	}
}

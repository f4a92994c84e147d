package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"veloz/internal/adapter"
	"veloz/internal/bridge"
	"veloz/internal/orders"
	"veloz/internal/risk"
	"veloz/internal/sched"
	"veloz/internal/wal"
	"veloz/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	loop := sched.New(64)
	go loop.Run()
	t.Cleanup(loop.Stop)

	sim := adapter.NewSimulator(0)
	store := orders.New()
	limits := risk.Limits{
		MaxOrderNotional: 1_000_000,
		MaxPositionSize:  1_000_000,
		MaxOpenOrders:    100,
		TripErrorCount:   5,
		CooldownMs:       1000,
		MaxCooldownMs:    30000,
	}
	riskEngine := risk.New(limits)

	e := New(loop, sim, store, nil, riskEngine, decimal.NewFromInt(100000), []string{"X"}, nil, nil)
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

// TestPlaceFlowsToFilledAndPosition checks the place / fill flow: placing
// an order routes through risk, the store, and the adapter, and the
// resulting fill report lands the order in Filled with the position book
// updated.
func TestPlaceFlowsToFilledAndPosition(t *testing.T) {
	e := newTestEngine(t)

	price := decimal.NewFromInt(50)
	cmd := bridge.Command{
		Kind:          bridge.CmdOrder,
		Side:          types.Buy,
		Symbol:        "X",
		Qty:           decimal.NewFromInt(1),
		Price:         &price,
		ClientOrderID: "A",
	}
	e.HandleCommand(cmd)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := e.OrderStore().Get("A"); ok && st.Status == types.StatusFilled {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	state, ok := e.OrderStore().Get("A")
	if !ok {
		t.Fatal("expected order A to exist")
	}
	if state.Status != types.StatusFilled {
		t.Fatalf("expected Filled, got %v", state.Status)
	}
	if !state.CumQty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected cum_qty 1, got %v", state.CumQty)
	}

	pos := e.Positions().Get("X")
	if !pos.Size.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected position size 1, got %v", pos.Size)
	}
}

// TestIdempotentReplaceOneOrderInStore is spec.md §8 seed test 2:
// re-placing the same client_order_id keeps exactly one store entry.
func TestIdempotentReplaceOneOrderInStore(t *testing.T) {
	e := newTestEngine(t)

	price := decimal.NewFromInt(50)
	cmd := bridge.Command{
		Kind:          bridge.CmdOrder,
		Side:          types.Buy,
		Symbol:        "X",
		Qty:           decimal.NewFromInt(1),
		Price:         &price,
		ClientOrderID: "A",
	}
	e.HandleCommand(cmd)
	time.Sleep(20 * time.Millisecond)
	e.HandleCommand(cmd)
	time.Sleep(20 * time.Millisecond)

	if count := e.OrderStore().Count(); count != 1 {
		t.Fatalf("expected exactly one order in the store, got %d", count)
	}
}

// TestCancelUnknownOrderEmitsReject exercises the reject path for a
// cancel against an id the adapter never saw.
func TestCancelUnknownOrderEmitsReject(t *testing.T) {
	e := newTestEngine(t)
	e.HandleCommand(bridge.Command{Kind: bridge.CmdCancel, ClientOrderID: "nope"})
	// no store entry should be created as a side effect of a rejected cancel
	if _, ok := e.OrderStore().Get("nope"); ok {
		t.Fatal("expected no store entry for an unknown cancel target")
	}
}

// TestPlaceTriggersWALCheckpoint exercises the checkpoint wiring
// covering the place-then-fill path: with checkpoint_interval=1 the
// very first WAL append should produce a Checkpoint entry carrying a
// decodable order-store snapshot, so segment pruning never discards the
// only copy of a still-live order.
func TestPlaceTriggersWALCheckpoint(t *testing.T) {
	dir := t.TempDir()
	journal, err := wal.Open(wal.Config{Dir: dir, Prefix: "orders", CheckpointInterval: 1})
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	loop := sched.New(64)
	go loop.Run()
	t.Cleanup(loop.Stop)

	sim := adapter.NewSimulator(0)
	store := orders.New()
	riskEngine := risk.New(risk.Limits{MaxOrderNotional: 1_000_000, MaxPositionSize: 1_000_000, MaxOpenOrders: 100})

	e := New(loop, sim, store, journal, riskEngine, decimal.NewFromInt(100000), []string{"X"}, nil, nil)
	e.Start()
	t.Cleanup(e.Stop)

	price := decimal.NewFromInt(50)
	e.HandleCommand(bridge.Command{
		Kind: bridge.CmdOrder, Side: types.Buy, Symbol: "X",
		Qty: decimal.NewFromInt(1), Price: &price, ClientOrderID: "A",
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := e.OrderStore().Get("A"); ok && st.Status == types.StatusFilled {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	var foundCheckpoint bool
	var snapshot []types.OrderState
	_, err = wal.Replay(dir, "orders", func(ckpt wal.Entry) {
		foundCheckpoint = true
		if err := json.Unmarshal(ckpt.Payload, &snapshot); err != nil {
			t.Fatalf("decode checkpoint snapshot: %v", err)
		}
	}, func(wal.Entry) {})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !foundCheckpoint {
		t.Fatal("expected a checkpoint to have been written")
	}

	found := false
	for _, st := range snapshot {
		if st.ClientOrderID == "A" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected checkpoint snapshot to include order A, got %+v", snapshot)
	}
}

// Package engine is the central orchestrator of the VeloZ data plane.
// It wires together the event loop, order book(s), order store, WAL,
// risk engine, execution adapter, position book, and strategy manager,
// driving all of it from one event loop and exposing the NDJSON bridge
// as its only external surface. It is grounded on the corpus's
// engine.go orchestrator — same New()/Start()/Stop() lifecycle shape,
// same context-cancellation-driven goroutine accounting — generalized
// from a per-market WebSocket-fed maker loop to a symbol-keyed book map
// driven by bridge commands and adapter execution reports.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"veloz/internal/adapter"
	"veloz/internal/bridge"
	"veloz/internal/book"
	"veloz/internal/errs"
	"veloz/internal/metrics"
	"veloz/internal/orders"
	"veloz/internal/position"
	"veloz/internal/risk"
	"veloz/internal/sched"
	"veloz/internal/strategy"
	"veloz/internal/wal"
	"veloz/pkg/types"
)

// Limits bundles the risk engine tuning the engine is constructed with;
// it is an alias of risk.Limits, which cmd/engine constructs directly.
type Limits = risk.Limits

// Engine orchestrates one instance of the data plane: one event loop,
// one order store/WAL/risk engine, one execution adapter, an order book
// and position tracker per traded symbol, and the strategies running
// against them.
type Engine struct {
	loop       *sched.Loop
	adapter    adapter.Adapter
	orderStore *orders.Store
	wal        *wal.WAL
	risk       *risk.Engine
	positions  *position.Book
	strategies *strategy.Manager
	metrics    *metrics.Registry
	writer     *bridge.Writer
	logger     *slog.Logger

	mu    sync.Mutex
	books map[string]*book.Book

	symbolEnabled map[string]bool
	killSwitch    bool

	adapterSub adapter.SubscriptionHandle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires one Engine instance. w receives outbound NDJSON events; it
// may be nil for tests that don't need the bridge surface.
func New(
	loop *sched.Loop,
	ad adapter.Adapter,
	orderStore *orders.Store,
	walJournal *wal.WAL,
	riskEngine *risk.Engine,
	startingCash decimal.Decimal,
	symbols []string,
	w *bridge.Writer,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	books := make(map[string]*book.Book, len(symbols))
	enabled := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		books[sym] = book.New(sym)
		enabled[sym] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		loop:          loop,
		adapter:       ad,
		orderStore:    orderStore,
		wal:           walJournal,
		risk:          riskEngine,
		positions:     position.New(startingCash),
		strategies:    strategy.NewManager(loop),
		metrics:       metrics.Default(),
		writer:        w,
		logger:        logger.With("component", "engine"),
		books:         books,
		symbolEnabled: enabled,
		ctx:           ctx,
		cancel:        cancel,
	}
	return e
}

// Strategies exposes the strategy manager for load/start/stop wiring by
// the caller (cmd/engine or tests).
func (e *Engine) Strategies() *strategy.Manager { return e.strategies }

// Positions exposes the position book for read-only HTTP/account use.
func (e *Engine) Positions() *position.Book { return e.positions }

// OrderStore exposes the order store for read-only HTTP use.
func (e *Engine) OrderStore() *orders.Store { return e.orderStore }

// Book returns the order book for symbol, creating one lazily if the
// engine wasn't seeded with it at construction (useful for strategies
// added after startup).
func (e *Engine) Book(symbol string) *book.Book {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[symbol]
	if !ok {
		b = book.New(symbol)
		e.books[symbol] = b
		e.symbolEnabled[symbol] = true
	}
	return b
}

// Start subscribes to the adapter's execution report feed and begins
// routing every report onto the event loop.
func (e *Engine) Start() {
	e.adapterSub = e.adapter.SubscribeReports(func(report types.ExecutionReport) {
		e.loop.Post(func() { e.onExecutionReport(report) }, sched.High)
	})
	e.logger.Info("engine started", "adapter", e.adapter.Name(), "symbols", e.symbolNames())
}

// Stop unsubscribes from the adapter feed and cancels background work.
// It does not stop the shared event loop — the caller owns that.
func (e *Engine) Stop() {
	if e.adapterSub != nil {
		e.adapterSub.Unsubscribe()
	}
	e.cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

func (e *Engine) symbolNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	return out
}

// HandleCommand processes one parsed bridge command. It is meant to be
// invoked from the event loop (e.g. posted by the bridge reader
// goroutine) so it never races book/order-store mutation from
// execution reports.
func (e *Engine) HandleCommand(cmd bridge.Command) {
	switch cmd.Kind {
	case bridge.CmdPing:
		// liveness only; no dedicated outbound event per spec.md §4.10
	case bridge.CmdOrder:
		e.handlePlace(cmd)
	case bridge.CmdCancel:
		e.handleCancel(cmd.ClientOrderID)
	}
}

func (e *Engine) handlePlace(cmd bridge.Command) {
	req := types.OrderRequest{
		ClientOrderID: cmd.ClientOrderID,
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		OrderQty:      cmd.Qty,
		LimitPrice:    cmd.Price,
		TIF:           types.TIFGTC,
	}
	if cmd.Price == nil {
		req.Type = types.Market
	} else {
		req.Type = types.Limit
	}

	notional := req.OrderQty
	if cmd.Price != nil {
		notional = req.OrderQty.Mul(*cmd.Price)
	}

	view := e.riskView(req.Symbol)
	if err := e.risk.PreTradeCheck(req, notional, view); err != nil {
		e.emitReject(req.ClientOrderID, err)
		return
	}

	if _, err := e.orderStore.NoteOrderParams(req, time.Now().UnixNano()); err != nil {
		e.emitReject(req.ClientOrderID, err)
		return
	}
	if e.wal != nil {
		if _, err := e.wal.Append(wal.OrderNew, time.Now().UnixNano(), encodeOrderNew(req)); err != nil {
			e.logger.Error("wal append failed", "error", err)
		}
		e.maybeCheckpoint()
	}

	ack, err := e.adapter.Place(e.ctx, req)
	if err != nil {
		e.risk.RecordAdapterError()
		e.emitReject(req.ClientOrderID, err)
		return
	}
	e.risk.RecordAdapterSuccess()
	e.emit("order_accepted", map[string]any{
		"client_order_id": ack.ClientOrderID,
		"venue_order_id":  ack.VenueOrderID,
	})
}

func (e *Engine) handleCancel(clientOrderID string) {
	ack, err := e.adapter.Cancel(e.ctx, clientOrderID)
	if err != nil {
		e.emitReject(clientOrderID, err)
		return
	}
	e.emit("order_update", map[string]any{
		"client_order_id": ack.ClientOrderID,
		"venue_order_id":  ack.VenueOrderID,
		"reason":          ack.Reason,
	})
}

func (e *Engine) riskView(symbol string) risk.PositionView {
	pos := e.positions.Get(symbol)
	acct := e.positions.Account()
	e.mu.Lock()
	enabled := e.symbolEnabled[symbol]
	e.mu.Unlock()
	return risk.PositionView{
		Size:           pos.Size,
		AccountEquity:  acct.Cash,
		StartOfDayEq:   acct.Cash,
		StartOfWeekEq:  acct.Cash,
		OpenOrderCount: e.orderStore.CountPending(),
		SymbolEnabled:  enabled,
	}
}

// onExecutionReport applies one report to the order store, folds any
// fill into the position book, logs the mutation to the WAL, and emits
// the corresponding bridge events, in the order spec.md §5 requires:
// note_order_params happens-before any report for the same id, and
// every report is applied under the order store's own lock before
// anything downstream observes it.
func (e *Engine) onExecutionReport(report types.ExecutionReport) {
	state, err := e.orderStore.ApplyExecutionReport(report)
	if err != nil {
		// InvalidTransition/duplicate/stale reports are logged and
		// dropped per spec.md §4.4, never surfaced as an error event.
		e.logger.Warn("execution report dropped", "error", err, "client_order_id", report.ClientOrderID)
		return
	}

	if e.wal != nil {
		if _, err := e.wal.Append(wal.OrderUpdate, report.TsNs, encodeExecReport(report)); err != nil {
			e.logger.Error("wal append failed", "error", err)
		}
		e.maybeCheckpoint()
	}

	if report.ExecQty.IsPositive() {
		fill := types.Fill{
			Symbol: state.Symbol,
			Side:   state.Side,
			Qty:    report.ExecQty,
			Price:  report.ExecPrice,
			TsNs:   report.TsNs,
		}
		e.positions.ApplyFill(fill)
		e.strategies.DispatchFill(fill)
		e.emit("fill", map[string]any{
			"client_order_id": report.ClientOrderID,
			"symbol":          state.Symbol,
			"qty":             report.ExecQty,
			"price":           report.ExecPrice,
		})
		e.emitAccount()
		if e.risk.CheckRealizedLoss(e.riskView(state.Symbol)) {
			e.logger.Warn("realized loss breach tripped circuit breaker", "symbol", state.Symbol)
		}
	}

	e.strategies.DispatchOrderUpdate(*state)
	e.emit("order_state", map[string]any{
		"client_order_id": state.ClientOrderID,
		"status":          string(state.Status),
		"cum_qty":         state.CumQty,
		"avg_price":       state.AvgPrice,
	})
}

// ApplyMarketData feeds one venue book update into the named symbol's
// book, dispatching the resulting top-of-book to subscribed strategies
// and emitting a market event. Callers (the market-data ingress
// goroutine) should post this onto the event loop themselves, since
// spec.md §5 requires apply_snapshot/apply_delta for one symbol's book
// to be serialized.
func (e *Engine) ApplyMarketData(symbol string, side book.Side, price, qty decimal.Decimal, seq uint64) {
	b := e.Book(symbol)
	if err := b.ApplyDelta(side, price, qty, seq); err != nil {
		e.logger.Warn("book gap", "symbol", symbol, "error", err)
		return
	}
	bestBid, bidOK, bestAsk, askOK := b.TopOfBook()
	if !bidOK && !askOK {
		return
	}
	e.strategies.DispatchMarket(symbol, toTypesLevel(bestBid), toTypesLevel(bestAsk))
	e.emit("market", map[string]any{
		"symbol":    symbol,
		"best_bid":  bestBid.Price,
		"best_ask":  bestAsk.Price,
	})
}

// ApplySnapshot resets symbol's book to a fresh snapshot.
func (e *Engine) ApplySnapshot(symbol string, bids, asks []book.Level, seq uint64) {
	e.Book(symbol).ApplySnapshot(bids, asks, seq)
}

func (e *Engine) emit(eventType string, fields map[string]any) {
	if e.writer == nil {
		return
	}
	line := bridge.EncodeEvent(eventType, fields, time.Now())
	e.writer.WriteEvent(eventType, line)
}

// emitAccount publishes the fixed-schema account snapshot event
// ({type:"account", cash, positions:[{symbol,size,avg_price}],
// timestamp}) documented in DESIGN.md's Open Question decisions, so the
// gateway's /api/account mirror stays current without polling.
func (e *Engine) emitAccount() {
	acct := e.positions.Account()
	positions := make([]map[string]any, 0, len(acct.Positions))
	for _, p := range acct.Positions {
		positions = append(positions, map[string]any{
			"symbol":    p.Symbol,
			"size":      p.Size,
			"avg_price": p.AvgPrice,
		})
	}
	e.emit("account", map[string]any{
		"cash":      acct.Cash,
		"positions": positions,
	})
}

func (e *Engine) emitReject(clientOrderID string, err error) {
	kind := errs.KindOf(err)
	e.emit("order_rejected", map[string]any{
		"client_order_id": clientOrderID,
		"reason":          kind.String(),
	})
}

func toTypesLevel(l book.Level) types.BookLevel {
	return types.BookLevel{Price: l.Price, Qty: l.Qty}
}

// maybeCheckpoint writes a full order-store snapshot to the WAL once
// checkpoint_interval entries have accumulated since the last one, so
// segment pruning (wal.go's pruneOldSegments) never discards the only
// copy of a still-live order's history. A marshal or append failure is
// logged, not fatal — the next checkpoint attempt will catch up.
func (e *Engine) maybeCheckpoint() {
	if !e.wal.ShouldCheckpoint() {
		return
	}
	snapshot, err := json.Marshal(e.orderStore.Snapshot())
	if err != nil {
		e.logger.Error("checkpoint snapshot marshal failed", "error", err)
		return
	}
	if _, err := e.wal.Checkpoint(time.Now().UnixNano(), snapshot); err != nil {
		e.logger.Error("wal checkpoint failed", "error", err)
	}
}

// encodeOrderNew frames enough of req that wal replay can reconstruct
// the original NoteOrderParams call: symbol, side, qty, type/TIF, and
// the limit price (encoded as a string since it's nil for market
// orders, and bridge.EncodeEvent has no "nullable decimal" case).
func encodeOrderNew(req types.OrderRequest) []byte {
	limitPrice := "MARKET"
	if req.LimitPrice != nil {
		limitPrice = req.LimitPrice.String()
	}
	return []byte(bridge.EncodeEvent("order_new", map[string]any{
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
		"side":            string(req.Side),
		"order_qty":       req.OrderQty,
		"order_type":      string(req.Type),
		"tif":             string(req.TIF),
		"limit_price":     limitPrice,
	}, time.Now()))
}

// encodeExecReport frames the incremental exec_qty/exec_price alongside
// the report's running totals, so wal replay can feed the exact same
// ExecutionReport back through orders.Store.ApplyExecutionReport and
// reconstruct the order lifecycle via the store's own transition rules
// rather than a second, parallel reconstruction path.
func encodeExecReport(report types.ExecutionReport) []byte {
	return []byte(bridge.EncodeEvent("order_update", map[string]any{
		"client_order_id": report.ClientOrderID,
		"venue_order_id":  report.VenueOrderID,
		"status":          string(report.Status),
		"exec_qty":        report.ExecQty,
		"exec_price":      report.ExecPrice,
		"cum_qty":         report.CumQty,
		"avg_price":       report.AvgPrice,
	}, time.Now()))
}

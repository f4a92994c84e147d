// Package orders is the order store: a client_order_id-keyed map of
// OrderState records, advanced only through execution reports per the
// lifecycle transition table. It is grounded on the order-lifecycle
// handling in the matching engine's per-order state tracking, reframed
// from internal matching to venue-report-driven transitions, guarded by
// a single mutex per the short-critical-section discipline used
// throughout the corpus's in-memory stores.
package orders

import (
	"sync"

	"github.com/shopspring/decimal"

	"veloz/internal/errs"
	"veloz/pkg/types"
)

// Store is the order store. The zero value is not usable; use New.
type Store struct {
	mu      sync.Mutex
	orders  map[string]*types.OrderState
	dropped int64 // invalid transitions, for stats
}

// New creates an empty order store.
func New() *Store {
	return &Store{orders: make(map[string]*types.OrderState)}
}

// NoteOrderParams registers a new order in the New state. It fails with
// a DuplicateClientOrderID error if a non-terminal entry already exists
// for the same client order id.
func (s *Store) NoteOrderParams(req types.OrderRequest, nowNs int64) (*types.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.orders[req.ClientOrderID]; ok && !existing.Status.IsTerminal() {
		return nil, errs.New(errs.DuplicateClientOrderID, "client order id already active: "+req.ClientOrderID)
	}

	st := &types.OrderState{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderQty:      req.OrderQty,
		LimitPrice:    req.LimitPrice,
		Type:          req.Type,
		TIF:           req.TIF,
		Status:        types.StatusNew,
		CumQty:        decimal.Zero,
		AvgPrice:      decimal.Zero,
		CreatedAtNs:   nowNs,
		UpdatedAtNs:   nowNs,
	}
	s.orders[req.ClientOrderID] = st
	return st, nil
}

// allowedTransitions encodes the lifecycle table: which report statuses
// are legal from each current status. New and PendingSubmit share a row.
var allowedTransitions = map[types.OrderStatus]map[types.ExecReportStatus]bool{
	types.StatusNew: {
		types.ExecAccepted: true, types.ExecPartiallyFilled: true, types.ExecFilled: true,
		types.ExecCanceled: true, types.ExecRejected: true, types.ExecExpired: true,
	},
	types.StatusPendingSubmit: {
		types.ExecAccepted: true, types.ExecPartiallyFilled: true, types.ExecFilled: true,
		types.ExecCanceled: true, types.ExecRejected: true, types.ExecExpired: true,
	},
	types.StatusAccepted: {
		types.ExecPartiallyFilled: true, types.ExecFilled: true,
		types.ExecCanceled: true, types.ExecExpired: true,
	},
	types.StatusPartiallyFilled: {
		types.ExecPartiallyFilled: true, types.ExecFilled: true,
		types.ExecCanceled: true, types.ExecExpired: true,
	},
}

func toOrderStatus(s types.ExecReportStatus) types.OrderStatus {
	switch s {
	case types.ExecAccepted:
		return types.StatusAccepted
	case types.ExecPartiallyFilled:
		return types.StatusPartiallyFilled
	case types.ExecFilled:
		return types.StatusFilled
	case types.ExecCanceled:
		return types.StatusCanceled
	case types.ExecRejected:
		return types.StatusRejected
	case types.ExecExpired:
		return types.StatusExpired
	default:
		return types.StatusRejected
	}
}

// ApplyExecutionReport advances the order's state machine per the
// lifecycle table. Illegal transitions, unknown orders, and cum_qty
// regressions are dropped (counted, logged by the caller via the
// returned InvalidTransition error) rather than surfaced as failures to
// whoever is feeding the report.
func (s *Store) ApplyExecutionReport(report types.ExecutionReport) (*types.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.orders[report.ClientOrderID]
	if !ok {
		s.dropped++
		return nil, errs.New(errs.InvalidTransition, "unknown client order id: "+report.ClientOrderID)
	}

	if st.Status.IsTerminal() {
		s.dropped++
		return nil, errs.New(errs.InvalidTransition, "order already terminal: "+report.ClientOrderID)
	}

	allowed := allowedTransitions[st.Status]
	if allowed == nil || !allowed[report.Status] {
		s.dropped++
		return nil, errs.New(errs.InvalidTransition, "illegal transition from "+string(st.Status)+" on "+string(report.Status))
	}

	if report.TsNs <= st.UpdatedAtNs {
		s.dropped++
		return nil, errs.New(errs.InvalidTransition, "stale report for "+report.ClientOrderID)
	}

	newCum := st.CumQty.Add(report.ExecQty)
	if newCum.LessThan(st.CumQty) {
		s.dropped++
		return nil, errs.New(errs.InvalidTransition, "cum_qty regression on "+report.ClientOrderID)
	}

	if report.ExecQty.Sign() > 0 {
		// avg' = (avg*cum + exec_price*exec_qty) / (cum + exec_qty)
		numerator := st.AvgPrice.Mul(st.CumQty).Add(report.ExecPrice.Mul(report.ExecQty))
		st.AvgPrice = numerator.Div(newCum)
	}
	st.CumQty = newCum
	st.Status = toOrderStatus(report.Status)
	if report.VenueOrderID != "" {
		st.VenueOrderID = report.VenueOrderID
	}
	st.UpdatedAtNs = report.TsNs

	return st, nil
}

// Get returns a copy of the order state for id, if present.
func (s *Store) Get(id string) (types.OrderState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.orders[id]
	if !ok {
		return types.OrderState{}, false
	}
	return *st, true
}

// List returns a copy of every order in the store.
func (s *Store) List() []types.OrderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.OrderState, 0, len(s.orders))
	for _, st := range s.orders {
		out = append(out, *st)
	}
	return out
}

// ListPending returns a copy of every non-terminal order.
func (s *Store) ListPending() []types.OrderState {
	return s.filter(func(st *types.OrderState) bool { return !st.Status.IsTerminal() })
}

// ListTerminal returns a copy of every terminal order.
func (s *Store) ListTerminal() []types.OrderState {
	return s.filter(func(st *types.OrderState) bool { return st.Status.IsTerminal() })
}

func (s *Store) filter(pred func(*types.OrderState) bool) []types.OrderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.OrderState
	for _, st := range s.orders {
		if pred(st) {
			out = append(out, *st)
		}
	}
	return out
}

// Count returns the total number of orders in the store.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// CountPending returns the number of non-terminal orders.
func (s *Store) CountPending() int {
	return len(s.ListPending())
}

// DroppedTransitions returns the number of reports dropped due to
// illegal transitions, unknown orders, or cum_qty regressions.
func (s *Store) DroppedTransitions() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Clear removes every order from the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = make(map[string]*types.OrderState)
}

// Snapshot returns a copy of every order in the store, for WAL
// checkpointing.
func (s *Store) Snapshot() []types.OrderState {
	return s.List()
}

// LoadSnapshot replaces the store's contents with states, used when
// replaying a WAL checkpoint entry instead of replaying every order
// event from the beginning of the log.
func (s *Store) LoadSnapshot(states []types.OrderState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = make(map[string]*types.OrderState, len(states))
	for i := range states {
		st := states[i]
		s.orders[st.ClientOrderID] = &st
	}
}

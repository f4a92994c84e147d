// Package risk implements pre-trade checks and the three-state circuit
// breaker that gates order placement. It is grounded on the matching
// engine's pre-trade check list (notional, position size, open-order
// count limits) combined with the trading bot's cooldown/kill-switch
// risk manager, folded into one Closed/Open/HalfOpen state machine.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"veloz/internal/errs"
	"veloz/pkg/types"
)

// BreakerState is a node in the circuit breaker's state machine.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Limits bundles the pre-trade check thresholds and circuit breaker
// tuning parameters for one engine instance.
type Limits struct {
	MaxOrderNotional float64
	MaxPositionSize  float64
	MaxDailyLossPct  float64
	MaxWeeklyLossPct float64
	MaxOpenOrders    int
	TripErrorCount   int
	CooldownMs       int
	MaxCooldownMs    int
}

// PositionView is the minimal position/account state the risk engine
// needs, provided by the caller rather than importing the position
// package directly, so tests can supply a stub.
type PositionView struct {
	Size           decimal.Decimal
	AccountEquity  decimal.Decimal
	StartOfDayEq   decimal.Decimal
	StartOfWeekEq  decimal.Decimal
	OpenOrderCount int
	SymbolEnabled  bool
}

// Engine is the pre-trade gate plus circuit breaker. The zero value is
// not usable; use New.
type Engine struct {
	mu sync.Mutex

	limits Limits

	state            BreakerState
	consecutiveErrs  int
	cooldown         time.Duration
	openedAt         time.Time
	killSwitch       bool
	halfOpenInFlight bool
}

// New creates a risk engine in the Closed state.
func New(limits Limits) *Engine {
	cooldown := time.Duration(limits.CooldownMs) * time.Millisecond
	if cooldown <= 0 {
		cooldown = time.Second
	}
	return &Engine{limits: limits, state: Closed, cooldown: cooldown}
}

// State returns the circuit breaker's current state, first promoting
// Open to HalfOpen if the cooldown has elapsed.
func (e *Engine) State() BreakerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybePromoteToHalfOpen()
	return e.state
}

func (e *Engine) maybePromoteToHalfOpen() {
	if e.killSwitch {
		return
	}
	if e.state == Open && time.Since(e.openedAt) >= e.cooldown {
		e.state = HalfOpen
		e.halfOpenInFlight = false
	}
}

// PreTradeCheck runs every configured check against a proposed order and
// the account/position view. It returns the first failing rule wrapped
// as RiskReject, or CircuitOpen if the breaker is not Closed/HalfOpen-
// admitting.
func (e *Engine) PreTradeCheck(req types.OrderRequest, notional decimal.Decimal, view PositionView) error {
	e.mu.Lock()
	e.maybePromoteToHalfOpen()

	switch e.state {
	case Open:
		e.mu.Unlock()
		return errs.New(errs.CircuitOpen, "circuit breaker open")
	case HalfOpen:
		if e.halfOpenInFlight {
			e.mu.Unlock()
			return errs.New(errs.CircuitOpen, "circuit breaker half-open probe in flight")
		}
		e.halfOpenInFlight = true
	}
	e.mu.Unlock()

	if !view.SymbolEnabled {
		return errs.New(errs.RiskReject, "symbol disabled")
	}
	if e.limits.MaxOrderNotional > 0 {
		max := decimal.NewFromFloat(e.limits.MaxOrderNotional)
		if notional.GreaterThan(max) {
			return errs.New(errs.RiskReject, "order notional exceeds max_order_notional")
		}
	}
	if e.limits.MaxPositionSize > 0 {
		max := decimal.NewFromFloat(e.limits.MaxPositionSize)
		projected := view.Size.Add(signedQty(req))
		if projected.Abs().GreaterThan(max) {
			return errs.New(errs.RiskReject, "projected position exceeds max_position_size")
		}
	}
	if e.limits.MaxOpenOrders > 0 && view.OpenOrderCount >= e.limits.MaxOpenOrders {
		return errs.New(errs.RiskReject, "max_open_orders reached")
	}
	if e.limits.MaxDailyLossPct > 0 && !view.StartOfDayEq.IsZero() {
		lossPct := view.StartOfDayEq.Sub(view.AccountEquity).Div(view.StartOfDayEq).Mul(decimal.NewFromInt(100))
		if lossPct.GreaterThan(decimal.NewFromFloat(e.limits.MaxDailyLossPct)) {
			return errs.New(errs.RiskReject, "daily loss limit breached")
		}
	}
	if e.limits.MaxWeeklyLossPct > 0 && !view.StartOfWeekEq.IsZero() {
		lossPct := view.StartOfWeekEq.Sub(view.AccountEquity).Div(view.StartOfWeekEq).Mul(decimal.NewFromInt(100))
		if lossPct.GreaterThan(decimal.NewFromFloat(e.limits.MaxWeeklyLossPct)) {
			return errs.New(errs.RiskReject, "weekly loss limit breached")
		}
	}

	return nil
}

func signedQty(req types.OrderRequest) decimal.Decimal {
	if req.Side == types.Sell {
		return req.OrderQty.Neg()
	}
	return req.OrderQty
}

// RecordAdapterError counts a consecutive adapter error toward the trip
// threshold, opening the breaker once the threshold is reached.
func (e *Engine) RecordAdapterError() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutiveErrs++
	if e.limits.TripErrorCount > 0 && e.consecutiveErrs >= e.limits.TripErrorCount {
		e.trip()
	}
}

// RecordAdapterSuccess resets the consecutive-error count in every state
// and, in HalfOpen, also resolves the probe back to Closed.
func (e *Engine) RecordAdapterSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutiveErrs = 0
	if e.state == HalfOpen {
		e.state = Closed
		e.cooldown = time.Duration(e.limits.CooldownMs) * time.Millisecond
		if e.cooldown <= 0 {
			e.cooldown = time.Second
		}
		e.halfOpenInFlight = false
	}
}

// RecordHalfOpenFailure returns a HalfOpen probe to Open and doubles the
// cooldown, up to max_cooldown_ms.
func (e *Engine) RecordHalfOpenFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != HalfOpen {
		return
	}
	e.trip()
	e.cooldown *= 2
	if e.limits.MaxCooldownMs > 0 {
		maxCooldown := time.Duration(e.limits.MaxCooldownMs) * time.Millisecond
		if e.cooldown > maxCooldown {
			e.cooldown = maxCooldown
		}
	}
}

// TripOnLossBreach opens the breaker immediately, used when a realized
// loss breach is detected outside the adapter-error path.
func (e *Engine) TripOnLossBreach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trip()
}

// CheckRealizedLoss opens the breaker if view's daily or weekly
// drawdown exceeds the configured limit, for the caller to invoke after
// a fill changes account equity rather than only at the pre-trade gate.
// Reports whether it tripped the breaker.
func (e *Engine) CheckRealizedLoss(view PositionView) bool {
	if e.limits.MaxDailyLossPct > 0 && !view.StartOfDayEq.IsZero() {
		lossPct := view.StartOfDayEq.Sub(view.AccountEquity).Div(view.StartOfDayEq).Mul(decimal.NewFromInt(100))
		if lossPct.GreaterThan(decimal.NewFromFloat(e.limits.MaxDailyLossPct)) {
			e.TripOnLossBreach()
			return true
		}
	}
	if e.limits.MaxWeeklyLossPct > 0 && !view.StartOfWeekEq.IsZero() {
		lossPct := view.StartOfWeekEq.Sub(view.AccountEquity).Div(view.StartOfWeekEq).Mul(decimal.NewFromInt(100))
		if lossPct.GreaterThan(decimal.NewFromFloat(e.limits.MaxWeeklyLossPct)) {
			e.TripOnLossBreach()
			return true
		}
	}
	return false
}

func (e *Engine) trip() {
	e.state = Open
	e.openedAt = time.Now()
	e.halfOpenInFlight = false
}

// SetKillSwitch engages or disengages the manual kill switch. Engaging
// it trips the circuit breaker to Open immediately, per the fatal
// engine-halt path; it also blocks the cooldown-driven Open->HalfOpen
// promotion until disengaged, so a still-engaged kill switch can't be
// bypassed by waiting out the cooldown.
func (e *Engine) SetKillSwitch(engaged bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = engaged
	if engaged {
		e.trip()
	}
}

// Reset manually returns the breaker to Closed, clearing error counts
// and restoring the configured base cooldown.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Closed
	e.consecutiveErrs = 0
	e.halfOpenInFlight = false
	e.cooldown = time.Duration(e.limits.CooldownMs) * time.Millisecond
	if e.cooldown <= 0 {
		e.cooldown = time.Second
	}
}

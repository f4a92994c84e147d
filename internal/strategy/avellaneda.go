package strategy

import (
	"math"
	"sync"

	"veloz/pkg/types"
)

// AvellanedaConfig tunes the reference quoting strategy, carrying the
// exact formula parameters from the corpus's binary-market maker
// (Gamma, Sigma, K, T) generalized to a signed-inventory single
// instrument instead of a [0,1]-bounded YES/NO price.
type AvellanedaConfig struct {
	Gamma            float64 // inventory risk aversion
	Sigma            float64 // volatility estimate
	K                float64 // order book liquidity parameter
	T                float64 // time horizon (in refresh-interval units)
	DefaultSpreadBps float64 // minimum spread floor, in basis points
	MaxInventory     float64 // inventory normalization bound for q
}

// Quote is the strategy's desired bid/ask for one refresh.
type Quote struct {
	Bid, Ask float64
}

// Avellaneda is the reference strategy grounded on the corpus's
// Avellaneda-Stoikov maker: same reservation-price / optimal-spread
// formulas, generalized from a per-market goroutine with its own
// inventory tracker to a callback-based Strategy driven by the shared
// event loop, with inventory expressed as a signed position size
// normalized by MaxInventory rather than a bounded YES/NO delta.
type Avellaneda struct {
	id      string
	symbols []string
	cfg     AvellanedaConfig

	mu        sync.Mutex
	position  float64 // current signed size, updated via OnFill
	lastQuote Quote
}

// NewAvellaneda creates the reference strategy for a single symbol.
func NewAvellaneda(id, symbol string, cfg AvellanedaConfig) *Avellaneda {
	return &Avellaneda{id: id, symbols: []string{symbol}, cfg: cfg}
}

func (a *Avellaneda) ID() string        { return a.id }
func (a *Avellaneda) Symbols() []string { return a.symbols }

func (a *Avellaneda) OnStart() error { return nil }
func (a *Avellaneda) OnStop()        {}

// OnMarket recomputes the quote pair from the book's mid price and the
// strategy's current inventory. The computed Quote is cached for
// inspection through LastQuote; no orders are placed from it.
func (a *Avellaneda) OnMarket(symbol string, bestBid, bestAsk types.BookLevel) {
	mid := (bestBid.Price.InexactFloat64() + bestAsk.Price.InexactFloat64()) / 2
	quote := a.computeQuote(mid)
	a.mu.Lock()
	a.lastQuote = quote
	a.mu.Unlock()
}

// OnFill updates signed inventory from a fill: buys increase it, sells
// decrease it, per the book's own sign convention.
func (a *Avellaneda) OnFill(fill types.Fill) {
	qty := fill.Qty.InexactFloat64()
	a.mu.Lock()
	if fill.Side == types.Sell {
		a.position -= qty
	} else {
		a.position += qty
	}
	a.mu.Unlock()
}

func (a *Avellaneda) OnOrderUpdate(order types.OrderState) {}

// LastQuote returns the most recently computed bid/ask, for inspection;
// the engine does not read it.
func (a *Avellaneda) LastQuote() Quote {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastQuote
}

// computeQuote implements:
//
//	q = position / MaxInventory, clamped to [-1, 1]
//	reservation_price = mid - q * gamma * sigma^2 * T
//	optimal_spread     = gamma * sigma^2 * T + (2/gamma) * ln(1 + gamma/k)
//	bid = reservation_price - optimal_spread/2
//	ask = reservation_price + optimal_spread/2
//
// with a minimum-spread floor enforced exactly as the corpus's
// computeQuotes, generalized from a fixed [tick, 1-tick] clamp (valid
// only for binary markets) to an unclamped real-valued price since
// VeloZ symbols are not bounded to [0,1].
func (a *Avellaneda) computeQuote(mid float64) Quote {
	a.mu.Lock()
	pos := a.position
	a.mu.Unlock()

	maxInv := a.cfg.MaxInventory
	if maxInv <= 0 {
		maxInv = 1
	}
	q := clamp(pos/maxInv, -1, 1)

	gamma := a.cfg.Gamma
	sigma := a.cfg.Sigma
	k := a.cfg.K
	T := a.cfg.T

	reservationPrice := mid - q*gamma*sigma*sigma*T
	optSpread := gamma*sigma*sigma*T + (2.0/gamma)*math.Log(1+gamma/k)

	minSpread := mid * a.cfg.DefaultSpreadBps / 10000.0
	if optSpread < minSpread {
		optSpread = minSpread
	}

	bid := reservationPrice - optSpread/2
	ask := reservationPrice + optSpread/2
	if bid >= ask {
		mid2 := (bid + ask) / 2
		bid = mid2 - minSpread/2
		ask = mid2 + minSpread/2
	}
	return Quote{Bid: bid, Ask: ask}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Package position tracks signed per-symbol holdings and realized/
// unrealized P&L as fills are applied. It is grounded on the inventory
// average-price and realized-P&L bookkeeping used for binary market
// positions in the strategy layer of the corpus, generalized from
// YES/NO binary markets to signed single-instrument positions.
package position

import (
	"sync"

	"github.com/shopspring/decimal"

	"veloz/pkg/types"
)

// Book tracks positions across every symbol the engine trades. The zero
// value is not usable; use New.
type Book struct {
	mu        sync.Mutex
	positions map[string]*types.Position
	cash      decimal.Decimal
}

// New creates an empty position book with the given starting cash.
func New(startingCash decimal.Decimal) *Book {
	return &Book{
		positions: make(map[string]*types.Position),
		cash:      startingCash,
	}
}

// ApplyFill folds one fill into the symbol's position, updating signed
// size, average price, and realized P&L per the standard long/short
// crossing rules, and debits/credits cash by the notional traded.
func (b *Book) ApplyFill(f types.Fill) types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[f.Symbol]
	if !ok {
		pos = &types.Position{Symbol: f.Symbol}
		b.positions[f.Symbol] = pos
	}

	if f.Side == types.Buy {
		applyBuy(pos, f.Qty, f.Price)
	} else {
		applySell(pos, f.Qty, f.Price)
	}

	notional := f.Qty.Mul(f.Price)
	if f.Side == types.Buy {
		b.cash = b.cash.Sub(notional)
	} else {
		b.cash = b.cash.Add(notional)
	}

	return *pos
}

// applyBuy folds a buy of qty q at price p into pos.
func applyBuy(pos *types.Position, q, p decimal.Decimal) {
	s := pos.Size
	a := pos.AvgPrice

	switch {
	case s.Sign() >= 0:
		newSize := s.Add(q)
		pos.AvgPrice = a.Mul(s).Add(p.Mul(q)).Div(newSize)
		pos.Size = newSize

	case q.LessThanOrEqual(s.Abs()):
		pos.RealizedPnL = pos.RealizedPnL.Add(q.Mul(a.Sub(p)))
		pos.Size = s.Add(q)

	default:
		short := s.Abs()
		pos.RealizedPnL = pos.RealizedPnL.Add(short.Mul(a.Sub(p)))
		pos.AvgPrice = p
		pos.Size = q.Sub(short)
	}
}

// applySell folds a sell of qty q at price p into pos, symmetric to
// applyBuy with long/short roles reversed.
func applySell(pos *types.Position, q, p decimal.Decimal) {
	s := pos.Size
	a := pos.AvgPrice

	switch {
	case s.Sign() <= 0:
		newSize := s.Sub(q)
		pos.AvgPrice = a.Mul(s.Abs()).Add(p.Mul(q)).Div(newSize.Abs())
		pos.Size = newSize

	case q.LessThanOrEqual(s):
		pos.RealizedPnL = pos.RealizedPnL.Add(q.Mul(p.Sub(a)))
		pos.Size = s.Sub(q)

	default:
		long := s
		pos.RealizedPnL = pos.RealizedPnL.Add(long.Mul(p.Sub(a)))
		pos.AvgPrice = p
		pos.Size = long.Sub(q)
	}
}

// UnrealizedPnL returns size * (markPrice - avgPrice), or zero for a flat
// position.
func (b *Book) UnrealizedPnL(symbol string, markPrice decimal.Decimal) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok || pos.Size.Sign() == 0 {
		return decimal.Zero
	}
	return pos.Size.Mul(markPrice.Sub(pos.AvgPrice))
}

// Get returns a copy of the position for symbol, zero-valued if none
// exists yet.
func (b *Book) Get(symbol string) types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos, ok := b.positions[symbol]; ok {
		return *pos
	}
	return types.Position{Symbol: symbol}
}

// Cash returns the current cash balance.
func (b *Book) Cash() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash
}

// Account returns a full balances snapshot across every symbol with a
// non-zero position.
func (b *Book) Account() types.Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := types.Account{Cash: b.cash}
	for _, pos := range b.positions {
		if pos.Size.Sign() != 0 {
			acct.Positions = append(acct.Positions, *pos)
		}
	}
	return acct
}

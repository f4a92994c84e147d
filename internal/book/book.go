// Package book maintains per-symbol bid/ask ladders reconstructed from a
// sequenced stream of snapshots and deltas. It is grounded on the
// RWMutex-guarded single-writer pattern used for mirrored order books in
// the market-data layer of the corpus, generalized to price-level
// aggregation and explicit gap detection rather than a simple top-level
// cache.
package book

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Side identifies one ladder of the book.
type Side int

const (
	Bid Side = iota
	Ask
)

// State tracks whether the book is reconciled with the venue's sequence
// stream or waiting for a fresh snapshot after a detected gap.
type State int

const (
	Synced State = iota
	AwaitingSnapshot
)

// Level is a single price point with aggregate resting quantity.
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// GapError reports a sequence discontinuity detected by ApplyDelta.
type GapError struct {
	Expected uint64
	Got      uint64
}

func (e *GapError) Error() string {
	return "book: sequence gap"
}

// Book is a single symbol's ladder pair. The zero value is not usable;
// use New. Apply methods are single-writer; TopOfBook and Snapshot may be
// called concurrently with each other and with a writer, guarded by an
// internal RWMutex.
type Book struct {
	mu sync.RWMutex

	symbol string
	bids   map[string]decimal.Decimal // price.String() -> qty
	asks   map[string]decimal.Decimal

	sequence         uint64
	snapshotSequence uint64
	state            State
}

// New creates an empty book for symbol, initially in AwaitingSnapshot
// state until the first snapshot is applied.
func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   make(map[string]decimal.Decimal),
		asks:   make(map[string]decimal.Decimal),
		state:  AwaitingSnapshot,
	}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// ApplySnapshot atomically replaces both ladders and resets sequence
// tracking to seq, clearing any AwaitingSnapshot state.
func (b *Book) ApplySnapshot(bids, asks []Level, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]decimal.Decimal, len(bids))
	b.asks = make(map[string]decimal.Decimal, len(asks))
	for _, l := range bids {
		if l.Qty.Sign() > 0 {
			b.bids[l.Price.String()] = l.Qty
		}
	}
	for _, l := range asks {
		if l.Qty.Sign() > 0 {
			b.asks[l.Price.String()] = l.Qty
		}
	}
	b.sequence = seq
	b.snapshotSequence = seq
	b.state = Synced
}

// ApplyDelta applies a single price-level update at sequence seq. A
// qty == 0 removes the level. Deltas at or below the current sequence
// are silently dropped as replays. A delta that skips ahead reports a
// GapError and puts the book into AwaitingSnapshot, in which further
// deltas are discarded until the next ApplySnapshot.
func (b *Book) ApplyDelta(side Side, price, qty decimal.Decimal, seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seq <= b.sequence {
		return nil // replayed delta
	}

	if b.state == AwaitingSnapshot {
		return &GapError{Expected: b.sequence + 1, Got: seq}
	}

	if seq != b.sequence+1 {
		b.state = AwaitingSnapshot
		return &GapError{Expected: b.sequence + 1, Got: seq}
	}

	ladder := b.bids
	if side == Ask {
		ladder = b.asks
	}
	key := price.String()
	if qty.Sign() == 0 {
		delete(ladder, key)
	} else {
		ladder[key] = qty
	}

	b.sequence = seq
	return nil
}

// State reports whether the book is synced or awaiting a snapshot.
func (b *Book) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Sequence returns the last applied sequence number.
func (b *Book) Sequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sequence
}

// TopOfBook returns the best bid and best ask levels. ok is false for a
// side with no resting levels.
func (b *Book) TopOfBook() (bestBid Level, bidOK bool, bestAsk Level, askOK bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bestBid, bidOK = bestOf(b.bids, true)
	bestAsk, askOK = bestOf(b.asks, false)
	return
}

// Spread returns bestAsk - bestBid. ok is false unless both sides are
// present.
func (b *Book) Spread() (spread decimal.Decimal, ok bool) {
	bestBid, bidOK, bestAsk, askOK := b.TopOfBook()
	if !bidOK || !askOK {
		return decimal.Zero, false
	}
	return bestAsk.Price.Sub(bestBid.Price), true
}

// Snapshot returns a point-in-time copy of both ladders, sorted bids
// descending and asks ascending by price.
func (b *Book) Snapshot() (bids, asks []Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = sortedLevels(b.bids, true)
	asks = sortedLevels(b.asks, false)
	return
}

func bestOf(ladder map[string]decimal.Decimal, descending bool) (Level, bool) {
	levels := sortedLevels(ladder, descending)
	if len(levels) == 0 {
		return Level{}, false
	}
	return levels[0], true
}

func sortedLevels(ladder map[string]decimal.Decimal, descending bool) []Level {
	levels := make([]Level, 0, len(ladder))
	for priceStr, qty := range ladder {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		levels = append(levels, Level{Price: price, Qty: qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}

package book

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestBookReconstruction(t *testing.T) {
	b := New("BTC-USD")
	b.ApplySnapshot(
		[]Level{{Price: d("100"), Qty: d("1")}, {Price: d("99"), Qty: d("2")}},
		[]Level{{Price: d("101"), Qty: d("1")}},
		10,
	)

	if err := b.ApplyDelta(Bid, d("100"), d("0"), 11); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bestBid, ok, _, _ := b.TopOfBook()
	if !ok || !bestBid.Price.Equal(d("99")) {
		t.Fatalf("expected best bid 99, got %v ok=%v", bestBid, ok)
	}
	if b.Sequence() != 11 {
		t.Fatalf("expected sequence 11, got %d", b.Sequence())
	}

	err := b.ApplyDelta(Ask, d("101"), d("2"), 13)
	gapErr, ok := err.(*GapError)
	if !ok {
		t.Fatalf("expected GapError, got %v", err)
	}
	if gapErr.Expected != 12 || gapErr.Got != 13 {
		t.Fatalf("expected GapError(12,13), got %+v", gapErr)
	}
	if b.State() != AwaitingSnapshot {
		t.Fatalf("expected AwaitingSnapshot, got %v", b.State())
	}
}

func TestReplayedDeltaDropped(t *testing.T) {
	b := New("BTC-USD")
	b.ApplySnapshot(nil, nil, 5)
	if err := b.ApplyDelta(Bid, d("10"), d("1"), 5); err != nil {
		t.Fatalf("expected replayed delta to be silently dropped, got %v", err)
	}
	if b.Sequence() != 5 {
		t.Fatalf("sequence should be unchanged, got %d", b.Sequence())
	}
}

func TestAwaitingSnapshotDiscardsFurtherDeltas(t *testing.T) {
	b := New("X")
	b.ApplySnapshot(nil, nil, 1)
	if err := b.ApplyDelta(Bid, d("1"), d("1"), 3); err == nil {
		t.Fatal("expected gap error")
	}
	if err := b.ApplyDelta(Bid, d("1"), d("1"), 4); err == nil {
		t.Fatal("expected deltas to keep reporting gap while awaiting snapshot")
	}
	b.ApplySnapshot([]Level{{Price: d("1"), Qty: d("1")}}, nil, 4)
	if b.State() != Synced {
		t.Fatal("expected snapshot to clear AwaitingSnapshot")
	}
}

func TestSpreadRequiresBothSides(t *testing.T) {
	b := New("X")
	b.ApplySnapshot([]Level{{Price: d("99"), Qty: d("1")}}, nil, 1)
	if _, ok := b.Spread(); ok {
		t.Fatal("expected no spread with one-sided book")
	}
	b.ApplySnapshot([]Level{{Price: d("99"), Qty: d("1")}}, []Level{{Price: d("101"), Qty: d("1")}}, 2)
	spread, ok := b.Spread()
	if !ok || !spread.Equal(d("2")) {
		t.Fatalf("expected spread 2, got %v ok=%v", spread, ok)
	}
}

func TestCoalescedLevelsOnInsert(t *testing.T) {
	b := New("X")
	b.ApplySnapshot([]Level{{Price: d("100"), Qty: d("1")}}, nil, 1)
	if err := b.ApplyDelta(Bid, d("100"), d("5"), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bids, _ := b.Snapshot()
	if len(bids) != 1 || !bids[0].Qty.Equal(d("5")) {
		t.Fatalf("expected single coalesced level qty 5, got %+v", bids)
	}
}

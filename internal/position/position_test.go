package position

import (
	"testing"

	"github.com/shopspring/decimal"

	"veloz/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestBuyExtendsLong(t *testing.T) {
	b := New(d("10000"))
	b.ApplyFill(types.Fill{Symbol: "X", Side: types.Buy, Qty: d("10"), Price: d("100")})
	pos := b.ApplyFill(types.Fill{Symbol: "X", Side: types.Buy, Qty: d("10"), Price: d("110")})

	if !pos.Size.Equal(d("20")) {
		t.Fatalf("expected size 20, got %v", pos.Size)
	}
	if !pos.AvgPrice.Equal(d("105")) {
		t.Fatalf("expected avg 105, got %v", pos.AvgPrice)
	}
	if !pos.RealizedPnL.Equal(decimal.Zero) {
		t.Fatalf("expected no realized pnl, got %v", pos.RealizedPnL)
	}
}

func TestSellPartiallyClosesLongAndRealizesPnL(t *testing.T) {
	b := New(d("0"))
	b.ApplyFill(types.Fill{Symbol: "X", Side: types.Buy, Qty: d("10"), Price: d("100")})
	pos := b.ApplyFill(types.Fill{Symbol: "X", Side: types.Sell, Qty: d("4"), Price: d("110")})

	if !pos.Size.Equal(d("6")) {
		t.Fatalf("expected size 6, got %v", pos.Size)
	}
	if !pos.AvgPrice.Equal(d("100")) {
		t.Fatalf("expected avg unchanged at 100, got %v", pos.AvgPrice)
	}
	if !pos.RealizedPnL.Equal(d("40")) {
		t.Fatalf("expected realized pnl 40 (4*(110-100)), got %v", pos.RealizedPnL)
	}
}

func TestSellReversesLongToShort(t *testing.T) {
	b := New(d("0"))
	b.ApplyFill(types.Fill{Symbol: "X", Side: types.Buy, Qty: d("5"), Price: d("100")})
	pos := b.ApplyFill(types.Fill{Symbol: "X", Side: types.Sell, Qty: d("8"), Price: d("90")})

	if !pos.Size.Equal(d("-3")) {
		t.Fatalf("expected size -3, got %v", pos.Size)
	}
	if !pos.AvgPrice.Equal(d("90")) {
		t.Fatalf("expected avg 90 on the fresh short, got %v", pos.AvgPrice)
	}
	if !pos.RealizedPnL.Equal(d("-50")) {
		t.Fatalf("expected realized pnl -50 (5*(100-90) reversed sign for close-then-flip), got %v", pos.RealizedPnL)
	}
}

func TestUnrealizedPnL(t *testing.T) {
	b := New(d("0"))
	b.ApplyFill(types.Fill{Symbol: "X", Side: types.Buy, Qty: d("10"), Price: d("100")})
	pnl := b.UnrealizedPnL("X", d("120"))
	if !pnl.Equal(d("200")) {
		t.Fatalf("expected unrealized pnl 200, got %v", pnl)
	}
}

func TestCashDebitedOnBuyCreditedOnSell(t *testing.T) {
	b := New(d("1000"))
	b.ApplyFill(types.Fill{Symbol: "X", Side: types.Buy, Qty: d("5"), Price: d("10")})
	if !b.Cash().Equal(d("950")) {
		t.Fatalf("expected cash 950 after buy, got %v", b.Cash())
	}
	b.ApplyFill(types.Fill{Symbol: "X", Side: types.Sell, Qty: d("5"), Price: d("12")})
	if !b.Cash().Equal(d("1010")) {
		t.Fatalf("expected cash 1010 after sell, got %v", b.Cash())
	}
}

func TestAccountOmitsFlatPositions(t *testing.T) {
	b := New(d("0"))
	b.ApplyFill(types.Fill{Symbol: "X", Side: types.Buy, Qty: d("5"), Price: d("10")})
	b.ApplyFill(types.Fill{Symbol: "X", Side: types.Sell, Qty: d("5"), Price: d("10")})

	acct := b.Account()
	if len(acct.Positions) != 0 {
		t.Fatalf("expected flat position to be omitted, got %+v", acct.Positions)
	}
}

package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"veloz/internal/errs"
	"veloz/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func baseView() PositionView {
	return PositionView{
		Size:          decimal.Zero,
		AccountEquity: d("10000"),
		StartOfDayEq:  d("10000"),
		StartOfWeekEq: d("10000"),
		SymbolEnabled: true,
	}
}

func baseReq() types.OrderRequest {
	return types.OrderRequest{ClientOrderID: "c1", Symbol: "X", Side: types.Buy, OrderQty: d("1")}
}

func TestPreTradeRejectsOverNotional(t *testing.T) {
	e := New(Limits{MaxOrderNotional: 100})
	err := e.PreTradeCheck(baseReq(), d("150"), baseView())
	if errs.KindOf(err) != errs.RiskReject {
		t.Fatalf("expected RiskReject, got %v", err)
	}
}

func TestPreTradeRejectsDisabledSymbol(t *testing.T) {
	e := New(Limits{})
	view := baseView()
	view.SymbolEnabled = false
	err := e.PreTradeCheck(baseReq(), d("10"), view)
	if errs.KindOf(err) != errs.RiskReject {
		t.Fatalf("expected RiskReject, got %v", err)
	}
}

func TestPreTradePassesWithinLimits(t *testing.T) {
	e := New(Limits{MaxOrderNotional: 1000, MaxPositionSize: 100})
	if err := e.PreTradeCheck(baseReq(), d("10"), baseView()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCircuitTripsOnConsecutiveErrors(t *testing.T) {
	e := New(Limits{TripErrorCount: 3, CooldownMs: 50})
	e.RecordAdapterError()
	e.RecordAdapterError()
	if e.State() != Closed {
		t.Fatalf("expected still Closed after 2 errors, got %v", e.State())
	}
	e.RecordAdapterError()
	if e.State() != Open {
		t.Fatalf("expected Open after trip threshold, got %v", e.State())
	}

	err := e.PreTradeCheck(baseReq(), d("1"), baseView())
	if errs.KindOf(err) != errs.CircuitOpen {
		t.Fatalf("expected CircuitOpen, got %v", err)
	}
}

func TestCircuitPromotesToHalfOpenAfterCooldown(t *testing.T) {
	e := New(Limits{TripErrorCount: 1, CooldownMs: 10})
	e.RecordAdapterError()
	if e.State() != Open {
		t.Fatal("expected Open immediately after trip")
	}
	time.Sleep(20 * time.Millisecond)
	if e.State() != HalfOpen {
		t.Fatalf("expected HalfOpen after cooldown, got %v", e.State())
	}
}

func TestHalfOpenFailureReopensAndDoublesCooldown(t *testing.T) {
	e := New(Limits{TripErrorCount: 1, CooldownMs: 10, MaxCooldownMs: 1000})
	e.RecordAdapterError()
	time.Sleep(20 * time.Millisecond)
	if e.State() != HalfOpen {
		t.Fatal("expected HalfOpen")
	}

	e.RecordHalfOpenFailure()
	if e.State() != Open {
		t.Fatal("expected Open again after half-open failure")
	}
	e.mu.Lock()
	cooldown := e.cooldown
	e.mu.Unlock()
	if cooldown != 20*time.Millisecond {
		t.Fatalf("expected cooldown doubled to 20ms, got %v", cooldown)
	}
}

func TestHalfOpenSuccessReturnsToClosed(t *testing.T) {
	e := New(Limits{TripErrorCount: 1, CooldownMs: 10})
	e.RecordAdapterError()
	time.Sleep(20 * time.Millisecond)
	e.State() // promote
	e.RecordAdapterSuccess()
	if e.State() != Closed {
		t.Fatalf("expected Closed after half-open success, got %v", e.State())
	}
}

func TestKillSwitchTripsBreakerOpen(t *testing.T) {
	e := New(Limits{})
	e.SetKillSwitch(true)
	if e.State() != Open {
		t.Fatalf("expected Open immediately after kill switch engaged, got %v", e.State())
	}
	err := e.PreTradeCheck(baseReq(), d("1"), baseView())
	if errs.KindOf(err) != errs.CircuitOpen {
		t.Fatalf("expected CircuitOpen with kill switch engaged, got %v", err)
	}
}

func TestKillSwitchBlocksHalfOpenPromotion(t *testing.T) {
	e := New(Limits{CooldownMs: 10})
	e.SetKillSwitch(true)
	time.Sleep(20 * time.Millisecond)
	if e.State() != Open {
		t.Fatalf("expected kill switch to hold breaker Open past cooldown, got %v", e.State())
	}
	e.SetKillSwitch(false)
	time.Sleep(20 * time.Millisecond)
	if e.State() != HalfOpen {
		t.Fatalf("expected HalfOpen once kill switch disengaged and cooldown elapsed, got %v", e.State())
	}
}

func TestCheckRealizedLossTripsBreaker(t *testing.T) {
	e := New(Limits{MaxDailyLossPct: 5})
	view := baseView()
	view.AccountEquity = d("9400") // 6% down from 10000
	if tripped := e.CheckRealizedLoss(view); !tripped {
		t.Fatal("expected CheckRealizedLoss to report a trip")
	}
	if e.State() != Open {
		t.Fatalf("expected Open after realized loss breach, got %v", e.State())
	}
}

func TestManualReset(t *testing.T) {
	e := New(Limits{TripErrorCount: 1, CooldownMs: 10000})
	e.RecordAdapterError()
	if e.State() != Open {
		t.Fatal("expected Open")
	}
	e.Reset()
	if e.State() != Closed {
		t.Fatalf("expected Closed after manual reset, got %v", e.State())
	}
}

func TestDailyLossBreach(t *testing.T) {
	e := New(Limits{MaxDailyLossPct: 5})
	view := baseView()
	view.AccountEquity = d("9400") // 6% down from 10000
	err := e.PreTradeCheck(baseReq(), d("1"), view)
	if errs.KindOf(err) != errs.RiskReject {
		t.Fatalf("expected RiskReject for daily loss breach, got %v", err)
	}
}

package orders

import (
	"testing"

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

func newReq(id string) types.OrderRequest {
	return types.OrderRequest{
		ClientOrderID: id,
		Symbol:        "BTC-USD",
		Side:          types.Buy,
		OrderQty:      d("10"),
		Type:          types.Limit,
		TIF:           types.TIFGTC,
	}
}

func TestNoteOrderParamsDuplicate(t *testing.T) {
	s := New()
	if _, err := s.NoteOrderParams(newReq("c1"), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.NoteOrderParams(newReq("c1"), 2)
	if errs.KindOf(err) != errs.DuplicateClientOrderID {
		t.Fatalf("expected DuplicateClientOrderID, got %v", err)
	}
}

func TestNoteOrderParamsAllowedAfterTerminal(t *testing.T) {
	s := New()
	s.NoteOrderParams(newReq("c1"), 1)
	s.ApplyExecutionReport(types.ExecutionReport{
		ClientOrderID: "c1", Status: types.ExecCanceled, TsNs: 2,
	})
	if _, err := s.NoteOrderParams(newReq("c1"), 3); err != nil {
		t.Fatalf("expected reuse of terminal client id to succeed, got %v", err)
	}
}

func TestVolumeWeightedAvgPrice(t *testing.T) {
	s := New()
	s.NoteOrderParams(newReq("c1"), 1)

	s.ApplyExecutionReport(types.ExecutionReport{
		ClientOrderID: "c1", Status: types.ExecPartiallyFilled,
		ExecQty: d("4"), ExecPrice: d("100"), TsNs: 2,
	})
	st, _ := s.Get("c1")
	if !st.AvgPrice.Equal(d("100")) || !st.CumQty.Equal(d("4")) {
		t.Fatalf("expected avg=100 cum=4, got avg=%v cum=%v", st.AvgPrice, st.CumQty)
	}

	s.ApplyExecutionReport(types.ExecutionReport{
		ClientOrderID: "c1", Status: types.ExecFilled,
		ExecQty: d("6"), ExecPrice: d("110"), TsNs: 3,
	})
	st, _ = s.Get("c1")
	// avg' = (100*4 + 110*6) / 10 = (400+660)/10 = 106
	if !st.AvgPrice.Equal(d("106")) {
		t.Fatalf("expected avg=106, got %v", st.AvgPrice)
	}
	if st.Status != types.StatusFilled {
		t.Fatalf("expected Filled, got %v", st.Status)
	}
}

func TestIllegalTransitionDropped(t *testing.T) {
	s := New()
	s.NoteOrderParams(newReq("c1"), 1)
	s.ApplyExecutionReport(types.ExecutionReport{ClientOrderID: "c1", Status: types.ExecFilled, TsNs: 2})

	_, err := s.ApplyExecutionReport(types.ExecutionReport{ClientOrderID: "c1", Status: types.ExecAccepted, TsNs: 3})
	if errs.KindOf(err) != errs.InvalidTransition {
		t.Fatalf("expected InvalidTransition on terminal order, got %v", err)
	}
	if s.DroppedTransitions() != 1 {
		t.Fatalf("expected 1 dropped transition, got %d", s.DroppedTransitions())
	}
}

func TestStaleReportDropped(t *testing.T) {
	s := New()
	s.NoteOrderParams(newReq("c1"), 5)
	s.ApplyExecutionReport(types.ExecutionReport{
		ClientOrderID: "c1", Status: types.ExecPartiallyFilled,
		ExecQty: d("4"), ExecPrice: d("100"), TsNs: 10,
	})

	_, err := s.ApplyExecutionReport(types.ExecutionReport{
		ClientOrderID: "c1", Status: types.ExecPartiallyFilled,
		ExecQty: d("1"), ExecPrice: d("90"), TsNs: 7,
	})
	if errs.KindOf(err) != errs.InvalidTransition {
		t.Fatalf("expected InvalidTransition for stale report, got %v", err)
	}

	st, _ := s.Get("c1")
	if !st.CumQty.Equal(d("4")) {
		t.Fatalf("expected stale report to leave cum_qty unchanged at 4, got %v", st.CumQty)
	}
}

func TestUnknownOrderDropped(t *testing.T) {
	s := New()
	_, err := s.ApplyExecutionReport(types.ExecutionReport{ClientOrderID: "nope", Status: types.ExecAccepted})
	if errs.KindOf(err) != errs.InvalidTransition {
		t.Fatalf("expected InvalidTransition for unknown order, got %v", err)
	}
}

func TestListPendingAndTerminal(t *testing.T) {
	s := New()
	s.NoteOrderParams(newReq("c1"), 1)
	s.NoteOrderParams(newReq("c2"), 1)
	s.ApplyExecutionReport(types.ExecutionReport{ClientOrderID: "c1", Status: types.ExecFilled, TsNs: 2})

	if len(s.ListPending()) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(s.ListPending()))
	}
	if len(s.ListTerminal()) != 1 {
		t.Fatalf("expected 1 terminal, got %d", len(s.ListTerminal()))
	}
	if s.Count() != 2 {
		t.Fatalf("expected count 2, got %d", s.Count())
	}
}

func TestClear(t *testing.T) {
	s := New()
	s.NoteOrderParams(newReq("c1"), 1)
	s.Clear()
	if s.Count() != 0 {
		t.Fatalf("expected empty store after Clear, got %d", s.Count())
	}
}

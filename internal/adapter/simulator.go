package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"veloz/pkg/types"
)

// Simulator is an in-process execution adapter that immediately accepts
// and fills orders, for testing strategies and the gateway without a
// live venue. It is the "Simulator" variant named in spec.md §4.6.
type Simulator struct {
	name        string
	idemp       *idempotencyCache
	venueSeq    int64
	mu          sync.Mutex
	subscribers map[int]ReportCallback
	nextSubID   int
	fillDelay   time.Duration
}

// NewSimulator creates a Simulator adapter. fillDelay, if non-zero,
// posts the fill report after a short delay on its own goroutine to
// exercise async report delivery in callers' tests.
func NewSimulator(fillDelay time.Duration) *Simulator {
	return &Simulator{
		name:        "simulator",
		idemp:       newIdempotencyCache(30 * time.Minute),
		subscribers: make(map[int]ReportCallback),
		fillDelay:   fillDelay,
	}
}

func (s *Simulator) Name() string { return s.name }

func (s *Simulator) Place(ctx context.Context, req types.OrderRequest) (Ack, error) {
	if rej := validateRequest(req); rej != nil {
		return Ack{}, toErr(rej)
	}
	if ack, ok := s.idemp.get(req.ClientOrderID); ok {
		return ack, nil
	}

	venueID := fmt.Sprintf("SIM-%d", atomic.AddInt64(&s.venueSeq, 1))
	ack := Ack{ClientOrderID: req.ClientOrderID, VenueOrderID: venueID}
	s.idemp.put(req.ClientOrderID, ack)

	price := decimal.Zero
	if req.LimitPrice != nil {
		price = *req.LimitPrice
	}
	now := time.Now().UnixNano()
	accepted := types.ExecutionReport{
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  venueID,
		Status:        types.ExecAccepted,
		CumQty:        decimal.Zero,
		AvgPrice:      decimal.Zero,
		TsNs:          now,
	}
	s.publish(accepted)

	fill := types.ExecutionReport{
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  venueID,
		Status:        types.ExecFilled,
		ExecQty:       req.OrderQty,
		ExecPrice:     price,
		CumQty:        req.OrderQty,
		AvgPrice:      price,
		TsNs:          now + 1,
	}
	if s.fillDelay <= 0 {
		s.publish(fill)
	} else {
		go func() {
			time.Sleep(s.fillDelay)
			s.publish(fill)
		}()
	}

	return ack, nil
}

func (s *Simulator) Cancel(ctx context.Context, clientOrderID string) (Ack, error) {
	if ack, ok := s.idemp.get(clientOrderID); ok {
		if _, done := s.idemp.get("cancel:" + clientOrderID); done {
			ack.Reason = "already_canceled"
			return ack, nil
		}
		canceled := types.ExecutionReport{
			ClientOrderID: clientOrderID,
			VenueOrderID:  ack.VenueOrderID,
			Status:        types.ExecCanceled,
			TsNs:          time.Now().UnixNano(),
		}
		s.publish(canceled)
		s.idemp.put("cancel:"+clientOrderID, ack)
		return ack, nil
	}
	return Ack{}, toErr(&Reject{Kind: Other, Msg: "unknown client_order_id"})
}

func (s *Simulator) SubscribeReports(cb ReportCallback) SubscriptionHandle {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = cb
	s.mu.Unlock()
	return &simHandle{sim: s, id: id}
}

func (s *Simulator) publish(report types.ExecutionReport) {
	s.mu.Lock()
	cbs := make([]ReportCallback, 0, len(s.subscribers))
	for _, cb := range s.subscribers {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(report)
	}
}

type simHandle struct {
	sim *Simulator
	id  int
}

func (h *simHandle) Unsubscribe() {
	h.sim.mu.Lock()
	delete(h.sim.subscribers, h.id)
	h.sim.mu.Unlock()
}

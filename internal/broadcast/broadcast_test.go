package broadcast

import (
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription, timeout time.Duration) (Event, bool) {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		return e, ok
	case <-time.After(timeout):
		return Event{}, false
	}
}

func TestBroadcastDeliversInIDOrder(t *testing.T) {
	h := New(16, 16)
	sub := h.Subscribe(nil)

	h.Broadcast("a")
	h.Broadcast("b")

	e1, ok := recv(t, sub, time.Second)
	if !ok || e1.ID != 1 || e1.Payload != "a" {
		t.Fatalf("expected id=1 payload=a, got %+v ok=%v", e1, ok)
	}
	e2, ok := recv(t, sub, time.Second)
	if !ok || e2.ID != 2 || e2.Payload != "b" {
		t.Fatalf("expected id=2 payload=b, got %+v ok=%v", e2, ok)
	}
}

func TestReplayFromLastID(t *testing.T) {
	h := New(16, 16)
	h.Broadcast("a")
	h.Broadcast("b")
	h.Broadcast("c")

	lastID := uint64(1)
	sub := h.Subscribe(&lastID)
	if sub.ReplayGap() {
		t.Fatal("expected no replay gap")
	}

	e1, ok := recv(t, sub, time.Second)
	if !ok || e1.Payload != "b" {
		t.Fatalf("expected replay to start at b, got %+v", e1)
	}
	e2, _ := recv(t, sub, time.Second)
	if e2.Payload != "c" {
		t.Fatalf("expected c next, got %+v", e2)
	}
}

func TestReplayGapWhenLastIDTooOld(t *testing.T) {
	h := New(2, 16)
	h.Broadcast("a")
	h.Broadcast("b")
	h.Broadcast("c") // evicts "a" from a 2-entry ring

	lastID := uint64(0)
	sub := h.Subscribe(&lastID)
	if !sub.ReplayGap() {
		t.Fatal("expected replay gap when last_id predates retained history")
	}
}

func TestSlowConsumerDropped(t *testing.T) {
	h := New(16, 1) // buffer of 1
	sub := h.Subscribe(nil)

	h.Broadcast("a")
	h.Broadcast("b") // sub's buffer (cap 1) is full, should be dropped

	if h.SubscriptionCount() != 0 {
		t.Fatalf("expected slow subscriber to be removed, got count=%d", h.SubscriptionCount())
	}
	stats := h.Stats()
	if stats.DroppedSlow != 1 {
		t.Fatalf("expected 1 dropped slow consumer, got %d", stats.DroppedSlow)
	}

	_, ok := <-sub.Events() // buffered "a" is still readable after close
	if !ok {
		t.Fatal("expected buffered event to still be delivered")
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected channel to be closed after slow-consumer drop")
	}
}

func TestBroadcastBatchPreservesOrder(t *testing.T) {
	h := New(16, 16)
	sub := h.Subscribe(nil)

	h.BroadcastBatch([]any{"x", "y", "z"})

	for _, want := range []string{"x", "y", "z"} {
		e, ok := recv(t, sub, time.Second)
		if !ok || e.Payload != want {
			t.Fatalf("expected %q, got %+v ok=%v", want, e, ok)
		}
	}
}

func TestSubscriptionCountAndClose(t *testing.T) {
	h := New(16, 16)
	sub := h.Subscribe(nil)
	if h.SubscriptionCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.SubscriptionCount())
	}
	sub.Close()
	if h.SubscriptionCount() != 0 {
		t.Fatalf("expected 0 subscribers after close, got %d", h.SubscriptionCount())
	}
}

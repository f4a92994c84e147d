package gateway

import (
	"context"
	"testing"
	"time"

	"veloz/internal/broadcast"
	"veloz/pkg/types"
)

// TestEngineClientMirrorsMarketAndAccount feeds the client two canned
// NDJSON lines, as if an engine subprocess had emitted a market tick and
// an account snapshot, and checks both are mirrored for synchronous
// HTTP reads.
func TestEngineClientMirrorsMarketAndAccount(t *testing.T) {
	hub := broadcast.New(16, 16)
	script := `printf '{"type":"market","symbol":"X","best_bid":"10","best_ask":"11"}\n{"type":"account","cash":"100","positions":[]}\n'; sleep 5`
	client, err := NewEngineClient([]string{"sh", "-c", script}, hub, nil)
	if err != nil {
		t.Fatalf("NewEngineClient: %v", err)
	}
	defer client.Close(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := client.Market("X"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	m, ok := client.Market("X")
	if !ok {
		t.Fatal("expected market tick for symbol X to be mirrored")
	}
	if m["best_bid"] != "10" {
		t.Fatalf("expected best_bid 10, got %v", m["best_bid"])
	}

	acct := client.Account()
	if acct["cash"] != "100" {
		t.Fatalf("expected cash 100, got %v", acct["cash"])
	}
}

// TestEngineClientPlaceOrderFormatsBridgeGrammar verifies PlaceOrder
// emits the exact ORDER grammar line the engine's bridge.ParseCommand
// expects, by round-tripping it through a subprocess that echoes
// whatever line it reads back as a JSON event.
func TestEngineClientPlaceOrderFormatsBridgeGrammar(t *testing.T) {
	hub := broadcast.New(16, 16)
	script := `while read -r line; do printf '{"type":"echo","line":"%s"}\n' "$line"; done`
	client, err := NewEngineClient([]string{"sh", "-c", script}, hub, nil)
	if err != nil {
		t.Fatalf("NewEngineClient: %v", err)
	}
	defer client.Close(context.Background())

	sub := hub.Subscribe(nil)
	defer sub.Close()

	price := "50.25"
	if err := client.PlaceOrder(PlaceOrderRequest{
		ClientOrderID: "A1",
		Symbol:        "X",
		Side:          types.Buy,
		Qty:           "2",
		Price:         price,
	}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	select {
	case ev := <-sub.Events():
		payload := ev.Payload.(map[string]any)
		line, _ := payload["line"].(string)
		want := "ORDER BUY X 2 50.25 A1"
		if line != want {
			t.Fatalf("expected echoed line %q, got %q", want, line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed command")
	}
}

// TestEngineClientCancelOrderFormatsBridgeGrammar mirrors the place-order
// test for the CANCEL token.
func TestEngineClientCancelOrderFormatsBridgeGrammar(t *testing.T) {
	hub := broadcast.New(16, 16)
	script := `while read -r line; do printf '{"type":"echo","line":"%s"}\n' "$line"; done`
	client, err := NewEngineClient([]string{"sh", "-c", script}, hub, nil)
	if err != nil {
		t.Fatalf("NewEngineClient: %v", err)
	}
	defer client.Close(context.Background())

	sub := hub.Subscribe(nil)
	defer sub.Close()

	if err := client.CancelOrder("A1"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	select {
	case ev := <-sub.Events():
		payload := ev.Payload.(map[string]any)
		line, _ := payload["line"].(string)
		if line != "CANCEL A1" {
			t.Fatalf("expected 'CANCEL A1', got %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed command")
	}
}

// TestEngineClientOrderMirrorMergesFields checks that successive order
// events for the same client_order_id merge rather than overwrite.
func TestEngineClientOrderMirrorMergesFields(t *testing.T) {
	hub := broadcast.New(16, 16)
	lines := []string{
		`{"type":"order_accepted","client_order_id":"A1","venue_order_id":"V1"}`,
		`{"type":"order_state","client_order_id":"A1","status":"Filled","cum_qty":"1"}`,
	}
	script := "printf '" + lines[0] + "\\n'; printf '" + lines[1] + "\\n'; sleep 5"
	client, err := NewEngineClient([]string{"sh", "-c", script}, hub, nil)
	if err != nil {
		t.Fatalf("NewEngineClient: %v", err)
	}
	defer client.Close(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := client.OrderState("A1"); ok {
			if _, hasStatus := st["status"]; hasStatus {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}

	st, ok := client.OrderState("A1")
	if !ok {
		t.Fatal("expected order A1 to be mirrored")
	}
	if st["venue_order_id"] != "V1" {
		t.Fatalf("expected venue_order_id to persist from the first event, got %v", st["venue_order_id"])
	}
	if st["status"] != "Filled" {
		t.Fatalf("expected status Filled, got %v", st["status"])
	}
}

package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"veloz/internal/broadcast"
	"veloz/internal/config"
	"veloz/internal/errs"
	"veloz/internal/httpapi"
	"veloz/internal/metrics"
	"veloz/internal/ratelimit"
	"veloz/pkg/types"
)

// NewRouter builds the gateway's full route table and middleware chain,
// in the fixed order spec.md §4.11 requires: metrics, then CORS, then
// rate limiting, then auth, then audit logging, then the handler.
func NewRouter(client *EngineClient, hub *broadcast.Hub, cfg *config.GatewayConfig, reg *metrics.Registry, limiter *ratelimit.Limiter, logger *slog.Logger) *httpapi.Router {
	rt := httpapi.NewRouter(logger)

	rt.Use(httpapi.MetricsMiddleware(reg))
	rt.Use(httpapi.CORSMiddleware(cfg.CORSOrigin))
	rt.Use(httpapi.RateLimitMiddleware(limiter))
	rt.Use(httpapi.AuthMiddleware(rt, authenticator(cfg)))
	rt.Use(httpapi.AuditMiddleware(auditLogger(logger)))

	rt.MarkPublic("/health")
	rt.MarkPublic("/metrics")

	// Every handler but /api/stream gets the per-request deadline spec.md
	// §4.11 calls for; a long-lived SSE subscription must outlive it.
	deadline := httpapi.DeadlineMiddleware(30 * time.Second)
	bounded := func(h httpapi.Handler) httpapi.Handler { return deadline(h) }

	rt.Handle(http.MethodGet, "/health", bounded(handleHealth()))
	rt.Handle(http.MethodGet, "/api/health", bounded(handleAPIHealth(client)))
	rt.Handle(http.MethodGet, "/api/market", bounded(handleMarket(client)))
	rt.Handle(http.MethodGet, "/api/orders", bounded(handleOrders(client)))
	rt.Handle(http.MethodPost, "/api/order", bounded(handlePlaceOrder(client)))
	rt.Handle(http.MethodPost, "/api/cancel", bounded(handleCancelOrder(client)))
	rt.Handle(http.MethodGet, "/api/order_state", bounded(handleOrderState(client)))
	rt.Handle(http.MethodGet, "/api/stream", handleStream(hub, logger))
	rt.Handle(http.MethodGet, "/api/account", bounded(handleAccount(client)))
	rt.Handle(http.MethodGet, "/api/config", bounded(handleGetConfig(cfg)))
	rt.Handle(http.MethodPost, "/api/config", bounded(handlePostConfig(limiter)))
	rt.Handle(http.MethodGet, "/metrics", bounded(handleMetrics(reg)))

	return rt
}

// authenticator implements a shared-secret bearer check: the gateway
// accepts any Authorization token that matches cfg.JWTSecret in constant
// time. VeloZ has no multi-user session model in scope (spec.md §9 does
// not specify one), so a single shared operator credential stands in for
// the full JWT issuance flow a production deployment would add.
func authenticator(cfg *config.GatewayConfig) httpapi.Authenticator {
	return func(token string) (httpapi.AuthInfo, bool) {
		if cfg.JWTSecret == "" {
			return httpapi.AuthInfo{Subject: "dev", IsAdmin: true}, true
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.JWTSecret)) == 1 {
			return httpapi.AuthInfo{Subject: "operator", IsAdmin: true}, true
		}
		return httpapi.AuthInfo{}, false
	}
}

func auditLogger(logger *slog.Logger) httpapi.AuditLogger {
	return func(r *http.Request, status int) {
		logger.Info("http request", "method", r.Method, "path", r.URL.Path, "status", status, "remote", r.RemoteAddr)
	}
}

func handleHealth() httpapi.Handler {
	return func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, map[string]any{"ok": true})
	}
}

func handleAPIHealth(client *EngineClient) httpapi.Handler {
	return func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, map[string]any{
			"ok":               true,
			"engine_connected": client.Healthy(),
			"time":             time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func handleMarket(client *EngineClient) httpapi.Handler {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			httpapi.WriteError(w, errs.New(errs.InvalidInput, "symbol query parameter is required"), http.StatusBadRequest)
			return
		}
		m, ok := client.Market(symbol)
		if !ok {
			httpapi.WriteError(w, errs.New(errs.NotFound, "no market data yet for "+symbol), http.StatusNotFound)
			return
		}
		httpapi.WriteJSON(w, m)
	}
}

func handleOrders(client *EngineClient) httpapi.Handler {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		httpapi.WriteJSON(w, map[string]any{"orders": client.ListOrders(status)})
	}
}

type placeOrderBody struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	Price         string `json:"price"`
}

func handlePlaceOrder(client *EngineClient) httpapi.Handler {
	return func(w http.ResponseWriter, r *http.Request) {
		var body placeOrderBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpapi.WriteError(w, errs.New(errs.InvalidInput, "invalid JSON body"), http.StatusBadRequest)
			return
		}
		if body.ClientOrderID == "" || body.Symbol == "" || body.Qty == "" {
			httpapi.WriteError(w, errs.New(errs.InvalidInput, "client_order_id, symbol, and qty are required"), http.StatusBadRequest)
			return
		}
		side := types.Buy
		switch body.Side {
		case "Buy", "BUY", "buy":
			side = types.Buy
		case "Sell", "SELL", "sell":
			side = types.Sell
		default:
			httpapi.WriteError(w, errs.New(errs.InvalidInput, "side must be Buy or Sell"), http.StatusBadRequest)
			return
		}

		req := PlaceOrderRequest{
			ClientOrderID: body.ClientOrderID,
			Symbol:        body.Symbol,
			Side:          side,
			Qty:           body.Qty,
			Price:         body.Price,
		}
		if err := client.PlaceOrder(req); err != nil {
			httpapi.WriteError(w, errs.Wrap(errs.Internal, "failed to reach engine", err), http.StatusInternalServerError)
			return
		}
		httpapi.WriteJSON(w, map[string]any{"client_order_id": body.ClientOrderID, "accepted": true})
	}
}

type cancelOrderBody struct {
	ClientOrderID string `json:"client_order_id"`
}

func handleCancelOrder(client *EngineClient) httpapi.Handler {
	return func(w http.ResponseWriter, r *http.Request) {
		var body cancelOrderBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ClientOrderID == "" {
			httpapi.WriteError(w, errs.New(errs.InvalidInput, "client_order_id is required"), http.StatusBadRequest)
			return
		}
		if err := client.CancelOrder(body.ClientOrderID); err != nil {
			httpapi.WriteError(w, errs.Wrap(errs.Internal, "failed to reach engine", err), http.StatusInternalServerError)
			return
		}
		httpapi.WriteJSON(w, map[string]any{"client_order_id": body.ClientOrderID, "cancel_requested": true})
	}
}

func handleOrderState(client *EngineClient) httpapi.Handler {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			httpapi.WriteError(w, errs.New(errs.InvalidInput, "id query parameter is required"), http.StatusBadRequest)
			return
		}
		st, ok := client.OrderState(id)
		if !ok {
			httpapi.WriteError(w, errs.New(errs.NotFound, "no such order: "+id), http.StatusNotFound)
			return
		}
		httpapi.WriteJSON(w, st)
	}
}

// handleStream serves /api/stream: a long-lived SSE response honoring
// Last-Event-ID for replay, per spec.md §4.11. It deliberately bypasses
// the Server's fixed read/write timeouts by flushing per-event instead
// of buffering a single response body.
func handleStream(hub *broadcast.Hub, logger *slog.Logger) httpapi.Handler {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpapi.WriteError(w, errs.New(errs.Internal, "streaming unsupported"), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		var lastID *uint64
		if raw := r.Header.Get("Last-Event-ID"); raw != "" {
			if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
				lastID = &id
			}
		}

		sub := hub.Subscribe(lastID)
		defer sub.Close()

		if sub.ReplayGap() {
			fmt.Fprintf(w, "event: error\ndata: {\"reason\":\"replay_gap\"}\n\n")
			flusher.Flush()
		}

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				payload, err := json.Marshal(ev.Payload)
				if err != nil {
					logger.Error("sse payload marshal failed", "error", err)
					continue
				}
				fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, payload)
				flusher.Flush()
			}
		}
	}
}

func handleAccount(client *EngineClient) httpapi.Handler {
	return func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, client.Account())
	}
}

func handleGetConfig(cfg *config.GatewayConfig) httpapi.Handler {
	return func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, map[string]any{
			"host":             cfg.Host,
			"port":             cfg.Port,
			"cors_origin":      cfg.CORSOrigin,
			"rate_limit":       map[string]any{"capacity": cfg.RateLimit.Capacity, "refill_per_second": cfg.RateLimit.RefillPerSecond},
			"broadcast":        map[string]any{"history_size": cfg.Broadcast.HistorySize, "subscriber_buffer_len": cfg.Broadcast.SubscriberBufferLen},
		})
	}
}

type configUpdateBody struct {
	Route      string  `json:"route"`
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_per_second"`
}

// handlePostConfig applies a live per-route rate limit override — the
// one piece of gateway configuration that's both safe to mutate at
// runtime and already exposed by ratelimit.Limiter.SetRouteOverride.
// Everything else in GatewayConfig (host, port, engine_command, TLS/auth
// secrets) requires a process restart and is read-only via this
// endpoint, per the Open Question decision in DESIGN.md.
func handlePostConfig(limiter *ratelimit.Limiter) httpapi.Handler {
	return func(w http.ResponseWriter, r *http.Request) {
		var body configUpdateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Route == "" {
			httpapi.WriteError(w, errs.New(errs.InvalidInput, "route, capacity, and refill_per_second are required"), http.StatusBadRequest)
			return
		}
		if body.Capacity <= 0 || body.RefillRate <= 0 {
			httpapi.WriteError(w, errs.New(errs.InvalidInput, "capacity and refill_per_second must be > 0"), http.StatusBadRequest)
			return
		}
		limiter.SetRouteOverride(body.Route, ratelimit.RouteOverride{Capacity: body.Capacity, RefillRate: body.RefillRate})
		httpapi.WriteJSON(w, map[string]any{"updated": body.Route})
	}
}

func handleMetrics(reg *metrics.Registry) httpapi.Handler {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(reg.WriteExposition()))
	}
}

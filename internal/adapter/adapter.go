// Package adapter implements the venue-agnostic execution adapter
// contract (C7): place/cancel/subscribe_reports against a chosen venue
// variant, with idempotent re-placement and retryable venue errors
// translated into a finite RejectKind set. It is grounded on the
// corpus's resty REST client (retry/backoff, rate-limited requests,
// auth headers) and WebSocket feed (reconnect-with-backoff, typed
// envelope dispatch) generalized from a single Polymarket client into
// a Simulator plus pluggable Exchange variants.
package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"veloz/internal/errs"
	"veloz/pkg/types"
)

// RejectKind is the finite set of venue rejection reasons an adapter
// can surface, per spec.md §4.6.
type RejectKind int

const (
	InvalidSymbol RejectKind = iota
	InvalidQty
	InvalidPrice
	InsufficientFunds
	RateLimited
	VenueDown
	DuplicateID
	Other
)

func (k RejectKind) String() string {
	switch k {
	case InvalidSymbol:
		return "InvalidSymbol"
	case InvalidQty:
		return "InvalidQty"
	case InvalidPrice:
		return "InvalidPrice"
	case InsufficientFunds:
		return "InsufficientFunds"
	case RateLimited:
		return "RateLimited"
	case VenueDown:
		return "VenueDown"
	case DuplicateID:
		return "DuplicateId"
	case Other:
		return "Other"
	default:
		return "Unknown"
	}
}

// Retryable reports whether the adapter's own retry loop should back
// off and retry this rejection, per spec.md §4.6: only RateLimited and
// VenueDown are retryable, everything else is terminal.
func (k RejectKind) Retryable() bool {
	return k == RateLimited || k == VenueDown
}

// Reject is a venue rejection of a place or cancel request.
type Reject struct {
	Kind RejectKind
	Code string
	Msg  string
}

func (r *Reject) Error() string { return r.Kind.String() + ": " + r.Msg }

// Ack is the venue's acceptance of a place or cancel request.
type Ack struct {
	ClientOrderID string
	VenueOrderID  string
	Reason        string // e.g. "already_canceled" for a no-op duplicate cancel
}

// ReportCallback receives execution reports pushed by the venue's
// subscription feed.
type ReportCallback func(types.ExecutionReport)

// SubscriptionHandle cancels a subscribe_reports callback registration.
type SubscriptionHandle interface {
	Unsubscribe()
}

// Adapter is the capability set every execution-adapter variant
// implements, per spec.md §4.6 and the "dynamic dispatch" design note
// in §9: a small stable interface rather than a class hierarchy.
type Adapter interface {
	Place(ctx context.Context, req types.OrderRequest) (Ack, error)
	Cancel(ctx context.Context, clientOrderID string) (Ack, error)
	SubscribeReports(cb ReportCallback) SubscriptionHandle
	Name() string
}

// BackoffPolicy is the shared exponential-with-full-jitter retry
// schedule for retryable rejects, per spec.md §4.6: base 100ms, factor
// 2, cap 30s, full jitter.
type BackoffPolicy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

// DefaultBackoff is the policy named in spec.md §4.6.
var DefaultBackoff = BackoffPolicy{Base: 100 * time.Millisecond, Factor: 2, Cap: 30 * time.Second}

// Delay returns the full-jitter delay for the given 0-indexed attempt:
// jitter applied to the bound min(cap, base*factor^attempt), or 0 when
// that bound is not positive. With the Exchange's fullJitter the result
// is a uniform random duration in [0, bound).
func (p BackoffPolicy) Delay(attempt int, jitter func(n time.Duration) time.Duration) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
	}
	cap := float64(p.Cap)
	if d > cap {
		d = cap
	}
	upper := time.Duration(d)
	if upper <= 0 {
		return 0
	}
	return jitter(upper)
}

// idempotencyEntry caches a prior Ack for a client_order_id so a
// re-placed request on an already-accepted or still-open order returns
// the original Ack rather than submitting a duplicate, per spec.md
// §4.6 and §7 ("Duplicate place with a live id returns 200 with the
// original ack").
type idempotencyEntry struct {
	ack     Ack
	expires time.Time
}

// idempotencyCache is a bounded, TTL-evicting map of recently seen
// client order ids, grounded on the exchange client's rate-limiter
// bucket-map eviction discipline generalized to ack caching.
type idempotencyCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]idempotencyEntry
}

func newIdempotencyCache(ttl time.Duration) *idempotencyCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &idempotencyCache{ttl: ttl, m: make(map[string]idempotencyEntry)}
}

func (c *idempotencyCache) get(clientOrderID string) (Ack, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[clientOrderID]
	if !ok || time.Now().After(e.expires) {
		return Ack{}, false
	}
	return e.ack, true
}

func (c *idempotencyCache) put(clientOrderID string, ack Ack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[clientOrderID] = idempotencyEntry{ack: ack, expires: time.Now().Add(c.ttl)}
	c.sweepLocked()
}

// sweepLocked evicts expired entries; called opportunistically on
// write so the map never grows unbounded across a long session.
func (c *idempotencyCache) sweepLocked() {
	now := time.Now()
	for k, e := range c.m {
		if now.After(e.expires) {
			delete(c.m, k)
		}
	}
}

func (c *idempotencyCache) forget(clientOrderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, clientOrderID)
}

// toErr wraps a Reject in the errs.VenueReject kind the rest of the
// engine's error propagation policy expects.
func toErr(rej *Reject) error {
	return errs.Wrap(errs.VenueReject, rej.Kind.String(), rej)
}

// validateRequest performs the cheap structural checks every adapter
// variant applies before touching the network, so InvalidQty/
// InvalidPrice rejects never require a round trip.
func validateRequest(req types.OrderRequest) *Reject {
	if req.Symbol == "" {
		return &Reject{Kind: InvalidSymbol, Msg: "symbol is required"}
	}
	if req.OrderQty.LessThanOrEqual(decimal.Zero) {
		return &Reject{Kind: InvalidQty, Msg: "order_qty must be > 0"}
	}
	if req.Type != types.Market && req.LimitPrice == nil {
		return &Reject{Kind: InvalidPrice, Msg: "limit_price is required for non-market orders"}
	}
	if req.LimitPrice != nil && req.LimitPrice.LessThanOrEqual(decimal.Zero) {
		return &Reject{Kind: InvalidPrice, Msg: "limit_price must be > 0"}
	}
	return nil
}

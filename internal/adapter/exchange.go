package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"veloz/pkg/types"
)

// Exchange is a REST-backed execution adapter for a named venue
// ("exchange_a", "exchange_b", ...). It wraps a resty client with
// retry/backoff, HMAC request signing, and an idempotency cache,
// directly grounded on the corpus's CLOB REST client (client.go) and
// its HMAC auth layer (auth.go).
type Exchange struct {
	venue     string
	http      *resty.Client
	apiKey    string
	apiSecret string
	wallet    *WalletSigner
	idemp     *idempotencyCache
	backoff   BackoffPolicy
	rng       *rand.Rand
	rngMu     sync.Mutex
	logger    *slog.Logger

	feed *VenueFeed

	mu          sync.Mutex
	subscribers map[int]ReportCallback
	nextSubID   int
}

// ExchangeOpts configures an Exchange adapter. A venue with a non-empty
// PrivateKey signs order placement requests with an EIP-712 wallet signature
// (WalletSigner) instead of the HMAC API-key scheme; WSURL, if set,
// starts a background report feed (see feed.go) once ConnectFeed runs.
type ExchangeOpts struct {
	Venue          string
	BaseURL        string
	WSURL          string
	APIKey         string
	APISecret      string
	PrivateKey     string
	ChainID        int64
	RequestTimeout time.Duration
	IdempotencyTTL time.Duration
	Logger         *slog.Logger
}

// NewExchange creates a REST execution adapter for one venue variant.
// The HTTP client retries 5xx and network errors per resty's own
// retry loop (bounded, short); venue-level RateLimited/VenueDown
// rejects are retried by Place itself using BackoffPolicy, since those
// carry semantic meaning (§4.6) that a transport-level retry does not.
func NewExchange(opts ExchangeOpts) *Exchange {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	var wallet *WalletSigner
	if opts.PrivateKey != "" {
		chainID := opts.ChainID
		if chainID == 0 {
			chainID = 137
		}
		w, err := NewWalletSigner(opts.PrivateKey, chainID)
		if err != nil {
			logger.Error("failed to derive wallet signer, falling back to HMAC", "error", err)
		} else {
			wallet = w
		}
	}

	ex := &Exchange{
		venue:       opts.Venue,
		http:        httpClient,
		apiKey:      opts.APIKey,
		apiSecret:   opts.APISecret,
		wallet:      wallet,
		idemp:       newIdempotencyCache(opts.IdempotencyTTL),
		backoff:     DefaultBackoff,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:      logger.With("component", "adapter", "venue", opts.Venue),
		subscribers: make(map[int]ReportCallback),
	}
	if opts.WSURL != "" {
		ex.feed = NewVenueFeed(opts.WSURL, ex.logger)
	}
	return ex
}

// ConnectFeed starts the venue's report WebSocket feed in the
// background, if one was configured via ExchangeOpts.WSURL. It returns
// immediately; the feed reconnects on its own per feed.go's backoff
// loop until ctx is canceled.
func (e *Exchange) ConnectFeed(ctx context.Context) {
	if e.feed == nil {
		return
	}
	e.feed.Run(ctx, e.PushReport)
}

func (e *Exchange) Name() string { return e.venue }

// signHeaders builds HMAC-SHA256 request-signing headers over
// "timestamp+method+path+body", mirroring the corpus's L2Headers
// scheme but keyed by a generic API key/secret pair rather than an
// EIP-712 wallet, so the same adapter shape serves any REST venue.
func (e *Exchange) signHeaders(method, path, body string) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(e.apiSecret))
	mac.Write([]byte(ts + method + path + body))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return map[string]string{
		"X-API-KEY":   e.apiKey,
		"X-TIMESTAMP": ts,
		"X-SIGNATURE": sig,
	}
}

type placeRequestBody struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderQty      string `json:"order_qty"`
	LimitPrice    string `json:"limit_price,omitempty"`
	Type          string `json:"type"`
	TIF           string `json:"tif,omitempty"`
}

type placeResponseBody struct {
	VenueOrderID string `json:"venue_order_id"`
	Error        *struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error,omitempty"`
}

// Place submits an order, retrying retryable rejects with full-jitter
// exponential backoff up to maxAttempts, per spec.md §4.6.
func (e *Exchange) Place(ctx context.Context, req types.OrderRequest) (Ack, error) {
	if rej := validateRequest(req); rej != nil {
		return Ack{}, toErr(rej)
	}
	if ack, ok := e.idemp.get(req.ClientOrderID); ok {
		return ack, nil
	}

	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ack, err := e.placeOnce(ctx, req)
		if err == nil {
			e.idemp.put(req.ClientOrderID, ack)
			return ack, nil
		}
		lastErr = err
		var rej *Reject
		if !asReject(err, &rej) || !rej.Kind.Retryable() {
			return Ack{}, err
		}
		delay := e.backoff.Delay(attempt, e.fullJitter)
		select {
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return Ack{}, lastErr
}

func (e *Exchange) placeOnce(ctx context.Context, req types.OrderRequest) (Ack, error) {
	body := placeRequestBody{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		OrderQty:      req.OrderQty.String(),
		Type:          string(req.Type),
		TIF:           string(req.TIF),
	}
	if req.LimitPrice != nil {
		body.LimitPrice = req.LimitPrice.String()
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Ack{}, toErr(&Reject{Kind: Other, Msg: "marshal place request: " + err.Error()})
	}

	var headers map[string]string
	if e.wallet != nil {
		headers, err = e.wallet.SignOrder(req.ClientOrderID, req.Symbol, string(req.Side), req.OrderQty.String())
		if err != nil {
			return Ack{}, toErr(&Reject{Kind: Other, Msg: "sign order: " + err.Error()})
		}
	} else {
		headers = e.signHeaders(http.MethodPost, "/orders", string(raw))
	}

	var result placeResponseBody
	resp, err := e.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(raw).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return Ack{}, toErr(&Reject{Kind: VenueDown, Msg: err.Error()})
	}
	if rej := e.classifyStatus(resp.StatusCode(), result.Error); rej != nil {
		return Ack{}, toErr(rej)
	}
	return Ack{ClientOrderID: req.ClientOrderID, VenueOrderID: result.VenueOrderID}, nil
}

type cancelResponseBody struct {
	AlreadyCanceled bool `json:"already_canceled"`
	Error           *struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error,omitempty"`
}

func (e *Exchange) Cancel(ctx context.Context, clientOrderID string) (Ack, error) {
	prior, known := e.idemp.get(clientOrderID)
	path := fmt.Sprintf("/orders/%s", clientOrderID)
	headers := e.signHeaders(http.MethodDelete, path, "")

	var result cancelResponseBody
	resp, err := e.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete(path)
	if err != nil {
		return Ack{}, toErr(&Reject{Kind: VenueDown, Msg: err.Error()})
	}
	if rej := e.classifyStatus(resp.StatusCode(), result.Error); rej != nil {
		return Ack{}, toErr(rej)
	}

	ack := Ack{ClientOrderID: clientOrderID}
	if known {
		ack.VenueOrderID = prior.VenueOrderID
	}
	if result.AlreadyCanceled {
		ack.Reason = "already_canceled"
	}
	return ack, nil
}

func (e *Exchange) classifyStatus(status int, venueErr *struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}) *Reject {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := http.StatusText(status)
	code := ""
	if venueErr != nil {
		code = venueErr.Code
		msg = venueErr.Msg
	}
	switch {
	case status == 429:
		return &Reject{Kind: RateLimited, Code: code, Msg: msg}
	case status >= 500:
		return &Reject{Kind: VenueDown, Code: code, Msg: msg}
	case status == 409:
		return &Reject{Kind: DuplicateID, Code: code, Msg: msg}
	case status == 402 || status == 403:
		return &Reject{Kind: InsufficientFunds, Code: code, Msg: msg}
	case status == 400:
		return &Reject{Kind: Other, Code: code, Msg: msg}
	default:
		return &Reject{Kind: Other, Code: code, Msg: msg}
	}
}

// fullJitter draws a uniform random duration in [0, upper), grounded
// on the backoff shape used by the corpus's WebSocket reconnect loop
// (exponential with a cap) extended with full jitter per spec.md §4.6.
func (e *Exchange) fullJitter(upper time.Duration) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	if upper <= 0 {
		return 0
	}
	return time.Duration(e.rng.Int63n(int64(upper)))
}

// SubscribeReports registers a callback invoked by the venue's report
// feed. Reports arrive via PushReport, called either by the WebSocket
// feed started through ConnectFeed or, for venues with no WSURL
// configured, by whatever polls the venue out-of-band.
func (e *Exchange) SubscribeReports(cb ReportCallback) SubscriptionHandle {
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = cb
	e.mu.Unlock()
	return &exchangeHandle{ex: e, id: id}
}

// PushReport delivers one execution report to all subscribers, called
// by the venue's feed-reading goroutine once a report is parsed.
func (e *Exchange) PushReport(report types.ExecutionReport) {
	e.mu.Lock()
	cbs := make([]ReportCallback, 0, len(e.subscribers))
	for _, cb := range e.subscribers {
		cbs = append(cbs, cb)
	}
	e.mu.Unlock()
	for _, cb := range cbs {
		cb(report)
	}
}

type exchangeHandle struct {
	ex *Exchange
	id int
}

func (h *exchangeHandle) Unsubscribe() {
	h.ex.mu.Lock()
	delete(h.ex.subscribers, h.id)
	h.ex.mu.Unlock()
}

// asReject extracts a *Reject from err's cause chain, if present.
func asReject(err error, target **Reject) bool {
	for err != nil {
		if r, ok := err.(*Reject); ok {
			*target = r
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

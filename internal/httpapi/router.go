// Package httpapi is the gateway's HTTP request dispatcher: an
// exact-segment route table (no regex), method/405/OPTIONS lookup
// semantics, and a fixed middleware chain. It is grounded on the
// dashboard API server's slog-injected *http.Server lifecycle and
// graceful Shutdown, with routing generalized from a flat ServeMux to
// segment-exact pattern matching with named parameters.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"veloz/internal/errs"
)

// Handler is a route's terminal function. Parameters extracted from
// {name} segments are available via ParamsFromContext.
type Handler func(w http.ResponseWriter, r *http.Request)

type paramsKey struct{}

// ParamsFromContext returns the path parameters matched for this
// request, or an empty map if none.
func ParamsFromContext(ctx context.Context) map[string]string {
	if p, ok := ctx.Value(paramsKey{}).(map[string]string); ok {
		return p
	}
	return map[string]string{}
}

type route struct {
	method  string
	segments []segment
	handler Handler
}

type segment struct {
	literal string
	isParam bool
}

func compilePattern(pattern string) []segment {
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			segs = append(segs, segment{literal: strings.Trim(p, "{}"), isParam: true})
		} else {
			segs = append(segs, segment{literal: p})
		}
	}
	return segs
}

func matchRoute(r route, pathSegments []string) (map[string]string, bool) {
	if len(r.segments) != len(pathSegments) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range r.segments {
		if seg.isParam {
			params[seg.literal] = pathSegments[i]
			continue
		}
		if seg.literal != pathSegments[i] {
			return nil, false
		}
	}
	return params, true
}

// Router is the exact-segment route table plus fixed middleware chain.
// The zero value is not usable; use NewRouter.
type Router struct {
	routes      []route
	publicPaths map[string]bool
	middleware  []Middleware
	logger      *slog.Logger
}

// Middleware wraps a Handler, returning the handler that runs in its
// place. The returned handler short-circuits by writing a response itself
// and not calling next.
type Middleware func(next Handler) Handler

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{publicPaths: make(map[string]bool), logger: logger}
}

// Handle registers a route for method+pattern. pattern segments may be
// literal or {name} parameters.
func (rt *Router) Handle(method, pattern string, h Handler) {
	rt.routes = append(rt.routes, route{method: method, segments: compilePattern(pattern), handler: h})
}

// Use appends a middleware to the chain, applied in registration order:
// the first Use call is outermost.
func (rt *Router) Use(mw Middleware) {
	rt.middleware = append(rt.middleware, mw)
}

// MarkPublic exempts pattern from auth middleware (the auth middleware
// itself is expected to consult this via IsPublic).
func (rt *Router) MarkPublic(pattern string) {
	rt.publicPaths[pattern] = true
}

// IsPublic reports whether pattern was marked public.
func (rt *Router) IsPublic(pattern string) bool {
	return rt.publicPaths[pattern]
}

// ServeHTTP implements the lookup order: exact method on exact path;
// on miss, check whether the path matches under any method (405); on
// miss, 404. OPTIONS on a known path returns 200 with Allow listing
// methods plus OPTIONS; 405 responses carry the same Allow header.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pathSegments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	var matchedAnyMethod []string
	var exact *route
	var exactParams map[string]string

	for i := range rt.routes {
		cand := rt.routes[i]
		params, ok := matchRoute(cand, pathSegments)
		if !ok {
			continue
		}
		matchedAnyMethod = append(matchedAnyMethod, cand.method)
		if cand.method == r.Method {
			exact = &rt.routes[i]
			exactParams = params
		}
	}

	if r.Method == http.MethodOptions && len(matchedAnyMethod) > 0 {
		allow := append(matchedAnyMethod, http.MethodOptions)
		w.Header().Set("Allow", strings.Join(allow, ", "))
		w.WriteHeader(http.StatusOK)
		return
	}

	if exact == nil {
		if len(matchedAnyMethod) > 0 {
			w.Header().Set("Allow", strings.Join(matchedAnyMethod, ", "))
			WriteError(w, errs.New(errs.InvalidInput, "method not allowed"), http.StatusMethodNotAllowed)
			return
		}
		WriteError(w, errs.New(errs.NotFound, "no such route"), http.StatusNotFound)
		return
	}

	ctx := context.WithValue(r.Context(), paramsKey{}, exactParams)
	r = r.WithContext(ctx)

	final := exact.handler
	chain := rt.buildChain(final)
	rt.safeInvoke(chain, w, r)
}

func (rt *Router) buildChain(final Handler) Handler {
	h := final
	for i := len(rt.middleware) - 1; i >= 0; i-- {
		mw := rt.middleware[i]
		next := h
		h = mw(next)
	}
	return h
}

// safeInvoke ensures every handler result ends with a response sent or a
// fatal panic converted to a logged 500.
func (rt *Router) safeInvoke(h Handler, w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			if rt.logger != nil {
				rt.logger.Error("handler panic", "error", fmt.Sprint(rec), "path", r.URL.Path)
			}
			WriteError(w, errs.New(errs.Internal, "internal error"), http.StatusInternalServerError)
		}
	}()
	h(w, r)
}

// WriteError writes the standard {"error":"<kind>","message":"..."}
// body with the given status.
func WriteError(w http.ResponseWriter, err *errs.Error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   err.Kind.String(),
		"message": err.Message,
	})
}

// WriteJSON writes v as a 200 JSON response.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Server wraps a Router in an *http.Server with the same start/graceful-
// stop lifecycle shape used across the corpus's HTTP servers.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, router *Router, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: router,
			// No WriteTimeout: /api/stream holds its response open for the
			// life of an SSE subscription. ReadHeaderTimeout bounds only the
			// request-line/header phase, not long-lived handlers.
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Start runs the server until Stop is called or a fatal listener error
// occurs.
func (s *Server) Start() error {
	if s.logger != nil {
		s.logger.Info("gateway http server starting", "addr", s.httpServer.Addr)
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down within a bounded deadline.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

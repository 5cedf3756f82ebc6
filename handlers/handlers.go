// Package handlers serves the portal's HTTP API: streamed chat over three
// transports, session teardown, and forwarding to the upstream REST API.
package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"solar_portal/auth"
	"solar_portal/backend"
	"solar_portal/tracing"
)

// ForwardedPrefixes are the upstream API routes passed through unchanged.
var ForwardedPrefixes = []string{
	"/api/systems",
	"/api/metrics",
	"/api/forecast",
	"/api/weather",
	"/api/products",
	"/api/tool-settings",
}

// Deps holds shared dependencies injected into handlers.
type Deps struct {
	Backend backend.Backend

	// Auth wraps every protected route.
	Auth func(http.Handler) http.Handler

	// Login serves POST /auth/login: a local token issuer or a forwarder
	// to the upstream auth API.
	Login http.Handler

	// Upstream forwards ForwardedPrefixes. Nil leaves them unrouted.
	Upstream *Forwarder

	// Traces keeps recent turn traces, listed for admins under
	// /api/chat/traces. Nil disables tracing.
	Traces *tracing.Store

	// AllowedOrigins lists extra origins accepted on the WebSocket
	// handshake. Same-origin requests are always accepted.
	AllowedOrigins []string

	Log *zap.Logger
}

// RegisterRoutes registers every portal route on mux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Auth == nil {
		deps.Auth = func(h http.Handler) http.Handler { return h }
	}

	c := &chatHandler{
		backend:  deps.Backend,
		traces:   deps.Traces,
		log:      deps.Log,
		upgrader: newUpgrader(deps.AllowedOrigins),
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "provider": deps.Backend.Name()})
	})
	if deps.Login != nil {
		mux.Handle("POST /auth/login", deps.Login)
	}
	mux.Handle("GET /auth/me", deps.Auth(auth.MeHandler()))

	mux.Handle("POST /api/chat", deps.Auth(http.HandlerFunc(c.stream)))
	mux.Handle("POST /api/chat/events", deps.Auth(http.HandlerFunc(c.events)))
	mux.Handle("GET /api/chat/ws", deps.Auth(http.HandlerFunc(c.socket)))
	mux.Handle("DELETE /api/chat/session/{id}", deps.Auth(http.HandlerFunc(c.endSession)))

	if deps.Traces != nil {
		t := &traceHandler{store: deps.Traces}
		mux.Handle("GET /api/chat/traces", deps.Auth(adminOnly(http.HandlerFunc(t.list))))
		mux.Handle("GET /api/chat/traces/{id}", deps.Auth(adminOnly(http.HandlerFunc(t.get))))
	}

	if deps.Upstream != nil {
		fwd := deps.Auth(deps.Upstream)
		for _, prefix := range ForwardedPrefixes {
			mux.Handle(prefix, fwd)
			mux.Handle(prefix+"/", fwd)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

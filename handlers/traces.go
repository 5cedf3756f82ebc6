package handlers

import (
	"net/http"
	"strconv"

	"solar_portal/auth"
	"solar_portal/tracing"
)

const (
	defaultTraceLimit = 50
	adminRole         = "admin"
)

type traceHandler struct {
	store *tracing.Store
}

// list handles GET /api/chat/traces?limit=N, newest first.
func (t *traceHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := defaultTraceLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": t.store.List(limit)})
}

// get handles GET /api/chat/traces/{id}.
func (t *traceHandler) get(w http.ResponseWriter, r *http.Request) {
	tr := t.store.Get(r.PathValue("id"))
	if tr == nil {
		writeJSONError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := auth.UserFromContext(r.Context()); u == nil || u.Role != adminRole {
			writeJSONError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

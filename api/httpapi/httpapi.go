package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	wsadapter "meritkit/adapters/websocket"
	"meritkit/core"
	"meritkit/engine"
	"meritkit/leaderboard"
	"meritkit/realtime"
	"meritkit/rules"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
}

// Deps are the wired collaborators behind the API.
type Deps struct {
	Engine *engine.Engine
	Ranker *leaderboard.Ranker
	// Hub, if non-nil, exposes the WebSocket outcome stream.
	Hub *realtime.Hub
	// Queue, if non-nil, switches event ingestion to async (202 Accepted).
	Queue engine.Queue
	// Rules, if non-nil, exposes the admin reload route.
	Rules *rules.Store
}

// eventRequest is the wire form of an ingested event.
type eventRequest struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	UserID     string         `json:"user_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// NewMux builds an http.Handler exposing the REST API and WebSocket stream.
// Routes:
//   - POST {prefix}/events
//   - GET  {prefix}/users/{id}
//   - GET  {prefix}/users/{id}/history
//   - GET  {prefix}/leaderboard?metric=points&category=xp&range=weekly
//   - POST {prefix}/rules/reload
//   - GET  {prefix}/healthz
//   - WS   {prefix}/ws
func NewMux(deps Deps, opts Options) http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc(withPrefix(opts.PathPrefix, "/healthz"), func(w http.ResponseWriter, r *http.Request) {
		healthCheck(w, r, deps.Engine)
	})

	// WebSocket outcome stream
	if deps.Hub != nil {
		mux.Handle(withPrefix(opts.PathPrefix, "/ws"), wsadapter.Handler(deps.Hub))
	}

	// Event ingestion
	mux.HandleFunc(withPrefix(opts.PathPrefix, "/events"), func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", nil)
			return
		}
		handleIngest(w, r, deps)
	})

	// Leaderboards
	mux.HandleFunc(withPrefix(opts.PathPrefix, "/leaderboard"), func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required", nil)
			return
		}
		handleLeaderboard(w, r, deps.Ranker)
	})

	// Rule definitions admin
	if deps.Rules != nil {
		mux.HandleFunc(withPrefix(opts.PathPrefix, "/rules/reload"), func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", nil)
				return
			}
			if err := deps.Rules.Reload(); err != nil {
				writeError(w, http.StatusUnprocessableEntity, "invalid_definitions", err.Error(), nil)
				return
			}
			writeJSON(w, map[string]any{"ok": true})
		})
	}

	// Users API
	mux.HandleFunc(withPrefix(opts.PathPrefix, "/users/"), func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, opts.PathPrefix)
		if path == "" || path[0] != '/' {
			path = "/" + path
		}
		parts := split(path, '/')
		if len(parts) < 2 {
			writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
			return
		}
		user, err := core.NormalizeUserID(core.UserID(parts[1]))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
			return
		}
		if len(parts) >= 3 && parts[2] == "history" {
			handleHistory(w, r, deps.Engine, user)
			return
		}
		if len(parts) == 2 {
			st, err := deps.Engine.GetUserState(r.Context(), user)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
				return
			}
			writeJSON(w, st)
			return
		}
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	})

	var handler http.Handler = mux
	if opts.AllowCORSOrigin != "" {
		handler = withCORS(handler, opts.AllowCORSOrigin)
	}
	if len(opts.APIKeys) > 0 {
		handler = withAPIKeyAuth(handler, opts.APIKeys)
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		handler = withRateLimit(handler, opts.RateLimitRPM, opts.RateLimitBurst)
	}
	return handler
}

func handleIngest(w http.ResponseWriter, r *http.Request, deps Deps) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body", nil)
		return
	}
	ev, err := core.NewEvent(req.ID, core.EventType(req.Type), core.UserID(req.UserID), req.OccurredAt, req.Attributes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error(), nil)
		return
	}

	if deps.Queue != nil {
		if err := deps.Queue.Enqueue(r.Context(), ev); err != nil {
			writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error(), nil)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true, "event_id": ev.ID})
		return
	}

	outcomes, err := deps.Engine.EvaluateEvent(r.Context(), ev)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateEvent) {
			writeError(w, http.StatusConflict, "duplicate_event", err.Error(), nil)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error(), nil)
		return
	}
	if outcomes == nil {
		outcomes = []core.HistoryEntry{}
	}
	writeJSON(w, map[string]any{"event_id": ev.ID, "outcomes": outcomes})
}

func handleHistory(w http.ResponseWriter, r *http.Request, eng *engine.Engine, user core.UserID) {
	q := r.URL.Query()
	filter := core.HistoryFilter{
		RewardKind:  core.RewardKind(q.Get("kind")),
		OnlySuccess: q.Get("success") == "true",
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC3339", nil)
			return
		}
		filter.From = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC3339", nil)
			return
		}
		filter.To = ts
	}
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}

	entries, total, err := eng.GetRewardHistory(r.Context(), user, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	if entries == nil {
		entries = []core.HistoryEntry{}
	}
	writeJSON(w, map[string]any{
		"entries": entries,
		"total":   total,
		"offset":  filter.Offset,
		"limit":   filter.Limit,
	})
}

func handleLeaderboard(w http.ResponseWriter, r *http.Request, ranker *leaderboard.Ranker) {
	q := r.URL.Query()
	query := leaderboard.Query{
		Metric:   leaderboard.Metric(q.Get("metric")),
		Category: core.CategoryID(q.Get("category")),
		Range:    leaderboard.TimeRange(q.Get("range")),
	}
	if query.Metric == "" {
		query.Metric = leaderboard.MetricPoints
	}
	if query.Range == "" {
		query.Range = leaderboard.RangeAllTime
	}
	query.Page, _ = strconv.Atoi(q.Get("page"))
	query.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	page, err := ranker.Query(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error(), nil)
		return
	}
	writeJSON(w, page)
}

// Helpers

// healthCheck verifies the service is working properly
func healthCheck(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	ctx := r.Context()

	// Verify storage works by trying to fetch a dummy user
	// This is a safe, lightweight check that doesn't affect real data
	dummyUser := core.UserID("healthcheck_probe")
	_, err := eng.GetUserState(ctx, dummyUser)

	status := map[string]any{
		"status": "healthy",
		"checks": map[string]any{
			"storage": "ok",
		},
	}

	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		status["status"] = "unhealthy"
		status["checks"].(map[string]any)["storage"] = "failed"
	} else {
		w.WriteHeader(http.StatusOK)
	}

	writeJSON(w, status)
}

func withPrefix(prefix, path string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	if prefix[len(prefix)-1] == '/' {
		return prefix[:len(prefix)-1] + path
	}
	return prefix + path
}

func split(p string, sep rune) []string {
	var parts []string
	cur := make([]rune, 0, len(p))
	// trim leading '/'
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	for _, r := range p {
		if r == sep {
			if len(cur) > 0 {
				parts = append(parts, string(cur))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		parts = append(parts, string(cur))
	}
	return parts
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: msg, Details: details})
}

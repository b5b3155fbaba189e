package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	mem "meritkit/adapters/memory"
	"meritkit/conditions"
	"meritkit/engine"
	"meritkit/leaderboard"
	"meritkit/rules"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	snap, err := rules.Build(rules.Document{
		Categories: []rules.CategoryDef{{ID: "xp", Aggregation: "sum"}},
		Rules: []rules.RuleDef{{
			ID:       "login-bonus",
			Triggers: []string{"login"},
			Rewards: []rules.RewardDef{
				{ID: "xp-10", Kind: "points", Params: map[string]any{"category": "xp", "amount": 10}},
			},
		}},
	})
	if err != nil {
		t.Fatalf("build rules: %v", err)
	}
	store := mem.New()
	ruleStore := rules.NewStore(snap)
	exec := engine.NewExecutor(store, store, ruleStore, nil)
	bus := engine.NewOutcomeBus(engine.DispatchSync)
	eng := engine.New(store, ruleStore, conditions.NewRegistry(), exec, bus, nil)
	t.Cleanup(eng.Close)
	return Deps{
		Engine: eng,
		Ranker: leaderboard.NewRanker(store, store, ruleStore, nil),
	}
}

func postEvent(handler http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIngestEventSync(t *testing.T) {
	handler := NewMux(newTestDeps(t), Options{PathPrefix: "/api"})

	rec := postEvent(handler, `{"id":"e1","type":"login","user_id":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		EventID  string           `json:"event_id"`
		Outcomes []map[string]any `json:"outcomes"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.EventID != "e1" || len(resp.Outcomes) != 1 {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
}

func TestIngestDuplicateEvent(t *testing.T) {
	handler := NewMux(newTestDeps(t), Options{PathPrefix: "/api"})

	if rec := postEvent(handler, `{"id":"e1","type":"login","user_id":"alice"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := postEvent(handler, `{"id":"e1","type":"login","user_id":"alice"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
	}
}

func TestIngestValidation(t *testing.T) {
	handler := NewMux(newTestDeps(t), Options{PathPrefix: "/api"})

	// missing user id
	if rec := postEvent(handler, `{"id":"e1","type":"login"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	// malformed body
	if rec := postEvent(handler, `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetUserState(t *testing.T) {
	handler := NewMux(newTestDeps(t), Options{PathPrefix: "/api"})
	postEvent(handler, `{"id":"e1","type":"login","user_id":"alice"}`)

	req := httptest.NewRequest(http.MethodGet, "/api/users/alice", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var state struct {
		Points map[string]struct {
			Value int64 `json:"value"`
		} `json:"points"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &state)
	if state.Points["xp"].Value != 10 {
		t.Fatalf("expected 10 xp, got %s", rec.Body.String())
	}
}

func TestGetUserHistory(t *testing.T) {
	handler := NewMux(newTestDeps(t), Options{PathPrefix: "/api"})
	postEvent(handler, `{"id":"e1","type":"login","user_id":"alice"}`)

	req := httptest.NewRequest(http.MethodGet, "/api/users/alice/history?kind=points&success=true", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Entries []map[string]any `json:"entries"`
		Total   int              `json:"total"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 || len(resp.Entries) != 1 {
		t.Fatalf("unexpected history: %s", rec.Body.String())
	}
}

func TestLeaderboardRoute(t *testing.T) {
	handler := NewMux(newTestDeps(t), Options{PathPrefix: "/api"})
	postEvent(handler, `{"id":"e1","type":"login","user_id":"alice"}`)
	postEvent(handler, `{"id":"e2","type":"login","user_id":"alice"}`)
	postEvent(handler, `{"id":"e3","type":"login","user_id":"bob"}`)

	req := httptest.NewRequest(http.MethodGet, "/api/leaderboard?metric=points&category=xp&range=all_time", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Entries []struct {
			Rank   int    `json:"rank"`
			UserID string `json:"user_id"`
			Score  int64  `json:"score"`
		} `json:"entries"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &page)
	if len(page.Entries) != 2 || page.Entries[0].UserID != "alice" || page.Entries[0].Score != 20 {
		t.Fatalf("unexpected leaderboard: %s", rec.Body.String())
	}

	// points without category is a client error
	req = httptest.NewRequest(http.MethodGet, "/api/leaderboard?metric=points", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAsyncIngestAccepted(t *testing.T) {
	deps := newTestDeps(t)
	queue := engine.NewLocalQueue(8)
	deps.Queue = queue
	handler := NewMux(deps, Options{PathPrefix: "/api"})

	rec := postEvent(handler, `{"id":"e1","type":"login","user_id":"alice"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	handler := NewMux(newTestDeps(t), Options{PathPrefix: "/api"})
	req := httptest.NewRequest(http.MethodGet, "/api/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	handler := NewMux(newTestDeps(t), Options{
		PathPrefix:      "/api",
		APIKeys:         []string{"secret"},
		AllowCORSOrigin: "*",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/users/alice", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/users/alice", nil)
	req2.Header.Set("Authorization", "Bearer secret")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec2.Code)
	}
}

func TestRateLimit(t *testing.T) {
	handler := NewMux(newTestDeps(t), Options{
		PathPrefix:       "/api",
		APIKeys:          []string{"k"},
		RateLimitEnabled: true,
		RateLimitRPM:     1,
		RateLimitBurst:   1,
	})

	req1 := httptest.NewRequest(http.MethodGet, "/api/users/alice", nil)
	req1.Header.Set("X-API-Key", "k")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected 200 first request, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/users/alice", nil)
	req2.Header.Set("X-API-Key", "k")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec2.Code)
	}
}

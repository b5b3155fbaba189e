package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"meritkit/core"
)

func TestSink_OnOutcomePostsToEndpoints(t *testing.T) {
	var hits int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		b, _ := io.ReadAll(r.Body)
		lastBody.Store(b)
		_ = r.Body.Close()
	}))
	defer srv.Close()

	sink := New([]string{srv.URL})
	sink.OnOutcome(context.Background(), core.HistoryEntry{
		ID:         "h1",
		UserID:     "u1",
		RewardKind: core.RewardPoints,
		Success:    true,
	})

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", hits)
	}
	var entry core.HistoryEntry
	if err := json.Unmarshal(lastBody.Load().([]byte), &entry); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if entry.ID != "h1" || entry.UserID != "u1" {
		t.Fatalf("unexpected payload: %+v", entry)
	}
}

func TestSink_KindFilter(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	sink := New([]string{srv.URL}, WithKinds(core.RewardTrophy))
	ctx := context.Background()
	sink.OnOutcome(ctx, core.HistoryEntry{ID: "h1", RewardKind: core.RewardPoints})
	sink.OnOutcome(ctx, core.HistoryEntry{ID: "h2", RewardKind: core.RewardTrophy})

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected only the trophy outcome delivered, got %d hits", hits)
	}
}

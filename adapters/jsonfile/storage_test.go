package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"meritkit/core"
	"meritkit/engine"
)

func TestStorePersistAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	ev := core.Event{ID: "e1", Type: "login", UserID: "alice", OccurredAt: at}
	if err := store.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("append event: %v", err)
	}

	state := core.NewUserState("alice")
	state.Points["xp"] = core.PointTotal{Value: 50, Awards: 1, Raw: 50}
	state.Badges["welcome"] = struct{}{}
	if err := store.SaveState(ctx, state); err != nil {
		t.Fatalf("save state: %v", err)
	}

	entry := core.HistoryEntry{ID: "h1", UserID: "alice", RewardKind: core.RewardPoints, AwardedAt: at, Success: true}
	if err := store.AppendHistory(ctx, entry); err != nil {
		t.Fatalf("append history: %v", err)
	}

	// ensure file written
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s", path)
	}

	// reload
	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	seen, err := reloaded.Seen(ctx, "e1")
	if err != nil || !seen {
		t.Fatalf("expected e1 seen after reload, got seen=%v err=%v", seen, err)
	}
	events, err := reloaded.ListEvents(ctx, "alice", engine.EventFilter{})
	if err != nil || len(events) != 1 {
		t.Fatalf("list events: n=%d err=%v", len(events), err)
	}

	got, err := reloaded.GetState(ctx, "alice")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if got.Points["xp"].Value != 50 {
		t.Fatalf("expected 50 xp, got %d", got.Points["xp"].Value)
	}
	if !got.HasBadge("welcome") {
		t.Fatalf("expected badge welcome")
	}

	entries, total, err := reloaded.ListHistory(ctx, "alice", core.HistoryFilter{})
	if err != nil || total != 1 || len(entries) != 1 {
		t.Fatalf("list history: n=%d total=%d err=%v", len(entries), total, err)
	}
}

func TestStoreUnknownUser(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	state, err := store.GetState(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.UserID != "ghost" || len(state.Points) != 0 {
		t.Fatalf("expected empty state, got %+v", state)
	}
}

func TestStoreHistoryRange(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	for i, user := range []core.UserID{"alice", "bob", "carol"} {
		entry := core.HistoryEntry{
			ID:        string(user),
			UserID:    user,
			AwardedAt: base.Add(time.Duration(i) * time.Hour),
			Success:   true,
		}
		if err := store.AppendHistory(ctx, entry); err != nil {
			t.Fatalf("append history: %v", err)
		}
	}

	// [base, base+2h) excludes carol's entry at +2h
	out, err := store.ListHistoryRange(ctx, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if len(out) != 2 || out[0].UserID != "alice" || out[1].UserID != "bob" {
		t.Fatalf("unexpected range result: %+v", out)
	}
}

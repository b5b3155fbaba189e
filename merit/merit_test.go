package merit

import (
	"context"
	"testing"
	"time"

	mem "meritkit/adapters/memory"
	"meritkit/core"
	"meritkit/engine"
	"meritkit/leaderboard"
	"meritkit/realtime"
	"meritkit/rules"
)

func loginRules(t *testing.T) *rules.Store {
	t.Helper()
	snap, err := rules.Build(rules.Document{
		Categories: []rules.CategoryDef{{ID: "xp", Aggregation: "sum"}},
		Rules: []rules.RuleDef{{
			ID:       "login-bonus",
			Triggers: []string{"login"},
			Rewards: []rules.RewardDef{
				{Kind: "points", Params: map[string]any{"category": "xp", "amount": 5}},
			},
		}},
	})
	if err != nil {
		t.Fatalf("build rules: %v", err)
	}
	return rules.NewStore(snap)
}

func loginEvent(id string, user core.UserID) core.Event {
	ev, _ := core.NewEvent(id, "login", user, time.Now().UTC(), nil)
	return ev
}

func TestNewDefaultsAndOptions(t *testing.T) {
	hub := realtime.NewHub()
	svc := New(
		WithStorage(mem.New()),
		WithRules(loginRules(t)),
		WithRealtime(hub),
		WithDispatchMode(engine.DispatchSync),
	)
	defer svc.Close()

	subID, ch := hub.Subscribe(1, "")
	defer hub.Unsubscribe(subID)

	outcomes, err := svc.Ingest(context.Background(), loginEvent("e1", "alice"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].RewardKind != core.RewardPoints {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}

	// realtime bridge should receive the recorded outcome
	entry := <-ch
	if entry.UserID != "alice" || entry.RewardKind != core.RewardPoints {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	state, err := svc.UserState(context.Background(), "alice")
	if err != nil {
		t.Fatalf("user state: %v", err)
	}
	if state.Points["xp"].Value != 5 {
		t.Fatalf("expected 5 xp, got %d", state.Points["xp"].Value)
	}
}

func TestDefaultsWithoutOptions(t *testing.T) {
	svc := New()
	defer svc.Close()

	// empty rule set: the event is logged but produces no outcomes
	outcomes, err := svc.Ingest(context.Background(), loginEvent("e1", "bob"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("expected no outcomes, got %+v", outcomes)
	}

	state, err := svc.UserState(context.Background(), "bob")
	if err != nil {
		t.Fatalf("user state: %v", err)
	}
	if len(state.Points) != 0 {
		t.Fatalf("expected empty state, got %+v", state.Points)
	}
}

func TestAsyncIngest(t *testing.T) {
	svc := New(
		WithRules(loginRules(t)),
		WithDispatchMode(engine.DispatchSync),
		WithAsyncIngest(16, 2),
	)
	defer svc.Close()

	outcomes, err := svc.Ingest(context.Background(), loginEvent("e1", "carol"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if outcomes != nil {
		t.Fatalf("async ingest should not return outcomes, got %+v", outcomes)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		state, err := svc.UserState(context.Background(), "carol")
		if err != nil {
			t.Fatalf("user state: %v", err)
		}
		if state.Points["xp"].Value == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event was not drained, state: %+v", state.Points)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLeaderboardThroughFacade(t *testing.T) {
	svc := New(WithRules(loginRules(t)), WithDispatchMode(engine.DispatchSync))
	defer svc.Close()

	ctx := context.Background()
	for i, user := range []core.UserID{"alice", "alice", "bob"} {
		ev := loginEvent("e"+string(rune('1'+i)), user)
		if _, err := svc.Ingest(ctx, ev); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	page, err := svc.Leaderboard(ctx, leaderboard.Query{
		Metric:   leaderboard.MetricPoints,
		Category: "xp",
		Range:    leaderboard.RangeAllTime,
	})
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(page.Entries))
	}
	if page.Entries[0].UserID != "alice" || page.Entries[0].Score != 10 {
		t.Fatalf("unexpected first entry: %+v", page.Entries[0])
	}
}

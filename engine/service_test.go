package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meritkit/adapters/memory"
	"meritkit/conditions"
	"meritkit/core"
	"meritkit/engine"
	"meritkit/rules"
)

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func boolPtr(b bool) *bool { return &b }

func defaultDoc() rules.Document {
	return rules.Document{
		Categories: []rules.CategoryDef{
			{ID: "xp", Aggregation: "sum"},
			{ID: "rating", Aggregation: "avg"},
			{ID: "karma", Aggregation: "sum", AllowNegative: true},
		},
		Levels: []rules.LevelDef{
			{ID: "bronze", Name: "Bronze", Category: "xp", MinPoints: 0},
			{ID: "silver", Name: "Silver", Category: "xp", MinPoints: 100},
		},
	}
}

type harness struct {
	engine *engine.Engine
	store  *memory.Store
	rules  *rules.Store
	conds  *conditions.Registry
	exec   *engine.Executor
}

func newHarness(t *testing.T, doc rules.Document) *harness {
	t.Helper()
	snap, err := rules.Build(doc)
	require.NoError(t, err)
	ruleStore := rules.NewStore(snap)

	store := memory.New()
	registry := conditions.NewRegistry()
	exec := engine.NewExecutor(store, store, ruleStore, nil)
	bus := engine.NewOutcomeBus(engine.DispatchSync)
	eng := engine.New(store, ruleStore, registry, exec, bus, nil)
	t.Cleanup(eng.Close)
	return &harness{engine: eng, store: store, rules: ruleStore, conds: registry, exec: exec}
}

func event(id string, typ core.EventType, at time.Time, attrs map[string]any) core.Event {
	return core.Event{ID: id, Type: typ, UserID: "alice", OccurredAt: at, Attributes: attrs}
}

func TestFirstLoginRule(t *testing.T) {
	doc := defaultDoc()
	doc.Rules = []rules.RuleDef{{
		ID:       "first-login",
		Name:     "First login bonus",
		Triggers: []string{"login"},
		Conditions: []rules.ConditionDef{
			{Kind: "first_occurrence"},
		},
		Rewards: []rules.RewardDef{
			{ID: "xp-50", Kind: "points", Params: map[string]any{"category": "xp", "amount": 50}},
			{ID: "welcome", Kind: "badge", Params: map[string]any{"badge": "welcome"}},
		},
	}}
	h := newHarness(t, doc)
	ctx := context.Background()

	outcomes, err := h.engine.EvaluateEvent(ctx, event("e1", "login", t0, nil))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.True(t, o.Success, o.Message)
		require.Equal(t, "e1", o.TriggerEventID)
	}

	state, err := h.engine.GetUserState(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(50), state.Points["xp"].Value)
	require.True(t, state.HasBadge("welcome"))

	// duplicate delivery of the same event id does not double-award
	_, err = h.engine.EvaluateEvent(ctx, event("e1", "login", t0, nil))
	require.ErrorIs(t, err, core.ErrDuplicateEvent)

	// a second login is no longer a first occurrence
	outcomes, err = h.engine.EvaluateEvent(ctx, event("e2", "login", t0.Add(time.Hour), nil))
	require.NoError(t, err)
	require.Empty(t, outcomes)

	state, err = h.engine.GetUserState(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(50), state.Points["xp"].Value)
}

func TestIdempotentBadgeGrant(t *testing.T) {
	doc := defaultDoc()
	doc.Rules = []rules.RuleDef{{
		ID:       "visitor",
		Triggers: []string{"visit"},
		Rewards: []rules.RewardDef{
			{ID: "regular", Kind: "badge", Params: map[string]any{"badge": "regular"}},
		},
	}}
	h := newHarness(t, doc)
	ctx := context.Background()

	first, err := h.engine.EvaluateEvent(ctx, event("e1", "visit", t0, nil))
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.True(t, first[0].Success)
	require.Equal(t, false, first[0].Detail("already_granted"))

	second, err := h.engine.EvaluateEvent(ctx, event("e2", "visit", t0.Add(time.Minute), nil))
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.True(t, second[0].Success, "duplicate grant is a successful no-op")
	require.Equal(t, true, second[0].Detail("already_granted"))

	state, err := h.engine.GetUserState(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, state.Badges, 1)

	entries, total, err := h.engine.GetRewardHistory(ctx, "alice", core.HistoryFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	for _, e := range entries {
		require.True(t, e.Success)
	}
}

func TestFailureIsolation(t *testing.T) {
	doc := defaultDoc()
	doc.Rules = []rules.RuleDef{{
		ID:       "two-rewards",
		Triggers: []string{"purchase"},
		Rewards: []rules.RewardDef{
			{ID: "good", Kind: "points", Params: map[string]any{"category": "xp", "amount": 10}},
			{ID: "bad", Kind: "points", Params: map[string]any{"category": "nope", "amount": 5}},
		},
	}}
	h := newHarness(t, doc)
	ctx := context.Background()

	outcomes, err := h.engine.EvaluateEvent(ctx, event("e1", "purchase", t0, nil))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.True(t, outcomes[0].Success)
	require.False(t, outcomes[1].Success)

	// the first reward's effect persists despite the second failing
	state, err := h.engine.GetUserState(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(10), state.Points["xp"].Value)

	_, total, err := h.engine.GetRewardHistory(ctx, "alice", core.HistoryFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, total, "failures are recorded too")
}

func TestAvgAggregation(t *testing.T) {
	doc := defaultDoc()
	doc.Rules = []rules.RuleDef{
		{ID: "r10", Triggers: []string{"a"}, Rewards: []rules.RewardDef{{ID: "w", Kind: "points", Params: map[string]any{"category": "rating", "amount": 10}}}},
		{ID: "r20", Triggers: []string{"b"}, Rewards: []rules.RewardDef{{ID: "w", Kind: "points", Params: map[string]any{"category": "rating", "amount": 20}}}},
		{ID: "r30", Triggers: []string{"c"}, Rewards: []rules.RewardDef{{ID: "w", Kind: "points", Params: map[string]any{"category": "rating", "amount": 30}}}},
	}
	h := newHarness(t, doc)
	ctx := context.Background()

	for i, typ := range []core.EventType{"a", "b", "c"} {
		_, err := h.engine.EvaluateEvent(ctx, event(string(rune('1'+i)), typ, t0.Add(time.Duration(i)*time.Minute), nil))
		require.NoError(t, err)
	}

	state, err := h.engine.GetUserState(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(20), state.Points["rating"].Value, "avg of 10,20,30 is 20, not 60")
	require.Equal(t, int64(3), state.Points["rating"].Awards)
}

func TestPenaltyAndNegativeBalance(t *testing.T) {
	doc := defaultDoc()
	doc.Rules = []rules.RuleDef{
		{ID: "strike-xp", Triggers: []string{"strike"}, Rewards: []rules.RewardDef{{ID: "p", Kind: "penalty", Params: map[string]any{"category": "xp", "amount": 10}}}},
		{ID: "strike-karma", Triggers: []string{"offense"}, Rewards: []rules.RewardDef{{ID: "p", Kind: "penalty", Params: map[string]any{"category": "karma", "amount": 10}}}},
	}
	h := newHarness(t, doc)
	ctx := context.Background()

	// xp disallows negative balances: penalty on an empty account fails
	outcomes, err := h.engine.EvaluateEvent(ctx, event("e1", "strike", t0, nil))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.False(t, outcomes[0].Success)
	require.Contains(t, outcomes[0].Message, "negative balance")

	// karma allows them
	outcomes, err = h.engine.EvaluateEvent(ctx, event("e2", "offense", t0, nil))
	require.NoError(t, err)
	require.True(t, outcomes[0].Success)

	state, err := h.engine.GetUserState(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(0), state.Points["xp"].Value)
	require.Equal(t, int64(-10), state.Points["karma"].Value)
}

func TestLevelRewardRecordsLevelReached(t *testing.T) {
	doc := defaultDoc()
	doc.Rules = []rules.RuleDef{{
		ID:       "big-win",
		Triggers: []string{"win"},
		Rewards: []rules.RewardDef{
			{ID: "xp", Kind: "points", Params: map[string]any{"category": "xp", "amount": 150}},
			{ID: "lvl", Kind: "level", Params: map[string]any{"category": "xp"}},
		},
	}}
	h := newHarness(t, doc)
	ctx := context.Background()

	outcomes, err := h.engine.EvaluateEvent(ctx, event("e1", "win", t0, nil))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.True(t, outcomes[1].Success)
	// the level reflects the points applied earlier in the same rule
	require.Equal(t, "silver", outcomes[1].Detail("level"))

	state, err := h.engine.GetUserState(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, state.Badges, 0)
	require.Equal(t, int64(150), state.Points["xp"].Value)
}

func TestDeterminism(t *testing.T) {
	doc := defaultDoc()
	doc.Rules = []rules.RuleDef{{
		ID:       "spender",
		Triggers: []string{"purchase"},
		Conditions: []rules.ConditionDef{
			{Kind: "threshold", Params: map[string]any{"attribute": "amount", "operator": ">=", "value": 25}},
		},
		Rewards: []rules.RewardDef{
			{ID: "xp", Kind: "points", Params: map[string]any{"category": "xp", "amount": 5}},
			{ID: "badge", Kind: "badge", Params: map[string]any{"badge": "spender"}},
		},
	}}

	run := func() []core.HistoryEntry {
		h := newHarness(t, doc)
		out, err := h.engine.EvaluateEvent(context.Background(), event("e1", "purchase", t0, map[string]any{"amount": 29.99}))
		require.NoError(t, err)
		return out
	}

	first, second := run(), run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].Success, second[i].Success)
		require.Equal(t, first[i].RewardKind, second[i].RewardKind)
		require.Equal(t, first[i].Details, second[i].Details)
	}
}

func TestPanickingConditionIsIsolated(t *testing.T) {
	doc := defaultDoc()
	doc.Rules = []rules.RuleDef{
		{
			ID: "broken", Triggers: []string{"login"}, Active: boolPtr(true),
			Conditions: []rules.ConditionDef{{Kind: "explode"}},
			Rewards:    []rules.RewardDef{{ID: "w", Kind: "points", Params: map[string]any{"category": "xp", "amount": 1}}},
		},
		{
			ID: "healthy", Triggers: []string{"login"},
			Rewards: []rules.RewardDef{{ID: "w", Kind: "points", Params: map[string]any{"category": "xp", "amount": 7}}},
		},
	}
	h := newHarness(t, doc)
	h.conds.Register("explode", func([]core.Event, core.Event, core.Params) (bool, error) {
		panic("boom")
	})

	outcomes, err := h.engine.EvaluateEvent(context.Background(), event("e1", "login", t0, nil))
	require.NoError(t, err)
	require.Len(t, outcomes, 1, "healthy rule still evaluates")
	require.True(t, outcomes[0].Success)
	require.Equal(t, core.RuleID("healthy"), outcomes[0].RuleID)
}

func TestUnknownRewardKindFails(t *testing.T) {
	doc := defaultDoc()
	doc.Rules = []rules.RuleDef{{
		ID: "plugin-reward", Triggers: []string{"login"},
		Rewards: []rules.RewardDef{{ID: "w", Kind: "discount_coupon"}},
	}}
	h := newHarness(t, doc)

	outcomes, err := h.engine.EvaluateEvent(context.Background(), event("e1", "login", t0, nil))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.False(t, outcomes[0].Success)
	require.Contains(t, outcomes[0].Message, "unknown reward kind")
}

func TestPluginRewardKind(t *testing.T) {
	doc := defaultDoc()
	doc.Rules = []rules.RuleDef{{
		ID: "plugin-reward", Triggers: []string{"login"},
		Rewards: []rules.RewardDef{{ID: "w", Kind: "discount_coupon", Params: map[string]any{"code": "TEN"}}},
	}}
	h := newHarness(t, doc)
	h.exec.RegisterKind("discount_coupon", func(_ *core.UserState, rw core.Reward, _ engine.ApplyEnv) (map[string]any, error) {
		code, err := rw.Params.String("code")
		if err != nil {
			return nil, err
		}
		return map[string]any{"code": code}, nil
	})

	outcomes, err := h.engine.EvaluateEvent(context.Background(), event("e1", "login", t0, nil))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Success)
	require.Equal(t, "TEN", outcomes[0].Detail("code"))
}

func TestHotReloadSwapsRules(t *testing.T) {
	doc := defaultDoc()
	doc.Rules = []rules.RuleDef{{
		ID: "old", Triggers: []string{"login"},
		Rewards: []rules.RewardDef{{ID: "w", Kind: "points", Params: map[string]any{"category": "xp", "amount": 1}}},
	}}
	h := newHarness(t, doc)
	ctx := context.Background()

	out, err := h.engine.EvaluateEvent(ctx, event("e1", "login", t0, nil))
	require.NoError(t, err)
	require.Len(t, out, 1)

	doc.Rules = []rules.RuleDef{{
		ID: "new", Triggers: []string{"login"},
		Rewards: []rules.RewardDef{{ID: "w", Kind: "points", Params: map[string]any{"category": "xp", "amount": 100}}},
	}}
	snap, err := rules.Build(doc)
	require.NoError(t, err)
	h.rules.Swap(snap)

	out, err = h.engine.EvaluateEvent(ctx, event("e2", "login", t0.Add(time.Minute), nil))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, core.RuleID("new"), out[0].RuleID)
}

func TestOutcomeBusDelivery(t *testing.T) {
	doc := defaultDoc()
	doc.Rules = []rules.RuleDef{{
		ID: "r", Triggers: []string{"login"},
		Rewards: []rules.RewardDef{
			{ID: "xp", Kind: "points", Params: map[string]any{"category": "xp", "amount": 5}},
			{ID: "b", Kind: "badge", Params: map[string]any{"badge": "hello"}},
		},
	}}
	h := newHarness(t, doc)

	var all, badges int
	unsubAll := h.engine.Subscribe(engine.KindAny, func(context.Context, core.HistoryEntry) { all++ })
	defer unsubAll()
	unsubBadge := h.engine.Subscribe(core.RewardBadge, func(_ context.Context, o core.HistoryEntry) {
		badges++
		require.Equal(t, core.RewardBadge, o.RewardKind)
	})
	defer unsubBadge()

	_, err := h.engine.EvaluateEvent(context.Background(), event("e1", "login", t0, nil))
	require.NoError(t, err)
	require.Equal(t, 2, all)
	require.Equal(t, 1, badges)
}

func TestWorkerDrainsQueue(t *testing.T) {
	doc := defaultDoc()
	doc.Rules = []rules.RuleDef{{
		ID: "r", Triggers: []string{"login"},
		Rewards: []rules.RewardDef{{ID: "w", Kind: "points", Params: map[string]any{"category": "xp", "amount": 5}}},
	}}
	h := newHarness(t, doc)

	queue := engine.NewLocalQueue(16)
	worker := engine.NewWorker(h.engine, queue, 2, nil)
	worker.Start()

	ctx := context.Background()
	require.NoError(t, queue.Enqueue(ctx, event("e1", "login", t0, nil)))
	require.NoError(t, queue.Enqueue(ctx, event("e2", "login", t0.Add(time.Minute), nil)))
	// duplicate id: skipped silently by the worker
	require.NoError(t, queue.Enqueue(ctx, event("e1", "login", t0, nil)))

	require.Eventually(t, func() bool {
		state, err := h.engine.GetUserState(ctx, "alice")
		return err == nil && state.Points["xp"].Value == 10
	}, 2*time.Second, 10*time.Millisecond)

	worker.Stop()
}

// flakyHistory wraps a HistoryStore with a switchable append failure.
type flakyHistory struct {
	engine.HistoryStore
	fail bool
}

func (f *flakyHistory) AppendHistory(ctx context.Context, entry core.HistoryEntry) error {
	if f.fail {
		return errors.New("ledger unavailable")
	}
	return f.HistoryStore.AppendHistory(ctx, entry)
}

func TestHistoryWriteFailureRollsBackState(t *testing.T) {
	doc := defaultDoc()
	doc.Rules = []rules.RuleDef{{
		ID:       "visit-points",
		Triggers: []string{"visit"},
		Rewards: []rules.RewardDef{
			{ID: "xp-10", Kind: "points", Params: map[string]any{"category": "xp", "amount": 10}},
		},
	}}
	snap, err := rules.Build(doc)
	require.NoError(t, err)
	ruleStore := rules.NewStore(snap)

	store := memory.New()
	ledger := &flakyHistory{HistoryStore: store, fail: true}
	exec := engine.NewExecutor(store, ledger, ruleStore, nil)
	bus := engine.NewOutcomeBus(engine.DispatchSync)
	eng := engine.New(store, ruleStore, conditions.NewRegistry(), exec, bus, nil)
	t.Cleanup(eng.Close)
	ctx := context.Background()

	outcomes, err := eng.EvaluateEvent(ctx, event("e1", "visit", t0, nil))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.False(t, outcomes[0].Success)
	require.Contains(t, outcomes[0].Message, "append history")

	// state and ledger advance together: the points write was undone and
	// the ledger holds no entry
	state, err := eng.GetUserState(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, state.Points["xp"].Value)
	entries, total, err := eng.GetRewardHistory(ctx, "alice", core.HistoryFilter{})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, entries)

	// once the ledger recovers the same reward applies normally
	ledger.fail = false
	outcomes, err = eng.EvaluateEvent(ctx, event("e2", "visit", t0.Add(time.Minute), nil))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Success, outcomes[0].Message)

	state, err = eng.GetUserState(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(10), state.Points["xp"].Value)
	_, total, err = eng.GetRewardHistory(ctx, "alice", core.HistoryFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

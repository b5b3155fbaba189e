package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"meritkit/core"
)

// ApplyEnv gives an applier read access to the definitions it resolves
// against. Appliers mutate the candidate state in place; the executor
// discards the candidate when the applier errors.
type ApplyEnv struct {
	Category func(core.CategoryID) (core.PointCategory, bool)
	Levels   []core.Level
	Trigger  core.Event
}

// Applier applies one reward kind to a user state. Returned details end up in
// the reward's history entry; an error marks the attempt failed without
// touching stored state.
type Applier func(state *core.UserState, reward core.Reward, env ApplyEnv) (details map[string]any, err error)

// Executor applies the rewards of satisfied rules to user state, enforcing
// idempotency and per-category aggregation, and appends one history entry per
// attempt. Same-user executions are serialized through a keyed mutex;
// different users proceed in parallel.
type Executor struct {
	state   StateStore
	history HistoryStore
	rules   RuleSource
	logger  *slog.Logger
	locks   userLocks

	mu    sync.RWMutex
	kinds map[core.RewardKind]Applier

	now   func() time.Time
	newID func() string
}

// NewExecutor builds an executor with the builtin reward kinds registered.
func NewExecutor(state StateStore, history HistoryStore, rules RuleSource, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	x := &Executor{
		state:   state,
		history: history,
		rules:   rules,
		logger:  logger,
		kinds:   make(map[core.RewardKind]Applier),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	x.RegisterKind(core.RewardPoints, applyPoints)
	x.RegisterKind(core.RewardPenalty, applyPenalty)
	x.RegisterKind(core.RewardBadge, applyBadge)
	x.RegisterKind(core.RewardTrophy, applyTrophy)
	x.RegisterKind(core.RewardLevel, applyLevel)
	return x
}

// RegisterKind installs or replaces the applier for a reward kind. Safe under
// concurrent execution.
func (x *Executor) RegisterKind(kind core.RewardKind, apply Applier) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.kinds[kind] = apply
}

func (x *Executor) applier(kind core.RewardKind) (Applier, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	a, ok := x.kinds[kind]
	return a, ok
}

// Execute applies the rule's rewards in list order. Failures are isolated:
// one reward's failure neither rolls back earlier rewards nor blocks later
// ones. Every attempt, including no-ops and failures, yields exactly one
// history entry. State and ledger advance together: when the history append
// fails after a successful state write, the state write is undone and the
// outcome reported as failed.
func (x *Executor) Execute(ctx context.Context, rule core.Rule, trigger core.Event) []core.HistoryEntry {
	unlock := x.locks.lock(trigger.UserID)
	defer unlock()

	state, err := x.state.GetState(ctx, trigger.UserID)
	if err != nil {
		// no state, no mutation: every reward fails with the load error
		out := make([]core.HistoryEntry, 0, len(rule.Rewards))
		for _, rw := range rule.Rewards {
			out = append(out, x.record(ctx, rule, rw, trigger, nil, fmt.Errorf("load state: %w", err)))
		}
		return out
	}
	if state.UserID == "" {
		state = core.NewUserState(trigger.UserID)
	}

	env := ApplyEnv{Category: x.rules.Category, Levels: x.rules.Levels(), Trigger: trigger}
	out := make([]core.HistoryEntry, 0, len(rule.Rewards))
	for _, rw := range rule.Rewards {
		prior := state.Clone()
		details, applyErr := x.applyOne(ctx, &state, rw, env)
		entry := x.newEntry(rule, rw, trigger, details, applyErr)
		if err := x.history.AppendHistory(ctx, entry); err != nil {
			x.logger.Error("append reward history", "rule", rule.ID, "reward", rw.ID, "error", err)
			if applyErr == nil {
				// state and ledger move together: undo the state write when
				// the ledger entry cannot be recorded
				if rbErr := x.state.SaveState(ctx, prior); rbErr != nil {
					x.logger.Error("state rollback failed", "rule", rule.ID, "reward", rw.ID, "error", rbErr)
				} else {
					state = prior
				}
				entry.Success = false
				entry.Message = fmt.Sprintf("append history: %v", err)
			}
		}
		out = append(out, entry)
	}
	return out
}

// applyOne runs a single reward against a candidate copy of the state and
// persists the copy before adopting it, so a failed write never advances the
// in-memory state.
func (x *Executor) applyOne(ctx context.Context, state *core.UserState, rw core.Reward, env ApplyEnv) (map[string]any, error) {
	apply, ok := x.applier(rw.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown reward kind %q", rw.Kind)
	}

	candidate := state.Clone()
	details, err := safeApply(apply, &candidate, rw, env)
	if err != nil {
		return details, err
	}
	candidate.Updated = x.now().UTC()
	if err := x.state.SaveState(ctx, candidate); err != nil {
		return details, fmt.Errorf("save state: %w", err)
	}
	*state = candidate
	return details, nil
}

// safeApply isolates applier panics: a panicking plugin degrades to a failed
// reward, never a crashed engine.
func safeApply(apply Applier, state *core.UserState, rw core.Reward, env ApplyEnv) (details map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			details, err = nil, fmt.Errorf("reward %s panicked: %v", rw.ID, r)
		}
	}()
	return apply(state, rw, env)
}

func (x *Executor) newEntry(rule core.Rule, rw core.Reward, trigger core.Event, details map[string]any, applyErr error) core.HistoryEntry {
	entry := core.HistoryEntry{
		ID:             x.newID(),
		UserID:         trigger.UserID,
		RuleID:         rule.ID,
		RewardID:       rw.ID,
		RewardKind:     rw.Kind,
		TriggerEventID: trigger.ID,
		AwardedAt:      x.now().UTC(),
		Success:        applyErr == nil,
		Details:        details,
	}
	if applyErr != nil {
		entry.Message = applyErr.Error()
	}
	return entry
}

// record builds a failed entry and appends it; used where no state was
// mutated, so a ledger write failure only needs logging.
func (x *Executor) record(ctx context.Context, rule core.Rule, rw core.Reward, trigger core.Event, details map[string]any, applyErr error) core.HistoryEntry {
	entry := x.newEntry(rule, rw, trigger, details, applyErr)
	if err := x.history.AppendHistory(ctx, entry); err != nil {
		x.logger.Error("append reward history", "rule", rule.ID, "reward", rw.ID, "error", err)
	}
	return entry
}

// Builtin appliers.

func applyPoints(state *core.UserState, rw core.Reward, env ApplyEnv) (map[string]any, error) {
	amount, err := rw.Amount()
	if err != nil {
		return nil, err
	}
	return awardPoints(state, rw, env, amount)
}

// applyPenalty is points with an explicit negative direction: the amount is
// subtracted, or added when the rule already specifies it negative.
func applyPenalty(state *core.UserState, rw core.Reward, env ApplyEnv) (map[string]any, error) {
	amount, err := rw.Amount()
	if err != nil {
		return nil, err
	}
	if amount > 0 {
		amount = -amount
	}
	return awardPoints(state, rw, env, amount)
}

func awardPoints(state *core.UserState, rw core.Reward, env ApplyEnv, amount int64) (map[string]any, error) {
	catID, err := rw.Category()
	if err != nil {
		return nil, err
	}
	cat, ok := env.Category(catID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownCategory, catID)
	}
	next, err := state.Points[catID].Apply(cat, amount)
	if err != nil {
		return nil, err
	}
	state.Points[catID] = next
	return map[string]any{
		"category": string(catID),
		"amount":   amount,
		"value":    next.Value,
		"awards":   next.Awards,
	}, nil
}

func applyBadge(state *core.UserState, rw core.Reward, _ ApplyEnv) (map[string]any, error) {
	id, err := rw.Params.String("badge")
	if err != nil {
		return nil, err
	}
	if err := core.ValidateIdentifier(id); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidParameter, err)
	}
	badge := core.BadgeID(id)
	if state.HasBadge(badge) {
		// idempotent grant: success referencing the pre-existing award
		return map[string]any{"badge": id, "already_granted": true}, nil
	}
	state.Badges[badge] = struct{}{}
	return map[string]any{"badge": id, "already_granted": false}, nil
}

func applyTrophy(state *core.UserState, rw core.Reward, _ ApplyEnv) (map[string]any, error) {
	id, err := rw.Params.String("trophy")
	if err != nil {
		return nil, err
	}
	if err := core.ValidateIdentifier(id); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidParameter, err)
	}
	trophy := core.TrophyID(id)
	if state.HasTrophy(trophy) {
		return map[string]any{"trophy": id, "already_granted": true}, nil
	}
	state.Trophies[trophy] = struct{}{}
	return map[string]any{"trophy": id, "already_granted": false}, nil
}

// applyLevel records the level reached for a category at execution time.
// Levels are derived from point totals and never stored.
func applyLevel(state *core.UserState, rw core.Reward, env ApplyEnv) (map[string]any, error) {
	catID, err := rw.Category()
	if err != nil {
		return nil, err
	}
	points := state.Points[catID].Value
	details := map[string]any{"category": string(catID), "points": points}
	if lvl, ok := core.LevelForPoints(env.Levels, catID, points); ok {
		details["level"] = lvl.ID
		details["min_points"] = lvl.MinPoints
	} else {
		details["level"] = ""
	}
	return details, nil
}

// userLocks serializes reward execution per user.
type userLocks struct {
	mu    sync.Mutex
	locks map[core.UserID]*sync.Mutex
}

func (l *userLocks) lock(user core.UserID) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[core.UserID]*sync.Mutex)
	}
	m, ok := l.locks[user]
	if !ok {
		m = &sync.Mutex{}
		l.locks[user] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

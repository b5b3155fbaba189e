package engine

import (
	"context"
	"fmt"
	"log/slog"

	"meritkit/conditions"
	"meritkit/core"
)

// Engine orchestrates rule evaluation: it receives newly ingested events,
// finds candidate rules by trigger type, evaluates their conditions against a
// minimal event-log slice, and hands satisfied rules to the executor.
type Engine struct {
	log    EventLog
	rules  RuleSource
	conds  *conditions.Registry
	exec   *Executor
	bus    *OutcomeBus
	logger *slog.Logger
}

// New wires the engine. The conditions registry and outcome bus are explicit
// so callers control plugin registration and dispatch mode.
func New(log EventLog, rules RuleSource, conds *conditions.Registry, exec *Executor, bus *OutcomeBus, logger *slog.Logger) *Engine {
	if log == nil || rules == nil || conds == nil || exec == nil || bus == nil {
		panic("engine.New requires non-nil log, rules, conditions, executor, and bus")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{log: log, rules: rules, conds: conds, exec: exec, bus: bus, logger: logger}
}

// EvaluateEvent is the synchronous entry point used by both the sync
// ingestion path and the background worker. It returns one outcome per
// reward of every satisfied rule; duplicate delivery of an already-seen
// event id returns ErrDuplicateEvent with no outcomes.
//
// Rules are evaluated independently: one rule's reward failure does not
// block other candidates, and rewards executed for this event do not
// re-trigger evaluation within the same pass.
func (e *Engine) EvaluateEvent(ctx context.Context, ev core.Event) ([]core.HistoryEntry, error) {
	validated, err := core.NewEvent(ev.ID, ev.Type, ev.UserID, ev.OccurredAt, ev.Attributes)
	if err != nil {
		return nil, err
	}
	ev = validated

	seen, err := e.log.Seen(ctx, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("event log: %w", err)
	}
	if seen {
		return nil, fmt.Errorf("%w: %s", core.ErrDuplicateEvent, ev.ID)
	}
	if err := e.log.AppendEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("event log: %w", err)
	}

	var outcomes []core.HistoryEntry
	for _, rule := range e.rules.ActiveRules(ctx) {
		if !rule.Active || !rule.TriggeredBy(ev.Type) {
			continue
		}
		if !e.ruleSatisfied(ctx, rule, ev) {
			continue
		}
		results := e.exec.Execute(ctx, rule, ev)
		outcomes = append(outcomes, results...)
		for _, o := range results {
			e.bus.Publish(ctx, o)
		}
	}
	return outcomes, nil
}

// ruleSatisfied fetches the minimal log slice the rule's conditions need and
// evaluates the combinator. Panics and errors degrade to "not satisfied" so
// a misbehaving condition never takes down evaluation of other rules.
func (e *Engine) ruleSatisfied(ctx context.Context, rule core.Rule, ev core.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("rule evaluation panicked", "rule", rule.ID, "event", ev.ID, "panic", r)
			ok = false
		}
	}()

	events := []core.Event{ev}
	window, bounded := conditions.RuleWindow(rule)
	if !bounded || window > 0 {
		filter := EventFilter{Until: ev.OccurredAt}
		if bounded {
			filter.Since = ev.OccurredAt.Add(-window)
		}
		fetched, err := e.log.ListEvents(ctx, ev.UserID, filter)
		if err != nil {
			e.logger.Warn("event log read failed", "rule", rule.ID, "event", ev.ID, "error", err)
			return false
		}
		events = fetched
	}

	ok, err := e.conds.EvaluateRule(rule, events, ev)
	if err != nil {
		e.logger.Warn("rule conditions errored", "rule", rule.ID, "event", ev.ID, "error", err)
	}
	return ok
}

// GetUserState returns the current snapshot for a user.
func (e *Engine) GetUserState(ctx context.Context, user core.UserID) (core.UserState, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return core.UserState{}, err
	}
	state, err := e.exec.state.GetState(ctx, normalized)
	if err != nil {
		return core.UserState{}, err
	}
	if state.UserID == "" {
		state = core.NewUserState(normalized)
	}
	return state, nil
}

// GetRewardHistory returns one page of a user's reward ledger plus the total
// matching count.
func (e *Engine) GetRewardHistory(ctx context.Context, user core.UserID, filter core.HistoryFilter) ([]core.HistoryEntry, int, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return nil, 0, err
	}
	return e.exec.history.ListHistory(ctx, normalized, filter)
}

// Subscribe registers an outcome handler; see OutcomeBus.Subscribe.
func (e *Engine) Subscribe(kind core.RewardKind, handler func(context.Context, core.HistoryEntry)) func() {
	return e.bus.Subscribe(kind, handler)
}

// Close stops the outcome bus workers.
func (e *Engine) Close() { e.bus.Close() }

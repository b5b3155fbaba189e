// Package conditions implements the predicate framework that decides, for a
// trigger event and a slice of the user's event log, whether a rule's
// conditions hold. Evaluators are pure: they never mutate state or perform
// I/O, so short-circuiting and concurrent evaluation are safe.
package conditions

import (
	"errors"
	"sync"
	"time"

	"meritkit/core"
)

// Evaluator decides whether a condition holds. The events slice contains the
// trigger user's events ordered by OccurredAt ascending, bounded by the window
// the engine computed for the rule; the trigger itself is included. Errors are
// reserved for invalid parameters and are treated as "condition unmet".
type Evaluator func(events []core.Event, trigger core.Event, params core.Params) (bool, error)

// Registry resolves condition kinds to evaluators. It is the explicit object
// passed into the engine at construction time: builtins are seeded in
// NewRegistry, plugins register afterwards. Safe for concurrent Register and
// Evaluate.
type Registry struct {
	mu    sync.RWMutex
	kinds map[core.ConditionKind]Evaluator
}

// NewRegistry returns a registry pre-seeded with the builtin condition kinds.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[core.ConditionKind]Evaluator)}
	r.Register(core.CondAlwaysTrue, evalAlwaysTrue)
	r.Register(core.CondAttributeEquals, evalAttributeEquals)
	r.Register(core.CondThreshold, evalThreshold)
	r.Register(core.CondCount, evalCount)
	r.Register(core.CondSequence, evalSequence)
	r.Register(core.CondTimeSinceLastEvent, evalTimeSinceLastEvent)
	r.Register(core.CondFirstOccurrence, evalFirstOccurrence)
	r.Register(core.CondScript, r.evalScript)
	return r
}

// Register installs or replaces the evaluator for a kind.
func (r *Registry) Register(kind core.ConditionKind, ev Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = ev
}

func (r *Registry) lookup(kind core.ConditionKind) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.kinds[kind]
	return ev, ok
}

// Evaluate runs one condition. Unknown kinds evaluate false rather than
// erroring, so a rule referencing an unavailable plugin fails safe.
func (r *Registry) Evaluate(cond core.Condition, events []core.Event, trigger core.Event) (bool, error) {
	ev, ok := r.lookup(cond.Kind)
	if !ok {
		return false, nil
	}
	return ev(events, trigger, cond.Params)
}

// EvaluateRule applies the rule's combinator over its conditions. A rule with
// no conditions is trigger-only and always satisfied. Evaluator errors count
// as unmet; they are joined into the returned error for the caller to log.
func (r *Registry) EvaluateRule(rule core.Rule, events []core.Event, trigger core.Event) (bool, error) {
	if len(rule.Conditions) == 0 {
		return true, nil
	}
	var errs []error
	switch rule.Combinator {
	case core.CombineAny:
		for _, cond := range rule.Conditions {
			ok, err := r.Evaluate(cond, events, trigger)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				return true, nil
			}
		}
		return false, errors.Join(errs...)
	default: // ALL, the default combinator
		for _, cond := range rule.Conditions {
			ok, err := r.Evaluate(cond, events, trigger)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
}

// evalScript delegates to a plugin evaluator registered under the script's
// name. Unregistered scripts evaluate false, never error.
func (r *Registry) evalScript(events []core.Event, trigger core.Event, params core.Params) (bool, error) {
	name, err := params.String("name")
	if err != nil {
		return false, err
	}
	ev, ok := r.lookup(core.ConditionKind(name))
	if !ok {
		return false, nil
	}
	return ev(events, trigger, params)
}

// RuleWindow returns the largest trailing window any condition of the rule
// references, so the engine can fetch a minimal slice of the event log.
// bounded=false means at least one condition needs the full history.
func RuleWindow(rule core.Rule) (window time.Duration, bounded bool) {
	bounded = true
	for _, cond := range rule.Conditions {
		d, b := conditionWindow(cond)
		if !b {
			return 0, false
		}
		if d > window {
			window = d
		}
	}
	return window, bounded
}

func conditionWindow(cond core.Condition) (time.Duration, bool) {
	switch cond.Kind {
	case core.CondAlwaysTrue, core.CondAttributeEquals, core.CondThreshold:
		// trigger-only predicates need no history
		return 0, true
	case core.CondCount:
		d, ok, err := cond.Params.Minutes("window_minutes")
		if err != nil || !ok {
			return 0, false
		}
		return d, true
	case core.CondSequence:
		d, ok, err := cond.Params.Minutes("window_minutes")
		if err != nil || !ok {
			return 0, false
		}
		return d, true
	default:
		// time_since_last_event, first_occurrence, scripts, and plugin kinds
		// may look arbitrarily far back
		return 0, false
	}
}

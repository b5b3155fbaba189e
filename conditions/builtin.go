package conditions

import (
	"fmt"
	"sort"
	"time"

	"meritkit/core"
)

// evalAlwaysTrue is the placeholder predicate for trigger-only rules.
func evalAlwaysTrue([]core.Event, core.Event, core.Params) (bool, error) {
	return true, nil
}

// evalAttributeEquals matches an attribute of the trigger event against an
// expected value. A missing attribute is unmet, not an error.
func evalAttributeEquals(_ []core.Event, trigger core.Event, params core.Params) (bool, error) {
	name, err := params.String("attribute")
	if err != nil {
		return false, err
	}
	want, ok := params.Value("value")
	if !ok {
		return false, fmt.Errorf("%w: \"value\" missing", core.ErrInvalidParameter)
	}
	got, ok := trigger.Attr(name)
	if !ok {
		return false, nil
	}
	return core.AttrEqual(got, want), nil
}

var thresholdOps = map[string]func(a, b float64) bool{
	">=": func(a, b float64) bool { return a >= b },
	">":  func(a, b float64) bool { return a > b },
	"<=": func(a, b float64) bool { return a <= b },
	"<":  func(a, b float64) bool { return a < b },
	"==": func(a, b float64) bool { return a == b },
	"!=": func(a, b float64) bool { return a != b },
}

// evalThreshold compares a numeric trigger attribute against a threshold.
// Missing or non-numeric attributes are unmet, not errors.
func evalThreshold(_ []core.Event, trigger core.Event, params core.Params) (bool, error) {
	name, err := params.String("attribute")
	if err != nil {
		return false, err
	}
	op := params.StringOr("operator", ">=")
	cmp, ok := thresholdOps[op]
	if !ok {
		return false, fmt.Errorf("%w: unknown operator %q", core.ErrInvalidParameter, op)
	}
	threshold, err := params.Float("value")
	if err != nil {
		return false, err
	}
	actual, ok := trigger.NumericAttr(name)
	if !ok {
		return false, nil
	}
	return cmp(actual, threshold), nil
}

// evalCount counts events of a type within a trailing window ending at the
// trigger's timestamp (the trigger itself counts when its type matches).
// Without a window the whole slice is in scope.
func evalCount(events []core.Event, trigger core.Event, params core.Params) (bool, error) {
	typ, err := params.String("event_type")
	if err != nil {
		return false, err
	}
	minCount, err := params.Int("min_count")
	if err != nil {
		return false, err
	}
	if minCount < 1 {
		return false, fmt.Errorf("%w: \"min_count\" must be >= 1", core.ErrInvalidParameter)
	}
	window, bounded, err := params.Minutes("window_minutes")
	if err != nil {
		return false, err
	}

	var count int64
	for _, ev := range events {
		if ev.Type != core.EventType(typ) {
			continue
		}
		if !inWindow(ev.OccurredAt, trigger.OccurredAt, window, bounded) {
			continue
		}
		count++
	}
	return count >= minCount, nil
}

// evalSequence performs a greedy left-to-right subsequence scan: the pointer
// into the required type list advances each time the next required type is
// seen in timestamp order. Interleaved unrelated events are admitted; O(n) in
// the number of windowed events.
func evalSequence(events []core.Event, trigger core.Event, params core.Params) (bool, error) {
	required, err := params.StringSlice("event_types")
	if err != nil {
		return false, err
	}
	window, bounded, err := params.Minutes("window_minutes")
	if err != nil {
		return false, err
	}
	if !bounded {
		return false, fmt.Errorf("%w: \"window_minutes\" missing", core.ErrInvalidParameter)
	}

	ordered := make([]core.Event, 0, len(events))
	for _, ev := range events {
		if inWindow(ev.OccurredAt, trigger.OccurredAt, window, true) {
			ordered = append(ordered, ev)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].OccurredAt.Before(ordered[j].OccurredAt) })

	next := 0
	for _, ev := range ordered {
		if next < len(required) && ev.Type == core.EventType(required[next]) {
			next++
		}
	}
	return next == len(required), nil
}

// evalTimeSinceLastEvent checks that enough time has passed since the most
// recent other event of a type. The first occurrence is vacuously satisfied.
func evalTimeSinceLastEvent(events []core.Event, trigger core.Event, params core.Params) (bool, error) {
	typ, err := params.String("event_type")
	if err != nil {
		return false, err
	}
	minGap, ok, err := params.Minutes("min_minutes")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: \"min_minutes\" missing", core.ErrInvalidParameter)
	}

	var last time.Time
	for _, ev := range events {
		if ev.ID == trigger.ID || ev.Type != core.EventType(typ) {
			continue
		}
		if !ev.OccurredAt.Before(trigger.OccurredAt) {
			continue
		}
		if ev.OccurredAt.After(last) {
			last = ev.OccurredAt
		}
	}
	if last.IsZero() {
		return true, nil
	}
	return trigger.OccurredAt.Sub(last) >= minGap, nil
}

// evalFirstOccurrence holds iff no earlier event of the type (default: the
// trigger's own type) exists for the user.
func evalFirstOccurrence(events []core.Event, trigger core.Event, params core.Params) (bool, error) {
	typ := core.EventType(params.StringOr("event_type", string(trigger.Type)))
	for _, ev := range events {
		if ev.ID == trigger.ID || ev.Type != typ {
			continue
		}
		if ev.OccurredAt.Before(trigger.OccurredAt) {
			return false, nil
		}
	}
	return true, nil
}

// inWindow reports whether ts falls inside (end-window, end]. An unbounded
// window admits everything at or before end.
func inWindow(ts, end time.Time, window time.Duration, bounded bool) bool {
	if ts.After(end) {
		return false
	}
	if !bounded {
		return true
	}
	return ts.After(end.Add(-window))
}

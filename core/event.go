package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event is an immutable activity record. Attributes are frozen at ingestion;
// the engine never mutates them.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	UserID     UserID         `json:"user_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// NewEvent validates and constructs an event. A zero OccurredAt defaults to
// the current time; timestamps are normalized to UTC.
func NewEvent(id string, typ EventType, user UserID, occurredAt time.Time, attrs map[string]any) (Event, error) {
	if strings.TrimSpace(id) == "" {
		return Event{}, fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if strings.TrimSpace(string(typ)) == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	normalized, err := NormalizeUserID(user)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	return Event{
		ID:         id,
		Type:       typ,
		UserID:     normalized,
		OccurredAt: occurredAt.UTC(),
		Attributes: cloneAttrs(attrs),
	}, nil
}

// Attr returns the raw attribute value.
func (e Event) Attr(name string) (any, bool) {
	v, ok := e.Attributes[name]
	return v, ok
}

// NumericAttr coerces an attribute to float64. Integers, floats, json.Number,
// and numeric strings all qualify; anything else reports false.
func (e Event) NumericAttr(name string) (float64, bool) {
	v, ok := e.Attributes[name]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Clone returns a deep copy to uphold immutability at storage boundaries.
func (e Event) Clone() Event {
	cp := e
	cp.Attributes = cloneAttrs(e.Attributes)
	return cp
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AttrEqual compares two attribute values. Numeric values compare by value
// regardless of concrete type (JSON and YAML decoders disagree on int vs
// float); everything else compares by string form.
func AttrEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

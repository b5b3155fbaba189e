package core

import (
	"fmt"
	"time"
)

// Params carries the free-form parameters of a condition or reward as loaded
// from a rule definition. Getters return ErrInvalidParameter-wrapped errors so
// callers can classify the failure as permanent.
type Params map[string]any

// String returns a required string parameter.
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("%w: %q missing", ErrInvalidParameter, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", ErrInvalidParameter, key)
	}
	return s, nil
}

// StringOr returns an optional string parameter with a default.
func (p Params) StringOr(key, def string) string {
	if s, ok := p[key].(string); ok && s != "" {
		return s
	}
	return def
}

// Int returns a required integer parameter. YAML decodes small numbers as
// int, JSON as float64; both are accepted.
func (p Params) Int(key string) (int64, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q missing", ErrInvalidParameter, key)
	}
	f, ok := toFloat(v)
	if !ok || f != float64(int64(f)) {
		return 0, fmt.Errorf("%w: %q must be an integer", ErrInvalidParameter, key)
	}
	return int64(f), nil
}

// Float returns a required numeric parameter.
func (p Params) Float(key string) (float64, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q missing", ErrInvalidParameter, key)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: %q must be numeric", ErrInvalidParameter, key)
	}
	return f, nil
}

// Minutes reads an optional whole-minute window parameter. Reports ok=false
// when the key is absent; zero or negative values are invalid.
func (p Params) Minutes(key string) (time.Duration, bool, error) {
	if _, present := p[key]; !present {
		return 0, false, nil
	}
	n, err := p.Int(key)
	if err != nil {
		return 0, false, err
	}
	if n <= 0 {
		return 0, false, fmt.Errorf("%w: %q must be positive", ErrInvalidParameter, key)
	}
	return time.Duration(n) * time.Minute, true, nil
}

// StringSlice returns a required list-of-strings parameter.
func (p Params) StringSlice(key string) ([]string, error) {
	v, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q missing", ErrInvalidParameter, key)
	}
	switch list := v.(type) {
	case []string:
		if len(list) == 0 {
			return nil, fmt.Errorf("%w: %q must not be empty", ErrInvalidParameter, key)
		}
		return list, nil
	case []any:
		if len(list) == 0 {
			return nil, fmt.Errorf("%w: %q must not be empty", ErrInvalidParameter, key)
		}
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("%w: %q[%d] must be a non-empty string", ErrInvalidParameter, key, i)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q must be a list of strings", ErrInvalidParameter, key)
	}
}

// Value returns the raw parameter value.
func (p Params) Value(key string) (any, bool) {
	v, ok := p[key]
	return v, ok
}

// Clone returns a shallow copy; parameter values are treated as immutable.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	cp := make(Params, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

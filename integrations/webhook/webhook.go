package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"meritkit/core"
)

// Sink posts reward outcomes to configured HTTP endpoints. It is synchronous
// for determinism; subscribe it on an async outcome bus when latency matters.
type Sink struct {
	client    *http.Client
	endpoints []string
	kinds     map[core.RewardKind]struct{}
}

// Option configures a Sink.
type Option func(*Sink)

// WithClient overrides the HTTP client (defaults to 2s timeout).
func WithClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithKinds limits delivery to the listed reward kinds.
func WithKinds(kinds ...core.RewardKind) Option {
	return func(s *Sink) {
		s.kinds = make(map[core.RewardKind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
}

// New creates a webhook sink.
func New(endpoints []string, opts ...Option) *Sink {
	s := &Sink{
		client: &http.Client{Timeout: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.endpoints = append([]string{}, endpoints...)
	return s
}

// OnOutcome posts the outcome JSON to all endpoints; delivery errors are
// ignored. Matches the outcome bus handler signature.
func (s *Sink) OnOutcome(ctx context.Context, entry core.HistoryEntry) {
	if len(s.endpoints) == 0 {
		return
	}
	if s.kinds != nil {
		if _, ok := s.kinds[entry.RewardKind]; !ok {
			return
		}
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return
	}
	for _, ep := range s.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep, bytes.NewReader(body))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
		}
	}
}

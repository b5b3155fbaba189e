// Package jsonfile persists the full dataset (states, event log, reward
// history) to a single JSON file. Suitable for demos and small deployments.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"meritkit/core"
	"meritkit/engine"
)

// document is the on-disk layout. Everything lives in one file so a snapshot
// is always self-consistent.
type document struct {
	States  map[string]core.UserState      `json:"states"`
	Events  map[string][]core.Event        `json:"events"`
	History map[string][]core.HistoryEntry `json:"history"`
	Seen    map[string]struct{}            `json:"seen_event_ids"`
}

// Store keeps the document in memory and rewrites the file on every mutation
// via a temp-file rename, so a crash never leaves a half-written file.
type Store struct {
	path string
	mu   sync.Mutex
	doc  document
}

func New(path string) (*Store, error) {
	s := &Store{path: path, doc: document{
		States:  map[string]core.UserState{},
		Events:  map[string][]core.Event{},
		History: map[string][]core.HistoryEntry{},
		Seen:    map[string]struct{}{},
	}}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc.States != nil {
		s.doc.States = doc.States
	}
	if doc.Events != nil {
		s.doc.Events = doc.Events
	}
	if doc.History != nil {
		s.doc.History = doc.History
	}
	if doc.Seen != nil {
		s.doc.Seen = doc.Seen
	}
	return nil
}

func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) AppendEvent(_ context.Context, ev core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(ev.UserID)
	s.doc.Seen[ev.ID] = struct{}{}
	events := append(s.doc.Events[key], ev.Clone())
	sort.SliceStable(events, func(i, j int) bool { return events[i].OccurredAt.Before(events[j].OccurredAt) })
	s.doc.Events[key] = events
	return s.persist()
}

func (s *Store) Seen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.doc.Seen[id]
	return ok, nil
}

func (s *Store) ListEvents(_ context.Context, user core.UserID, filter engine.EventFilter) ([]core.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Event
	for _, ev := range s.doc.Events[string(user)] {
		if filter.Matches(ev) {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

func (s *Store) GetState(_ context.Context, user core.UserID) (core.UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.doc.States[string(user)]; ok {
		return st.Clone(), nil
	}
	return core.NewUserState(user), nil
}

func (s *Store) SaveState(_ context.Context, state core.UserState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.States[string(state.UserID)] = state.Clone()
	return s.persist()
}

func (s *Store) ListStates(_ context.Context) ([]core.UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.UserState, 0, len(s.doc.States))
	for _, st := range s.doc.States {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) AppendHistory(_ context.Context, entry core.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(entry.UserID)
	s.doc.History[key] = append(s.doc.History[key], entry.Clone())
	return s.persist()
}

func (s *Store) ListHistory(_ context.Context, user core.UserID, filter core.HistoryFilter) ([]core.HistoryEntry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]core.HistoryEntry, 0, len(s.doc.History[string(user)]))
	for _, h := range s.doc.History[string(user)] {
		if filter.Matches(h) {
			matched = append(matched, h.Clone())
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].AwardedAt.After(matched[j].AwardedAt) })

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= total {
			return nil, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *Store) ListHistoryRange(_ context.Context, from, to time.Time) ([]core.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.HistoryEntry
	for _, entries := range s.doc.History {
		for _, h := range entries {
			if !h.AwardedAt.Before(from) && h.AwardedAt.Before(to) {
				out = append(out, h.Clone())
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AwardedAt.Before(out[j].AwardedAt) })
	return out, nil
}

var _ engine.EventLog = (*Store)(nil)
var _ engine.StateStore = (*Store)(nil)
var _ engine.HistoryStore = (*Store)(nil)

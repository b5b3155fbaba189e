// Package memory provides concurrent in-memory implementations of the engine
// repositories. Suitable for tests, demos, and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"meritkit/core"
	"meritkit/engine"
)

// Store implements engine.EventLog, engine.StateStore, and
// engine.HistoryStore over per-user records guarded by a record mutex.
type Store struct {
	users sync.Map // map[core.UserID]*userRecord

	mu  sync.RWMutex
	ids map[string]struct{} // appended event ids, for dedupe
}

type userRecord struct {
	mu      sync.Mutex
	state   core.UserState
	events  []core.Event
	history []core.HistoryEntry
}

func New() *Store {
	return &Store{ids: make(map[string]struct{})}
}

func (s *Store) getOrCreate(user core.UserID) *userRecord {
	if v, ok := s.users.Load(user); ok {
		return v.(*userRecord)
	}
	rec := &userRecord{state: core.NewUserState(user)}
	actual, _ := s.users.LoadOrStore(user, rec)
	return actual.(*userRecord)
}

// AppendEvent records an immutable copy of the event in timestamp order.
func (s *Store) AppendEvent(_ context.Context, ev core.Event) error {
	s.mu.Lock()
	s.ids[ev.ID] = struct{}{}
	s.mu.Unlock()

	rec := s.getOrCreate(ev.UserID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.events = append(rec.events, ev.Clone())
	sort.SliceStable(rec.events, func(i, j int) bool {
		return rec.events[i].OccurredAt.Before(rec.events[j].OccurredAt)
	})
	return nil
}

func (s *Store) Seen(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok, nil
}

func (s *Store) ListEvents(_ context.Context, user core.UserID, filter engine.EventFilter) ([]core.Event, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []core.Event
	for _, ev := range rec.events {
		if filter.Matches(ev) {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

func (s *Store) GetState(_ context.Context, user core.UserID) (core.UserState, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state.Clone(), nil
}

func (s *Store) SaveState(_ context.Context, state core.UserState) error {
	rec := s.getOrCreate(state.UserID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.state = state.Clone()
	return nil
}

func (s *Store) ListStates(_ context.Context) ([]core.UserState, error) {
	var out []core.UserState
	s.users.Range(func(_, v any) bool {
		rec := v.(*userRecord)
		rec.mu.Lock()
		out = append(out, rec.state.Clone())
		rec.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) AppendHistory(_ context.Context, entry core.HistoryEntry) error {
	rec := s.getOrCreate(entry.UserID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.history = append(rec.history, entry.Clone())
	return nil
}

func (s *Store) ListHistory(_ context.Context, user core.UserID, filter core.HistoryFilter) ([]core.HistoryEntry, int, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	matched := make([]core.HistoryEntry, 0, len(rec.history))
	for _, h := range rec.history {
		if filter.Matches(h) {
			matched = append(matched, h.Clone())
		}
	}
	// newest first
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
	var out []core.HistoryEntry
	s.users.Range(func(_, v any) bool {
		rec := v.(*userRecord)
		rec.mu.Lock()
		for _, h := range rec.history {
			if !h.AwardedAt.Before(from) && h.AwardedAt.Before(to) {
				out = append(out, h.Clone())
			}
		}
		rec.mu.Unlock()
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].AwardedAt.Before(out[j].AwardedAt) })
	return out, nil
}

var _ engine.EventLog = (*Store)(nil)
var _ engine.StateStore = (*Store)(nil)
var _ engine.HistoryStore = (*Store)(nil)

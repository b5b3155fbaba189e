package engine

import (
	"context"
	"time"

	"meritkit/core"
)

// EventFilter bounds an event-log query. Zero times mean unbounded; Until is
// inclusive so the trigger event itself is always part of its own slice.
type EventFilter struct {
	Types []core.EventType
	Since time.Time
	Until time.Time
}

// Matches reports whether the event passes the filter.
func (f EventFilter) Matches(ev core.Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && ev.OccurredAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.OccurredAt.After(f.Until) {
		return false
	}
	return true
}

// EventLog is the append-only activity record store. Method names are
// distinct across the repository interfaces so one adapter type can
// implement all of them.
type EventLog interface {
	AppendEvent(ctx context.Context, ev core.Event) error
	// Seen reports whether an event id was already appended; the engine uses
	// it to tolerate at-least-once delivery without double-awarding.
	Seen(ctx context.Context, id string) (bool, error)
	// ListEvents returns the user's events matching the filter, ordered by
	// OccurredAt ascending.
	ListEvents(ctx context.Context, user core.UserID, filter EventFilter) ([]core.Event, error)
}

// StateStore persists per-user aggregate snapshots. GetState returns an
// empty snapshot for unknown users.
type StateStore interface {
	GetState(ctx context.Context, user core.UserID) (core.UserState, error)
	SaveState(ctx context.Context, state core.UserState) error
	// ListStates returns all known user snapshots; the all-time leaderboard
	// path reads it.
	ListStates(ctx context.Context) ([]core.UserState, error)
}

// HistoryStore persists the append-only reward ledger.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entry core.HistoryEntry) error
	// ListHistory returns one page of the user's entries, newest first, plus
	// the total count matching the filter.
	ListHistory(ctx context.Context, user core.UserID, filter core.HistoryFilter) ([]core.HistoryEntry, int, error)
	// ListHistoryRange returns all entries with AwardedAt in [from, to), any
	// user. The bounded leaderboard windows aggregate over it.
	ListHistoryRange(ctx context.Context, from, to time.Time) ([]core.HistoryEntry, error)
}

// RuleSource supplies the active rule set plus the category and level
// definitions rewards resolve against. Implementations may hot-reload;
// ActiveRules must return a stable snapshot safe to iterate.
type RuleSource interface {
	ActiveRules(ctx context.Context) []core.Rule
	Category(id core.CategoryID) (core.PointCategory, bool)
	Levels() []core.Level
}

// Queue abstracts the transport handing events to a background worker. The
// local channel-backed implementation lives in this package; broker-backed
// implementations are deployment collaborators.
type Queue interface {
	Enqueue(ctx context.Context, ev core.Event) error
	// Dequeue blocks until an event is available or ctx is done.
	Dequeue(ctx context.Context) (core.Event, error)
}

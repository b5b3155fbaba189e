package core

import "time"

// HistoryEntry is one immutable record in the append-only reward ledger.
// Every reward execution attempt writes exactly one entry, including
// failures and idempotent no-ops, so the ledger is a complete audit trail
// and the sole source for time-windowed leaderboard aggregation.
//
// The same value doubles as the per-reward outcome returned to callers of
// EvaluateEvent.
type HistoryEntry struct {
	ID             string         `json:"id"`
	UserID         UserID         `json:"user_id"`
	RuleID         RuleID         `json:"rule_id"`
	RewardID       string         `json:"reward_id"`
	RewardKind     RewardKind     `json:"reward_kind"`
	TriggerEventID string         `json:"trigger_event_id"`
	AwardedAt      time.Time      `json:"awarded_at"`
	Success        bool           `json:"success"`
	Message        string         `json:"message,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// Detail returns a detail value, or nil when absent.
func (h HistoryEntry) Detail(key string) any {
	return h.Details[key]
}

// Clone returns a deep copy of the entry.
func (h HistoryEntry) Clone() HistoryEntry {
	cp := h
	if h.Details != nil {
		cp.Details = make(map[string]any, len(h.Details))
		for k, v := range h.Details {
			cp.Details[k] = v
		}
	}
	return cp
}

// HistoryFilter bounds a per-user history query. Zero fields mean unbounded.
type HistoryFilter struct {
	RewardKind  RewardKind
	From        time.Time
	To          time.Time
	OnlySuccess bool
	Offset      int
	Limit       int
}

// Matches reports whether the entry passes the filter, ignoring pagination.
func (f HistoryFilter) Matches(h HistoryEntry) bool {
	if f.RewardKind != "" && h.RewardKind != f.RewardKind {
		return false
	}
	if f.OnlySuccess && !h.Success {
		return false
	}
	if !f.From.IsZero() && h.AwardedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !h.AwardedAt.Before(f.To) {
		return false
	}
	return true
}

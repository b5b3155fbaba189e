// Package leaderboard computes ranked standings over user state (all-time)
// and reward history (bounded time windows).
package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"meritkit/core"
	"meritkit/engine"
)

// Metric selects what a leaderboard ranks.
type Metric string

const (
	MetricPoints   Metric = "points"
	MetricBadges   Metric = "badges"
	MetricTrophies Metric = "trophies"
	MetricLevel    Metric = "level"
)

// Query describes one leaderboard request. A zero Reference means now;
// Category is required for points and level metrics.
type Query struct {
	Metric    Metric
	Category  core.CategoryID
	Range     TimeRange
	Page      int
	PageSize  int
	Reference time.Time
}

// RankedEntry is one row of a leaderboard page. Rank is 1-based.
type RankedEntry struct {
	Rank   int         `json:"rank"`
	UserID core.UserID `json:"user_id"`
	Score  int64       `json:"score"`
}

// Page is one slice of the sorted standings.
type Page struct {
	Entries     []RankedEntry `json:"entries"`
	TotalCount  int           `json:"total_count"`
	Page        int           `json:"page"`
	PageSize    int           `json:"page_size"`
	HasNext     bool          `json:"has_next"`
	HasPrevious bool          `json:"has_previous"`
}

const defaultPageSize = 25

// Ranker answers leaderboard queries. All-time standings read the state
// store snapshot (exact totals); bounded ranges sum the history ledger,
// since state holds no time-sliced detail. Read-only and safe for unlimited
// concurrent callers.
type Ranker struct {
	states  engine.StateStore
	history engine.HistoryStore
	rules   engine.RuleSource
	index   *Index
}

// NewRanker builds a ranker. The index is optional; when present it serves
// the all-time points fast path.
func NewRanker(states engine.StateStore, history engine.HistoryStore, rules engine.RuleSource, index *Index) *Ranker {
	return &Ranker{states: states, history: history, rules: rules, index: index}
}

// Query computes one leaderboard page. Honors ctx cancellation between
// users, so long computations can be abandoned.
func (r *Ranker) Query(ctx context.Context, q Query) (Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = defaultPageSize
	}
	if q.Reference.IsZero() {
		q.Reference = time.Now()
	}
	if (q.Metric == MetricPoints || q.Metric == MetricLevel) && q.Category == "" {
		return Page{}, fmt.Errorf("leaderboard: %s metric requires a category", q.Metric)
	}

	from, to, bounded := Window(q.Range, q.Reference)

	var entries []Entry
	var err error
	if !bounded {
		entries, err = r.allTime(ctx, q)
	} else {
		entries, err = r.windowed(ctx, q, from, to)
	}
	if err != nil {
		return Page{}, err
	}
	return paginate(entries, q.Page, q.PageSize), nil
}

func (r *Ranker) allTime(ctx context.Context, q Query) ([]Entry, error) {
	if q.Metric == MetricPoints && r.index != nil {
		if board, ok := r.index.Board(q.Category); ok {
			return board.TopN(board.Len()), nil
		}
	}

	states, err := r.states.ListStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: list states: %w", err)
	}
	ordinals := r.levelOrdinals(q.Category)

	var entries []Entry
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var score int64
		switch q.Metric {
		case MetricPoints:
			score = st.Points[q.Category].Value
		case MetricBadges:
			score = int64(len(st.Badges))
		case MetricTrophies:
			score = int64(len(st.Trophies))
		case MetricLevel:
			if lvl, ok := core.LevelForPoints(r.rules.Levels(), q.Category, st.Points[q.Category].Value); ok {
				score = ordinals[lvl.ID]
			}
		default:
			return nil, fmt.Errorf("leaderboard: unknown metric %q", q.Metric)
		}
		if score != 0 {
			entries = append(entries, Entry{User: st.UserID, Score: score})
		}
	}
	sortEntries(entries)
	return entries, nil
}

func (r *Ranker) windowed(ctx context.Context, q Query, from, to time.Time) ([]Entry, error) {
	history, err := r.history.ListHistoryRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: list history: %w", err)
	}
	ordinals := r.levelOrdinals(q.Category)

	scores := make(map[core.UserID]int64)
	for _, h := range history {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !h.Success {
			continue
		}
		switch q.Metric {
		case MetricPoints:
			if h.RewardKind != core.RewardPoints && h.RewardKind != core.RewardPenalty {
				continue
			}
			if cat, _ := h.Detail("category").(string); cat != string(q.Category) {
				continue
			}
			if amount, ok := detailInt(h.Detail("amount")); ok {
				scores[h.UserID] += amount
			}
		case MetricBadges:
			if h.RewardKind == core.RewardBadge && h.Detail("already_granted") == false {
				scores[h.UserID]++
			}
		case MetricTrophies:
			if h.RewardKind == core.RewardTrophy && h.Detail("already_granted") == false {
				scores[h.UserID]++
			}
		case MetricLevel:
			if h.RewardKind != core.RewardLevel {
				continue
			}
			if cat, _ := h.Detail("category").(string); cat != string(q.Category) {
				continue
			}
			id, _ := h.Detail("level").(string)
			if ord, ok := ordinals[id]; ok && ord > scores[h.UserID] {
				scores[h.UserID] = ord
			}
		default:
			return nil, fmt.Errorf("leaderboard: unknown metric %q", q.Metric)
		}
	}

	entries := make([]Entry, 0, len(scores))
	for user, score := range scores {
		entries = append(entries, Entry{User: user, Score: score})
	}
	sortEntries(entries)
	return entries, nil
}

// levelOrdinals ranks a category's levels 1..n by ascending MinPoints so a
// "max level reached" score is comparable.
func (r *Ranker) levelOrdinals(category core.CategoryID) map[string]int64 {
	var levels []core.Level
	for _, l := range r.rules.Levels() {
		if l.Category == category {
			levels = append(levels, l)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].MinPoints < levels[j].MinPoints })
	ordinals := make(map[string]int64, len(levels))
	for i, l := range levels {
		ordinals[l.ID] = int64(i + 1)
	}
	return ordinals
}

// sortEntries orders by score descending, ties by ascending user id for
// determinism.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
}

func paginate(entries []Entry, page, pageSize int) Page {
	total := len(entries)
	start := (page - 1) * pageSize
	end := start + pageSize
	// a page past the end has no navigable neighbors
	hasPrevious := page > 1 && start < total
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	ranked := make([]RankedEntry, 0, end-start)
	for i := start; i < end; i++ {
		ranked = append(ranked, RankedEntry{Rank: i + 1, UserID: entries[i].User, Score: entries[i].Score})
	}
	return Page{
		Entries:     ranked,
		TotalCount:  total,
		Page:        page,
		PageSize:    pageSize,
		HasNext:     end < total,
		HasPrevious: hasPrevious,
	}
}

func detailInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		// history that round-tripped through JSON
		return int64(n), true
	default:
		return 0, false
	}
}

// Index maintains live all-time points standings per category, fed from the
// engine's outcome bus. It spares the ranker a full state scan on the
// hottest query.
type Index struct {
	mu     sync.RWMutex
	boards map[core.CategoryID]*SkipList
}

func NewIndex() *Index {
	return &Index{boards: make(map[core.CategoryID]*SkipList)}
}

// Board returns the standings for a category, if any outcomes touched it.
func (i *Index) Board(cat core.CategoryID) (*SkipList, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	b, ok := i.boards[cat]
	return b, ok
}

func (i *Index) board(cat core.CategoryID) *SkipList {
	i.mu.Lock()
	defer i.mu.Unlock()
	b, ok := i.boards[cat]
	if !ok {
		b = NewSkipList()
		i.boards[cat] = b
	}
	return b
}

// OnOutcome folds one reward outcome into the index. Wire it with
// engine.Subscribe(engine.KindAny, index.OnOutcome).
func (i *Index) OnOutcome(_ context.Context, o core.HistoryEntry) {
	if !o.Success {
		return
	}
	if o.RewardKind != core.RewardPoints && o.RewardKind != core.RewardPenalty {
		return
	}
	cat, _ := o.Detail("category").(string)
	if cat == "" {
		return
	}
	if value, ok := detailInt(o.Detail("value")); ok {
		i.board(core.CategoryID(cat)).Update(o.UserID, value)
	}
}

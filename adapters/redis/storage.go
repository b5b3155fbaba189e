package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"meritkit/core"
	"meritkit/engine"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store implements the engine repositories using Redis as the backend.
// Data structure:
// - user:{user_id}:state -> JSON blob of UserState
// - user:{user_id}:events -> ZSET of event JSON scored by OccurredAt (unix nanos)
// - user:{user_id}:history -> ZSET of history JSON scored by AwardedAt
// - history:all -> global ZSET mirroring per-user history, for range scans
// - events:seen -> set of ingested event ids
// - users:known -> set of user ids with stored state
type Store struct {
	client *redis.Client
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

const (
	seenKey  = "events:seen"
	usersKey = "users:known"
	allKey   = "history:all"
)

func userStateKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:state", userID)
}

func userEventsKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:events", userID)
}

func userHistoryKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:history", userID)
}

// Lua script for atomic event ingestion: mark the id seen and append to the
// user's event log in one step, so a crash between the two cannot leave a
// seen id without a logged event.
var appendEventScript = redis.NewScript(`
	redis.call('SADD', KEYS[1], ARGV[1])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
	return 1
`)

// AppendEvent records the event in the user's log and marks its id seen.
func (s *Store) AppendEvent(ctx context.Context, ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	keys := []string{seenKey, userEventsKey(ev.UserID)}
	err = appendEventScript.Run(ctx, s.client, keys, ev.ID, ev.OccurredAt.UnixNano(), data).Err()
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Seen reports whether an event id was already ingested.
func (s *Store) Seen(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, seenKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event id: %w", err)
	}
	return ok, nil
}

// ListEvents reads the user's event log, using the ZSET score to push the
// time bounds down to Redis.
func (s *Store) ListEvents(ctx context.Context, user core.UserID, filter engine.EventFilter) ([]core.Event, error) {
	min, max := "-inf", "+inf"
	if !filter.Since.IsZero() {
		min = fmt.Sprintf("%d", filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		max = fmt.Sprintf("%d", filter.Until.UnixNano())
	}
	raw, err := s.client.ZRangeByScore(ctx, userEventsKey(user), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	var out []core.Event
	for _, item := range raw {
		var ev core.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue // Skip invalid entries
		}
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// GetState retrieves the user state blob; a missing key yields a fresh state.
func (s *Store) GetState(ctx context.Context, user core.UserID) (core.UserState, error) {
	data, err := s.client.Get(ctx, userStateKey(user)).Bytes()
	if err == redis.Nil {
		return core.NewUserState(user), nil
	}
	if err != nil {
		return core.UserState{}, fmt.Errorf("failed to get state: %w", err)
	}
	var state core.UserState
	if err := json.Unmarshal(data, &state); err != nil {
		return core.UserState{}, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

// SaveState stores the full state blob and registers the user.
func (s *Store) SaveState(ctx context.Context, state core.UserState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, userStateKey(state.UserID), data, 0)
	pipe.SAdd(ctx, usersKey, string(state.UserID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// ListStates loads every known user's state.
func (s *Store) ListStates(ctx context.Context) ([]core.UserState, error) {
	users, err := s.client.SMembers(ctx, usersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	out := make([]core.UserState, 0, len(users))
	for _, u := range users {
		state, err := s.GetState(ctx, core.UserID(u))
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

// AppendHistory writes the entry to the user's ledger and the global mirror.
func (s *Store) AppendHistory(ctx context.Context, entry core.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	score := float64(entry.AwardedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, userHistoryKey(entry.UserID), redis.Z{Score: score, Member: data})
	pipe.ZAdd(ctx, allKey, redis.Z{Score: score, Member: data})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory reads the user's ledger newest first and filters in process;
// Redis only orders by time.
func (s *Store) ListHistory(ctx context.Context, user core.UserID, filter core.HistoryFilter) ([]core.HistoryEntry, int, error) {
	raw, err := s.client.ZRevRange(ctx, userHistoryKey(user), 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list history: %w", err)
	}

	matched := make([]core.HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry core.HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue // Skip invalid entries
		}
		if filter.Matches(entry) {
			matched = append(matched, entry)
		}
	}

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

// ListHistoryRange scans the global mirror for [from, to).
func (s *Store) ListHistoryRange(ctx context.Context, from, to time.Time) ([]core.HistoryEntry, error) {
	rng := &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", from.UnixNano()),
		Max: fmt.Sprintf("(%d", to.UnixNano()),
	}
	raw, err := s.client.ZRangeByScore(ctx, allKey, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan history: %w", err)
	}
	out := make([]core.HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry core.HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

var _ engine.EventLog = (*Store)(nil)
var _ engine.StateStore = (*Store)(nil)
var _ engine.HistoryStore = (*Store)(nil)

// Package sqlx implements the engine repositories on a relational database
// via jmoiron/sqlx. Postgres and MySQL are supported; queries use `?`
// placeholders and are rebound per driver.
package sqlx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"meritkit/core"
	"meritkit/engine"
)

// Driver names accepted by New.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config holds database connection configuration.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns sensible defaults for database configuration.
func DefaultConfig(driver string) Config {
	return Config{
		Driver:          driver,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Store implements engine.EventLog, engine.StateStore, and
// engine.HistoryStore on SQL tables. Tables:
//   - seen_events(event_id)
//   - events(id, user_id, event_type, occurred_at, attributes)
//   - users(user_id, updated_at)
//   - user_points(user_id, category, value, awards, raw)
//   - user_badges(user_id, badge)
//   - user_trophies(user_id, trophy)
//   - reward_history(id, user_id, rule_id, reward_id, kind,
//     trigger_event_id, awarded_at, success, message, details)
type Store struct {
	db *sqlx.DB
}

// New opens a database connection and verifies it.
func New(config Config) (*Store, error) {
	if config.Driver != DriverPostgres && config.Driver != DriverMySQL {
		return nil, fmt.Errorf("unsupported driver %q", config.Driver)
	}
	db, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (useful for testing).
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Schema is the portable DDL for the store's tables. TEXT columns hold JSON
// to stay driver-neutral.
const Schema = `
CREATE TABLE IF NOT EXISTS seen_events (
	event_id VARCHAR(128) PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS events (
	id VARCHAR(128) PRIMARY KEY,
	user_id VARCHAR(128) NOT NULL,
	event_type VARCHAR(128) NOT NULL,
	occurred_at TIMESTAMP NOT NULL,
	attributes TEXT
);
CREATE TABLE IF NOT EXISTS users (
	user_id VARCHAR(128) PRIMARY KEY,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS user_points (
	user_id VARCHAR(128) NOT NULL,
	category VARCHAR(128) NOT NULL,
	value BIGINT NOT NULL,
	awards BIGINT NOT NULL,
	raw BIGINT NOT NULL,
	PRIMARY KEY (user_id, category)
);
CREATE TABLE IF NOT EXISTS user_badges (
	user_id VARCHAR(128) NOT NULL,
	badge VARCHAR(128) NOT NULL,
	PRIMARY KEY (user_id, badge)
);
CREATE TABLE IF NOT EXISTS user_trophies (
	user_id VARCHAR(128) NOT NULL,
	trophy VARCHAR(128) NOT NULL,
	PRIMARY KEY (user_id, trophy)
);
CREATE TABLE IF NOT EXISTS reward_history (
	id VARCHAR(128) PRIMARY KEY,
	user_id VARCHAR(128) NOT NULL,
	rule_id VARCHAR(128) NOT NULL,
	reward_id VARCHAR(128) NOT NULL,
	kind VARCHAR(64) NOT NULL,
	trigger_event_id VARCHAR(128) NOT NULL,
	awarded_at TIMESTAMP NOT NULL,
	success BOOLEAN NOT NULL,
	message TEXT,
	details TEXT
);
`

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev core.Event) error {
	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO seen_events (event_id) VALUES (?)`), ev.ID); err != nil {
		return fmt.Errorf("insert seen event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO events (id, user_id, event_type, occurred_at, attributes) VALUES (?, ?, ?, ?, ?)`),
		ev.ID, ev.UserID, ev.Type, ev.OccurredAt.UTC(), string(attrs)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Seen(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(
		`SELECT COUNT(*) FROM seen_events WHERE event_id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("check event id: %w", err)
	}
	return count > 0, nil
}

type eventRow struct {
	ID         string    `db:"id"`
	UserID     string    `db:"user_id"`
	EventType  string    `db:"event_type"`
	OccurredAt time.Time `db:"occurred_at"`
	Attributes []byte    `db:"attributes"`
}

func (s *Store) ListEvents(ctx context.Context, user core.UserID, filter engine.EventFilter) ([]core.Event, error) {
	query := `SELECT id, user_id, event_type, occurred_at, attributes FROM events WHERE user_id = ?`
	args := []any{user}
	if !filter.Since.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query += ` AND occurred_at <= ?`
		args = append(args, filter.Until.UTC())
	}
	query += ` ORDER BY occurred_at ASC`

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]core.Event, 0, len(rows))
	for _, r := range rows {
		ev := core.Event{
			ID:         r.ID,
			Type:       core.EventType(r.EventType),
			UserID:     core.UserID(r.UserID),
			OccurredAt: r.OccurredAt.UTC(),
		}
		if len(r.Attributes) > 0 {
			if err := json.Unmarshal(r.Attributes, &ev.Attributes); err != nil {
				continue // skip undecodable rows
			}
		}
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

type pointsRow struct {
	Category string `db:"category"`
	Value    int64  `db:"value"`
	Awards   int64  `db:"awards"`
	Raw      int64  `db:"raw"`
}

func (s *Store) GetState(ctx context.Context, user core.UserID) (core.UserState, error) {
	state := core.NewUserState(user)

	var updated time.Time
	err := s.db.GetContext(ctx, &updated, s.db.Rebind(
		`SELECT updated_at FROM users WHERE user_id = ?`), user)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return core.UserState{}, fmt.Errorf("get user: %w", err)
	}
	state.Updated = updated.UTC()

	var points []pointsRow
	if err := s.db.SelectContext(ctx, &points, s.db.Rebind(
		`SELECT category, value, awards, raw FROM user_points WHERE user_id = ?`), user); err != nil {
		return core.UserState{}, fmt.Errorf("get points: %w", err)
	}
	for _, p := range points {
		state.Points[core.CategoryID(p.Category)] = core.PointTotal{Value: p.Value, Awards: p.Awards, Raw: p.Raw}
	}

	var badges []string
	if err := s.db.SelectContext(ctx, &badges, s.db.Rebind(
		`SELECT badge FROM user_badges WHERE user_id = ?`), user); err != nil {
		return core.UserState{}, fmt.Errorf("get badges: %w", err)
	}
	for _, b := range badges {
		state.Badges[core.BadgeID(b)] = struct{}{}
	}

	var trophies []string
	if err := s.db.SelectContext(ctx, &trophies, s.db.Rebind(
		`SELECT trophy FROM user_trophies WHERE user_id = ?`), user); err != nil {
		return core.UserState{}, fmt.Errorf("get trophies: %w", err)
	}
	for _, tr := range trophies {
		state.Trophies[core.TrophyID(tr)] = struct{}{}
	}
	return state, nil
}

// SaveState replaces the user's rows in one transaction.
func (s *Store) SaveState(ctx context.Context, state core.UserState) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM users WHERE user_id = ?`), state.UserID); err != nil {
		return fmt.Errorf("clear user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO users (user_id, updated_at) VALUES (?, ?)`), state.UserID, state.Updated.UTC()); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	for _, stmt := range []string{
		`DELETE FROM user_points WHERE user_id = ?`,
		`DELETE FROM user_badges WHERE user_id = ?`,
		`DELETE FROM user_trophies WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(stmt), state.UserID); err != nil {
			return fmt.Errorf("clear state: %w", err)
		}
	}

	for cat, total := range state.Points {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO user_points (user_id, category, value, awards, raw) VALUES (?, ?, ?, ?, ?)`),
			state.UserID, cat, total.Value, total.Awards, total.Raw); err != nil {
			return fmt.Errorf("insert points: %w", err)
		}
	}
	for badge := range state.Badges {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO user_badges (user_id, badge) VALUES (?, ?)`), state.UserID, badge); err != nil {
			return fmt.Errorf("insert badge: %w", err)
		}
	}
	for trophy := range state.Trophies {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO user_trophies (user_id, trophy) VALUES (?, ?)`), state.UserID, trophy); err != nil {
			return fmt.Errorf("insert trophy: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListStates(ctx context.Context) ([]core.UserState, error) {
	var users []string
	if err := s.db.SelectContext(ctx, &users, `SELECT user_id FROM users ORDER BY user_id ASC`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
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

func (s *Store) AppendHistory(ctx context.Context, entry core.HistoryEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO reward_history
			(id, user_id, rule_id, reward_id, kind, trigger_event_id, awarded_at, success, message, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.UserID, entry.RuleID, entry.RewardID, entry.RewardKind,
		entry.TriggerEventID, entry.AwardedAt.UTC(), entry.Success, entry.Message, string(details))
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

type historyRow struct {
	ID             string    `db:"id"`
	UserID         string    `db:"user_id"`
	RuleID         string    `db:"rule_id"`
	RewardID       string    `db:"reward_id"`
	Kind           string    `db:"kind"`
	TriggerEventID string    `db:"trigger_event_id"`
	AwardedAt      time.Time `db:"awarded_at"`
	Success        bool      `db:"success"`
	Message        string    `db:"message"`
	Details        []byte    `db:"details"`
}

func (r historyRow) entry() core.HistoryEntry {
	entry := core.HistoryEntry{
		ID:             r.ID,
		UserID:         core.UserID(r.UserID),
		RuleID:         core.RuleID(r.RuleID),
		RewardID:       r.RewardID,
		RewardKind:     core.RewardKind(r.Kind),
		TriggerEventID: r.TriggerEventID,
		AwardedAt:      r.AwardedAt.UTC(),
		Success:        r.Success,
		Message:        r.Message,
	}
	if len(r.Details) > 0 {
		_ = json.Unmarshal(r.Details, &entry.Details)
	}
	return entry
}

const historyColumns = `id, user_id, rule_id, reward_id, kind, trigger_event_id, awarded_at, success, message, details`

// ListHistory pushes the filter into the WHERE clause and paginates with
// LIMIT/OFFSET; a separate COUNT supplies the total.
func (s *Store) ListHistory(ctx context.Context, user core.UserID, filter core.HistoryFilter) ([]core.HistoryEntry, int, error) {
	where := `WHERE user_id = ?`
	args := []any{user}
	if filter.RewardKind != "" {
		where += ` AND kind = ?`
		args = append(args, filter.RewardKind)
	}
	if filter.OnlySuccess {
		where += ` AND success = ?`
		args = append(args, true)
	}
	if !filter.From.IsZero() {
		where += ` AND awarded_at >= ?`
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where += ` AND awarded_at < ?`
		args = append(args, filter.To.UTC())
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(
		`SELECT COUNT(*) FROM reward_history `+where), args...); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	query := `SELECT ` + historyColumns + ` FROM reward_history ` + where + ` ORDER BY awarded_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			// MySQL requires LIMIT before OFFSET
			query += ` LIMIT 18446744073709551615`
		}
		query += fmt.Sprintf(` OFFSET %d`, filter.Offset)
	}

	var rows []historyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	out := make([]core.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, total, nil
}

func (s *Store) ListHistoryRange(ctx context.Context, from, to time.Time) ([]core.HistoryEntry, error) {
	var rows []historyRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+historyColumns+` FROM reward_history WHERE awarded_at >= ? AND awarded_at < ? ORDER BY awarded_at ASC`),
		from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	out := make([]core.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

var _ engine.EventLog = (*Store)(nil)
var _ engine.StateStore = (*Store)(nil)
var _ engine.HistoryStore = (*Store)(nil)

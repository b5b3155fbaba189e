// Package merit is the embedding facade: a functional-options builder that
// wires storage, rule definitions, the evaluation engine, leaderboards, and
// optional realtime streaming into one service value.
package merit

import (
	"context"
	"log/slog"

	mem "meritkit/adapters/memory"
	"meritkit/conditions"
	"meritkit/core"
	"meritkit/engine"
	"meritkit/leaderboard"
	"meritkit/realtime"
	"meritkit/rules"
)

// Storage is the persistence surface a service needs: the event log, the
// per-user state store, and the reward history. Every bundled adapter
// implements all three.
type Storage interface {
	engine.EventLog
	engine.StateStore
	engine.HistoryStore
}

// Option configures the service builder.
type Option func(*config)

type config struct {
	storage  Storage
	rules    *rules.Store
	registry *conditions.Registry
	mode     engine.DispatchMode
	hub      *realtime.Hub
	logger   *slog.Logger

	asyncIngest bool
	queueBuffer int
	workers     int
}

// WithStorage sets the persistence adapter.
func WithStorage(s Storage) Option { return func(c *config) { c.storage = s } }

// WithRules sets the rule definition store.
func WithRules(r *rules.Store) Option { return func(c *config) { c.rules = r } }

// WithConditions sets the condition registry (plugins already registered).
func WithConditions(r *conditions.Registry) Option { return func(c *config) { c.registry = r } }

// WithDispatchMode selects sync or async outcome dispatch to subscribers.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithRealtime wires a realtime hub to receive every recorded outcome.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithAsyncIngest switches Ingest to enqueue-and-return, drained by a
// worker pool of the given size.
func WithAsyncIngest(queueBuffer, workers int) Option {
	return func(c *config) {
		c.asyncIngest = true
		c.queueBuffer = queueBuffer
		c.workers = workers
	}
}

// Service bundles the wired engine and its read models.
type Service struct {
	engine *engine.Engine
	ranker *leaderboard.Ranker
	queue  engine.Queue
	worker *engine.Worker
}

// New builds a configured Service. Defaults when not provided:
//   - storage: in-memory
//   - rules: empty rule set
//   - conditions: built-in evaluators only
//   - dispatch: async
//   - ingest: sync
func New(opts ...Option) *Service {
	cfg := &config{mode: engine.DispatchAsync}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = mem.New()
	}
	if cfg.rules == nil {
		snap, _ := rules.Build(rules.Document{})
		cfg.rules = rules.NewStore(snap)
	}
	if cfg.registry == nil {
		cfg.registry = conditions.NewRegistry()
	}

	exec := engine.NewExecutor(cfg.storage, cfg.storage, cfg.rules, cfg.logger)
	bus := engine.NewOutcomeBus(cfg.mode)
	eng := engine.New(cfg.storage, cfg.rules, cfg.registry, exec, bus, cfg.logger)

	index := leaderboard.NewIndex()
	eng.Subscribe(engine.KindAny, index.OnOutcome)
	if cfg.hub != nil {
		eng.Subscribe(engine.KindAny, cfg.hub.OnOutcome)
	}

	svc := &Service{
		engine: eng,
		ranker: leaderboard.NewRanker(cfg.storage, cfg.storage, cfg.rules, index),
	}
	if cfg.asyncIngest {
		svc.queue = engine.NewLocalQueue(cfg.queueBuffer)
		svc.worker = engine.NewWorker(eng, svc.queue, cfg.workers, cfg.logger)
		svc.worker.Start()
	}
	return svc
}

// Ingest records and evaluates an event. In async mode the event is queued
// and the returned outcomes are nil.
func (s *Service) Ingest(ctx context.Context, ev core.Event) ([]core.HistoryEntry, error) {
	if s.queue != nil {
		return nil, s.queue.Enqueue(ctx, ev)
	}
	return s.engine.EvaluateEvent(ctx, ev)
}

// UserState returns the user's current points, badges, trophies, and levels.
func (s *Service) UserState(ctx context.Context, user core.UserID) (core.UserState, error) {
	return s.engine.GetUserState(ctx, user)
}

// History returns a filtered, paginated page of the user's reward history
// and the total match count.
func (s *Service) History(ctx context.Context, user core.UserID, filter core.HistoryFilter) ([]core.HistoryEntry, int, error) {
	return s.engine.GetRewardHistory(ctx, user, filter)
}

// Leaderboard ranks users for the given metric and time range.
func (s *Service) Leaderboard(ctx context.Context, q leaderboard.Query) (leaderboard.Page, error) {
	return s.ranker.Query(ctx, q)
}

// Subscribe registers an outcome handler; the returned func unsubscribes.
func (s *Service) Subscribe(kind core.RewardKind, handler func(context.Context, core.HistoryEntry)) func() {
	return s.engine.Subscribe(kind, handler)
}

// Engine exposes the underlying engine for advanced wiring.
func (s *Service) Engine() *engine.Engine { return s.engine }

// Ranker exposes the leaderboard read model.
func (s *Service) Ranker() *leaderboard.Ranker { return s.ranker }

// Queue is non-nil when async ingest is enabled.
func (s *Service) Queue() engine.Queue { return s.queue }

// Close stops the ingest workers (if any) and the outcome bus.
func (s *Service) Close() {
	if s.worker != nil {
		s.worker.Stop()
	}
	s.engine.Close()
}

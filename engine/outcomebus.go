package engine

import (
	"context"
	"sync"
	"time"

	"meritkit/core"
)

type DispatchMode int

const (
	DispatchSync DispatchMode = iota
	DispatchAsync
)

// KindAny subscribes to outcomes of every reward kind.
const KindAny core.RewardKind = ""

type subscription struct {
	id   int64
	kind core.RewardKind
	fn   func(context.Context, core.HistoryEntry)
}

// OutcomeBus fans reward outcomes out to subscribers (realtime hub, webhook
// sink, leaderboard index) keyed by reward kind, with sync or async dispatch.
type OutcomeBus struct {
	mode         DispatchMode
	mu           sync.RWMutex
	subs         map[core.RewardKind]map[int64]subscription
	nextID       int64
	asyncQueue   chan core.HistoryEntry
	asyncWorkers int
	ctx          context.Context
	cancel       context.CancelFunc
}

func NewOutcomeBus(mode DispatchMode) *OutcomeBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &OutcomeBus{
		mode:         mode,
		subs:         make(map[core.RewardKind]map[int64]subscription),
		asyncQueue:   make(chan core.HistoryEntry, 2048),
		asyncWorkers: 4,
		ctx:          ctx,
		cancel:       cancel,
	}
	if mode == DispatchAsync {
		b.startWorkers()
	}
	return b
}

func (b *OutcomeBus) startWorkers() {
	for i := 0; i < b.asyncWorkers; i++ {
		go func() {
			for {
				select {
				case o := <-b.asyncQueue:
					b.dispatchSync(context.Background(), o)
				case <-b.ctx.Done():
					return
				}
			}
		}()
	}
}

// Close stops async workers.
func (b *OutcomeBus) Close() {
	b.cancel()
	// allow workers to drain briefly
	time.Sleep(10 * time.Millisecond)
}

// Subscribe registers a handler for outcomes of one reward kind (or KindAny
// for all). Returns an unsubscribe func.
func (b *OutcomeBus) Subscribe(kind core.RewardKind, handler func(context.Context, core.HistoryEntry)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int64]subscription)
	}
	b.subs[kind][id] = subscription{id: id, kind: kind, fn: handler}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if m := b.subs[kind]; m != nil {
			delete(m, id)
		}
	}
}

// Publish sends an outcome to subscribers of its kind and of KindAny.
func (b *OutcomeBus) Publish(ctx context.Context, o core.HistoryEntry) {
	if b.mode == DispatchAsync {
		select {
		case b.asyncQueue <- o:
		default:
			// Drop if queue full to preserve latency; alternative is blocking
		}
		return
	}
	b.dispatchSync(ctx, o)
}

func (b *OutcomeBus) dispatchSync(ctx context.Context, o core.HistoryEntry) {
	b.mu.RLock()
	// copy to avoid holding lock during callbacks
	handlers := make([]func(context.Context, core.HistoryEntry), 0, len(b.subs[o.RewardKind])+len(b.subs[KindAny]))
	for _, s := range b.subs[o.RewardKind] {
		handlers = append(handlers, s.fn)
	}
	for _, s := range b.subs[KindAny] {
		handlers = append(handlers, s.fn)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, o)
	}
}

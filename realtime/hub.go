package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"meritkit/core"
)

// Hub is a simple pub/sub for streaming reward outcomes to connected
// clients. A subscription may be scoped to one user; slow subscribers drop
// messages rather than stalling the broadcast.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	ch   chan core.HistoryEntry
	user core.UserID // empty means all users
}

func NewHub() *Hub { return &Hub{subs: map[int]subscriber{}} }

// Subscribe registers a buffered outcome channel. A non-empty user limits
// delivery to that user's outcomes.
func (h *Hub) Subscribe(buffer int, user core.UserID) (int, <-chan core.HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	ch := make(chan core.HistoryEntry, buffer)
	h.subs[id] = subscriber{ch: ch, user: user}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func (h *Hub) Broadcast(_ context.Context, entry core.HistoryEntry) {
	h.mu.RLock()
	// copy to avoid holding lock during send
	receivers := make([]subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		receivers = append(receivers, sub)
	}
	h.mu.RUnlock()
	for _, sub := range receivers {
		if sub.user != "" && sub.user != entry.UserID {
			continue
		}
		select {
		case sub.ch <- entry:
		default: /* drop if full */
		}
	}
}

// OnOutcome adapts Broadcast to the engine's outcome bus handler signature.
func (h *Hub) OnOutcome(ctx context.Context, entry core.HistoryEntry) {
	h.Broadcast(ctx, entry)
}

// MarshalJSON is a helper to convert outcomes to JSON bytes for WebSocket/SSE.
func MarshalJSON(entry core.HistoryEntry) []byte {
	b, _ := json.Marshal(entry)
	return b
}

package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"meritkit/core"
)

// LocalQueue is a channel-backed Queue for single-process deployments.
type LocalQueue struct {
	ch chan core.Event
}

func NewLocalQueue(buffer int) *LocalQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &LocalQueue{ch: make(chan core.Event, buffer)}
}

func (q *LocalQueue) Enqueue(ctx context.Context, ev core.Event) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *LocalQueue) Dequeue(ctx context.Context) (core.Event, error) {
	select {
	case ev := <-q.ch:
		return ev, nil
	case <-ctx.Done():
		return core.Event{}, ctx.Err()
	}
}

var _ Queue = (*LocalQueue)(nil)

// Worker drains a queue into the engine with a small goroutine pool. Events
// for different users evaluate in parallel; per-user serialization is the
// executor's keyed lock, not the worker's concern.
type Worker struct {
	engine  *Engine
	queue   Queue
	workers int
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(engine *Engine, queue Queue, workers int, logger *slog.Logger) *Worker {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{engine: engine, queue: queue, workers: workers, logger: logger, ctx: ctx, cancel: cancel}
}

// Start launches the worker pool.
func (w *Worker) Start() {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		ev, err := w.queue.Dequeue(w.ctx)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Warn("queue dequeue failed", "error", err)
			continue
		}
		if _, err := w.engine.EvaluateEvent(w.ctx, ev); err != nil {
			if errors.Is(err, core.ErrDuplicateEvent) {
				// at-least-once delivery; already evaluated
				w.logger.Debug("duplicate event skipped", "event", ev.ID)
				continue
			}
			w.logger.Warn("event evaluation failed", "event", ev.ID, "error", err)
		}
	}
}

// Stop cancels the pool and waits for in-flight evaluations to finish.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}

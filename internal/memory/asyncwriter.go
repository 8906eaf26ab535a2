package memory

import (
	"context"
	"log/slog"
	"time"
)

// AsyncWriter fronts a Store with a bounded in-process queue so the
// agent tick path is never bound by disk: a write is enqueued and the
// caller continues immediately, with failures logged rather than
// propagated. A single worker goroutine drains the queue serially,
// matching the Dialogue Pipeline's single-worker-over-a-bounded-queue
// shape.
type AsyncWriter struct {
	Store Store

	queue chan func(context.Context) error
}

// DefaultQueueCapacity bounds how many pending writes may queue before
// the oldest is dropped to make room for the newest.
const DefaultQueueCapacity = 512

// NewAsyncWriter constructs a writer over store with the given queue
// capacity (DefaultQueueCapacity if capacity <= 0).
func NewAsyncWriter(store Store, capacity int) *AsyncWriter {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &AsyncWriter{Store: store, queue: make(chan func(context.Context) error, capacity)}
}

// Run drains the queue until ctx is cancelled. Call it in its own
// goroutine at startup.
func (w *AsyncWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-w.queue:
			if err := fn(ctx); err != nil {
				slog.Warn("memory.async_write_failed", "error", err)
			}
		}
	}
}

// enqueue drops the oldest pending write to make room when the queue is
// full, rather than blocking the tick path.
func (w *AsyncWriter) enqueue(fn func(context.Context) error) {
	select {
	case w.queue <- fn:
	default:
		select {
		case <-w.queue:
		default:
		}
		select {
		case w.queue <- fn:
		default:
		}
	}
}

// AppendEpisodic enqueues an episodic memory write.
func (w *AsyncWriter) AppendEpisodic(e Episodic) {
	w.enqueue(func(ctx context.Context) error { return w.Store.AppendEpisodic(ctx, e) })
}

// UpsertRelationship enqueues a relationship update.
func (w *AsyncWriter) UpsertRelationship(a, b string, bondDelta, trustDelta float64, interactionKind string) {
	w.enqueue(func(ctx context.Context) error {
		return w.Store.UpsertRelationship(ctx, a, b, bondDelta, trustDelta, interactionKind)
	})
}

// RegisterLineage enqueues a new lineage row at spawn time.
func (w *AsyncWriter) RegisterLineage(agentIdentity, parentIdentity string, generation int, birthTime time.Time) {
	w.enqueue(func(ctx context.Context) error {
		return w.Store.RegisterLineage(ctx, agentIdentity, parentIdentity, generation, birthTime)
	})
}

// CloseLineage enqueues the terminal lineage write at death.
func (w *AsyncWriter) CloseLineage(agentIdentity string, deathTime time.Time, finalFitness float64) {
	w.enqueue(func(ctx context.Context) error {
		return w.Store.CloseLineage(ctx, agentIdentity, deathTime, finalFitness)
	})
}

// AppendConversation enqueues a conversation transcript write.
func (w *AsyncWriter) AppendConversation(c Conversation) {
	w.enqueue(func(ctx context.Context) error { return w.Store.AppendConversation(ctx, c) })
}

// AppendContextSnapshot enqueues a context-snapshot write.
func (w *AsyncWriter) AppendContextSnapshot(s ContextSnapshot) {
	w.enqueue(func(ctx context.Context) error { return w.Store.AppendContextSnapshot(ctx, s) })
}

// Package pipeline provides the bounded hand-off queues between the
// collectors and the batch writer. Queues favor freshness: a full queue
// sheds its oldest entries rather than blocking the stream read loop.
// The writer can put an unflushed batch back at the head after a failed
// transaction, so the implementation is mutex+slice, not a channel.
package pipeline

import (
	"sync"
)

// Item pairs a venue-scoped payload with its origin. Market resolution
// happens in the writer, so queue entries carry exchange and symbol.
type Item[T any] struct {
	Exchange string
	Symbol   string
	Payload  T
}

// Queue is a bounded FIFO. All methods are safe for concurrent use.
type Queue[T any] struct {
	name     string
	capacity int
	wake     chan struct{}

	mu    sync.Mutex
	buf   []T
	drops uint64
}

// NewQueue builds a queue holding at most capacity entries.
func NewQueue[T any](name string, capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 8192
	}
	return &Queue[T]{
		name:     name,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		buf:      make([]T, 0, capacity),
	}
}

// Name returns the topic label used for metrics.
func (q *Queue[T]) Name() string { return q.name }

// Cap returns the configured bound.
func (q *Queue[T]) Cap() int { return q.capacity }

// Push appends items, evicting the oldest entries when the bound is
// exceeded. It returns how many entries were dropped.
func (q *Queue[T]) Push(items ...T) int {
	if len(items) == 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.buf = append(q.buf, items...)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	dropped := len(q.buf) - q.capacity
	if dropped <= 0 {
		return 0
	}
	q.buf = q.buf[:copy(q.buf, q.buf[dropped:])]
	q.drops += uint64(dropped)
	return dropped
}

// Wake signals after every Push so a consumer can flush a full batch
// without waiting out its timer. The channel is never closed.
func (q *Queue[T]) Wake() <-chan struct{} { return q.wake }

// PopBatch removes and returns up to max entries from the head.
func (q *Queue[T]) PopBatch(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.buf) == 0 || max <= 0 {
		return nil
	}
	n := max
	if n > len(q.buf) {
		n = len(q.buf)
	}
	batch := make([]T, n)
	copy(batch, q.buf[:n])
	q.buf = q.buf[:copy(q.buf, q.buf[n:])]
	return batch
}

// RequeueHead puts a popped batch back in front of everything queued
// since, preserving order for the writer's retry. The queue may exceed
// its bound until the next Push sheds the overflow.
func (q *Queue[T]) RequeueHead(batch []T) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]T, 0, len(batch)+len(q.buf))
	merged = append(merged, batch...)
	merged = append(merged, q.buf...)
	q.buf = merged
}

// Len returns the current depth.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Drops returns the total entries shed since construction.
func (q *Queue[T]) Drops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}

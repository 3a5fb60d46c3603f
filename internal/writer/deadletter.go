package writer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeadLetter records a batch the writer gave up on after exhausting its
// flush retries. The writer parks the payload under the record's ID so
// the batch can be replayed once the store recovers.
type DeadLetter struct {
	ID     string    `json:"id"`
	Topic  string    `json:"topic"`
	Count  int       `json:"count"`
	Reason string    `json:"reason"`
	Time   time.Time `json:"time"`
}

// NewDeadLetter stamps a fresh record.
func NewDeadLetter(topic string, count int, reason string) DeadLetter {
	return DeadLetter{
		ID:     uuid.NewString(),
		Topic:  topic,
		Count:  count,
		Reason: reason,
		Time:   time.Now().UTC(),
	}
}

// DeadLetterSink receives records. Implementations must not block.
type DeadLetterSink interface {
	Record(ctx context.Context, dl DeadLetter)
}

// Ring keeps the most recent dead letters in memory for the status
// endpoint.
type Ring struct {
	mu   sync.Mutex
	max  int
	rows []DeadLetter
}

// NewRing builds a ring holding up to max records.
func NewRing(max int) *Ring {
	if max <= 0 {
		max = 128
	}
	return &Ring{max: max}
}

func (r *Ring) Record(_ context.Context, dl DeadLetter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rows = append(r.rows, dl)
	if len(r.rows) > r.max {
		r.rows = r.rows[len(r.rows)-r.max:]
	}
}

// Recent returns records newest first.
func (r *Ring) Recent() []DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]DeadLetter, len(r.rows))
	for i, dl := range r.rows {
		out[len(r.rows)-1-i] = dl
	}
	return out
}

// FanoutSink forwards each record to every sink.
type FanoutSink []DeadLetterSink

func (f FanoutSink) Record(ctx context.Context, dl DeadLetter) {
	for _, s := range f {
		s.Record(ctx, dl)
	}
}

// Requeuer replays a parked dead-letter batch back into its queue.
type Requeuer interface {
	Requeue(id string) bool
}

// RequeueGroup tries each writer until one claims the id.
type RequeueGroup []Requeuer

func (g RequeueGroup) Requeue(id string) bool {
	for _, r := range g {
		if r.Requeue(id) {
			return true
		}
	}
	return false
}

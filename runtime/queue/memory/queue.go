// Package memory is an in-process queue.Queue for single-process runs and
// tests. Tasks are delivered in enqueue order once their NotBefore is due.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/runtime/queue"
)

const (
	streamName         = "memory"
	defaultMaxAttempts = 3
)

type Queue struct {
	mu      sync.Mutex
	seq     int64
	ready   []queue.Delivery
	pending map[string]queue.Delivery
	dlq     []queue.Delivery
	wake    chan struct{}
	closed  bool
}

func New() *Queue {
	return &Queue{
		pending: map[string]queue.Delivery{},
		wake:    make(chan struct{}),
	}
}

func (q *Queue) nextID() string {
	q.seq++
	return strconv.FormatInt(q.seq, 10) + "-0"
}

// broadcast wakes every blocked Claim. Callers hold q.mu.
func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) Enqueue(ctx context.Context, task queue.Task) (string, error) {
	_ = ctx
	if task.TaskID == "" {
		return "", fmt.Errorf("taskID is required")
	}
	if task.Function == "" {
		return "", fmt.Errorf("function is required")
	}
	task = queue.Prepare(task, defaultMaxAttempts)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", fmt.Errorf("queue is closed")
	}
	id := q.nextID()
	q.ready = append(q.ready, queue.Delivery{ID: id, Stream: streamName, Task: task})
	q.broadcast()
	return id, nil
}

// Claim returns up to count due tasks, waiting at most block for one to
// become available.
func (q *Queue) Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]queue.Delivery, error) {
	if consumer == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if count <= 0 {
		count = 1
	}
	deadline := time.Now().Add(max(block, 0))
	for {
		out, nextDue, wake, err := q.take(count)
		if err != nil || len(out) > 0 {
			return out, err
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return []queue.Delivery{}, nil
		}
		if !nextDue.IsZero() {
			wait = min(wait, time.Until(nextDue))
		}
		timer := time.NewTimer(max(wait, time.Millisecond))
		select {
		case <-ctx.Done():
			timer.Stop()
			return []queue.Delivery{}, nil
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) take(count int) ([]queue.Delivery, time.Time, chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, time.Time{}, nil, fmt.Errorf("queue is closed")
	}
	now := time.Now().UTC()
	var nextDue time.Time
	out := make([]queue.Delivery, 0, count)
	kept := q.ready[:0]
	for _, d := range q.ready {
		if len(out) < count && d.Task.Due(now) {
			d.Received = now
			q.pending[d.ID] = d
			out = append(out, d)
			continue
		}
		if d.Task.NotBefore != nil && (nextDue.IsZero() || d.Task.NotBefore.Before(nextDue)) {
			nextDue = *d.Task.NotBefore
		}
		kept = append(kept, d)
	}
	q.ready = kept
	return out, nextDue, q.wake, nil
}

func (q *Queue) Ack(ctx context.Context, consumer string, messageIDs ...string) error {
	_ = ctx
	_ = consumer
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range messageIDs {
		delete(q.pending, id)
	}
	return nil
}

func (q *Queue) Nack(ctx context.Context, consumer string, deliveries []queue.Delivery, reason string) error {
	_ = reason
	ids := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		ids = append(ids, d.ID)
	}
	return q.Ack(ctx, consumer, ids...)
}

func (q *Queue) Requeue(ctx context.Context, task queue.Task, reason string, delay time.Duration) (string, error) {
	if delay > 0 {
		t := time.Now().UTC().Add(delay)
		task.NotBefore = &t
	}
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	if reason != "" {
		task.Metadata["requeue_reason"] = reason
	}
	return q.Enqueue(ctx, task)
}

func (q *Queue) DeadLetter(ctx context.Context, delivery queue.Delivery, reason string) (string, error) {
	_ = ctx
	if delivery.Task.Metadata == nil {
		delivery.Task.Metadata = map[string]any{}
	}
	delivery.Task.Metadata["dead_letter_reason"] = reason
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, delivery.ID)
	id := q.nextID()
	q.dlq = append(q.dlq, queue.Delivery{ID: id, Stream: streamName + ":dlq", Task: delivery.Task, Received: time.Now().UTC()})
	return id, nil
}

// ListDLQ returns dead-lettered tasks newest first.
func (q *Queue) ListDLQ(ctx context.Context, limit int) ([]queue.Delivery, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Delivery, 0, min(limit, len(q.dlq)))
	for i := len(q.dlq) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, q.dlq[i])
	}
	return out, nil
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Stats{
		StreamLength: int64(len(q.ready)),
		DLQLength:    int64(len(q.dlq)),
		Pending:      int64(len(q.pending)),
	}, nil
}

// Idle reports whether no task is waiting or in flight.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) == 0 && len(q.pending) == 0
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcast()
	}
	return nil
}

var _ queue.Queue = (*Queue)(nil)

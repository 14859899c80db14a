package distributed

import (
	"context"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/runtime/queue"
)

// Handler runs one named continuation. A returned error makes the worker
// retry the task with backoff until MaxAttempts.
type Handler func(ctx context.Context, task queue.Task) error

type WorkerConfig struct {
	WorkerID string
	Capacity int
}

type AttemptRecord struct {
	TaskID    string         `json:"taskId"`
	Function  string         `json:"function"`
	Attempt   int            `json:"attempt"`
	WorkerID  string         `json:"workerId"`
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type WorkerHeartbeat struct {
	WorkerID   string         `json:"workerId"`
	Status     string         `json:"status"`
	LastSeenAt time.Time      `json:"lastSeenAt"`
	Capacity   int            `json:"capacity"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type QueueEvent struct {
	ID        int64          `json:"id"`
	TaskID    string         `json:"taskId"`
	SessionID string         `json:"sessionId,omitempty"`
	Event     string         `json:"event"`
	At        time.Time      `json:"at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// QueueEventQuery filters ListQueueEvents. Empty fields match everything.
type QueueEventQuery struct {
	TaskID    string
	SessionID string
	Limit     int
}

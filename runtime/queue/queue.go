// Package queue defines the continuation queue consumed by distributed
// workers. A task names a registered continuation and carries its params.
package queue

import (
	"context"
	"time"
)

type Task struct {
	TaskID      string            `json:"taskId"`
	Function    string            `json:"function"`
	Params      map[string]string `json:"params,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"maxAttempts"`
	NotBefore   *time.Time        `json:"notBefore,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueuedAt"`
}

// Due reports whether the task may run at now.
func (t Task) Due(now time.Time) bool {
	return t.NotBefore == nil || !now.Before(t.NotBefore.UTC())
}

type Delivery struct {
	ID       string    `json:"id"`
	Stream   string    `json:"stream"`
	Task     Task      `json:"task"`
	Received time.Time `json:"received"`
}

type Stats struct {
	StreamLength int64 `json:"streamLength"`
	DLQLength    int64 `json:"dlqLength"`
	Pending      int64 `json:"pending"`
}

type Queue interface {
	Enqueue(ctx context.Context, task Task) (string, error)
	Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]Delivery, error)
	Ack(ctx context.Context, consumer string, messageIDs ...string) error
	Nack(ctx context.Context, consumer string, deliveries []Delivery, reason string) error
	Requeue(ctx context.Context, task Task, reason string, delay time.Duration) (string, error)
	DeadLetter(ctx context.Context, delivery Delivery, reason string) (string, error)
	ListDLQ(ctx context.Context, limit int) ([]Delivery, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Prepare fills the defaults every queue applies on enqueue.
func Prepare(task Task, defaultMaxAttempts int) Task {
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = defaultMaxAttempts
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	return task
}

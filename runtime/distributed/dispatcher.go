package distributed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/procedure-engine/observe"
	"github.com/PipeOpsHQ/procedure-engine/runtime/queue"
)

// ParamSessionID is the continuation parameter that ties a task to a session.
const ParamSessionID = "session_id"

// Dispatcher schedules named continuations onto a queue and exposes the
// delivery history recorded by workers.
type Dispatcher struct {
	queue    queue.Queue
	attempts AttemptStore
	opts     options
}

func NewDispatcher(queueStore queue.Queue, attempts AttemptStore, opts ...Option) (*Dispatcher, error) {
	if queueStore == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt store is required")
	}
	return &Dispatcher{queue: queueStore, attempts: attempts, opts: buildOptions(opts)}, nil
}

// Schedule enqueues one invocation of function with params, runnable no
// earlier than delay from now.
func (d *Dispatcher) Schedule(ctx context.Context, function string, params map[string]string, delay time.Duration) error {
	function = strings.TrimSpace(function)
	if function == "" {
		return fmt.Errorf("function is required")
	}
	now := time.Now().UTC()
	task := queue.Task{
		TaskID:      uuid.NewString(),
		Function:    function,
		Params:      copyParams(params),
		SessionID:   params[ParamSessionID],
		Attempt:     1,
		MaxAttempts: d.opts.policy.AttemptsFor(function),
		EnqueuedAt:  now,
	}
	if delay > 0 {
		due := now.Add(delay)
		task.NotBefore = &due
	}
	msgID, err := d.queue.Enqueue(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", function, err)
	}
	_ = d.attempts.SaveQueueEvent(ctx, QueueEvent{
		TaskID:    task.TaskID,
		SessionID: task.SessionID,
		Event:     "queue.enqueued",
		At:        now,
		Payload: map[string]any{
			"messageId":   msgID,
			"function":    function,
			"delayMs":     delay.Milliseconds(),
			"maxAttempts": task.MaxAttempts,
		},
	})
	d.opts.logger.Debug("continuation scheduled",
		"function", function,
		"session_id", task.SessionID,
		"task_id", task.TaskID,
		"delay", delay,
	)
	d.opts.emit(ctx, observe.Event{
		SessionID:  task.SessionID,
		Function:   function,
		Kind:       observe.KindContinuation,
		Status:     observe.StatusStarted,
		Name:       "queue.enqueued",
		Attributes: map[string]any{"messageId": msgID, "taskId": task.TaskID},
	})
	return nil
}

func (d *Dispatcher) QueueStats(ctx context.Context) (queue.Stats, error) {
	return d.queue.Stats(ctx)
}

func (d *Dispatcher) ListWorkers(ctx context.Context, limit int) ([]WorkerHeartbeat, error) {
	return d.attempts.ListWorkerHeartbeats(ctx, limit)
}

func (d *Dispatcher) ListAttempts(ctx context.Context, taskID string, limit int) ([]AttemptRecord, error) {
	return d.attempts.ListAttempts(ctx, taskID, limit)
}

func (d *Dispatcher) ListQueueEvents(ctx context.Context, query QueueEventQuery) ([]QueueEvent, error) {
	return d.attempts.ListQueueEvents(ctx, query)
}

func (d *Dispatcher) ListDLQ(ctx context.Context, limit int) ([]queue.Delivery, error) {
	return d.queue.ListDLQ(ctx, limit)
}

type dlqRequeuer interface {
	RequeueDLQByID(ctx context.Context, id string, resetAttempt bool) (string, error)
}

// RequeueDLQ moves a dead-lettered task back onto the queue when the queue
// backend supports it.
func (d *Dispatcher) RequeueDLQ(ctx context.Context, id string) (string, error) {
	requeuer, ok := d.queue.(dlqRequeuer)
	if !ok {
		return "", fmt.Errorf("queue does not support dlq requeue")
	}
	msgID, err := requeuer.RequeueDLQByID(ctx, id, true)
	if err != nil {
		return "", err
	}
	_ = d.attempts.SaveQueueEvent(ctx, QueueEvent{Event: "queue.requeued", Payload: map[string]any{"dlqId": id, "messageId": msgID}})
	return msgID, nil
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

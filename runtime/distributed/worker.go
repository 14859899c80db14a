package distributed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/procedure-engine/observe"
	"github.com/PipeOpsHQ/procedure-engine/runtime/queue"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type worker struct {
	cfg      WorkerConfig
	attempts AttemptStore
	queue    queue.Queue
	handlers map[string]Handler
	opts     options
	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWorker builds a worker that dispatches claimed tasks to handlers by
// task.Function.
func NewWorker(cfg WorkerConfig, attempts AttemptStore, queueStore queue.Queue, handlers map[string]Handler, opts ...Option) (Worker, error) {
	if attempts == nil {
		return nil, fmt.Errorf("attempt store is required")
	}
	if queueStore == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if len(handlers) == 0 {
		return nil, fmt.Errorf("at least one handler is required")
	}
	if strings.TrimSpace(cfg.WorkerID) == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	registry := make(map[string]Handler, len(handlers))
	for name, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("handler %q is nil", name)
		}
		registry[name] = h
	}
	return &worker{
		cfg:      cfg,
		attempts: attempts,
		queue:    queueStore,
		handlers: registry,
		opts:     buildOptions(opts),
	}, nil
}

func (w *worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.started = true
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	defer func() {
		cancel()
		w.mu.Lock()
		w.started = false
		w.cancel = nil
		if w.done == done {
			close(done)
			w.done = nil
		}
		w.mu.Unlock()
	}()

	policy := w.opts.policy
	heartbeat := time.NewTicker(policy.HeartbeatEvery)
	defer heartbeat.Stop()

	if err := w.beat(runCtx, "online"); err != nil {
		return err
	}
	w.opts.logger.Info("worker started", "worker_id", w.cfg.WorkerID, "capacity", w.cfg.Capacity)
	for {
		select {
		case <-runCtx.Done():
			_ = w.beat(context.Background(), "offline")
			w.opts.logger.Info("worker stopped", "worker_id", w.cfg.WorkerID)
			return runCtx.Err()
		case <-heartbeat.C:
			_ = w.beat(runCtx, "online")
			w.opts.emit(runCtx, observe.Event{
				Kind:       observe.KindCustom,
				Status:     observe.StatusCompleted,
				Name:       "worker.heartbeat",
				Attributes: map[string]any{"workerId": w.cfg.WorkerID},
			})
		default:
			deliveries, err := w.queue.Claim(runCtx, w.cfg.WorkerID, policy.ClaimBlock, w.cfg.Capacity)
			if err != nil {
				if runCtx.Err() == nil {
					w.opts.logger.Warn("claim failed", "worker_id", w.cfg.WorkerID, "error", err)
				}
				w.pause(runCtx)
				continue
			}
			if len(deliveries) == 0 {
				w.pause(runCtx)
				continue
			}
			for _, delivery := range deliveries {
				if err := w.handleDelivery(runCtx, delivery); err != nil {
					w.opts.logger.Error("delivery handling failed",
						"worker_id", w.cfg.WorkerID,
						"function", delivery.Task.Function,
						"task_id", delivery.Task.TaskID,
						"error", err,
					)
					_ = w.attempts.SaveQueueEvent(runCtx, QueueEvent{
						TaskID:    delivery.Task.TaskID,
						SessionID: delivery.Task.SessionID,
						Event:     "worker.delivery.error",
						Payload:   map[string]any{"workerId": w.cfg.WorkerID, "error": err.Error()},
					})
				}
			}
		}
	}
}

func (w *worker) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.opts.policy.IdleWait):
	}
}

func (w *worker) beat(ctx context.Context, status string) error {
	return w.attempts.SaveWorkerHeartbeat(ctx, WorkerHeartbeat{
		WorkerID:   w.cfg.WorkerID,
		Status:     status,
		LastSeenAt: time.Now().UTC(),
		Capacity:   w.cfg.Capacity,
		Metadata:   map[string]any{"functions": w.functionNames()},
	})
}

func (w *worker) functionNames() []string {
	names := make([]string, 0, len(w.handlers))
	for name := range w.handlers {
		names = append(names, name)
	}
	return names
}

func (w *worker) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	if ctx == nil {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) handleDelivery(ctx context.Context, delivery queue.Delivery) error {
	task := delivery.Task
	now := time.Now().UTC()
	if !task.Due(now) {
		if _, err := w.queue.Requeue(ctx, task, "not_before", task.NotBefore.UTC().Sub(now)); err != nil {
			return err
		}
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = w.opts.policy.AttemptsFor(task.Function)
	}

	handler, ok := w.handlers[task.Function]
	if !ok {
		reason := fmt.Sprintf("no handler registered for %q", task.Function)
		_, _ = w.queue.DeadLetter(ctx, delivery, reason)
		_ = w.attempts.SaveQueueEvent(ctx, QueueEvent{TaskID: task.TaskID, SessionID: task.SessionID, Event: "queue.dead_lettered", At: now, Payload: map[string]any{"error": reason}})
		w.opts.metrics.observe(task.Function, "unknown", 0)
		return fmt.Errorf("%s", reason)
	}

	_ = w.attempts.StartAttempt(ctx, AttemptRecord{
		TaskID:    task.TaskID,
		Function:  task.Function,
		Attempt:   task.Attempt,
		WorkerID:  w.cfg.WorkerID,
		Status:    "running",
		StartedAt: now,
		Metadata:  map[string]any{"messageId": delivery.ID, "sessionId": task.SessionID},
	})
	_ = w.attempts.SaveQueueEvent(ctx, QueueEvent{TaskID: task.TaskID, SessionID: task.SessionID, Event: "queue.claimed", At: now, Payload: map[string]any{"workerId": w.cfg.WorkerID, "attempt": task.Attempt}})
	w.opts.emit(ctx, observe.Event{
		SessionID:  task.SessionID,
		Function:   task.Function,
		Kind:       observe.KindContinuation,
		Status:     observe.StatusStarted,
		Name:       "queue.claimed",
		Attributes: map[string]any{"workerId": w.cfg.WorkerID, "attempt": task.Attempt},
	})

	runErr := handler(ctx, task)
	elapsed := time.Since(now)
	if runErr == nil {
		finished := time.Now().UTC()
		_ = w.attempts.FinishAttempt(ctx, task.TaskID, task.Attempt, "completed", "")
		_ = w.attempts.SaveQueueEvent(ctx, QueueEvent{TaskID: task.TaskID, SessionID: task.SessionID, Event: "task.completed", At: finished, Payload: map[string]any{"workerId": w.cfg.WorkerID, "attempt": task.Attempt}})
		w.opts.metrics.observe(task.Function, "completed", elapsed)
		w.opts.emit(ctx, observe.Event{SessionID: task.SessionID, Function: task.Function, Kind: observe.KindContinuation, Status: observe.StatusCompleted, Name: "task.completed", DurationMs: elapsed.Milliseconds()})
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}

	errText := runErr.Error()
	_ = w.attempts.FinishAttempt(ctx, task.TaskID, task.Attempt, "failed", errText)
	if task.Attempt < task.MaxAttempts {
		next := task
		next.Attempt = task.Attempt + 1
		backoff := w.opts.policy.RetryDelay(task.Attempt)
		if _, err := w.queue.Requeue(ctx, next, errText, backoff); err != nil {
			return fmt.Errorf("requeue %s: %w", task.Function, err)
		}
		_ = w.attempts.SaveQueueEvent(ctx, QueueEvent{TaskID: task.TaskID, SessionID: task.SessionID, Event: "queue.retried", Payload: map[string]any{"attempt": next.Attempt, "error": errText}})
		w.opts.metrics.observe(task.Function, "retried", elapsed)
		w.opts.logger.Warn("continuation failed, retrying",
			"function", task.Function,
			"session_id", task.SessionID,
			"attempt", task.Attempt,
			"backoff", backoff,
			"error", runErr,
		)
		w.opts.emit(ctx, observe.Event{SessionID: task.SessionID, Function: task.Function, Kind: observe.KindContinuation, Status: observe.StatusFailed, Name: "queue.retried", Error: errText, Attributes: map[string]any{"attempt": next.Attempt}})
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}

	_, _ = w.queue.DeadLetter(ctx, delivery, errText)
	_ = w.attempts.SaveQueueEvent(ctx, QueueEvent{TaskID: task.TaskID, SessionID: task.SessionID, Event: "queue.dead_lettered", Payload: map[string]any{"attempt": task.Attempt, "error": errText}})
	w.opts.metrics.observe(task.Function, "dead_lettered", elapsed)
	w.opts.logger.Error("continuation dead-lettered",
		"function", task.Function,
		"session_id", task.SessionID,
		"attempt", task.Attempt,
		"error", runErr,
	)
	w.opts.emit(ctx, observe.Event{SessionID: task.SessionID, Function: task.Function, Kind: observe.KindContinuation, Status: observe.StatusFailed, Name: "queue.dead_lettered", Error: errText, Attributes: map[string]any{"attempt": task.Attempt}})
	return nil
}

var _ Worker = (*worker)(nil)

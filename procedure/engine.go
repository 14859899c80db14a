// Package procedure drives a session's agent DAG to completion. Work happens
// in short passes; each pass executes the ready nodes and re-arms itself by
// scheduling a continuation instead of blocking.
package procedure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/internal/logging"
	"github.com/PipeOpsHQ/procedure-engine/observe"
	"github.com/PipeOpsHQ/procedure-engine/state"
)

// Continuation names understood by Handlers.
const (
	FuncStart     = "procedure.start"
	FuncPass      = "procedure.pass"
	FuncPoll      = "procedure.poll"
	FuncUserInput = "procedure.user_input"
)

// Continuation parameter keys.
const (
	ParamSessionID      = "session_id"
	ParamSessionAgentID = "session_agent_id"
	ParamJobID          = "job_id"
	ParamRunID          = "run_id"
	ParamUserInput      = "user_input"
)

const (
	DefaultIterationCap     = 10
	DefaultPassBackoff      = time.Second
	DefaultPollTimeout      = 60 * time.Second
	DefaultPollInterval     = time.Second
	DefaultMaxParallelNodes = 4
	DefaultLockTTL          = 2 * time.Minute
)

// Dispatcher schedules a named continuation. Delivery is at least once.
type Dispatcher interface {
	Schedule(ctx context.Context, function string, params map[string]string, delay time.Duration) error
}

// InvokeRequest is one model call for a node.
type InvokeRequest struct {
	SessionID      string
	SessionAgentID string
	AgentID        string
	ThreadID       string
	Query          string
	SystemPrompt   string
	Model          string
	UserID         string
}

// Invocation holds the handles of one started model call.
type Invocation struct {
	RunID    string
	ThreadID string
	JobID    string
}

// ModelInvoker starts a model call and returns without waiting for it.
// Calls have side effects and are not idempotent.
type ModelInvoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (Invocation, error)
}

// JobService reports the status of an asynchronous model job.
type JobService interface {
	Poll(ctx context.Context, jobID string) (state.JobRecord, error)
}

// Engine drives sessions through scheduler passes. It keeps no per-session
// state in memory beyond its locks, so any worker can run any pass.
type Engine struct {
	store      state.Store
	dispatcher Dispatcher
	invoker    ModelInvoker
	jobs       JobService
	actions    *ActionRegistry
	logger     *slog.Logger
	observer   observe.Sink
	metrics    *Metrics

	iterationCap     int
	passBackoff      time.Duration
	pollTimeout      time.Duration
	pollInterval     time.Duration
	maxParallelNodes int
	lockTTL          time.Duration

	// mu serializes read-modify-write of session records within the process.
	mu    sync.Mutex
	local localLocks
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithObserver(sink observe.Sink) Option {
	return func(e *Engine) { e.observer = sink }
}

func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

func WithActions(registry *ActionRegistry) Option {
	return func(e *Engine) {
		if registry != nil {
			e.actions = registry
		}
	}
}

func WithIterationCap(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.iterationCap = limit
		}
	}
}

// WithPassBackoff sets the delay of continuations scheduled by a pass that
// found nothing ready.
func WithPassBackoff(backoff time.Duration) Option {
	return func(e *Engine) {
		if backoff >= 0 {
			e.passBackoff = backoff
		}
	}
}

func WithPollTimeout(timeout, interval time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.pollTimeout = timeout
		}
		if interval > 0 {
			e.pollInterval = interval
		}
	}
}

func WithMaxParallelNodes(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallelNodes = n
		}
	}
}

func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

// New returns an Engine over its collaborators; none may be nil.
func New(store state.Store, dispatcher Dispatcher, invoker ModelInvoker, jobs JobService, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("model invoker is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job service is required")
	}
	e := &Engine{
		store:            store,
		dispatcher:       dispatcher,
		invoker:          invoker,
		jobs:             jobs,
		actions:          NewActionRegistry(),
		logger:           logging.Discard(),
		iterationCap:     DefaultIterationCap,
		passBackoff:      DefaultPassBackoff,
		pollTimeout:      DefaultPollTimeout,
		pollInterval:     DefaultPollInterval,
		maxParallelNodes: DefaultMaxParallelNodes,
		lockTTL:          DefaultLockTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Store returns the entity store the engine writes to.
func (e *Engine) Store() state.Store {
	return e.store
}

func (e *Engine) schedule(ctx context.Context, function string, params map[string]string, delay time.Duration) error {
	if err := e.dispatcher.Schedule(ctx, function, params, delay); err != nil {
		return fmt.Errorf("schedule %s: %w", function, err)
	}
	return nil
}

func (e *Engine) schedulePass(ctx context.Context, sessionID string, delay time.Duration) error {
	return e.schedule(ctx, FuncPass, map[string]string{ParamSessionID: sessionID}, delay)
}

func (e *Engine) emit(ctx context.Context, event observe.Event) {
	if e.observer == nil {
		return
	}
	event.Normalize()
	_ = e.observer.Emit(ctx, event)
}

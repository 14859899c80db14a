// Package modelrun runs model calls as asynchronous jobs. A call is started
// with Invoke and observed through Poll; the conversation it belongs to is
// kept as a thread in the state store.
package modelrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/procedure-engine/internal/logging"
	"github.com/PipeOpsHQ/procedure-engine/llm"
	"github.com/PipeOpsHQ/procedure-engine/procedure"
	"github.com/PipeOpsHQ/procedure-engine/state"
	"github.com/PipeOpsHQ/procedure-engine/types"
)

const DefaultTimeout = 5 * time.Minute

type Service struct {
	store           state.Store
	provider        llm.Provider
	logger          *slog.Logger
	timeout         time.Duration
	retryPolicy     RetryPolicy
	maxOutputTokens int

	threadMu sync.Mutex
	inflight sync.WaitGroup
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeout bounds each background provider call, retries included.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(s *Service) { s.retryPolicy = policy }
}

func WithMaxOutputTokens(max int) Option {
	return func(s *Service) {
		if max > 0 {
			s.maxOutputTokens = max
		}
	}
}

func New(store state.Store, provider llm.Provider, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	s := &Service{
		store:    store,
		provider: provider,
		logger:   logging.Discard(),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.retryPolicy = normalizeRetryPolicy(s.retryPolicy)
	return s, nil
}

// Invoke appends the query to the requested thread (a new one when
// ThreadID is empty), records a pending job and starts the provider call in
// the background.
func (s *Service) Invoke(ctx context.Context, req procedure.InvokeRequest) (procedure.Invocation, error) {
	if strings.TrimSpace(req.Query) == "" {
		return procedure.Invocation{}, fmt.Errorf("query is required")
	}
	inv := procedure.Invocation{
		RunID:    uuid.NewString(),
		ThreadID: req.ThreadID,
		JobID:    uuid.NewString(),
	}
	if inv.ThreadID == "" {
		inv.ThreadID = uuid.NewString()
	}

	messages, err := s.appendToThread(ctx, inv.ThreadID, types.Message{Role: types.RoleUser, Content: req.Query})
	if err != nil {
		return procedure.Invocation{}, err
	}
	now := time.Now().UTC()
	job := state.JobRecord{
		JobID:     inv.JobID,
		RunID:     inv.RunID,
		ThreadID:  inv.ThreadID,
		Status:    state.JobPending,
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return procedure.Invocation{}, fmt.Errorf("save job %s: %w", inv.JobID, err)
	}

	request := types.Request{
		Model:           req.Model,
		SystemPrompt:    req.SystemPrompt,
		Messages:        messages,
		MaxOutputTokens: s.maxOutputTokens,
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		s.run(runCtx, job, req.AgentID, request)
	}()

	s.logger.Debug("model job started",
		"session_id", req.SessionID,
		"session_agent_id", req.SessionAgentID,
		"agent_id", req.AgentID,
		"job_id", inv.JobID,
		"thread_id", inv.ThreadID,
	)
	return inv, nil
}

// Poll returns the current record of jobID.
func (s *Service) Poll(ctx context.Context, jobID string) (state.JobRecord, error) {
	return s.store.LoadJob(ctx, jobID)
}

// Wait blocks until every started job has settled.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) run(ctx context.Context, job state.JobRecord, agentID string, req types.Request) {
	started := time.Now()
	resp, err := s.generateWithRetry(ctx, req)
	if err == nil {
		resp.Message.Role = types.RoleAssistant
		resp.Message.Name = agentID
		_, err = s.appendToThread(ctx, job.ThreadID, resp.Message)
	}

	now := time.Now().UTC()
	job.UpdatedAt = &now
	if err != nil {
		job.Status = state.JobFailed
		job.Error = err.Error()
	} else {
		job.Status = state.JobCompleted
		job.Result = resp.Message.Content
		job.Usage = resp.Usage
	}
	if serr := s.store.SaveJob(context.WithoutCancel(ctx), job); serr != nil {
		s.logger.Error("failed to settle model job", "job_id", job.JobID, "error", serr)
		return
	}
	logger := s.logger.With("job_id", job.JobID, "agent_id", agentID, "provider", s.provider.Name(), "duration", time.Since(started))
	if err != nil {
		logger.Warn("model job failed", "error", err)
		return
	}
	logger.Debug("model job completed")
}

func (s *Service) generateWithRetry(ctx context.Context, req types.Request) (types.Response, error) {
	policy := s.retryPolicy

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, err := s.provider.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return types.Response{}, ctx.Err()
		case <-time.After(policy.backoffForAttempt(attempt)):
		}
	}
	return types.Response{}, fmt.Errorf("provider %q failed after %d attempt(s): %w", s.provider.Name(), policy.MaxAttempts, lastErr)
}

// appendToThread adds msg to the thread and returns the full message list.
func (s *Service) appendToThread(ctx context.Context, threadID string, msg types.Message) ([]types.Message, error) {
	s.threadMu.Lock()
	defer s.threadMu.Unlock()
	thread, err := s.store.LoadThread(ctx, threadID)
	switch {
	case err == nil:
	case errors.Is(err, state.ErrNotFound):
		thread = state.ThreadRecord{ThreadID: threadID}
	default:
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	thread.Messages = append(thread.Messages, msg)
	now := time.Now().UTC()
	thread.UpdatedAt = &now
	if err := s.store.SaveThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("save thread %s: %w", threadID, err)
	}
	return append([]types.Message(nil), thread.Messages...), nil
}

var (
	_ procedure.ModelInvoker = (*Service)(nil)
	_ procedure.JobService   = (*Service)(nil)
)

package procedure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/observe"
	"github.com/PipeOpsHQ/procedure-engine/state"
)

type PollStatus string

const (
	PollCompleted PollStatus = "completed"
	PollFailed    PollStatus = "failed"
	PollTimeout   PollStatus = "timeout"
)

type PollOutcome struct {
	Status PollStatus
	Result string
	Error  string
}

// Poller waits for an async job to settle, bounded by Timeout.
type Poller struct {
	Jobs     JobService
	Timeout  time.Duration
	Interval time.Duration
}

// Wait polls jobID every Interval until it settles or Timeout elapses. A
// timeout is an outcome, not an error; errors are reserved for cancellation
// of ctx and for job lookups that fail.
func (p Poller) Wait(ctx context.Context, jobID string) (PollOutcome, error) {
	if p.Jobs == nil {
		return PollOutcome{}, fmt.Errorf("job service is required")
	}
	if strings.TrimSpace(jobID) == "" {
		return PollOutcome{}, fmt.Errorf("job id is required")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := p.Jobs.Poll(waitCtx, jobID)
		switch {
		case err == nil:
			switch job.Status {
			case state.JobCompleted:
				return PollOutcome{Status: PollCompleted, Result: job.Result}, nil
			case state.JobFailed:
				msg := job.Error
				if msg == "" {
					msg = "job failed without error details"
				}
				return PollOutcome{Status: PollFailed, Error: msg}, nil
			}
		case errors.Is(err, state.ErrNotFound):
		case waitCtx.Err() != nil:
		default:
			return PollOutcome{}, fmt.Errorf("poll job %s: %w", jobID, err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return PollOutcome{}, ctx.Err()
			}
			return PollOutcome{
				Status: PollTimeout,
				Error:  fmt.Sprintf("timeout: job %s did not settle within %s", jobID, timeout),
			}, nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) poller() Poller {
	return Poller{Jobs: e.jobs, Timeout: e.pollTimeout, Interval: e.pollInterval}
}

// PollNode waits for the job of an executing node and applies the outcome:
// completed stores the output and propagates, failed and timeout fail the
// node and the session. A pass is scheduled afterwards either way.
func (e *Engine) PollNode(ctx context.Context, params map[string]string) error {
	sessionID := params[ParamSessionID]
	sessionAgentID := params[ParamSessionAgentID]
	jobID := params[ParamJobID]
	if sessionID == "" || sessionAgentID == "" || jobID == "" {
		return fmt.Errorf("poll requires %s, %s and %s", ParamSessionID, ParamSessionAgentID, ParamJobID)
	}
	node, err := e.store.LoadNode(ctx, sessionID, sessionAgentID)
	if err != nil {
		return fmt.Errorf("load node %s: %w", sessionAgentID, err)
	}
	if node.State != state.NodeExecuting {
		return nil
	}

	started := time.Now()
	outcome, err := e.poller().Wait(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		outcome = PollOutcome{Status: PollFailed, Error: err.Error()}
	}
	e.metrics.poll(outcome.Status)
	e.emit(ctx, observe.Event{
		SessionID:      sessionID,
		SessionAgentID: sessionAgentID,
		AgentID:        node.AgentID,
		Kind:           observe.KindPoll,
		Status:         pollEventStatus(outcome.Status),
		Name:           "poll." + string(outcome.Status),
		Error:          outcome.Error,
		DurationMs:     time.Since(started).Milliseconds(),
		Attributes:     map[string]any{"jobId": jobID, "runId": params[ParamRunID]},
	})

	err = e.withSessionLock(ctx, sessionID, func() error {
		current, err := e.store.LoadNode(ctx, sessionID, sessionAgentID)
		if err != nil {
			return fmt.Errorf("load node %s: %w", sessionAgentID, err)
		}
		if current.State != state.NodeExecuting {
			return nil
		}
		switch outcome.Status {
		case PollCompleted:
			current.AgentOutput = outcome.Result
			return e.completeNode(ctx, current, KindModel)
		default:
			return e.failNode(ctx, current, KindModel, errors.New(outcome.Error))
		}
	})
	if err != nil {
		return err
	}
	return e.schedulePass(ctx, sessionID, 0)
}

func pollEventStatus(status PollStatus) observe.Status {
	if status == PollCompleted {
		return observe.StatusCompleted
	}
	return observe.StatusFailed
}

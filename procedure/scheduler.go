package procedure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PipeOpsHQ/procedure-engine/observe"
	"github.com/PipeOpsHQ/procedure-engine/state"
)

// PassOutcome says how a scheduler pass ended.
type PassOutcome string

const (
	// PassNoop: the session is terminal or was never started.
	PassNoop PassOutcome = "noop"
	// PassDeferred: another pass held the session lock; this one was
	// rescheduled.
	PassDeferred PassOutcome = "deferred"
	// PassExecuted: ready nodes ran and a continuation was scheduled.
	PassExecuted PassOutcome = "executed"
	// PassWaiting: the session waits for user input.
	PassWaiting PassOutcome = "waiting_for_user"
	// PassInFlight: model jobs are running; a pass is rescheduled after the
	// backoff to watch them.
	PassInFlight PassOutcome = "in_flight"
	// PassBlocked: nothing was ready; the iteration counter advanced and a
	// delayed continuation was scheduled.
	PassBlocked PassOutcome = "blocked"
	PassCompleted PassOutcome = "completed"
	PassFailed    PassOutcome = "failed"
)

type PassResult struct {
	SessionID      string
	Status         state.SessionStatus
	Outcome        PassOutcome
	Executed       []string
	IterationCount int
	Continued      bool
}

// RunPass executes one scheduler pass over sessionID.
func (e *Engine) RunPass(ctx context.Context, sessionID string) (PassResult, error) {
	started := time.Now()
	result := PassResult{SessionID: sessionID}
	release, ok, err := e.tryLock(ctx, sessionID)
	if err != nil {
		return result, err
	}
	if !ok {
		result.Outcome = PassDeferred
		if err := e.schedulePass(ctx, sessionID, e.passBackoff); err != nil {
			return result, err
		}
		result.Continued = true
		e.metrics.pass(result.Outcome, time.Since(started))
		return result, nil
	}
	defer release()

	result, err = e.runPass(ctx, sessionID)
	e.metrics.pass(result.Outcome, time.Since(started))
	logger := e.logger.With("session_id", sessionID, "outcome", string(result.Outcome), "iteration", result.IterationCount)
	if err != nil {
		logger.Error("pass failed", "error", err)
	} else {
		logger.Debug("pass finished", "executed", len(result.Executed), "continued", result.Continued)
	}
	e.emit(ctx, observe.Event{
		SessionID:  sessionID,
		Kind:       observe.KindSession,
		Status:     passEventStatus(result.Outcome, err),
		Name:       "session.pass",
		Error:      errText(err),
		DurationMs: time.Since(started).Milliseconds(),
		Attributes: map[string]any{"outcome": string(result.Outcome), "executed": len(result.Executed)},
	})
	return result, err
}

func (e *Engine) runPass(ctx context.Context, sessionID string) (PassResult, error) {
	result := PassResult{SessionID: sessionID, Outcome: PassNoop}
	session, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		return result, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	result.Status = session.Status
	result.IterationCount = session.IterationCount

	switch session.Status {
	case state.SessionCompleted, state.SessionFailed, state.SessionTimeout:
		return result, nil
	case state.SessionInitial:
		e.logger.Warn("pass for session that was never started", "session_id", sessionID)
		return result, nil
	case state.SessionDispatched:
		session, err = e.updateSession(ctx, sessionID, func(s *state.SessionRecord) error {
			if s.Status == state.SessionDispatched {
				s.Status = state.SessionInProgress
			}
			return nil
		})
		if err != nil {
			return result, err
		}
		result.Status = session.Status
		e.emit(ctx, observe.Event{SessionID: sessionID, Kind: observe.KindSession, Status: observe.StatusStarted, Name: "session.in_progress"})
	}

	nodes, err := e.store.ListNodes(ctx, sessionID)
	if err != nil {
		return result, fmt.Errorf("list nodes: %w", err)
	}
	ready := make([]state.NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		if n.Ready() {
			ready = append(ready, n)
		}
	}

	if len(ready) > 0 {
		result.Outcome = PassExecuted
		result.Executed, err = e.executeReady(ctx, session, ready)
		if err != nil {
			return result, err
		}
		if result, err = e.refreshStatus(ctx, result); err != nil {
			return result, err
		}
		if result.Status.Terminal() {
			return result, nil
		}
		if err := e.schedulePass(ctx, sessionID, 0); err != nil {
			return result, err
		}
		result.Continued = true
		return result, nil
	}
	return e.settle(ctx, session, nodes, result)
}

// executeReady runs every ready node concurrently. Ready nodes are
// independent, so their relative order does not matter.
func (e *Engine) executeReady(ctx context.Context, session state.SessionRecord, ready []state.NodeRecord) ([]string, error) {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		executed = make([]string, 0, len(ready))
	)
	g.SetLimit(e.maxParallelNodes)
	for _, node := range ready {
		g.Go(func() error {
			if err := e.ExecuteNode(ctx, session, node); err != nil {
				return fmt.Errorf("node %s: %w", node.SessionAgentID, err)
			}
			mu.Lock()
			executed = append(executed, node.SessionAgentID)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return executed, err
}

// settle handles a pass that found nothing ready.
func (e *Engine) settle(ctx context.Context, session state.SessionRecord, nodes []state.NodeRecord, result PassResult) (PassResult, error) {
	var failed, executing []state.NodeRecord
	var waiting, blocked int
	for _, n := range nodes {
		switch n.State {
		case state.NodeFailed:
			failed = append(failed, n)
		case state.NodeWaitForUserInput:
			waiting++
		case state.NodeExecuting:
			executing = append(executing, n)
		case state.NodeInitial, state.NodePending:
			blocked++
		}
	}

	switch {
	case len(failed) > 0:
		entries := make([]state.LogEntry, 0, len(failed))
		for _, n := range failed {
			entries = append(entries, state.LogEntry{
				AgentID: n.AgentID,
				Message: fmt.Sprintf("agent %s failed: %s", agentLabel(n), n.Notes),
			})
		}
		result.Outcome = PassFailed
		if err := e.failSession(ctx, session.SessionID, entries...); err != nil {
			return result, err
		}
		result.Status = state.SessionFailed
		return result, nil
	case waiting > 0:
		result.Outcome = PassWaiting
		return result, nil
	case len(executing) > 0:
		return e.watchInFlight(ctx, session.SessionID, executing, result)
	case blocked > 0:
		return e.advanceIteration(ctx, session.SessionID, result)
	default:
		result.Outcome = PassCompleted
		if err := e.finishSession(ctx, session.SessionID, state.SessionCompleted); err != nil {
			return result, err
		}
		result.Status = state.SessionCompleted
		return result, nil
	}
}

// advanceIteration counts a pass that made no progress and fails the
// session once the iteration cap is reached.
func (e *Engine) advanceIteration(ctx context.Context, sessionID string, result PassResult) (PassResult, error) {
	capped := false
	session, err := e.updateSession(ctx, sessionID, func(s *state.SessionRecord) error {
		if s.Status.Terminal() {
			return nil
		}
		s.IterationCount++
		capped = s.IterationCount >= e.iterationCap
		return nil
	})
	if err != nil {
		return result, err
	}
	result.IterationCount = session.IterationCount
	if capped {
		result.Outcome = PassFailed
		e.logger.Warn("iteration cap reached", "session_id", sessionID, "iteration", session.IterationCount)
		if err := e.failSession(ctx, sessionID, state.LogEntry{
			Message: fmt.Sprintf("no node became ready after %d passes: possible infinite loop", session.IterationCount),
		}); err != nil {
			return result, err
		}
		result.Status = state.SessionFailed
		return result, nil
	}
	result.Outcome = PassBlocked
	result.Status = session.Status
	if err := e.schedulePass(ctx, sessionID, e.passBackoff); err != nil {
		return result, err
	}
	result.Continued = true
	return result, nil
}

// watchInFlight fails executing nodes that have outlived the stall deadline
// and otherwise re-arms the loop, so a lost poll continuation cannot leave
// the session in progress forever.
func (e *Engine) watchInFlight(ctx context.Context, sessionID string, executing []state.NodeRecord, result PassResult) (PassResult, error) {
	deadline := e.stallTimeout()
	now := time.Now()
	stalled := false
	for _, n := range executing {
		since, err := e.executingSince(ctx, n)
		if err != nil {
			return result, err
		}
		if now.Sub(since) <= deadline {
			continue
		}
		stalled = true
		cause := fmt.Errorf("timeout: no job result for %s after %s", n.SessionAgentID, deadline)
		if err := e.failNode(ctx, n, KindModel, cause); err != nil {
			return result, err
		}
	}
	if stalled {
		result.Outcome = PassFailed
		result.Status = state.SessionFailed
		return result, nil
	}
	result.Outcome = PassInFlight
	if err := e.schedulePass(ctx, sessionID, e.passBackoff); err != nil {
		return result, err
	}
	result.Continued = true
	return result, nil
}

// stallTimeout bounds how long a node may stay executing. The poll
// continuation gives up after pollTimeout, so twice that leaves room for
// queueing delay.
func (e *Engine) stallTimeout() time.Duration {
	return 2 * e.pollTimeout
}

// executingSince is when the node's latest model run started, or its last
// save when no run was recorded.
func (e *Engine) executingSince(ctx context.Context, node state.NodeRecord) (time.Time, error) {
	runs, err := e.store.ListRuns(ctx, state.ListRunsQuery{SessionID: node.SessionID, SessionAgentID: node.SessionAgentID, Limit: 1})
	if err != nil {
		return time.Time{}, fmt.Errorf("list runs of %s: %w", node.SessionAgentID, err)
	}
	if len(runs) > 0 && runs[0].CreatedAt != nil {
		return *runs[0].CreatedAt, nil
	}
	if node.UpdatedAt != nil {
		return *node.UpdatedAt, nil
	}
	return time.Now(), nil
}

func (e *Engine) refreshStatus(ctx context.Context, result PassResult) (PassResult, error) {
	session, err := e.store.LoadSession(ctx, result.SessionID)
	if err != nil {
		return result, fmt.Errorf("load session %s: %w", result.SessionID, err)
	}
	result.Status = session.Status
	return result, nil
}

func passEventStatus(outcome PassOutcome, err error) observe.Status {
	switch {
	case err != nil, outcome == PassFailed:
		return observe.StatusFailed
	case outcome == PassCompleted:
		return observe.StatusCompleted
	default:
		return observe.StatusStarted
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

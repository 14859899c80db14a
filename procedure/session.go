package procedure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/procedure-engine/observe"
	"github.com/PipeOpsHQ/procedure-engine/state"
)

type CreateSessionRequest struct {
	SessionID string
	TaskID    string
	// TaskQuery defaults to the task's initial query.
	TaskQuery string
	UserID    string
	// SubtaskQueries overrides the per-agent defaults. When empty every
	// task-role agent gets one query: its own template, or the task query.
	SubtaskQueries []state.SubtaskQuery
}

// CreateSession persists a new session in the initial state. It does not
// start it.
func (e *Engine) CreateSession(ctx context.Context, req CreateSessionRequest) (state.SessionRecord, error) {
	task, err := e.store.LoadTask(ctx, req.TaskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return state.SessionRecord{}, fmt.Errorf("task %q: %w", req.TaskID, ErrMissingTask)
		}
		return state.SessionRecord{}, fmt.Errorf("load task %s: %w", req.TaskID, err)
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if _, err := e.store.LoadSession(ctx, sessionID); err == nil {
		return state.SessionRecord{}, fmt.Errorf("session %s: %w", sessionID, state.ErrConflict)
	} else if !errors.Is(err, state.ErrNotFound) {
		return state.SessionRecord{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	query := req.TaskQuery
	if strings.TrimSpace(query) == "" {
		query = task.InitialTaskQuery
	}
	subtasks := append([]state.SubtaskQuery(nil), req.SubtaskQueries...)
	if len(subtasks) == 0 {
		for _, agent := range task.Agents {
			if agent.Role != state.RoleTask {
				continue
			}
			text := agent.SubtaskQuery
			if strings.TrimSpace(text) == "" {
				text = query
			}
			subtasks = append(subtasks, state.SubtaskQuery{AgentID: agent.AgentID, SubtaskQuery: text})
		}
	}

	now := time.Now().UTC()
	session := state.SessionRecord{
		SessionID:      sessionID,
		TaskID:         task.TaskID,
		TaskQuery:      query,
		UserID:         req.UserID,
		SubtaskQueries: subtasks,
		Status:         state.SessionInitial,
		CreatedAt:      &now,
		UpdatedAt:      &now,
	}
	if err := e.store.SaveSession(ctx, session); err != nil {
		return state.SessionRecord{}, fmt.Errorf("save session %s: %w", sessionID, err)
	}
	e.logger.Info("session created", "session_id", sessionID, "task_id", task.TaskID, "subtasks", len(subtasks))
	return session, nil
}

// StartSession builds the session's graph and schedules its first pass.
// Starting a session that already left the initial state does nothing.
func (e *Engine) StartSession(ctx context.Context, sessionID string) error {
	return e.withSessionLock(ctx, sessionID, func() error {
		session, err := e.store.LoadSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load session %s: %w", sessionID, err)
		}
		if session.Status != state.SessionInitial {
			e.logger.Debug("session already started", "session_id", sessionID, "status", string(session.Status))
			return nil
		}
		task, err := e.store.LoadTask(ctx, session.TaskID)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				err = fmt.Errorf("session %s: %w", sessionID, ErrMissingTask)
			}
			return e.abortStart(ctx, sessionID, err)
		}
		nodes, err := e.BuildNodes(ctx, session, task)
		if err != nil {
			return e.abortStart(ctx, sessionID, err)
		}
		if _, err := e.InitInDegree(ctx, nodes); err != nil {
			return e.abortStart(ctx, sessionID, err)
		}
		if _, err := e.updateSession(ctx, sessionID, func(s *state.SessionRecord) error {
			s.Status = state.SessionDispatched
			return nil
		}); err != nil {
			return err
		}
		e.logger.Info("session dispatched", "session_id", sessionID, "nodes", len(nodes))
		e.emit(ctx, observe.Event{
			SessionID:  sessionID,
			Kind:       observe.KindSession,
			Status:     observe.StatusStarted,
			Name:       "session.dispatched",
			Attributes: map[string]any{"nodes": len(nodes), "taskId": task.TaskID},
		})
		return e.schedulePass(ctx, sessionID, 0)
	})
}

// abortStart records a graph build failure on the session. The cause is
// returned so the caller sees it.
func (e *Engine) abortStart(ctx context.Context, sessionID string, cause error) error {
	if err := e.failSession(ctx, sessionID, state.LogEntry{Message: "building the session graph failed: " + cause.Error()}); err != nil {
		e.logger.Error("failed to record start failure", "session_id", sessionID, "error", err)
	}
	return cause
}

// SubmitUserInput delivers input to a node waiting for it. A node with an
// action function or rules goes back to pending so the next pass runs it
// with the input; any other node completes with the input as its output.
func (e *Engine) SubmitUserInput(ctx context.Context, sessionID, sessionAgentID, input string) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("user input is required")
	}
	err := e.withSessionLock(ctx, sessionID, func() error {
		session, err := e.store.LoadSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load session %s: %w", sessionID, err)
		}
		if session.Status.Terminal() {
			return fmt.Errorf("session %s is %s: %w", sessionID, session.Status, ErrNodeNotWaiting)
		}
		node, err := e.store.LoadNode(ctx, sessionID, sessionAgentID)
		if err != nil {
			return fmt.Errorf("load node %s: %w", sessionAgentID, err)
		}
		if node.State != state.NodeWaitForUserInput {
			return fmt.Errorf("node %s is %s: %w", sessionAgentID, node.State, ErrNodeNotWaiting)
		}
		node.UserInput = input
		e.logger.Info("user input received", "session_id", sessionID, "session_agent_id", sessionAgentID, "agent_id", node.AgentID)
		if node.AgentAction.ActionFunction != "" || len(node.AgentAction.ActionRules) > 0 {
			node.State = state.NodePending
			return e.saveNode(ctx, node, ClassifyNode(node))
		}
		node.AgentOutput = input
		return e.completeNode(ctx, node, KindUserInput)
	})
	if err != nil {
		return err
	}
	return e.schedulePass(ctx, sessionID, 0)
}

// ContinuationFunc handles one named continuation.
type ContinuationFunc func(ctx context.Context, params map[string]string) error

// Handlers maps every continuation name the engine schedules to its
// handler.
func (e *Engine) Handlers() map[string]ContinuationFunc {
	return map[string]ContinuationFunc{
		FuncStart: func(ctx context.Context, params map[string]string) error {
			return e.StartSession(ctx, params[ParamSessionID])
		},
		FuncPass: func(ctx context.Context, params map[string]string) error {
			_, err := e.RunPass(ctx, params[ParamSessionID])
			return err
		},
		FuncPoll: e.PollNode,
		FuncUserInput: func(ctx context.Context, params map[string]string) error {
			return e.SubmitUserInput(ctx, params[ParamSessionID], params[ParamSessionAgentID], params[ParamUserInput])
		},
	}
}

// Handle runs the continuation named fn.
func (e *Engine) Handle(ctx context.Context, fn string, params map[string]string) error {
	handler, ok := e.Handlers()[fn]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownContinuation, fn)
	}
	if params[ParamSessionID] == "" {
		return fmt.Errorf("continuation %s: %s is required", fn, ParamSessionID)
	}
	return handler(ctx, params)
}

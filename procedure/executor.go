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

// NodeKind selects how a ready node is executed.
type NodeKind int

const (
	KindModel NodeKind = iota
	KindUserInput
	KindAction
	KindRules
)

func (k NodeKind) String() string {
	switch k {
	case KindUserInput:
		return "user_input"
	case KindAction:
		return "action"
	case KindRules:
		return "rules"
	default:
		return "model"
	}
}

// ClassifyNode resolves the kind of node from its action metadata. A
// user-in-the-loop node waits for input before anything else runs.
func ClassifyNode(node state.NodeRecord) NodeKind {
	action := node.AgentAction
	switch {
	case action.UserInTheLoop && strings.TrimSpace(node.UserInput) == "":
		return KindUserInput
	case action.ActionFunction != "":
		return KindAction
	case len(action.ActionRules) > 0:
		return KindRules
	default:
		return KindModel
	}
}

// ExecuteNode drives one ready node to its next state. Failures inside the
// node are recorded on the node and escalated to the session; the returned
// error is reserved for storage failures while recording them.
func (e *Engine) ExecuteNode(ctx context.Context, session state.SessionRecord, node state.NodeRecord) error {
	kind := ClassifyNode(node)
	logger := e.logger.With("session_id", node.SessionID, "session_agent_id", node.SessionAgentID, "agent_id", node.AgentID, "kind", kind.String())
	logger.Debug("executing node")

	switch kind {
	case KindUserInput:
		node.State = state.NodeWaitForUserInput
		if err := e.saveNode(ctx, node, kind); err != nil {
			return err
		}
		logger.Info("node waiting for user input")
		return nil
	case KindAction, KindRules:
		in, err := e.actionInput(ctx, session, node)
		if err != nil {
			return e.failNode(ctx, node, kind, err)
		}
		output, err := e.runDeterministic(ctx, kind, node, in)
		if err != nil {
			return e.failNode(ctx, node, kind, err)
		}
		node.AgentOutput = output
		return e.completeNode(ctx, node, kind)
	default:
		return e.executeModel(ctx, session, node)
	}
}

func (e *Engine) runDeterministic(ctx context.Context, kind NodeKind, node state.NodeRecord, in ActionInput) (string, error) {
	if kind == KindRules {
		verdict, err := evaluateRules(node.AgentAction.ActionRules, in)
		if err != nil {
			return "", err
		}
		if !verdict.Valid {
			return "", fmt.Errorf("action rules rejected upstream results: %s", strings.Join(verdict.Violations, "; "))
		}
		return verdict.String(), nil
	}
	fn, ok := e.actions.Lookup(node.AgentAction.ActionFunction)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, node.AgentAction.ActionFunction)
	}
	output, err := callAction(ctx, fn, in)
	if err != nil {
		return "", fmt.Errorf("action %s: %w", node.AgentAction.ActionFunction, err)
	}
	return output, nil
}

// callAction runs fn, turning a panic into an error so one node cannot take
// the pass down.
func callAction(ctx context.Context, fn ActionFunc, in ActionInput) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, in)
}

func (e *Engine) executeModel(ctx context.Context, session state.SessionRecord, node state.NodeRecord) error {
	task, err := e.store.LoadTask(ctx, session.TaskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			err = fmt.Errorf("session %s: %w", session.SessionID, ErrMissingTask)
		}
		return e.failNode(ctx, node, KindModel, err)
	}
	agent, ok := task.Agent(node.AgentID)
	if !ok {
		return e.failNode(ctx, node, KindModel, fmt.Errorf("agent %s is not defined in task %s: %w", node.AgentID, task.TaskID, ErrMissingAction))
	}

	nodes, err := e.store.ListNodes(ctx, node.SessionID)
	if err != nil {
		return e.failNode(ctx, node, KindModel, fmt.Errorf("list nodes: %w", err))
	}
	node.AgentInput = assembleInput(node, upstreamOf(node, nodes))
	node.State = state.NodeExecuting
	node.Notes = ""
	if err := e.saveNode(ctx, node, KindModel); err != nil {
		return err
	}

	threadID, err := e.resolveThread(ctx, node, nodes)
	if err != nil {
		return e.failNode(ctx, node, KindModel, err)
	}
	inv, err := e.invoker.Invoke(ctx, InvokeRequest{
		SessionID:      node.SessionID,
		SessionAgentID: node.SessionAgentID,
		AgentID:        node.AgentID,
		ThreadID:       threadID,
		Query:          node.AgentInput,
		SystemPrompt:   agent.SystemPrompt,
		Model:          agent.Model,
		UserID:         session.UserID,
	})
	if err != nil {
		return e.failNode(ctx, node, KindModel, fmt.Errorf("invoke model: %w", err))
	}
	now := time.Now().UTC()
	if err := e.store.SaveRun(ctx, state.RunRecord{
		RunID:          inv.RunID,
		SessionID:      node.SessionID,
		SessionAgentID: node.SessionAgentID,
		AgentID:        node.AgentID,
		ThreadID:       inv.ThreadID,
		JobID:          inv.JobID,
		CreatedAt:      &now,
	}); err != nil {
		return e.failNode(ctx, node, KindModel, fmt.Errorf("save run: %w", err))
	}
	if err := e.schedule(ctx, FuncPoll, map[string]string{
		ParamSessionID:      node.SessionID,
		ParamSessionAgentID: node.SessionAgentID,
		ParamJobID:          inv.JobID,
		ParamRunID:          inv.RunID,
	}, 0); err != nil {
		return e.failNode(ctx, node, KindModel, err)
	}
	e.logger.Info("model invoked",
		"session_id", node.SessionID,
		"session_agent_id", node.SessionAgentID,
		"agent_id", node.AgentID,
		"run_id", inv.RunID,
		"thread_reused", threadID != "",
	)
	return nil
}

// resolveThread returns the thread a model node continues, or "" for a new
// thread. Only a node with exactly one predecessor agent flagged primary
// path continues that predecessor's most recent thread.
func (e *Engine) resolveThread(ctx context.Context, node state.NodeRecord, nodes []state.NodeRecord) (string, error) {
	preds := presentPredecessors(node, nodes)
	if len(preds) != 1 {
		return "", nil
	}
	var latest state.RunRecord
	for _, pred := range nodesOfAgent(nodes, preds[0]) {
		if !pred.AgentAction.PrimaryPath {
			return "", nil
		}
		runs, err := e.store.ListRuns(ctx, state.ListRunsQuery{SessionID: node.SessionID, SessionAgentID: pred.SessionAgentID, Limit: 1})
		if err != nil {
			return "", fmt.Errorf("list runs for %s: %w", pred.SessionAgentID, err)
		}
		if len(runs) == 0 {
			continue
		}
		if latest.RunID == "" || newer(runs[0], latest) {
			latest = runs[0]
		}
	}
	return latest.ThreadID, nil
}

func newer(a, b state.RunRecord) bool {
	if a.CreatedAt == nil || b.CreatedAt == nil {
		return b.CreatedAt == nil && a.CreatedAt != nil
	}
	return a.CreatedAt.After(*b.CreatedAt)
}

func (e *Engine) actionInput(ctx context.Context, session state.SessionRecord, node state.NodeRecord) (ActionInput, error) {
	nodes, err := e.store.ListNodes(ctx, node.SessionID)
	if err != nil {
		return ActionInput{}, fmt.Errorf("list nodes: %w", err)
	}
	return ActionInput{
		SessionID:      node.SessionID,
		SessionAgentID: node.SessionAgentID,
		AgentID:        node.AgentID,
		AgentName:      node.AgentName,
		TaskQuery:      session.TaskQuery,
		SubtaskQuery:   node.SubtaskQuery,
		UserInput:      node.UserInput,
		Upstream:       upstreamOf(node, nodes),
	}, nil
}

// presentPredecessors lists the distinct declared predecessor agents that
// have nodes in the session, in declaration order.
func presentPredecessors(node state.NodeRecord, nodes []state.NodeRecord) []string {
	present := map[string]bool{}
	for _, n := range nodes {
		present[n.AgentID] = true
	}
	out := make([]string, 0, len(node.AgentAction.Predecessors))
	seen := map[string]bool{}
	for _, id := range node.AgentAction.Predecessors {
		if present[id] && !seen[id] && id != node.AgentID {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func nodesOfAgent(nodes []state.NodeRecord, agentID string) []state.NodeRecord {
	out := make([]state.NodeRecord, 0, 1)
	for _, n := range nodes {
		if n.AgentID == agentID {
			out = append(out, n)
		}
	}
	return out
}

func upstreamOf(node state.NodeRecord, nodes []state.NodeRecord) []Upstream {
	out := make([]Upstream, 0)
	for _, agentID := range presentPredecessors(node, nodes) {
		for _, pred := range nodesOfAgent(nodes, agentID) {
			out = append(out, Upstream{
				AgentID:   pred.AgentID,
				AgentName: pred.AgentName,
				Output:    pred.AgentOutput,
				UserInput: pred.UserInput,
			})
		}
	}
	return out
}

// assembleInput is the subtask query followed by every non-empty upstream
// output and user input, labelled by producing agent.
func assembleInput(node state.NodeRecord, upstream []Upstream) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(node.SubtaskQuery))
	section := func(title, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("### ")
		b.WriteString(title)
		b.WriteString("\n")
		b.WriteString(body)
	}
	for _, u := range upstream {
		section("Output from "+u.Label(), u.Output)
		section("User input for "+u.Label(), u.UserInput)
	}
	section("User input", node.UserInput)
	return b.String()
}

func (e *Engine) saveNode(ctx context.Context, node state.NodeRecord, kind NodeKind) error {
	now := time.Now().UTC()
	node.UpdatedAt = &now
	if err := e.store.SaveNode(ctx, node); err != nil {
		return fmt.Errorf("save node %s: %w", node.SessionAgentID, err)
	}
	e.metrics.transition(node.State, kind)
	status := observe.StatusStarted
	switch node.State {
	case state.NodeCompleted:
		status = observe.StatusCompleted
	case state.NodeFailed:
		status = observe.StatusFailed
	}
	e.emit(ctx, observe.Event{
		SessionID:      node.SessionID,
		SessionAgentID: node.SessionAgentID,
		AgentID:        node.AgentID,
		Kind:           observe.KindNode,
		Status:         status,
		Name:           "node." + string(node.State),
		Error:          failedNotes(node),
		Attributes:     map[string]any{"kind": kind.String(), "inDegree": node.InDegree},
	})
	return nil
}

func failedNotes(node state.NodeRecord) string {
	if node.State == state.NodeFailed {
		return node.Notes
	}
	return ""
}

// failNode marks node failed with cause as notes and escalates the failure
// to the owning session.
func (e *Engine) failNode(ctx context.Context, node state.NodeRecord, kind NodeKind, cause error) error {
	node.State = state.NodeFailed
	node.Notes = cause.Error()
	e.logger.Warn("node failed",
		"session_id", node.SessionID,
		"session_agent_id", node.SessionAgentID,
		"agent_id", node.AgentID,
		"kind", kind.String(),
		"error", cause,
	)
	if err := e.saveNode(ctx, node, kind); err != nil {
		return err
	}
	return e.failSession(ctx, node.SessionID, state.LogEntry{
		AgentID: node.AgentID,
		Message: fmt.Sprintf("agent %s failed: %s", agentLabel(node), node.Notes),
	})
}

func agentLabel(node state.NodeRecord) string {
	if node.AgentName != "" && node.AgentName != node.AgentID {
		return node.AgentName + " (" + node.AgentID + ")"
	}
	return node.AgentID
}

// failSession moves the session to failed and appends entries to its logs.
func (e *Engine) failSession(ctx context.Context, sessionID string, entries ...state.LogEntry) error {
	return e.finishSession(ctx, sessionID, state.SessionFailed, entries...)
}

func (e *Engine) finishSession(ctx context.Context, sessionID string, status state.SessionStatus, entries ...state.LogEntry) error {
	transitioned := false
	_, err := e.updateSession(ctx, sessionID, func(s *state.SessionRecord) error {
		for _, entry := range entries {
			s.AppendLog(entry)
		}
		if s.Status.Terminal() {
			return nil
		}
		s.Status = status
		transitioned = true
		return nil
	})
	if err != nil {
		return err
	}
	if transitioned {
		e.metrics.sessionTerminal(status)
		e.logger.Info("session finished", "session_id", sessionID, "status", string(status))
		obsStatus := observe.StatusCompleted
		if status != state.SessionCompleted {
			obsStatus = observe.StatusFailed
		}
		e.emit(ctx, observe.Event{SessionID: sessionID, Kind: observe.KindSession, Status: obsStatus, Name: "session." + string(status)})
	}
	return nil
}

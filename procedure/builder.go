package procedure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mbleigh/raymond"

	"github.com/PipeOpsHQ/procedure-engine/graph"
	"github.com/PipeOpsHQ/procedure-engine/state"
)

var sessionAgentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/PipeOpsHQ/procedure-engine/session-agent"))

// SessionAgentID returns the stable node id for the index-th subtask query
// of agentID in sessionID.
func SessionAgentID(sessionID, agentID string, index int) string {
	name := sessionID + "/" + agentID + "/" + strconv.Itoa(index)
	return uuid.NewSHA1(sessionAgentNamespace, []byte(name)).String()
}

// BuildNodes upserts one node per subtask query assigned to a task-role
// agent and stamps the resolved node ids back onto the session.
func (e *Engine) BuildNodes(ctx context.Context, session state.SessionRecord, task state.TaskRecord) ([]state.NodeRecord, error) {
	if task.TaskID == "" || task.TaskID != session.TaskID {
		return nil, fmt.Errorf("session %s: %w", session.SessionID, ErrMissingTask)
	}
	queries := append([]state.SubtaskQuery(nil), session.SubtaskQueries...)
	nodes := make([]state.NodeRecord, 0, len(queries))
	perAgent := map[string]int{}
	for i, sq := range queries {
		agent, ok := task.Agent(sq.AgentID)
		if !ok {
			e.logger.Warn("subtask query for unknown agent ignored", "session_id", session.SessionID, "agent_id", sq.AgentID)
			continue
		}
		if agent.Role != state.RoleTask {
			continue
		}
		action, ok := task.AgentActions[agent.AgentID]
		if !ok {
			return nil, fmt.Errorf("session %s agent %s: %w", session.SessionID, agent.AgentID, ErrMissingAction)
		}
		index := perAgent[agent.AgentID]
		perAgent[agent.AgentID]++
		if sq.SessionAgentID == "" {
			sq.SessionAgentID = SessionAgentID(session.SessionID, agent.AgentID, index)
		}
		queries[i] = sq

		node, err := e.store.LoadNode(ctx, session.SessionID, sq.SessionAgentID)
		switch {
		case err == nil:
		case errors.Is(err, state.ErrNotFound):
			node = state.NodeRecord{
				SessionID:      session.SessionID,
				SessionAgentID: sq.SessionAgentID,
				State:          state.NodeInitial,
			}
		default:
			return nil, fmt.Errorf("load node %s: %w", sq.SessionAgentID, err)
		}
		node.AgentID = agent.AgentID
		node.AgentName = agent.Name
		node.AgentAction = snapshotAction(action)
		node.SubtaskQuery = interpolate(sq.SubtaskQuery, session.TaskQuery)
		if err := e.store.SaveNode(ctx, node); err != nil {
			return nil, fmt.Errorf("save node %s: %w", node.SessionAgentID, err)
		}
		nodes = append(nodes, node)
	}

	if _, err := e.updateSession(ctx, session.SessionID, func(s *state.SessionRecord) error {
		s.SubtaskQueries = queries
		return nil
	}); err != nil {
		return nil, err
	}
	return nodes, nil
}

// InitInDegree stamps every node with the number of distinct predecessor
// agents that have at least one node in the session. Predecessors without
// nodes are ignored.
func (e *Engine) InitInDegree(ctx context.Context, nodes []state.NodeRecord) ([]state.NodeRecord, error) {
	if len(nodes) == 0 {
		return nodes, nil
	}
	g, err := sessionGraph(nodes)
	if err != nil {
		return nil, err
	}

	out := make([]state.NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		n.InDegree = g.InDegree(n.AgentID)
		n.ReleasedBy = nil
		if err := e.store.SaveNode(ctx, n); err != nil {
			return nil, fmt.Errorf("save node %s: %w", n.SessionAgentID, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// sessionGraph builds the agent dependency graph over the agents that have
// nodes in the session. Predecessors without nodes are dropped.
func sessionGraph(nodes []state.NodeRecord) (*graph.Graph, error) {
	agentIDs := make([]string, 0, len(nodes))
	preds := map[string][]string{}
	seen := map[string]bool{}
	for _, n := range nodes {
		if !seen[n.AgentID] {
			seen[n.AgentID] = true
			agentIDs = append(agentIDs, n.AgentID)
		}
		preds[n.AgentID] = append(preds[n.AgentID], n.AgentAction.Predecessors...)
	}
	sessionID := ""
	if len(nodes) > 0 {
		sessionID = nodes[0].SessionID
	}
	g, err := graph.FromPredecessors(sessionID, agentIDs, func(id string) []string { return preds[id] }, true)
	if err != nil {
		return nil, fmt.Errorf("session %s dependency graph: %w", sessionID, err)
	}
	return g, nil
}

func snapshotAction(action state.AgentAction) state.AgentAction {
	action.Predecessors = append([]string(nil), action.Predecessors...)
	if action.ActionRules != nil {
		raw, err := json.Marshal(action.ActionRules)
		if err == nil {
			var rules map[string]any
			if json.Unmarshal(raw, &rules) == nil {
				action.ActionRules = rules
			}
		}
	}
	return action
}

// interpolate renders a handlebars subtask template with the fields of the
// session task query. Any failure returns the template unchanged.
func interpolate(template, taskQuery string) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(taskQuery), &fields); err != nil || fields == nil {
		return template
	}
	rendered, err := raymond.Render(template, unescaped(fields))
	if err != nil {
		return template
	}
	return rendered
}

// unescaped marks string values safe so handlebars does not HTML-escape
// them inside prompts.
func unescaped(v any) any {
	switch t := v.(type) {
	case string:
		return raymond.SafeString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = unescaped(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = unescaped(val)
		}
		return out
	default:
		return v
	}
}

// updateSession applies fn to the freshly loaded session and saves it.
func (e *Engine) updateSession(ctx context.Context, sessionID string, fn func(*state.SessionRecord) error) (state.SessionRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	session, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		return state.SessionRecord{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if err := fn(&session); err != nil {
		return state.SessionRecord{}, err
	}
	now := time.Now().UTC()
	session.UpdatedAt = &now
	if err := e.store.SaveSession(ctx, session); err != nil {
		return state.SessionRecord{}, fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return session, nil
}

package procedure

import (
	"context"
	"fmt"

	"github.com/PipeOpsHQ/procedure-engine/state"
)

// completeNode is the only path that moves a node into completed, so each
// completion propagates once.
func (e *Engine) completeNode(ctx context.Context, node state.NodeRecord, kind NodeKind) error {
	node.State = state.NodeCompleted
	node.Notes = ""
	if err := e.saveNode(ctx, node, kind); err != nil {
		return err
	}
	return e.OnNodeCompleted(ctx, node)
}

// OnNodeCompleted releases the successors of node once every node of its
// agent in the session has completed. A storage failure fails the session,
// since the successors would otherwise never become ready.
func (e *Engine) OnNodeCompleted(ctx context.Context, node state.NodeRecord) error {
	err := e.propagate(ctx, node)
	if err == nil {
		return nil
	}
	e.logger.Error("completion propagation failed",
		"session_id", node.SessionID,
		"session_agent_id", node.SessionAgentID,
		"agent_id", node.AgentID,
		"error", err,
	)
	if ferr := e.failSession(ctx, node.SessionID, state.LogEntry{
		AgentID: node.AgentID,
		Message: fmt.Sprintf("propagating completion of agent %s failed: %v", agentLabel(node), err),
	}); ferr != nil {
		e.logger.Error("failed to record propagation failure", "session_id", node.SessionID, "error", ferr)
	}
	return err
}

func (e *Engine) propagate(ctx context.Context, node state.NodeRecord) error {
	nodes, err := e.store.ListNodes(ctx, node.SessionID)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	for _, n := range nodes {
		if n.AgentID != node.AgentID || n.SessionAgentID == node.SessionAgentID {
			continue
		}
		if n.State != state.NodeCompleted {
			return nil
		}
	}
	g, err := sessionGraph(nodes)
	if err != nil {
		return err
	}
	successors := map[string]bool{}
	for _, id := range g.Successors(node.AgentID) {
		successors[id] = true
	}
	for _, successor := range nodes {
		if !successors[successor.AgentID] {
			continue
		}
		released, changed, err := e.store.ReleaseDependency(ctx, node.SessionID, successor.SessionAgentID, node.AgentID)
		if err != nil {
			return fmt.Errorf("release %s: %w", successor.SessionAgentID, err)
		}
		if changed {
			e.logger.Debug("dependency released",
				"session_id", node.SessionID,
				"session_agent_id", successor.SessionAgentID,
				"predecessor", node.AgentID,
				"in_degree", released.InDegree,
			)
		}
	}
	return nil
}

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/state"
)

func TestStore_RecordsAreCopied(t *testing.T) {
	s := New()
	ctx := context.Background()

	node := state.NodeRecord{
		SessionID:      "s",
		SessionAgentID: "n",
		AgentAction:    state.AgentAction{Predecessors: []string{"a"}},
	}
	if err := s.SaveNode(ctx, node); err != nil {
		t.Fatalf("SaveNode failed: %v", err)
	}
	node.AgentAction.Predecessors[0] = "mutated"

	got, err := s.LoadNode(ctx, "s", "n")
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if got.AgentAction.Predecessors[0] != "a" {
		t.Fatalf("stored node shares memory with caller: %#v", got)
	}
	if got.State != state.NodeInitial {
		t.Fatalf("expected default state initial, got %q", got.State)
	}
}

func TestStore_ReleaseDependencyIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.SaveNode(ctx, state.NodeRecord{SessionID: "s", SessionAgentID: "d", InDegree: 2}); err != nil {
		t.Fatalf("SaveNode failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := s.ReleaseDependency(ctx, "s", "d", "B"); err != nil {
			t.Fatalf("ReleaseDependency failed: %v", err)
		}
	}
	node, changed, err := s.ReleaseDependency(ctx, "s", "d", "C")
	if err != nil || !changed {
		t.Fatalf("expected C to release, changed=%v err=%v", changed, err)
	}
	if node.InDegree != 0 {
		t.Fatalf("expected in_degree 0, got %d", node.InDegree)
	}
	if _, _, err := s.ReleaseDependency(ctx, "s", "x", "C"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListRunsNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"r1", "r2"} {
		at := base.Add(time.Duration(i) * time.Second)
		if err := s.SaveRun(ctx, state.RunRecord{RunID: id, SessionID: "s", SessionAgentID: "n", CreatedAt: &at}); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}
	runs, err := s.ListRuns(ctx, state.ListRunsQuery{SessionID: "s", SessionAgentID: "n", Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "r2" {
		t.Fatalf("expected r2 first, got %#v", runs)
	}
}

func TestStore_SessionLock(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok, err := s.AcquireSessionLock(ctx, "s", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire, ok=%v err=%v", ok, err)
	}
	if ok, _ := s.AcquireSessionLock(ctx, "s", "b", time.Minute); ok {
		t.Fatalf("expected second acquire to fail")
	}
	_ = s.ReleaseSessionLock(ctx, "s", "b")
	if ok, _ := s.AcquireSessionLock(ctx, "s", "b", time.Minute); ok {
		t.Fatalf("wrong owner must not release the lock")
	}
	_ = s.ReleaseSessionLock(ctx, "s", "a")
	if ok, _ := s.AcquireSessionLock(ctx, "s", "b", time.Minute); !ok {
		t.Fatalf("expected acquire after release")
	}
}

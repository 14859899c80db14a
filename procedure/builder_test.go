package procedure

import (
	"context"
	"errors"
	"testing"

	"github.com/PipeOpsHQ/procedure-engine/state"
)

func TestBuildNodes_StableIDsAndInterpolation(t *testing.T) {
	h := newHarness(t)
	task := diamondTask()
	task.Agents = append(task.Agents, state.AgentDef{AgentID: "triage", Role: state.RoleTriage})
	h.saveTask(t, task)
	ctx := context.Background()

	session, err := h.engine.CreateSession(ctx, CreateSessionRequest{
		TaskID:    "diamond",
		TaskQuery: `{"topic": "solar & wind", "depth": 2}`,
		SubtaskQueries: []state.SubtaskQuery{
			{AgentID: "A", SubtaskQuery: "Plan {{topic}} at depth {{depth}}"},
			{AgentID: "B", SubtaskQuery: "Search"},
			{AgentID: "triage", SubtaskQuery: "ignored"},
			{AgentID: "ghost", SubtaskQuery: "ignored"},
		},
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	nodes, err := h.engine.BuildNodes(ctx, session, task)
	if err != nil {
		t.Fatalf("BuildNodes failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected nodes only for task agents, got %+v", nodes)
	}
	if nodes[0].SubtaskQuery != "Plan solar & wind at depth 2" {
		t.Fatalf("unexpected interpolation %q", nodes[0].SubtaskQuery)
	}
	if nodes[0].SessionAgentID != SessionAgentID(session.SessionID, "A", 0) {
		t.Fatalf("unexpected node id %s", nodes[0].SessionAgentID)
	}

	stamped := h.session(t, session.SessionID)
	if stamped.SubtaskQueries[0].SessionAgentID != nodes[0].SessionAgentID || stamped.SubtaskQueries[1].SessionAgentID != nodes[1].SessionAgentID {
		t.Fatalf("node ids not stamped on session: %+v", stamped.SubtaskQueries)
	}

	again, err := h.engine.BuildNodes(ctx, stamped, task)
	if err != nil {
		t.Fatalf("second BuildNodes failed: %v", err)
	}
	all, _ := h.store.ListNodes(ctx, session.SessionID)
	if len(all) != 2 || again[0].SessionAgentID != nodes[0].SessionAgentID {
		t.Fatalf("rebuild must upsert the same nodes, got %d nodes", len(all))
	}
}

func TestBuildNodes_KeepsExistingNodeState(t *testing.T) {
	h := newHarness(t)
	task := diamondTask()
	h.saveTask(t, task)
	ctx := context.Background()
	session, _ := h.engine.CreateSession(ctx, CreateSessionRequest{TaskID: "diamond"})
	nodes, err := h.engine.BuildNodes(ctx, session, task)
	if err != nil {
		t.Fatalf("BuildNodes failed: %v", err)
	}
	done := nodes[0]
	done.State = state.NodeCompleted
	done.AgentOutput = "kept"
	if err := h.store.SaveNode(ctx, done); err != nil {
		t.Fatalf("SaveNode failed: %v", err)
	}
	if _, err := h.engine.BuildNodes(ctx, h.session(t, session.SessionID), task); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	got, _ := h.store.LoadNode(ctx, session.SessionID, done.SessionAgentID)
	if got.State != state.NodeCompleted || got.AgentOutput != "kept" {
		t.Fatalf("rebuild reset an existing node: %+v", got)
	}
}

func TestBuildNodes_Errors(t *testing.T) {
	h := newHarness(t)
	task := diamondTask()
	session := state.SessionRecord{SessionID: "s", TaskID: "other"}
	if _, err := h.engine.BuildNodes(context.Background(), session, task); !errors.Is(err, ErrMissingTask) {
		t.Fatalf("expected ErrMissingTask, got %v", err)
	}
}

func TestInitInDegree_Diamond(t *testing.T) {
	h := newHarness(t)
	task := diamondTask()
	h.saveTask(t, task)
	ctx := context.Background()
	session, _ := h.engine.CreateSession(ctx, CreateSessionRequest{TaskID: "diamond"})
	nodes, err := h.engine.BuildNodes(ctx, session, task)
	if err != nil {
		t.Fatalf("BuildNodes failed: %v", err)
	}
	nodes, err = h.engine.InitInDegree(ctx, nodes)
	if err != nil {
		t.Fatalf("InitInDegree failed: %v", err)
	}
	want := map[string]int{"A": 0, "B": 1, "C": 1, "D": 2}
	for _, n := range nodes {
		if n.InDegree != want[n.AgentID] {
			t.Fatalf("in-degree of %s = %d, want %d", n.AgentID, n.InDegree, want[n.AgentID])
		}
		stored, _ := h.store.LoadNode(ctx, session.SessionID, n.SessionAgentID)
		if stored.InDegree != n.InDegree {
			t.Fatalf("in-degree of %s not persisted", n.AgentID)
		}
	}
}

func TestInitInDegree_IgnoresAbsentPredecessors(t *testing.T) {
	h := newHarness(t)
	task := diamondTask()
	h.saveTask(t, task)
	ctx := context.Background()
	session, _ := h.engine.CreateSession(ctx, CreateSessionRequest{
		TaskID: "diamond",
		SubtaskQueries: []state.SubtaskQuery{
			{AgentID: "B", SubtaskQuery: "b"},
			{AgentID: "D", SubtaskQuery: "d"},
		},
	})
	nodes, _ := h.engine.BuildNodes(ctx, session, task)
	nodes, err := h.engine.InitInDegree(ctx, nodes)
	if err != nil {
		t.Fatalf("InitInDegree failed: %v", err)
	}
	if nodes[0].InDegree != 0 || nodes[1].InDegree != 1 {
		t.Fatalf("expected B=0 and D=1, got %d and %d", nodes[0].InDegree, nodes[1].InDegree)
	}
}

func TestPropagation_WaitsForEveryNodeOfAgent(t *testing.T) {
	h := newHarness(t)
	task := diamondTask()
	h.saveTask(t, task)
	ctx := context.Background()
	session, _ := h.engine.CreateSession(ctx, CreateSessionRequest{
		TaskID: "diamond",
		SubtaskQueries: []state.SubtaskQuery{
			{AgentID: "B", SubtaskQuery: "first"},
			{AgentID: "B", SubtaskQuery: "second"},
			{AgentID: "C", SubtaskQuery: "c"},
			{AgentID: "D", SubtaskQuery: "d"},
		},
	})
	if err := h.engine.StartSession(ctx, session.SessionID); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	nodes, _ := h.store.ListNodes(ctx, session.SessionID)
	b1, b2, c, d := nodes[0], nodes[1], nodes[2], nodes[3]
	if d.InDegree != 2 {
		t.Fatalf("expected D in-degree 2, got %d", d.InDegree)
	}

	if err := h.engine.completeNode(ctx, b1, KindModel); err != nil {
		t.Fatalf("complete b1: %v", err)
	}
	if got, _ := h.store.LoadNode(ctx, session.SessionID, d.SessionAgentID); got.InDegree != 2 {
		t.Fatalf("D released before every B node completed: %d", got.InDegree)
	}
	if err := h.engine.completeNode(ctx, b2, KindModel); err != nil {
		t.Fatalf("complete b2: %v", err)
	}
	if err := h.engine.OnNodeCompleted(ctx, b2); err != nil {
		t.Fatalf("repeated completion: %v", err)
	}
	if got, _ := h.store.LoadNode(ctx, session.SessionID, d.SessionAgentID); got.InDegree != 1 {
		t.Fatalf("expected D in-degree 1 after B, got %d", got.InDegree)
	}
	if err := h.engine.completeNode(ctx, c, KindModel); err != nil {
		t.Fatalf("complete c: %v", err)
	}
	got, _ := h.store.LoadNode(ctx, session.SessionID, d.SessionAgentID)
	if got.InDegree != 0 || !got.Ready() {
		t.Fatalf("expected D ready, got %+v", got)
	}
}

func TestPropagation_Diamond(t *testing.T) {
	h := newHarness(t)
	h.saveTask(t, diamondTask())
	session := h.start(t, "diamond", "q")
	ctx := context.Background()

	byAgent := func() map[string]state.NodeRecord {
		t.Helper()
		nodes, err := h.store.ListNodes(ctx, session.SessionID)
		if err != nil {
			t.Fatalf("ListNodes failed: %v", err)
		}
		out := make(map[string]state.NodeRecord, len(nodes))
		for _, n := range nodes {
			out[n.AgentID] = n
		}
		return out
	}
	expect := func(step string, want map[string]int) {
		t.Helper()
		nodes := byAgent()
		for id, degree := range want {
			if got := nodes[id].InDegree; got != degree {
				t.Fatalf("after %s: in-degree of %s = %d, want %d", step, id, got, degree)
			}
		}
	}

	expect("start", map[string]int{"A": 0, "B": 1, "C": 1, "D": 2})
	for _, step := range []struct {
		agent string
		want  map[string]int
	}{
		{"A", map[string]int{"A": 0, "B": 0, "C": 0, "D": 2}},
		{"B", map[string]int{"A": 0, "B": 0, "C": 0, "D": 1}},
		{"C", map[string]int{"A": 0, "B": 0, "C": 0, "D": 0}},
	} {
		if err := h.engine.completeNode(ctx, byAgent()[step.agent], KindModel); err != nil {
			t.Fatalf("complete %s: %v", step.agent, err)
		}
		expect("completing "+step.agent, step.want)
	}
	if d := byAgent()["D"]; !d.Ready() {
		t.Fatalf("expected D ready once B and C completed, got %+v", d)
	}
}

func TestInterpolate_FallsBackToTemplate(t *testing.T) {
	cases := map[string]string{
		"plain text":     `{"topic": "x"}`,
		"Plan {{topic}}": "not json",
		"List {{topic}}": `["array"]`,
	}
	for template, query := range cases {
		if got := interpolate(template, query); got != template {
			t.Fatalf("interpolate(%q, %q) = %q, want template", template, query, got)
		}
	}
}

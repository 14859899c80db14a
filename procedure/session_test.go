package procedure

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/PipeOpsHQ/procedure-engine/state"
)

func reviewTask() state.TaskRecord {
	return state.TaskRecord{
		TaskID: "review",
		Agents: []state.AgentDef{agent("A"), agent("C"), agent("D")},
		AgentActions: map[string]state.AgentAction{
			"A": {},
			"C": {Predecessors: []string{"A"}, UserInTheLoop: true},
			"D": {Predecessors: []string{"C"}},
		},
	}
}

func TestUserInTheLoop_PausesUntilInput(t *testing.T) {
	h := newHarness(t)
	h.saveTask(t, reviewTask())
	session := h.start(t, "review", "q")
	h.drain(t)

	c := h.nodeOf(t, session.SessionID, "C")
	if c.State != state.NodeWaitForUserInput {
		t.Fatalf("expected C waiting for input, got %s", c.State)
	}
	if got := h.session(t, session.SessionID); got.Status != state.SessionInProgress {
		t.Fatalf("waiting is not a failure, got %s", got.Status)
	}
	if d := h.nodeOf(t, session.SessionID, "D"); d.State != state.NodeInitial || d.InDegree != 1 {
		t.Fatalf("D should still be blocked: %+v", d)
	}
	result, err := h.engine.RunPass(context.Background(), session.SessionID)
	if err != nil || result.Outcome != PassWaiting || result.Continued {
		t.Fatalf("expected pass to stop on the waiting node, got %+v (%v)", result, err)
	}
	if got := h.session(t, session.SessionID); got.IterationCount != 0 {
		t.Fatalf("waiting passes must not count iterations, got %d", got.IterationCount)
	}

	if err := h.engine.SubmitUserInput(context.Background(), session.SessionID, c.SessionAgentID, "looks good"); err != nil {
		t.Fatalf("SubmitUserInput failed: %v", err)
	}
	h.drain(t)

	if got := h.session(t, session.SessionID); got.Status != state.SessionCompleted {
		t.Fatalf("expected completed session, got %s (%v)", got.Status, got.Logs)
	}
	c = h.nodeOf(t, session.SessionID, "C")
	if c.State != state.NodeCompleted || c.UserInput != "looks good" || c.AgentOutput != "looks good" {
		t.Fatalf("unexpected C after input: %+v", c)
	}
	if d, _ := h.model.requestFor("D"); !strings.Contains(d.Query, "looks good") {
		t.Fatalf("D input should carry the user input:\n%s", d.Query)
	}
}

func TestSubmitUserInput_ActionNodeReturnsToPending(t *testing.T) {
	h := newHarness(t)
	h.model.scripts["A"] = jobScript{Result: `{"score": 7,}`}
	h.saveTask(t, state.TaskRecord{
		TaskID: "merge",
		Agents: []state.AgentDef{agent("A"), agent("M")},
		AgentActions: map[string]state.AgentAction{
			"A": {},
			"M": {Predecessors: []string{"A"}, UserInTheLoop: true, ActionFunction: "merge_json"},
		},
	})
	session := h.start(t, "merge", "q")
	h.drain(t)

	m := h.nodeOf(t, session.SessionID, "M")
	if m.State != state.NodeWaitForUserInput {
		t.Fatalf("expected M waiting, got %s", m.State)
	}
	if err := h.engine.SubmitUserInput(context.Background(), session.SessionID, m.SessionAgentID, "ok"); err != nil {
		t.Fatalf("SubmitUserInput failed: %v", err)
	}
	if m = h.nodeOf(t, session.SessionID, "M"); m.State != state.NodePending {
		t.Fatalf("expected M pending after input, got %s", m.State)
	}
	h.drain(t)

	m = h.nodeOf(t, session.SessionID, "M")
	if m.State != state.NodeCompleted {
		t.Fatalf("expected M completed, got %s (%s)", m.State, m.Notes)
	}
	var merged map[string]map[string]any
	if err := json.Unmarshal([]byte(m.AgentOutput), &merged); err != nil {
		t.Fatalf("merge output is not JSON: %v (%s)", err, m.AgentOutput)
	}
	if merged["A"]["score"] != float64(7) {
		t.Fatalf("unexpected merged output %v", merged)
	}
	if got := h.session(t, session.SessionID); got.Status != state.SessionCompleted {
		t.Fatalf("expected completed session, got %s", got.Status)
	}
}

func TestSubmitUserInput_RejectsNodeNotWaiting(t *testing.T) {
	h := newHarness(t)
	h.saveTask(t, diamondTask())
	session := h.start(t, "diamond", "q")
	a := h.nodeOf(t, session.SessionID, "A")
	err := h.engine.SubmitUserInput(context.Background(), session.SessionID, a.SessionAgentID, "hello")
	if !errors.Is(err, ErrNodeNotWaiting) {
		t.Fatalf("expected ErrNodeNotWaiting, got %v", err)
	}
	if err := h.engine.SubmitUserInput(context.Background(), session.SessionID, a.SessionAgentID, " "); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestUserInputContinuation(t *testing.T) {
	h := newHarness(t)
	h.saveTask(t, reviewTask())
	session := h.start(t, "review", "q")
	h.drain(t)
	c := h.nodeOf(t, session.SessionID, "C")

	err := h.engine.Handle(context.Background(), FuncUserInput, map[string]string{
		ParamSessionID:      session.SessionID,
		ParamSessionAgentID: c.SessionAgentID,
		ParamUserInput:      "ship it",
	})
	if err != nil {
		t.Fatalf("user input continuation failed: %v", err)
	}
	h.drain(t)
	if got := h.session(t, session.SessionID); got.Status != state.SessionCompleted {
		t.Fatalf("expected completed session, got %s", got.Status)
	}
}

func TestCreateSession_Defaults(t *testing.T) {
	h := newHarness(t)
	task := diamondTask()
	task.InitialTaskQuery = `{"topic": "tides"}`
	task.Agents[0].SubtaskQuery = "Plan {{topic}}"
	task.Agents = append(task.Agents, state.AgentDef{AgentID: "triage", Role: state.RoleTriage})
	h.saveTask(t, task)

	session, err := h.engine.CreateSession(context.Background(), CreateSessionRequest{TaskID: "diamond", UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.Status != state.SessionInitial || session.TaskQuery != task.InitialTaskQuery || session.SessionID == "" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if len(session.SubtaskQueries) != 4 {
		t.Fatalf("expected one subtask per task agent, got %+v", session.SubtaskQueries)
	}
	if session.SubtaskQueries[0].SubtaskQuery != "Plan {{topic}}" || session.SubtaskQueries[1].SubtaskQuery != task.InitialTaskQuery {
		t.Fatalf("unexpected subtask queries %+v", session.SubtaskQueries)
	}

	if _, err := h.engine.CreateSession(context.Background(), CreateSessionRequest{SessionID: session.SessionID, TaskID: "diamond"}); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected conflict for duplicate session id, got %v", err)
	}
	if _, err := h.engine.CreateSession(context.Background(), CreateSessionRequest{TaskID: "missing"}); !errors.Is(err, ErrMissingTask) {
		t.Fatalf("expected ErrMissingTask, got %v", err)
	}
}

func TestStartSession_OnlyOnce(t *testing.T) {
	h := newHarness(t)
	h.saveTask(t, diamondTask())
	session := h.start(t, "diamond", "q")
	if got := h.session(t, session.SessionID); got.Status != state.SessionDispatched {
		t.Fatalf("expected dispatched, got %s", got.Status)
	}
	if err := h.engine.StartSession(context.Background(), session.SessionID); err != nil {
		t.Fatalf("second StartSession failed: %v", err)
	}
	if calls := h.dispatcher.pending(); len(calls) != 1 || calls[0].Function != FuncPass {
		t.Fatalf("expected exactly one scheduled pass, got %+v", calls)
	}
}

func TestStartSession_MissingActionFailsSession(t *testing.T) {
	h := newHarness(t)
	task := diamondTask()
	delete(task.AgentActions, "C")
	h.saveTask(t, task)
	session, err := h.engine.CreateSession(context.Background(), CreateSessionRequest{TaskID: "diamond"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := h.engine.StartSession(context.Background(), session.SessionID); !errors.Is(err, ErrMissingAction) {
		t.Fatalf("expected ErrMissingAction, got %v", err)
	}
	if got := h.session(t, session.SessionID); got.Status != state.SessionFailed {
		t.Fatalf("expected failed session, got %s", got.Status)
	}
}

package procedure

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/state"
	"github.com/PipeOpsHQ/procedure-engine/state/memory"
)

type scheduled struct {
	Function string
	Params   map[string]string
	Delay    time.Duration
}

// recordingDispatcher keeps scheduled continuations in FIFO order.
type recordingDispatcher struct {
	mu    sync.Mutex
	calls []scheduled
	err   error
}

func (d *recordingDispatcher) Schedule(_ context.Context, function string, params map[string]string, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}
	d.calls = append(d.calls, scheduled{Function: function, Params: copied, Delay: delay})
	return nil
}

func (d *recordingDispatcher) pop() (scheduled, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		return scheduled{}, false
	}
	next := d.calls[0]
	d.calls = d.calls[1:]
	return next, true
}

func (d *recordingDispatcher) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

func (d *recordingDispatcher) pending() []scheduled {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]scheduled(nil), d.calls...)
}

// jobScript decides how the job of one agent settles.
type jobScript struct {
	Result string
	Fail   string
	Hang   bool
}

// scriptedModel implements ModelInvoker and JobService. Jobs settle as soon
// as they are invoked unless scripted to hang.
type scriptedModel struct {
	mu       sync.Mutex
	scripts  map[string]jobScript
	requests []InvokeRequest
	jobs     map[string]state.JobRecord
	seq      int
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{scripts: map[string]jobScript{}, jobs: map[string]state.JobRecord{}}
}

func (m *scriptedModel) Invoke(_ context.Context, req InvokeRequest) (Invocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.requests = append(m.requests, req)
	threadID := req.ThreadID
	if threadID == "" {
		threadID = fmt.Sprintf("thread-%d", m.seq)
	}
	inv := Invocation{
		RunID:    fmt.Sprintf("run-%d", m.seq),
		ThreadID: threadID,
		JobID:    fmt.Sprintf("job-%d", m.seq),
	}
	script, ok := m.scripts[req.AgentID]
	if !ok {
		script = jobScript{Result: "output of " + req.AgentID}
	}
	job := state.JobRecord{JobID: inv.JobID, RunID: inv.RunID, ThreadID: threadID, Status: state.JobPending}
	switch {
	case script.Hang:
	case script.Fail != "":
		job.Status = state.JobFailed
		job.Error = script.Fail
	default:
		job.Status = state.JobCompleted
		job.Result = script.Result
	}
	m.jobs[inv.JobID] = job
	return inv, nil
}

func (m *scriptedModel) Poll(_ context.Context, jobID string) (state.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return state.JobRecord{}, state.ErrNotFound
	}
	return job, nil
}

func (m *scriptedModel) requestFor(agentID string) (InvokeRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.AgentID == agentID {
			return req, true
		}
	}
	return InvokeRequest{}, false
}

func (m *scriptedModel) invocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type harness struct {
	engine     *Engine
	store      *memory.Store
	dispatcher *recordingDispatcher
	model      *scriptedModel
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:      memory.New(),
		dispatcher: &recordingDispatcher{},
		model:      newScriptedModel(),
	}
	opts = append([]Option{WithPassBackoff(0), WithPollTimeout(200*time.Millisecond, 5*time.Millisecond)}, opts...)
	engine, err := New(h.store, h.dispatcher, h.model, h.model, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.engine = engine
	return h
}

// drain runs scheduled continuations in order until none remain.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for step := 0; step < 500; step++ {
		next, ok := h.dispatcher.pop()
		if !ok {
			return
		}
		if err := h.engine.Handle(context.Background(), next.Function, next.Params); err != nil {
			t.Fatalf("continuation %s(%v) failed: %v", next.Function, next.Params, err)
		}
	}
	t.Fatalf("continuations did not drain")
}

func (h *harness) saveTask(t *testing.T, task state.TaskRecord) {
	t.Helper()
	if err := h.store.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}
}

// start creates and starts a session over taskID with the default subtask
// queries.
func (h *harness) start(t *testing.T, taskID, query string) state.SessionRecord {
	t.Helper()
	ctx := context.Background()
	session, err := h.engine.CreateSession(ctx, CreateSessionRequest{TaskID: taskID, TaskQuery: query})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := h.engine.StartSession(ctx, session.SessionID); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	return session
}

func (h *harness) session(t *testing.T, id string) state.SessionRecord {
	t.Helper()
	session, err := h.store.LoadSession(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	return session
}

func (h *harness) nodeOf(t *testing.T, sessionID, agentID string) state.NodeRecord {
	t.Helper()
	nodes, err := h.store.ListNodes(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("ListNodes failed: %v", err)
	}
	for _, n := range nodes {
		if n.AgentID == agentID {
			return n
		}
	}
	t.Fatalf("no node for agent %s", agentID)
	return state.NodeRecord{}
}

func agent(id string) state.AgentDef {
	return state.AgentDef{AgentID: id, Name: id, Role: state.RoleTask}
}

// diamondTask is A -> {B, C} -> D with A on the primary path.
func diamondTask() state.TaskRecord {
	return state.TaskRecord{
		TaskID: "diamond",
		Agents: []state.AgentDef{agent("A"), agent("B"), agent("C"), agent("D")},
		AgentActions: map[string]state.AgentAction{
			"A": {PrimaryPath: true},
			"B": {Predecessors: []string{"A"}},
			"C": {Predecessors: []string{"A"}},
			"D": {Predecessors: []string{"B", "C"}},
		},
	}
}

func hasLog(session state.SessionRecord, substr string) bool {
	for _, entry := range session.Logs {
		if strings.Contains(entry.Message, substr) {
			return true
		}
	}
	return false
}

func TestNew_RequiresCollaborators(t *testing.T) {
	store := memory.New()
	model := newScriptedModel()
	d := &recordingDispatcher{}
	if _, err := New(nil, d, model, model); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := New(store, nil, model, model); err == nil {
		t.Fatalf("expected error for nil dispatcher")
	}
	if _, err := New(store, d, nil, model); err == nil {
		t.Fatalf("expected error for nil invoker")
	}
	if _, err := New(store, d, model, nil); err == nil {
		t.Fatalf("expected error for nil job service")
	}
}

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/state"
	"github.com/PipeOpsHQ/procedure-engine/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestSQLiteStore_SaveLoadTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := state.TaskRecord{
		TaskID:           "task-1",
		Name:             "research",
		InitialTaskQuery: "find things",
		Agents: []state.AgentDef{
			{AgentID: "a", Name: "Alpha", Role: state.RoleTask},
		},
		AgentActions: map[string]state.AgentAction{
			"a": {PrimaryPath: true, ActionRules: map[string]any{"type": "object"}},
		},
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}
	got, err := s.LoadTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("LoadTask failed: %v", err)
	}
	if got.Name != "research" || len(got.Agents) != 1 || !got.AgentActions["a"].PrimaryPath {
		t.Fatalf("unexpected task: %#v", got)
	}
	if got.CreatedAt == nil {
		t.Fatalf("expected created_at to be stamped")
	}

	if _, err := s.LoadTask(ctx, "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_SessionUpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := state.SessionRecord{SessionID: "sess-1", TaskID: "task-1", TaskQuery: "q"}
	if err := s.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	session.Status = state.SessionInProgress
	session.IterationCount = 3
	session.AppendLog(state.LogEntry{AgentID: "a", Message: "hello"})
	if err := s.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession upsert failed: %v", err)
	}

	got, err := s.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got.Status != state.SessionInProgress || got.IterationCount != 3 || len(got.Logs) != 1 {
		t.Fatalf("unexpected session: %#v", got)
	}

	if err := s.SaveSession(ctx, state.SessionRecord{SessionID: "sess-2", TaskID: "task-2"}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	byTask, err := s.ListSessions(ctx, state.ListSessionsQuery{TaskID: "task-1"})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(byTask) != 1 || byTask[0].SessionID != "sess-1" {
		t.Fatalf("unexpected sessions by task: %#v", byTask)
	}
	byStatus, err := s.ListSessions(ctx, state.ListSessionsQuery{Status: state.SessionInitial})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].SessionID != "sess-2" {
		t.Fatalf("unexpected sessions by status: %#v", byStatus)
	}
}

func TestSQLiteStore_NodesAndRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"n1", "n2"} {
		node := state.NodeRecord{
			SessionID:      "sess-1",
			SessionAgentID: id,
			AgentID:        "agent-" + id,
			InDegree:       2,
			AgentAction:    state.AgentAction{Predecessors: []string{"x", "y"}},
		}
		if err := s.SaveNode(ctx, node); err != nil {
			t.Fatalf("SaveNode failed: %v", err)
		}
	}

	nodes, err := s.ListNodes(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListNodes failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	if nodes[0].State != state.NodeInitial {
		t.Fatalf("expected default state initial, got %q", nodes[0].State)
	}

	node, changed, err := s.ReleaseDependency(ctx, "sess-1", "n1", "x")
	if err != nil || !changed {
		t.Fatalf("ReleaseDependency failed: changed=%v err=%v", changed, err)
	}
	if node.InDegree != 1 {
		t.Fatalf("expected in_degree 1, got %d", node.InDegree)
	}
	node, changed, err = s.ReleaseDependency(ctx, "sess-1", "n1", "x")
	if err != nil {
		t.Fatalf("ReleaseDependency replay failed: %v", err)
	}
	if changed || node.InDegree != 1 {
		t.Fatalf("expected replay to be a no-op, changed=%v in_degree=%d", changed, node.InDegree)
	}

	loaded, err := s.LoadNode(ctx, "sess-1", "n1")
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if loaded.InDegree != 1 || len(loaded.ReleasedBy) != 1 {
		t.Fatalf("unexpected persisted node: %#v", loaded)
	}

	if _, _, err := s.ReleaseDependency(ctx, "sess-1", "missing", "x"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_ConcurrentReleaseIsCountedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveNode(ctx, state.NodeRecord{SessionID: "s", SessionAgentID: "d", AgentID: "D", InDegree: 2}); err != nil {
		t.Fatalf("SaveNode failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		pred := "B"
		if i%2 == 1 {
			pred = "C"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.ReleaseDependency(ctx, "s", "d", pred); err != nil {
				t.Errorf("ReleaseDependency failed: %v", err)
			}
		}()
	}
	wg.Wait()

	node, err := s.LoadNode(ctx, "s", "d")
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if node.InDegree != 0 || len(node.ReleasedBy) != 2 {
		t.Fatalf("expected in_degree 0 released by 2, got %d %v", node.InDegree, node.ReleasedBy)
	}
}

func TestSQLiteStore_RunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"r1", "r2", "r3"} {
		at := base.Add(time.Duration(i) * time.Second)
		run := state.RunRecord{
			RunID:          id,
			SessionID:      "sess-1",
			SessionAgentID: "n1",
			AgentID:        "a",
			ThreadID:       "thread-" + id,
			JobID:          "job-" + id,
			CreatedAt:      &at,
		}
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}
	if err := s.SaveRun(ctx, state.RunRecord{RunID: "other", SessionID: "sess-1", SessionAgentID: "n2"}); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	runs, err := s.ListRuns(ctx, state.ListRunsQuery{SessionID: "sess-1", SessionAgentID: "n1", Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "r3" || runs[0].ThreadID != "thread-r3" {
		t.Fatalf("expected newest run r3, got %#v", runs)
	}

	got, err := s.LoadRun(ctx, "r1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.JobID != "job-r1" {
		t.Fatalf("unexpected run: %#v", got)
	}
	if _, err := s.LoadRun(ctx, "nope"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_JobsAndThreads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveJob(ctx, state.JobRecord{JobID: "job-1", RunID: "run-1"}); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}
	job, err := s.LoadJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if job.Status != state.JobPending {
		t.Fatalf("expected pending job, got %q", job.Status)
	}
	job.Status = state.JobCompleted
	job.Result = "done"
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob upsert failed: %v", err)
	}
	job, err = s.LoadJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if job.Status != state.JobCompleted || job.Result != "done" {
		t.Fatalf("unexpected job: %#v", job)
	}

	thread := state.ThreadRecord{
		ThreadID: "t-1",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}
	if err := s.SaveThread(ctx, thread); err != nil {
		t.Fatalf("SaveThread failed: %v", err)
	}
	got, err := s.LoadThread(ctx, "t-1")
	if err != nil {
		t.Fatalf("LoadThread failed: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hi" {
		t.Fatalf("unexpected thread: %#v", got)
	}
	if _, err := s.LoadThread(ctx, "t-2"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_SessionLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireSessionLock(ctx, "s1", "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: %v %v", ok, err)
	}
	if ok, err := s.AcquireSessionLock(ctx, "s1", "worker-b", time.Minute); err != nil || ok {
		t.Fatalf("expected held lock to be refused, got %v %v", ok, err)
	}
	if ok, err := s.AcquireSessionLock(ctx, "s2", "worker-b", time.Minute); err != nil || !ok {
		t.Fatalf("locks must be per session, got %v %v", ok, err)
	}
	if err := s.ReleaseSessionLock(ctx, "s1", "worker-b"); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	if ok, _ := s.AcquireSessionLock(ctx, "s1", "worker-b", time.Minute); ok {
		t.Fatalf("non-owner release must not free the lock")
	}
	if err := s.ReleaseSessionLock(ctx, "s1", "worker-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := s.AcquireSessionLock(ctx, "s1", "worker-b", 20*time.Millisecond); err != nil || !ok {
		t.Fatalf("expected lock after release, got %v %v", ok, err)
	}
	time.Sleep(40 * time.Millisecond)
	if ok, err := s.AcquireSessionLock(ctx, "s1", "worker-c", time.Minute); err != nil || !ok {
		t.Fatalf("expected expired lock to be taken over, got %v %v", ok, err)
	}
}

func TestSQLiteStore_SessionLockSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AcquireSessionLock(ctx, "s", "owner-"+string(rune('a'+i)), time.Minute)
			if err != nil {
				t.Errorf("AcquireSessionLock failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one lock holder, got %d", wins)
	}
}

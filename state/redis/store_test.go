package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/procedure-engine/state"
	"github.com/PipeOpsHQ/procedure-engine/types"
)

func newTestRedisStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := "proc-test-" + uuid.NewString()

	s, err := New(addr, WithPrefix(prefix), WithTTL(5*time.Minute))
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		keys, _ := s.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = s.client.Del(ctx, keys...).Err()
		}
		_ = s.Close()
	})
	return s
}

func TestRedisStore_SessionAndTTL(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.SaveTask(ctx, state.TaskRecord{TaskID: "task-1", Agents: []state.AgentDef{{AgentID: "a", Role: state.RoleTask}}}); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}
	if err := s.SaveSession(ctx, state.SessionRecord{SessionID: "sess-1", TaskID: "task-1"}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := s.SaveSession(ctx, state.SessionRecord{SessionID: "sess-2", TaskID: "task-2", Status: state.SessionCompleted}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := s.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got.Status != state.SessionInitial {
		t.Fatalf("expected default status initial, got %q", got.Status)
	}

	byTask, err := s.ListSessions(ctx, state.ListSessionsQuery{TaskID: "task-1"})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(byTask) != 1 || byTask[0].SessionID != "sess-1" {
		t.Fatalf("unexpected sessions: %#v", byTask)
	}
	done, err := s.ListSessions(ctx, state.ListSessionsQuery{Status: state.SessionCompleted})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(done) != 1 || done[0].SessionID != "sess-2" {
		t.Fatalf("unexpected sessions by status: %#v", done)
	}

	ttl, err := s.client.TTL(ctx, s.sessionKey("sess-1")).Result()
	if err != nil {
		t.Fatalf("failed to read session ttl: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected ttl > 0, got %v", ttl)
	}
}

func TestRedisStore_ReleaseDependencyConcurrent(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	node := state.NodeRecord{SessionID: "sess", SessionAgentID: "d", AgentID: "D", InDegree: 2}
	if err := s.SaveNode(ctx, node); err != nil {
		t.Fatalf("SaveNode failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		pred := fmt.Sprintf("P%d", i%2)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.ReleaseDependency(ctx, "sess", "d", pred); err != nil {
				t.Errorf("ReleaseDependency failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.LoadNode(ctx, "sess", "d")
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if got.InDegree != 0 || len(got.ReleasedBy) != 2 {
		t.Fatalf("expected in_degree 0 released by 2, got %d %v", got.InDegree, got.ReleasedBy)
	}

	nodes, err := s.ListNodes(ctx, "sess")
	if err != nil {
		t.Fatalf("ListNodes failed: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(nodes))
	}

	if _, _, err := s.ReleaseDependency(ctx, "sess", "missing", "P0"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStore_RunsByNodeNewestFirst(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Millisecond)
		run := state.RunRecord{
			RunID:          fmt.Sprintf("run-%d", i),
			SessionID:      "sess",
			SessionAgentID: "n1",
			ThreadID:       fmt.Sprintf("thread-%d", i),
			CreatedAt:      &at,
		}
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	runs, err := s.ListRuns(ctx, state.ListRunsQuery{SessionID: "sess", SessionAgentID: "n1", Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ThreadID != "thread-2" {
		t.Fatalf("expected newest run, got %#v", runs)
	}
}

func TestRedisStore_PrunesStaleRunIndexEntries(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.SaveRun(ctx, state.RunRecord{RunID: "run-stale", SessionID: "sess-stale"}); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := s.client.Del(ctx, s.runKey("run-stale")).Err(); err != nil {
		t.Fatalf("failed to delete run key: %v", err)
	}

	runs, err := s.ListRuns(ctx, state.ListRunsQuery{SessionID: "sess-stale", Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected 0 runs after stale key prune, got %d", len(runs))
	}
	score, err := s.client.ZScore(ctx, s.runSessionIndexKey("sess-stale"), "run-stale").Result()
	if err == nil {
		t.Fatalf("expected stale run index removed, found zscore=%f", score)
	}
}

func TestRedisStore_JobsAndThreads(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.SaveJob(ctx, state.JobRecord{JobID: "job-1", Status: state.JobFailed, Error: "boom"}); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}
	job, err := s.LoadJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if job.Status != state.JobFailed || job.Error != "boom" {
		t.Fatalf("unexpected job: %#v", job)
	}

	thread := state.ThreadRecord{ThreadID: "t-1", Messages: []types.Message{{Role: types.RoleAssistant, Content: "ok"}}}
	if err := s.SaveThread(ctx, thread); err != nil {
		t.Fatalf("SaveThread failed: %v", err)
	}
	got, err := s.LoadThread(ctx, "t-1")
	if err != nil {
		t.Fatalf("LoadThread failed: %v", err)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("unexpected thread: %#v", got)
	}
}

func TestRedisStore_SessionLock(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	sessionID := "sess-lock-" + uuid.NewString()

	got, err := s.AcquireSessionLock(ctx, sessionID, "owner-1", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireSessionLock 1 failed: %v", err)
	}
	if !got {
		t.Fatalf("expected first lock acquisition to succeed")
	}
	got, err = s.AcquireSessionLock(ctx, sessionID, "owner-2", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireSessionLock 2 failed: %v", err)
	}
	if got {
		t.Fatalf("expected second lock acquisition to fail")
	}

	if err := s.ReleaseSessionLock(ctx, sessionID, "owner-2"); err != nil {
		t.Fatalf("ReleaseSessionLock with wrong owner should not error: %v", err)
	}
	got, err = s.AcquireSessionLock(ctx, sessionID, "owner-3", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireSessionLock 3 failed: %v", err)
	}
	if got {
		t.Fatalf("expected lock to remain held with wrong owner release")
	}

	if err := s.ReleaseSessionLock(ctx, sessionID, "owner-1"); err != nil {
		t.Fatalf("ReleaseSessionLock with right owner failed: %v", err)
	}
	got, err = s.AcquireSessionLock(ctx, sessionID, "owner-4", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireSessionLock 4 failed: %v", err)
	}
	if !got {
		t.Fatalf("expected lock acquisition after release")
	}
}

func TestRedisStore_NotFound(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if _, err := s.LoadRun(ctx, "missing-"+uuid.NewString()); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing run, got %v", err)
	}
	if _, err := s.LoadNode(ctx, "s", "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing node, got %v", err)
	}
}

package hybrid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/state"
	"github.com/PipeOpsHQ/procedure-engine/state/memory"
)

var errWriteFailed = errors.New("write failed")

// failingStore rejects every write and otherwise behaves like the wrapped
// memory store.
type failingStore struct {
	*memory.Store
}

func (f failingStore) SaveTask(context.Context, state.TaskRecord) error       { return errWriteFailed }
func (f failingStore) SaveSession(context.Context, state.SessionRecord) error { return errWriteFailed }
func (f failingStore) SaveNode(context.Context, state.NodeRecord) error       { return errWriteFailed }
func (f failingStore) SaveRun(context.Context, state.RunRecord) error         { return errWriteFailed }
func (f failingStore) SaveJob(context.Context, state.JobRecord) error         { return errWriteFailed }
func (f failingStore) SaveThread(context.Context, state.ThreadRecord) error   { return errWriteFailed }
func (f failingStore) ReleaseDependency(context.Context, string, string, string) (state.NodeRecord, bool, error) {
	return state.NodeRecord{}, false, errWriteFailed
}

func TestHybridStore_WriteUsesDurableAsSourceOfTruth(t *testing.T) {
	durable := memory.New()
	cache := failingStore{memory.New()}

	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}

	run := state.RunRecord{RunID: "run-1", SessionID: "sess-1", ThreadID: "t-1"}
	if err := h.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun should succeed when cache fails: %v", err)
	}
	if _, err := durable.LoadRun(context.Background(), "run-1"); err != nil {
		t.Fatalf("durable store should contain run: %v", err)
	}
}

func TestHybridStore_ReadFallbackAndBackfill(t *testing.T) {
	durable := memory.New()
	cache := memory.New()

	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}

	if err := durable.SaveTask(context.Background(), state.TaskRecord{TaskID: "task-2"}); err != nil {
		t.Fatalf("durable SaveTask failed: %v", err)
	}
	got, err := h.LoadTask(context.Background(), "task-2")
	if err != nil {
		t.Fatalf("LoadTask failed: %v", err)
	}
	if got.TaskID != "task-2" {
		t.Fatalf("unexpected task: %#v", got)
	}
	if _, err := cache.LoadTask(context.Background(), "task-2"); err != nil {
		t.Fatalf("expected backfill into cache, got err: %v", err)
	}
}

func TestHybridStore_FailsWhenDurableFails(t *testing.T) {
	h, err := New(failingStore{memory.New()}, memory.New())
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	err = h.SaveSession(context.Background(), state.SessionRecord{SessionID: "sess-3", TaskID: "task"})
	if !errors.Is(err, errWriteFailed) {
		t.Fatalf("expected SaveSession to fail when durable write fails, got %v", err)
	}
}

func TestHybridStore_ReleaseRefreshesCache(t *testing.T) {
	durable := memory.New()
	cache := memory.New()
	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	ctx := context.Background()

	if err := h.SaveNode(ctx, state.NodeRecord{SessionID: "s", SessionAgentID: "n", InDegree: 1}); err != nil {
		t.Fatalf("SaveNode failed: %v", err)
	}
	if _, changed, err := h.ReleaseDependency(ctx, "s", "n", "A"); err != nil || !changed {
		t.Fatalf("ReleaseDependency failed: changed=%v err=%v", changed, err)
	}
	cached, err := cache.LoadNode(ctx, "s", "n")
	if err != nil {
		t.Fatalf("cache LoadNode failed: %v", err)
	}
	if cached.InDegree != 0 {
		t.Fatalf("expected cache refreshed to in_degree 0, got %d", cached.InDegree)
	}
}

func TestHybridStore_LockDelegatesToCache(t *testing.T) {
	cache := memory.New()
	h, err := New(memory.New(), cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	ctx := context.Background()

	ok, err := h.AcquireSessionLock(ctx, "s", "w1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock, ok=%v err=%v", ok, err)
	}
	if ok, _ := cache.AcquireSessionLock(ctx, "s", "w2", time.Minute); ok {
		t.Fatalf("expected cache to hold the lock")
	}
}

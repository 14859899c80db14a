package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/state"
)

// HybridStore writes through to a durable store and mirrors into a cache.
// Scheduling-critical records (sessions, nodes, jobs) are always read from the
// durable store; tasks, runs and threads are served from the cache when present.
type HybridStore struct {
	durable state.Store
	cache   state.Store
	logger  *slog.Logger
}

type Option func(*HybridStore)

func WithLogger(logger *slog.Logger) Option {
	return func(h *HybridStore) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func New(durable state.Store, cache state.Store, opts ...Option) (*HybridStore, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	h := &HybridStore{
		durable: durable,
		cache:   cache,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *HybridStore) mirror(op string, fn func(state.Store) error) {
	if h.cache == nil {
		return
	}
	if err := fn(h.cache); err != nil {
		h.logger.Warn("hybrid store cache write failed", "op", op, "error", err)
	}
}

func (h *HybridStore) SaveTask(ctx context.Context, task state.TaskRecord) error {
	if err := h.durable.SaveTask(ctx, task); err != nil {
		return err
	}
	h.mirror("SaveTask", func(c state.Store) error { return c.SaveTask(ctx, task) })
	return nil
}

func (h *HybridStore) LoadTask(ctx context.Context, taskID string) (state.TaskRecord, error) {
	if h.cache != nil {
		task, err := h.cache.LoadTask(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			h.logger.Warn("hybrid store cache read failed", "op", "LoadTask", "error", err)
		}
	}
	task, err := h.durable.LoadTask(ctx, taskID)
	if err != nil {
		return state.TaskRecord{}, err
	}
	h.mirror("backfill LoadTask", func(c state.Store) error { return c.SaveTask(ctx, task) })
	return task, nil
}

func (h *HybridStore) SaveSession(ctx context.Context, session state.SessionRecord) error {
	if err := h.durable.SaveSession(ctx, session); err != nil {
		return err
	}
	h.mirror("SaveSession", func(c state.Store) error { return c.SaveSession(ctx, session) })
	return nil
}

func (h *HybridStore) LoadSession(ctx context.Context, sessionID string) (state.SessionRecord, error) {
	return h.durable.LoadSession(ctx, sessionID)
}

func (h *HybridStore) ListSessions(ctx context.Context, query state.ListSessionsQuery) ([]state.SessionRecord, error) {
	return h.durable.ListSessions(ctx, query)
}

func (h *HybridStore) SaveNode(ctx context.Context, node state.NodeRecord) error {
	if err := h.durable.SaveNode(ctx, node); err != nil {
		return err
	}
	h.mirror("SaveNode", func(c state.Store) error { return c.SaveNode(ctx, node) })
	return nil
}

func (h *HybridStore) LoadNode(ctx context.Context, sessionID, sessionAgentID string) (state.NodeRecord, error) {
	return h.durable.LoadNode(ctx, sessionID, sessionAgentID)
}

func (h *HybridStore) ListNodes(ctx context.Context, sessionID string) ([]state.NodeRecord, error) {
	return h.durable.ListNodes(ctx, sessionID)
}

func (h *HybridStore) ReleaseDependency(ctx context.Context, sessionID, sessionAgentID, predecessorAgentID string) (state.NodeRecord, bool, error) {
	node, changed, err := h.durable.ReleaseDependency(ctx, sessionID, sessionAgentID, predecessorAgentID)
	if err != nil {
		return state.NodeRecord{}, false, err
	}
	if changed {
		h.mirror("ReleaseDependency", func(c state.Store) error { return c.SaveNode(ctx, node) })
	}
	return node, changed, nil
}

func (h *HybridStore) SaveRun(ctx context.Context, run state.RunRecord) error {
	if err := h.durable.SaveRun(ctx, run); err != nil {
		return err
	}
	h.mirror("SaveRun", func(c state.Store) error { return c.SaveRun(ctx, run) })
	return nil
}

func (h *HybridStore) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if h.cache != nil {
		run, err := h.cache.LoadRun(ctx, runID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			h.logger.Warn("hybrid store cache read failed", "op", "LoadRun", "error", err)
		}
	}
	run, err := h.durable.LoadRun(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	h.mirror("backfill LoadRun", func(c state.Store) error { return c.SaveRun(ctx, run) })
	return run, nil
}

func (h *HybridStore) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	return h.durable.ListRuns(ctx, query)
}

func (h *HybridStore) SaveJob(ctx context.Context, job state.JobRecord) error {
	if err := h.durable.SaveJob(ctx, job); err != nil {
		return err
	}
	h.mirror("SaveJob", func(c state.Store) error { return c.SaveJob(ctx, job) })
	return nil
}

func (h *HybridStore) LoadJob(ctx context.Context, jobID string) (state.JobRecord, error) {
	return h.durable.LoadJob(ctx, jobID)
}

func (h *HybridStore) SaveThread(ctx context.Context, thread state.ThreadRecord) error {
	if err := h.durable.SaveThread(ctx, thread); err != nil {
		return err
	}
	h.mirror("SaveThread", func(c state.Store) error { return c.SaveThread(ctx, thread) })
	return nil
}

func (h *HybridStore) LoadThread(ctx context.Context, threadID string) (state.ThreadRecord, error) {
	if h.cache != nil {
		thread, err := h.cache.LoadThread(ctx, threadID)
		if err == nil {
			return thread, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			h.logger.Warn("hybrid store cache read failed", "op", "LoadThread", "error", err)
		}
	}
	thread, err := h.durable.LoadThread(ctx, threadID)
	if err != nil {
		return state.ThreadRecord{}, err
	}
	h.mirror("backfill LoadThread", func(c state.Store) error { return c.SaveThread(ctx, thread) })
	return thread, nil
}

// AcquireSessionLock uses whichever underlying store can lock, preferring the
// cache. Without one the lock is always granted.
func (h *HybridStore) AcquireSessionLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	if locker := h.locker(); locker != nil {
		return locker.AcquireSessionLock(ctx, sessionID, owner, ttl)
	}
	return true, nil
}

func (h *HybridStore) ReleaseSessionLock(ctx context.Context, sessionID, owner string) error {
	if locker := h.locker(); locker != nil {
		return locker.ReleaseSessionLock(ctx, sessionID, owner)
	}
	return nil
}

func (h *HybridStore) locker() state.Locker {
	if l, ok := h.cache.(state.Locker); ok && h.cache != nil {
		return l
	}
	if l, ok := h.durable.(state.Locker); ok {
		return l
	}
	return nil
}

func (h *HybridStore) Close() error {
	var firstErr error
	if h.cache != nil {
		if err := h.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.durable != nil {
		if err := h.durable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ state.Store  = (*HybridStore)(nil)
	_ state.Locker = (*HybridStore)(nil)
)

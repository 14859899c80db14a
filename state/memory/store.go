// Package memory is a process-local state.Store used by single-process runs
// and tests. Records are copied on the way in and out.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/state"
)

type lockEntry struct {
	owner   string
	expires time.Time
}

type Store struct {
	mu       sync.Mutex
	tasks    map[string]state.TaskRecord
	sessions map[string]state.SessionRecord
	nodes    map[string]map[string]state.NodeRecord
	runs     map[string]state.RunRecord
	jobs     map[string]state.JobRecord
	threads  map[string]state.ThreadRecord
	locks    map[string]lockEntry
	seq      int64
	order    map[string]int64
}

func New() *Store {
	return &Store{
		tasks:    map[string]state.TaskRecord{},
		sessions: map[string]state.SessionRecord{},
		nodes:    map[string]map[string]state.NodeRecord{},
		runs:     map[string]state.RunRecord{},
		jobs:     map[string]state.JobRecord{},
		threads:  map[string]state.ThreadRecord{},
		locks:    map[string]lockEntry{},
		order:    map[string]int64{},
	}
}

// clone deep-copies a record through JSON so callers never share slices or
// maps with the store.
func clone[T any](in T) T {
	raw, err := json.Marshal(in)
	if err != nil {
		panic(fmt.Sprintf("memory store: marshal %T: %v", in, err))
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("memory store: unmarshal %T: %v", in, err))
	}
	return out
}

func (s *Store) stamp(key string) int64 {
	if n, ok := s.order[key]; ok {
		return n
	}
	s.seq++
	s.order[key] = s.seq
	return s.seq
}

func (s *Store) SaveTask(_ context.Context, task state.TaskRecord) error {
	if task.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	now := time.Now().UTC()
	if task.CreatedAt == nil {
		task.CreatedAt = &now
	}
	task.UpdatedAt = &now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = clone(task)
	return nil
}

func (s *Store) LoadTask(_ context.Context, taskID string) (state.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return state.TaskRecord{}, fmt.Errorf("load task %q: %w", taskID, state.ErrNotFound)
	}
	return clone(task), nil
}

func (s *Store) SaveSession(_ context.Context, session state.SessionRecord) error {
	if session.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if session.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if session.Status == "" {
		session.Status = state.SessionInitial
	}
	now := time.Now().UTC()
	if session.CreatedAt == nil {
		session.CreatedAt = &now
	}
	session.UpdatedAt = &now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp("session:" + session.SessionID)
	s.sessions[session.SessionID] = clone(session)
	return nil
}

func (s *Store) LoadSession(_ context.Context, sessionID string) (state.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return state.SessionRecord{}, fmt.Errorf("load session %q: %w", sessionID, state.ErrNotFound)
	}
	return clone(session), nil
}

func (s *Store) ListSessions(_ context.Context, query state.ListSessionsQuery) ([]state.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]state.SessionRecord, 0, len(s.sessions))
	for _, session := range s.sessions {
		if query.TaskID != "" && session.TaskID != query.TaskID {
			continue
		}
		if query.Status != "" && session.Status != query.Status {
			continue
		}
		out = append(out, clone(session))
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order["session:"+out[i].SessionID] > s.order["session:"+out[j].SessionID]
	})
	if query.Offset > 0 {
		if query.Offset >= len(out) {
			return []state.SessionRecord{}, nil
		}
		out = out[query.Offset:]
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (s *Store) SaveNode(_ context.Context, node state.NodeRecord) error {
	if node.SessionID == "" || node.SessionAgentID == "" {
		return fmt.Errorf("session_id and session_agent_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putNode(node)
	return nil
}

func (s *Store) putNode(node state.NodeRecord) state.NodeRecord {
	if node.State == "" {
		node.State = state.NodeInitial
	}
	now := time.Now().UTC()
	if node.CreatedAt == nil {
		node.CreatedAt = &now
	}
	node.UpdatedAt = &now
	bySession, ok := s.nodes[node.SessionID]
	if !ok {
		bySession = map[string]state.NodeRecord{}
		s.nodes[node.SessionID] = bySession
	}
	s.stamp("node:" + node.SessionID + ":" + node.SessionAgentID)
	bySession[node.SessionAgentID] = clone(node)
	return node
}

func (s *Store) LoadNode(_ context.Context, sessionID, sessionAgentID string) (state.NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[sessionID][sessionAgentID]
	if !ok {
		return state.NodeRecord{}, fmt.Errorf("load node %s/%s: %w", sessionID, sessionAgentID, state.ErrNotFound)
	}
	return clone(node), nil
}

func (s *Store) ListNodes(_ context.Context, sessionID string) ([]state.NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]state.NodeRecord, 0, len(s.nodes[sessionID]))
	for _, node := range s.nodes[sessionID] {
		out = append(out, clone(node))
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order["node:"+sessionID+":"+out[i].SessionAgentID] < s.order["node:"+sessionID+":"+out[j].SessionAgentID]
	})
	return out, nil
}

func (s *Store) ReleaseDependency(_ context.Context, sessionID, sessionAgentID, predecessorAgentID string) (state.NodeRecord, bool, error) {
	if predecessorAgentID == "" {
		return state.NodeRecord{}, false, fmt.Errorf("predecessor agent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[sessionID][sessionAgentID]
	if !ok {
		return state.NodeRecord{}, false, state.ErrNotFound
	}
	node = clone(node)
	if !node.Release(predecessorAgentID) {
		return node, false, nil
	}
	return s.putNode(node), true, nil
}

func (s *Store) SaveRun(_ context.Context, run state.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if run.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if run.CreatedAt == nil {
		now := time.Now().UTC()
		run.CreatedAt = &now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp("run:" + run.RunID)
	s.runs[run.RunID] = clone(run)
	return nil
}

func (s *Store) LoadRun(_ context.Context, runID string) (state.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return state.RunRecord{}, fmt.Errorf("load run %q: %w", runID, state.ErrNotFound)
	}
	return clone(run), nil
}

func (s *Store) ListRuns(_ context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]state.RunRecord, 0)
	for _, run := range s.runs {
		if query.SessionID != "" && run.SessionID != query.SessionID {
			continue
		}
		if query.SessionAgentID != "" && run.SessionAgentID != query.SessionAgentID {
			continue
		}
		out = append(out, clone(run))
	}
	sort.Slice(out, func(i, j int) bool {
		left, right := *out[i].CreatedAt, *out[j].CreatedAt
		if !left.Equal(right) {
			return left.After(right)
		}
		return s.order["run:"+out[i].RunID] > s.order["run:"+out[j].RunID]
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (s *Store) SaveJob(_ context.Context, job state.JobRecord) error {
	if job.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if job.Status == "" {
		job.Status = state.JobPending
	}
	now := time.Now().UTC()
	if job.CreatedAt == nil {
		job.CreatedAt = &now
	}
	job.UpdatedAt = &now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = clone(job)
	return nil
}

func (s *Store) LoadJob(_ context.Context, jobID string) (state.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return state.JobRecord{}, fmt.Errorf("load job %q: %w", jobID, state.ErrNotFound)
	}
	return clone(job), nil
}

func (s *Store) SaveThread(_ context.Context, thread state.ThreadRecord) error {
	if thread.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	now := time.Now().UTC()
	thread.UpdatedAt = &now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[thread.ThreadID] = clone(thread)
	return nil
}

func (s *Store) LoadThread(_ context.Context, threadID string) (state.ThreadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return state.ThreadRecord{}, fmt.Errorf("load thread %q: %w", threadID, state.ErrNotFound)
	}
	return clone(thread), nil
}

func (s *Store) AcquireSessionLock(_ context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	if sessionID == "" || owner == "" {
		return false, fmt.Errorf("session_id and owner are required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if held, ok := s.locks[sessionID]; ok && now.Before(held.expires) {
		return false, nil
	}
	s.locks[sessionID] = lockEntry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseSessionLock(_ context.Context, sessionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[sessionID]; ok && held.owner == owner {
		delete(s.locks, sessionID)
	}
	return nil
}

func (s *Store) Close() error { return nil }

var (
	_ state.Store  = (*Store)(nil)
	_ state.Locker = (*Store)(nil)
)

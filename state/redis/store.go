package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/procedure-engine/state"
)

const (
	defaultTTL           = 72 * time.Hour
	defaultLimit         = 50
	defaultPrefix        = "proc"
	defaultLockTTL       = 15 * time.Second
	maxReleaseRetries    = 16
	releaseRetryInterval = 5 * time.Millisecond
)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

func (s *Store) SaveTask(ctx context.Context, task state.TaskRecord) error {
	if strings.TrimSpace(task.TaskID) == "" {
		return fmt.Errorf("task_id is required")
	}
	now := time.Now().UTC()
	if task.CreatedAt == nil {
		task.CreatedAt = &now
	}
	task.UpdatedAt = &now
	return s.setJSON(ctx, s.taskKey(task.TaskID), task)
}

func (s *Store) LoadTask(ctx context.Context, taskID string) (state.TaskRecord, error) {
	if strings.TrimSpace(taskID) == "" {
		return state.TaskRecord{}, fmt.Errorf("task_id is required")
	}
	var task state.TaskRecord
	if err := s.getJSON(ctx, s.taskKey(taskID), &task); err != nil {
		return state.TaskRecord{}, fmt.Errorf("load task %q: %w", taskID, err)
	}
	return task, nil
}

func (s *Store) SaveSession(ctx context.Context, session state.SessionRecord) error {
	if strings.TrimSpace(session.SessionID) == "" {
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

	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	member := goredis.Z{Score: score(*session.CreatedAt), Member: session.SessionID}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(session.SessionID), string(raw), s.ttl)
	pipe.ZAdd(ctx, s.sessionIndexKey(), member)
	pipe.Expire(ctx, s.sessionIndexKey(), s.ttl)
	pipe.ZAdd(ctx, s.taskSessionIndexKey(session.TaskID), member)
	pipe.Expire(ctx, s.taskSessionIndexKey(session.TaskID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadSession(ctx context.Context, sessionID string) (state.SessionRecord, error) {
	if strings.TrimSpace(sessionID) == "" {
		return state.SessionRecord{}, fmt.Errorf("session_id is required")
	}
	var session state.SessionRecord
	if err := s.getJSON(ctx, s.sessionKey(sessionID), &session); err != nil {
		return state.SessionRecord{}, fmt.Errorf("load session %q: %w", sessionID, err)
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, query state.ListSessionsQuery) ([]state.SessionRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	index := s.sessionIndexKey()
	if query.TaskID != "" {
		index = s.taskSessionIndexKey(query.TaskID)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session ids: %w", err)
	}

	out := make([]state.SessionRecord, 0, limit)
	skipped := 0
	err = s.loadMany(ctx, index, ids, s.sessionKey, func(raw string) bool {
		var session state.SessionRecord
		if json.Unmarshal([]byte(raw), &session) != nil {
			return true
		}
		if query.Status != "" && session.Status != query.Status {
			return true
		}
		if skipped < offset {
			skipped++
			return true
		}
		out = append(out, session)
		return len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SaveNode(ctx context.Context, node state.NodeRecord) error {
	if node.SessionID == "" || node.SessionAgentID == "" {
		return fmt.Errorf("session_id and session_agent_id are required")
	}
	pipe := s.client.TxPipeline()
	if err := s.queueNode(ctx, pipe, &node); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save node in redis: %w", err)
	}
	return nil
}

func (s *Store) queueNode(ctx context.Context, pipe goredis.Pipeliner, node *state.NodeRecord) error {
	if node.State == "" {
		node.State = state.NodeInitial
	}
	now := time.Now().UTC()
	if node.CreatedAt == nil {
		node.CreatedAt = &now
	}
	node.UpdatedAt = &now
	raw, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}
	idx := s.nodeIndexKey(node.SessionID)
	pipe.Set(ctx, s.nodeKey(node.SessionID, node.SessionAgentID), string(raw), s.ttl)
	pipe.ZAddNX(ctx, idx, goredis.Z{Score: score(*node.CreatedAt), Member: node.SessionAgentID})
	pipe.Expire(ctx, idx, s.ttl)
	return nil
}

func (s *Store) LoadNode(ctx context.Context, sessionID, sessionAgentID string) (state.NodeRecord, error) {
	if sessionID == "" || sessionAgentID == "" {
		return state.NodeRecord{}, fmt.Errorf("session_id and session_agent_id are required")
	}
	var node state.NodeRecord
	if err := s.getJSON(ctx, s.nodeKey(sessionID, sessionAgentID), &node); err != nil {
		return state.NodeRecord{}, fmt.Errorf("load node %s/%s: %w", sessionID, sessionAgentID, err)
	}
	return node, nil
}

func (s *Store) ListNodes(ctx context.Context, sessionID string) ([]state.NodeRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	idx := s.nodeIndexKey(sessionID)
	ids, err := s.client.ZRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list node ids: %w", err)
	}
	out := make([]state.NodeRecord, 0, len(ids))
	keyFn := func(id string) string { return s.nodeKey(sessionID, id) }
	err = s.loadMany(ctx, idx, ids, keyFn, func(raw string) bool {
		var node state.NodeRecord
		if json.Unmarshal([]byte(raw), &node) == nil {
			out = append(out, node)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseDependency uses optimistic WATCH/MULTI so that concurrent releases
// from different workers are applied exactly once each.
func (s *Store) ReleaseDependency(ctx context.Context, sessionID, sessionAgentID, predecessorAgentID string) (state.NodeRecord, bool, error) {
	if predecessorAgentID == "" {
		return state.NodeRecord{}, false, fmt.Errorf("predecessor agent id is required")
	}
	key := s.nodeKey(sessionID, sessionAgentID)

	var (
		result  state.NodeRecord
		changed bool
	)
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return state.ErrNotFound
			}
			return err
		}
		var node state.NodeRecord
		if err := json.Unmarshal([]byte(raw), &node); err != nil {
			return fmt.Errorf("failed to decode node: %w", err)
		}
		if !node.Release(predecessorAgentID) {
			result, changed = node, false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			return s.queueNode(ctx, pipe, &node)
		})
		if err != nil {
			return err
		}
		result, changed = node, true
		return nil
	}

	for i := 0; i < maxReleaseRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, changed, nil
		}
		if errors.Is(err, state.ErrNotFound) {
			return state.NodeRecord{}, false, state.ErrNotFound
		}
		if !errors.Is(err, goredis.TxFailedErr) {
			return state.NodeRecord{}, false, fmt.Errorf("failed to release dependency: %w", err)
		}
		select {
		case <-ctx.Done():
			return state.NodeRecord{}, false, ctx.Err()
		case <-time.After(releaseRetryInterval):
		}
	}
	return state.NodeRecord{}, false, state.ErrConflict
}

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
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

	runRaw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	member := goredis.Z{Score: score(*run.CreatedAt), Member: run.RunID}
	sessionIdx := s.runSessionIndexKey(run.SessionID)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(run.RunID), string(runRaw), s.ttl)
	pipe.ZAdd(ctx, sessionIdx, member)
	pipe.Expire(ctx, sessionIdx, s.ttl)
	if run.SessionAgentID != "" {
		nodeIdx := s.runNodeIndexKey(run.SessionID, run.SessionAgentID)
		pipe.ZAdd(ctx, nodeIdx, member)
		pipe.Expire(ctx, nodeIdx, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if runID == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}
	var run state.RunRecord
	if err := s.getJSON(ctx, s.runKey(runID), &run); err != nil {
		return state.RunRecord{}, fmt.Errorf("load run %q: %w", runID, err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	if query.SessionID == "" {
		return nil, fmt.Errorf("session_id is required to list runs")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	idx := s.runSessionIndexKey(query.SessionID)
	if query.SessionAgentID != "" {
		idx = s.runNodeIndexKey(query.SessionID, query.SessionAgentID)
	}
	ids, err := s.client.ZRevRange(ctx, idx, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list run ids: %w", err)
	}

	out := make([]state.RunRecord, 0, len(ids))
	err = s.loadMany(ctx, idx, ids, s.runKey, func(raw string) bool {
		var run state.RunRecord
		if json.Unmarshal([]byte(raw), &run) == nil {
			out = append(out, run)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return createdAt(out[i].CreatedAt).After(createdAt(out[j].CreatedAt))
	})
	return out, nil
}

func (s *Store) SaveJob(ctx context.Context, job state.JobRecord) error {
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
	return s.setJSON(ctx, s.jobKey(job.JobID), job)
}

func (s *Store) LoadJob(ctx context.Context, jobID string) (state.JobRecord, error) {
	if jobID == "" {
		return state.JobRecord{}, fmt.Errorf("job_id is required")
	}
	var job state.JobRecord
	if err := s.getJSON(ctx, s.jobKey(jobID), &job); err != nil {
		return state.JobRecord{}, fmt.Errorf("load job %q: %w", jobID, err)
	}
	return job, nil
}

func (s *Store) SaveThread(ctx context.Context, thread state.ThreadRecord) error {
	if thread.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	now := time.Now().UTC()
	thread.UpdatedAt = &now
	return s.setJSON(ctx, s.threadKey(thread.ThreadID), thread)
}

func (s *Store) LoadThread(ctx context.Context, threadID string) (state.ThreadRecord, error) {
	if threadID == "" {
		return state.ThreadRecord{}, fmt.Errorf("thread_id is required")
	}
	var thread state.ThreadRecord
	if err := s.getJSON(ctx, s.threadKey(threadID), &thread); err != nil {
		return state.ThreadRecord{}, fmt.Errorf("load thread %q: %w", threadID, err)
	}
	return thread, nil
}

func (s *Store) AcquireSessionLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	if sessionID == "" || owner == "" {
		return false, fmt.Errorf("session_id and owner are required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	ok, err := s.client.SetNX(ctx, s.lockKey(sessionID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	return ok, nil
}

var releaseLockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *Store) ReleaseSessionLock(ctx context.Context, sessionID, owner string) error {
	if sessionID == "" || owner == "" {
		return fmt.Errorf("session_id and owner are required")
	}
	if _, err := releaseLockScript.Run(ctx, s.client, []string{s.lockKey(sessionID)}, owner).Result(); err != nil {
		return fmt.Errorf("failed to release session lock: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, string(raw), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, dest any) error {
	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.ErrNotFound
		}
		return fmt.Errorf("redis get failed: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// loadMany fetches the records behind index members in order, prunes members
// whose record has expired, and stops early once visit returns false.
func (s *Store) loadMany(ctx context.Context, index string, ids []string, keyFn func(string) string, visit func(raw string) bool) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyFn(id)
	}
	loaded, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to mget from redis: %w", err)
	}

	stale := make([]any, 0)
	for i, raw := range loaded {
		if raw == nil {
			stale = append(stale, ids[i])
			continue
		}
		str, ok := raw.(string)
		if !ok {
			continue
		}
		if !visit(str) {
			break
		}
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, index, stale...).Err()
	}
	return nil
}

func (s *Store) taskKey(taskID string) string {
	return fmt.Sprintf("%s:task:%s", s.prefix, taskID)
}

func (s *Store) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, sessionID)
}

func (s *Store) sessionIndexKey() string {
	return fmt.Sprintf("%s:sessionidx", s.prefix)
}

func (s *Store) taskSessionIndexKey(taskID string) string {
	return fmt.Sprintf("%s:sessionidx:task:%s", s.prefix, taskID)
}

func (s *Store) nodeKey(sessionID, sessionAgentID string) string {
	return fmt.Sprintf("%s:node:%s:%s", s.prefix, sessionID, sessionAgentID)
}

func (s *Store) nodeIndexKey(sessionID string) string {
	return fmt.Sprintf("%s:nodeidx:%s", s.prefix, sessionID)
}

func (s *Store) runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", s.prefix, runID)
}

func (s *Store) runSessionIndexKey(sessionID string) string {
	return fmt.Sprintf("%s:runidx:session:%s", s.prefix, sessionID)
}

func (s *Store) runNodeIndexKey(sessionID, sessionAgentID string) string {
	return fmt.Sprintf("%s:runidx:node:%s:%s", s.prefix, sessionID, sessionAgentID)
}

func (s *Store) jobKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s", s.prefix, jobID)
}

func (s *Store) threadKey(threadID string) string {
	return fmt.Sprintf("%s:thread:%s", s.prefix, threadID)
}

func (s *Store) lockKey(sessionID string) string {
	return fmt.Sprintf("%s:lock:session:%s", s.prefix, sessionID)
}

// score keeps microsecond resolution, which float64 represents exactly for
// current epoch values.
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func createdAt(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

var (
	_ state.Store  = (*Store)(nil)
	_ state.Locker = (*Store)(nil)
)

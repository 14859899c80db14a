package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/procedure-engine/state"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLockTTL     = 15 * time.Second
	defaultLimit       = 50

	// Fixed-width so that lexical order in SQL equals chronological order.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
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
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	const q = `
INSERT INTO tasks (task_id, name, body, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
  name=excluded.name,
  body=excluded.body,
  updated_at=excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, q, task.TaskID, task.Name, string(body), formatTime(*task.CreatedAt), formatTime(now)); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *Store) LoadTask(ctx context.Context, taskID string) (state.TaskRecord, error) {
	if strings.TrimSpace(taskID) == "" {
		return state.TaskRecord{}, fmt.Errorf("task_id is required")
	}
	var task state.TaskRecord
	if err := s.loadBody(ctx, `SELECT body FROM tasks WHERE task_id = ?;`, &task, taskID); err != nil {
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
	body, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	const q = `
INSERT INTO sessions (session_id, task_id, status, iteration_count, body, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  task_id=excluded.task_id,
  status=excluded.status,
  iteration_count=excluded.iteration_count,
  body=excluded.body,
  updated_at=excluded.updated_at;
`
	_, err = s.db.ExecContext(ctx, q,
		session.SessionID,
		session.TaskID,
		string(session.Status),
		session.IterationCount,
		string(body),
		formatTime(*session.CreatedAt),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *Store) LoadSession(ctx context.Context, sessionID string) (state.SessionRecord, error) {
	if strings.TrimSpace(sessionID) == "" {
		return state.SessionRecord{}, fmt.Errorf("session_id is required")
	}
	var session state.SessionRecord
	if err := s.loadBody(ctx, `SELECT body FROM sessions WHERE session_id = ?;`, &session, sessionID); err != nil {
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

	var (
		where []string
		args  []any
	)
	if query.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, query.TaskID)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(query.Status))
	}
	sqlText := "SELECT body FROM sessions"
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	out := make([]state.SessionRecord, 0, limit)
	err := s.queryBodies(ctx, sqlText, args, func(raw string) error {
		var session state.SessionRecord
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			return fmt.Errorf("failed to decode session: %w", err)
		}
		out = append(out, session)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}

func (s *Store) SaveNode(ctx context.Context, node state.NodeRecord) error {
	return saveNode(ctx, s.db, node)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveNode(ctx context.Context, db execer, node state.NodeRecord) error {
	if node.SessionID == "" || node.SessionAgentID == "" {
		return fmt.Errorf("session_id and session_agent_id are required")
	}
	if node.State == "" {
		node.State = state.NodeInitial
	}
	now := time.Now().UTC()
	if node.CreatedAt == nil {
		node.CreatedAt = &now
	}
	node.UpdatedAt = &now
	body, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	const q = `
INSERT INTO session_agents (session_id, session_agent_id, agent_id, state, in_degree, body, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, session_agent_id) DO UPDATE SET
  agent_id=excluded.agent_id,
  state=excluded.state,
  in_degree=excluded.in_degree,
  body=excluded.body,
  updated_at=excluded.updated_at;
`
	_, err = db.ExecContext(ctx, q,
		node.SessionID,
		node.SessionAgentID,
		node.AgentID,
		string(node.State),
		node.InDegree,
		string(body),
		formatTime(*node.CreatedAt),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save node: %w", err)
	}
	return nil
}

func (s *Store) LoadNode(ctx context.Context, sessionID, sessionAgentID string) (state.NodeRecord, error) {
	if sessionID == "" || sessionAgentID == "" {
		return state.NodeRecord{}, fmt.Errorf("session_id and session_agent_id are required")
	}
	var node state.NodeRecord
	const q = `SELECT body FROM session_agents WHERE session_id = ? AND session_agent_id = ?;`
	if err := s.loadBody(ctx, q, &node, sessionID, sessionAgentID); err != nil {
		return state.NodeRecord{}, fmt.Errorf("load node %s/%s: %w", sessionID, sessionAgentID, err)
	}
	return node, nil
}

func (s *Store) ListNodes(ctx context.Context, sessionID string) ([]state.NodeRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	const q = `SELECT body FROM session_agents WHERE session_id = ? ORDER BY created_at ASC, session_agent_id ASC;`
	out := make([]state.NodeRecord, 0)
	err := s.queryBodies(ctx, q, []any{sessionID}, func(raw string) error {
		var node state.NodeRecord
		if err := json.Unmarshal([]byte(raw), &node); err != nil {
			return fmt.Errorf("failed to decode node: %w", err)
		}
		out = append(out, node)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return out, nil
}

func (s *Store) ReleaseDependency(ctx context.Context, sessionID, sessionAgentID, predecessorAgentID string) (state.NodeRecord, bool, error) {
	if predecessorAgentID == "" {
		return state.NodeRecord{}, false, fmt.Errorf("predecessor agent id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return state.NodeRecord{}, false, fmt.Errorf("failed to begin release: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	const q = `SELECT body FROM session_agents WHERE session_id = ? AND session_agent_id = ?;`
	if err := tx.QueryRowContext(ctx, q, sessionID, sessionAgentID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.NodeRecord{}, false, state.ErrNotFound
		}
		return state.NodeRecord{}, false, fmt.Errorf("failed to load node for release: %w", err)
	}
	var node state.NodeRecord
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		return state.NodeRecord{}, false, fmt.Errorf("failed to decode node: %w", err)
	}
	if !node.Release(predecessorAgentID) {
		return node, false, nil
	}
	if err := saveNode(ctx, tx, node); err != nil {
		return state.NodeRecord{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return state.NodeRecord{}, false, fmt.Errorf("failed to commit release: %w", err)
	}
	return node, true, nil
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

	const q = `
INSERT INTO session_runs (run_id, session_id, session_agent_id, agent_id, thread_id, job_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  session_agent_id=excluded.session_agent_id,
  agent_id=excluded.agent_id,
  thread_id=excluded.thread_id,
  job_id=excluded.job_id;
`
	_, err := s.db.ExecContext(ctx, q,
		run.RunID,
		run.SessionID,
		run.SessionAgentID,
		run.AgentID,
		run.ThreadID,
		run.JobID,
		formatTime(*run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `run_id, session_id, session_agent_id, agent_id, thread_id, job_id, created_at`

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM session_runs WHERE run_id = ?;`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	var (
		where []string
		args  []any
	)
	if query.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, query.SessionID)
	}
	if query.SessionAgentID != "" {
		where = append(where, "session_agent_id = ?")
		args = append(args, query.SessionAgentID)
	}
	sqlText := `SELECT ` + runColumns + ` FROM session_runs`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC, rowid DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	out := make([]state.RunRecord, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (state.RunRecord, error) {
	var (
		run        state.RunRecord
		createdRaw string
	)
	if err := row.Scan(&run.RunID, &run.SessionID, &run.SessionAgentID, &run.AgentID, &run.ThreadID, &run.JobID, &createdRaw); err != nil {
		return state.RunRecord{}, err
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run created_at: %w", err)
	}
	run.CreatedAt = &created
	return run, nil
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
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	const q = `
INSERT INTO jobs (job_id, status, body, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
  status=excluded.status,
  body=excluded.body,
  updated_at=excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, q, job.JobID, string(job.Status), string(body), formatTime(*job.CreatedAt), formatTime(now)); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *Store) LoadJob(ctx context.Context, jobID string) (state.JobRecord, error) {
	if strings.TrimSpace(jobID) == "" {
		return state.JobRecord{}, fmt.Errorf("job_id is required")
	}
	var job state.JobRecord
	if err := s.loadBody(ctx, `SELECT body FROM jobs WHERE job_id = ?;`, &job, jobID); err != nil {
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
	messagesRaw, err := json.Marshal(thread.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal thread messages: %w", err)
	}
	const q = `
INSERT INTO threads (thread_id, messages, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  messages=excluded.messages,
  updated_at=excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, q, thread.ThreadID, string(messagesRaw), formatTime(now)); err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}

func (s *Store) LoadThread(ctx context.Context, threadID string) (state.ThreadRecord, error) {
	if strings.TrimSpace(threadID) == "" {
		return state.ThreadRecord{}, fmt.Errorf("thread_id is required")
	}
	var (
		thread     state.ThreadRecord
		messages   string
		updatedRaw string
	)
	const q = `SELECT thread_id, messages, updated_at FROM threads WHERE thread_id = ?;`
	err := s.db.QueryRowContext(ctx, q, threadID).Scan(&thread.ThreadID, &messages, &updatedRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.ThreadRecord{}, state.ErrNotFound
		}
		return state.ThreadRecord{}, fmt.Errorf("failed to load thread: %w", err)
	}
	if err := json.Unmarshal([]byte(messages), &thread.Messages); err != nil {
		return state.ThreadRecord{}, fmt.Errorf("failed to decode thread messages: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return state.ThreadRecord{}, fmt.Errorf("failed to parse thread updated_at: %w", err)
	}
	thread.UpdatedAt = &updated
	return thread, nil
}

// AcquireSessionLock takes the session's row in session_locks unless another
// owner holds an unexpired one. Expiry is stored in unix milliseconds.
func (s *Store) AcquireSessionLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	if sessionID == "" || owner == "" {
		return false, fmt.Errorf("session_id and owner are required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
INSERT INTO session_locks (session_id, owner, expires_at)
VALUES (?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  owner = excluded.owner,
  expires_at = excluded.expires_at
WHERE session_locks.expires_at <= ? OR session_locks.owner = excluded.owner;`
	if _, err := tx.ExecContext(ctx, q, sessionID, owner, now.Add(ttl).UnixMilli(), now.UnixMilli()); err != nil {
		return false, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	var holder string
	if err := tx.QueryRowContext(ctx, `SELECT owner FROM session_locks WHERE session_id = ?;`, sessionID).Scan(&holder); err != nil {
		return false, fmt.Errorf("failed to read session lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit session lock: %w", err)
	}
	return holder == owner, nil
}

func (s *Store) ReleaseSessionLock(ctx context.Context, sessionID, owner string) error {
	if sessionID == "" || owner == "" {
		return fmt.Errorf("session_id and owner are required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_locks WHERE session_id = ? AND owner = ?;`, sessionID, owner); err != nil {
		return fmt.Errorf("failed to release session lock: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) loadBody(ctx context.Context, q string, dest any, args ...any) error {
	var raw string
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}

func (s *Store) queryBodies(ctx context.Context, q string, args []any, fn func(raw string) error) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	return rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

var (
	_ state.Store  = (*Store)(nil)
	_ state.Locker = (*Store)(nil)
)

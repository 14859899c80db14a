package state

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

type ListSessionsQuery struct {
	TaskID string
	Status SessionStatus
	Limit  int
	Offset int
}

type ListRunsQuery struct {
	SessionID      string
	SessionAgentID string
	Limit          int
}

// Store persists every entity the engine touches. Saves are upserts keyed by
// the natural key and are safe to retry.
type Store interface {
	SaveTask(ctx context.Context, task TaskRecord) error
	LoadTask(ctx context.Context, taskID string) (TaskRecord, error)

	SaveSession(ctx context.Context, session SessionRecord) error
	LoadSession(ctx context.Context, sessionID string) (SessionRecord, error)
	ListSessions(ctx context.Context, query ListSessionsQuery) ([]SessionRecord, error)

	SaveNode(ctx context.Context, node NodeRecord) error
	LoadNode(ctx context.Context, sessionID, sessionAgentID string) (NodeRecord, error)
	ListNodes(ctx context.Context, sessionID string) ([]NodeRecord, error)
	// ReleaseDependency atomically applies NodeRecord.Release for the given
	// predecessor agent and persists the result. The bool reports whether the
	// in-degree was changed by this call.
	ReleaseDependency(ctx context.Context, sessionID, sessionAgentID, predecessorAgentID string) (NodeRecord, bool, error)

	SaveRun(ctx context.Context, run RunRecord) error
	LoadRun(ctx context.Context, runID string) (RunRecord, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, query ListRunsQuery) ([]RunRecord, error)

	SaveJob(ctx context.Context, job JobRecord) error
	LoadJob(ctx context.Context, jobID string) (JobRecord, error)

	SaveThread(ctx context.Context, thread ThreadRecord) error
	LoadThread(ctx context.Context, threadID string) (ThreadRecord, error)

	Close() error
}

// Locker is implemented by stores that can serialize scheduler passes for a
// session across processes.
type Locker interface {
	AcquireSessionLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error)
	ReleaseSessionLock(ctx context.Context, sessionID, owner string) error
}

package procedure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/procedure-engine/state"
)

const (
	lockAttempts = 40
	lockRetry    = 50 * time.Millisecond
)

// localLocks serializes passes of one session inside the process. It backs
// the store lock and is the only guard for stores without a Locker.
type localLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (l *localLocks) tryAcquire(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]struct{}{}
	}
	if _, busy := l.held[sessionID]; busy {
		return false
	}
	l.held[sessionID] = struct{}{}
	return true
}

func (l *localLocks) release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, sessionID)
}

// tryLock makes one attempt at the session lock: the in-process lock first,
// then the store's Locker when it has one.
func (e *Engine) tryLock(ctx context.Context, sessionID string) (func(), bool, error) {
	if !e.local.tryAcquire(sessionID) {
		return nil, false, nil
	}
	locker, ok := e.store.(state.Locker)
	if !ok {
		return func() { e.local.release(sessionID) }, true, nil
	}
	owner := uuid.NewString()
	acquired, err := locker.AcquireSessionLock(ctx, sessionID, owner, e.lockTTL)
	if err != nil {
		e.local.release(sessionID)
		return nil, false, fmt.Errorf("acquire session lock: %w", err)
	}
	if !acquired {
		e.local.release(sessionID)
		return nil, false, nil
	}
	release := func() {
		if err := locker.ReleaseSessionLock(context.WithoutCancel(ctx), sessionID, owner); err != nil {
			e.logger.Warn("release session lock failed", "session_id", sessionID, "error", err)
		}
		e.local.release(sessionID)
	}
	return release, true, nil
}

// withSessionLock runs fn holding the session lock, waiting briefly for a
// concurrent pass to finish. It returns ErrSessionBusy if the lock stays
// held.
func (e *Engine) withSessionLock(ctx context.Context, sessionID string, fn func() error) error {
	for attempt := 0; attempt < lockAttempts; attempt++ {
		release, ok, err := e.tryLock(ctx, sessionID)
		if err != nil {
			return err
		}
		if ok {
			defer release()
			return fn()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetry):
		}
	}
	return fmt.Errorf("session %s: %w", sessionID, ErrSessionBusy)
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/runtime/distributed"
	memoryqueue "github.com/PipeOpsHQ/procedure-engine/runtime/queue/memory"
	"github.com/PipeOpsHQ/procedure-engine/state"
)

const runPollInterval = 100 * time.Millisecond

// runLocal imports a task file, runs one session against an in-process
// queue and worker, and prints the result once the session settles.
func runLocal(ctx context.Context, args []string, stdout io.Writer) error {
	flags, positional := parseArgs(args)
	taskFile := flags.string("task-file", "")
	if taskFile == "" {
		return fmt.Errorf("--task-file is required")
	}
	timeout, err := flags.duration("timeout", 10*time.Minute)
	if err != nil {
		return err
	}
	capacity, err := flags.int("capacity", 4)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(ctx, cfg, inProcessQueue)
	if err != nil {
		return err
	}
	defer rt.Close()

	task, err := importTask(ctx, rt.store, taskFile, io.Discard)
	if err != nil {
		return err
	}
	if q := normalizeInput(positional); q != "" && flags.string("query", "") == "" {
		flags["query"] = []string{q}
	}
	flags["task"] = []string{task.TaskID}

	w, err := rt.newWorker(distributed.WorkerConfig{WorkerID: "local", Capacity: capacity})
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := w.Start(runCtx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer stop()
		_ = w.Stop(stopCtx)
	}()

	session, err := startSession(runCtx, rt.engine, flags)
	if err != nil {
		return err
	}
	status, err := awaitSession(runCtx, rt.store, rt.local, session.SessionID)
	if err != nil {
		return err
	}
	if err := printSessionStatus(ctx, rt.store, session.SessionID, stdout); err != nil {
		return err
	}
	if status == state.SessionFailed || status == state.SessionTimeout {
		return fmt.Errorf("session %s %s", session.SessionID, status)
	}
	return nil
}

// awaitSession polls until the session is terminal, or until the queue has
// drained while a node waits for user input.
func awaitSession(ctx context.Context, store state.Store, q *memoryqueue.Queue, sessionID string) (state.SessionStatus, error) {
	ticker := time.NewTicker(runPollInterval)
	defer ticker.Stop()
	for {
		session, err := store.LoadSession(ctx, sessionID)
		if err != nil {
			return "", fmt.Errorf("load session: %w", err)
		}
		if session.Status.Terminal() {
			return session.Status, nil
		}
		if q.Idle() {
			waiting, err := hasWaitingNode(ctx, store, sessionID)
			if err != nil {
				return "", err
			}
			if waiting {
				return session.Status, nil
			}
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("session %s did not finish in time", sessionID)
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func hasWaitingNode(ctx context.Context, store state.Store, sessionID string) (bool, error) {
	nodes, err := store.ListNodes(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("list nodes: %w", err)
	}
	for _, n := range nodes {
		if n.State == state.NodeWaitForUserInput {
			return true, nil
		}
	}
	return false, nil
}

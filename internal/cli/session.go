package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/procedure"
	"github.com/PipeOpsHQ/procedure-engine/state"
)

func runSessionCLI(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: session start|status|list|input")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(ctx, cfg, redisQueue)
	if err != nil {
		return err
	}
	defer rt.Close()

	flags, positional := parseArgs(args[1:])
	switch args[0] {
	case "start":
		session, err := startSession(ctx, rt.engine, flags)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "session %s dispatched\n", session.SessionID)
		return nil
	case "status":
		if len(positional) < 1 {
			return fmt.Errorf("usage: session status SESSION_ID")
		}
		return printSessionStatus(ctx, rt.store, positional[0], stdout)
	case "list":
		sessions, err := rt.store.ListSessions(ctx, state.ListSessionsQuery{
			TaskID: flags.string("task", ""),
			Status: state.SessionStatus(flags.string("status", "")),
			Limit:  50,
		})
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tTASK\tSTATUS\tITERATIONS\tUPDATED")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.SessionID, s.TaskID, s.Status, s.IterationCount, formatTime(s.UpdatedAt))
		}
		return tw.Flush()
	case "input":
		if len(positional) < 3 {
			return fmt.Errorf("usage: session input SESSION_ID NODE_ID TEXT")
		}
		input := normalizeInput(positional[2:])
		if err := rt.engine.SubmitUserInput(ctx, positional[0], positional[1], input); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "input delivered to %s\n", positional[1])
		return nil
	default:
		return fmt.Errorf("unknown session command %q", args[0])
	}
}

func startSession(ctx context.Context, engine *procedure.Engine, flags cliFlags) (state.SessionRecord, error) {
	taskID := flags.string("task", "")
	if taskID == "" {
		return state.SessionRecord{}, fmt.Errorf("--task is required")
	}
	subtasks, err := flags.subtasks()
	if err != nil {
		return state.SessionRecord{}, err
	}
	session, err := engine.CreateSession(ctx, procedure.CreateSessionRequest{
		SessionID:      flags.string("session", ""),
		TaskID:         taskID,
		TaskQuery:      flags.string("query", ""),
		UserID:         flags.string("user", ""),
		SubtaskQueries: subtasks,
	})
	if err != nil {
		return state.SessionRecord{}, err
	}
	if err := engine.StartSession(ctx, session.SessionID); err != nil {
		return state.SessionRecord{}, err
	}
	return session, nil
}

func printSessionStatus(ctx context.Context, store state.Store, sessionID string, w io.Writer) error {
	session, err := store.LoadSession(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	nodes, err := store.ListNodes(ctx, session.SessionID)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	fmt.Fprintf(w, "session %s\ttask %s\tstatus %s\titerations %d\n", session.SessionID, session.TaskID, session.Status, session.IterationCount)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tAGENT\tSTATE\tIN-DEGREE\tNOTES")
	for _, n := range nodes {
		notes := n.Notes
		if notes == "" {
			notes = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", n.SessionAgentID, n.AgentID, n.State, n.InDegree, notes)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, entry := range session.Logs {
		fmt.Fprintf(w, "log %s %s\n", entry.At.UTC().Format(time.RFC3339), entry.Message)
	}
	for _, n := range nodes {
		if n.State == state.NodeCompleted && strings.TrimSpace(n.AgentOutput) != "" {
			fmt.Fprintf(w, "\n### %s\n%s\n", n.AgentID, n.AgentOutput)
		}
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

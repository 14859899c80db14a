package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseArgs(t *testing.T) {
	flags, positional := parseArgs([]string{"start", "--task=t1", "--subtask=A=plan it", "--subtask=B=x=y", "--verbose", "--", "--not-a-flag"})
	if got := flags.string("task", ""); got != "t1" {
		t.Fatalf("unexpected task flag %q", got)
	}
	if flags.string("verbose", "") != "true" {
		t.Fatalf("expected bare flag to read as true")
	}
	if len(positional) != 2 || positional[0] != "start" || positional[1] != "--not-a-flag" {
		t.Fatalf("unexpected positional args %v", positional)
	}
	subtasks, err := flags.subtasks()
	if err != nil {
		t.Fatalf("subtasks failed: %v", err)
	}
	if len(subtasks) != 2 || subtasks[0].AgentID != "A" || subtasks[0].SubtaskQuery != "plan it" || subtasks[1].SubtaskQuery != "x=y" {
		t.Fatalf("unexpected subtasks %+v", subtasks)
	}
	bad, _ := parseArgs([]string{"--subtask=noquery"})
	if _, err := bad.subtasks(); err == nil {
		t.Fatalf("expected malformed subtask error")
	}
	n, _ := parseArgs([]string{"--capacity=abc"})
	if _, err := n.int("capacity", 1); err == nil {
		t.Fatalf("expected integer parse error")
	}
	if d, err := (cliFlags{}).duration("timeout", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("expected fallback duration, got %v %v", d, err)
	}
}

func TestRun_UsageAndUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := Run(context.Background(), nil, &out); err != nil {
		t.Fatalf("Run without args failed: %v", err)
	}
	if !strings.Contains(out.String(), "procedure-engine run --task-file") {
		t.Fatalf("usage not printed: %s", out.String())
	}
	if err := Run(context.Background(), []string{"bogus"}, &out); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

const chainTask = `
id: chain
name: Chain
initial_task_query: '{"topic": "tides"}'
agents:
  - id: planner
    name: Planner
    subtask_query: "Plan a note on {{topic}}"
    action:
      primary_path: true
  - id: writer
    name: Writer
    subtask_query: "Write it"
    action:
      predecessors: [planner]
  - id: bundle
    name: Bundle
    action:
      predecessors: [planner, writer]
      action_function: join_outputs
`

func localEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AGENT_ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("AGENT_STATE_BACKEND", "memory")
	t.Setenv("AGENT_ATTEMPTS_PATH", filepath.Join(dir, "attempts.db"))
	t.Setenv("AGENT_PROVIDER", "echo")
	t.Setenv("AGENT_POLL_INTERVAL", "10ms")
	t.Setenv("AGENT_PASS_BACKOFF", "10ms")
	t.Setenv("AGENT_LOG_LEVEL", "error")
	path := filepath.Join(dir, "chain.yaml")
	if err := os.WriteFile(path, []byte(chainTask), 0o600); err != nil {
		t.Fatalf("write task file: %v", err)
	}
	return path
}

func TestRun_LocalSessionCompletes(t *testing.T) {
	taskFile := localEnv(t)
	var out bytes.Buffer
	err := Run(context.Background(), []string{"run", "--task-file=" + taskFile, "--timeout=20s"}, &out)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out.String())
	}
	text := out.String()
	if !strings.Contains(text, "status completed") {
		t.Fatalf("expected completed session:\n%s", text)
	}
	if !strings.Contains(text, "echo: Plan a note on tides") {
		t.Fatalf("expected interpolated planner output:\n%s", text)
	}
	if !strings.Contains(text, "### bundle") {
		t.Fatalf("expected bundle output:\n%s", text)
	}
}

func TestRun_RequiresTaskFile(t *testing.T) {
	localEnv(t)
	if err := Run(context.Background(), []string{"run"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error without --task-file")
	}
}

func TestStartSchedules_TriggerStartsSession(t *testing.T) {
	taskFile := localEnv(t)
	dir := filepath.Dir(taskFile)
	schedules := filepath.Join(dir, "schedules.yaml")
	doc := "schedules:\n  - name: hourly-chain\n    cron: \"@hourly\"\n    task_id: chain\n"
	if err := os.WriteFile(schedules, []byte(doc), 0o600); err != nil {
		t.Fatalf("write schedules: %v", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	ctx := context.Background()
	rt, err := buildRuntime(ctx, cfg, inProcessQueue)
	if err != nil {
		t.Fatalf("buildRuntime failed: %v", err)
	}
	defer rt.Close()
	if _, err := importTask(ctx, rt.store, taskFile, io.Discard); err != nil {
		t.Fatalf("importTask failed: %v", err)
	}

	scheduler, err := startSchedules(rt, schedules)
	if err != nil {
		t.Fatalf("startSchedules failed: %v", err)
	}
	defer scheduler.Stop(ctx)

	sessionID, err := scheduler.Trigger(ctx, "hourly-chain")
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	session, err := rt.store.LoadSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if session.TaskID != "chain" || session.TaskQuery != `{"topic": "tides"}` {
		t.Fatalf("unexpected scheduled session %+v", session)
	}
}

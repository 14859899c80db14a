package cli

import (
	"fmt"
	"io"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "procedure-engine: run multi-agent task graphs")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  procedure-engine task import FILE")
	fmt.Fprintln(w, "  procedure-engine task show TASK_ID")
	fmt.Fprintln(w, "  procedure-engine session start --task=ID [--query=Q] [--user=U] [--subtask=AGENT=QUERY ...]")
	fmt.Fprintln(w, "  procedure-engine session status SESSION_ID")
	fmt.Fprintln(w, "  procedure-engine session list [--task=ID] [--status=S]")
	fmt.Fprintln(w, "  procedure-engine session input SESSION_ID NODE_ID TEXT")
	fmt.Fprintln(w, "  procedure-engine worker [--capacity=N] [--id=NAME] [--schedules=FILE]")
	fmt.Fprintln(w, "  procedure-engine run --task-file=FILE [--query=Q] [--timeout=10m]")
	fmt.Fprintln(w, "  procedure-engine queue stats|dlq|requeue ID|workers|events [--session=ID]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment Variables:")
	fmt.Fprintln(w, "  AGENT_STATE_BACKEND          sqlite, redis, hybrid or memory")
	fmt.Fprintln(w, "  AGENT_SQLITE_PATH            sqlite database path")
	fmt.Fprintln(w, "  AGENT_REDIS_ADDR             redis address for state and the continuation queue")
	fmt.Fprintln(w, "  AGENT_QUEUE_PREFIX           redis stream key prefix")
	fmt.Fprintln(w, "  AGENT_ATTEMPTS_PATH          sqlite path for worker attempts and queue events")
	fmt.Fprintln(w, "  AGENT_PROVIDER               echo, gemini or ollama")
	fmt.Fprintln(w, "  AGENT_MODEL                  default model name")
	fmt.Fprintln(w, "  AGENT_ITERATION_CAP          passes without progress before a session fails")
	fmt.Fprintln(w, "  AGENT_POLL_TIMEOUT           bound on waiting for one model job")
	fmt.Fprintln(w, "  AGENT_METRICS_ADDR           serve Prometheus metrics from the worker")
	fmt.Fprintln(w, "  AGENT_LOG_LEVEL, AGENT_LOG_FORMAT")
}

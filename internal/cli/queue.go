package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/PipeOpsHQ/procedure-engine/runtime/distributed"
)

func runQueueCLI(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: queue stats|dlq|requeue ID|workers|events")
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
	limit, err := flags.int("limit", 50)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	switch args[0] {
	case "stats":
		stats, err := rt.dispatcher.QueueStats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "stream\t%d\ndlq\t%d\npending\t%d\n", stats.StreamLength, stats.DLQLength, stats.Pending)
	case "dlq":
		deliveries, err := rt.dispatcher.ListDLQ(ctx, limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "ID\tFUNCTION\tSESSION\tATTEMPT\tREASON")
		for _, d := range deliveries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%v\n", d.ID, d.Task.Function, d.Task.SessionID, d.Task.Attempt, d.Task.Metadata["dead_letter_reason"])
		}
	case "requeue":
		if len(positional) < 1 {
			return fmt.Errorf("usage: queue requeue DLQ_ID")
		}
		id, err := rt.dispatcher.RequeueDLQ(ctx, positional[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "requeued as %s\n", id)
	case "workers":
		workers, err := rt.dispatcher.ListWorkers(ctx, limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "WORKER\tSTATUS\tCAPACITY\tLAST SEEN")
		for _, w := range workers {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", w.WorkerID, w.Status, w.Capacity, formatTime(&w.LastSeenAt))
		}
	case "events":
		events, err := rt.dispatcher.ListQueueEvents(ctx, distributed.QueueEventQuery{
			SessionID: flags.string("session", ""),
			TaskID:    flags.string("task", ""),
			Limit:     limit,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "TIME\tTASK\tSESSION\tEVENT\tERROR")
		for _, e := range events {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", formatTime(&e.At), e.TaskID, e.SessionID, e.Event, e.Payload["error"])
		}
	default:
		return fmt.Errorf("unknown queue command %q", args[0])
	}
	return nil
}

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/state"
	statefactory "github.com/PipeOpsHQ/procedure-engine/state/factory"
	"github.com/PipeOpsHQ/procedure-engine/taskdef"
)

func runTaskCLI(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: task import FILE | task show TASK_ID")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := statefactory.New(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	switch args[0] {
	case "import":
		_, err := importTask(ctx, store, args[1], stdout)
		return err
	case "show":
		task, err := store.LoadTask(ctx, strings.TrimSpace(args[1]))
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		printTask(stdout, task)
		return nil
	default:
		return fmt.Errorf("unknown task command %q", args[0])
	}
}

func importTask(ctx context.Context, store state.Store, path string, stdout io.Writer) (state.TaskRecord, error) {
	task, err := taskdef.Load(path)
	if err != nil {
		return state.TaskRecord{}, err
	}
	now := time.Now().UTC()
	if existing, err := store.LoadTask(ctx, task.TaskID); err == nil && existing.CreatedAt != nil {
		task.CreatedAt = existing.CreatedAt
	} else {
		task.CreatedAt = &now
	}
	task.UpdatedAt = &now
	if err := store.SaveTask(ctx, task); err != nil {
		return state.TaskRecord{}, fmt.Errorf("save task: %w", err)
	}
	fmt.Fprintf(stdout, "imported task %s (%d agents)\n", task.TaskID, len(task.Agents))
	return task, nil
}

func printTask(w io.Writer, task state.TaskRecord) {
	fmt.Fprintf(w, "task %s", task.TaskID)
	if task.Name != "" {
		fmt.Fprintf(w, " (%s)", task.Name)
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tROLE\tPREDECESSORS\tACTION")
	for _, agent := range task.Agents {
		action := task.AgentActions[agent.AgentID]
		kind := "model"
		switch {
		case action.UserInTheLoop:
			kind = "user-input"
		case action.ActionFunction != "":
			kind = "action:" + action.ActionFunction
		case len(action.ActionRules) > 0:
			kind = "rules"
		}
		preds := strings.Join(action.Predecessors, ",")
		if preds == "" {
			preds = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", agent.AgentID, agent.Role, preds, kind)
	}
	_ = tw.Flush()
}

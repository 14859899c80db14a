package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/state"
)

// cliFlags holds --name=value flags. A flag may repeat.
type cliFlags map[string][]string

func parseArgs(args []string) (cliFlags, []string) {
	flags := cliFlags{}
	positional := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "--") {
			positional = append(positional, arg)
			continue
		}
		name, value, ok := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !ok {
			value = "true"
		}
		flags[name] = append(flags[name], strings.TrimSpace(value))
	}
	return flags, positional
}

func (f cliFlags) string(name, fallback string) string {
	values := f[name]
	if len(values) == 0 || values[len(values)-1] == "" {
		return fallback
	}
	return values[len(values)-1]
}

func (f cliFlags) int(name string, fallback int) (int, error) {
	raw := f.string(name, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", name, err)
	}
	return n, nil
}

func (f cliFlags) duration(name string, fallback time.Duration) (time.Duration, error) {
	raw := f.string(name, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}

// subtasks parses repeated --subtask=AGENT=QUERY flags.
func (f cliFlags) subtasks() ([]state.SubtaskQuery, error) {
	out := make([]state.SubtaskQuery, 0, len(f["subtask"]))
	for _, raw := range f["subtask"] {
		agentID, query, ok := strings.Cut(raw, "=")
		agentID = strings.TrimSpace(agentID)
		if !ok || agentID == "" || strings.TrimSpace(query) == "" {
			return nil, fmt.Errorf("--subtask must look like AGENT=QUERY, got %q", raw)
		}
		out = append(out, state.SubtaskQuery{AgentID: agentID, SubtaskQuery: query})
	}
	return out, nil
}

func normalizeInput(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

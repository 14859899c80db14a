package procedure

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"
)

// Upstream is the result one predecessor node contributes to its successor.
type Upstream struct {
	AgentID   string
	AgentName string
	Output    string
	UserInput string
}

// Label names the producing agent for humans and for merged documents.
func (u Upstream) Label() string {
	if u.AgentName != "" {
		return u.AgentName
	}
	return u.AgentID
}

type ActionInput struct {
	SessionID      string
	SessionAgentID string
	AgentID        string
	AgentName      string
	TaskQuery      string
	SubtaskQuery   string
	UserInput      string
	Upstream       []Upstream
}

// ActionFunc is a deterministic post-processing step. Its return value
// becomes the node's output.
type ActionFunc func(ctx context.Context, in ActionInput) (string, error)

type ActionRegistry struct {
	mu    sync.RWMutex
	funcs map[string]ActionFunc
}

// NewActionRegistry returns a registry holding the built-in actions.
func NewActionRegistry() *ActionRegistry {
	r := &ActionRegistry{funcs: map[string]ActionFunc{}}
	r.funcs["join_outputs"] = joinOutputs
	r.funcs["merge_json"] = mergeJSON
	r.funcs["echo_user_input"] = echoUserInput
	return r
}

func (r *ActionRegistry) Register(name string, fn ActionFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("action name is required")
	}
	if fn == nil {
		return fmt.Errorf("action %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("action %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

func (r *ActionRegistry) Lookup(name string) (ActionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func joinOutputs(_ context.Context, in ActionInput) (string, error) {
	parts := make([]string, 0, len(in.Upstream))
	for _, u := range in.Upstream {
		if text := strings.TrimSpace(u.Output); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// mergeJSON builds one object keyed by upstream agent label. Outputs that
// are not valid JSON are repaired when possible and kept as strings
// otherwise.
func mergeJSON(_ context.Context, in ActionInput) (string, error) {
	merged := make(map[string]any, len(in.Upstream))
	for _, u := range in.Upstream {
		text := strings.TrimSpace(u.Output)
		if text == "" {
			text = strings.TrimSpace(u.UserInput)
		}
		if text == "" {
			continue
		}
		merged[u.Label()] = decodeLoose(text)
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("merge_json: %w", err)
	}
	return string(out), nil
}

func echoUserInput(_ context.Context, in ActionInput) (string, error) {
	if strings.TrimSpace(in.UserInput) == "" {
		return "", fmt.Errorf("echo_user_input: node has no user input")
	}
	return in.UserInput, nil
}

// decodeLoose parses text as JSON, repairing it first if needed. Text that
// cannot be recovered is returned unchanged.
func decodeLoose(text string) any {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	fixed, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return text
	}
	if err := json.Unmarshal([]byte(fixed), &v); err != nil {
		return text
	}
	return v
}

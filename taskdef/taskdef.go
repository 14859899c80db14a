// Package taskdef loads task definitions from YAML and validates them into
// state.TaskRecord values.
package taskdef

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/xeipuuv/gojsonschema"

	"github.com/PipeOpsHQ/procedure-engine/graph"
	"github.com/PipeOpsHQ/procedure-engine/state"
)

// Definition is the on-disk shape of a task.
type Definition struct {
	ID               string      `yaml:"id"`
	Name             string      `yaml:"name,omitempty"`
	InitialTaskQuery string      `yaml:"initial_task_query,omitempty"`
	Agents           []AgentSpec `yaml:"agents"`
}

type AgentSpec struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name,omitempty"`
	Role         state.AgentRole   `yaml:"role,omitempty"`
	SystemPrompt string            `yaml:"system_prompt,omitempty"`
	Model        string            `yaml:"model,omitempty"`
	SubtaskQuery string            `yaml:"subtask_query,omitempty"`
	Action       state.AgentAction `yaml:"action,omitempty"`
}

func Load(path string) (state.TaskRecord, error) {
	if strings.TrimSpace(path) == "" {
		return state.TaskRecord{}, fmt.Errorf("task definition path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return state.TaskRecord{}, fmt.Errorf("read task definition: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (state.TaskRecord, error) {
	var def Definition
	if err := yaml.UnmarshalWithOptions(data, &def, yaml.DisallowUnknownField()); err != nil {
		return state.TaskRecord{}, fmt.Errorf("decode task definition: %w", err)
	}
	task := def.Record()
	if err := Validate(task); err != nil {
		return state.TaskRecord{}, err
	}
	return task, nil
}

func (d Definition) Record() state.TaskRecord {
	task := state.TaskRecord{
		TaskID:           strings.TrimSpace(d.ID),
		Name:             d.Name,
		InitialTaskQuery: d.InitialTaskQuery,
		Agents:           make([]state.AgentDef, 0, len(d.Agents)),
		AgentActions:     make(map[string]state.AgentAction, len(d.Agents)),
	}
	for _, spec := range d.Agents {
		agent := state.AgentDef{
			AgentID:      strings.TrimSpace(spec.ID),
			Name:         spec.Name,
			Role:         spec.Role,
			SystemPrompt: spec.SystemPrompt,
			Model:        spec.Model,
			SubtaskQuery: spec.SubtaskQuery,
		}
		if agent.Role == "" {
			agent.Role = state.RoleTask
		}
		task.Agents = append(task.Agents, agent)
		task.AgentActions[agent.AgentID] = spec.Action
	}
	return task
}

// Validate checks ids, roles, action references and that the predecessor
// relation forms a DAG over the task's agents.
func Validate(task state.TaskRecord) error {
	if task.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	if len(task.Agents) == 0 {
		return fmt.Errorf("task %q has no agents", task.TaskID)
	}

	ids := make([]string, 0, len(task.Agents))
	for _, agent := range task.Agents {
		if strings.TrimSpace(agent.AgentID) == "" {
			return fmt.Errorf("task %q: agent id is required", task.TaskID)
		}
		switch agent.Role {
		case state.RoleTask, state.RoleTriage, state.RoleOrchestrator:
		default:
			return fmt.Errorf("task %q: agent %q has unknown role %q", task.TaskID, agent.AgentID, agent.Role)
		}
		action, ok := task.AgentActions[agent.AgentID]
		if !ok && agent.Role == state.RoleTask {
			return fmt.Errorf("task %q: agent %q has no action metadata", task.TaskID, agent.AgentID)
		}
		if action.ActionFunction != "" && len(action.ActionRules) > 0 {
			return fmt.Errorf("task %q: agent %q sets both action_function and action_rules", task.TaskID, agent.AgentID)
		}
		if len(action.ActionRules) > 0 {
			if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(action.ActionRules)); err != nil {
				return fmt.Errorf("task %q: agent %q action_rules is not a valid JSON schema: %w", task.TaskID, agent.AgentID, err)
			}
		}
		ids = append(ids, agent.AgentID)
	}

	preds := func(id string) []string { return task.AgentActions[id].Predecessors }
	if _, err := graph.FromPredecessors(task.TaskID, ids, preds, false); err != nil {
		return fmt.Errorf("task %q: %w", task.TaskID, err)
	}
	return nil
}

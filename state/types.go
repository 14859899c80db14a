package state

import (
	"time"

	"github.com/PipeOpsHQ/procedure-engine/types"
)

type SessionStatus string

const (
	SessionInitial    SessionStatus = "initial"
	SessionDispatched SessionStatus = "dispatched"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionTimeout    SessionStatus = "timeout"
)

// Terminal reports whether no further pass may change the session.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionTimeout
}

type NodeState string

const (
	NodeInitial          NodeState = "initial"
	NodePending          NodeState = "pending"
	NodeExecuting        NodeState = "executing"
	NodeWaitForUserInput NodeState = "wait_for_user_input"
	NodeCompleted        NodeState = "completed"
	NodeFailed           NodeState = "failed"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type AgentRole string

const (
	RoleTask         AgentRole = "task"
	RoleTriage       AgentRole = "triage"
	RoleOrchestrator AgentRole = "orchestrator"
)

// AgentDef describes one agent participating in a task.
type AgentDef struct {
	AgentID      string    `json:"agentId"`
	Name         string    `json:"name"`
	Role         AgentRole `json:"role"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Model        string    `json:"model,omitempty"`
	SubtaskQuery string    `json:"subtaskQuery,omitempty"`
}

// AgentAction is the per-agent execution metadata of a task. Nodes carry a
// snapshot copy taken when the graph is built.
type AgentAction struct {
	Predecessors   []string       `json:"predecessors,omitempty" yaml:"predecessors"`
	PrimaryPath    bool           `json:"primaryPath,omitempty" yaml:"primary_path"`
	ActionFunction string         `json:"actionFunction,omitempty" yaml:"action_function"`
	ActionRules    map[string]any `json:"actionRules,omitempty" yaml:"action_rules"`
	UserInTheLoop  bool           `json:"userInTheLoop,omitempty" yaml:"user_in_the_loop"`
}

type TaskRecord struct {
	TaskID           string                 `json:"taskId"`
	Name             string                 `json:"name,omitempty"`
	InitialTaskQuery string                 `json:"initialTaskQuery,omitempty"`
	Agents           []AgentDef             `json:"agents"`
	AgentActions     map[string]AgentAction `json:"agentActions"`
	CreatedAt        *time.Time             `json:"createdAt,omitempty"`
	UpdatedAt        *time.Time             `json:"updatedAt,omitempty"`
}

// Agent returns the definition for agentID.
func (t TaskRecord) Agent(agentID string) (AgentDef, bool) {
	for _, a := range t.Agents {
		if a.AgentID == agentID {
			return a, true
		}
	}
	return AgentDef{}, false
}

type SubtaskQuery struct {
	AgentID        string `json:"agentId"`
	SubtaskQuery   string `json:"subtaskQuery"`
	SessionAgentID string `json:"sessionAgentId,omitempty"`
}

type LogEntry struct {
	RunID   string    `json:"runId,omitempty"`
	AgentID string    `json:"agentId,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type SessionRecord struct {
	SessionID      string         `json:"sessionId"`
	TaskID         string         `json:"taskId"`
	TaskQuery      string         `json:"taskQuery"`
	UserID         string         `json:"userId,omitempty"`
	SubtaskQueries []SubtaskQuery `json:"subtaskQueries,omitempty"`
	Status         SessionStatus  `json:"status"`
	IterationCount int            `json:"iterationCount"`
	Logs           []LogEntry     `json:"logs,omitempty"`
	CreatedAt      *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt      *time.Time     `json:"updatedAt,omitempty"`
}

// AppendLog adds a log entry unless an identical message for the same agent
// is already present.
func (s *SessionRecord) AppendLog(entry LogEntry) {
	for _, existing := range s.Logs {
		if existing.AgentID == entry.AgentID && existing.RunID == entry.RunID && existing.Message == entry.Message {
			return
		}
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	s.Logs = append(s.Logs, entry)
}

// NodeRecord is one session agent: a vertex of the execution DAG.
type NodeRecord struct {
	SessionID      string      `json:"sessionId"`
	SessionAgentID string      `json:"sessionAgentId"`
	AgentID        string      `json:"agentId"`
	AgentName      string      `json:"agentName,omitempty"`
	AgentAction    AgentAction `json:"agentAction"`
	SubtaskQuery   string      `json:"subtaskQuery,omitempty"`
	State          NodeState   `json:"state"`
	InDegree       int         `json:"inDegree"`
	ReleasedBy     []string    `json:"releasedBy,omitempty"`
	AgentInput     string      `json:"agentInput,omitempty"`
	AgentOutput    string      `json:"agentOutput,omitempty"`
	UserInput      string      `json:"userInput,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	CreatedAt      *time.Time  `json:"createdAt,omitempty"`
	UpdatedAt      *time.Time  `json:"updatedAt,omitempty"`
}

// Ready reports whether the scheduler may select the node in this pass.
func (n NodeRecord) Ready() bool {
	return n.InDegree == 0 && (n.State == NodeInitial || n.State == NodePending)
}

// Release applies one predecessor's completion to the node. It returns false
// when that predecessor was already applied.
func (n *NodeRecord) Release(predecessorAgentID string) bool {
	for _, id := range n.ReleasedBy {
		if id == predecessorAgentID {
			return false
		}
	}
	n.ReleasedBy = append(n.ReleasedBy, predecessorAgentID)
	if n.InDegree > 0 {
		n.InDegree--
	}
	return true
}

type RunRecord struct {
	RunID          string     `json:"runId"`
	SessionID      string     `json:"sessionId"`
	SessionAgentID string     `json:"sessionAgentId,omitempty"`
	AgentID        string     `json:"agentId"`
	ThreadID       string     `json:"threadId"`
	JobID          string     `json:"jobId"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
}

type JobRecord struct {
	JobID     string       `json:"jobId"`
	RunID     string       `json:"runId,omitempty"`
	ThreadID  string       `json:"threadId,omitempty"`
	Status    JobStatus    `json:"status"`
	Result    string       `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
	Usage     *types.Usage `json:"usage,omitempty"`
	CreatedAt *time.Time   `json:"createdAt,omitempty"`
	UpdatedAt *time.Time   `json:"updatedAt,omitempty"`
}

type ThreadRecord struct {
	ThreadID  string          `json:"threadId"`
	Messages  []types.Message `json:"messages,omitempty"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
}

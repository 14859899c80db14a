package observe

import "time"

type Kind string

type Status string

const (
	KindSession      Kind = "session"
	KindNode         Kind = "node"
	KindPoll         Kind = "poll"
	KindContinuation Kind = "continuation"
	KindCustom       Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Event struct {
	ID             string         `json:"id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	SessionID      string         `json:"sessionId,omitempty"`
	SessionAgentID string         `json:"sessionAgentId,omitempty"`
	AgentID        string         `json:"agentId,omitempty"`
	Function       string         `json:"function,omitempty"`
	Kind           Kind           `json:"kind"`
	Status         Status         `json:"status,omitempty"`
	Name           string         `json:"name,omitempty"`
	Message        string         `json:"message,omitempty"`
	Error          string         `json:"error,omitempty"`
	DurationMs     int64          `json:"durationMs,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}

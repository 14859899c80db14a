package types

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"` // Producing agent for assistant messages.
}

type Request struct {
	Model           string    `json:"model,omitempty"`
	SystemPrompt    string    `json:"systemPrompt,omitempty"`
	Messages        []Message `json:"messages"`
	MaxOutputTokens int       `json:"maxOutputTokens,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
	TotalTokens  int `json:"totalTokens,omitempty"`
}

type Response struct {
	Message Message `json:"message"`
	Usage   *Usage  `json:"usage,omitempty"`
}

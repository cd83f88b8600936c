package retrieval

import (
	"context"
	"encoding/json"
)

// Message roles on the provider wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ChatMessage is one turn on the provider wire. Tool results are messages
// with RoleTool carrying the ToolCallID they answer.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	// IsError marks a failed tool result.
	IsError bool `json:"isError,omitempty"`
}

// ToolDef declares a tool the model may call.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// CompletionRequest is one model invocation.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []ToolDef
	Temperature float64
	MaxTokens   int
}

// Completion is the model's reply.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider abstracts an LLM backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

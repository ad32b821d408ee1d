// Package agent runs conversation turns: it drives the model, dispatches
// tool calls through the gateway, and streams progress to the caller.
package agent

// ChunkKind classifies a streamed event.
type ChunkKind string

const (
	ChunkText     ChunkKind = "text"
	ChunkToolCall ChunkKind = "tool_call"
	ChunkDone     ChunkKind = "done"
	ChunkError    ChunkKind = "error"
)

// Chunk is one streamed event of an in-flight turn.
type Chunk struct {
	Kind    ChunkKind `json:"kind"`
	Content string    `json:"content,omitempty"`
}

// Message is a single entry of the conversation sent to the model.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// ToolSpec describes a callable tool advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// TokenUsage reports token consumption of a single model call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

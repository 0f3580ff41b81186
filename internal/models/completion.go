package models

import "strings"

const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
)

// FinishReason is the closed set of normalized termination causes. A nil
// *FinishReason on a chunk means the stream has not terminated yet.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishFunctionCall  FinishReason = "function_call"
)

// Valid reports whether f is one of the normalized values.
func (f FinishReason) Valid() bool {
	switch f {
	case FinishStop, FinishLength, FinishContentFilter, FinishToolCalls, FinishFunctionCall:
		return true
	}
	return false
}

// Ptr returns a pointer to f for use on chunks.
func (f FinishReason) Ptr() *FinishReason {
	return &f
}

// ParseFinishReason maps the OpenAI vocabulary, case-insensitively. Empty
// strings and the literal "null" report false.
func ParseFinishReason(s string) (FinishReason, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "null" {
		return "", false
	}
	f := FinishReason(s)
	if f.Valid() {
		return f, true
	}
	return "", false
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage builds usage, deriving the total when the provider omitted it.
func NewUsage(prompt, completion, total int) Usage {
	if total == 0 {
		total = prompt + completion
	}
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}
}

// IsZero reports whether no token counts were recorded.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// Choice is one alternative in a complete response.
type Choice struct {
	Index        int          `json:"index"`
	Message      ChatMessage  `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
}

// ChatCompletion is a complete, normalized response.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Content returns the first choice's text.
func (c *ChatCompletion) Content() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Message.Text()
}

// Delta holds only the increment carried by one chunk.
type Delta struct {
	Role         Role          `json:"role,omitempty"`
	Content      string        `json:"content,omitempty"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// ChunkChoice is one alternative's increment.
type ChunkChoice struct {
	Index        int           `json:"index"`
	Delta        Delta         `json:"delta"`
	FinishReason *FinishReason `json:"finish_reason"`
}

// ChatCompletionChunk is one element of a normalized stream.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// NewChunk builds a single-choice chunk.
func NewChunk(id, model string, created int64, delta Delta, finish *FinishReason) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      id,
		Object:  ObjectChatCompletionChunk,
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

// NewCompletion builds a single-choice assistant response.
func NewCompletion(id, model string, created int64, content string, finish FinishReason, usage Usage) *ChatCompletion {
	return &ChatCompletion{
		ID:      id,
		Object:  ObjectChatCompletion,
		Created: created,
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      ChatMessage{Role: RoleAssistant, Content: content},
			FinishReason: finish,
		}},
		Usage: usage,
	}
}

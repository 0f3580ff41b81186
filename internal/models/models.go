package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleFunction  Role = "function"
)

var (
	errEmptyModel     = errors.New("model must be provided")
	errEmptyMessages  = errors.New("at least one message is required")
	errInvalidRole    = errors.New("invalid role")
	errInvalidContent = errors.New("invalid message content")
	errInvalidStop    = errors.New("unsupported stop value")
)

var allowedRoles = map[Role]struct{}{
	RoleSystem:    {},
	RoleUser:      {},
	RoleAssistant: {},
	RoleTool:      {},
	RoleFunction:  {},
}

// ContentPart is one element of an array-valued message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image attached to a message.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ChatMessage is a single conversational turn. Content holds plain text;
// Parts is set instead when the message carried an array of content parts.
type ChatMessage struct {
	Role       Role
	Content    string
	Parts      []ContentPart
	Name       string
	ToolCalls  []ToolCall
	ToolCallID string
}

type chatMessageJSON struct {
	Role       Role            `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// Text returns the textual content, concatenating text parts when needed.
func (m ChatMessage) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, part := range m.Parts {
		if part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// MarshalJSON renders content as a string, or as parts when present.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	var content json.RawMessage
	var err error
	if len(m.Parts) > 0 {
		content, err = json.Marshal(m.Parts)
	} else {
		content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(chatMessageJSON{
		Role:       m.Role,
		Content:    content,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	})
}

// UnmarshalJSON accepts string, null and array-of-parts content.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var raw chatMessageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	m.Role = Role(strings.TrimSpace(string(raw.Role)))
	m.Name = strings.TrimSpace(raw.Name)
	m.ToolCalls = raw.ToolCalls
	m.ToolCallID = raw.ToolCallID
	m.Content = ""
	m.Parts = nil

	trimmed := strings.TrimSpace(string(raw.Content))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw.Content, &text); err == nil {
		m.Content = text
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(raw.Content, &parts); err != nil {
		return fmt.Errorf("%w: unsupported content structure", errInvalidContent)
	}
	for _, part := range parts {
		switch part.Type {
		case "text", "image_url":
		default:
			return fmt.Errorf("%w: segment type %q not supported", errInvalidContent, part.Type)
		}
	}
	m.Parts = parts
	return nil
}

// Validate checks role and content.
func (m ChatMessage) Validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
		return nil
	}
	if strings.TrimSpace(m.Text()) == "" && len(m.Parts) == 0 {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	return nil
}

// FunctionDefinition describes a callable function offered to the model.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Tool wraps a function definition in the tools array format.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionCall is a model-issued call with JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolCall is a model-issued tool invocation. Index is set on stream deltas.
type ToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// ChatCompletionCreateParams is the provider-independent request. Stream
// selects between a complete response and a chunk stream.
type ChatCompletionCreateParams struct {
	Model            string               `json:"model"`
	Messages         []ChatMessage        `json:"messages"`
	Stream           bool                 `json:"stream,omitempty"`
	Temperature      *float64             `json:"temperature,omitempty"`
	TopP             *float64             `json:"top_p,omitempty"`
	TopK             *int                 `json:"top_k,omitempty"`
	MaxTokens        *int                 `json:"max_tokens,omitempty"`
	PresencePenalty  *float64             `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64             `json:"frequency_penalty,omitempty"`
	Stop             Stop                 `json:"stop,omitempty"`
	N                *int                 `json:"n,omitempty"`
	Seed             *int                 `json:"seed,omitempty"`
	Functions        []FunctionDefinition `json:"functions,omitempty"`
	Tools            []Tool               `json:"tools,omitempty"`
	User             string               `json:"user,omitempty"`
}

// Validate performs request sanity checks shared by every provider.
func (p ChatCompletionCreateParams) Validate() error {
	if strings.TrimSpace(p.Model) == "" {
		return errEmptyModel
	}
	if len(p.Messages) == 0 {
		return errEmptyMessages
	}
	for i, msg := range p.Messages {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	return nil
}

// SplitSystem returns the content of a leading system message and the
// remaining messages. Only position 0 is eligible.
func (p ChatCompletionCreateParams) SplitSystem() (string, []ChatMessage) {
	if len(p.Messages) > 0 && p.Messages[0].Role == RoleSystem {
		return p.Messages[0].Text(), p.Messages[1:]
	}
	return "", p.Messages
}

// LastUserMessage returns the most recent user turn.
func (p ChatCompletionCreateParams) LastUserMessage() (ChatMessage, bool) {
	for i := len(p.Messages) - 1; i >= 0; i-- {
		if p.Messages[i].Role == RoleUser {
			return p.Messages[i], true
		}
	}
	return ChatMessage{}, false
}

// Stop holds stop sequences; on the wire it is a string or an array.
type Stop []string

// UnmarshalJSON accepts a single string or an array of strings.
func (s *Stop) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*s = nil
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return errInvalidStop
		}
		*s = Stop{single}
		return nil
	}

	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return errInvalidStop
	}
	out := make(Stop, 0, len(multi))
	for _, item := range multi {
		if strings.TrimSpace(item) == "" {
			return errInvalidStop
		}
		out = append(out, item)
	}
	*s = out
	return nil
}

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ContentPart is one element of a multi-part message body.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an inline (data: URI) or remote image reference.
type ImageURL struct {
	URL string `json:"url"`
}

// Message represents a single message in a conversation. Content may be a
// plain string or an ordered list of parts; Parts takes precedence when set.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	Parts      []ContentPart `json:"-"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
}

// messageWire mirrors Message for JSON with a polymorphic content field.
type messageWire struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
}

// UnmarshalJSON accepts both string and part-array content shapes.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Name = w.Name
	m.ToolCallID = w.ToolCallID
	m.ToolCalls = w.ToolCalls

	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	if w.Content[0] == '"' {
		return json.Unmarshal(w.Content, &m.Content)
	}
	if w.Content[0] == '[' {
		if err := json.Unmarshal(w.Content, &m.Parts); err != nil {
			return fmt.Errorf("message content parts: %w", err)
		}
		return nil
	}
	return fmt.Errorf("message content must be a string or an array of parts")
}

// MarshalJSON emits the part array when present, a string otherwise.
func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{
		Role:       m.Role,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
		ToolCalls:  m.ToolCalls,
	}
	var err error
	if len(m.Parts) > 0 {
		w.Content, err = json.Marshal(m.Parts)
	} else {
		w.Content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Text returns the textual content of the message, concatenating text parts
// when the message is multi-part.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" || p.Type == "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// HasImages reports whether the message carries any image parts.
func (m Message) HasImages() bool {
	for _, p := range m.Parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// ChatOptions carries per-request options parsed at gateway entry. Fields
// tagged json:"-" are internal-only: they are never read from or written to
// the wire form, and the canonical LLM client does not pass them to providers.
type ChatOptions struct {
	ModelID            string         `json:"model_id"`
	MaxTokens          int            `json:"max_tokens,omitempty"`
	Temperature        float64        `json:"temperature,omitempty"`
	TopP               float64        `json:"top_p,omitempty"`
	RequestID          string         `json:"request_id,omitempty"`
	ConversationID     string         `json:"conversation_id,omitempty"`
	AssistantID        string         `json:"assistant_id,omitempty"`
	AccountID          string         `json:"account_id,omitempty"`
	ReasoningLevel     string         `json:"reasoning_level,omitempty"`
	EnableWebSearch    bool           `json:"enable_web_search,omitempty"`
	RateLimit          *Limit         `json:"rate_limit,omitempty"`
	SkipRAG            bool           `json:"skip_rag,omitempty"`
	RAGOnly            bool           `json:"rag_only,omitempty"`
	MCPClientSide      bool           `json:"mcp_client_side,omitempty"`
	TrackConversations bool           `json:"track_conversations,omitempty"`
	DataSourceOptions  map[string]any `json:"data_source_options,omitempty"`

	// Internal-only flags. Never serialized to providers.
	SkipHistoricalContext bool `json:"-"`
	SmartMessagesFiltered bool `json:"-"`
	IsInternalCall        bool `json:"-"`
	KeepStreamOpen        bool `json:"-"`
}

// ChatRequest is the canonical request flowing through the gateway.
type ChatRequest struct {
	Messages     []Message    `json:"messages"`
	Options      ChatOptions  `json:"options"`
	DataSources  []DataSource `json:"data_sources,omitempty"`
	ImageSources []DataSource `json:"image_sources,omitempty"`

	// Workflow is the optional step graph attached by a workflow assistant.
	Workflow *Workflow `json:"workflow,omitempty"`
}

// LastUserMessage returns a pointer to the final user-role message, or nil.
func (r *ChatRequest) LastUserMessage() *Message {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return &r.Messages[i]
		}
	}
	return nil
}

// Usage tracks token consumption for one provider call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult is the terminal assistant message plus observed token counts.
type ChatResult struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`

	// PendingMCPToolCalls is set when client-side MCP mode deferred tool
	// execution to the caller.
	PendingMCPToolCalls bool `json:"pending_mcp_tool_calls,omitempty"`
}

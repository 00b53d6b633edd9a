package codec

import (
	"encoding/json"
	"strings"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatRequest is the protocol-neutral model of an inbound chat request.
// Every provider format decodes into this and encodes back out of it.
type ChatRequest struct {
	Model       string
	Messages    []Message
	System      *string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Stream      bool
	Stop        []string
	Tools       []Tool
	ToolChoice  *ToolChoice
}

// Message is a single turn in a conversation.
type Message struct {
	Role       Role
	Content    Content
	ToolCalls  []ToolCall // assistant messages only
	ToolCallID string     // tool messages only
	Name       string     // tool name, used by Gemini function responses
}

// Content is either plain text or an ordered list of parts.
// When Parts is non-nil it takes precedence over Text.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent wraps a plain string.
func TextContent(s string) Content {
	return Content{Text: s}
}

// PartsContent wraps a part list.
func PartsContent(parts []ContentPart) Content {
	if parts == nil {
		parts = []ContentPart{}
	}
	return Content{Parts: parts}
}

// IsParts reports whether the content is the part-list variant.
func (c Content) IsParts() bool {
	return c.Parts != nil
}

// ToText joins all text parts, or returns the plain string.
func (c Content) ToText() string {
	if c.Parts == nil {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// IsEmpty reports whether the content carries nothing.
func (c Content) IsEmpty() bool {
	if c.Parts != nil {
		return len(c.Parts) == 0
	}
	return c.Text == ""
}

// Normalize collapses a single-text-part list into the plain-text variant,
// keeping output compatible with encoders that prefer bare strings.
func (c Content) Normalize() Content {
	if len(c.Parts) == 1 && c.Parts[0].Type == PartText {
		return Content{Text: c.Parts[0].Text}
	}
	return c
}

// MarshalJSON emits a bare string for text content and an array for parts.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either a JSON string or an array of parts.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		if parts == nil {
			parts = []ContentPart{}
		}
		*c = Content{Parts: parts}
		return nil
	}
	if trimmed == "null" {
		*c = Content{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = Content{Text: s}
	return nil
}

// Part types.
const (
	PartText  = "text"
	PartImage = "image"
)

// ContentPart is one element of multimodal content.
type ContentPart struct {
	Type      string  `json:"type"`
	Text      string  `json:"text,omitempty"`
	URL       *string `json:"url,omitempty"`
	MediaType *string `json:"media_type,omitempty"`
	Data      *string `json:"data,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// Tool declares a callable function offered to the model.
type Tool struct {
	Name        string
	Description *string
	Parameters  json.RawMessage // JSON schema
}

// Tool-choice modes.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
	ToolChoiceAny  = "any"
	ToolChoiceTool = "tool"
)

// ToolChoice constrains which tool the model may call.
// Name is set only for the ToolChoiceTool mode.
type ToolChoice struct {
	Mode string
	Name string
}

// ToolCall is a completed function invocation request from the model.
// Arguments is always a JSON-encoded string, never a parsed value.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// FinishReason of a response or stream.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// Usage reports token accounting from the upstream.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      *int
}

// Total returns total tokens, computing it when the upstream omitted it.
func (u Usage) Total() int {
	if u.TotalTokens != nil {
		return *u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// ChatResponse is the protocol-neutral model of a complete response.
type ChatResponse struct {
	ID           string
	Model        string
	Message      Message
	FinishReason *FinishReason
	Usage        *Usage
}

// StreamChunk is one incremental event of a streaming response.
// Chunks are append-only: text deltas concatenate, and tool-call deltas
// fold by Index into the in-flight call.
type StreamChunk struct {
	ID             string
	Model          *string
	DeltaRole      *Role
	DeltaContent   *string
	DeltaToolCalls []ToolCallDelta
	FinishReason   *FinishReason
	Usage          *Usage
}

// ToolCallDelta is a fragment of an in-flight tool call. The first delta
// for an index carries ID and Name; later deltas append Arguments text.
type ToolCallDelta struct {
	Index     int
	ID        *string
	Name      *string
	Arguments *string
}

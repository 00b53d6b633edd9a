package codec

import (
	"encoding/json"
	"strings"

	"github.com/relaymux/relaymux/pkg/errors"
)

// anthropicCodec speaks the Anthropic Messages API, including its typed
// SSE event stream.
type anthropicCodec struct{}

const anthropicDefaultMaxTokens = 4096

// Wire types.

type antRequest struct {
	Model         string          `json:"model"`
	Messages      []antMessage    `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Stream        *bool           `json:"stream,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []antTool       `json:"tools,omitempty"`
	ToolChoice    *antToolChoice  `json:"tool_choice,omitempty"`
}

type antMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type antTool struct {
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type antToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// antContentBlock is the lenient decode shape for every block type.
type antContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *antImageSource `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type antImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type antResponse struct {
	ID         string            `json:"id"`
	Model      string            `json:"model"`
	Role       string            `json:"role"`
	Content    []antContentBlock `json:"content"`
	StopReason *string           `json:"stop_reason,omitempty"`
	Usage      *antUsage         `json:"usage,omitempty"`
}

type antUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// antStreamEvent covers every event type the Messages stream emits.
type antStreamEvent struct {
	Type         string           `json:"type"`
	Message      *antResponse     `json:"message,omitempty"`
	Index        *int             `json:"index,omitempty"`
	ContentBlock *antContentBlock `json:"content_block,omitempty"`
	Delta        json.RawMessage  `json:"delta,omitempty"`
	Usage        *antUsage        `json:"usage,omitempty"`
}

// Conversion helpers.

func antStopToIR(stop string) FinishReason {
	switch stop {
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	default:
		// end_turn, stop_sequence
		return FinishStop
	}
}

func irFinishToAntStop(fr FinishReason) string {
	switch fr {
	case FinishLength:
		return "max_tokens"
	case FinishToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

// antSystemToIR accepts the system prompt as a string or as an array of
// text blocks, joining the latter with newlines.
func antSystemToIR(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	var blocks []antContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var texts []string
		for _, b := range blocks {
			if b.Type == "text" {
				texts = append(texts, b.Text)
			}
		}
		joined := strings.Join(texts, "\n")
		return &joined
	}
	return nil
}

// antToolResultText flattens a tool_result block's content to a string.
// Non-string content is re-serialized as JSON.
func antToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []antContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var texts []string
		for _, b := range blocks {
			if b.Type == "text" {
				texts = append(texts, b.Text)
			}
		}
		if len(texts) > 0 {
			return strings.Join(texts, "\n")
		}
	}
	return string(raw)
}

func antBlocksToIRContent(blocks []antContentBlock) Content {
	parts := []ContentPart{}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, TextPart(b.Text))
		case "image":
			if b.Source == nil {
				continue
			}
			part := ContentPart{Type: PartImage}
			if b.Source.URL != "" {
				u := b.Source.URL
				part.URL = &u
			}
			if b.Source.Data != "" {
				d := b.Source.Data
				part.Data = &d
			}
			if b.Source.MediaType != "" {
				m := b.Source.MediaType
				part.MediaType = &m
			}
			parts = append(parts, part)
		}
	}
	return PartsContent(parts).Normalize()
}

func irContentToAntBlocks(content Content) []antContentBlock {
	if !content.IsParts() {
		return []antContentBlock{{Type: "text", Text: content.Text}}
	}
	blocks := []antContentBlock{}
	for _, p := range content.Parts {
		switch p.Type {
		case PartText:
			blocks = append(blocks, antContentBlock{Type: "text", Text: p.Text})
		case PartImage:
			src := &antImageSource{}
			if p.Data != nil {
				src.Type = "base64"
				src.Data = *p.Data
				if p.MediaType != nil {
					src.MediaType = *p.MediaType
				} else {
					src.MediaType = "image/png"
				}
			} else if p.URL != nil {
				src.Type = "url"
				src.URL = *p.URL
			} else {
				continue
			}
			blocks = append(blocks, antContentBlock{Type: "image", Source: src})
		}
	}
	return blocks
}

// Decoder.

func (c *anthropicCodec) DecodeRequest(body []byte) (*ChatRequest, error) {
	var req antRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.NewCodec(err.Error())
	}

	messages := []Message{}
	for _, m := range req.Messages {
		role := oaiRoleToIR(m.Role)

		var text string
		if err := json.Unmarshal(m.Content, &text); err == nil {
			messages = append(messages, Message{Role: role, Content: TextContent(text)})
			continue
		}

		var blocks []antContentBlock
		if err := json.Unmarshal(m.Content, &blocks); err != nil {
			return nil, errors.NewCodec("invalid message content")
		}

		if role == RoleAssistant {
			var toolCalls []ToolCall
			for _, b := range blocks {
				if b.Type == "tool_use" {
					args := string(b.Input)
					if args == "" {
						args = "{}"
					}
					toolCalls = append(toolCalls, ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
				}
			}
			messages = append(messages, Message{
				Role:      RoleAssistant,
				Content:   antBlocksToIRContent(blocks),
				ToolCalls: toolCalls,
			})
			continue
		}

		// User messages may interleave tool_result blocks with regular
		// content. Each tool_result becomes its own tool message; any
		// remaining content follows as a user message.
		hasNonTool := false
		for _, b := range blocks {
			switch b.Type {
			case "tool_result":
				messages = append(messages, Message{
					Role:       RoleTool,
					Content:    TextContent(antToolResultText(b.Content)),
					ToolCallID: b.ToolUseID,
				})
			default:
				hasNonTool = true
			}
		}
		if hasNonTool {
			messages = append(messages, Message{Role: role, Content: antBlocksToIRContent(blocks)})
		}
	}

	var tools []Tool
	for _, t := range req.Tools {
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		tools = append(tools, Tool{Name: t.Name, Description: t.Description, Parameters: params})
	}

	var toolChoice *ToolChoice
	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto":
			toolChoice = &ToolChoice{Mode: ToolChoiceAuto}
		case "any":
			toolChoice = &ToolChoice{Mode: ToolChoiceAny}
		case "tool":
			toolChoice = &ToolChoice{Mode: ToolChoiceTool, Name: req.ToolChoice.Name}
		case "none":
			toolChoice = &ToolChoice{Mode: ToolChoiceNone}
		}
	}

	// max_tokens is required on the wire; 0 means the field was absent, and
	// the encode side substitutes the default rather than sending 0 upstream.
	var maxTokens *int
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		maxTokens = &mt
	}
	stream := req.Stream != nil && *req.Stream

	return &ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		System:      antSystemToIR(req.System),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   maxTokens,
		Stream:      stream,
		Stop:        req.StopSequences,
		Tools:       tools,
		ToolChoice:  toolChoice,
	}, nil
}

func (c *anthropicCodec) DecodeResponse(body []byte) (*ChatResponse, error) {
	var resp antResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.NewCodec(err.Error())
	}

	var texts []string
	var toolCalls []ToolCall
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "tool_use":
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}

	var finish *FinishReason
	if resp.StopReason != nil {
		fr := antStopToIR(*resp.StopReason)
		finish = &fr
	}
	finish = overrideFinishForToolCalls(finish, toolCalls)

	var usage *Usage
	if resp.Usage != nil {
		total := resp.Usage.InputTokens + resp.Usage.OutputTokens
		usage = &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      &total,
		}
	}

	return &ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Message: Message{
			Role:      RoleAssistant,
			Content:   TextContent(strings.Join(texts, "")),
			ToolCalls: toolCalls,
		},
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

func (c *anthropicCodec) DecodeStreamChunk(data string) (*StreamChunk, error) {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" || c.IsStreamDone(trimmed) {
		return nil, nil
	}

	var event antStreamEvent
	if err := json.Unmarshal([]byte(trimmed), &event); err != nil {
		return nil, errors.NewCodec(err.Error())
	}

	switch event.Type {
	case "message_start":
		if event.Message == nil {
			return nil, nil
		}
		role := RoleAssistant
		model := event.Message.Model
		chunk := &StreamChunk{
			ID:        event.Message.ID,
			Model:     &model,
			DeltaRole: &role,
		}
		if event.Message.Usage != nil {
			total := event.Message.Usage.InputTokens + event.Message.Usage.OutputTokens
			chunk.Usage = &Usage{
				PromptTokens:     event.Message.Usage.InputTokens,
				CompletionTokens: event.Message.Usage.OutputTokens,
				TotalTokens:      &total,
			}
		}
		return chunk, nil

	case "content_block_start":
		if event.ContentBlock == nil || event.ContentBlock.Type != "tool_use" {
			return nil, nil
		}
		index := 0
		if event.Index != nil {
			index = *event.Index
		}
		id := event.ContentBlock.ID
		name := event.ContentBlock.Name
		return &StreamChunk{
			DeltaToolCalls: []ToolCallDelta{{Index: index, ID: &id, Name: &name}},
		}, nil

	case "content_block_delta":
		var delta struct {
			Type        string `json:"type"`
			Text        string `json:"text,omitempty"`
			PartialJSON string `json:"partial_json,omitempty"`
		}
		if err := json.Unmarshal(event.Delta, &delta); err != nil {
			return nil, errors.NewCodec(err.Error())
		}
		switch delta.Type {
		case "text_delta":
			text := delta.Text
			return &StreamChunk{DeltaContent: &text}, nil
		case "input_json_delta":
			index := 0
			if event.Index != nil {
				index = *event.Index
			}
			args := delta.PartialJSON
			return &StreamChunk{
				DeltaToolCalls: []ToolCallDelta{{Index: index, Arguments: &args}},
			}, nil
		}
		return nil, nil

	case "message_delta":
		var delta struct {
			StopReason *string `json:"stop_reason,omitempty"`
		}
		if len(event.Delta) > 0 {
			if err := json.Unmarshal(event.Delta, &delta); err != nil {
				return nil, errors.NewCodec(err.Error())
			}
		}
		chunk := &StreamChunk{}
		if delta.StopReason != nil {
			fr := antStopToIR(*delta.StopReason)
			chunk.FinishReason = &fr
		}
		if event.Usage != nil {
			chunk.Usage = &Usage{
				PromptTokens:     0,
				CompletionTokens: event.Usage.OutputTokens,
			}
		}
		if chunk.FinishReason == nil && chunk.Usage == nil {
			return nil, nil
		}
		return chunk, nil
	}

	// content_block_stop, ping: nothing to forward.
	return nil, nil
}

func (c *anthropicCodec) IsStreamDone(data string) bool {
	return strings.Contains(data, `"type":"message_stop"`) ||
		strings.Contains(data, `"type": "message_stop"`)
}

// Encoder.

func (c *anthropicCodec) EncodeRequest(req *ChatRequest, model string) ([]byte, error) {
	messages := []antMessage{}

	appendMessage := func(role string, blocks []antContentBlock) {
		raw, _ := json.Marshal(blocks)
		messages = append(messages, antMessage{Role: role, Content: raw})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			// System goes in the top-level field, never the message list.
			continue

		case RoleAssistant:
			blocks := []antContentBlock{}
			if !msg.Content.IsEmpty() {
				blocks = irContentToAntBlocks(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, antContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				blocks = []antContentBlock{{Type: "text", Text: ""}}
			}
			appendMessage("assistant", blocks)

		case RoleTool:
			resultRaw, _ := json.Marshal(msg.Content.ToText())
			block := antContentBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   resultRaw,
			}
			// Tool results ride in a user message. Merge into the previous
			// message only when it is a user message made entirely of
			// tool_result blocks.
			merged := false
			if len(messages) > 0 {
				last := &messages[len(messages)-1]
				if last.Role == "user" {
					var blocks []antContentBlock
					if err := json.Unmarshal(last.Content, &blocks); err == nil && len(blocks) > 0 {
						allResults := true
						for _, b := range blocks {
							if b.Type != "tool_result" {
								allResults = false
								break
							}
						}
						if allResults {
							blocks = append(blocks, block)
							raw, _ := json.Marshal(blocks)
							last.Content = raw
							merged = true
						}
					}
				}
			}
			if !merged {
				appendMessage("user", []antContentBlock{block})
			}

		default:
			appendMessage("user", irContentToAntBlocks(msg.Content))
		}
	}

	var system json.RawMessage
	if req.System != nil {
		system, _ = json.Marshal(*req.System)
	}

	maxTokens := anthropicDefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	var tools []antTool
	for _, t := range req.Tools {
		tools = append(tools, antTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	var toolChoice *antToolChoice
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case ToolChoiceAny:
			toolChoice = &antToolChoice{Type: "any"}
		case ToolChoiceTool:
			toolChoice = &antToolChoice{Type: "tool", Name: req.ToolChoice.Name}
		default:
			// The API has no "none"; "auto" is the closest behavior.
			toolChoice = &antToolChoice{Type: "auto"}
		}
	}

	out := antRequest{
		Model:         model,
		Messages:      messages,
		System:        system,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Tools:         tools,
		ToolChoice:    toolChoice,
	}
	if req.Stream {
		t := true
		out.Stream = &t
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, errors.NewCodec(err.Error())
	}
	return b, nil
}

func (c *anthropicCodec) EncodeResponse(resp *ChatResponse) ([]byte, error) {
	content := []antContentBlock{}
	if text := resp.Message.Content.ToText(); text != "" {
		content = append(content, antContentBlock{Type: "text", Text: text})
	}
	for _, tc := range resp.Message.ToolCalls {
		input := json.RawMessage(tc.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		content = append(content, antContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}

	var stopReason *string
	if resp.FinishReason != nil {
		s := irFinishToAntStop(*resp.FinishReason)
		stopReason = &s
	}

	var usage *antUsage
	if resp.Usage != nil {
		usage = &antUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	out := struct {
		ID         string            `json:"id"`
		Type       string            `json:"type"`
		Role       string            `json:"role"`
		Model      string            `json:"model"`
		Content    []antContentBlock `json:"content"`
		StopReason *string           `json:"stop_reason,omitempty"`
		Usage      *antUsage         `json:"usage,omitempty"`
	}{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    content,
		StopReason: stopReason,
		Usage:      usage,
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, errors.NewCodec(err.Error())
	}
	return b, nil
}

// EncodeStreamChunk emits typed event blocks; each block is
// "event: <name>\ndata: <json>" and blocks are joined with blank lines
// so the transducer forwards them as separate SSE events.
func (c *anthropicCodec) EncodeStreamChunk(chunk *StreamChunk) (string, error) {
	var events []string
	push := func(name string, payload any) {
		if b, err := json.Marshal(payload); err == nil {
			events = append(events, "event: "+name+"\ndata: "+string(b))
		}
	}

	if chunk.DeltaRole != nil && chunk.ID != "" {
		usage := antUsage{}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		model := ""
		if chunk.Model != nil {
			model = *chunk.Model
		}
		push("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      chunk.ID,
				"type":    "message",
				"role":    "assistant",
				"model":   model,
				"content": []any{},
				"usage":   usage,
			},
		})
		push("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
	}

	if chunk.DeltaContent != nil && *chunk.DeltaContent != "" {
		push("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": *chunk.DeltaContent},
		})
	}

	for _, tc := range chunk.DeltaToolCalls {
		// Tool content blocks sit after the index-0 text block.
		blockIndex := tc.Index + 1
		if tc.ID != nil && tc.Name != nil {
			push("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": blockIndex,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    *tc.ID,
					"name":  *tc.Name,
					"input": map[string]any{},
				},
			})
		}
		if tc.Arguments != nil {
			push("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": blockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": *tc.Arguments},
			})
		}
	}

	if chunk.FinishReason != nil {
		usage := antUsage{}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		push("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": 0,
		})
		push("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": irFinishToAntStop(*chunk.FinishReason)},
			"usage": usage,
		})
	}

	if len(events) == 0 {
		return "", nil
	}
	return strings.Join(events, "\n\n"), nil
}

func (c *anthropicCodec) StreamDoneSignal() string {
	return "event: message_stop\ndata: {\"type\":\"message_stop\"}"
}

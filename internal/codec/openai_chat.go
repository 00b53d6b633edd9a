package codec

import (
	"encoding/json"
	"strings"

	"github.com/relaymux/relaymux/pkg/errors"
)

// openAIChatCodec speaks the OpenAI Chat Completions wire format.
type openAIChatCodec struct{}

// Wire types.

type oaiRequest struct {
	Model         string            `json:"model"`
	Messages      []oaiMessage      `json:"messages"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	Stream        *bool             `json:"stream,omitempty"`
	Stop          json.RawMessage   `json:"stop,omitempty"`
	Tools         []oaiTool         `json:"tools,omitempty"`
	ToolChoice    json.RawMessage   `json:"tool_choice,omitempty"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []oaiToolCall   `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

type oaiToolCall struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiTool struct {
	Type     string          `json:"type"`
	Function oaiToolFunction `json:"function"`
}

type oaiToolFunction struct {
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type oaiResponse struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Model   string      `json:"model"`
	Choices []oaiChoice `json:"choices"`
	Usage   *oaiUsage   `json:"usage,omitempty"`
}

type oaiChoice struct {
	Index        int        `json:"index"`
	Message      oaiMessage `json:"message"`
	FinishReason *string    `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiStreamChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Model   *string           `json:"model,omitempty"`
	Choices []oaiStreamChoice `json:"choices"`
	Usage   *oaiUsage         `json:"usage,omitempty"`
}

type oaiStreamChoice struct {
	Index        int            `json:"index"`
	Delta        oaiStreamDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type oaiStreamDelta struct {
	Role      *string             `json:"role,omitempty"`
	Content   *string             `json:"content,omitempty"`
	ToolCalls []oaiStreamToolCall `json:"tool_calls,omitempty"`
}

type oaiStreamToolCall struct {
	Index    int                `json:"index"`
	ID       *string            `json:"id,omitempty"`
	Type     *string            `json:"type,omitempty"`
	Function *oaiStreamFunction `json:"function,omitempty"`
}

type oaiStreamFunction struct {
	Name      *string `json:"name,omitempty"`
	Arguments *string `json:"arguments,omitempty"`
}

// Conversion helpers.

func oaiRoleToIR(role string) Role {
	switch role {
	case "system":
		return RoleSystem
	case "assistant":
		return RoleAssistant
	case "tool":
		return RoleTool
	default:
		return RoleUser
	}
}

func oaiContentToIR(raw json.RawMessage) Content {
	if len(raw) == 0 {
		return TextContent("")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return TextContent(s)
	}
	var arr []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		parts := []ContentPart{}
		for _, p := range arr {
			var typ string
			if err := json.Unmarshal(p["type"], &typ); err != nil {
				continue
			}
			switch typ {
			case "text":
				var text string
				if err := json.Unmarshal(p["text"], &text); err == nil {
					parts = append(parts, TextPart(text))
				}
			case "image_url":
				var img struct {
					URL string `json:"url"`
				}
				if err := json.Unmarshal(p["image_url"], &img); err == nil {
					url := img.URL
					parts = append(parts, ContentPart{Type: PartImage, URL: &url})
				}
			}
		}
		return PartsContent(parts).Normalize()
	}
	return TextContent("")
}

func irContentToOAI(content Content) json.RawMessage {
	if !content.IsParts() {
		b, _ := json.Marshal(content.Text)
		return b
	}
	out := make([]map[string]any, 0, len(content.Parts))
	for _, p := range content.Parts {
		switch p.Type {
		case PartText:
			out = append(out, map[string]any{"type": "text", "text": p.Text})
		case PartImage:
			out = append(out, map[string]any{"type": "image_url", "image_url": map[string]any{"url": p.URL}})
		}
	}
	b, _ := json.Marshal(out)
	return b
}

func oaiFinishToIR(reason *string) *FinishReason {
	if reason == nil {
		return nil
	}
	var fr FinishReason
	switch *reason {
	case "length":
		fr = FinishLength
	case "tool_calls":
		fr = FinishToolCalls
	case "content_filter":
		fr = FinishContentFilter
	default:
		fr = FinishStop
	}
	return &fr
}

func irFinishToOAI(reason *FinishReason) *string {
	if reason == nil {
		return nil
	}
	s := string(*reason)
	return &s
}

func oaiToolCallsToIR(tcs []oaiToolCall) []ToolCall {
	if tcs == nil {
		return nil
	}
	out := make([]ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out
}

func irToolCallsToOAI(tcs []ToolCall) []oaiToolCall {
	out := make([]oaiToolCall, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, oaiToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: oaiFunction{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return out
}

// overrideFinishForToolCalls enforces the transcoding rule: a response
// carrying tool calls always reports tool_calls, whatever the upstream said.
func overrideFinishForToolCalls(fr *FinishReason, toolCalls []ToolCall) *FinishReason {
	if len(toolCalls) > 0 {
		tc := FinishToolCalls
		return &tc
	}
	return fr
}

// Decoder.

func (c *openAIChatCodec) DecodeRequest(body []byte) (*ChatRequest, error) {
	var req oaiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.NewCodec(err.Error())
	}

	// The first system message becomes the IR system field.
	var system *string
	messages := []Message{}
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			text := oaiContentToIR(msg.Content).ToText()
			system = &text
			continue
		}
		messages = append(messages, Message{
			Role:       oaiRoleToIR(msg.Role),
			Content:    oaiContentToIR(msg.Content),
			ToolCalls:  oaiToolCallsToIR(msg.ToolCalls),
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		})
	}

	var tools []Tool
	for _, t := range req.Tools {
		params := t.Function.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		tools = append(tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  params,
		})
	}

	var toolChoice *ToolChoice
	if len(req.ToolChoice) > 0 {
		var s string
		if err := json.Unmarshal(req.ToolChoice, &s); err == nil {
			switch s {
			case "auto":
				toolChoice = &ToolChoice{Mode: ToolChoiceAuto}
			case "none":
				toolChoice = &ToolChoice{Mode: ToolChoiceNone}
			case "required":
				toolChoice = &ToolChoice{Mode: ToolChoiceAny}
			}
		} else {
			var obj struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			}
			if err := json.Unmarshal(req.ToolChoice, &obj); err == nil && obj.Function.Name != "" {
				toolChoice = &ToolChoice{Mode: ToolChoiceTool, Name: obj.Function.Name}
			}
		}
	}

	var stop []string
	if len(req.Stop) > 0 {
		var s string
		if err := json.Unmarshal(req.Stop, &s); err == nil {
			stop = []string{s}
		} else {
			var arr []string
			if err := json.Unmarshal(req.Stop, &arr); err == nil {
				stop = arr
			}
		}
	}

	stream := req.Stream != nil && *req.Stream

	return &ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		System:      system,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
		Stop:        stop,
		Tools:       tools,
		ToolChoice:  toolChoice,
	}, nil
}

func (c *openAIChatCodec) DecodeResponse(body []byte) (*ChatResponse, error) {
	var resp oaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.NewCodec(err.Error())
	}
	if len(resp.Choices) == 0 {
		return nil, errors.NewCodec("No choices in response")
	}
	choice := resp.Choices[0]

	msg := Message{
		Role:      oaiRoleToIR(choice.Message.Role),
		Content:   oaiContentToIR(choice.Message.Content),
		ToolCalls: oaiToolCallsToIR(choice.Message.ToolCalls),
	}

	var usage *Usage
	if resp.Usage != nil {
		total := resp.Usage.TotalTokens
		usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      &total,
		}
	}

	return &ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Message:      msg,
		FinishReason: overrideFinishForToolCalls(oaiFinishToIR(choice.FinishReason), msg.ToolCalls),
		Usage:        usage,
	}, nil
}

func (c *openAIChatCodec) DecodeStreamChunk(data string) (*StreamChunk, error) {
	if strings.TrimSpace(data) == "" || c.IsStreamDone(data) {
		return nil, nil
	}

	var chunk oaiStreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, errors.NewCodec(err.Error())
	}

	if len(chunk.Choices) == 0 {
		// Usage-only chunk emitted when stream_options.include_usage is set.
		if chunk.Usage != nil {
			total := chunk.Usage.TotalTokens
			return &StreamChunk{
				ID:    chunk.ID,
				Model: chunk.Model,
				Usage: &Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      &total,
				},
			}, nil
		}
		return nil, nil
	}

	choice := chunk.Choices[0]

	var deltaRole *Role
	if choice.Delta.Role != nil {
		r := oaiRoleToIR(*choice.Delta.Role)
		deltaRole = &r
	}

	var deltaToolCalls []ToolCallDelta
	for _, tc := range choice.Delta.ToolCalls {
		d := ToolCallDelta{Index: tc.Index, ID: tc.ID}
		if tc.Function != nil {
			d.Name = tc.Function.Name
			d.Arguments = tc.Function.Arguments
		}
		deltaToolCalls = append(deltaToolCalls, d)
	}

	var usage *Usage
	if chunk.Usage != nil {
		total := chunk.Usage.TotalTokens
		usage = &Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      &total,
		}
	}

	return &StreamChunk{
		ID:             chunk.ID,
		Model:          chunk.Model,
		DeltaRole:      deltaRole,
		DeltaContent:   choice.Delta.Content,
		DeltaToolCalls: deltaToolCalls,
		FinishReason:   oaiFinishToIR(choice.FinishReason),
		Usage:          usage,
	}, nil
}

func (c *openAIChatCodec) IsStreamDone(data string) bool {
	return strings.TrimSpace(data) == "[DONE]"
}

// Encoder.

func (c *openAIChatCodec) EncodeRequest(req *ChatRequest, model string) ([]byte, error) {
	messages := []oaiMessage{}

	if req.System != nil {
		messages = append(messages, oaiMessage{
			Role:    "system",
			Content: irContentToOAI(TextContent(*req.System)),
		})
	}

	for _, msg := range req.Messages {
		m := oaiMessage{
			Role:       string(msg.Role),
			Content:    irContentToOAI(msg.Content),
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		if len(msg.ToolCalls) > 0 {
			// Strict servers reject content alongside tool_calls.
			m.Content = nil
			m.ToolCalls = irToolCallsToOAI(msg.ToolCalls)
		}
		messages = append(messages, m)
	}

	var tools []oaiTool
	for _, t := range req.Tools {
		tools = append(tools, oaiTool{
			Type: "function",
			Function: oaiToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	var toolChoice json.RawMessage
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case ToolChoiceAuto:
			toolChoice = json.RawMessage(`"auto"`)
		case ToolChoiceNone:
			toolChoice = json.RawMessage(`"none"`)
		case ToolChoiceAny:
			toolChoice = json.RawMessage(`"required"`)
		case ToolChoiceTool:
			b, _ := json.Marshal(map[string]any{
				"type":     "function",
				"function": map[string]string{"name": req.ToolChoice.Name},
			})
			toolChoice = b
		}
	}

	var stop json.RawMessage
	if len(req.Stop) > 0 {
		b, _ := json.Marshal(req.Stop)
		stop = b
	}

	out := oaiRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        stop,
		Tools:       tools,
		ToolChoice:  toolChoice,
	}
	if req.Stream {
		t := true
		out.Stream = &t
		out.StreamOptions = &oaiStreamOptions{IncludeUsage: true}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, errors.NewCodec(err.Error())
	}
	return b, nil
}

func (c *openAIChatCodec) EncodeResponse(resp *ChatResponse) ([]byte, error) {
	msg := oaiMessage{
		Role:    string(resp.Message.Role),
		Content: irContentToOAI(resp.Message.Content),
	}
	if len(resp.Message.ToolCalls) > 0 {
		msg.ToolCalls = irToolCallsToOAI(resp.Message.ToolCalls)
	}

	var usage *oaiUsage
	if resp.Usage != nil {
		usage = &oaiUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.Total(),
		}
	}

	out := oaiResponse{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []oaiChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: irFinishToOAI(resp.FinishReason),
		}},
		Usage: usage,
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, errors.NewCodec(err.Error())
	}
	return b, nil
}

func (c *openAIChatCodec) EncodeStreamChunk(chunk *StreamChunk) (string, error) {
	var deltaToolCalls []oaiStreamToolCall
	for _, tc := range chunk.DeltaToolCalls {
		stc := oaiStreamToolCall{Index: tc.Index, ID: tc.ID}
		if tc.ID != nil {
			typ := "function"
			stc.Type = &typ
		}
		if tc.Name != nil || tc.Arguments != nil {
			stc.Function = &oaiStreamFunction{Name: tc.Name, Arguments: tc.Arguments}
		}
		deltaToolCalls = append(deltaToolCalls, stc)
	}

	var role *string
	if chunk.DeltaRole != nil {
		s := string(*chunk.DeltaRole)
		role = &s
	}

	var usage *oaiUsage
	if chunk.Usage != nil {
		usage = &oaiUsage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.Total(),
		}
	}

	out := oaiStreamChunk{
		ID:     chunk.ID,
		Object: "chat.completion.chunk",
		Model:  chunk.Model,
		Choices: []oaiStreamChoice{{
			Index: 0,
			Delta: oaiStreamDelta{
				Role:      role,
				Content:   chunk.DeltaContent,
				ToolCalls: deltaToolCalls,
			},
			FinishReason: irFinishToOAI(chunk.FinishReason),
		}},
		Usage: usage,
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", errors.NewCodec(err.Error())
	}
	return string(b), nil
}

func (c *openAIChatCodec) StreamDoneSignal() string {
	return "[DONE]"
}

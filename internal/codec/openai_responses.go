package codec

import (
	"encoding/json"
	"strings"

	"github.com/relaymux/relaymux/pkg/errors"
)

// openAIResponsesCodec speaks the OpenAI Responses API wire format.
// Decoding is stateless; streaming encode lives on openAIResponsesEncoder.
type openAIResponsesCodec struct{}

// Wire types.

type respRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    *string         `json:"instructions,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Stream          *bool           `json:"stream,omitempty"`
	Tools           []respTool      `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
}

// respInputItem covers the three input item kinds. The API accepts bare
// {"role","content"} objects without a type; an empty Type means message.
type respInputItem struct {
	Type      string          `json:"type,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	ID        *string         `json:"id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Output    string          `json:"output,omitempty"`
}

type respTool struct {
	Type        string          `json:"type"`
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type respResponse struct {
	ID     string           `json:"id"`
	Object string           `json:"object"`
	Model  string           `json:"model"`
	Output []respOutputItem `json:"output"`
	Usage  *respUsage       `json:"usage,omitempty"`
	Status *string          `json:"status,omitempty"`
}

// respOutputItem is the lenient decode shape for both message and
// function_call output items.
type respOutputItem struct {
	Type      string            `json:"type"`
	ID        *string           `json:"id,omitempty"`
	Role      string            `json:"role,omitempty"`
	Content   []respContentPart `json:"content,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Arguments string            `json:"arguments,omitempty"`
}

// Exact encode shapes, so required fields are never dropped.
type respMessageItem struct {
	Type    string            `json:"type"`
	ID      *string           `json:"id,omitempty"`
	Role    string            `json:"role"`
	Content []respContentPart `json:"content"`
}

type respFunctionCallItem struct {
	Type      string  `json:"type"`
	ID        *string `json:"id,omitempty"`
	CallID    string  `json:"call_id"`
	Name      string  `json:"name"`
	Arguments string  `json:"arguments"`
}

type respContentPart struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Annotations []any  `json:"annotations,omitempty"`
}

type respUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// respStreamEvent is one streaming event; Type determines which other
// fields are present.
type respStreamEvent struct {
	Type           string           `json:"type"`
	Response       *respResponse    `json:"response,omitempty"`
	Item           json.RawMessage  `json:"item,omitempty"`
	Part           *respContentPart `json:"part,omitempty"`
	Delta          *string          `json:"delta,omitempty"`
	Text           *string          `json:"text,omitempty"`
	OutputIndex    *int             `json:"output_index,omitempty"`
	ContentIndex   *int             `json:"content_index,omitempty"`
	Arguments      *string          `json:"arguments,omitempty"`
	SequenceNumber *uint64          `json:"sequence_number,omitempty"`
}

// Conversion helpers.

func respContentToIR(raw json.RawMessage) Content {
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
			case "input_text", "text":
				var text string
				if err := json.Unmarshal(p["text"], &text); err == nil {
					parts = append(parts, TextPart(text))
				}
			case "input_image":
				part := ContentPart{Type: PartImage}
				var u, m, d string
				if err := json.Unmarshal(p["image_url"], &u); err == nil {
					part.URL = &u
				}
				if err := json.Unmarshal(p["media_type"], &m); err == nil {
					part.MediaType = &m
				}
				if err := json.Unmarshal(p["data"], &d); err == nil {
					part.Data = &d
				}
				parts = append(parts, part)
			}
		}
		return PartsContent(parts).Normalize()
	}
	return TextContent("")
}

func irContentToRespInput(content Content) json.RawMessage {
	if !content.IsParts() {
		b, _ := json.Marshal(content.Text)
		return b
	}
	out := make([]map[string]any, 0, len(content.Parts))
	for _, p := range content.Parts {
		switch p.Type {
		case PartText:
			out = append(out, map[string]any{"type": "input_text", "text": p.Text})
		case PartImage:
			obj := map[string]any{"type": "input_image"}
			if p.URL != nil {
				obj["image_url"] = *p.URL
			}
			if p.Data != nil {
				obj["data"] = *p.Data
			}
			if p.MediaType != nil {
				obj["media_type"] = *p.MediaType
			}
			out = append(out, obj)
		}
	}
	b, _ := json.Marshal(out)
	return b
}

func respStatusToIRFinish(status *string) *FinishReason {
	if status == nil {
		return nil
	}
	var fr FinishReason
	switch *status {
	case "incomplete", "cancelled":
		fr = FinishLength
	default:
		fr = FinishStop
	}
	return &fr
}

func irFinishToRespStatus(reason *FinishReason) string {
	if reason != nil && *reason == FinishLength {
		return "incomplete"
	}
	return "completed"
}

func marshalItem(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// Decoder.

func (c *openAIResponsesCodec) DecodeRequest(body []byte) (*ChatRequest, error) {
	var req respRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.NewCodec(err.Error())
	}

	messages := []Message{}

	var inputText string
	if err := json.Unmarshal(req.Input, &inputText); err == nil {
		// Plain-string input is shorthand for a single user message.
		messages = append(messages, Message{Role: RoleUser, Content: TextContent(inputText)})
	} else {
		var items []respInputItem
		if err := json.Unmarshal(req.Input, &items); err != nil {
			return nil, errors.NewCodec(err.Error())
		}
		for _, item := range items {
			typ := item.Type
			if typ == "" {
				typ = "message"
			}
			switch typ {
			case "message":
				messages = append(messages, Message{
					Role:    oaiRoleToIR(item.Role),
					Content: respContentToIR(item.Content),
				})
			case "function_call":
				// An assistant turn that requested a tool invocation.
				messages = append(messages, Message{
					Role:    RoleAssistant,
					Content: TextContent(""),
					ToolCalls: []ToolCall{{
						ID:        item.CallID,
						Name:      item.Name,
						Arguments: item.Arguments,
					}},
				})
			case "function_call_output":
				messages = append(messages, Message{
					Role:       RoleTool,
					Content:    TextContent(item.Output),
					ToolCallID: item.CallID,
				})
			}
		}
	}

	var tools []Tool
	for _, t := range req.Tools {
		// Built-in tools (web_search_preview etc.) carry no name and do
		// not map to IR.
		if t.Name == nil {
			continue
		}
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		tools = append(tools, Tool{Name: *t.Name, Description: t.Description, Parameters: params})
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
				Name string `json:"name"`
			}
			if err := json.Unmarshal(req.ToolChoice, &obj); err == nil && obj.Name != "" {
				toolChoice = &ToolChoice{Mode: ToolChoiceTool, Name: obj.Name}
			}
		}
	}

	stream := req.Stream != nil && *req.Stream

	return &ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		System:      req.Instructions,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxOutputTokens,
		Stream:      stream,
		Tools:       tools,
		ToolChoice:  toolChoice,
	}, nil
}

func (c *openAIResponsesCodec) DecodeResponse(body []byte) (*ChatResponse, error) {
	var resp respResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.NewCodec(err.Error())
	}

	var textParts []string
	var toolCalls []ToolCall
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" {
					textParts = append(textParts, part.Text)
				}
			}
		case "function_call":
			toolCalls = append(toolCalls, ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: item.Arguments,
			})
		}
	}

	finish := respStatusToIRFinish(resp.Status)
	finish = overrideFinishForToolCalls(finish, toolCalls)

	var usage *Usage
	if resp.Usage != nil {
		total := resp.Usage.TotalTokens
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
			Content:   TextContent(strings.Join(textParts, "")),
			ToolCalls: toolCalls,
		},
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

func (c *openAIResponsesCodec) DecodeStreamChunk(data string) (*StreamChunk, error) {
	if strings.TrimSpace(data) == "" || c.IsStreamDone(data) {
		return nil, nil
	}

	var event respStreamEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, errors.NewCodec(err.Error())
	}

	eventID := func() string {
		if event.Response != nil {
			return event.Response.ID
		}
		return ""
	}

	switch event.Type {
	case "response.created":
		if event.Response != nil {
			role := RoleAssistant
			model := event.Response.Model
			return &StreamChunk{
				ID:        event.Response.ID,
				Model:     &model,
				DeltaRole: &role,
			}, nil
		}
		return nil, nil

	case "response.output_text.delta":
		return &StreamChunk{ID: eventID(), DeltaContent: event.Delta}, nil

	case "response.function_call_arguments.delta":
		index := 0
		if event.OutputIndex != nil {
			index = *event.OutputIndex
		}
		return &StreamChunk{
			ID:             eventID(),
			DeltaToolCalls: []ToolCallDelta{{Index: index, Arguments: event.Delta}},
		}, nil

	case "response.output_item.added":
		if len(event.Item) == 0 {
			return nil, nil
		}
		var item respOutputItem
		if err := json.Unmarshal(event.Item, &item); err != nil || item.Type != "function_call" {
			return nil, nil
		}
		index := 0
		if event.OutputIndex != nil {
			index = *event.OutputIndex
		}
		callID := item.CallID
		name := item.Name
		return &StreamChunk{
			ID: eventID(),
			DeltaToolCalls: []ToolCallDelta{{
				Index: index,
				ID:    &callID,
				Name:  &name,
			}},
		}, nil

	case "response.completed":
		if event.Response == nil {
			return nil, nil
		}
		resp := event.Response
		var finish *FinishReason
		hasToolCalls := false
		for _, item := range resp.Output {
			if item.Type == "function_call" {
				hasToolCalls = true
				break
			}
		}
		if hasToolCalls {
			tc := FinishToolCalls
			finish = &tc
		} else {
			finish = respStatusToIRFinish(resp.Status)
		}
		var usage *Usage
		if resp.Usage != nil {
			total := resp.Usage.TotalTokens
			usage = &Usage{
				PromptTokens:     resp.Usage.InputTokens,
				CompletionTokens: resp.Usage.OutputTokens,
				TotalTokens:      &total,
			}
		}
		model := resp.Model
		return &StreamChunk{
			ID:           resp.ID,
			Model:        &model,
			FinishReason: finish,
			Usage:        usage,
		}, nil
	}

	// output_item.done, content_part.added/done, output_text.done,
	// function_call_arguments.done, response.done: consumed, no IR chunk.
	return nil, nil
}

func (c *openAIResponsesCodec) IsStreamDone(data string) bool {
	trimmed := strings.TrimSpace(data)
	if trimmed == "[DONE]" {
		return true
	}
	if strings.Contains(trimmed, `"response.done"`) {
		var event respStreamEvent
		if err := json.Unmarshal([]byte(trimmed), &event); err == nil {
			return event.Type == "response.done"
		}
	}
	return false
}

// Stateless encode paths, shared with the streaming encoder.

func (c *openAIResponsesCodec) encodeRequestInner(req *ChatRequest, model string) ([]byte, error) {
	items := []respInputItem{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleTool:
			items = append(items, respInputItem{
				Type:   "function_call_output",
				CallID: msg.ToolCallID,
				Output: msg.Content.ToText(),
			})
		case RoleAssistant, RoleUser:
			if len(msg.ToolCalls) > 0 {
				for _, tc := range msg.ToolCalls {
					items = append(items, respInputItem{
						Type:      "function_call",
						CallID:    tc.ID,
						Name:      tc.Name,
						Arguments: tc.Arguments,
					})
				}
			} else {
				items = append(items, respInputItem{
					Type:    "message",
					Role:    string(msg.Role),
					Content: irContentToRespInput(msg.Content),
				})
			}
		case RoleSystem:
			// System lives in instructions; a stray in-list system message
			// still reaches the upstream as a user message.
			items = append(items, respInputItem{
				Type:    "message",
				Role:    "user",
				Content: irContentToRespInput(msg.Content),
			})
		}
	}

	var tools []respTool
	for _, t := range req.Tools {
		name := t.Name
		tools = append(tools, respTool{
			Type:        "function",
			Name:        &name,
			Description: t.Description,
			Parameters:  t.Parameters,
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
			b, _ := json.Marshal(map[string]string{"type": "function", "name": req.ToolChoice.Name})
			toolChoice = b
		}
	}

	inputBytes, err := json.Marshal(items)
	if err != nil {
		return nil, errors.NewCodec(err.Error())
	}

	out := respRequest{
		Model:           model,
		Input:           inputBytes,
		Instructions:    req.System,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		Tools:           tools,
		ToolChoice:      toolChoice,
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

func (c *openAIResponsesCodec) encodeResponseInner(resp *ChatResponse) ([]byte, error) {
	output := []json.RawMessage{}

	text := resp.Message.Content.ToText()
	if text != "" {
		id := "msg_" + resp.ID
		output = append(output, marshalItem(respMessageItem{
			Type: "message",
			ID:   &id,
			Role: "assistant",
			Content: []respContentPart{{
				Type:        "output_text",
				Text:        text,
				Annotations: []any{},
			}},
		}))
	}

	for _, tc := range resp.Message.ToolCalls {
		id := "fc_" + tc.ID
		output = append(output, marshalItem(respFunctionCallItem{
			Type:      "function_call",
			ID:        &id,
			CallID:    tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		}))
	}

	status := irFinishToRespStatus(resp.FinishReason)

	var usage *respUsage
	if resp.Usage != nil {
		usage = &respUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.Total(),
		}
	}

	out := struct {
		ID     string            `json:"id"`
		Object string            `json:"object"`
		Model  string            `json:"model"`
		Output []json.RawMessage `json:"output"`
		Usage  *respUsage        `json:"usage,omitempty"`
		Status *string           `json:"status,omitempty"`
	}{
		ID:     resp.ID,
		Object: "response",
		Model:  resp.Model,
		Output: output,
		Usage:  usage,
		Status: &status,
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, errors.NewCodec(err.Error())
	}
	return b, nil
}

// openAIResponsesEncoder is the stateful streaming encoder. It carries
// per-stream state so that StreamDoneSignal can emit the closing event
// sequence, with response.completed strictly last and produced only there.
// Deferring response.completed keeps clients from dropping the connection
// before the final log update lands.
type openAIResponsesEncoder struct {
	openAIResponsesCodec

	responseID      string
	model           string
	finishReason    *FinishReason
	usage           *Usage
	accumulatedText strings.Builder
	preambleSent    bool
	// output_index of each tool call that was started, in order.
	toolCallIndices []int
}

func newOpenAIResponsesEncoder() *openAIResponsesEncoder {
	return &openAIResponsesEncoder{}
}

func (e *openAIResponsesEncoder) EncodeRequest(req *ChatRequest, model string) ([]byte, error) {
	return e.encodeRequestInner(req, model)
}

func (e *openAIResponsesEncoder) EncodeResponse(resp *ChatResponse) ([]byte, error) {
	return e.encodeResponseInner(resp)
}

func (e *openAIResponsesEncoder) EncodeStreamChunk(chunk *StreamChunk) (string, error) {
	var events []string
	push := func(ev respStreamEvent) {
		if b, err := json.Marshal(ev); err == nil {
			events = append(events, string(b))
		}
	}

	if chunk.ID != "" {
		e.responseID = chunk.ID
	}
	if chunk.Model != nil && e.model == "" {
		e.model = *chunk.Model
	}

	// Captured for the closing sequence; never emitted mid-stream.
	if chunk.FinishReason != nil {
		e.finishReason = chunk.FinishReason
	}
	if chunk.Usage != nil {
		e.usage = chunk.Usage
	}

	zero := 0
	if chunk.DeltaRole != nil && !e.preambleSent {
		e.preambleSent = true

		status := "in_progress"
		push(respStreamEvent{
			Type: "response.created",
			Response: &respResponse{
				ID:     e.responseID,
				Object: "response",
				Model:  e.model,
				Output: []respOutputItem{},
				Status: &status,
			},
		})

		msgID := "msg_" + e.responseID
		push(respStreamEvent{
			Type: "response.output_item.added",
			Item: marshalItem(respMessageItem{
				Type:    "message",
				ID:      &msgID,
				Role:    "assistant",
				Content: []respContentPart{},
			}),
			OutputIndex: &zero,
		})

		push(respStreamEvent{
			Type:         "response.content_part.added",
			Part:         &respContentPart{Type: "output_text", Text: "", Annotations: []any{}},
			OutputIndex:  &zero,
			ContentIndex: &zero,
		})
	}

	if chunk.DeltaContent != nil {
		e.accumulatedText.WriteString(*chunk.DeltaContent)
		push(respStreamEvent{
			Type:         "response.output_text.delta",
			Delta:        chunk.DeltaContent,
			OutputIndex:  &zero,
			ContentIndex: &zero,
		})
	}

	for _, tc := range chunk.DeltaToolCalls {
		index := tc.Index
		if tc.ID != nil && tc.Name != nil {
			e.toolCallIndices = append(e.toolCallIndices, tc.Index)

			fcID := "fc_" + *tc.ID
			push(respStreamEvent{
				Type: "response.output_item.added",
				Item: marshalItem(respFunctionCallItem{
					Type:   "function_call",
					ID:     &fcID,
					CallID: *tc.ID,
					Name:   *tc.Name,
				}),
				OutputIndex: &index,
			})
		}
		if tc.Arguments != nil {
			push(respStreamEvent{
				Type:        "response.function_call_arguments.delta",
				Delta:       tc.Arguments,
				OutputIndex: &index,
			})
		}
	}

	if len(events) == 0 {
		return "", nil
	}
	return strings.Join(events, "\n"), nil
}

func (e *openAIResponsesEncoder) StreamDoneSignal() string {
	// Closing sequence:
	//   response.output_text.done
	//   response.content_part.done
	//   response.output_item.done  (message)
	//   response.output_item.done  (each tool call)
	//   response.completed
	var events []string
	push := func(ev respStreamEvent) {
		if b, err := json.Marshal(ev); err == nil {
			events = append(events, string(b))
		}
	}

	zero := 0
	fullText := e.accumulatedText.String()

	if fullText != "" {
		push(respStreamEvent{
			Type:         "response.output_text.done",
			Text:         &fullText,
			OutputIndex:  &zero,
			ContentIndex: &zero,
		})

		push(respStreamEvent{
			Type:         "response.content_part.done",
			Part:         &respContentPart{Type: "output_text", Text: fullText, Annotations: []any{}},
			OutputIndex:  &zero,
			ContentIndex: &zero,
		})

		msgID := "msg_" + e.responseID
		push(respStreamEvent{
			Type: "response.output_item.done",
			Item: marshalItem(respMessageItem{
				Type: "message",
				ID:   &msgID,
				Role: "assistant",
				Content: []respContentPart{{
					Type:        "output_text",
					Text:        fullText,
					Annotations: []any{},
				}},
			}),
			OutputIndex: &zero,
		})
	}

	for _, idx := range e.toolCallIndices {
		index := idx
		push(respStreamEvent{
			Type:        "response.output_item.done",
			Item:        marshalItem(respFunctionCallItem{Type: "function_call"}),
			OutputIndex: &index,
		})
	}

	var usage *respUsage
	if e.usage != nil {
		usage = &respUsage{
			InputTokens:  e.usage.PromptTokens,
			OutputTokens: e.usage.CompletionTokens,
			TotalTokens:  e.usage.Total(),
		}
	}
	status := irFinishToRespStatus(e.finishReason)
	push(respStreamEvent{
		Type: "response.completed",
		Response: &respResponse{
			ID:     e.responseID,
			Object: "response",
			Model:  e.model,
			Output: []respOutputItem{},
			Usage:  usage,
			Status: &status,
		},
	})

	return strings.Join(events, "\n")
}

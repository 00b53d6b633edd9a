package codec

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAnthropicDecodeRequestSystemVariants(t *testing.T) {
	c := &anthropicCodec{}

	req, err := c.DecodeRequest([]byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 1024,
		"system": "be brief",
		"messages": [{"role": "user", "content": "hi"}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.System == nil || *req.System != "be brief" {
		t.Fatalf("system = %v", req.System)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 1024 {
		t.Fatalf("max_tokens = %v", req.MaxTokens)
	}

	req, err = c.DecodeRequest([]byte(`{
		"model": "m",
		"max_tokens": 10,
		"system": [{"type":"text","text":"a"},{"type":"text","text":"b"}],
		"messages": []
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.System == nil || *req.System != "a\nb" {
		t.Fatalf("system = %v", req.System)
	}
}

func TestAnthropicDecodeRequestMissingMaxTokens(t *testing.T) {
	c := &anthropicCodec{}
	req, err := c.DecodeRequest([]byte(`{
		"model": "m",
		"messages": [{"role": "user", "content": "hi"}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.MaxTokens != nil {
		t.Fatalf("absent max_tokens should decode to nil, got %d", *req.MaxTokens)
	}

	// Re-encoding must fall back to the default, never send 0 upstream.
	body, err := c.EncodeRequest(req, "m")
	if err != nil {
		t.Fatal(err)
	}
	var wire struct {
		MaxTokens int `json:"max_tokens"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatal(err)
	}
	if wire.MaxTokens != anthropicDefaultMaxTokens {
		t.Fatalf("max_tokens = %d, want %d", wire.MaxTokens, anthropicDefaultMaxTokens)
	}
}

func TestAnthropicDecodeRequestToolResults(t *testing.T) {
	c := &anthropicCodec{}
	req, err := c.DecodeRequest([]byte(`{
		"model": "m",
		"max_tokens": 10,
		"messages": [
			{"role": "assistant", "content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "tu_1", "name": "lookup", "input": {"q": "x"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "tu_1", "content": "found it"},
				{"type": "text", "text": "and also"}
			]}
		]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want assistant + tool + user", len(req.Messages))
	}

	asst := req.Messages[0]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "tu_1" {
		t.Fatalf("tool_calls = %+v", asst.ToolCalls)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(asst.ToolCalls[0].Arguments), &args); err != nil || args["q"] != "x" {
		t.Fatalf("arguments = %q", asst.ToolCalls[0].Arguments)
	}

	tool := req.Messages[1]
	if tool.Role != RoleTool || tool.ToolCallID != "tu_1" || tool.Content.ToText() != "found it" {
		t.Fatalf("tool message = %+v", tool)
	}

	if req.Messages[2].Role != RoleUser {
		t.Fatalf("trailing user message missing: %+v", req.Messages[2])
	}
}

func TestAnthropicDecodeResponse(t *testing.T) {
	c := &anthropicCodec{}
	resp, err := c.DecodeResponse([]byte(`{
		"id": "msg_1",
		"model": "claude-sonnet-4",
		"role": "assistant",
		"content": [
			{"type": "text", "text": "I will call a tool."},
			{"type": "tool_use", "id": "tu_9", "name": "calc", "input": {"a": 1}}
		],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 7, "output_tokens": 3}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.FinishReason == nil || *resp.FinishReason != FinishToolCalls {
		t.Fatalf("finish = %v, tool calls must override end_turn", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.Total() != 10 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if resp.Message.Content.ToText() != "I will call a tool." {
		t.Fatalf("text = %q", resp.Message.Content.ToText())
	}
}

func TestAnthropicEncodeRequestMergesToolResults(t *testing.T) {
	c := &anthropicCodec{}
	body, err := c.EncodeRequest(&ChatRequest{
		Messages: []Message{
			{
				Role:      RoleAssistant,
				Content:   TextContent(""),
				ToolCalls: []ToolCall{{ID: "tu_1", Name: "a", Arguments: "{}"}, {ID: "tu_2", Name: "b", Arguments: "{}"}},
			},
			{Role: RoleTool, Content: TextContent("r1"), ToolCallID: "tu_1"},
			{Role: RoleTool, Content: TextContent("r2"), ToolCallID: "tu_2"},
		},
	}, "claude-sonnet-4")
	if err != nil {
		t.Fatal(err)
	}

	var wire struct {
		MaxTokens int          `json:"max_tokens"`
		Messages  []antMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatal(err)
	}
	if wire.MaxTokens != 4096 {
		t.Fatalf("max_tokens = %d, want default", wire.MaxTokens)
	}
	if len(wire.Messages) != 2 {
		t.Fatalf("messages = %d, consecutive tool results must merge", len(wire.Messages))
	}
	var blocks []antContentBlock
	if err := json.Unmarshal(wire.Messages[1].Content, &blocks); err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 || blocks[0].ToolUseID != "tu_1" || blocks[1].ToolUseID != "tu_2" {
		t.Fatalf("blocks = %+v", blocks)
	}
}

func TestAnthropicEncodeRequestNoMergeAfterRegularUser(t *testing.T) {
	c := &anthropicCodec{}
	body, err := c.EncodeRequest(&ChatRequest{
		Messages: []Message{
			{Role: RoleUser, Content: TextContent("hi")},
			{Role: RoleTool, Content: TextContent("r1"), ToolCallID: "tu_1"},
		},
	}, "m")
	if err != nil {
		t.Fatal(err)
	}
	var wire struct {
		Messages []antMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatal(err)
	}
	if len(wire.Messages) != 2 {
		t.Fatalf("messages = %d, tool result must not merge into plain user text", len(wire.Messages))
	}
}

func TestAnthropicEncodeRequestToolChoiceNoneBecomesAuto(t *testing.T) {
	c := &anthropicCodec{}
	body, err := c.EncodeRequest(&ChatRequest{
		Messages:   []Message{{Role: RoleUser, Content: TextContent("hi")}},
		ToolChoice: &ToolChoice{Mode: ToolChoiceNone},
	}, "m")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `"tool_choice":{"type":"auto"}`) {
		t.Fatalf("body = %s", body)
	}
}

func TestAnthropicDecodeStreamEvents(t *testing.T) {
	c := &anthropicCodec{}

	chunk, err := c.DecodeStreamChunk(`{"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4","role":"assistant","content":[],"usage":{"input_tokens":5,"output_tokens":0}}}`)
	if err != nil {
		t.Fatal(err)
	}
	if chunk == nil || chunk.ID != "msg_1" || chunk.DeltaRole == nil {
		t.Fatalf("chunk = %+v", chunk)
	}

	chunk, err = c.DecodeStreamChunk(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`)
	if err != nil {
		t.Fatal(err)
	}
	if chunk == nil || chunk.DeltaContent == nil || *chunk.DeltaContent != "Hel" {
		t.Fatalf("chunk = %+v", chunk)
	}

	chunk, err = c.DecodeStreamChunk(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"calc","input":{}}}`)
	if err != nil {
		t.Fatal(err)
	}
	if chunk == nil || len(chunk.DeltaToolCalls) != 1 || *chunk.DeltaToolCalls[0].Name != "calc" {
		t.Fatalf("chunk = %+v", chunk)
	}

	chunk, err = c.DecodeStreamChunk(`{"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":42}}`)
	if err != nil {
		t.Fatal(err)
	}
	if chunk == nil || chunk.FinishReason == nil || *chunk.FinishReason != FinishLength {
		t.Fatalf("chunk = %+v", chunk)
	}
	if chunk.Usage == nil || chunk.Usage.CompletionTokens != 42 {
		t.Fatalf("usage = %+v", chunk.Usage)
	}

	if ping, _ := c.DecodeStreamChunk(`{"type":"ping"}`); ping != nil {
		t.Fatal("ping should be skipped")
	}
	if !c.IsStreamDone(`{"type":"message_stop"}`) {
		t.Fatal("message_stop not detected")
	}
}

func TestAnthropicEncodeStreamChunk(t *testing.T) {
	c := &anthropicCodec{}

	role := RoleAssistant
	model := "claude-sonnet-4"
	first, err := c.EncodeStreamChunk(&StreamChunk{ID: "msg_1", Model: &model, DeltaRole: &role})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(first, "event: message_start") {
		t.Fatalf("encoded = %s", first)
	}
	if !strings.Contains(first, "event: content_block_start") {
		t.Fatalf("encoded = %s", first)
	}

	text := "Hi"
	delta, err := c.EncodeStreamChunk(&StreamChunk{DeltaContent: &text})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(delta, `"text_delta"`) {
		t.Fatalf("encoded = %s", delta)
	}

	fr := FinishStop
	last, err := c.EncodeStreamChunk(&StreamChunk{FinishReason: &fr})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(last, `"stop_reason":"end_turn"`) {
		t.Fatalf("encoded = %s", last)
	}

	if got := c.StreamDoneSignal(); !strings.Contains(got, "message_stop") {
		t.Fatalf("done = %s", got)
	}
}

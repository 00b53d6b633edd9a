package codec

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestOpenAIChatDecodeRequest(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hello"}
		],
		"temperature": 0.5,
		"max_tokens": 100,
		"stop": "END",
		"stream": true
	}`)

	c := &openAIChatCodec{}
	req, err := c.DecodeRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if req.Model != "gpt-4o" {
		t.Fatalf("model = %q", req.Model)
	}
	if req.System == nil || *req.System != "be terse" {
		t.Fatalf("system = %v", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != RoleUser {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if !req.Stream {
		t.Fatal("stream flag lost")
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Fatalf("stop = %v", req.Stop)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 100 {
		t.Fatalf("max_tokens = %v", req.MaxTokens)
	}
}

func TestOpenAIChatDecodeRequestNormalizesSingleTextPart(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [{"role": "user", "content": [{"type": "text", "text": "hi"}]}]
	}`)

	c := &openAIChatCodec{}
	req, err := c.DecodeRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	content := req.Messages[0].Content
	if content.IsParts() {
		t.Fatal("single text part should decode as bare text")
	}
	if content.Text != "hi" {
		t.Fatalf("text = %q", content.Text)
	}
}

func TestOpenAIChatDecodeRequestToolChoice(t *testing.T) {
	c := &openAIChatCodec{}

	req, err := c.DecodeRequest([]byte(`{"model":"m","messages":[],"tool_choice":"required"}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.ToolChoice == nil || req.ToolChoice.Mode != ToolChoiceAny {
		t.Fatalf("tool_choice = %+v", req.ToolChoice)
	}

	req, err = c.DecodeRequest([]byte(`{"model":"m","messages":[],"tool_choice":{"type":"function","function":{"name":"get_weather"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.ToolChoice == nil || req.ToolChoice.Mode != ToolChoiceTool || req.ToolChoice.Name != "get_weather" {
		t.Fatalf("tool_choice = %+v", req.ToolChoice)
	}
}

func TestOpenAIChatDecodeResponseOverridesFinishForToolCalls(t *testing.T) {
	body := []byte(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"content": null,
				"tool_calls": [{"id":"call_1","type":"function","function":{"name":"f","arguments":"{}"}}]
			},
			"finish_reason": "stop"
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`)

	c := &openAIChatCodec{}
	resp, err := c.DecodeResponse(body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.FinishReason == nil || *resp.FinishReason != FinishToolCalls {
		t.Fatalf("finish = %v, want tool_calls override", resp.FinishReason)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Name != "f" {
		t.Fatalf("tool_calls = %+v", resp.Message.ToolCalls)
	}
	if resp.Usage == nil || resp.Usage.Total() != 15 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIChatDecodeStreamChunk(t *testing.T) {
	c := &openAIChatCodec{}

	chunk, err := c.DecodeStreamChunk(`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"He"}}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if chunk == nil || chunk.DeltaRole == nil || *chunk.DeltaRole != RoleAssistant {
		t.Fatalf("chunk = %+v", chunk)
	}
	if chunk.DeltaContent == nil || *chunk.DeltaContent != "He" {
		t.Fatalf("delta = %v", chunk.DeltaContent)
	}

	// Usage-only chunk has no choices.
	chunk, err = c.DecodeStreamChunk(`{"id":"c1","choices":[],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`)
	if err != nil {
		t.Fatal(err)
	}
	if chunk == nil || chunk.Usage == nil || chunk.Usage.CompletionTokens != 2 {
		t.Fatalf("chunk = %+v", chunk)
	}

	if done, _ := c.DecodeStreamChunk("[DONE]"); done != nil {
		t.Fatal("terminal signal must not decode to a chunk")
	}
	if !c.IsStreamDone(" [DONE] ") {
		t.Fatal("IsStreamDone should trim whitespace")
	}
}

func TestOpenAIChatEncodeRequestDropsContentWithToolCalls(t *testing.T) {
	req := &ChatRequest{
		Model: "ignored",
		Messages: []Message{
			{
				Role:      RoleAssistant,
				Content:   TextContent("thinking out loud"),
				ToolCalls: []ToolCall{{ID: "call_1", Name: "f", Arguments: `{"x":1}`}},
			},
			{Role: RoleTool, Content: TextContent("42"), ToolCallID: "call_1"},
		},
	}

	c := &openAIChatCodec{}
	body, err := c.EncodeRequest(req, "gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatal(err)
	}
	var model string
	json.Unmarshal(wire["model"], &model)
	if model != "gpt-4o-mini" {
		t.Fatalf("model = %q, actual name must win", model)
	}

	var msgs []map[string]json.RawMessage
	json.Unmarshal(wire["messages"], &msgs)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if string(msgs[0]["content"]) != "null" {
		t.Fatalf("assistant content = %s, want null alongside tool_calls", msgs[0]["content"])
	}
	var callID string
	json.Unmarshal(msgs[1]["tool_call_id"], &callID)
	if callID != "call_1" {
		t.Fatalf("tool_call_id = %q", callID)
	}
}

func TestOpenAIChatEncodeRequestSystemFirst(t *testing.T) {
	sys := "rules"
	req := &ChatRequest{
		System:   &sys,
		Messages: []Message{{Role: RoleUser, Content: TextContent("hi")}},
		Stream:   true,
	}

	c := &openAIChatCodec{}
	body, err := c.EncodeRequest(req, "m")
	if err != nil {
		t.Fatal(err)
	}
	s := string(body)
	if !strings.Contains(s, `"role":"system"`) {
		t.Fatal("system message missing")
	}
	if !strings.Contains(s, `"include_usage":true`) {
		t.Fatal("stream_options.include_usage missing for streams")
	}
	sysIdx := strings.Index(s, `"role":"system"`)
	userIdx := strings.Index(s, `"role":"user"`)
	if sysIdx > userIdx {
		t.Fatal("system message must come first")
	}
}

func TestOpenAIChatStreamRoundTrip(t *testing.T) {
	c := &openAIChatCodec{}

	fr := FinishStop
	encoded, err := c.EncodeStreamChunk(&StreamChunk{ID: "c1", FinishReason: &fr})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(encoded, `"finish_reason":"stop"`) {
		t.Fatalf("encoded = %s", encoded)
	}
	if c.StreamDoneSignal() != "[DONE]" {
		t.Fatal("done signal")
	}
}

func TestMoonshotAndAzureDelegate(t *testing.T) {
	for _, f := range []Format{FormatMoonshot, FormatAzure} {
		enc := NewEncoder(f)
		body, err := enc.EncodeRequest(&ChatRequest{
			Messages: []Message{{Role: RoleUser, Content: TextContent("hi")}},
		}, "m")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(body), `"messages"`) {
			t.Fatalf("%s: unexpected body %s", f, body)
		}
		if NewDecoder(f).IsStreamDone("[DONE]") != true {
			t.Fatalf("%s: done detection", f)
		}
	}
}

package codec

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestGeminiDecodeRequest(t *testing.T) {
	c := &geminiCodec{}
	req, err := c.DecodeRequest([]byte(`{
		"contents": [
			{"role": "user", "parts": [{"text": "hello"}]},
			{"role": "model", "parts": [{"text": "hi"}, {"functionCall": {"name": "lookup", "args": {"q": "x"}}}]},
			{"role": "user", "parts": [{"functionResponse": {"name": "lookup", "response": {"found": true}}}]}
		],
		"systemInstruction": {"parts": [{"text": "be "}, {"text": "brief"}]},
		"generationConfig": {"temperature": 0.2, "maxOutputTokens": 64},
		"tools": [{"functionDeclarations": [{"name": "lookup", "parameters": {"type": "object"}}]}],
		"toolConfig": {"functionCallingConfig": {"mode": "ANY", "allowedFunctionNames": ["lookup"]}}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	if req.Model != "" {
		t.Fatalf("model = %q, must come from the URL", req.Model)
	}
	if req.Stream {
		t.Fatal("stream must come from the URL")
	}
	if req.System == nil || *req.System != "be brief" {
		t.Fatalf("system = %v", req.System)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d", len(req.Messages))
	}

	asst := req.Messages[1]
	if asst.Role != RoleAssistant || len(asst.ToolCalls) != 1 {
		t.Fatalf("assistant = %+v", asst)
	}
	if asst.ToolCalls[0].ID != "call_1" {
		t.Fatalf("synthesized id = %q", asst.ToolCalls[0].ID)
	}

	tool := req.Messages[2]
	if tool.Role != RoleTool || tool.Name != "lookup" {
		t.Fatalf("tool message = %+v", tool)
	}
	if !strings.Contains(tool.Content.ToText(), "found") {
		t.Fatalf("tool content = %q", tool.Content.ToText())
	}

	if req.ToolChoice == nil || req.ToolChoice.Mode != ToolChoiceTool || req.ToolChoice.Name != "lookup" {
		t.Fatalf("tool_choice = %+v, ANY with one allowed name means that tool", req.ToolChoice)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 64 {
		t.Fatalf("max tokens = %v", req.MaxTokens)
	}
}

func TestGeminiDecodeResponse(t *testing.T) {
	c := &geminiCodec{}
	resp, err := c.DecodeResponse([]byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [{"functionCall": {"name": "calc", "args": {"a": 1}}}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 2, "totalTokenCount": 6}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.FinishReason == nil || *resp.FinishReason != FinishToolCalls {
		t.Fatalf("finish = %v, functionCall must override STOP", resp.FinishReason)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Name != "calc" {
		t.Fatalf("tool_calls = %+v", resp.Message.ToolCalls)
	}
	if resp.Usage == nil || resp.Usage.Total() != 6 {
		t.Fatalf("usage = %+v", resp.Usage)
	}

	if _, err := c.DecodeResponse([]byte(`{"candidates": []}`)); err == nil {
		t.Fatal("empty candidates must fail")
	}
}

func TestGeminiEncodeRequest(t *testing.T) {
	sys := "rules"
	c := &geminiCodec{}
	body, err := c.EncodeRequest(&ChatRequest{
		System: &sys,
		Messages: []Message{
			{Role: RoleUser, Content: TextContent("hi")},
			{Role: RoleAssistant, Content: TextContent(""), ToolCalls: []ToolCall{{ID: "call_0", Name: "f", Arguments: `{"x":1}`}}},
			{Role: RoleTool, Content: TextContent("plain result"), Name: "f"},
		},
		ToolChoice: &ToolChoice{Mode: ToolChoiceNone},
	}, "gemini-2.0-flash")
	if err != nil {
		t.Fatal(err)
	}

	var wire gemRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatal(err)
	}
	if len(wire.Contents) != 3 {
		t.Fatalf("contents = %d", len(wire.Contents))
	}
	if wire.Contents[1].Parts[0].FunctionCall == nil {
		t.Fatalf("assistant parts = %+v", wire.Contents[1].Parts)
	}

	fr := wire.Contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "f" {
		t.Fatalf("functionResponse = %+v", fr)
	}
	// Non-JSON tool output is wrapped in a result object.
	if !strings.Contains(string(fr.Response), "plain result") {
		t.Fatalf("response = %s", fr.Response)
	}

	if wire.SystemInstruction == nil || *wire.SystemInstruction.Parts[0].Text != "rules" {
		t.Fatalf("systemInstruction = %+v", wire.SystemInstruction)
	}
	if wire.ToolConfig == nil || wire.ToolConfig.FunctionCallingConfig.Mode != "NONE" {
		t.Fatalf("toolConfig = %+v", wire.ToolConfig)
	}
}

func TestGeminiStreamChunks(t *testing.T) {
	c := &geminiCodec{}

	chunk, err := c.DecodeStreamChunk(`{"candidates":[{"content":{"role":"model","parts":[{"text":"He"}]}}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if chunk == nil || chunk.DeltaContent == nil || *chunk.DeltaContent != "He" {
		t.Fatalf("chunk = %+v", chunk)
	}
	if chunk.DeltaRole == nil || *chunk.DeltaRole != RoleAssistant {
		t.Fatalf("role = %v", chunk.DeltaRole)
	}

	// Usage-only payload.
	chunk, err = c.DecodeStreamChunk(`{"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2,"totalTokenCount":3}}`)
	if err != nil {
		t.Fatal(err)
	}
	if chunk == nil || chunk.Usage == nil || chunk.Usage.Total() != 3 {
		t.Fatalf("chunk = %+v", chunk)
	}

	if c.IsStreamDone("[DONE]") {
		t.Fatal("no terminal payload exists for this format")
	}
	if c.StreamDoneSignal() != "" {
		t.Fatal("no done signal expected")
	}

	text := "chunk"
	encoded, err := c.EncodeStreamChunk(&StreamChunk{DeltaContent: &text})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(encoded, `"candidates"`) || !strings.Contains(encoded, "chunk") {
		t.Fatalf("encoded = %s", encoded)
	}

	if skip, _ := c.EncodeStreamChunk(&StreamChunk{}); skip != "" {
		t.Fatalf("empty chunk should encode to nothing, got %s", skip)
	}
}

package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaymux/relaymux/pkg/errors"
)

// geminiCodec speaks the Gemini generateContent API. The model name and the
// stream flag both live in the URL, so the decoded request carries an empty
// model and stream=false; the proxy fills them in from the route.
type geminiCodec struct{}

// Wire types, camelCase per the API.

type gemRequest struct {
	Contents          []gemContent    `json:"contents"`
	SystemInstruction *gemSystemInstr `json:"systemInstruction,omitempty"`
	GenerationConfig  *gemGenConfig   `json:"generationConfig,omitempty"`
	Tools             []gemToolDecl   `json:"tools,omitempty"`
	ToolConfig        *gemToolConfig  `json:"toolConfig,omitempty"`
}

type gemContent struct {
	Role  *string   `json:"role,omitempty"`
	Parts []gemPart `json:"parts"`
}

type gemSystemInstr struct {
	Parts []gemPart `json:"parts"`
}

type gemPart struct {
	Text             *string          `json:"text,omitempty"`
	InlineData       *gemInlineData   `json:"inlineData,omitempty"`
	FunctionCall     *gemFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *gemFunctionResp `json:"functionResponse,omitempty"`
}

type gemInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type gemFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type gemFunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type gemGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type gemToolDecl struct {
	FunctionDeclarations []gemFunctionDecl `json:"functionDeclarations"`
}

type gemFunctionDecl struct {
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type gemToolConfig struct {
	FunctionCallingConfig gemFunctionCallingConfig `json:"functionCallingConfig"`
}

type gemFunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type gemResponse struct {
	Candidates    []gemCandidate `json:"candidates,omitempty"`
	UsageMetadata *gemUsage      `json:"usageMetadata,omitempty"`
}

type gemCandidate struct {
	Content      gemContent `json:"content"`
	FinishReason *string    `json:"finishReason,omitempty"`
}

type gemUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Conversion helpers.

func gemRoleToIR(role string) Role {
	if role == "model" {
		return RoleAssistant
	}
	return RoleUser
}

func irRoleToGem(role Role) string {
	if role == RoleAssistant {
		return "model"
	}
	return "user"
}

func gemFinishToIR(reason *string) *FinishReason {
	if reason == nil {
		return nil
	}
	var fr FinishReason
	switch *reason {
	case "MAX_TOKENS":
		fr = FinishLength
	case "SAFETY", "RECITATION":
		fr = FinishContentFilter
	default:
		fr = FinishStop
	}
	return &fr
}

func irFinishToGem(reason *FinishReason) *string {
	if reason == nil {
		return nil
	}
	var s string
	switch *reason {
	case FinishLength:
		s = "MAX_TOKENS"
	case FinishContentFilter:
		s = "SAFETY"
	default:
		// ToolCalls is conveyed by functionCall parts, not the reason.
		s = "STOP"
	}
	return &s
}

func gemArgsJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

// gemPartsToIR collects text into one content string and functionCall parts
// into tool calls with synthesized part-index ids.
func gemPartsToIR(parts []gemPart) (Content, []ToolCall) {
	var texts []string
	var toolCalls []ToolCall
	for i, p := range parts {
		if p.Text != nil {
			texts = append(texts, *p.Text)
		}
		if p.FunctionCall != nil {
			toolCalls = append(toolCalls, ToolCall{
				ID:        fmt.Sprintf("call_%d", i),
				Name:      p.FunctionCall.Name,
				Arguments: gemArgsJSON(p.FunctionCall.Args),
			})
		}
	}
	return TextContent(strings.Join(texts, "")), toolCalls
}

func irContentToGemParts(content Content) []gemPart {
	if !content.IsParts() {
		if content.Text == "" {
			return nil
		}
		text := content.Text
		return []gemPart{{Text: &text}}
	}
	var parts []gemPart
	for _, p := range content.Parts {
		switch p.Type {
		case PartText:
			text := p.Text
			parts = append(parts, gemPart{Text: &text})
		case PartImage:
			if p.Data != nil {
				mime := "image/png"
				if p.MediaType != nil {
					mime = *p.MediaType
				}
				parts = append(parts, gemPart{InlineData: &gemInlineData{MimeType: mime, Data: *p.Data}})
			} else {
				// URL-based images are not supported; substitute a marker.
				placeholder := "[image]"
				parts = append(parts, gemPart{Text: &placeholder})
			}
		}
	}
	return parts
}

func gemUsageToIR(u *gemUsage) *Usage {
	if u == nil {
		return nil
	}
	total := u.TotalTokenCount
	return &Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      &total,
	}
}

func irUsageToGem(u *Usage) *gemUsage {
	if u == nil {
		return nil
	}
	return &gemUsage{
		PromptTokenCount:     u.PromptTokens,
		CandidatesTokenCount: u.CompletionTokens,
		TotalTokenCount:      u.Total(),
	}
}

// Decoder.

func (c *geminiCodec) DecodeRequest(body []byte) (*ChatRequest, error) {
	var req gemRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.NewCodec(err.Error())
	}

	var system *string
	if req.SystemInstruction != nil {
		var texts []string
		for _, p := range req.SystemInstruction.Parts {
			if p.Text != nil {
				texts = append(texts, *p.Text)
			}
		}
		joined := strings.Join(texts, "")
		system = &joined
	}

	messages := []Message{}
	for _, content := range req.Contents {
		role := "user"
		if content.Role != nil {
			role = *content.Role
		}

		hasFunctionResponse := false
		for _, p := range content.Parts {
			if p.FunctionResponse != nil {
				hasFunctionResponse = true
				break
			}
		}
		if hasFunctionResponse {
			for _, p := range content.Parts {
				if p.FunctionResponse == nil {
					continue
				}
				messages = append(messages, Message{
					Role:    RoleTool,
					Content: TextContent(string(p.FunctionResponse.Response)),
					Name:    p.FunctionResponse.Name,
				})
			}
			continue
		}

		irContent, toolCalls := gemPartsToIR(content.Parts)
		messages = append(messages, Message{
			Role:      gemRoleToIR(role),
			Content:   irContent,
			ToolCalls: toolCalls,
		})
	}

	var tools []Tool
	for _, decl := range req.Tools {
		for _, fd := range decl.FunctionDeclarations {
			params := fd.Parameters
			if len(params) == 0 {
				params = json.RawMessage(`{}`)
			}
			tools = append(tools, Tool{Name: fd.Name, Description: fd.Description, Parameters: params})
		}
	}

	var toolChoice *ToolChoice
	if req.ToolConfig != nil {
		cfg := req.ToolConfig.FunctionCallingConfig
		switch cfg.Mode {
		case "NONE":
			toolChoice = &ToolChoice{Mode: ToolChoiceNone}
		case "ANY":
			if len(cfg.AllowedFunctionNames) == 1 {
				toolChoice = &ToolChoice{Mode: ToolChoiceTool, Name: cfg.AllowedFunctionNames[0]}
			} else {
				toolChoice = &ToolChoice{Mode: ToolChoiceAny}
			}
		default:
			toolChoice = &ToolChoice{Mode: ToolChoiceAuto}
		}
	}

	out := &ChatRequest{
		// Model and stream are URL-determined; the proxy sets them.
		Messages:   messages,
		System:     system,
		Tools:      tools,
		ToolChoice: toolChoice,
	}
	if req.GenerationConfig != nil {
		out.Temperature = req.GenerationConfig.Temperature
		out.TopP = req.GenerationConfig.TopP
		out.MaxTokens = req.GenerationConfig.MaxOutputTokens
		out.Stop = req.GenerationConfig.StopSequences
	}
	return out, nil
}

func (c *geminiCodec) DecodeResponse(body []byte) (*ChatResponse, error) {
	var resp gemResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.NewCodec(err.Error())
	}
	if len(resp.Candidates) == 0 {
		return nil, errors.NewCodec("no candidates in response")
	}
	candidate := resp.Candidates[0]

	content, toolCalls := gemPartsToIR(candidate.Content.Parts)
	finish := gemFinishToIR(candidate.FinishReason)
	finish = overrideFinishForToolCalls(finish, toolCalls)

	return &ChatResponse{
		Message: Message{
			Role:      RoleAssistant,
			Content:   content,
			ToolCalls: toolCalls,
		},
		FinishReason: finish,
		Usage:        gemUsageToIR(resp.UsageMetadata),
	}, nil
}

func (c *geminiCodec) DecodeStreamChunk(data string) (*StreamChunk, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}

	// Each streaming payload has the same shape as a full response.
	var chunk gemResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, errors.NewCodec(err.Error())
	}

	if len(chunk.Candidates) == 0 {
		if chunk.UsageMetadata != nil {
			return &StreamChunk{Usage: gemUsageToIR(chunk.UsageMetadata)}, nil
		}
		return nil, nil
	}
	candidate := chunk.Candidates[0]

	var texts []string
	var deltas []ToolCallDelta
	for i, p := range candidate.Content.Parts {
		if p.Text != nil {
			texts = append(texts, *p.Text)
		}
		if p.FunctionCall != nil {
			id := fmt.Sprintf("call_%d", i)
			name := p.FunctionCall.Name
			args := gemArgsJSON(p.FunctionCall.Args)
			deltas = append(deltas, ToolCallDelta{Index: i, ID: &id, Name: &name, Arguments: &args})
		}
	}

	out := &StreamChunk{
		DeltaToolCalls: deltas,
		Usage:          gemUsageToIR(chunk.UsageMetadata),
	}
	if len(texts) > 0 {
		joined := strings.Join(texts, "")
		out.DeltaContent = &joined
	}
	if len(deltas) > 0 {
		tc := FinishToolCalls
		out.FinishReason = &tc
	} else {
		out.FinishReason = gemFinishToIR(candidate.FinishReason)
	}
	if candidate.Content.Role != nil {
		role := gemRoleToIR(*candidate.Content.Role)
		out.DeltaRole = &role
	}
	return out, nil
}

// IsStreamDone always reports false: the stream ends with the connection,
// there is no terminal payload.
func (c *geminiCodec) IsStreamDone(string) bool { return false }

// Encoder.

func (c *geminiCodec) EncodeRequest(req *ChatRequest, _ string) ([]byte, error) {
	contents := []gemContent{}
	role := func(s string) *string { return &s }

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			// Carried by systemInstruction.
			continue

		case RoleAssistant:
			parts := irContentToGemParts(msg.Content)
			for _, tc := range msg.ToolCalls {
				args := json.RawMessage(tc.Arguments)
				if !json.Valid(args) {
					args = json.RawMessage(`{}`)
				}
				parts = append(parts, gemPart{FunctionCall: &gemFunctionCall{Name: tc.Name, Args: args}})
			}
			if len(parts) > 0 {
				contents = append(contents, gemContent{Role: role("model"), Parts: parts})
			}

		case RoleTool:
			text := msg.Content.ToText()
			response := json.RawMessage(text)
			if !json.Valid(response) {
				response, _ = json.Marshal(map[string]string{"result": text})
			}
			name := msg.Name
			if name == "" {
				name = "unknown"
			}
			contents = append(contents, gemContent{
				Role:  role("user"),
				Parts: []gemPart{{FunctionResponse: &gemFunctionResp{Name: name, Response: response}}},
			})

		default:
			parts := irContentToGemParts(msg.Content)
			if len(parts) > 0 {
				contents = append(contents, gemContent{Role: role("user"), Parts: parts})
			}
		}
	}

	var systemInstruction *gemSystemInstr
	if req.System != nil {
		text := *req.System
		systemInstruction = &gemSystemInstr{Parts: []gemPart{{Text: &text}}}
	}

	var genConfig *gemGenConfig
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		genConfig = &gemGenConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}

	var tools []gemToolDecl
	if len(req.Tools) > 0 {
		decls := make([]gemFunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, gemFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		tools = []gemToolDecl{{FunctionDeclarations: decls}}
	}

	var toolConfig *gemToolConfig
	if req.ToolChoice != nil {
		cfg := gemFunctionCallingConfig{Mode: "AUTO"}
		switch req.ToolChoice.Mode {
		case ToolChoiceNone:
			cfg.Mode = "NONE"
		case ToolChoiceAny:
			cfg.Mode = "ANY"
		case ToolChoiceTool:
			cfg.Mode = "ANY"
			cfg.AllowedFunctionNames = []string{req.ToolChoice.Name}
		}
		toolConfig = &gemToolConfig{FunctionCallingConfig: cfg}
	}

	b, err := json.Marshal(gemRequest{
		Contents:          contents,
		SystemInstruction: systemInstruction,
		GenerationConfig:  genConfig,
		Tools:             tools,
		ToolConfig:        toolConfig,
	})
	if err != nil {
		return nil, errors.NewCodec(err.Error())
	}
	return b, nil
}

func (c *geminiCodec) EncodeResponse(resp *ChatResponse) ([]byte, error) {
	parts := irContentToGemParts(resp.Message.Content)
	for _, tc := range resp.Message.ToolCalls {
		args := json.RawMessage(tc.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		parts = append(parts, gemPart{FunctionCall: &gemFunctionCall{Name: tc.Name, Args: args}})
	}
	if len(parts) == 0 {
		empty := ""
		parts = []gemPart{{Text: &empty}}
	}

	model := "model"
	out := gemResponse{
		Candidates: []gemCandidate{{
			Content:      gemContent{Role: &model, Parts: parts},
			FinishReason: irFinishToGem(resp.FinishReason),
		}},
		UsageMetadata: irUsageToGem(resp.Usage),
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, errors.NewCodec(err.Error())
	}
	return b, nil
}

func (c *geminiCodec) EncodeStreamChunk(chunk *StreamChunk) (string, error) {
	var parts []gemPart

	if chunk.DeltaContent != nil {
		text := *chunk.DeltaContent
		parts = append(parts, gemPart{Text: &text})
	}

	for _, tc := range chunk.DeltaToolCalls {
		// Gemini carries whole function calls, so only fully formed deltas
		// (name plus arguments) can be expressed.
		if tc.Name == nil || tc.Arguments == nil {
			continue
		}
		args := json.RawMessage(*tc.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		parts = append(parts, gemPart{FunctionCall: &gemFunctionCall{Name: *tc.Name, Args: args}})
	}

	if len(parts) == 0 && chunk.FinishReason == nil && chunk.Usage == nil {
		return "", nil
	}

	roleStr := "model"
	if chunk.DeltaRole != nil {
		roleStr = irRoleToGem(*chunk.DeltaRole)
	}

	out := gemResponse{
		Candidates: []gemCandidate{{
			Content:      gemContent{Role: &roleStr, Parts: parts},
			FinishReason: irFinishToGem(chunk.FinishReason),
		}},
		UsageMetadata: irUsageToGem(chunk.Usage),
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", errors.NewCodec(err.Error())
	}
	return string(b), nil
}

// StreamDoneSignal returns "" since the stream has no terminal payload.
func (c *geminiCodec) StreamDoneSignal() string { return "" }

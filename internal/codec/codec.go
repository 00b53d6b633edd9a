package codec

import "strings"

// Format identifies a provider wire format.
type Format string

const (
	FormatOpenAIChat      Format = "openai_chat"
	FormatOpenAIResponses Format = "openai_responses"
	FormatAnthropic       Format = "anthropic"
	FormatGemini          Format = "gemini"
	FormatMoonshot        Format = "moonshot"
	FormatAzure           Format = "azure"
)

// ParseFormat parses a format name from a header value, query param, or
// provider tag. Accepts common aliases.
func ParseFormat(s string) (Format, bool) {
	switch strings.ToLower(s) {
	case "openai-chat", "openai_chat", "openai":
		return FormatOpenAIChat, true
	case "openai-responses", "openai_responses":
		return FormatOpenAIResponses, true
	case "anthropic", "claude":
		return FormatAnthropic, true
	case "gemini", "google":
		return FormatGemini, true
	case "moonshot", "kimi":
		return FormatMoonshot, true
	case "azure", "azure-openai", "azure_openai":
		return FormatAzure, true
	default:
		return "", false
	}
}

// FormatFromProvider maps a channel's provider tag to its wire format.
func FormatFromProvider(provider string) (Format, bool) {
	switch provider {
	case "openai":
		return FormatOpenAIChat, true
	case "anthropic":
		return FormatAnthropic, true
	case "gemini":
		return FormatGemini, true
	case "moonshot":
		return FormatMoonshot, true
	case "azure":
		return FormatAzure, true
	default:
		return "", false
	}
}

func (f Format) String() string { return string(f) }

// Decoder converts a provider wire format into IR.
// Implementations are stateless and safe for concurrent use.
type Decoder interface {
	// DecodeRequest parses an inbound HTTP request body.
	DecodeRequest(body []byte) (*ChatRequest, error)

	// DecodeResponse parses a non-streaming upstream response body.
	DecodeResponse(body []byte) (*ChatResponse, error)

	// DecodeStreamChunk parses one SSE data payload from upstream.
	// Returns (nil, nil) for keep-alives, comments, and terminal signals.
	DecodeStreamChunk(data string) (*StreamChunk, error)

	// IsStreamDone reports whether the SSE payload ends the stream.
	IsStreamDone(data string) bool
}

// Encoder converts IR into a provider wire format.
// Stream encoders may be stateful; obtain a fresh Encoder per stream.
type Encoder interface {
	// EncodeRequest serializes an IR request for the upstream, substituting
	// the channel's actual model name.
	EncodeRequest(req *ChatRequest, model string) ([]byte, error)

	// EncodeResponse serializes an IR response for the client.
	EncodeResponse(resp *ChatResponse) ([]byte, error)

	// EncodeStreamChunk serializes one IR chunk as an SSE data payload.
	// An empty string with nil error means nothing to emit for this chunk.
	EncodeStreamChunk(chunk *StreamChunk) (string, error)

	// StreamDoneSignal returns the terminal SSE payload for this format,
	// or "" when the format has none.
	StreamDoneSignal() string
}

// NewDecoder returns the decoder for a format.
func NewDecoder(f Format) Decoder {
	switch f {
	case FormatOpenAIResponses:
		return &openAIResponsesCodec{}
	case FormatAnthropic:
		return &anthropicCodec{}
	case FormatGemini:
		return &geminiCodec{}
	case FormatMoonshot:
		return &moonshotCodec{}
	case FormatAzure:
		return &azureCodec{}
	default:
		return &openAIChatCodec{}
	}
}

// NewEncoder returns a fresh encoder for a format. Freshness matters for
// streaming: the Responses encoder accumulates per-stream state.
func NewEncoder(f Format) Encoder {
	switch f {
	case FormatOpenAIResponses:
		return newOpenAIResponsesEncoder()
	case FormatAnthropic:
		return &anthropicCodec{}
	case FormatGemini:
		return &geminiCodec{}
	case FormatMoonshot:
		return &moonshotCodec{}
	case FormatAzure:
		return &azureCodec{}
	default:
		return &openAIChatCodec{}
	}
}

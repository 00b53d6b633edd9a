package codec

// moonshotCodec speaks Moonshot's OpenAI-compatible API. The wire format is
// identical to Chat Completions, so it delegates wholesale.
type moonshotCodec struct {
	openAIChatCodec
}

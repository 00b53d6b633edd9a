package codec

// azureCodec speaks Azure OpenAI deployments. The body format is Chat
// Completions; only the URL shape and auth header differ, and those are
// handled by the proxy layer.
type azureCodec struct {
	openAIChatCodec
}

package codec

import "testing"

func TestParseFormatAliases(t *testing.T) {
	cases := map[string]Format{
		"openai":           FormatOpenAIChat,
		"openai-chat":      FormatOpenAIChat,
		"openai_chat":      FormatOpenAIChat,
		"OpenAI":           FormatOpenAIChat,
		"openai_responses": FormatOpenAIResponses,
		"openai-responses": FormatOpenAIResponses,
		"claude":           FormatAnthropic,
		"anthropic":        FormatAnthropic,
		"google":           FormatGemini,
		"gemini":           FormatGemini,
		"kimi":             FormatMoonshot,
		"moonshot":         FormatMoonshot,
		"azure":            FormatAzure,
		"azure-openai":     FormatAzure,
	}
	for in, want := range cases {
		got, ok := ParseFormat(in)
		if !ok || got != want {
			t.Fatalf("ParseFormat(%q) = %v, %v; want %v", in, got, ok, want)
		}
	}
	if _, ok := ParseFormat("cohere"); ok {
		t.Fatal("expected unknown format to fail")
	}
}

func TestFormatFromProvider(t *testing.T) {
	got, ok := FormatFromProvider("anthropic")
	if !ok || got != FormatAnthropic {
		t.Fatalf("got %v, %v", got, ok)
	}
	if _, ok := FormatFromProvider("mistral"); ok {
		t.Fatal("expected unknown provider to fail")
	}
}

func TestNewEncoderReturnsFreshResponsesEncoder(t *testing.T) {
	a := NewEncoder(FormatOpenAIResponses)
	b := NewEncoder(FormatOpenAIResponses)
	if a == b {
		t.Fatal("stream encoders must not be shared")
	}
}

func TestContentNormalizeCollapsesSingleTextPart(t *testing.T) {
	c := PartsContent([]ContentPart{TextPart("hello")}).Normalize()
	if c.IsParts() {
		t.Fatal("single text part should collapse to bare text")
	}
	if c.Text != "hello" {
		t.Fatalf("got %q", c.Text)
	}

	mixed := PartsContent([]ContentPart{TextPart("a"), TextPart("b")}).Normalize()
	if !mixed.IsParts() {
		t.Fatal("multi-part content must stay parts")
	}
}

func TestContentJSONRoundTrip(t *testing.T) {
	var c Content
	if err := c.UnmarshalJSON([]byte(`"plain"`)); err != nil {
		t.Fatal(err)
	}
	if c.Text != "plain" || c.IsParts() {
		t.Fatalf("got %+v", c)
	}

	var p Content
	err := p.UnmarshalJSON([]byte(`[{"type":"text","text":"x"},{"type":"image","url":"http://e/i.png"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsParts() || len(p.Parts) != 2 {
		t.Fatalf("got %+v", p)
	}
}

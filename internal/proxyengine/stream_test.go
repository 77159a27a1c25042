package proxyengine

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseNonStreamUsageOpenAIShape(t *testing.T) {
	u := parseNonStreamUsage([]byte(`{"id":"x","usage":{"prompt_tokens":12,"completion_tokens":34}}`))
	if u.PromptTokens != 12 || u.CompletionTokens != 34 {
		t.Fatalf("got %+v", u)
	}
}

func TestParseNonStreamUsageAnthropicShape(t *testing.T) {
	u := parseNonStreamUsage([]byte(`{"id":"x","usage":{"input_tokens":5,"output_tokens":7,"cache_creation_input_tokens":2,"cache_read_input_tokens":1}}`))
	if u.PromptTokens != 5 || u.CompletionTokens != 7 || u.CacheWriteTokens != 2 || u.CacheReadTokens != 1 {
		t.Fatalf("got %+v", u)
	}
}

func TestParseNonStreamUsageMalformedReturnsZero(t *testing.T) {
	u := parseNonStreamUsage([]byte(`not json`))
	if !u.Zero() {
		t.Fatalf("expected zero usage for malformed body, got %+v", u)
	}
}

func TestTeeStreamExtractsFinalUsageEvent(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"hi"}}]}`,
		``,
		`data: {"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":6}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")
	rec := httptest.NewRecorder()
	result := teeStream(rec, strings.NewReader(sse), time.Second, time.Now())
	if result.Usage.PromptTokens != 3 || result.Usage.CompletionTokens != 6 {
		t.Fatalf("expected final usage event parsed, got %+v", result.Usage)
	}
	if !strings.Contains(rec.Body.String(), "hi") {
		t.Fatal("expected tee'd body to reach the recorder")
	}
}

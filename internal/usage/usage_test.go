package usage

import "testing"

func TestExtractClaudeJSON(t *testing.T) {
	body := []byte(`{"model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":120,"output_tokens":45}}`)
	u := Extract("claude", body)
	if u == nil {
		t.Fatal("expected usage, got nil")
	}
	if u.PromptTokens != 120 || u.CompletionTokens != 45 || u.TotalTokens != 165 {
		t.Fatalf("unexpected usage: %+v", u)
	}
	if u.Model != "claude-3-5-sonnet-20241022" {
		t.Fatalf("unexpected model: %q", u.Model)
	}
}

func TestExtractCodexJSONTotalFromSum(t *testing.T) {
	body := []byte(`{"model":"gpt-4.1-mini","usage":{"prompt_tokens":10,"completion_tokens":5}}`)
	u := Extract("codex", body)
	if u == nil {
		t.Fatal("expected usage, got nil")
	}
	if u.TotalTokens != 15 {
		t.Fatalf("TotalTokens = %d, want 15 (summed, since absent)", u.TotalTokens)
	}
}

func TestExtractCodexJSONTotalFromField(t *testing.T) {
	body := []byte(`{"model":"gpt-4.1-mini","usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":99}}`)
	u := Extract("codex", body)
	if u == nil {
		t.Fatal("expected usage, got nil")
	}
	if u.TotalTokens != 99 {
		t.Fatalf("TotalTokens = %d, want 99 (explicit field wins)", u.TotalTokens)
	}
}

func TestExtractMissingUsageReturnsNil(t *testing.T) {
	body := []byte(`{"model":"claude-3-5-sonnet-20241022"}`)
	if u := Extract("claude", body); u != nil {
		t.Fatalf("expected nil, got %+v", u)
	}
}

func TestExtractUnknownServiceReturnsNil(t *testing.T) {
	body := []byte(`{"model":"x","usage":{"input_tokens":1,"output_tokens":1}}`)
	if u := Extract("unknown-service", body); u != nil {
		t.Fatalf("expected nil, got %+v", u)
	}
}

func TestExtractSSEStreamSumsDeltasAndKeepsLastModel(t *testing.T) {
	stream := "" +
		"data: {\"type\":\"message_start\",\"model\":\"claude-3-5-sonnet-20241022\",\"usage\":{\"input_tokens\":50,\"output_tokens\":0}}\n" +
		"data: {\"usage\":{\"input_tokens\":0,\"output_tokens\":10}}\n" +
		"data: {\"usage\":{\"input_tokens\":0,\"output_tokens\":20}}\n" +
		"data: [DONE]\n"

	u := Extract("claude", []byte(stream))
	if u == nil {
		t.Fatal("expected usage, got nil")
	}
	if u.PromptTokens != 50 {
		t.Fatalf("PromptTokens = %d, want 50", u.PromptTokens)
	}
	if u.CompletionTokens != 30 {
		t.Fatalf("CompletionTokens = %d, want 30 (summed across deltas)", u.CompletionTokens)
	}
	if u.Model != "claude-3-5-sonnet-20241022" {
		t.Fatalf("Model = %q, want the message_start model to be retained", u.Model)
	}
}

func TestExtractSSEStreamWithPartialFieldsPerFrameStillAccumulates(t *testing.T) {
	stream := "" +
		"data: {\"model\":\"gpt-4\",\"usage\":{\"prompt_tokens\":5}}\n" +
		"data: {\"usage\":{\"completion_tokens\":15,\"total_tokens\":20}}\n" +
		"data: [DONE]\n"

	u := Extract("codex", []byte(stream))
	if u == nil {
		t.Fatal("expected usage, got nil")
	}
	if u.PromptTokens != 5 || u.CompletionTokens != 15 || u.TotalTokens != 20 {
		t.Fatalf("unexpected usage: %+v", u)
	}
	if u.Model != "gpt-4" {
		t.Fatalf("Model = %q, want gpt-4", u.Model)
	}
}

func TestExtractSSEStreamWithNoUsageEventsReturnsNil(t *testing.T) {
	stream := "data: {\"type\":\"ping\"}\ndata: [DONE]\n"
	if u := Extract("claude", []byte(stream)); u != nil {
		t.Fatalf("expected nil, got %+v", u)
	}
}

func TestExtractInvalidUTF8ReturnsNil(t *testing.T) {
	body := []byte{0xff, 0xfe, 0xfd}
	if u := Extract("claude", body); u != nil {
		t.Fatalf("expected nil for invalid UTF-8, got %+v", u)
	}
}

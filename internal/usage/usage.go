// Package usage extracts token counts from Claude and Codex response bodies,
// whether buffered JSON or an SSE event stream.
package usage

import (
	"bufio"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Usage is the token accounting extracted from one response body.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Model            string
}

// Extract attempts to recover token usage from body for the named service
// family ("claude" or "codex"). It tries a single JSON document first, then
// falls back to scanning the body as an SSE event stream. Returns nil if no
// usage could be recovered.
func Extract(service string, body []byte) *Usage {
	if !utf8.Valid(body) {
		return nil
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err == nil {
		return extractFromJSON(service, doc)
	}

	return extractFromSSE(service, string(body))
}

func extractFromJSON(service string, doc interface{}) *Usage {
	m, ok := doc.(map[string]interface{})
	if !ok {
		return nil
	}
	switch service {
	case "claude":
		return extractClaudeUsage(m)
	case "codex":
		return extractCodexUsage(m)
	default:
		return nil
	}
}

func extractClaudeUsage(m map[string]interface{}) *Usage {
	usage, ok := m["usage"].(map[string]interface{})
	if !ok {
		return nil
	}
	input, _ := asInt64(usage["input_tokens"])
	output, _ := asInt64(usage["output_tokens"])
	return &Usage{
		PromptTokens:     input,
		CompletionTokens: output,
		TotalTokens:      input + output,
		Model:            modelOrUnknown(m["model"]),
	}
}

func extractCodexUsage(m map[string]interface{}) *Usage {
	usage, ok := m["usage"].(map[string]interface{})
	if !ok {
		return nil
	}
	prompt, _ := asInt64(usage["prompt_tokens"])
	completion, _ := asInt64(usage["completion_tokens"])
	total, ok := asInt64(usage["total_tokens"])
	if !ok {
		total = prompt + completion
	}
	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		Model:            modelOrUnknown(m["model"]),
	}
}

func extractFromSSE(service, stream string) *Usage {
	total := Usage{}
	found := false

	scanner := bufio.NewScanner(strings.NewReader(stream))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			continue
		}

		var doc interface{}
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			continue
		}
		u := extractFromJSON(service, doc)
		if u == nil {
			continue
		}

		total.PromptTokens += u.PromptTokens
		total.CompletionTokens += u.CompletionTokens
		if u.Model != "" && u.Model != "unknown" {
			total.Model = u.Model
		}
		found = true
	}

	if !found {
		return nil
	}
	total.TotalTokens = total.PromptTokens + total.CompletionTokens
	return &total
}

func asInt64(v interface{}) (int64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func modelOrUnknown(v interface{}) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return "unknown"
	}
	return s
}

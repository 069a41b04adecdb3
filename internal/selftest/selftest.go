// Package selftest runs a one-shot connectivity probe against a single
// upstream descriptor, logging the outcome to the ledger under a
// "config-test:<name>" channel.
package selftest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/paf-relay/paf/internal/configstore"
	"github.com/paf-relay/paf/internal/ledger"
)

const probeTimeout = 15 * time.Second

// Result is the JSON shape returned to the admin API caller.
type Result struct {
	Success         bool   `json:"success"`
	StatusCode      *int   `json:"status_code,omitempty"`
	Message         string `json:"message,omitempty"`
	DurationMs      int64  `json:"duration_ms"`
	ResponsePreview string `json:"response_preview,omitempty"`
}

// Run probes desc with a minimal inference request for service (claude or
// codex), logs the outcome to led, and returns the summarized Result.
// Grounded on original_source/src/web/web_server.rs's
// execute_connectivity_test/fetch_model_identifier.
func Run(ctx context.Context, led *ledger.Ledger, service, name string, desc configstore.Descriptor) (*Result, error) {
	if desc.APIKey == "" && desc.AuthToken == "" {
		return &Result{Success: false, Message: "No API credentials configured."}, nil
	}

	client := &http.Client{Timeout: probeTimeout}
	baseURL := strings.TrimRight(desc.BaseURL, "/")

	headers := probeHeaders(desc)
	model := fetchModelIdentifier(ctx, client, baseURL, service, headers)

	targetPath, reqBody := buildProbeRequest(service, model)
	if service == "claude" {
		headers.Set("anthropic-version", "2023-06-01")
	}

	targetURL := baseURL + targetPath
	reqBytes, _ := json.Marshal(reqBody)

	start := time.Now()
	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("selftest: build request: %w", err)
	}
	upReq.Header = headers.Clone()

	var (
		statusCode *int
		bodyText   string
		success    bool
		message    string
	)

	resp, err := client.Do(upReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		message = err.Error()
	} else {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		bodyText = string(data)
		code := resp.StatusCode
		statusCode = &code
		success = resp.StatusCode >= 200 && resp.StatusCode < 300
		if bodyText == "" {
			message = http.StatusText(resp.StatusCode)
		} else {
			message = truncateUTF8(bodyText, 512)
		}
	}

	var errMsgPtr *string
	if !success {
		m := message
		errMsgPtr = &m
	}
	var responseBodyPtr *string
	if bodyText != "" {
		b := truncateUTF8(bodyText, 4096)
		responseBodyPtr = &b
	}
	channel := "config-test:" + name
	entry := &ledger.Entry{
		ID:           uuid.NewString(),
		Timestamp:    start.UTC(),
		Service:      service,
		Method:       http.MethodPost,
		Path:         targetPath,
		StatusCode:   statusCodeOrZero(statusCode),
		DurationMs:   durationMs,
		ErrorMessage: errMsgPtr,
		Channel:      &channel,
		TargetURL:    &targetURL,
		RequestBody:  strPtr(truncateUTF8(string(reqBytes), 2048)),
		ResponseBody: responseBodyPtr,
	}
	if err := led.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("selftest: log request: %w", err)
	}

	result := &Result{
		Success:    success,
		StatusCode: statusCode,
		Message:    message,
		DurationMs: durationMs,
	}
	if bodyText != "" {
		result.ResponsePreview = truncateUTF8(bodyText, 256)
	}
	return result, nil
}

func probeHeaders(desc configstore.Descriptor) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	if desc.APIKey != "" {
		h.Set("x-api-key", desc.APIKey)
	}
	if desc.AuthToken != "" {
		h.Set("Authorization", "Bearer "+desc.AuthToken)
	}
	return h
}

func buildProbeRequest(service, model string) (string, map[string]interface{}) {
	switch service {
	case "claude":
		return "/v1/messages", map[string]interface{}{
			"model":            model,
			"max_output_tokens": 32,
			"messages": []map[string]interface{}{
				{"role": "user", "content": []map[string]interface{}{{"type": "text", "text": "health check"}}},
			},
		}
	case "codex":
		return "/v1/responses", map[string]interface{}{
			"model": model,
			"input": []map[string]interface{}{
				{"role": "user", "content": []map[string]interface{}{{"type": "text", "text": "health check"}}},
			},
			"max_output_tokens": 32,
		}
	default:
		return "/", map[string]interface{}{"ping": true}
	}
}

// fetchModelIdentifier queries <base>/v1/models and returns the
// service-appropriate live model id, or the spec's fallback. It never
// returns an error — a probe failure here just falls back.
func fetchModelIdentifier(ctx context.Context, client *http.Client, baseURL, service string, headers http.Header) string {
	fallback := map[string]string{"claude": "claude-3-5-sonnet-20241022", "codex": "gpt-4.1-mini"}[service]
	if fallback == "" {
		fallback = "default"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return fallback
	}
	req.Header = headers.Clone()

	resp, err := client.Do(req)
	if err != nil {
		return fallback
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fallback
	}

	var payload struct {
		Data   []struct{ ID string `json:"id"` } `json:"data"`
		Models []struct{ ID string `json:"id"` } `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fallback
	}

	candidates := payload.Data
	if len(candidates) == 0 {
		candidates = payload.Models
	}
	if len(candidates) == 0 {
		return fallback
	}

	prefix := map[string][]string{"claude": {"claude"}, "codex": {"gpt", "o1"}}[service]
	for _, c := range candidates {
		for _, p := range prefix {
			if strings.HasPrefix(c.ID, p) {
				return c.ID
			}
		}
	}
	return candidates[0].ID
}

// truncateUTF8 truncates s to at most max bytes on a valid rune boundary,
// appending an ellipsis when truncated.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func statusCodeOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func strPtr(s string) *string { return &s }

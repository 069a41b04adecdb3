package forwarder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/paf-relay/paf/internal/apierror"
)

// routeTagPattern strips internal route tags like [paf/claude] from upstream
// error messages before they reach the client.
var routeTagPattern = regexp.MustCompile(`\[paf/[^\]]+\]\s*`)

type errorCode struct {
	code    string
	status  int
	errType string
	message string
	pattern *regexp.Regexp
}

// errorCodes classifies upstream error bodies into a stable client-facing
// shape, grounded on the teacher's internal/relay/errors.go table.
var errorCodes = []errorCode{
	{"E001", 400, "invalid_request_error", "bad request format", regexp.MustCompile(`(?i)invalid.?request|bad request|malformed`)},
	{"E002", 401, "authentication_error", "authentication failed", regexp.MustCompile(`(?i)unauthorized|invalid.*key|auth.*fail|invalid.*token`)},
	{"E003", 403, "permission_error", "access denied", regexp.MustCompile(`(?i)forbidden|permission|access.?denied`)},
	{"E004", 404, "not_found_error", "resource not found", regexp.MustCompile(`(?i)not.?found`)},
	{"E005", 413, "request_too_large", "request payload too large", regexp.MustCompile(`(?i)too.?large|payload|content.?length`)},
	{"E006", 429, "rate_limit_error", "rate limited, please retry later", regexp.MustCompile(`(?i)rate.?limit|too.?many|throttl`)},
	{"E007", 500, "api_error", "internal server error", regexp.MustCompile(`(?i)internal.?server`)},
	{"E008", 502, "api_error", "bad gateway", regexp.MustCompile(`(?i)bad.?gateway`)},
	{"E009", 503, "overloaded_error", "service temporarily overloaded", regexp.MustCompile(`(?i)overloaded|unavailable`)},
	{"E010", 529, "overloaded_error", "API overloaded, please retry later", regexp.MustCompile(`(?i)529|overloaded`)},
	{"E011", 400, "invalid_request_error", "model not available", regexp.MustCompile(`(?i)model.*not.*available|unsupported.*model|does not support`)},
	{"E012", 400, "invalid_request_error", "context window exceeded", regexp.MustCompile(`(?i)context.?window|token.?limit.*exceed|too.?long|max.*tokens.*input`)},
	{"E013", 400, "invalid_request_error", "output token limit exceeded", regexp.MustCompile(`(?i)max.*output|output.*token.*limit`)},
	{"E014", 400, "invalid_request_error", "content policy violation", regexp.MustCompile(`(?i)content.?policy|safety|moderation|harmful`)},
	{"E015", 500, "api_error", "unexpected upstream error", nil},
}

var statusCodeMap = map[int]*errorCode{}

func init() {
	direct := map[int]string{401: "E002", 403: "E003", 404: "E004", 413: "E005", 429: "E006", 502: "E008", 503: "E009", 529: "E010"}
	for i := range errorCodes {
		ec := &errorCodes[i]
		if code, ok := direct[ec.status]; ok && ec.code == code {
			statusCodeMap[ec.status] = ec
		}
	}
}

// SanitizeError maps a raw upstream error response to the stable
// {type:"error",error:{type,message}} shape the data-plane clients expect.
// It never invents a status code for a response the upstream actually sent —
// spec.md's UpstreamError row passes the status through as received.
func SanitizeError(statusCode int, body []byte) []byte {
	bodyStr := stripRouteTags(string(body))

	if ec, ok := statusCodeMap[statusCode]; ok {
		return buildErrorJSON(ec.errType, ec.message)
	}

	for i := range errorCodes {
		ec := &errorCodes[i]
		if ec.pattern != nil && ec.pattern.MatchString(bodyStr) {
			return buildErrorJSON(ec.errType, ec.message)
		}
	}

	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(bodyStr), &parsed) == nil && parsed.Error.Type != "" {
		return buildErrorJSON(parsed.Error.Type, stripRouteTags(parsed.Error.Message))
	}

	last := errorCodes[len(errorCodes)-1]
	return buildErrorJSON(last.errType, last.message)
}

// SanitizeSSEError wraps a sanitized error as an SSE event frame.
func SanitizeSSEError(statusCode int, body []byte) string {
	return fmt.Sprintf("event: error\ndata: %s\n\n", SanitizeError(statusCode, body))
}

func stripRouteTags(s string) string {
	return strings.TrimSpace(routeTagPattern.ReplaceAllString(s, ""))
}

func buildErrorJSON(errType, msg string) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"type":  "error",
		"error": map[string]string{"type": errType, "message": msg},
	})
	return data
}

// writeDataPlaneError writes a synthetic apierror.Error (configuration,
// network, timeout, internal) in the same {type,error:{type,message}} shape
// as a sanitized upstream error, per SPEC_FULL.md §7: the data plane always
// speaks this envelope, never the control plane's taxonomy envelope.
func writeDataPlaneError(status int, apiErr *apierror.Error) (int, []byte) {
	if status == 0 {
		status = apiErr.Status
	}
	errType := string(apiErr.Kind)
	if ec, ok := statusCodeMap[status]; ok {
		errType = ec.errType
	}
	return status, buildErrorJSON(errType, apiErr.Message)
}

package apierror

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestConstructorsSetStatus(t *testing.T) {
	cases := []struct {
		err    *Error
		status int
	}{
		{Configuration("no upstreams"), http.StatusInternalServerError},
		{Upstream(429, "rate limited"), 429},
		{Network("dial refused"), http.StatusBadGateway},
		{Timeout("connect timed out"), http.StatusGatewayTimeout},
		{Internal("body read failed"), http.StatusInternalServerError},
		{Database("insert failed"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if c.err.Status != c.status {
			t.Fatalf("%s: status = %d, want %d", c.err.Kind, c.err.Status, c.status)
		}
	}
}

func TestErrorMessageIncludesDetails(t *testing.T) {
	e := &Error{Kind: KindInternal, Message: "read failed", Details: "EOF"}
	if got, want := e.Error(), "read failed: EOF"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestFromDialErrorClassifiesTimeout(t *testing.T) {
	_, err := (&http.Client{Timeout: time.Nanosecond}).Get("http://127.0.0.1:1")
	if err == nil {
		t.Fatal("expected an error from an impossible request")
	}
	e := FromDialError(err)
	if e.Kind != KindTimeout && e.Kind != KindNetwork {
		t.Fatalf("Kind = %s, want timeout or network", e.Kind)
	}
}

func TestFromDialErrorClassifiesContextDeadline(t *testing.T) {
	e := FromDialError(context.DeadlineExceeded)
	if e.Kind != KindTimeout {
		t.Fatalf("Kind = %s, want timeout_error", e.Kind)
	}
}

func TestWriteJSONEnvelopeShape(t *testing.T) {
	rec := httptest.NewRecorder()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	WriteJSON(rec, Upstream(503, "service unavailable"), now)

	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var body struct {
		Error struct {
			Type      string `json:"type"`
			Message   string `json:"message"`
			Timestamp string `json:"timestamp"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Type != string(KindUpstream) {
		t.Fatalf("type = %q, want %q", body.Error.Type, KindUpstream)
	}
	if body.Error.Message != "service unavailable" {
		t.Fatalf("message = %q", body.Error.Message)
	}
	if body.Error.Timestamp != "2026-01-02T03:04:05Z" {
		t.Fatalf("timestamp = %q", body.Error.Timestamp)
	}
}

func TestWriteJSONDefaultsMissingStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, &Error{Kind: KindInternal, Message: "oops"}, time.Now())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestAsUnwraps(t *testing.T) {
	e := Database("busy")
	if got, ok := As(e); !ok || got != e {
		t.Fatalf("As: got %+v, ok %v", got, ok)
	}
	if _, ok := As(context.Canceled); ok {
		t.Fatal("expected As to fail for a non-*Error")
	}
}

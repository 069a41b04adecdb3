package forwarder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/paf-relay/paf/internal/balancer"
	"github.com/paf-relay/paf/internal/configstore"
	"github.com/paf-relay/paf/internal/hub"
	"github.com/paf-relay/paf/internal/ledger"
	"github.com/paf-relay/paf/internal/transport"
)

func newTestForwarder(t *testing.T, upstream *httptest.Server) *Forwarder {
	t.Helper()
	dir := t.TempDir()

	cfg, err := configstore.Open(filepath.Join(dir, "claude.toml"))
	if err != nil {
		t.Fatalf("configstore.Open: %v", err)
	}
	if err := cfg.Add(configstore.Descriptor{Name: "primary", BaseURL: upstream.URL, Weight: 1, Active: true, APIKey: "secret-key"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	bal, err := balancer.Open(filepath.Join(dir, "lb.toml"), 3, 10)
	if err != nil {
		t.Fatalf("balancer.Open: %v", err)
	}

	led, err := ledger.Open(filepath.Join(dir, "requests.db"), 1000)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	return &Forwarder{
		Service:   "claude",
		Config:    cfg,
		Balancer:  bal,
		Ledger:    led,
		Hub:       hub.New(100),
		Transport: transport.New(5*time.Second, 30*time.Second),
	}
}

func TestForwardsSuccessAndStripsHopHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "secret-key" {
			t.Errorf("upstream saw x-api-key = %q, want secret-key", got)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("upstream saw Authorization = %q, want empty", got)
		}
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(200)
		w.Write([]byte(`{"usage":{"input_tokens":10,"output_tokens":20},"model":"claude-3-5-sonnet-20241022"}`))
	}))
	defer upstream.Close()

	f := newTestForwarder(t, upstream)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "client-supplied-should-be-stripped")
	req.Header.Set("Authorization", "Bearer client-token")
	rec := httptest.NewRecorder()

	f.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Connection") != "" {
		t.Fatalf("Connection header leaked through: %q", rec.Header().Get("Connection"))
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Fatal("expected upstream's own header to pass through")
	}
}

func TestStreamingRequestForwardsClientAcceptUnchanged(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "application/x-ndjson" {
			t.Errorf("upstream saw Accept = %q, want application/x-ndjson", got)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(200)
		w.Write([]byte("\n"))
	}))
	defer upstream.Close()

	f := newTestForwarder(t, upstream)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("Accept", "application/x-ndjson")
	rec := httptest.NewRecorder()

	f.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestConfigurationErrorWhenNoUpstreams(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, upstream)
	for name := range f.Config.List() {
		f.Config.Remove(name)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestIsStreamingRequestClassification(t *testing.T) {
	cases := []struct {
		name string
		h    http.Header
		want bool
	}{
		{"accept sse", http.Header{"Accept": {"text/event-stream"}}, true},
		{"accept ndjson", http.Header{"Accept": {"application/x-ndjson"}}, true},
		{"content-type stream", http.Header{"Content-Type": {"application/stream+json"}}, true},
		{"stainless helper", http.Header{"X-Stainless-Helper-Method": {"createAndStream"}}, true},
		{"plain json", http.Header{"Accept": {"application/json"}}, false},
	}
	for _, c := range cases {
		if got := isStreamingRequest(c.h); got != c.want {
			t.Errorf("%s: isStreamingRequest = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestSanitizeErrorMapsDirectStatus(t *testing.T) {
	body := SanitizeError(429, []byte(`{"error":"whatever"}`))
	var parsed struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.Error.Type != "rate_limit_error" {
		t.Fatalf("type = %q, want rate_limit_error", parsed.Error.Type)
	}
}

func TestSanitizeErrorFallsBackToE015(t *testing.T) {
	body := SanitizeError(599, []byte(`not json, no known pattern here`))
	var parsed struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.Error.Type != "api_error" {
		t.Fatalf("type = %q, want api_error", parsed.Error.Type)
	}
}

func TestBuildTargetURLPreservesQuery(t *testing.T) {
	u := httptest.NewRequest(http.MethodGet, "/v1/messages?beta=true", nil).URL
	got, err := buildTargetURL("https://api.example.com/", u)
	if err != nil {
		t.Fatalf("buildTargetURL: %v", err)
	}
	if want := "https://api.example.com/v1/messages?beta=true"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

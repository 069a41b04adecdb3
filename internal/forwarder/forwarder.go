// Package forwarder is the per-service-family front door: it consults the
// Balancer for an upstream, rewrites headers, dispatches the request, relays
// the response (streamed or buffered), and reports the outcome to the
// Balancer, Hub, and Ledger.
package forwarder

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/paf-relay/paf/internal/apierror"
	"github.com/paf-relay/paf/internal/balancer"
	"github.com/paf-relay/paf/internal/configstore"
	"github.com/paf-relay/paf/internal/hub"
	"github.com/paf-relay/paf/internal/ledger"
	"github.com/paf-relay/paf/internal/transport"
	"github.com/paf-relay/paf/internal/usage"
)

// excludedRequestHeaders are stripped from the inbound request before it is
// forwarded upstream; see original_source/src/proxy/proxy_service.rs's
// build_headers.
var excludedRequestHeaders = map[string]bool{
	"host":           true,
	"content-length": true,
	"x-api-key":      true,
	"authorization":  true,
}

// excludedResponseHeaders are not copied back to the client; the transport
// re-frames these for its own response.
var excludedResponseHeaders = map[string]bool{
	"connection":        true,
	"transfer-encoding": true,
	"content-length":    true,
}

// totalTimeout bounds the whole outbound round trip; connect timeout is
// enforced by internal/transport's Manager.
const totalTimeout = 300 * time.Second

// Forwarder handles every inbound request for one service family.
type Forwarder struct {
	Service   string
	Config    *configstore.Store
	Balancer  *balancer.Balancer
	Ledger    *ledger.Ledger
	Hub       *hub.Hub
	Transport *transport.Manager
}

// ServeHTTP implements the http.Handler front door described by spec.md §4.6.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	start := time.Now()

	active := f.Config.ActiveName()
	pool := f.Config.Weights()
	if len(pool) == 0 {
		f.writeAndLog(w, requestID, start, r, "", apierror.Configuration("no upstreams configured"))
		return
	}

	name := f.Balancer.Select(f.Service, active, pool)
	if name == "" {
		f.writeAndLog(w, requestID, start, r, "", apierror.Configuration("no upstream available"))
		return
	}

	desc, ok := f.Config.Get(name)
	if !ok {
		f.writeAndLog(w, requestID, start, r, name, apierror.Configuration("selected upstream not found: "+name))
		return
	}

	targetURL, err := buildTargetURL(desc.BaseURL, r.URL)
	if err != nil {
		f.writeAndLog(w, requestID, start, r, name, apierror.Configuration(err.Error()))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		f.writeAndLog(w, requestID, start, r, name, apierror.Internal("failed to read request body"))
		return
	}

	client, err := f.Transport.Client(transport.Key{Service: f.Service, Name: name, Proxy: desc.Proxy})
	if err != nil {
		f.writeAndLog(w, requestID, start, r, name, apierror.Configuration(err.Error()))
		return
	}

	streaming := isStreamingRequest(r.Header)

	f.Hub.RequestStarted(&hub.ActiveRequest{
		RequestID: requestID,
		Service:   f.Service,
		Channel:   name,
		Method:    r.Method,
		Path:      r.URL.Path,
		StartTime: start,
		TargetURL: strPtr(targetURL),
	})

	ctx, cancel := context.WithTimeout(r.Context(), totalTimeout)
	defer cancel()

	upReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, strings.NewReader(string(body)))
	if err != nil {
		f.finish(w, requestID, start, r, name, apierror.Internal(err.Error()), nil, nil)
		return
	}
	applyOutboundHeaders(upReq, r.Header, desc, targetURL)

	resp, err := client.Do(upReq)
	if err != nil {
		f.finish(w, requestID, start, r, name, apierror.FromDialError(err), nil, nil)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	var usg *usage.Usage
	if streaming {
		usg = f.relayStream(w, resp.Body, requestID, start)
	} else {
		usg = f.relayBuffered(w, resp.Body)
	}

	statusCode := resp.StatusCode
	f.finish(w, requestID, start, r, name, nil, &statusCode, usg)
}

// finish records the outcome to Balancer, Hub, and Ledger exactly once per
// request, per spec.md §4.6 step 10 / §5's "record outcome exactly once"
// guarantee.
func (f *Forwarder) finish(w http.ResponseWriter, requestID string, start time.Time, r *http.Request, name string, apiErr *apierror.Error, statusCode *int, usg *usage.Usage) {
	durationMs := time.Since(start).Milliseconds()

	var status int
	var success bool
	var errMsg *string
	if apiErr != nil {
		status = apiErr.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		success = false
		msg := apiErr.Error()
		errMsg = &msg
		writeStatus, body := writeDataPlaneError(status, apiErr)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(writeStatus)
		w.Write(body)
		code := status
		f.Hub.RequestFailed(requestID, &code)
	} else {
		status = *statusCode
		success = status >= 200 && status < 400
		if success {
			f.Hub.RequestCompleted(requestID, status)
		} else {
			code := status
			f.Hub.RequestFailed(requestID, &code)
		}
	}

	if name != "" {
		if err := f.Balancer.Record(f.Service, name, success); err != nil {
			slog.Warn("balancer record failed", "service", f.Service, "name", name, "error", err)
		}
	}

	entry := &ledger.Entry{
		ID:           requestID,
		Timestamp:    start.UTC(),
		Service:      f.Service,
		Method:       r.Method,
		Path:         r.URL.Path,
		StatusCode:   status,
		DurationMs:   durationMs,
		ErrorMessage: errMsg,
		Channel:      strPtrOrNil(name),
	}
	if usg != nil {
		entry.Usage = &ledger.Usage{
			PromptTokens:     usg.PromptTokens,
			CompletionTokens: usg.CompletionTokens,
			TotalTokens:      usg.TotalTokens,
			Model:            usg.Model,
		}
	}
	if err := f.Ledger.Insert(r.Context(), entry); err != nil {
		slog.Warn("ledger insert failed", "service", f.Service, "error", err)
	}
}

// writeAndLog handles a pre-dispatch failure (no upstream I/O happened), so
// there is no response status to report beyond the synthesized error.
func (f *Forwarder) writeAndLog(w http.ResponseWriter, requestID string, start time.Time, r *http.Request, name string, apiErr *apierror.Error) {
	f.Hub.RequestStarted(&hub.ActiveRequest{
		RequestID: requestID,
		Service:   f.Service,
		Channel:   name,
		Method:    r.Method,
		Path:      r.URL.Path,
		StartTime: start,
	})
	f.finish(w, requestID, start, r, name, apiErr, nil, nil)
}

// relayBuffered reads the whole upstream body, extracts usage from it, then
// writes it to the client — the non-streaming half of spec.md §9(c)'s
// supplement.
func (f *Forwarder) relayBuffered(w http.ResponseWriter, body io.Reader) *usage.Usage {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil
	}
	w.Write(data)
	return usage.Extract(f.Service, data)
}

// relayStream pipes the upstream SSE body to the client line-by-line while
// mirroring every line into an accumulator; usage.Extract runs once the
// stream completes, per spec.md §9(c).
func (f *Forwarder) relayStream(w http.ResponseWriter, body io.Reader, requestID string, start time.Time) *usage.Usage {
	flusher, _ := w.(http.Flusher)

	var acc strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		acc.WriteString(line)
		acc.WriteByte('\n')

		w.Write([]byte(line))
		w.Write([]byte("\n"))
		if line == "" {
			f.Hub.RequestStreaming(requestID)
			if flusher != nil {
				flusher.Flush()
			}
			continue
		}
		f.Hub.ResponseChunk(requestID, line)
	}
	if flusher != nil {
		flusher.Flush()
	}

	return usage.Extract(f.Service, []byte(acc.String()))
}

func buildTargetURL(baseURL string, inbound *url.URL) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + inbound.Path)
	if err != nil {
		return "", err
	}
	u.RawQuery = inbound.RawQuery
	return u.String(), nil
}

func applyOutboundHeaders(upReq *http.Request, inbound http.Header, desc configstore.Descriptor, targetURL string) {
	upReq.Header = make(http.Header, len(inbound))
	for k, vals := range inbound {
		if excludedRequestHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vals {
			upReq.Header.Add(k, v)
		}
	}

	if u, err := url.Parse(targetURL); err == nil {
		upReq.Host = u.Host
	}
	if desc.APIKey != "" {
		upReq.Header.Set("x-api-key", desc.APIKey)
	}
	if desc.AuthToken != "" {
		upReq.Header.Set("Authorization", "Bearer "+desc.AuthToken)
	}
	upReq.Header.Set("Connection", "keep-alive")
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vals := range src {
		if excludedResponseHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// isStreamingRequest mirrors original_source/src/proxy/proxy_service.rs's
// is_streaming_request.
func isStreamingRequest(h http.Header) bool {
	accept := strings.ToLower(h.Get("Accept"))
	if strings.Contains(accept, "text/event-stream") || strings.Contains(accept, "application/x-ndjson") {
		return true
	}
	contentType := strings.ToLower(h.Get("Content-Type"))
	if strings.Contains(contentType, "stream") || strings.Contains(contentType, "event-stream") {
		return true
	}
	helper := strings.ToLower(h.Get("x-stainless-helper-method"))
	return strings.Contains(helper, "stream")
}

func strPtr(s string) *string { return &s }

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

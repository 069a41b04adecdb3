// Package transport manages pooled HTTP clients, one per upstream, with a
// connect/total timeout split and optional outbound proxy dialing.
package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// Manager pools one http.Client per upstream key, evicting idle entries on
// a background schedule.
type Manager struct {
	mu             sync.Mutex
	entries        map[string]*poolEntry
	connectTimeout time.Duration
	requestTimeout time.Duration
}

type poolEntry struct {
	client   *http.Client
	lastUsed time.Time
}

// New creates a Manager. connectTimeout bounds the TCP+TLS handshake;
// requestTimeout bounds the full round trip (0 disables a client-side cap,
// which streaming requests need).
func New(connectTimeout, requestTimeout time.Duration) *Manager {
	return &Manager{
		entries:        make(map[string]*poolEntry),
		connectTimeout: connectTimeout,
		requestTimeout: requestTimeout,
	}
}

// Key identifies one pooled client: a service family plus the upstream name
// within it, plus the proxy URL it must dial through (empty for direct).
type Key struct {
	Service string
	Name    string
	Proxy   string
}

func (k Key) string() string {
	return fmt.Sprintf("%s/%s|%s", k.Service, k.Name, k.Proxy)
}

// Client returns the pooled http.Client for key, building one if absent.
func (m *Manager) Client(key Key) (*http.Client, error) {
	cacheKey := key.string()

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[cacheKey]; ok {
		entry.lastUsed = time.Now()
		return entry.client, nil
	}

	rt, err := buildRoundTripper(key.Proxy, m.connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: build client for %s: %w", cacheKey, err)
	}
	client := &http.Client{Transport: rt, Timeout: m.requestTimeout}
	m.entries[cacheKey] = &poolEntry{client: client, lastUsed: time.Now()}
	return client, nil
}

// RunCleanup evicts transports idle past idleTimeout on a 1-minute tick,
// blocking until ctx is canceled.
func (m *Manager) RunCleanup(ctx context.Context, idleTimeout time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(idleTimeout)
		}
	}
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			closeIdle(entry.client.Transport)
			delete(m.entries, key)
		}
	}
}

// Close evicts every pooled transport.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		closeIdle(entry.client.Transport)
		delete(m.entries, key)
	}
}

func closeIdle(rt http.RoundTripper) {
	if t, ok := rt.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

// buildRoundTripper constructs a direct (http.Transport dialing the upstream,
// HTTP/1.1 or HTTP/2 as negotiated over TLS) or proxied (http.Transport with
// a CONNECT/SOCKS5 DialContext) transport. Unlike the teacher, no TLS
// fingerprint is impersonated — the standard library's TLS client hello is
// sent as-is.
func buildRoundTripper(proxyURL string, connectTimeout time.Duration) (http.RoundTripper, error) {
	if proxyURL == "" {
		return &http.Transport{
			DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
			TLSHandshakeTimeout: connectTimeout,
			ForceAttemptHTTP2:   true,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     5 * time.Minute,
		}, nil
	}

	dial, err := dialerFor(proxyURL, connectTimeout)
	if err != nil {
		return nil, err
	}
	return &http.Transport{
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     5 * time.Minute,
		DialContext:         dial,
	}, nil
}

func dialerFor(proxyURLStr string, connectTimeout time.Duration) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	u, err := url.Parse(proxyURLStr)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}

	switch u.Scheme {
	case "socks5", "socks5h":
		return socks5Dialer(u, connectTimeout), nil
	case "http", "https":
		return httpConnectDialer(u, connectTimeout), nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}

func socks5Dialer(u *url.URL, connectTimeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}

		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: connectTimeout})
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
			return ctxDialer.DialContext(ctx, network, addr)
		}
		return dialer.Dial(network, addr)
	}
}

func httpConnectDialer(u *url.URL, connectTimeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: connectTimeout}
		rawConn, err := dialer.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("proxy tcp dial: %w", err)
		}

		connectReq := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: addr},
			Host:   addr,
			Header: make(http.Header),
		}
		if u.User != nil {
			password, _ := u.User.Password()
			cred := base64.StdEncoding.EncodeToString([]byte(u.User.Username() + ":" + password))
			connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
		}

		if err := connectReq.Write(rawConn); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT write: %w", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(rawConn), connectReq)
		if err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT read: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
		}
		return rawConn, nil
	}
}

// Package logbuf is an slog.Handler that writes to stderr as usual and also
// keeps the last N log lines in memory, so the admin API can surface recent
// process logs without a separate log-shipping pipeline.
package logbuf

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Line is one captured log record.
type Line struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Handler is an slog.Handler backed by a fixed-size ring buffer.
type Handler struct {
	inner     slog.Handler
	root      *Handler // owns the ring; handlers from WithAttrs/WithGroup share it
	mu        sync.RWMutex
	ring      []Line
	ringSize  int
	ringPos   int
	ringCount int
	level     slog.Leveler
	attrs     []slog.Attr
	groups    []string
}

// New builds a Handler that logs to stderr and retains the last ringSize lines.
func New(level slog.Leveler, ringSize int) *Handler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	h := &Handler{
		inner:    slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		ring:     make([]Line, ringSize),
		ringSize: ringSize,
		level:    level,
	}
	h.root = h
	return h
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	attrs := make(map[string]any)
	prefix := groupPrefix(h.groups)
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})

	line := Line{Level: r.Level.String(), Message: r.Message, Time: r.Time}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	rt := h.root
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.ring[rt.ringPos] = line
	rt.ringPos = (rt.ringPos + 1) % rt.ringSize
	if rt.ringCount < rt.ringSize {
		rt.ringCount++
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		inner: h.inner.WithAttrs(attrs), root: h.root, ring: h.ring, ringSize: h.ringSize,
		ringPos: h.ringPos, ringCount: h.ringCount, level: h.level,
		attrs: append(cloneAttrs(h.attrs), attrs...), groups: h.groups,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{
		inner: h.inner.WithGroup(name), root: h.root, ring: h.ring, ringSize: h.ringSize,
		ringPos: h.ringPos, ringCount: h.ringCount, level: h.level,
		attrs: cloneAttrs(h.attrs), groups: append(append([]string{}, h.groups...), name),
	}
}

// Recent returns the retained log lines, oldest first.
func (h *Handler) Recent() []Line {
	h = h.root
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.ringCount == 0 {
		return nil
	}
	result := make([]Line, h.ringCount)
	start := (h.ringPos - h.ringCount + h.ringSize) % h.ringSize
	for i := 0; i < h.ringCount; i++ {
		result[i] = h.ring[(start+i)%h.ringSize]
	}
	return result
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	c := make([]slog.Attr, len(attrs))
	copy(c, attrs)
	return c
}

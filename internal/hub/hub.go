// Package hub tracks in-flight requests per service family and fans out
// lifecycle events to subscribed dashboard clients over WebSocket.
package hub

import (
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of an ActiveRequest.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusStreaming  Status = "STREAMING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	removalDelay            = 30 * time.Second
	defaultActiveCap        = 100
)

// ActiveRequest is the live state of one in-flight or recently-finished request.
type ActiveRequest struct {
	RequestID  string     `json:"requestId"`
	Service    string     `json:"service"`
	Channel    string     `json:"channel"`
	Method     string     `json:"method"`
	Path       string     `json:"path"`
	StartTime  time.Time  `json:"startTime"`
	Status     Status     `json:"status"`
	DurationMs int64      `json:"durationMs,omitempty"`
	StatusCode *int       `json:"statusCode,omitempty"`
	TargetURL  *string    `json:"targetUrl,omitempty"`
	endTime    *time.Time
}

// EventType discriminates the Event payload, matching the original hub's
// serde-tagged enum.
type EventType string

const (
	EventRequestStarted  EventType = "started"
	EventRequestProgress EventType = "progress"
	EventRequestComplete EventType = "completed"
	EventRequestFailed   EventType = "failed"
	EventPing            EventType = "ping"
)

// Event is the wire shape broadcast to every subscriber.
type Event struct {
	Type          EventType      `json:"type"`
	Request       *ActiveRequest `json:"request,omitempty"`
	ResponseDelta *string        `json:"responseDelta,omitempty"`
}

// Hub is the in-memory active-request table plus broadcast fan-out.
type Hub struct {
	mu          sync.RWMutex
	active      map[string]*ActiveRequest
	subscribers map[int]chan Event
	nextID      int
	activeCap   int

	afterFunc func(time.Duration, func()) *time.Timer
}

// New creates an empty Hub. activeCap bounds how many requests, in flight or
// finished, the active table holds (0 or less uses the default of 100).
func New(activeCap int) *Hub {
	if activeCap <= 0 {
		activeCap = defaultActiveCap
	}
	return &Hub{
		active:      make(map[string]*ActiveRequest),
		subscribers: make(map[int]chan Event),
		activeCap:   activeCap,
		afterFunc:   time.AfterFunc,
	}
}

// RequestStarted registers a new in-flight request and broadcasts it.
func (h *Hub) RequestStarted(req *ActiveRequest) {
	req.Status = StatusPending
	if req.StartTime.IsZero() {
		req.StartTime = time.Now().UTC()
	}

	h.mu.Lock()
	h.active[req.RequestID] = req
	h.mu.Unlock()

	h.broadcast(Event{Type: EventRequestStarted, Request: req})
	h.CleanupOld()
}

// RequestStreaming transitions a request into the streaming state.
func (h *Hub) RequestStreaming(requestID string) {
	h.mu.Lock()
	req, ok := h.active[requestID]
	if ok {
		req.Status = StatusStreaming
	}
	h.mu.Unlock()

	if ok {
		h.broadcast(Event{Type: EventRequestProgress, Request: req})
	}
}

// ResponseChunk reports one delta of a streaming response without changing
// the request's lifecycle status, updating its running duration.
func (h *Hub) ResponseChunk(requestID, delta string) {
	h.mu.Lock()
	req, ok := h.active[requestID]
	if ok {
		req.DurationMs = time.Since(req.StartTime).Milliseconds()
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	h.broadcast(Event{Type: EventRequestProgress, Request: req, ResponseDelta: &delta})
}

// RequestCompleted marks a request finished successfully and schedules its
// removal from the active table after a short grace period so a dashboard
// can show the terminal state before it disappears.
func (h *Hub) RequestCompleted(requestID string, statusCode int) {
	h.mu.Lock()
	req, ok := h.active[requestID]
	if ok {
		now := time.Now().UTC()
		req.Status = StatusCompleted
		req.StatusCode = &statusCode
		req.DurationMs = now.Sub(req.StartTime).Milliseconds()
		req.endTime = &now
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	h.broadcast(Event{Type: EventRequestComplete, Request: req})
	h.scheduleRemoval(requestID)
}

// RequestFailed marks a request finished in error and schedules its removal.
func (h *Hub) RequestFailed(requestID string, statusCode *int) {
	h.mu.Lock()
	req, ok := h.active[requestID]
	if ok {
		now := time.Now().UTC()
		req.Status = StatusFailed
		req.StatusCode = statusCode
		req.DurationMs = now.Sub(req.StartTime).Milliseconds()
		req.endTime = &now
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	h.broadcast(Event{Type: EventRequestFailed, Request: req})
	h.scheduleRemoval(requestID)
}

func (h *Hub) scheduleRemoval(requestID string) {
	h.afterFunc(removalDelay, func() {
		h.mu.Lock()
		delete(h.active, requestID)
		h.mu.Unlock()
	})
}

// CleanupOld drops requests (in flight or finished) beyond the configured cap,
// keeping the most recently started ones. RequestStarted calls it after every
// insert, so the cap holds without waiting out the removal delay.
func (h *Hub) CleanupOld() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.active) <= h.activeCap {
		return
	}

	ids := make([]string, 0, len(h.active))
	for id := range h.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return h.active[ids[i]].StartTime.After(h.active[ids[j]].StartTime)
	})

	for _, id := range ids[h.activeCap:] {
		delete(h.active, id)
	}
}

// Snapshot returns every currently tracked request, most-recently-started first.
func (h *Hub) Snapshot() []*ActiveRequest {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*ActiveRequest, 0, len(h.active))
	for _, req := range h.active {
		copied := *req
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Subscribe registers a new event listener and returns a snapshot of the
// active table taken under the same lock as the subscription, so no event
// broadcast after the snapshot is missed. Mutations update the table before
// broadcasting, so an event racing with Subscribe may describe a request whose
// new state is already in the snapshot.
func (h *Hub) Subscribe() (id int, ch <-chan Event, snapshot []*ActiveRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := make(chan Event, 64)
	id = h.nextID
	h.nextID++
	h.subscribers[id] = c

	snapshot = make([]*ActiveRequest, 0, len(h.active))
	for _, req := range h.active {
		copied := *req
		snapshot = append(snapshot, &copied)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].StartTime.After(snapshot[j].StartTime)
	})
	return id, c, snapshot
}

// Unsubscribe removes a listener and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

// ConnectionCount reports the number of attached subscribers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) broadcast(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

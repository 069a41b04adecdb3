package hub

import (
	"testing"
	"time"
)

// fakeAfterFunc replaces time.AfterFunc so removal can be fired synchronously
// from the test instead of waiting out the real 30s delay.
func fakeAfterFunc() (func(time.Duration, func()) *time.Timer, func()) {
	var fire func()
	stub := func(_ time.Duration, f func()) *time.Timer {
		fire = f
		return nil
	}
	return stub, func() {
		if fire != nil {
			fire()
		}
	}
}

func TestRequestStartedAppearsInSnapshot(t *testing.T) {
	h := New(10)
	h.RequestStarted(&ActiveRequest{RequestID: "r1", Service: "claude", Method: "POST", Path: "/v1/messages"})

	snap := h.Snapshot()
	if len(snap) != 1 || snap[0].RequestID != "r1" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].Status != StatusPending {
		t.Fatalf("status = %q, want PENDING", snap[0].Status)
	}
}

func TestSubscribeSnapshotIsAtomicWithFutureEvents(t *testing.T) {
	h := New(10)
	h.RequestStarted(&ActiveRequest{RequestID: "r1", Service: "claude"})

	id, ch, snapshot := h.Subscribe()
	defer h.Unsubscribe(id)

	if len(snapshot) != 1 || snapshot[0].RequestID != "r1" {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	h.RequestStarted(&ActiveRequest{RequestID: "r2", Service: "codex"})

	select {
	case e := <-ch:
		if e.Request.RequestID != "r2" {
			t.Fatalf("event = %+v, want r2", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}

func TestRequestCompletedSchedulesRemoval(t *testing.T) {
	h := New(10)
	stub, fire := fakeAfterFunc()
	h.afterFunc = stub

	h.RequestStarted(&ActiveRequest{RequestID: "r1", Service: "claude"})
	h.RequestCompleted("r1", 200)

	snap := h.Snapshot()
	if len(snap) != 1 || snap[0].Status != StatusCompleted {
		t.Fatalf("expected completed request still present before removal fires: %+v", snap)
	}
	if snap[0].StatusCode == nil || *snap[0].StatusCode != 200 {
		t.Fatalf("unexpected status code: %+v", snap[0].StatusCode)
	}

	fire()

	if len(h.Snapshot()) != 0 {
		t.Fatalf("expected request removed after grace period fires")
	}
}

func TestRequestFailedMarksStatus(t *testing.T) {
	h := New(10)
	stub, _ := fakeAfterFunc()
	h.afterFunc = stub

	h.RequestStarted(&ActiveRequest{RequestID: "r1", Service: "claude"})
	code := 502
	h.RequestFailed("r1", &code)

	snap := h.Snapshot()
	if len(snap) != 1 || snap[0].Status != StatusFailed {
		t.Fatalf("expected failed status: %+v", snap)
	}
}

func TestCleanupOldKeepsMostRecent(t *testing.T) {
	h := New(2)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		h.RequestStarted(&ActiveRequest{
			RequestID: string(rune('a' + i)),
			Service:   "claude",
			StartTime: base.Add(time.Duration(i) * time.Minute),
		})
	}

	h.CleanupOld()

	snap := h.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(snap) = %d, want 2", len(snap))
	}
	if snap[0].RequestID != "d" || snap[1].RequestID != "c" {
		t.Fatalf("expected the two most recent requests to survive, got %+v, %+v", snap[0], snap[1])
	}
}

func TestEventTypesSerializeToSpecWireValues(t *testing.T) {
	want := map[EventType]string{
		EventRequestStarted:  "started",
		EventRequestProgress: "progress",
		EventRequestComplete: "completed",
		EventRequestFailed:   "failed",
		EventPing:            "ping",
	}
	for constant, wire := range want {
		if string(constant) != wire {
			t.Fatalf("%v = %q, want %q", constant, string(constant), wire)
		}
	}
}

func TestResponseChunkEmitsProgressWithDelta(t *testing.T) {
	h := New(10)
	h.RequestStarted(&ActiveRequest{RequestID: "r1", Service: "claude"})

	id, ch, _ := h.Subscribe()
	defer h.Unsubscribe(id)

	h.ResponseChunk("r1", "data: hello")

	select {
	case e := <-ch:
		if e.Type != EventRequestProgress {
			t.Fatalf("type = %q, want progress", e.Type)
		}
		if e.ResponseDelta == nil || *e.ResponseDelta != "data: hello" {
			t.Fatalf("responseDelta = %v, want %q", e.ResponseDelta, "data: hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response_chunk event")
	}
}

func TestResponseChunkUnknownRequestIsNoOp(t *testing.T) {
	h := New(10)
	id, ch, _ := h.Subscribe()
	defer h.Unsubscribe(id)

	h.ResponseChunk("missing", "chunk")

	select {
	case e := <-ch:
		t.Fatalf("expected no event for unknown request, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := New(10)
	id, ch, _ := h.Subscribe()
	if got := h.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", got)
	}

	h.Unsubscribe(id)

	if got := h.ConnectionCount(); got != 0 {
		t.Fatalf("ConnectionCount after unsubscribe = %d, want 0", got)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed")
	}
}

package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingGateway captures delivered events in arrival order.
type recordingGateway struct {
	mu     sync.Mutex
	events []Event
	// failFirst returns 503 for the first n requests.
	failFirst int32
	requests  int32
}

func (g *recordingGateway) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&g.requests, 1)
		if r.URL.Path != "/internal/stream-events" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-internal-token"); got != "internal-secret" {
			t.Errorf("token = %q", got)
		}
		if n := atomic.LoadInt32(&g.failFirst); n > 0 {
			atomic.AddInt32(&g.failFirst, -1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode event: %v", err)
		}
		g.mu.Lock()
		g.events = append(g.events, ev)
		g.mu.Unlock()
	}
}

func (g *recordingGateway) snapshot() []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Event(nil), g.events...)
}

func newTestPublisher(url string) *Publisher {
	return NewPublisher(PublisherConfig{
		GatewayBaseURL: url,
		InternalToken:  "internal-secret",
		Timeout:        2 * time.Second,
	})
}

func TestPublishDelivers(t *testing.T) {
	gw := &recordingGateway{}
	srv := httptest.NewServer(gw.handler(t))
	defer srv.Close()

	p := newTestPublisher(srv.URL)
	p.Publish(context.Background(), Event{
		SessionID: "s1", TurnID: "t1", Type: TypeFinal,
		Payload: map[string]any{"text": "done"},
	})

	got := gw.snapshot()
	if len(got) != 1 || got[0].Type != TypeFinal || got[0].Payload["text"] != "done" {
		t.Errorf("events = %+v", got)
	}
}

func TestPublishRetriesOn5xx(t *testing.T) {
	gw := &recordingGateway{failFirst: 2}
	srv := httptest.NewServer(gw.handler(t))
	defer srv.Close()

	p := newTestPublisher(srv.URL)
	p.Publish(context.Background(), Event{SessionID: "s1", TurnID: "t1", Type: TypePlan})

	if got := gw.snapshot(); len(got) != 1 {
		t.Fatalf("event not delivered after retries: %+v", got)
	}
	if atomic.LoadInt32(&gw.requests) != 3 {
		t.Errorf("requests = %d, want 3 (2 failures + success)", gw.requests)
	}
}

func TestPublish4xxIsTerminal(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := newTestPublisher(srv.URL)
	p.Publish(context.Background(), Event{SessionID: "s1", TurnID: "t1", Type: TypePlan})

	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("4xx must not retry: requests = %d", got)
	}
}

func TestPublishPreservesTurnOrder(t *testing.T) {
	gw := &recordingGateway{}
	srv := httptest.NewServer(gw.handler(t))
	defer srv.Close()

	p := newTestPublisher(srv.URL)
	types := []string{TypePlan, TypeAction, TypeDecisionSummary, TypeFinal}
	for _, typ := range types {
		p.Publish(context.Background(), Event{SessionID: "s1", TurnID: "t1", Type: typ})
	}

	got := gw.snapshot()
	if len(got) != len(types) {
		t.Fatalf("delivered %d events, want %d", len(got), len(types))
	}
	for i, typ := range types {
		if got[i].Type != typ {
			t.Errorf("event[%d] = %s, want %s", i, got[i].Type, typ)
		}
	}
}

func TestPublishDropsStreamStateOnTerminalEvent(t *testing.T) {
	gw := &recordingGateway{}
	srv := httptest.NewServer(gw.handler(t))
	defer srv.Close()

	p := newTestPublisher(srv.URL)
	streams := func() int {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.streams)
	}

	p.Publish(context.Background(), Event{SessionID: "s1", TurnID: "t1", Type: TypePlan})
	if got := streams(); got != 1 {
		t.Fatalf("streams after plan = %d", got)
	}
	p.Publish(context.Background(), Event{SessionID: "s1", TurnID: "t1", Type: TypeFinal})
	if got := streams(); got != 0 {
		t.Errorf("streams after final = %d", got)
	}

	p.Publish(context.Background(), Event{SessionID: "s1", TurnID: "t2", Type: TypeError})
	if got := streams(); got != 0 {
		t.Errorf("streams after error = %d", got)
	}
}

func TestPublishConcurrentTurnsAllArrive(t *testing.T) {
	gw := &recordingGateway{}
	srv := httptest.NewServer(gw.handler(t))
	defer srv.Close()

	p := newTestPublisher(srv.URL)

	var wg sync.WaitGroup
	for _, turn := range []string{"t1", "t2"} {
		wg.Add(1)
		go func(turnID string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				p.Publish(context.Background(), Event{
					SessionID: "s-" + turnID, TurnID: turnID, Type: TypeResponseDelta,
					Payload: map[string]any{"seq": i},
				})
			}
		}(turn)
	}
	wg.Wait()

	got := gw.snapshot()
	if len(got) != 10 {
		t.Fatalf("delivered %d events, want 10", len(got))
	}
	// Per-turn order is monotonic even when turns interleave.
	last := map[string]float64{"t1": -1, "t2": -1}
	for _, ev := range got {
		seq := ev.Payload["seq"].(float64)
		if seq <= last[ev.TurnID] {
			t.Errorf("turn %s reordered: %v after %v", ev.TurnID, seq, last[ev.TurnID])
		}
		last[ev.TurnID] = seq
	}
}

// Package events delivers structured turn progress events to the gateway's
// internal stream endpoint.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// Event types observed by the gateway.
const (
	TypePlan              = "plan"
	TypeAction            = "action"
	TypeDecisionSummary   = "decision_summary"
	TypeResponseDelta     = "response_delta"
	TypeToolResultSummary = "tool_result_summary"
	TypeFinal             = "final"
	TypeError             = "error"
)

// Event is one progress event on a turn's stream.
type Event struct {
	SessionID string         `json:"session_id"`
	TurnID    string         `json:"turn_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

// Sink receives turn events. The engine depends on this, not on HTTP.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// PublisherConfig configures the gateway publisher.
type PublisherConfig struct {
	GatewayBaseURL string
	InternalToken  string
	Timeout        time.Duration
	// PushRPS throttles outbound pushes; zero disables throttling.
	PushRPS float64
	// MaxAttempts bounds delivery tries per event (default 4).
	MaxAttempts uint
}

// Publisher posts events to <gateway>/internal/stream-events. Delivery is
// fire-and-forget for the caller but serialized per (session_id, turn_id)
// so the wire order matches emission order. Transport failures and 5xx
// retry with exponential backoff and jitter; 4xx is terminal and logged.
type Publisher struct {
	cfg     PublisherConfig
	client  *http.Client
	limiter *rate.Limiter

	mu      sync.Mutex
	streams map[string]*sync.Mutex
}

// NewPublisher creates the publisher.
func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 4
	}
	var limiter *rate.Limiter
	if cfg.PushRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PushRPS), 1)
	}
	return &Publisher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		streams: make(map[string]*sync.Mutex),
	}
}

// Publish delivers one event, blocking until delivered or abandoned.
// Events on the same turn stream never reorder.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	key := ev.SessionID + "/" + ev.TurnID
	stream := p.stream(key)
	stream.Lock()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			slog.Warn("events.push_abandoned", "session_id", ev.SessionID, "turn_id", ev.TurnID,
				"type", ev.Type, "error", err)
			stream.Unlock()
			return
		}
	}

	if err := p.deliver(ctx, ev); err != nil {
		slog.Error("events.push_failed", "session_id", ev.SessionID, "turn_id", ev.TurnID,
			"type", ev.Type, "error", err)
	} else {
		slog.Debug("events.pushed", "session_id", ev.SessionID, "turn_id", ev.TurnID, "type", ev.Type)
	}
	stream.Unlock()

	// final and error close the stream; drop its serialization entry so the
	// map does not grow with every turn the process ever ran.
	if ev.Type == TypeFinal || ev.Type == TypeError {
		p.forget(key)
	}
}

func (p *Publisher) deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	url := strings.TrimRight(p.cfg.GatewayBaseURL, "/") + "/internal/stream-events"

	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-internal-token", p.cfg.InternalToken)

		resp, err := p.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return struct{}{}, fmt.Errorf("gateway returned status %d", resp.StatusCode)
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("gateway rejected event: status %d", resp.StatusCode))
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.MaxInterval = 2 * time.Second

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(p.cfg.MaxAttempts),
	)
	return err
}

func (p *Publisher) stream(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.streams[key]
	if !ok {
		m = &sync.Mutex{}
		p.streams[key] = m
	}
	return m
}

func (p *Publisher) forget(key string) {
	p.mu.Lock()
	delete(p.streams, key)
	p.mu.Unlock()
}

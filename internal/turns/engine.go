// Package turns contains the turn engine and the bounded worker pool that
// drives it.
package turns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/codial/internal/apperr"
	"github.com/nextlevelbuilder/codial/internal/attachments"
	"github.com/nextlevelbuilder/codial/internal/events"
	"github.com/nextlevelbuilder/codial/internal/mcp"
	"github.com/nextlevelbuilder/codial/internal/policy"
	"github.com/nextlevelbuilder/codial/internal/providers"
	"github.com/nextlevelbuilder/codial/internal/store"
	"github.com/nextlevelbuilder/codial/internal/tools"
)

const (
	// DefaultMaxRounds bounds the provider/tool alternation per turn.
	DefaultMaxRounds = 5
	// bridge calls retry at most this many times on transient failures.
	bridgeMaxTries = 3
)

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Sink      events.Sink
	Ingestor  *attachments.Ingestor
	MCP       *mcp.Client // nil when no MCP server is configured
	Providers *providers.Manager
	Policy    *policy.Cache
	Tools     *tools.Registry
	MaxRounds int
	// TurnBudget is the wall-clock cap per turn; zero means no cap.
	TurnBudget time.Duration
}

// Engine orchestrates one turn: policy composition, attachment ingest, MCP
// tool discovery, and the bounded provider/tool loop.
type Engine struct {
	cfg    EngineConfig
	tracer trace.Tracer
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	return &Engine{cfg: cfg, tracer: otel.Tracer("codial/turns")}
}

// Process runs one turn to completion. The returned error carries the
// stable code recorded on the turn; the caller owns status bookkeeping.
func (e *Engine) Process(ctx context.Context, turn store.Turn, cfg store.SessionConfig) error {
	if e.cfg.TurnBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.TurnBudget)
		defer cancel()
	}

	ctx, span := e.tracer.Start(ctx, "turn.process", trace.WithAttributes(
		attribute.String("session_id", turn.SessionID),
		attribute.String("turn_id", turn.ID),
		attribute.String("trace_id", turn.TraceID),
		attribute.String("provider", cfg.Provider),
		attribute.String("model", cfg.Model),
	))
	defer span.End()

	err := e.process(ctx, turn, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Code(err))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func (e *Engine) process(ctx context.Context, turn store.Turn, cfg store.SessionConfig) error {
	snap, err := e.cfg.Policy.Snapshot()
	if err != nil {
		return apperr.Wrap(apperr.CodePolicyInvalid, "load policy snapshot", err)
	}

	e.emit(ctx, turn, events.TypePlan, map[string]any{
		"text": fmt.Sprintf("analyzing the request: provider=%s model=%s subagent=%s attachments=%d",
			cfg.Provider, cfg.Model, orNone(cfg.SubagentName), len(turn.Attachments)),
	})
	e.emit(ctx, turn, events.TypeAction, map[string]any{
		"text": fmt.Sprintf("loaded policy: memory=%q rules=%q agents=%q skills=%q",
			snap.MemorySummary(), snap.RulesSummary(), snap.AgentsSummary(), snap.SkillsSummary()),
	})

	eff := e.applySubagent(ctx, turn, cfg, snap)

	ingested, err := e.cfg.Ingestor.Ingest(ctx, turn.Attachments)
	if err != nil {
		return err
	}
	e.emit(ctx, turn, events.TypeAction, map[string]any{"text": attachments.Summary(ingested)})

	builtinNames, toolSpecs := e.builtinSpecs()
	e.emit(ctx, turn, events.TypeAction, map[string]any{
		"text": fmt.Sprintf("registered %d builtin tools: %s", len(builtinNames), joinSorted(builtinNames)),
	})
	toolSpecs = e.collectMCPTools(ctx, turn, eff.mcpEnabled, toolSpecs, builtinNames)

	bridge, err := e.cfg.Providers.Resolve(cfg.Provider)
	if err != nil {
		return err
	}

	return e.runLoop(ctx, turn, eff, bridge, toolSpecs, builtinNames, ingested)
}

// effective holds the session config after the subagent overlay.
type effective struct {
	text           string
	model          string
	mcpEnabled     bool
	mcpProfileName string
	memory         string
	provider       string
	userID         string
}

func (e *Engine) applySubagent(ctx context.Context, turn store.Turn, cfg store.SessionConfig, snap *policy.Snapshot) effective {
	eff := effective{
		text:           turn.Text,
		model:          cfg.Model,
		mcpEnabled:     cfg.MCPEnabled,
		mcpProfileName: cfg.MCPProfileName,
		memory:         snap.MemorySummary(),
		provider:       cfg.Provider,
		userID:         turn.UserID,
	}
	if cfg.SubagentName == "" {
		return eff
	}

	sa, ok := snap.FindSubagent(cfg.SubagentName)
	if !ok {
		e.emit(ctx, turn, events.TypeAction, map[string]any{
			"text": fmt.Sprintf("subagent %q not found, continuing with session defaults", cfg.SubagentName),
		})
		return eff
	}

	if sa.Model != "inherit" {
		eff.model = sa.Model
	}
	if sa.Prompt != "" {
		if eff.text != "" {
			eff.text = sa.Prompt + "\n\nUser request:\n" + eff.text
		} else {
			eff.text = sa.Prompt
		}
	}
	if len(sa.MCPServers) > 0 {
		eff.mcpEnabled = true
		if eff.mcpProfileName == "" {
			eff.mcpProfileName = sa.MCPServers[0]
		}
	}
	if sa.Memory != "" {
		eff.memory = eff.memory + ", subagent-memory=" + sa.Memory
	}

	mcpState := "disabled"
	if eff.mcpEnabled {
		mcpState = "enabled"
	}
	e.emit(ctx, turn, events.TypeAction, map[string]any{
		"text": fmt.Sprintf("applied subagent %q: model=%s mcp=%s", sa.Name, eff.model, mcpState),
	})
	return eff
}

func (e *Engine) builtinSpecs() (map[string]bool, []providers.ToolSpec) {
	specs := e.cfg.Tools.Specs()
	names := make(map[string]bool, len(specs))
	for _, spec := range specs {
		names[spec.Name] = true
	}
	return names, specs
}

// collectMCPTools merges MCP-discovered tools into the manifest. Names
// colliding with builtins are dropped. Discovery failure degrades to the
// builtin set; it never fails the turn.
func (e *Engine) collectMCPTools(ctx context.Context, turn store.Turn, mcpEnabled bool, specs []providers.ToolSpec, builtinNames map[string]bool) []providers.ToolSpec {
	if !mcpEnabled || !e.cfg.MCP.Enabled() {
		return specs
	}

	mcpSpecs, err := e.cfg.MCP.Tools(ctx)
	if err != nil {
		slog.Warn("turn.mcp_tools_unavailable",
			"session_id", turn.SessionID, "turn_id", turn.ID, "error", err)
		e.emit(ctx, turn, events.TypeAction, map[string]any{
			"text": "MCP tool discovery failed, continuing with builtin tools only",
		})
		return specs
	}

	added := 0
	for _, spec := range mcpSpecs {
		if builtinNames[spec.Name] {
			slog.Warn("turn.mcp_tool_collision", "tool", spec.Name, "action", "dropped")
			continue
		}
		specs = append(specs, spec)
		added++
	}

	info := e.cfg.MCP.Info()
	e.emit(ctx, turn, events.TypeAction, map[string]any{
		"text": fmt.Sprintf("connected MCP server %q (protocol %s), %d tools available",
			info.Name, info.ProtocolVersion, added),
	})
	return specs
}

func (e *Engine) runLoop(ctx context.Context, turn store.Turn, eff effective,
	bridge providers.Bridge, toolSpecs []providers.ToolSpec, builtinNames map[string]bool,
	ingested []attachments.Ingested) error {

	var toolResults []providers.ToolResult
	atts := make([]providers.Attachment, 0, len(ingested))
	for _, ing := range ingested {
		att := ing.Attachment
		if ing.LocalPath != "" {
			att.URL = ing.LocalPath
		}
		atts = append(atts, att)
	}

	for round := 0; round < e.cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return cancellation(ctx, err)
		}

		req := providers.Request{
			SessionID:           turn.SessionID,
			UserID:              eff.userID,
			Provider:            eff.provider,
			Model:               eff.model,
			Text:                eff.text,
			Attachments:         atts,
			MCPEnabled:          eff.mcpEnabled,
			MCPProfileName:      eff.mcpProfileName,
			SystemMemorySummary: eff.memory,
			ToolCallRound:       round,
			ToolSpecs:           toolSpecs,
			ToolResults:         toolResults,
		}

		resp, err := e.generateWithRetry(ctx, bridge, req)
		if err != nil {
			if ctx.Err() != nil {
				return cancellation(ctx, ctx.Err())
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return cancellation(ctx, err)
		}

		e.emit(ctx, turn, events.TypeDecisionSummary, map[string]any{"text": resp.DecisionSummary})
		if resp.OutputText != "" {
			e.emit(ctx, turn, events.TypeResponseDelta, map[string]any{"text": resp.OutputText})
		}

		if len(resp.ToolRequests) == 0 {
			e.emit(ctx, turn, events.TypeFinal, map[string]any{"text": finalText(resp.OutputText)})
			return nil
		}

		toolResults = e.dispatchToolCalls(ctx, turn, resp.ToolRequests, builtinNames, eff.mcpEnabled)
		e.emit(ctx, turn, events.TypeToolResultSummary, map[string]any{
			"text": toolResultSummary(toolResults),
		})
	}

	e.emit(ctx, turn, events.TypeFinal, map[string]any{
		"text": fmt.Sprintf("tool budget exhausted after %d rounds without a terminal answer", e.cfg.MaxRounds),
	})
	return apperr.Newf(apperr.CodeToolBudgetExceeded,
		"turn used all %d tool rounds without a terminal answer", e.cfg.MaxRounds)
}

// generateWithRetry retries transient bridge failures with exponential
// backoff and jitter. Terminal errors fail fast.
func (e *Engine) generateWithRetry(ctx context.Context, bridge providers.Bridge, req providers.Request) (*providers.Response, error) {
	ctx, span := e.tracer.Start(ctx, "bridge.generate", trace.WithAttributes(
		attribute.String("provider", req.Provider),
		attribute.String("model", req.Model),
		attribute.Int("round", req.ToolCallRound),
	))
	defer span.End()

	operation := func() (*providers.Response, error) {
		resp, err := bridge.Generate(ctx, req)
		if err != nil && !apperr.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = 3 * time.Second

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(bridgeMaxTries),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Code(err))
		return nil, err
	}
	return resp, nil
}

// dispatchToolCalls executes every requested tool. Failures become error
// results for the next bridge round, never call-site retries.
func (e *Engine) dispatchToolCalls(ctx context.Context, turn store.Turn, requests []providers.ToolRequest,
	builtinNames map[string]bool, mcpEnabled bool) []providers.ToolResult {

	results := make([]providers.ToolResult, 0, len(requests))
	for _, req := range requests {
		e.emit(ctx, turn, events.TypeAction, map[string]any{
			"text": fmt.Sprintf("calling tool %s", req.Name),
		})

		callCtx, span := e.tracer.Start(ctx, "tool.call", trace.WithAttributes(
			attribute.String("tool", req.Name),
			attribute.Bool("builtin", builtinNames[req.Name]),
		))

		var result providers.ToolResult
		switch {
		case builtinNames[req.Name]:
			result = e.callBuiltin(callCtx, req)
		case mcpEnabled && e.cfg.MCP.Enabled():
			result = e.callMCP(callCtx, req)
		default:
			result = providers.ToolResult{
				Name:   req.Name,
				CallID: req.CallID,
				OK:     false,
				Error:  fmt.Sprintf("tool %q is neither builtin nor reachable over MCP", req.Name),
			}
		}
		if result.OK {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, result.Error)
		}
		span.End()
		if !result.OK {
			e.emit(ctx, turn, events.TypeAction, map[string]any{
				"text": fmt.Sprintf("tool %s failed: %s", req.Name, result.Error),
			})
		}
		results = append(results, result)
	}
	return results
}

func (e *Engine) callBuiltin(ctx context.Context, req providers.ToolRequest) providers.ToolResult {
	tool, ok := e.cfg.Tools.Get(req.Name)
	if !ok {
		return providers.ToolResult{Name: req.Name, CallID: req.CallID, OK: false, Error: "tool not registered"}
	}
	res := tool.Execute(ctx, req.Arguments)
	out := providers.ToolResult{Name: req.Name, CallID: req.CallID, OK: res.OK}
	if res.OK {
		payload := map[string]any{"output": res.Output}
		for k, v := range res.Metadata {
			payload[k] = v
		}
		out.Result = payload
	} else {
		out.Error = res.Error
	}
	return out
}

func (e *Engine) callMCP(ctx context.Context, req providers.ToolRequest) providers.ToolResult {
	result, err := e.cfg.MCP.CallTool(ctx, req.Name, req.Arguments)
	if err != nil {
		return providers.ToolResult{Name: req.Name, CallID: req.CallID, OK: false, Error: err.Error()}
	}
	return providers.ToolResult{Name: req.Name, CallID: req.CallID, OK: true, Result: result}
}

// EmitError publishes the error event for a failed turn.
func (e *Engine) EmitError(ctx context.Context, turn store.Turn, err error) {
	env := apperr.ToEnvelope(err, turn.TraceID)
	e.emit(ctx, turn, events.TypeError, map[string]any{
		"text":       env.Message,
		"error_code": env.ErrorCode,
		"trace_id":   env.TraceID,
		"retryable":  env.Retryable,
	})
}

func (e *Engine) emit(ctx context.Context, turn store.Turn, eventType string, payload map[string]any) {
	e.cfg.Sink.Publish(ctx, events.Event{
		SessionID: turn.SessionID,
		TurnID:    turn.ID,
		Type:      eventType,
		Payload:   payload,
	})
}

func cancellation(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded {
		return apperr.Wrap(apperr.CodeCancelled, "turn wall-clock budget exhausted", err)
	}
	return apperr.Wrap(apperr.CodeCancelled, "turn cancelled", err)
}

func finalText(outputText string) string {
	if outputText == "" {
		return "turn completed"
	}
	return outputText
}

func toolResultSummary(results []providers.ToolResult) string {
	ok, failed := 0, 0
	for _, r := range results {
		if r.OK {
			ok++
		} else {
			failed++
		}
	}
	return fmt.Sprintf("%d tool calls finished (%d ok, %d failed)", len(results), ok, failed)
}

func joinSorted(names map[string]bool) string {
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

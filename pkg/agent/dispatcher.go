package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/harun/pilot/internal/observability"
	"github.com/harun/pilot/internal/tracing"
	"github.com/harun/pilot/pkg/audit"
	"github.com/harun/pilot/pkg/cancellation"
	"github.com/harun/pilot/pkg/events"
	"github.com/harun/pilot/pkg/session"
	"github.com/harun/pilot/pkg/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Messages fed back to the model for calls that did not run.
const (
	msgCancelled        = "Operation cancelled"
	msgPermissionDenied = "Permission denied by user"
	msgSynthesizing     = "Synthesizing response..."
	msgNoSynthesis      = "(no synthesis generated)"
	synthesisSystem     = "You are a helpful assistant that synthesizes information from search results into clear, cited answers."
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Registry *tools.Registry
	// Provider serves synthesis calls for meta tools.
	Provider Provider
	// Audit, when set, receives permission decisions and tool outcomes.
	Audit  audit.Recorder
	Logger zerolog.Logger
}

// Dispatcher runs the tool calls of one agent step.
type Dispatcher struct {
	registry *tools.Registry
	provider Provider
	audit    audit.Recorder
	logger   zerolog.Logger
}

// DispatchParams carries the per-prompt context of a dispatch.
type DispatchParams struct {
	SessionID string
	// CWD is handed to handlers through tools.WithWorkDir.
	CWD string
	// Queue receives lifecycle events. Without a queue no permission can be
	// asked, so the gate is skipped.
	Queue *events.Queue
	// Token is used when Queue is nil.
	Token             *cancellation.Token
	RequirePermission bool
	Model             string
}

func (p DispatchParams) token() *cancellation.Token {
	if p.Queue != nil {
		return p.Queue.Token()
	}
	return p.Token
}

func (p DispatchParams) cancelled() bool {
	tok := p.token()
	return tok != nil && tok.IsCancelled()
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	return &Dispatcher{
		registry: cfg.Registry,
		provider: cfg.Provider,
		audit:    cfg.Audit,
		logger:   cfg.Logger.With().Str("component", "dispatcher").Logger(),
	}, nil
}

// Dispatch runs calls concurrently. The result at index i answers calls[i].
func (d *Dispatcher) Dispatch(ctx context.Context, params DispatchParams, calls []tools.Call) []tools.Result {
	results := make([]tools.Result, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call tools.Call) {
			defer wg.Done()
			res := d.runOne(ctx, params, call)
			res.ID = call.ID
			results[i] = res
		}(i, call)
	}
	wg.Wait()

	return results
}

func (d *Dispatcher) runOne(ctx context.Context, params DispatchParams, call tools.Call) tools.Result {
	q := params.Queue
	logger := d.logger.With().
		Str("session_id", params.SessionID).
		Str("tool", call.Name).
		Str("tool_call_id", call.ID).
		Logger()

	if params.cancelled() {
		return tools.Errorf(msgCancelled)
	}

	def, ok := d.registry.Get(call.Name)
	if !ok {
		msg := "Unknown tool: " + call.Name
		logger.Warn().Msg("Model requested an unknown tool")
		if q != nil {
			q.EmitToolFailed(call.ID, call.Name, msg)
		}
		d.recordTool(ctx, params, call, events.StatusFailed, 0)
		return tools.Errorf("%s", msg)
	}

	ctx, span := tracing.StartSpan(ctx, "pilot.agent", "tool.execute",
		attribute.String("tool", call.Name),
		attribute.String("tool_call_id", call.ID),
	)
	defer span.End()

	if q != nil {
		q.EmitToolStart(call.ID, call.Name, call.Arguments)
	}

	if params.RequirePermission && q != nil && events.IsDangerous(call.Name) {
		if res, denied := d.gate(ctx, params, call, logger); denied {
			return res
		}
	}

	start := time.Now()
	res := d.invoke(ctx, params, def, call, logger)
	duration := time.Since(start)

	if params.cancelled() {
		if q != nil {
			q.EmitToolFailed(call.ID, call.Name, msgCancelled)
		}
		d.recordTool(ctx, params, call, "cancelled", duration)
		return tools.Errorf(msgCancelled)
	}

	if !res.Error && res.IsMeta() {
		if q != nil {
			q.EmitToolProgress(call.ID, call.Name, events.StatusInProgress, msgSynthesizing)
		}
		res = tools.Result{Output: d.synthesize(ctx, params, res, logger)}
	}

	res.Output = tools.Truncate(res.Output)
	observability.RecordToolExecution(call.Name, duration, !res.Error)

	if res.Error {
		tracing.RecordError(span, errors.New(res.Output))
		if q != nil {
			q.EmitToolFailed(call.ID, call.Name, res.Output)
		}
		d.recordTool(ctx, params, call, events.StatusFailed, duration)
		return res
	}

	logger.Debug().Dur("duration", duration).Msg("Tool completed")
	if q != nil {
		q.EmitToolComplete(call.ID, call.Name, res.Output)
		if call.Name == "update_todo" {
			if entries := ParseTodo(res.Output); len(entries) > 0 {
				q.EmitPlanUpdate(entries)
			}
		}
	}
	d.recordTool(ctx, params, call, events.StatusCompleted, duration)
	return res
}

// gate asks for permission. It reports true when the call must not run.
func (d *Dispatcher) gate(ctx context.Context, params DispatchParams, call tools.Call, logger zerolog.Logger) (tools.Result, bool) {
	q := params.Queue
	reason := fmt.Sprintf("Tool '%s' may modify files or execute commands", call.Name)

	resp, err := q.RequestPermission(ctx, call.ID, call.Name, call.Arguments, reason)
	if err != nil {
		logger.Info().Err(err).Msg("Permission request abandoned")
		q.EmitToolFailed(call.ID, call.Name, msgCancelled)
		observability.RecordPermission(call.Name, "cancelled")
		return tools.Errorf(msgCancelled), true
	}

	decision := "denied"
	if resp.Approved {
		decision = "approved"
		if resp.AlwaysAllow {
			decision = "always"
		}
	}
	observability.RecordPermission(call.Name, decision)
	d.recordPermission(ctx, params, call, resp)

	if !resp.Approved {
		logger.Info().Msg("Permission denied")
		q.EmitToolFailed(call.ID, call.Name, msgPermissionDenied)
		return tools.Errorf(msgPermissionDenied), true
	}
	return tools.Result{}, false
}

// invoke validates arguments and runs the handler. Handler errors and panics
// become error results.
func (d *Dispatcher) invoke(ctx context.Context, params DispatchParams, def tools.Definition, call tools.Call, logger zerolog.Logger) (res tools.Result) {
	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := d.registry.Validate(call.Name, args); err != nil {
		logger.Warn().Err(err).Msg("Tool arguments rejected")
		return tools.Errorf("error: %s", err.Error())
	}

	if params.CWD != "" {
		ctx = tools.WithWorkDir(ctx, params.CWD)
	}
	if tok := params.token(); tok != nil {
		var stop context.CancelFunc
		ctx, stop = tok.Context(ctx)
		defer stop()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Tool handler panicked")
			res = tools.Errorf("error: panic: %v", r)
		}
	}()

	out, err := def.Handler(ctx, args)
	if err != nil {
		logger.Warn().Err(err).Msg("Tool failed")
		return tools.Errorf("error: %s", err.Error())
	}
	return out
}

// synthesize turns a meta tool's prompt into an answer with one model call.
func (d *Dispatcher) synthesize(ctx context.Context, params DispatchParams, res tools.Result, logger zerolog.Logger) string {
	if d.provider == nil {
		return fmt.Sprintf("[synthesis error] %s\n\nRaw context:\n%s", "no model available", res.MetaContext)
	}

	callCtx := ctx
	if tok := params.token(); tok != nil {
		var stop context.CancelFunc
		callCtx, stop = tok.Context(ctx)
		defer stop()
	}

	resp, err := d.provider.Generate(callCtx, GenerateRequest{
		Model: params.Model,
		Messages: []session.Message{
			{Role: session.RoleSystem, Content: synthesisSystem},
			{Role: session.RoleUser, Content: res.MetaPrompt},
		},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Synthesis failed")
		return fmt.Sprintf("[synthesis error] %s\n\nRaw context:\n%s", err.Error(), res.MetaContext)
	}
	if resp == nil || resp.Content == "" {
		return msgNoSynthesis
	}
	return resp.Content
}

func (d *Dispatcher) recordPermission(ctx context.Context, params DispatchParams, call tools.Call, resp events.PermissionResponse) {
	if d.audit == nil {
		return
	}
	source := "user"
	if resp.RequestID == "" && resp.AlwaysAllow {
		source = "cache"
	}
	if err := d.audit.RecordPermission(context.WithoutCancel(ctx), audit.Permission{
		SessionID:  params.SessionID,
		ToolCallID: call.ID,
		Tool:       call.Name,
		Approved:   resp.Approved,
		Always:     resp.AlwaysAllow,
		Source:     source,
	}); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to audit permission")
	}
}

func (d *Dispatcher) recordTool(ctx context.Context, params DispatchParams, call tools.Call, status events.ToolStatus, duration time.Duration) {
	if d.audit == nil {
		return
	}
	if err := d.audit.RecordTool(context.WithoutCancel(ctx), audit.ToolOutcome{
		SessionID:  params.SessionID,
		ToolCallID: call.ID,
		Tool:       call.Name,
		Status:     string(status),
		Duration:   duration,
	}); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to audit tool outcome")
	}
}

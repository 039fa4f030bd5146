package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/pilot/internal/observability"
	"github.com/harun/pilot/internal/tracing"
	"github.com/harun/pilot/pkg/audit"
	"github.com/harun/pilot/pkg/cancellation"
	"github.com/harun/pilot/pkg/events"
	"github.com/harun/pilot/pkg/session"
	"github.com/harun/pilot/pkg/tools"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const cancelledByUser = "Operation cancelled by user"

// Runner drives the model/tool loop of one prompt.
type Runner struct {
	provider   Provider
	registry   *tools.Registry
	dispatcher *Dispatcher
	logger     zerolog.Logger
	backoff    time.Duration
	maxTokens  int
}

// Config holds runner configuration
type Config struct {
	Provider Provider
	Registry *tools.Registry
	Audit    audit.Recorder
	Logger   zerolog.Logger
	// RetryBackoff is the delay before the first retry; it doubles per retry.
	// Zero retries immediately.
	RetryBackoff time.Duration
	MaxTokens    int
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}

	dispatcher, err := NewDispatcher(DispatcherConfig{
		Registry: cfg.Registry,
		Provider: cfg.Provider,
		Audit:    cfg.Audit,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Runner{
		provider:   cfg.Provider,
		registry:   cfg.Registry,
		dispatcher: dispatcher,
		logger:     cfg.Logger.With().Str("component", "agent").Logger(),
		backoff:    cfg.RetryBackoff,
		maxTokens:  cfg.MaxTokens,
	}, nil
}

// Provider returns the model provider the runner calls.
func (r *Runner) Provider() Provider {
	return r.provider
}

// Run executes one prompt. The returned result is never nil, and its History
// holds everything appended so far. A non-nil error accompanies
// OutcomeError only.
func (r *Runner) Run(ctx context.Context, params RunParams) (*RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.NewRunContext(ctx, params.SessionID)
	ctx, span := tracing.StartSpan(ctx, "pilot.agent", "agent.run",
		attribute.String("session_id", params.SessionID),
		attribute.String("mode", params.Mode),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	start := time.Now()
	observability.PromptStarted()

	result := &RunResult{LastResponseID: params.LastResponseID}
	defer func() {
		observability.PromptFinished(string(result.Outcome), time.Since(start))
		if result.Err != nil {
			tracing.RecordError(span, result.Err)
		}
		logger.Info().
			Str("outcome", string(result.Outcome)).
			Int("steps", result.Steps).
			Int("messages", len(result.History)).
			Dur("duration", time.Since(start)).
			Msg("Prompt finished")
	}()

	q := params.Queue
	var tok *cancellation.Token
	if q != nil {
		tok = q.Token()
	}

	maxSteps := params.Config.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	policy := retryPolicy{
		retries: params.Config.Retries,
		timeout: time.Duration(params.Config.TimeoutMs) * time.Millisecond,
		backoff: r.backoff,
		logger:  logger,
	}
	dispatch := DispatchParams{
		SessionID:         params.SessionID,
		CWD:               params.CWD,
		Queue:             q,
		RequirePermission: params.Config.RequirePermission,
		Model:             params.Model,
	}
	specs := r.registry.Specs()

	messages := r.seed(params)
	if len(params.History) > 0 {
		messages = fitHistory(messages, params.Config.MaxHistoryTokens, q, logger)
	}
	result.History = messages

	for step := 0; step < maxSteps; step++ {
		if checkCancelled(ctx, tok) != nil {
			return r.cancel(result, params), nil
		}
		result.Steps = step + 1

		resp, err := policy.call(ctx, r.provider, tok, GenerateRequest{
			Model:              params.Model,
			Messages:           messages,
			Tools:              specs,
			MaxTokens:          r.maxTokens,
			PreviousResponseID: result.LastResponseID,
		})
		if err != nil {
			if isCancellation(err) || checkCancelled(ctx, tok) != nil {
				return r.cancel(result, params), nil
			}
			result.Outcome = OutcomeError
			result.Err = err
			if q != nil {
				q.EmitError(err.Error(), true)
			}
			logger.Error().Err(err).Int("step", step).Msg("Model call failed, ending prompt")
			return result, err
		}

		if resp.ResponseID != "" {
			result.LastResponseID = resp.ResponseID
		}
		result.Usage.Add(resp.Usage)

		calls := validCalls(resp.ToolCalls)
		if len(calls) > 0 {
			messages = append(messages, session.Message{
				Role:      session.RoleAssistant,
				Content:   resp.Content,
				ToolCalls: calls,
			})
			if thought := strings.TrimSpace(resp.Content); thought != "" && q != nil {
				q.EmitThought(thought)
			}
			logger.Debug().Int("step", step).Strs("tools", callNames(calls)).Msg("Dispatching tool calls")

			results := r.dispatcher.Dispatch(ctx, dispatch, calls)
			for i, call := range calls {
				messages = append(messages, session.Message{
					Role:       session.RoleTool,
					Content:    results[i].Output,
					ToolCallID: call.ID,
					Name:       call.Name,
				})
			}
			result.History = messages
			continue
		}

		if resp.Content != "" {
			messages = append(messages, session.Message{Role: session.RoleAssistant, Content: resp.Content})
			result.History = messages
			if q != nil {
				q.EmitTextChunk(resp.Content)
				q.EmitTextDone()
			}
			result.Outcome = OutcomeCompleted
			result.Response = resp.Content
			return result, nil
		}
	}

	logger.Warn().Int("max_steps", maxSteps).Msg("Reached max steps without final response")
	result.Outcome = OutcomeMaxSteps
	return result, nil
}

// seed builds the opening transcript of a run.
func (r *Runner) seed(params RunParams) []session.Message {
	planMode := params.Mode == session.ModePlan
	prompt := params.Prompt
	if planMode {
		prompt = PlanPrefix + prompt
	}
	user := session.Message{Role: session.RoleUser, Content: prompt}

	if len(params.History) > 0 {
		messages := session.CloneMessages(params.History)
		return append(messages, user)
	}

	system := params.Config.SystemPrompt
	if system == "" {
		system = BuildSystemPrompt(PromptOptions{
			ToolNames:          r.registry.Names(),
			CWD:                params.CWD,
			CustomInstructions: params.Config.CustomInstructions,
			PlanMode:           planMode,
		})
	}
	return []session.Message{
		{Role: session.RoleSystem, Content: system},
		user,
	}
}

// fitHistory compacts a continued transcript that exceeds the token budget,
// then drops its oldest groups if it still does not fit.
func fitHistory(messages []session.Message, maxTokens int, q *events.Queue, logger zerolog.Logger) []session.Message {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxHistoryTokens
	}
	if !overBudget(messages, maxTokens) {
		return messages
	}

	before := len(messages)
	messages, summary := compactHistory(messages, compactKeepGroups)
	if len(messages) < before {
		logger.Info().Int("dropped_messages", before-len(messages)).Str("summary", summary).Msg("Compacted conversation history")
		if summary != "" && q != nil {
			q.EmitThought("Compacted history: " + summary)
		}
	}

	if overBudget(messages, maxTokens) {
		var dropped int
		messages, dropped = truncateHistory(messages, maxTokens)
		if dropped > 0 {
			logger.Warn().Int("dropped_tokens", dropped).Int("max_tokens", maxTokens).Msg("Truncated conversation history")
			if q != nil {
				q.EmitThought(describeDrop(dropped))
			}
		}
	}
	return messages
}

func (r *Runner) cancel(result *RunResult, params RunParams) *RunResult {
	if params.Queue != nil {
		params.Queue.EmitError(cancelledByUser, true)
	}
	result.Outcome = OutcomeCancelled
	return result
}

// validCalls drops calls without a name and fills in missing ids.
func validCalls(calls []tools.Call) []tools.Call {
	out := make([]tools.Call, 0, len(calls))
	for _, c := range calls {
		if c.Name == "" {
			continue
		}
		if c.ID == "" {
			id, err := gonanoid.New()
			if err != nil {
				id = fmt.Sprintf("%s-%d", c.Name, len(out))
			}
			c.ID = "call_" + id
		}
		out = append(out, c)
	}
	return out
}

func callNames(calls []tools.Call) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

func isCancellation(err error) bool {
	return errors.Is(err, cancellation.ErrCancelled) || errors.Is(err, context.Canceled)
}

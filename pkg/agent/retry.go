package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/pilot/internal/observability"
	"github.com/harun/pilot/internal/tracing"
	"github.com/harun/pilot/pkg/cancellation"
	"github.com/harun/pilot/pkg/errs"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// maxBackoff caps the doubling delay between attempts.
const maxBackoff = time.Minute

// ErrModelExhausted matches errors returned once every model attempt failed.
var ErrModelExhausted = errs.New(errs.CodeModelExhausted, "model call failed", nil)

// retryPolicy makes a model call up to retries+1 times.
type retryPolicy struct {
	retries int
	timeout time.Duration
	backoff time.Duration
	logger  zerolog.Logger
}

// call runs the attempts. Cancellation, from tok or from ctx, stops retrying
// and is returned as is.
func (p retryPolicy) call(ctx context.Context, provider Provider, tok *cancellation.Token, req GenerateRequest) (*GenerateResponse, error) {
	attempts := p.retries
	if attempts < 0 {
		attempts = 0
	}
	attempts++

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := checkCancelled(ctx, tok); err != nil {
			return nil, err
		}

		resp, err := p.attempt(ctx, provider, tok, req, attempt)
		observability.RecordModelAttempt(provider.Name(), err == nil)
		if err == nil {
			if attempt > 1 {
				p.logger.Info().
					Int("attempt", attempt).
					Bool("recovered", true).
					Msg("Model call succeeded after retry")
			}
			return resp, nil
		}
		if cerr := checkCancelled(ctx, tok); cerr != nil {
			return nil, cerr
		}

		lastErr = err
		last := attempt == attempts
		event := p.logger.Warn()
		if last {
			event = p.logger.Error()
		}
		event.Err(err).
			Int("attempt", attempt).
			Int("attempts", attempts).
			Bool("terminal", last).
			Msg("Model call failed")
		if last {
			break
		}

		if p.backoff > 0 {
			select {
			case <-time.After(p.delay(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-tokenDone(tok):
				return nil, cancellation.ErrCancelled
			}
		}
	}

	return nil, errs.New(errs.CodeModelExhausted, fmt.Sprintf("model call failed after %d attempt(s)", attempts), lastErr)
}

// delay is the wait after the given failed attempt: backoff doubled per
// earlier failure, never above maxBackoff.
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.backoff
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

func (p retryPolicy) attempt(ctx context.Context, provider Provider, tok *cancellation.Token, req GenerateRequest, n int) (*GenerateResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "pilot.agent", "agent.model_call",
		attribute.String("provider", provider.Name()),
		attribute.Int("attempt", n),
	)
	defer span.End()

	callCtx := ctx
	if tok != nil {
		var stop context.CancelFunc
		callCtx, stop = tok.Context(callCtx)
		defer stop()
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, p.timeout)
		defer cancel()
	}

	resp, err := provider.Generate(callCtx, req)
	if err == nil && resp == nil {
		err = errors.New("provider returned no response")
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && p.timeout > 0 && ctx.Err() == nil {
			err = fmt.Errorf("model call timed out after %s: %w", p.timeout, err)
		}
		tracing.RecordError(span, err)
		return nil, err
	}
	return resp, nil
}

func checkCancelled(ctx context.Context, tok *cancellation.Token) error {
	if tok != nil && tok.IsCancelled() {
		return cancellation.ErrCancelled
	}
	return ctx.Err()
}

func tokenDone(tok *cancellation.Token) <-chan struct{} {
	if tok == nil {
		return nil
	}
	return tok.Done()
}

// Package cancellation provides a one-shot cooperative cancel signal.
//
// Invariants:
// - Once cancelled, a Token never reverts.
// - Cancel is idempotent and wakes every current and future waiter.
//
// Usage:
//
//	tok := cancellation.New()
//	go func() { _ = tok.Wait(ctx) }()
//	tok.Cancel()
//	if err := tok.Check(); err != nil { ... }
package cancellation

import (
	"context"
	"sync"

	"github.com/harun/pilot/pkg/errs"
)

// ErrCancelled is returned by Check and by waits that lose to cancellation.
var ErrCancelled = errs.New(errs.CodeCancelled, "operation cancelled by user", nil)

// Token signals cancellation of one in-flight prompt.
type Token struct {
	once sync.Once
	done chan struct{}
}

// New creates an uncancelled token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel signals cancellation.
func (t *Token) Cancel() {
	t.once.Do(func() {
		close(t.done)
	})
}

// IsCancelled reports whether Cancel was called.
func (t *Token) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the token is cancelled or ctx ends.
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Check returns ErrCancelled once the token is cancelled.
func (t *Token) Check() error {
	if t.IsCancelled() {
		return ErrCancelled
	}
	return nil
}

// Context returns a child of parent that is cancelled together with the token.
// The returned stop func releases the watcher goroutine.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

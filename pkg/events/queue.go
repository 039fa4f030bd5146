package events

import (
	"context"
	"sync"
	"time"

	"github.com/harun/pilot/pkg/cancellation"
	"github.com/harun/pilot/pkg/errs"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ErrClosed is returned when a permission request is made on a closed queue.
// It carries the cancelled code, so errors.Is(err, cancellation.ErrCancelled) holds.
var ErrClosed = errs.New(errs.CodeCancelled, "event queue closed", nil)

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithCapacity bounds the buffer. Put blocks while the buffer is full and the
// queue is open. Zero means unbounded.
func WithCapacity(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// Queue is a closable FIFO of events for one session's in-flight prompt, plus
// the permission correlation table for that prompt.
type Queue struct {
	sessionID string
	token     *cancellation.Token
	now       func() time.Time
	capacity  int

	mu      sync.Mutex
	buf     []Event
	closed  bool
	changed chan struct{}
	pending map[string]chan PermissionResponse
	granted map[string]struct{}
}

// NewQueue creates an open queue with a fresh cancellation token.
func NewQueue(sessionID string, opts ...QueueOption) *Queue {
	q := &Queue{
		sessionID: sessionID,
		token:     cancellation.New(),
		now:       time.Now,
		changed:   make(chan struct{}),
		pending:   make(map[string]chan PermissionResponse),
		granted:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SessionID returns the session the queue belongs to.
func (q *Queue) SessionID() string {
	return q.sessionID
}

// Token returns the queue's cancellation token.
func (q *Queue) Token() *cancellation.Token {
	return q.token
}

// broadcast wakes everyone blocked on the current state. Caller holds mu.
func (q *Queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Put appends an event. After Close it silently drops the event.
func (q *Queue) Put(ev Event) {
	ev.SessionID = q.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = q.now()
	}
	if ev.Payload != nil {
		ev.Type = ev.Payload.Type()
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if q.capacity == 0 || len(q.buf) < q.capacity {
			q.buf = append(q.buf, ev)
			q.broadcast()
			q.mu.Unlock()
			return
		}
		wait := q.changed
		q.mu.Unlock()
		<-wait
	}
}

// Get blocks for the next event. It returns false when the queue is closed and
// empty, or when ctx ends.
func (q *Queue) Get(ctx context.Context) (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			ev := q.pop()
			q.mu.Unlock()
			return ev, true
		}
		if q.closed {
			q.mu.Unlock()
			return Event{}, false
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// GetNowait returns the next buffered event without blocking.
func (q *Queue) GetNowait() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return Event{}, false
	}
	return q.pop(), true
}

// Drain removes and returns every buffered event.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := q.buf
	q.buf = nil
	q.broadcast()
	return out
}

// pop removes the head event. Caller holds mu and has checked len(buf) > 0.
func (q *Queue) pop() Event {
	ev := q.buf[0]
	q.buf[0] = Event{}
	q.buf = q.buf[1:]
	q.broadcast()
	return ev
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Close stops the queue from accepting events. Buffered events stay readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// IsClosed reports whether Close or Cancel was called.
func (q *Queue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Cancel cancels the token and closes the queue as one step.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.token.Cancel()
	if !q.closed {
		q.closed = true
		q.broadcast()
	}
}

// RequestPermission asks the front-end to approve a tool call and waits for
// the answer, cancellation, or ctx. Tools granted "always allow" earlier on
// this queue are approved without emitting an event.
func (q *Queue) RequestPermission(ctx context.Context, toolCallID, toolName string, args map[string]interface{}, reason string) (PermissionResponse, error) {
	q.mu.Lock()
	if _, ok := q.granted[toolName]; ok {
		q.mu.Unlock()
		return PermissionResponse{Approved: true, AlwaysAllow: true}, nil
	}
	if q.closed {
		q.mu.Unlock()
		return PermissionResponse{}, ErrClosed
	}

	requestID, err := gonanoid.New()
	if err != nil {
		q.mu.Unlock()
		return PermissionResponse{}, errs.New(errs.CodeInternal, "failed to generate permission request id", err)
	}
	slot := make(chan PermissionResponse, 1)
	q.pending[requestID] = slot
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.pending, requestID)
		q.mu.Unlock()
	}()

	q.Put(Event{
		ToolCallID: toolCallID,
		Payload: PermissionRequest{
			RequestID:  requestID,
			ToolCallID: toolCallID,
			ToolName:   toolName,
			Arguments:  args,
			Reason:     reason,
		},
	})

	select {
	case resp := <-slot:
		if resp.Approved && resp.AlwaysAllow {
			q.mu.Lock()
			q.granted[toolName] = struct{}{}
			q.mu.Unlock()
		}
		q.Put(Event{ToolCallID: toolCallID, Payload: resp})
		return resp, nil
	case <-q.token.Done():
		return PermissionResponse{}, cancellation.ErrCancelled
	case <-ctx.Done():
		return PermissionResponse{}, ctx.Err()
	}
}

// ResolvePermission delivers the answer for a pending request. It returns
// false when the id is unknown or was already resolved.
func (q *Queue) ResolvePermission(requestID string, resp PermissionResponse) bool {
	q.mu.Lock()
	slot, ok := q.pending[requestID]
	if ok {
		delete(q.pending, requestID)
	}
	q.mu.Unlock()

	if !ok {
		return false
	}
	resp.RequestID = requestID
	slot <- resp
	return true
}

// PendingPermissions returns the ids of unresolved permission requests.
func (q *Queue) PendingPermissions() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	return ids
}

// EmitTextChunk emits streamed assistant text.
func (q *Queue) EmitTextChunk(text string) {
	q.Put(Event{Payload: TextChunk{Text: text}})
}

// EmitTextDone marks the end of streamed text.
func (q *Queue) EmitTextDone() {
	q.Put(Event{Payload: TextDone{}})
}

// EmitToolStart emits the start of a tool call.
func (q *Queue) EmitToolStart(toolCallID, toolName string, args map[string]interface{}) {
	q.Put(Event{
		ToolCallID: toolCallID,
		Payload:    ToolStart{ToolName: toolName, Kind: ToolKind(toolName), Arguments: args},
	})
}

// EmitToolProgress emits an intermediate tool status.
func (q *Queue) EmitToolProgress(toolCallID, toolName string, status ToolStatus, output string) {
	q.Put(Event{
		ToolCallID: toolCallID,
		Payload:    ToolProgress{ToolName: toolName, Kind: ToolKind(toolName), Status: status, Output: output},
	})
}

// EmitToolComplete emits a successful tool result.
func (q *Queue) EmitToolComplete(toolCallID, toolName, output string) {
	q.Put(Event{
		ToolCallID: toolCallID,
		Payload:    ToolComplete{ToolName: toolName, Kind: ToolKind(toolName), Output: output},
	})
}

// EmitToolFailed emits a failed tool result.
func (q *Queue) EmitToolFailed(toolCallID, toolName, errText string) {
	q.Put(Event{
		ToolCallID: toolCallID,
		Payload:    ToolFailed{ToolName: toolName, Kind: ToolKind(toolName), Error: errText},
	})
}

// EmitThought emits agent reasoning.
func (q *Queue) EmitThought(text string) {
	q.Put(Event{Payload: ThoughtChunk{Text: text}})
}

// EmitPlanUpdate emits the current plan.
func (q *Queue) EmitPlanUpdate(entries []PlanEntry) {
	q.Put(Event{Payload: PlanUpdate{Entries: entries}})
}

// EmitError emits an error.
func (q *Queue) EmitError(message string, fatal bool) {
	q.Put(Event{Payload: Error{Message: message, Fatal: fatal}})
}

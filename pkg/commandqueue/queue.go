package commandqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/pilot/internal/observability"
	"github.com/harun/pilot/internal/tracing"
	"github.com/harun/pilot/pkg/errs"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrClosed is returned for tasks submitted after Close.
	ErrClosed = errs.New(errs.CodeCancelled, "command queue closed", nil)
	// ErrLaneCleared is returned to tasks dropped by ClearLane.
	ErrLaneCleared = errs.New(errs.CodeCancelled, "lane cleared", nil)
)

// Task is one unit of work run inside a lane.
type Task func(ctx context.Context) error

// TaskOptions tunes a single Run call.
type TaskOptions struct {
	// WarnAfter logs a warning, and calls OnWait, when the task is still
	// queued after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, position int)
}

// SessionLane names the lane that serializes prompts of one session.
func SessionLane(sessionID string) string {
	return "session:" + sessionID
}

type record struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan error
}

type lane struct {
	concurrency int
	queue       []*record
	running     int
}

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// Queue runs tasks in named lanes. Tasks of one lane start in FIFO order and
// at most Concurrency of them run at once; lanes are independent.
type Queue struct {
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[string]*lane
	limits map[string]int
	seq    int
	closed bool
}

// New creates an empty queue. Lanes are created on first use with a
// concurrency of 1.
func New(logger zerolog.Logger) *Queue {
	observability.EnsureRegistered()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger: logger.With().Str("component", "commandqueue").Logger(),
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]*lane),
		limits: make(map[string]int),
	}
}

// SetConcurrency changes how many tasks of a lane may run at once.
func (q *Queue) SetConcurrency(name string, n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.limits[name] = n
	if l, ok := q.lanes[name]; ok {
		l.concurrency = n
		q.pumpLocked(name, l)
	}
}

// laneLocked returns the lane, creating it if needed. Caller holds mu.
func (q *Queue) laneLocked(name string) *lane {
	l, ok := q.lanes[name]
	if !ok {
		concurrency := q.limits[name]
		if concurrency < 1 {
			concurrency = 1
		}
		l = &lane{concurrency: concurrency}
		q.lanes[name] = l
		q.logger.Debug().Str("lane", name).Int("concurrency", concurrency).Msg("Lane created")
	}
	return l
}

// Run queues task on the lane and waits for it to finish. A ctx that ends
// while the task is still queued withdraws it; once started, the task
// receives ctx and Run waits for it to return.
func (q *Queue) Run(ctx context.Context, name string, task Task, opts *TaskOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "pilot.commandqueue", "commandqueue.run",
		attribute.String("lane", name),
	)
	defer span.End()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	rec := &record{
		id:         fmt.Sprintf("%s-%d", name, q.seq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan error, 1),
	}
	l := q.laneLocked(name)
	l.queue = append(l.queue, rec)
	queued := len(l.queue)
	q.pumpLocked(name, l)
	q.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, q.logger)
	logger.Debug().Str("lane", name).Str("task_id", rec.id).Int("queued", queued).Msg("Task enqueued")
	observability.RecordQueueEnqueue(name, queued)

	var warn <-chan time.Time
	if opts != nil && opts.WarnAfter > 0 {
		timer := time.NewTimer(opts.WarnAfter)
		defer timer.Stop()
		warn = timer.C
	}

	for {
		select {
		case err := <-rec.result:
			if err != nil {
				tracing.RecordError(span, err)
			}
			return err
		case <-warn:
			warn = nil
			if pos := q.position(name, rec); pos >= 0 {
				wait := time.Since(rec.enqueuedAt)
				logger.Warn().
					Str("lane", name).
					Str("task_id", rec.id).
					Dur("wait", wait).
					Int("position", pos).
					Msg("Task waiting longer than expected")
				if opts.OnWait != nil {
					opts.OnWait(wait, pos)
				}
			}
		case <-ctx.Done():
			if q.withdraw(name, rec) {
				return ctx.Err()
			}
			// Already running; the task sees the same ctx.
			return <-rec.result
		}
	}
}

// pumpLocked starts queued tasks while the lane has capacity. Caller holds mu.
func (q *Queue) pumpLocked(name string, l *lane) {
	for l.running < l.concurrency && len(l.queue) > 0 {
		rec := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.running++

		q.wg.Add(1)
		go q.execute(name, rec)
	}
	observability.SetQueueSize(name, len(l.queue))
}

func (q *Queue) execute(name string, rec *record) {
	defer q.wg.Done()

	ctx, span := tracing.StartSpan(rec.ctx, "pilot.commandqueue", "commandqueue.execute",
		attribute.String("lane", name),
		attribute.String("task_id", rec.id),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	start := time.Now()
	err := q.invoke(runCtx, rec.task)
	duration := time.Since(start)

	q.mu.Lock()
	queued := 0
	if l, ok := q.lanes[name]; ok {
		l.running--
		queued = len(l.queue)
		if l.running == 0 && queued == 0 {
			delete(q.lanes, name)
		} else {
			q.pumpLocked(name, l)
		}
	}
	q.mu.Unlock()

	rec.result <- err

	logger := tracing.LoggerFromContext(ctx, q.logger)
	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().Err(err).Str("lane", name).Str("task_id", rec.id).Dur("duration", duration).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", name).Str("task_id", rec.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(name, duration, err == nil, queued)
}

func (q *Queue) invoke(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(errs.CodeInternal, fmt.Sprintf("task panicked: %v", r), nil)
		}
	}()
	return task(ctx)
}

// withdraw removes rec if it has not started. It reports whether it did.
func (q *Queue) withdraw(name string, rec *record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.lanes[name]
	if !ok {
		return false
	}
	for i, r := range l.queue {
		if r == rec {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			observability.SetQueueSize(name, len(l.queue))
			return true
		}
	}
	return false
}

func (q *Queue) position(name string, rec *record) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if l, ok := q.lanes[name]; ok {
		for i, r := range l.queue {
			if r == rec {
				return i
			}
		}
	}
	return -1
}

// QueueSize returns the number of tasks waiting in a lane.
func (q *Queue) QueueSize(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[name]; ok {
		return len(l.queue)
	}
	return 0
}

// Running returns the number of tasks executing in a lane.
func (q *Queue) Running(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[name]; ok {
		return l.running
	}
	return 0
}

// Stats snapshots every live lane.
func (q *Queue) Stats() map[string]LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]LaneStats, len(q.lanes))
	for name, l := range q.lanes {
		out[name] = LaneStats{Queued: len(l.queue), Running: l.running, Concurrency: l.concurrency}
	}
	return out
}

// ClearLane fails every queued task of a lane with ErrLaneCleared. Running
// tasks are not affected.
func (q *Queue) ClearLane(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.lanes[name]
	if !ok {
		return 0
	}
	n := len(l.queue)
	for _, rec := range l.queue {
		rec.result <- ErrLaneCleared
	}
	l.queue = nil
	if l.running == 0 {
		delete(q.lanes, name)
	}
	observability.SetQueueSize(name, 0)
	if n > 0 {
		q.logger.Info().Str("lane", name).Int("cleared", n).Msg("Lane cleared")
	}
	return n
}

// Close rejects new tasks, fails queued ones with ErrClosed, cancels running
// ones and waits for them to return.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for name, l := range q.lanes {
		for _, rec := range l.queue {
			rec.result <- ErrClosed
		}
		l.queue = nil
		observability.SetQueueSize(name, 0)
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

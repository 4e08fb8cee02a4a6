package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrClosed is returned for tasks enqueued after Close.
	ErrClosed = errors.New("command queue closed")
	// ErrLaneCleared is returned to tasks removed by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
)

// Task is a unit of work run inside a lane.
type Task func(ctx context.Context) (any, error)

// Options configures a Queue.
type Options struct {
	Logger *zerolog.Logger
	// MetricLabel maps a lane to its metrics label. Use it to keep label
	// cardinality bounded when lanes are per entity. Defaults to the lane.
	MetricLabel func(lane string) string
}

type result struct {
	value any
	err   error
}

type job struct {
	id         string
	ctx        context.Context
	task       Task
	enqueuedAt time.Time
	started    bool
	done       chan result
}

type lane struct {
	name        string
	concurrency int
	pending     []*job
	running     int
}

func (l *lane) idle() bool {
	return l.running == 0 && len(l.pending) == 0
}

// Queue dispatches tasks to lanes.
type Queue struct {
	mu          sync.Mutex
	lanes       map[string]*lane
	concurrency map[string]int
	seq         uint64
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger zerolog.Logger
	label  func(string) string
}

// New creates an empty queue.
func New(opts Options) *Queue {
	observability.EnsureRegistered()

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	label := opts.MetricLabel
	if label == nil {
		label = func(l string) string { return l }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:       make(map[string]*lane),
		concurrency: make(map[string]int),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.With().Str("component", "commandqueue").Logger(),
		label:       label,
	}
}

// Enqueue adds task to laneName and blocks until it finishes. If ctx ends
// while the task is still waiting, the task is dropped and ctx.Err() is
// returned. A task that already started receives ctx and is waited for.
func (q *Queue) Enqueue(ctx context.Context, laneName string, task Task) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}

	ctx, span := tracing.StartSpan(ctx, "turnloop.commandqueue", "commandqueue.enqueue", attribute.String("lane", laneName))
	defer span.End()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	l := q.laneLocked(laneName)
	q.seq++
	j := &job{
		id:         fmt.Sprintf("%s-%d", laneName, q.seq),
		ctx:        ctx,
		task:       task,
		enqueuedAt: time.Now(),
		done:       make(chan result, 1),
	}
	l.pending = append(l.pending, j)
	queued := len(l.pending)
	q.dispatchLocked(l)
	q.mu.Unlock()

	observability.SetQueueSize(q.label(laneName), queued)
	logger := tracing.LoggerFromContext(ctx, q.logger)
	logger.Debug().
		Str("lane", laneName).
		Str("task_id", j.id).
		Int("queued", queued).
		Msg("Task enqueued")

	select {
	case res := <-j.done:
		tracing.RecordError(span, res.err)
		return res.value, res.err
	case <-ctx.Done():
	}

	q.mu.Lock()
	if !j.started {
		q.removePendingLocked(l, j)
		q.mu.Unlock()
		tracing.RecordError(span, ctx.Err())
		return nil, ctx.Err()
	}
	q.mu.Unlock()

	res := <-j.done
	tracing.RecordError(span, res.err)
	return res.value, res.err
}

func (q *Queue) laneLocked(name string) *lane {
	l, ok := q.lanes[name]
	if !ok {
		c := q.concurrency[name]
		if c < 1 {
			c = 1
		}
		l = &lane{name: name, concurrency: c}
		q.lanes[name] = l
	}
	return l
}

func (q *Queue) removePendingLocked(l *lane, j *job) {
	for i, p := range l.pending {
		if p == j {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			break
		}
	}
	q.dropIfIdleLocked(l)
}

func (q *Queue) dropIfIdleLocked(l *lane) {
	if l.idle() && q.lanes[l.name] == l {
		delete(q.lanes, l.name)
	}
}

func (q *Queue) dispatchLocked(l *lane) {
	for l.running < l.concurrency && len(l.pending) > 0 {
		j := l.pending[0]
		l.pending = l.pending[1:]

		if err := j.ctx.Err(); err != nil {
			j.done <- result{err: err}
			continue
		}

		j.started = true
		l.running++
		q.wg.Add(1)
		go q.run(l, j)
	}
	q.dropIfIdleLocked(l)
}

func (q *Queue) run(l *lane, j *job) {
	defer q.wg.Done()

	runCtx, cancel := context.WithCancel(j.ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	start := time.Now()
	value, err := q.execute(runCtx, l.name, j)
	duration := time.Since(start)

	q.mu.Lock()
	l.running--
	queued := len(l.pending)
	q.dispatchLocked(l)
	q.mu.Unlock()

	j.done <- result{value: value, err: err}

	observability.RecordQueueCompletion(q.label(l.name), duration, queued)
	logger := tracing.LoggerFromContext(j.ctx, q.logger)
	if err != nil {
		logger.Debug().Str("lane", l.name).Str("task_id", j.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", l.name).Str("task_id", j.id).Dur("duration", duration).Msg("Task completed")
	}
}

func (q *Queue) execute(ctx context.Context, laneName string, j *job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Str("lane", laneName).Str("task_id", j.id).Interface("panic", r).Msg("Task panicked")
			value, err = nil, fmt.Errorf("task panicked: %v", r)
		}
	}()
	return j.task(ctx)
}

// SetConcurrency sets how many tasks of a lane may run at once. The value
// sticks for the lane name even while the lane is idle.
func (q *Queue) SetConcurrency(laneName string, n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.concurrency[laneName] = n
	if l, ok := q.lanes[laneName]; ok {
		l.concurrency = n
		q.dispatchLocked(l)
	}
}

// QueueSize returns the number of waiting tasks in a lane.
func (q *Queue) QueueSize(laneName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[laneName]; ok {
		return len(l.pending)
	}
	return 0
}

// Running returns the number of executing tasks in a lane.
func (q *Queue) Running(laneName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[laneName]; ok {
		return l.running
	}
	return 0
}

// LaneStats describes one active lane.
type LaneStats struct {
	Queued      int
	Running     int
	Concurrency int
}

// Stats returns a snapshot of every active lane.
func (q *Queue) Stats() map[string]LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]LaneStats, len(q.lanes))
	for name, l := range q.lanes {
		out[name] = LaneStats{Queued: len(l.pending), Running: l.running, Concurrency: l.concurrency}
	}
	return out
}

// ClearLane rejects every waiting task of a lane with ErrLaneCleared.
// Running tasks are not affected.
func (q *Queue) ClearLane(laneName string) int {
	q.mu.Lock()
	l, ok := q.lanes[laneName]
	if !ok {
		q.mu.Unlock()
		return 0
	}
	cleared := l.pending
	l.pending = nil
	q.dropIfIdleLocked(l)
	q.mu.Unlock()

	for _, j := range cleared {
		j.done <- result{err: ErrLaneCleared}
	}
	observability.SetQueueSize(q.label(laneName), 0)
	if len(cleared) > 0 {
		q.logger.Info().Str("lane", laneName).Int("cleared", len(cleared)).Msg("Lane cleared")
	}
	return len(cleared)
}

// Close rejects waiting tasks, cancels running ones and waits for them.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	var waiting []*job
	for _, l := range q.lanes {
		waiting = append(waiting, l.pending...)
		l.pending = nil
	}
	q.mu.Unlock()

	for _, j := range waiting {
		j.done <- result{err: ErrClosed}
	}
	q.cancel()
	q.wg.Wait()
	return nil
}

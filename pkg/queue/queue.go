package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/harun/docsync/internal/observability"
	"github.com/harun/docsync/internal/tracing"
	"github.com/harun/docsync/pkg/ingesterr"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultConcurrency      = 5
	defaultMaxAttempts      = 3
	defaultRemoveOnComplete = 100
	defaultRemoveOnFail     = 500
	defaultPollInterval     = 500 * time.Millisecond
)

var (
	// ErrNotFound is returned for unknown job ids
	ErrNotFound = errors.New("job not found")
	// ErrNotRemovable is returned when removing a job that already started
	ErrNotRemovable = errors.New("only waiting or delayed jobs can be removed")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("queue is closed")
	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("dispatcher is already running")
)

// EventType names a queue event
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetrying  EventType = "retrying"
)

// Event describes one job transition. Job is a snapshot taken after it.
type Event struct {
	Type  EventType
	Job   *Job
	Err   error
	Delay time.Duration // retrying only
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// TerminalHook runs once per job when it completes or fails for good. err is
// nil on success.
type TerminalHook func(ctx context.Context, job *Job, err error)

// Config holds queue configuration
type Config struct {
	// Path is the Badger directory; empty keeps the queue in memory
	Path   string
	Logger zerolog.Logger

	Concurrency int
	MaxAttempts int
	Backoff     Backoff
	// RemoveOnComplete and RemoveOnFail bound how many terminal jobs are
	// kept; negative keeps all
	RemoveOnComplete int
	RemoveOnFail     int
	PollInterval     time.Duration

	// now is overridable in tests
	now func() time.Time
}

// Queue is a durable job queue
type Queue struct {
	cfg     Config
	backend *backend
	logger  zerolog.Logger

	// mu serializes write transactions so index updates never conflict
	mu     sync.Mutex
	closed atomic.Bool

	running atomic.Bool
	wake    chan struct{}
	active  atomic.Int32

	eventHandlers map[EventType][]EventHandler
	terminalHooks []TerminalHook
	eventMu       sync.RWMutex
}

// Open opens the queue and returns jobs interrupted by a crash to waiting
func Open(cfg Config) (*Queue, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = DefaultBackoff().Initial
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = DefaultBackoff().Multiplier
	}
	if cfg.RemoveOnComplete == 0 {
		cfg.RemoveOnComplete = defaultRemoveOnComplete
	}
	if cfg.RemoveOnFail == 0 {
		cfg.RemoveOnFail = defaultRemoveOnFail
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	observability.EnsureRegistered()

	b, err := openBackend(cfg.Path, cfg.Logger)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		cfg:           cfg,
		backend:       b,
		logger:        cfg.Logger,
		wake:          make(chan struct{}, 1),
		eventHandlers: make(map[EventType][]EventHandler),
	}

	recovered, err := q.recoverActive()
	if err != nil {
		b.close()
		return nil, err
	}
	if recovered > 0 {
		q.logger.Warn().Int("jobs", recovered).Msg("Returned interrupted jobs to waiting")
	}

	return q, nil
}

// Close closes the database. Run must have returned first.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.close()
}

// Concurrency returns the number of worker lanes Run uses
func (q *Queue) Concurrency() int {
	return q.cfg.Concurrency
}

// recoverActive moves jobs left active back to waiting. The interrupted
// attempt is not counted.
func (q *Queue) recoverActive() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	err := q.backend.withTx(func(tx *badger.Txn) error {
		return scanIndex(tx, activePrefix, false, func(_ []byte, id string) (bool, error) {
			ids = append(ids, id)
			return true, nil
		})
	}, false)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		err := q.backend.withTx(func(tx *badger.Txn) error {
			job, err := getJob(tx, id)
			if err != nil {
				return err
			}
			prev := makeIndexKey(job)
			job.State = StateWaiting
			if job.Attempts > 0 {
				job.Attempts--
			}
			job.AvailableAt = q.cfg.now()
			return moveJob(tx, job, prev)
		}, true)
		if err != nil {
			return 0, fmt.Errorf("failed to recover job %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// On registers an event handler
func (q *Queue) On(eventType EventType, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// OnTerminal registers a hook run once per job on its terminal transition
func (q *Queue) OnTerminal(hook TerminalHook) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	q.terminalHooks = append(q.terminalHooks, hook)
}

// emit calls handlers synchronously; a panicking handler is logged and
// does not affect the queue
func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := append([]EventHandler(nil), q.eventHandlers[event.Type]...)
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error().Interface("panic", r).Str("event", string(event.Type)).Msg("Event handler panicked")
				}
			}()
			handler(event)
		}()
	}
}

// Enqueue validates and durably stores a waiting job
func (q *Queue) Enqueue(ctx context.Context, payload Payload, opts *Options) (*Job, error) {
	ctx, span := tracing.StartSpan(ctx, "docsync.queue", "queue.enqueue",
		attribute.String("kind", string(payload.Kind)),
	)
	defer span.End()

	if q.closed.Load() {
		return nil, ErrClosed
	}
	if err := ValidatePayload(payload); err != nil {
		span.RecordError(err)
		return nil, err
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}

	now := q.cfg.now()
	job := &Job{
		ID:          id,
		Payload:     payload,
		State:       StateWaiting,
		MaxAttempts: q.cfg.MaxAttempts,
		Backoff:     q.cfg.Backoff,
		TraceID:     tracing.GetTraceID(ctx),
		CreatedAt:   now,
		AvailableAt: now,
	}
	if opts != nil {
		if opts.MaxAttempts > 0 {
			job.MaxAttempts = opts.MaxAttempts
		}
		if opts.Backoff != nil {
			job.Backoff = *opts.Backoff
		}
	}

	q.mu.Lock()
	err = func() error {
		seq, err := q.backend.nextSeq()
		if err != nil {
			return err
		}
		job.Seq = seq
		return q.backend.withTx(func(tx *badger.Txn) error {
			return putJob(tx, job)
		}, true)
	}()
	q.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		return nil, ingesterr.Transient("enqueue job", err)
	}

	span.SetAttributes(attribute.String("job_id", job.ID))
	observability.RecordQueueEnqueue(string(payload.Kind))

	logger := tracing.LoggerFromContext(ctx, q.logger)
	logger.Debug().
		Str("job_id", job.ID).
		Str("kind", string(payload.Kind)).
		Str("file_id", payload.FileID()).
		Msg("Job enqueued")

	q.emit(Event{Type: EventEnqueued, Job: job})
	q.signal()

	return job, nil
}

// Get returns a job by id
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := q.backend.withTx(func(tx *badger.Txn) error {
		var err error
		job, err = getJob(tx, id)
		return err
	}, false)
	if err != nil {
		return nil, err
	}
	if job.State == StateDelayed && !job.AvailableAt.After(q.cfg.now()) {
		// Due but not yet promoted by the dispatcher.
		job.State = StateWaiting
	}
	return job, nil
}

// Remove deletes a job that has not started. Active and terminal jobs are
// left alone.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.backend.withTx(func(tx *badger.Txn) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if job.State != StateWaiting && job.State != StateDelayed {
			return fmt.Errorf("job %s is %s: %w", id, job.State, ErrNotRemovable)
		}
		return deleteJob(tx, job)
	}, true)
}

// Stats counts jobs per state and refreshes the queue gauges
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.backend.withTx(func(tx *badger.Txn) error {
		s.Waiting = countIndex(tx, waitingPrefix)
		s.Delayed = countIndex(tx, delayedPrefix)
		s.Active = countIndex(tx, activePrefix)
		s.Completed = countIndex(tx, completedPrefix)
		s.Failed = countIndex(tx, failedPrefix)
		return nil
	}, false)
	if err != nil {
		return s, err
	}

	for _, state := range AllStates() {
		observability.SetQueueSize(string(state), s.Get(state))
	}
	return s, nil
}

// List returns up to limit jobs in state. Waiting, delayed and active jobs
// come oldest first, terminal jobs newest first. limit <= 0 means 50.
func (q *Queue) List(ctx context.Context, state State, limit int) ([]*Job, error) {
	if !state.Valid() {
		return nil, ingesterr.Validation("list jobs", "unknown job state %q", state)
	}
	if limit <= 0 {
		limit = 50
	}

	var jobs []*Job
	err := q.backend.withTx(func(tx *badger.Txn) error {
		return scanIndex(tx, indexPrefix(state), state.Terminal(), func(_ []byte, id string) (bool, error) {
			job, err := getJob(tx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return true, nil
				}
				return false, err
			}
			jobs = append(jobs, job)
			return len(jobs) < limit, nil
		})
	}, false)
	return jobs, err
}

// signal wakes the dispatcher without blocking
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

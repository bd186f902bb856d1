// Package schedule runs periodic maintenance tasks (folder scans, queuing
// of pending files) on cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/docsync/internal/tracing"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrAlreadyRunning = errors.New("task is already running")
	ErrUnknownTask    = errors.New("unknown task")
	ErrDuplicateTask  = errors.New("task already registered")
)

// TaskFunc is one run of a scheduled task
type TaskFunc func(ctx context.Context) error

// TaskState reports the run history of a task
type TaskState struct {
	Name              string        `json:"name"`
	Spec              string        `json:"spec"`
	Running           bool          `json:"running"`
	Runs              int           `json:"runs"`
	Skipped           int           `json:"skipped"`
	LastRunAt         *time.Time    `json:"lastRunAt,omitempty"`
	LastDuration      time.Duration `json:"lastDuration,omitempty"`
	LastStatus        string        `json:"lastStatus,omitempty"` // "ok" or "error"
	LastError         string        `json:"lastError,omitempty"`
	ConsecutiveErrors int           `json:"consecutiveErrors"`
	NextRunAt         *time.Time    `json:"nextRunAt,omitempty"`
}

type task struct {
	name    string
	spec    string
	fn      TaskFunc
	entryID cron.EntryID
	running atomic.Bool

	mu    sync.Mutex
	state TaskState
}

// Service owns a cron runner and the registered tasks
type Service struct {
	cron   *cron.Cron
	logger zerolog.Logger

	mu    sync.RWMutex
	tasks map[string]*task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds scheduler configuration
type Config struct {
	Logger   zerolog.Logger
	Location *time.Location // Optional, defaults to local time
}

// NewService creates a stopped scheduler
func NewService(cfg Config) *Service {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{logger: cfg.Logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: cfg.Logger,
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a task on a standard five-field cron expression or a
// descriptor such as "@every 30s". A tick that arrives while the previous
// run of the same task is still going is skipped.
func (s *Service) Add(name, spec string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("%s: %w", name, ErrDuplicateTask)
	}

	t := &task{name: name, spec: spec, fn: fn}
	t.state = TaskState{Name: name, Spec: spec}

	job := cron.FuncJob(func() {
		if err := s.run(s.ctx, t); errors.Is(err, ErrAlreadyRunning) {
			s.logger.Debug().Str("task", name).Msg("Previous run still in progress, tick skipped")
		}
	})
	id, err := s.cron.AddJob(spec, job)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for task %s: %w", spec, name, err)
	}
	t.entryID = id
	s.tasks[name] = t

	s.logger.Debug().Str("task", name).Str("spec", spec).Msg("Task scheduled")
	return nil
}

// Start begins running tasks on their schedules
func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info().Int("tasks", len(s.tasks)).Msg("Scheduler started")
}

// Stop halts the schedule, cancels the task context and waits for running
// tasks until ctx expires
func (s *Service) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler did not stop in time: %w", ctx.Err())
	}
}

// RunNow runs a task immediately, outside its schedule. It returns
// ErrAlreadyRunning when a run is in progress.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	t, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownTask)
	}
	return s.run(ctx, t)
}

func (s *Service) run(ctx context.Context, t *task) error {
	if !t.running.CompareAndSwap(false, true) {
		t.mu.Lock()
		t.state.Skipped++
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	defer t.running.Store(false)

	s.wg.Add(1)
	defer s.wg.Done()

	ctx = tracing.NewRequestContext(ctx)
	ctx, span := tracing.StartSpan(ctx, "docsync.schedule", "schedule.run",
		attribute.String("task", t.name),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	start := time.Now()
	err := t.fn(ctx)
	duration := time.Since(start)

	t.mu.Lock()
	t.state.Runs++
	t.state.LastRunAt = &start
	t.state.LastDuration = duration
	if err != nil {
		t.state.LastStatus = "error"
		t.state.LastError = err.Error()
		t.state.ConsecutiveErrors++
	} else {
		t.state.LastStatus = "ok"
		t.state.LastError = ""
		t.state.ConsecutiveErrors = 0
	}
	consecutive := t.state.ConsecutiveErrors
	t.mu.Unlock()

	if err != nil {
		tracing.FailSpan(span, err, "task failed")
		logger.Error().Err(err).
			Str("task", t.name).
			Int("consecutive_errors", consecutive).
			Msg("Scheduled task failed")
		return err
	}

	logger.Debug().Str("task", t.name).Dur("duration", duration).Msg("Scheduled task completed")
	return nil
}

// Tasks returns the state of every task, sorted by name
func (s *Service) Tasks() []TaskState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]TaskState, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.Lock()
		st := t.state
		t.mu.Unlock()

		st.Running = t.running.Load()
		if next := s.cron.Entry(t.entryID).Next; !next.IsZero() {
			st.NextRunAt = &next
		}
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

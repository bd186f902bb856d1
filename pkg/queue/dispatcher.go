package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/harun/docsync/internal/observability"
	"github.com/harun/docsync/internal/tracing"
	"github.com/harun/docsync/pkg/ingesterr"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
)

// Handler processes one job attempt
type Handler func(ctx context.Context, job *Job, progress Progress) (*Result, error)

// Progress records how far a job attempt has come, in percent
type Progress interface {
	Report(percent int) error
}

type progressReporter struct {
	q    *Queue
	id   string
	mu   sync.Mutex
	last int
}

// Report persists percent when it moves forward. Lower values are ignored
// so progress never goes backwards within an attempt.
func (p *progressReporter) Report(percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if percent < p.last {
		return nil
	}
	p.last = percent

	p.q.mu.Lock()
	defer p.q.mu.Unlock()
	return p.q.backend.withTx(func(tx *badger.Txn) error {
		job, err := getJob(tx, p.id)
		if err != nil {
			return err
		}
		if job.State != StateActive {
			return nil
		}
		job.Progress = percent
		return putJob(tx, job)
	}, true)
}

// Run dispatches ready jobs to handler on Concurrency lanes until ctx is
// cancelled, then waits for running jobs. Jobs are never interrupted: the
// handler context outlives ctx.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if !q.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer q.running.Store(false)

	pool, err := ants.NewPool(q.cfg.Concurrency)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	q.logger.Info().Int("concurrency", q.cfg.Concurrency).Msg("Job dispatcher started")

	jobCtx := tracing.DetachContext(ctx)
	q.replayTerminalHooks(jobCtx)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		observability.SetActiveJobs(0)
		q.logger.Info().Msg("Job dispatcher stopped")
	}()

	for {
		for int(q.active.Load()) < q.cfg.Concurrency {
			if ctx.Err() != nil {
				return nil
			}
			job, err := q.claimNext()
			if err != nil {
				q.logger.Error().Err(err).Msg("Failed to claim job")
				break
			}
			if job == nil {
				break
			}

			q.active.Add(1)
			observability.SetActiveJobs(int(q.active.Load()))
			wg.Add(1)
			submitErr := pool.Submit(func() {
				defer func() {
					q.active.Add(-1)
					observability.SetActiveJobs(int(q.active.Load()))
					wg.Done()
					q.signal()
				}()
				q.execute(jobCtx, job, handler)
			})
			if submitErr != nil {
				q.active.Add(-1)
				wg.Done()
				q.logger.Error().Err(submitErr).Str("job_id", job.ID).Msg("Failed to submit job")
				q.finish(jobCtx, job, nil, ingesterr.Transient("submit job", submitErr))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.Stats(ctx)
		case <-q.wake:
		}
	}
}

// claimNext promotes due delayed jobs and moves the oldest waiting job to
// active. It returns nil when nothing is ready.
func (q *Queue) claimNext() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed.Load() {
		return nil, ErrClosed
	}

	now := q.cfg.now()
	if err := q.promoteDelayed(now); err != nil {
		return nil, err
	}

	var claimed *Job
	err := q.backend.withTx(func(tx *badger.Txn) error {
		var id string
		var key []byte
		err := scanIndex(tx, waitingPrefix, false, func(k []byte, jobID string) (bool, error) {
			id, key = jobID, k
			return false, nil
		})
		if err != nil || id == "" {
			return err
		}

		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		job.State = StateActive
		job.Attempts++
		job.Progress = 0
		job.ProcessedAt = now
		if err := moveJob(tx, job, key); err != nil {
			return err
		}
		claimed = job
		return nil
	}, true)
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// promoteDelayed moves delayed jobs whose backoff has elapsed to waiting.
// Must be called with mu held.
func (q *Queue) promoteDelayed(now time.Time) error {
	type due struct {
		key []byte
		id  string
	}
	var ready []due

	err := q.backend.withTx(func(tx *badger.Txn) error {
		return scanIndex(tx, delayedPrefix, false, func(key []byte, id string) (bool, error) {
			if delayedKeyTime(key).After(now) {
				return false, nil
			}
			ready = append(ready, due{key: key, id: id})
			return true, nil
		})
	}, false)
	if err != nil || len(ready) == 0 {
		return err
	}

	return q.backend.withTx(func(tx *badger.Txn) error {
		for _, d := range ready {
			job, err := getJob(tx, d.id)
			if err != nil {
				return err
			}
			job.State = StateWaiting
			if err := moveJob(tx, job, d.key); err != nil {
				return err
			}
		}
		return nil
	}, true)
}

// execute runs one attempt and records its outcome
func (q *Queue) execute(ctx context.Context, job *Job, handler Handler) {
	ctx = tracing.PropagateToJob(ctx, job.TraceID, job.ID, job.Payload.FileID())
	ctx, span := tracing.StartSpan(ctx, "docsync.queue", "queue.execute_job",
		attribute.String("job_id", job.ID),
		attribute.String("kind", string(job.Kind())),
		attribute.Int("attempt", job.Attempts),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, q.logger)
	logger.Debug().Int("attempt", job.Attempts).Int("max_attempts", job.MaxAttempts).Msg("Job started")

	start := time.Now()
	result, err := q.runHandler(ctx, job, handler)
	observability.RecordJobAttempt(string(job.Kind()), time.Since(start))

	if err != nil {
		tracing.FailSpan(span, err, err.Error())
	}
	q.finish(ctx, job, result, err)
}

// runHandler converts a handler panic into a failed attempt
func (q *Queue) runHandler(ctx context.Context, job *Job, handler Handler) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Str("job_id", job.ID).Bytes("stack", debug.Stack()).Msg("Job handler panicked")
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job, &progressReporter{q: q, id: job.ID})
}

// finish completes, reschedules or fails an active job
func (q *Queue) finish(ctx context.Context, job *Job, result *Result, runErr error) {
	logger := tracing.LoggerFromContext(ctx, q.logger)
	kind := string(job.Kind())

	var (
		snapshot *Job
		delay    time.Duration
	)

	q.mu.Lock()
	err := func() error {
		if q.closed.Load() {
			return ErrClosed
		}
		seq := uint64(0)
		willTerminate := runErr == nil || !ingesterr.Retryable(runErr) || job.Attempts >= job.MaxAttempts
		if willTerminate {
			var err error
			if seq, err = q.backend.nextSeq(); err != nil {
				return err
			}
		}

		return q.backend.withTx(func(tx *badger.Txn) error {
			current, err := getJob(tx, job.ID)
			if err != nil {
				return err
			}
			prev := makeIndexKey(current)
			now := q.cfg.now()

			switch {
			case runErr == nil:
				current.State = StateCompleted
				current.Progress = 100
				current.Result = result
				current.LastError = ""
				current.FinishedAt = now
				current.FinishSeq = seq
			case willTerminate:
				current.State = StateFailed
				current.LastError = runErr.Error()
				current.FinishedAt = now
				current.FinishSeq = seq
			default:
				delay = current.Backoff.Delay(current.Attempts)
				current.State = StateDelayed
				current.LastError = runErr.Error()
				current.AvailableAt = now.Add(delay)
			}

			if err := moveJob(tx, current, prev); err != nil {
				return err
			}
			snapshot = current
			return nil
		}, true)
	}()
	q.mu.Unlock()

	if err != nil {
		// The job stays active and is recovered on the next open.
		logger.Error().Err(err).Msg("Failed to record job outcome")
		return
	}

	switch snapshot.State {
	case StateCompleted:
		logger.Info().Int("attempts", snapshot.Attempts).Msg("Job completed")
		observability.RecordJobCompletion(kind, true)
		q.emit(Event{Type: EventCompleted, Job: snapshot})
		q.notifyTerminal(ctx, snapshot, nil)

	case StateFailed:
		logger.Error().Err(runErr).Int("attempts", snapshot.Attempts).Msg("Job failed permanently")
		observability.RecordJobCompletion(kind, false)
		q.emit(Event{Type: EventFailed, Job: snapshot, Err: runErr})
		q.notifyTerminal(ctx, snapshot, runErr)

	case StateDelayed:
		logger.Warn().Err(runErr).
			Int("attempt", snapshot.Attempts).
			Dur("delay", delay).
			Msg("Job attempt failed, retrying")
		observability.RecordJobRetry(kind)
		q.emit(Event{Type: EventRetrying, Job: snapshot, Err: runErr, Delay: delay})
	}
}

// notifyTerminal runs the terminal hooks, then marks the job notified and
// applies retention
func (q *Queue) notifyTerminal(ctx context.Context, job *Job, runErr error) {
	q.eventMu.RLock()
	hooks := append([]TerminalHook(nil), q.terminalHooks...)
	q.eventMu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error().Interface("panic", r).Str("job_id", job.ID).Msg("Terminal hook panicked")
				}
			}()
			hook(ctx, job, runErr)
		}()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return
	}

	err := q.backend.withTx(func(tx *badger.Txn) error {
		current, err := getJob(tx, job.ID)
		if err != nil {
			return err
		}
		current.Notified = true
		return putJob(tx, current)
	}, true)
	if err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job notified")
		return
	}

	if err := q.prune(job.State); err != nil {
		q.logger.Warn().Err(err).Str("state", string(job.State)).Msg("Failed to prune terminal jobs")
	}
}

// replayTerminalHooks runs hooks for terminal jobs whose hook did not
// complete before the last shutdown
func (q *Queue) replayTerminalHooks(ctx context.Context) {
	for _, state := range []State{StateCompleted, StateFailed} {
		var pending []*Job
		err := q.backend.withTx(func(tx *badger.Txn) error {
			return scanIndex(tx, indexPrefix(state), false, func(_ []byte, id string) (bool, error) {
				job, err := getJob(tx, id)
				if err != nil {
					return false, err
				}
				if !job.Notified {
					pending = append(pending, job)
				}
				return true, nil
			})
		}, false)
		if err != nil {
			q.logger.Error().Err(err).Msg("Failed to scan terminal jobs")
			continue
		}

		for _, job := range pending {
			var runErr error
			if job.State == StateFailed {
				runErr = fmt.Errorf("%s", job.LastError)
			}
			q.logger.Info().Str("job_id", job.ID).Str("state", string(job.State)).Msg("Replaying terminal hook")
			q.notifyTerminal(tracing.PropagateToJob(ctx, job.TraceID, job.ID, job.Payload.FileID()), job, runErr)
		}
	}
}

// prune removes the oldest notified terminal jobs beyond the retention
// limit. Must be called with mu held.
func (q *Queue) prune(state State) error {
	limit := q.cfg.RemoveOnComplete
	if state == StateFailed {
		limit = q.cfg.RemoveOnFail
	}
	if limit < 0 {
		return nil
	}
	prefix := indexPrefix(state)

	var victims [][]byte
	var ids []string
	err := q.backend.withTx(func(tx *badger.Txn) error {
		excess := countIndex(tx, prefix) - limit
		if excess <= 0 {
			return nil
		}
		return scanIndex(tx, prefix, false, func(key []byte, id string) (bool, error) {
			job, err := getJob(tx, id)
			if err == nil && !job.Notified {
				return true, nil
			}
			victims = append(victims, key)
			ids = append(ids, id)
			return len(victims) < excess, nil
		})
	}, false)
	if err != nil || len(victims) == 0 {
		return err
	}

	return q.backend.withTx(func(tx *badger.Txn) error {
		for i, key := range victims {
			if err := tx.Delete(key); err != nil {
				return err
			}
			if err := tx.Delete(makeJobKey(ids[i])); err != nil {
				return err
			}
		}
		return nil
	}, true)
}

package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/harun/docsync/pkg/ingesterr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	q, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

// startDispatcher runs the queue until the test ends
func startDispatcher(t *testing.T, q *Queue, handler Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, handler) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func textPayload(text string) Payload {
	return NewTextPayload(text, map[string]any{"source": "test"})
}

func okHandler(ctx context.Context, job *Job, progress Progress) (*Result, error) {
	if err := progress.Report(0); err != nil {
		return nil, err
	}
	return &Result{ID: "point-" + job.ID, Success: true}, nil
}

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(0))

	flat := Backoff{Initial: 50 * time.Millisecond, Multiplier: 0}
	assert.Equal(t, 50*time.Millisecond, flat.Delay(4))
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"text", NewTextPayload("hello world", nil), false},
		{"file", NewFilePayload(FilePayload{FilePath: "/tmp/a.pdf", FileType: "pdf", Filename: "a.pdf", FileID: "f1"}), false},
		{"empty text", NewTextPayload("", nil), true},
		{"blank text", NewTextPayload("   \n\t", nil), true},
		{"file without path", NewFilePayload(FilePayload{FileType: "pdf", Filename: "a.pdf"}), true},
		{"file without type", NewFilePayload(FilePayload{FilePath: "/tmp/a", Filename: "a"}), true},
		{"kind mismatch", Payload{Kind: KindFile, Text: &TextPayload{Text: "x"}}, true},
		{"both variants", Payload{Kind: KindText, Text: &TextPayload{Text: "x"}, File: &FilePayload{FilePath: "/a", FileType: "txt", Filename: "a"}}, true},
		{"unknown kind", Payload{Kind: "image"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.payload)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, ingesterr.IsKind(err, ingesterr.KindValidation))
		})
	}
}

func TestQueue_Enqueue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	var events []Event
	q.On(EventEnqueued, func(e Event) { events = append(events, e) })

	job, err := q.Enqueue(ctx, textPayload("alpha"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, DefaultBackoff(), job.Backoff)
	require.Len(t, events, 1)
	assert.Equal(t, job.ID, events[0].Job.ID)

	custom := Backoff{Initial: 5 * time.Millisecond, Multiplier: 3}
	job2, err := q.Enqueue(ctx, textPayload("beta"), &Options{MaxAttempts: 7, Backoff: &custom})
	require.NoError(t, err)
	assert.Equal(t, 7, job2.MaxAttempts)
	assert.Equal(t, custom, job2.Backoff)
	assert.Greater(t, job2.Seq, job.Seq)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Payload.Text.Text)
	assert.Equal(t, "test", got.Payload.Text.Metadata["source"])

	_, err = q.Enqueue(ctx, NewTextPayload("", nil), nil)
	assert.True(t, ingesterr.IsKind(err, ingesterr.KindValidation))

	_, err = q.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_ListAndStats(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		job, err := q.Enqueue(ctx, textPayload(text), nil)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	jobs, err := q.List(ctx, StateWaiting, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i, job := range jobs {
		assert.Equal(t, ids[i], job.ID)
	}

	jobs, err = q.List(ctx, StateWaiting, 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	claimed, err := q.claimNext()
	require.NoError(t, err)
	assert.Equal(t, ids[0], claimed.ID)
	assert.Equal(t, 1, claimed.Attempts)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Waiting: 2, Active: 1}, stats)

	_, err = q.List(ctx, State("paused"), 10)
	assert.Error(t, err)
}

func TestQueue_Remove(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	first, err := q.Enqueue(ctx, textPayload("first"), nil)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, textPayload("second"), nil)
	require.NoError(t, err)

	active, err := q.claimNext()
	require.NoError(t, err)
	require.Equal(t, first.ID, active.ID)

	err = q.Remove(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotRemovable)

	require.NoError(t, q.Remove(ctx, second.ID))
	_, err = q.Get(ctx, second.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, q.Remove(ctx, "missing"), ErrNotFound)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Active: 1}, stats)
}

func TestQueue_RunCompletes(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	var (
		mu        sync.Mutex
		terminal  []string
		completed []Event
	)
	q.OnTerminal(func(ctx context.Context, job *Job, err error) {
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, err)
		terminal = append(terminal, job.ID)
	})
	q.On(EventCompleted, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, e)
	})

	job, err := q.Enqueue(ctx, textPayload("alpha"), nil)
	require.NoError(t, err)

	startDispatcher(t, q, okHandler)

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.State == StateCompleted && got.Notified
	}, 2*time.Second, 5*time.Millisecond)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Result)
	assert.Equal(t, "point-"+job.ID, got.Result.ID)
	assert.True(t, got.Result.Success)
	assert.False(t, got.FinishedAt.IsZero())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{job.ID}, terminal)
	assert.Len(t, completed, 1)
}

func TestQueue_RetryBound(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{
		MaxAttempts: 3,
		Backoff:     Backoff{Initial: 10 * time.Millisecond, Multiplier: 2},
	})

	var (
		mu        sync.Mutex
		calls     int
		delays    []time.Duration
		hookCalls int
		hookErr   error
	)
	q.On(EventRetrying, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, e.Delay)
	})
	q.OnTerminal(func(ctx context.Context, job *Job, err error) {
		mu.Lock()
		defer mu.Unlock()
		hookCalls++
		hookErr = err
	})

	job, err := q.Enqueue(ctx, textPayload("doomed"), nil)
	require.NoError(t, err)

	startDispatcher(t, q, func(ctx context.Context, job *Job, progress Progress) (*Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, ingesterr.Transient("embed", errors.New("connection reset"))
	})

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.State == StateFailed && got.Notified
	}, 2*time.Second, 5*time.Millisecond)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Contains(t, got.LastError, "connection reset")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
	assert.Equal(t, 1, hookCalls)
	assert.ErrorContains(t, hookErr, "connection reset")
}

func TestQueue_NonRetryableFailsAtOnce(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{MaxAttempts: 5})

	var calls atomic.Int32
	job, err := q.Enqueue(ctx, NewFilePayload(FilePayload{FilePath: "/tmp/a.xyz", FileType: "xyz", Filename: "a.xyz"}), nil)
	require.NoError(t, err)

	startDispatcher(t, q, func(ctx context.Context, job *Job, progress Progress) (*Result, error) {
		calls.Add(1)
		return nil, ingesterr.UnsupportedFileType(job.Payload.File.FileType)
	})

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.State == StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_HandlerPanicIsAFailedAttempt(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{MaxAttempts: 1})

	job, err := q.Enqueue(ctx, textPayload("boom"), nil)
	require.NoError(t, err)

	startDispatcher(t, q, func(ctx context.Context, job *Job, progress Progress) (*Result, error) {
		panic("nil map")
	})

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.State == StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "panicked")
}

func TestQueue_ConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{Concurrency: 2})

	var (
		running atomic.Int32
		peak    atomic.Int32
		done    atomic.Int32
	)
	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(ctx, textPayload("job"), nil)
		require.NoError(t, err)
	}

	startDispatcher(t, q, func(ctx context.Context, job *Job, progress Progress) (*Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		done.Add(1)
		return &Result{ID: job.ID, Success: true}, nil
	})

	require.Eventually(t, func() bool { return done.Load() == 6 }, 3*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestQueue_ProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	job, err := q.Enqueue(ctx, textPayload("alpha"), nil)
	require.NoError(t, err)

	observed := make(chan int, 1)
	release := make(chan struct{})
	startDispatcher(t, q, func(ctx context.Context, job *Job, progress Progress) (*Result, error) {
		assert.NoError(t, progress.Report(60))
		assert.NoError(t, progress.Report(30))
		got, err := q.Get(ctx, job.ID)
		if err == nil {
			observed <- got.Progress
		}
		<-release
		return &Result{ID: "p", Success: true}, nil
	})

	select {
	case p := <-observed:
		assert.Equal(t, 60, p)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
	close(release)

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.State == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueue_Retention(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{Concurrency: 1, RemoveOnComplete: 2, RemoveOnFail: 1, MaxAttempts: 1})

	var last string
	for i := 0; i < 5; i++ {
		job, err := q.Enqueue(ctx, textPayload("ok"), nil)
		require.NoError(t, err)
		last = job.ID
	}
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, textPayload("fail"), nil)
		require.NoError(t, err)
	}

	var finished atomic.Int32
	q.OnTerminal(func(ctx context.Context, job *Job, err error) { finished.Add(1) })

	startDispatcher(t, q, func(ctx context.Context, job *Job, progress Progress) (*Result, error) {
		if job.Payload.Text.Text == "fail" {
			return nil, errors.New("bad")
		}
		return &Result{ID: job.ID, Success: true}, nil
	})

	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && finished.Load() == 8 && stats.Completed == 2 && stats.Failed == 1
	}, 3*time.Second, 5*time.Millisecond)

	completed, err := q.List(ctx, StateCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 2)
	assert.Equal(t, last, completed[0].ID, "newest completed job is kept")
}

func TestQueue_RecoversActiveJobsOnOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	q, err := Open(Config{Path: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	job, err := q.Enqueue(ctx, textPayload("interrupted"), nil)
	require.NoError(t, err)
	claimed, err := q.claimNext()
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)
	require.NoError(t, q.Close())

	q, err = Open(Config{Path: dir, Logger: zerolog.Nop(), PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer q.Close()

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, got.State)
	assert.Equal(t, 0, got.Attempts)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Waiting: 1}, stats)

	next, err := q.Enqueue(ctx, textPayload("after restart"), nil)
	require.NoError(t, err)
	assert.Greater(t, next.Seq, job.Seq)
}

func TestQueue_ReplaysUnnotifiedTerminalJobs(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	job, err := q.Enqueue(ctx, textPayload("done before crash"), nil)
	require.NoError(t, err)
	claimed, err := q.claimNext()
	require.NoError(t, err)

	// Simulate a crash between the terminal write and the hook.
	require.NoError(t, q.backend.withTx(func(tx *badger.Txn) error {
		prev := makeIndexKey(claimed)
		claimed.State = StateCompleted
		claimed.FinishSeq = claimed.Seq + 1000
		claimed.Result = &Result{ID: "point-x", Success: true}
		return moveJob(tx, claimed, prev)
	}, true))

	hooked := make(chan *Job, 1)
	q.OnTerminal(func(ctx context.Context, job *Job, err error) {
		assert.NoError(t, err)
		hooked <- job
	})
	startDispatcher(t, q, okHandler)

	select {
	case got := <-hooked:
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, "point-x", got.Result.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal hook was not replayed")
	}

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.Notified
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueue_RunTwice(t *testing.T) {
	q := newTestQueue(t, Config{})
	startDispatcher(t, q, okHandler)

	require.Eventually(t, func() bool { return q.running.Load() }, time.Second, time.Millisecond)
	err := q.Run(context.Background(), okHandler)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

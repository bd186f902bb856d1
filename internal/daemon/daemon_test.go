package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/docsync/internal/config"
	"github.com/harun/docsync/internal/logger"
	"github.com/harun/docsync/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVersion = "test"

// newTestConfig returns a config rooted in a temp dir that needs no network
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ApplyDataDir(t.TempDir())
	cfg.Embedding.Provider = "hash"
	cfg.Embedding.Dimension = 64
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Queue.PollIntervalMs = 20
	cfg.Queue.BackoffInitialMs = 10
	return cfg
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

// createTestDaemon creates a daemon that is closed when the test ends
func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := New(cfg, newTestLogger(t), testVersion)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNew(t *testing.T) {
	cfg := newTestConfig(t)
	d := createTestDaemon(t, cfg)

	assert.NotNil(t, d.GetComponents())
	assert.NotNil(t, d.GetComponents().Ingest)
	assert.NotNil(t, d.GetComponents().Scanner)
	assert.NotNil(t, d.GetScheduler())
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.lifecycle)
	assert.Equal(t, cfg, d.GetConfig())

	// The data directory is held until the daemon closes.
	_, err := OpenComponents(context.Background(), cfg, newTestLogger(t))
	assert.ErrorIs(t, err, ErrDataDirLocked)

	require.NoError(t, d.Close())
	c, err := OpenComponents(context.Background(), cfg, newTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestNew_SchedulerAndMetricsDisabled(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Scheduler.Enabled = false
	cfg.Metrics.Enabled = false
	d := createTestDaemon(t, cfg)

	assert.Nil(t, d.GetScheduler())
	assert.Empty(t, d.StatusAddr())
}

func TestNew_FailureReleasesDataDir(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Embedding.Provider = "bogus"

	_, err := New(cfg, newTestLogger(t), testVersion)
	require.Error(t, err)

	cfg.Embedding.Provider = "hash"
	d, err := New(cfg, newTestLogger(t), testVersion)
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func TestNew_InvalidSchedule(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Scheduler.ScanCron = "not a cron"

	_, err := New(cfg, newTestLogger(t), testVersion)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler")
}

func TestDaemonStartStop(t *testing.T) {
	cfg := newTestConfig(t)
	d := createTestDaemon(t, cfg)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start must fail")

	status := d.Status()
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Equal(t, testVersion, status.Version)
	assert.NotNil(t, status.Queue)
	assert.Len(t, status.Tasks, 2)

	pidFile := PIDFilePath(cfg.DataDir)
	assert.FileExists(t, pidFile)
	assert.True(t, IsRunning(pidFile))

	require.NoError(t, d.Stop())
	assert.NoFileExists(t, pidFile)
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop(), "stop of a stopped daemon must fail")
}

func TestDaemon_SyncsFolderOnStart(t *testing.T) {
	cfg := newTestConfig(t)
	d := createTestDaemon(t, cfg)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("meeting notes about the quarterly roadmap"), 0644))

	store := d.GetComponents().Store
	_, err := store.AddFolder(ctx, tracker.FolderParams{Path: dir, Name: "notes"})
	require.NoError(t, err)

	require.NoError(t, d.Start())

	require.Eventually(t, func() bool {
		rec, err := store.GetFileByPath(ctx, path)
		return err == nil && rec.Status == tracker.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	rec, err := store.GetFileByPath(ctx, path)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.VectorID)

	matches, err := d.GetComponents().Ingest.Search(ctx, "quarterly roadmap", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, rec.VectorID, matches[0].ID)

	require.NoError(t, d.Stop())
}

func TestDaemon_StatusServer(t *testing.T) {
	cfg := newTestConfig(t)
	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start())
	defer d.Stop()

	base := "http://" + d.StatusAddr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

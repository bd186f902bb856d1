package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/docsync/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupCLIEnv points the CLI at a fresh data directory with the local hash
// embedder and returns the config path. The config file itself is absent so
// defaults plus DOCSYNC_* overrides apply.
func setupCLIEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("DOCSYNC_EMBEDDING_PROVIDER", "hash")
	t.Setenv("DOCSYNC_EMBEDDING_DIMENSION", "64")
	t.Setenv("DOCSYNC_METRICS_ENABLED", "false")
	t.Setenv("DOCSYNC_QUEUE_POLL_INTERVAL_MS", "20")
	t.Setenv("DOCSYNC_QUEUE_BACKOFF_INITIAL_MS", "10")
	return filepath.Join(t.TempDir(), "docsync.json")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestCLI_FolderSyncWorkflow(t *testing.T) {
	configPath := setupCLIEnv(t)
	run := func(args ...string) string {
		t.Helper()
		output, err := executeCommand(t, append([]string{"--config", configPath}, args...)...)
		require.NoError(t, err, output)
		return output
	}

	docs := t.TempDir()
	writeFile(t, filepath.Join(docs, "roadmap.txt"), "The quarterly roadmap covers search quality and ingestion speed.")
	writeFile(t, filepath.Join(docs, "sub", "notes.md"), "# Notes\n\nGardening tips for tomatoes and basil.")

	output := run("folders", "add", docs, "--name", "docs")
	assert.Contains(t, output, "Added folder docs")

	output = run("folders", "list")
	assert.Contains(t, output, "docs")
	assert.Contains(t, output, docs)

	output = run("scan")
	assert.Contains(t, output, "docs: added=2 modified=0 unchanged=0 deleted=0 errors=0")

	output = run("pending")
	assert.Contains(t, output, "roadmap.txt")
	assert.Contains(t, output, "notes.md")

	output = run("process", "--wait")
	assert.Contains(t, output, "Queued 2 file(s)")
	assert.Contains(t, output, "completed=2")

	output = run("files", "list", "--status", "completed")
	assert.Contains(t, output, "roadmap.txt")
	assert.Contains(t, output, "notes.md")

	output = run("search", "quarterly roadmap", "--limit", "1")
	assert.Contains(t, output, "1. ")
	assert.Contains(t, output, "roadmap.txt")

	output = run("scan", "docs")
	assert.Contains(t, output, "docs: added=0 modified=0 unchanged=2")

	output = run("folders", "deactivate", "docs")
	assert.Contains(t, output, "folder_deactivated")
	output = run("folders", "list", "--active")
	assert.Contains(t, output, "No monitored folders.")

	output = run("status")
	assert.Contains(t, output, "Status: stopped")
	assert.Contains(t, output, "completed=2")
}

func TestCLI_IngestCommands(t *testing.T) {
	configPath := setupCLIEnv(t)
	base := []string{"--config", configPath}

	output, err := executeCommand(t, append(base, "ingest", "text", "plain text about solar panels", "--meta", "source=cli", "--wait")...)
	require.NoError(t, err, output)
	assert.Contains(t, output, "completed, vector")

	output, err = executeCommand(t, append(base, "ingest", "text", "queued for later")...)
	require.NoError(t, err, output)
	assert.Contains(t, output, "Queued job")

	output, err = executeCommand(t, append(base, "jobs", "list", "--state", string(queue.StateWaiting))...)
	require.NoError(t, err, output)
	assert.Contains(t, output, "queued for later")

	bad := filepath.Join(t.TempDir(), "report.docx")
	writeFile(t, bad, "not really a docx")
	_, err = executeCommand(t, append(base, "ingest", "file", bad, "--wait")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")

	output, err = executeCommand(t, append(base, "jobs", "list", "--state", "failed")...)
	require.NoError(t, err, output)
	assert.Contains(t, output, "report.docx")

	output, err = executeCommand(t, append(base, "jobs", "stats")...)
	require.NoError(t, err, output)
	assert.Contains(t, output, "failed=1")

	_, err = executeCommand(t, append(base, "jobs", "list", "--state", "bogus")...)
	assert.Error(t, err)

	_, err = executeCommand(t, append(base, "jobs", "get", "missing-job")...)
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestCLI_IngestFileDeleteAfter(t *testing.T) {
	configPath := setupCLIEnv(t)

	upload := filepath.Join(t.TempDir(), "upload.txt")
	writeFile(t, upload, "temporary upload with budget figures")

	output, err := executeCommand(t, "--config", configPath, "ingest", "file", upload, "--delete-after", "--meta", "team=finance", "--wait")
	require.NoError(t, err, output)
	assert.Contains(t, output, "completed")
	assert.NoFileExists(t, upload)
}

func TestCLI_FoldersImport(t *testing.T) {
	configPath := setupCLIEnv(t)

	first := t.TempDir()
	second := t.TempDir()
	importFile := filepath.Join(t.TempDir(), "folders.yaml")
	writeFile(t, importFile, `folders:
  - path: `+first+`
    name: first
    pattern: "*.pdf"
  - path: `+second+`
    name: second
    recursive: false
    active: false
  - path: `+first+`
    name: duplicate
`)

	output, err := executeCommand(t, "--config", configPath, "folders", "import", importFile)
	require.NoError(t, err, output)
	assert.Contains(t, output, "Imported 2 folder(s), skipped 1")

	output, err = executeCommand(t, "--config", configPath, "folders", "list", "--active")
	require.NoError(t, err, output)
	assert.Contains(t, output, "first")
	assert.NotContains(t, output, "second")

	_, err = executeCommand(t, "--config", configPath, "folders", "import", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCLI_FilesRetry(t *testing.T) {
	configPath := setupCLIEnv(t)
	run := func(args ...string) string {
		t.Helper()
		output, err := executeCommand(t, append([]string{"--config", configPath}, args...)...)
		require.NoError(t, err, output)
		return output
	}

	output := run("files", "retry")
	assert.Contains(t, output, "Returned 0 file(s) to pending")

	docs := t.TempDir()
	writeFile(t, filepath.Join(docs, "budget.xlsx"), "PK not a text format")
	run("folders", "add", docs, "--name", "sheets")
	run("scan")
	run("process", "--wait")

	output = run("files", "list", "--status", "error")
	assert.Contains(t, output, "budget.xlsx")

	output = run("files", "retry")
	assert.Contains(t, output, "Returned 1 file(s) to pending")

	output = run("pending")
	assert.Contains(t, output, "budget.xlsx")
	output = run("status")
	assert.Contains(t, output, "error=0")
	assert.Contains(t, output, "pending=1")

	output = run("files", "retry", "no-such-file")
	assert.Contains(t, output, "Returned 0 file(s) to pending")

	_, err = executeCommand(t, "--config", configPath, "files", "list", "--status", "bogus")
	assert.Error(t, err)
}

func TestJobSubject(t *testing.T) {
	long := "a very long piece of text that goes well beyond the preview width"
	assert.Equal(t, "report.pdf", jobSubject(&queue.Job{Payload: queue.NewFilePayload(queue.FilePayload{Filename: "report.pdf"})}))
	assert.Equal(t, "short", jobSubject(&queue.Job{Payload: queue.NewTextPayload("short", nil)}))
	assert.Equal(t, long[:40]+"...", jobSubject(&queue.Job{Payload: queue.NewTextPayload(long, nil)}))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "one two", preview("one\n\n  two", 20))
	assert.Equal(t, "abc...", preview("abcdef", 3))
}

package tracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/docsync/pkg/ingesterr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Config{
		DBPath: filepath.Join(t.TempDir(), "tracking.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func addTestFolder(t *testing.T, store *Store, dir string) *MonitoredFolder {
	t.Helper()
	folder, err := store.AddFolder(context.Background(), FolderParams{Path: dir, Name: filepath.Base(dir)})
	require.NoError(t, err)
	return folder
}

func insertFile(t *testing.T, store *Store, folderID, path string, status FileStatus, modified time.Time) *TrackedFile {
	t.Helper()
	f := &TrackedFile{
		FolderID:       folderID,
		FilePath:       path,
		FileName:       filepath.Base(path),
		FileExtension:  filepath.Ext(path),
		ContentHash:    "abc",
		LastModifiedAt: modified,
		LastScannedAt:  modified,
		Status:         status,
	}
	require.NoError(t, store.createFile(context.Background(), f))
	return f
}

func TestNewStore(t *testing.T) {
	t.Run("requires path", func(t *testing.T) {
		_, err := NewStore(Config{})
		assert.Error(t, err)
	})

	t.Run("reopen keeps schema", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "nested", "tracking.db")
		store, err := NewStore(Config{DBPath: dbPath, Logger: zerolog.Nop()})
		require.NoError(t, err)
		require.NoError(t, store.Close())

		store, err = NewStore(Config{DBPath: dbPath, Logger: zerolog.Nop()})
		require.NoError(t, err)
		defer store.Close()

		version, err := schemaVersion(context.Background(), store.db)
		require.NoError(t, err)
		assert.Equal(t, CurrentSchemaVersion, version.String())

		var count int
		require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count))
		assert.Equal(t, len(migrations), count)
	})
}

func TestStore_AddFolder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dir := t.TempDir()

	t.Run("defaults", func(t *testing.T) {
		folder, err := store.AddFolder(ctx, FolderParams{Path: dir})
		require.NoError(t, err)
		assert.True(t, folder.Recursive)
		assert.True(t, folder.IsActive)
		assert.Equal(t, filepath.Base(dir), folder.Name)

		got, err := store.GetFolder(ctx, folder.ID)
		require.NoError(t, err)
		assert.Equal(t, folder.Path, got.Path)
		assert.Nil(t, got.LastScanAt)
	})

	t.Run("duplicate path", func(t *testing.T) {
		_, err := store.AddFolder(ctx, FolderParams{Path: dir})
		require.Error(t, err)
		assert.True(t, ingesterr.IsKind(err, ingesterr.KindValidation))
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := store.AddFolder(ctx, FolderParams{Path: filepath.Join(dir, "missing")})
		require.Error(t, err)
		assert.True(t, ingesterr.IsKind(err, ingesterr.KindValidation))
	})

	t.Run("file instead of directory", func(t *testing.T) {
		file := filepath.Join(dir, "plain.txt")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
		_, err := store.AddFolder(ctx, FolderParams{Path: file})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a directory")
	})

	t.Run("non recursive", func(t *testing.T) {
		recursive := false
		folder, err := store.AddFolder(ctx, FolderParams{Path: t.TempDir(), Name: "flat", Recursive: &recursive, ScanPattern: "*.pdf"})
		require.NoError(t, err)
		assert.False(t, folder.Recursive)
		assert.Equal(t, "*.pdf", folder.ScanPattern)

		found, err := store.FindFolder(ctx, "flat")
		require.NoError(t, err)
		assert.Equal(t, folder.ID, found.ID)
	})
}

func TestStore_FolderActivation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	folder := addTestFolder(t, store, t.TempDir())

	require.NoError(t, store.DeactivateFolder(ctx, folder.ID))
	active, err := store.ListFolders(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, store.ActivateFolder(ctx, folder.ID))
	active, err = store.ListFolders(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	err = store.ActivateFolder(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.RemoveFolder(ctx, folder.ID))
	_, err = store.GetFolder(ctx, folder.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_GetPendingFiles(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	active := addTestFolder(t, store, t.TempDir())
	inactive := addTestFolder(t, store, t.TempDir())
	require.NoError(t, store.DeactivateFolder(ctx, inactive.ID))

	base := time.Now().Add(-time.Hour)
	older := insertFile(t, store, active.ID, "/a/older.pdf", StatusPending, base)
	newer := insertFile(t, store, active.ID, "/a/newer.pdf", StatusModified, base.Add(time.Minute))
	insertFile(t, store, active.ID, "/a/done.pdf", StatusCompleted, base.Add(2*time.Minute))
	insertFile(t, store, active.ID, "/a/failed.pdf", StatusError, base.Add(3*time.Minute))
	insertFile(t, store, inactive.ID, "/b/skipped.pdf", StatusPending, base.Add(4*time.Minute))

	files, err := store.GetPendingFiles(ctx, 0)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, newer.ID, files[0].ID)
	assert.Equal(t, older.ID, files[1].ID)

	files, err = store.GetPendingFiles(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestStore_ClaimForProcessing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	folder := addTestFolder(t, store, t.TempDir())

	tests := []struct {
		status FileStatus
		want   bool
	}{
		{StatusPending, true},
		{StatusModified, true},
		{StatusProcessing, false},
		{StatusCompleted, false},
		{StatusError, false},
		{StatusDeleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f := insertFile(t, store, folder.ID, "/claim/"+string(tt.status), tt.status, time.Now())

			ok, err := store.ClaimForProcessing(ctx, f.ID, "claim-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)

			if tt.want {
				again, err := store.ClaimForProcessing(ctx, f.ID, "claim-2")
				require.NoError(t, err)
				assert.False(t, again, "second claim must fail")

				got, err := store.GetFile(ctx, f.ID)
				require.NoError(t, err)
				assert.Equal(t, StatusProcessing, got.Status)
			}
		})
	}
}

func claimFile(t *testing.T, store *Store, id, claimID string) {
	t.Helper()
	ok, err := store.ClaimForProcessing(context.Background(), id, claimID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStore_TerminalWrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	folder := addTestFolder(t, store, t.TempDir())
	f := insertFile(t, store, folder.ID, "/docs/a.pdf", StatusPending, time.Now())

	t.Run("processed", func(t *testing.T) {
		claimFile(t, store, f.ID, "claim-1")
		require.NoError(t, store.MarkFileAsProcessed(ctx, f.ID, "claim-1", "point-1"))
		require.NoError(t, store.MarkFileAsProcessed(ctx, f.ID, "claim-1", "point-1"))

		got, err := store.GetFile(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Equal(t, "point-1", got.VectorID)
		assert.Empty(t, got.LastError)
		assert.Equal(t, 0, got.ProcessingAttempts)
	})

	t.Run("a completed file needs a new claim", func(t *testing.T) {
		err := store.MarkFileAsProcessed(ctx, f.ID, "claim-1", "point-2")
		assert.ErrorIs(t, err, ErrClaimLost)
		err = store.MarkFileAsError(ctx, f.ID, "claim-1", "late")
		assert.ErrorIs(t, err, ErrClaimLost)

		got, err := store.GetFile(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Equal(t, "point-1", got.VectorID)
	})

	t.Run("error counts one attempt per claim", func(t *testing.T) {
		g := insertFile(t, store, folder.ID, "/docs/b.pdf", StatusPending, time.Now())
		claimFile(t, store, g.ID, "claim-b")
		require.NoError(t, store.MarkFileAsError(ctx, g.ID, "claim-b", "parse failed"))
		// A replayed outcome for the same claim is accepted and counts nothing.
		require.NoError(t, store.MarkFileAsError(ctx, g.ID, "claim-b", "parse failed"))

		got, err := store.GetFile(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusError, got.Status)
		assert.Equal(t, "parse failed", got.LastError)
		assert.Equal(t, 1, got.ProcessingAttempts)
		assert.Empty(t, got.VectorID)

		// A success cannot overwrite a failure recorded under the same claim.
		err = store.MarkFileAsProcessed(ctx, g.ID, "claim-b", "point-b")
		assert.ErrorIs(t, err, ErrClaimLost)
	})

	t.Run("claim dropped by operator", func(t *testing.T) {
		h := insertFile(t, store, folder.ID, "/docs/c.pdf", StatusPending, time.Now())
		claimFile(t, store, h.ID, "claim-c")
		_, err := store.UpdateMany(ctx, []string{h.ID}, StatusPending)
		require.NoError(t, err)

		err = store.MarkFileAsProcessed(ctx, h.ID, "claim-c", "point-c")
		assert.ErrorIs(t, err, ErrClaimLost)
	})

	t.Run("unknown file", func(t *testing.T) {
		err := store.MarkFileAsProcessed(ctx, "missing", "c", "p")
		assert.True(t, errors.Is(err, ErrNotFound))
		err = store.MarkFileAsError(ctx, "missing", "c", "boom")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestStore_RetryFailedFiles(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	folder := addTestFolder(t, store, t.TempDir())

	failed := insertFile(t, store, folder.ID, "/r/failed", StatusPending, time.Now())
	claimFile(t, store, failed.ID, "claim-f")
	require.NoError(t, store.MarkFileAsError(ctx, failed.ID, "claim-f", "embedding quota"))
	other := insertFile(t, store, folder.ID, "/r/other", StatusPending, time.Now())
	claimFile(t, store, other.ID, "claim-o")
	require.NoError(t, store.MarkFileAsError(ctx, other.ID, "claim-o", "parse failed"))
	done := insertFile(t, store, folder.ID, "/r/done", StatusCompleted, time.Now())

	n, err := store.RetryFailedFiles(ctx, []string{failed.ID, done.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetFile(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.ProcessingAttempts)
	assert.Empty(t, got.LastError)

	// The stale claim cannot record an outcome after the retry.
	err = store.MarkFileAsError(ctx, failed.ID, "claim-f", "embedding quota")
	assert.ErrorIs(t, err, ErrClaimLost)

	got, err = store.GetFile(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	n, err = store.RetryFailedFiles(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = store.GetFile(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.ProcessingAttempts)
}

func TestStore_UpdateManyAndCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	folder := addTestFolder(t, store, t.TempDir())

	a := insertFile(t, store, folder.ID, "/x/a", StatusError, time.Now())
	b := insertFile(t, store, folder.ID, "/x/b", StatusError, time.Now())
	insertFile(t, store, folder.ID, "/x/c", StatusCompleted, time.Now())

	n, err := store.UpdateMany(ctx, []string{a.ID, b.ID}, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = store.UpdateMany(ctx, []string{a.ID}, FileStatus("bogus"))
	assert.True(t, ingesterr.IsKind(err, ingesterr.KindValidation))

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusCompleted])
	assert.Equal(t, 0, counts[StatusError])
	assert.Len(t, counts, len(AllStatuses()))

	files, err := store.ListFiles(ctx, FileFilter{Statuses: []FileStatus{StatusPending}, FolderID: folder.ID})
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestTrackedFile_FileType(t *testing.T) {
	assert.Equal(t, "pdf", (&TrackedFile{FileExtension: ".pdf"}).FileType())
	assert.Equal(t, "", (&TrackedFile{}).FileType())
}

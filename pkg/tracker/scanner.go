package tracker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/docsync/internal/observability"
	"github.com/harun/docsync/internal/tracing"
	"github.com/harun/docsync/pkg/ingesterr"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	defaultFolderConcurrency = 4

	// saveAttempts bounds rereads when a worker updates a file mid-scan
	saveAttempts = 3
)

// VectorDeleter removes a stale vector when a file is modified or deleted.
// Implementations must be best-effort: failures are theirs to log.
type VectorDeleter interface {
	DeleteVector(ctx context.Context, vectorID string)
}

// Scanner walks monitored folders and reconciles tracked files with disk.
// A single folder must not be scanned by two callers at once.
type Scanner struct {
	store             *Store
	deleter           VectorDeleter
	logger            zerolog.Logger
	folderConcurrency int
}

// ScannerConfig holds scanner configuration
type ScannerConfig struct {
	Store   *Store
	Deleter VectorDeleter // Optional, if nil stale vectors are not deleted
	Logger  zerolog.Logger
	// FolderConcurrency bounds how many folders ScanAllFolders scans at once
	FolderConcurrency int
}

// NewScanner creates a new scanner
func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.FolderConcurrency <= 0 {
		cfg.FolderConcurrency = defaultFolderConcurrency
	}
	return &Scanner{
		store:             cfg.Store,
		deleter:           cfg.Deleter,
		logger:            cfg.Logger,
		folderConcurrency: cfg.FolderConcurrency,
	}, nil
}

// ScanFolder reconciles one active folder with the metadata store. Per-file
// failures are counted in Errors and never abort the scan.
func (s *Scanner) ScanFolder(ctx context.Context, folderID string) (ScanStats, error) {
	ctx, span := tracing.StartSpan(ctx, "docsync.tracker", "tracker.scan_folder",
		attribute.String("folder_id", folderID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	var stats ScanStats

	folder, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		tracing.FailSpan(span, err, "folder lookup failed")
		return stats, err
	}
	if !folder.IsActive {
		return stats, ingesterr.Validation("scan folder", "folder %s is inactive", folder.Name)
	}

	known, err := s.store.ListFiles(ctx, FileFilter{FolderID: folder.ID})
	if err != nil {
		tracing.FailSpan(span, err, "list files failed")
		return stats, err
	}
	existing := make(map[string]*TrackedFile, len(known))
	for _, f := range known {
		existing[f.FilePath] = f
	}

	paths, walkErrors, err := listFolderFiles(folder)
	if err != nil {
		tracing.FailSpan(span, err, "walk failed")
		return stats, ingesterr.Transient("scan folder", err)
	}
	stats.Errors += walkErrors

	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		// A file that fails to hash still exists and must not be marked deleted.
		seen[path] = struct{}{}

		if err := s.reconcileFile(ctx, folder, path, existing[path], &stats); err != nil {
			if ingesterr.IsKind(err, ingesterr.KindMetadataStore) {
				tracing.FailSpan(span, err, "metadata store failure")
				return stats, err
			}
			stats.Errors++
			logger.Warn().Err(err).Str("file", path).Msg("Failed to scan file")
		}
	}

	for path, f := range existing {
		if _, ok := seen[path]; ok || f.Status == StatusDeleted {
			continue
		}
		if err := s.markDeleted(ctx, f); err != nil {
			tracing.FailSpan(span, err, "metadata store failure")
			return stats, err
		}
		stats.Deleted++
	}

	if err := s.store.touchFolderScan(ctx, folder.ID, time.Now()); err != nil {
		logger.Warn().Err(err).Str("folder_id", folder.ID).Msg("Failed to record folder scan time")
	}

	duration := time.Since(start)
	observability.RecordScan(folder.Name, duration, stats.Added, stats.Modified, stats.Unchanged, stats.Deleted, stats.Errors)
	span.SetAttributes(
		attribute.Int("scan.added", stats.Added),
		attribute.Int("scan.modified", stats.Modified),
		attribute.Int("scan.deleted", stats.Deleted),
		attribute.Int("scan.errors", stats.Errors),
	)

	logger.Info().
		Str("folder", folder.Name).
		Int("added", stats.Added).
		Int("modified", stats.Modified).
		Int("unchanged", stats.Unchanged).
		Int("deleted", stats.Deleted).
		Int("errors", stats.Errors).
		Dur("duration", duration).
		Msg("Folder scan completed")

	return stats, nil
}

// reconcileFile hashes one file and applies the classification rules
func (s *Scanner) reconcileFile(ctx context.Context, folder *MonitoredFolder, path string, rec *TrackedFile, stats *ScanStats) error {
	info, err := os.Stat(path)
	if err != nil {
		return ingesterr.Transient("stat", err)
	}
	hash, err := HashFile(path)
	if err != nil {
		return ingesterr.Transient("hash", err)
	}

	now := time.Now()

	if rec == nil {
		// The path may already be tracked through an overlapping folder.
		rec, err = s.store.GetFileByPath(ctx, path)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	if rec == nil {
		err := s.store.createFile(ctx, &TrackedFile{
			FolderID:       folder.ID,
			FilePath:       path,
			FileName:       filepath.Base(path),
			FileExtension:  filepath.Ext(path),
			ContentHash:    hash,
			FileSizeBytes:  info.Size(),
			LastModifiedAt: info.ModTime(),
			LastScannedAt:  now,
			Status:         StatusPending,
		})
		if err != nil {
			return err
		}
		stats.Added++
		return nil
	}

	for attempt := 1; ; attempt++ {
		err := s.classify(ctx, folder, rec, hash, info, now, stats)
		if !errors.Is(err, errRecordChanged) || attempt == saveAttempts {
			return err
		}
		if rec, err = s.store.GetFile(ctx, rec.ID); err != nil {
			return err
		}
	}
}

// classify applies the change rules to rec and saves it. A file changed on
// disk loses its vector and any running job's claim, whatever state it was
// in; the stale vector is deleted once the new state is stored.
func (s *Scanner) classify(ctx context.Context, folder *MonitoredFolder, rec *TrackedFile, hash string, info os.FileInfo, now time.Time, stats *ScanStats) error {
	prevStatus, prevVectorID := rec.Status, rec.VectorID
	if rec.FolderID == "" {
		rec.FolderID = folder.ID
	}

	var counter *int
	switch {
	case rec.Status == StatusDeleted:
		rec.Status = StatusPending
		counter = &stats.Added

	case rec.ContentHash != hash:
		rec.Status = StatusModified
		counter = &stats.Modified

	default:
		stats.Unchanged++
		return s.store.touchScanned(ctx, rec.ID, now)
	}

	rec.ProcessingAttempts = 0
	rec.LastError = ""
	rec.VectorID = ""
	rec.ContentHash = hash
	rec.FileSizeBytes = info.Size()
	rec.LastModifiedAt = info.ModTime()
	rec.LastScannedAt = now
	if err := s.store.saveFile(ctx, rec, prevStatus, prevVectorID); err != nil {
		return err
	}
	s.deleteVector(ctx, prevVectorID)
	*counter++
	return nil
}

// markDeleted records a file that vanished from disk
func (s *Scanner) markDeleted(ctx context.Context, f *TrackedFile) error {
	for attempt := 1; ; attempt++ {
		prevStatus, prevVectorID := f.Status, f.VectorID
		f.Status = StatusDeleted
		f.VectorID = ""
		err := s.store.saveFile(ctx, f, prevStatus, prevVectorID)
		if err == nil {
			s.deleteVector(ctx, prevVectorID)
			return nil
		}
		if !errors.Is(err, errRecordChanged) || attempt == saveAttempts {
			return err
		}
		if f, err = s.store.GetFile(ctx, f.ID); err != nil {
			return err
		}
		if f.Status == StatusDeleted {
			return nil
		}
	}
}

func (s *Scanner) deleteVector(ctx context.Context, vectorID string) {
	if s.deleter == nil || vectorID == "" {
		return
	}
	s.deleter.DeleteVector(ctx, vectorID)
}

// ScanAllFolders scans every active folder and returns stats keyed by folder
// name. A folder that fails as a whole reports a single error.
func (s *Scanner) ScanAllFolders(ctx context.Context) (map[string]ScanStats, error) {
	folders, err := s.store.ListFolders(ctx, true)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results = make(map[string]ScanStats, len(folders))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.folderConcurrency)

	for _, folder := range folders {
		g.Go(func() error {
			stats, err := s.ScanFolder(gctx, folder.ID)
			if err != nil {
				s.logger.Error().Err(err).Str("folder", folder.Name).Msg("Folder scan failed")
				stats = ScanStats{Errors: 1}
			}
			mu.Lock()
			results[folder.Name] = stats
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// listFolderFiles walks a folder and returns the regular files that match its
// pattern. Unreadable subdirectories are counted and skipped.
func listFolderFiles(folder *MonitoredFolder) ([]string, int, error) {
	if _, err := os.Stat(folder.Path); err != nil {
		return nil, 0, fmt.Errorf("folder %s is not accessible: %w", folder.Path, err)
	}

	var (
		paths  []string
		errCnt int
	)

	err := filepath.WalkDir(folder.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == folder.Path {
				return err
			}
			errCnt++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path == folder.Path {
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if !folder.Recursive {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}
		if !MatchesPattern(d.Name(), folder.ScanPattern) {
			return nil
		}

		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, errCnt, err
	}

	return paths, errCnt, nil
}

// MatchesPattern reports whether a file name passes a folder scan pattern.
// "*.ext" matches by suffix, anything else by substring, and an empty
// pattern matches everything.
func MatchesPattern(name, pattern string) bool {
	if pattern == "" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(strings.ToLower(name), strings.ToLower(pattern[1:]))
	}
	return strings.Contains(name, pattern)
}

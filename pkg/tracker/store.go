package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/docsync/internal/observability"
	"github.com/harun/docsync/pkg/ingesterr"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const defaultPendingLimit = 10

// Store is the SQLite-backed metadata store for folders and tracked files
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Config holds metadata store configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// NewStore opens (or creates) the tracking database and applies migrations
func NewStore(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Scanner and workers write concurrently; one connection serializes them.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := applyMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger,
		now:    time.Now,
	}

	s.logger.Info().Str("db_path", cfg.DBPath).Msg("Metadata store initialized")
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

const fileColumns = `id, folder_id, file_path, file_name, file_extension, content_hash,
	file_size_bytes, last_modified_at, last_scanned_at, status, last_error,
	processing_attempts, vector_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*TrackedFile, error) {
	var (
		f                                                 TrackedFile
		folderID, vectorID                                sql.NullString
		lastModified, lastScanned, createdAt, updatedAtMs int64
		status                                            string
	)
	if err := row.Scan(
		&f.ID, &folderID, &f.FilePath, &f.FileName, &f.FileExtension, &f.ContentHash,
		&f.FileSizeBytes, &lastModified, &lastScanned, &status, &f.LastError,
		&f.ProcessingAttempts, &vectorID, &createdAt, &updatedAtMs,
	); err != nil {
		return nil, err
	}
	f.FolderID = folderID.String
	f.VectorID = vectorID.String
	f.Status = FileStatus(status)
	f.LastModifiedAt = time.UnixMilli(lastModified)
	f.LastScannedAt = time.UnixMilli(lastScanned)
	f.CreatedAt = time.UnixMilli(createdAt)
	f.UpdatedAt = time.UnixMilli(updatedAtMs)
	return &f, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// GetFile returns a tracked file by id
func (s *Store) GetFile(ctx context.Context, id string) (*TrackedFile, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+fileColumns+" FROM tracked_files WHERE id = ?", id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, ingesterr.MetadataStore("get file", err)
	}
	return f, nil
}

// GetFileByPath returns a tracked file by its absolute path
func (s *Store) GetFileByPath(ctx context.Context, path string) (*TrackedFile, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+fileColumns+" FROM tracked_files WHERE file_path = ?", path)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, ingesterr.MetadataStore("get file by path", err)
	}
	return f, nil
}

// ListFiles returns tracked files matching filter, most recently modified first
func (s *Store) ListFiles(ctx context.Context, filter FileFilter) ([]*TrackedFile, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if filter.FolderID != "" {
		where = append(where, "folder_id = ?")
		args = append(args, filter.FolderID)
	}

	query := "SELECT " + fileColumns + " FROM tracked_files"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_modified_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryFiles(ctx, "list files", query, args...)
}

func (s *Store) queryFiles(ctx context.Context, op, query string, args ...any) ([]*TrackedFile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ingesterr.MetadataStore(op, err)
	}
	defer rows.Close()

	var files []*TrackedFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, ingesterr.MetadataStore(op, err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, ingesterr.MetadataStore(op, err)
	}
	return files, nil
}

// GetPendingFiles returns up to limit pending or modified files that belong to
// an active folder, newest modification first.
func (s *Store) GetPendingFiles(ctx context.Context, limit int) ([]*TrackedFile, error) {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	query := `SELECT ` + prefixed("f", fileColumns) + `
		FROM tracked_files f
		JOIN monitored_folders m ON m.id = f.folder_id
		WHERE f.status IN (?, ?) AND m.is_active = 1
		ORDER BY f.last_modified_at DESC
		LIMIT ?`
	return s.queryFiles(ctx, "get pending files", query, string(StatusPending), string(StatusModified), limit)
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// createFile inserts a new tracked file record
func (s *Store) createFile(ctx context.Context, f *TrackedFile) error {
	now := s.now()
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.CreatedAt = now
	f.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `INSERT INTO tracked_files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, nullString(f.FolderID), f.FilePath, f.FileName, f.FileExtension, f.ContentHash,
		f.FileSizeBytes, f.LastModifiedAt.UnixMilli(), f.LastScannedAt.UnixMilli(), string(f.Status),
		f.LastError, f.ProcessingAttempts, nullString(f.VectorID), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return ingesterr.MetadataStore("create file", err)
	}
	return nil
}

// saveFile overwrites every mutable column of an existing record and drops
// its claim. The write only applies while the stored status and vector are
// still the ones read into f (prevStatus, prevVectorID); otherwise it returns
// errRecordChanged and the caller must reread the row.
func (s *Store) saveFile(ctx context.Context, f *TrackedFile, prevStatus FileStatus, prevVectorID string) error {
	f.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `UPDATE tracked_files SET
			folder_id = ?, file_name = ?, file_extension = ?, content_hash = ?,
			file_size_bytes = ?, last_modified_at = ?, last_scanned_at = ?, status = ?,
			last_error = ?, processing_attempts = ?, vector_id = ?, claim_id = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND IFNULL(vector_id, '') = ?`,
		nullString(f.FolderID), f.FileName, f.FileExtension, f.ContentHash,
		f.FileSizeBytes, f.LastModifiedAt.UnixMilli(), f.LastScannedAt.UnixMilli(), string(f.Status),
		f.LastError, f.ProcessingAttempts, nullString(f.VectorID), f.UpdatedAt.UnixMilli(),
		f.ID, string(prevStatus), prevVectorID,
	)
	if err != nil {
		return ingesterr.MetadataStore("save file", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ingesterr.MetadataStore("save file", err)
	}
	if n == 0 {
		return fmt.Errorf("file %s: %w", f.ID, errRecordChanged)
	}
	return nil
}

// touchScanned bumps last_scanned_at and nothing else
func (s *Store) touchScanned(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tracked_files SET last_scanned_at = ? WHERE id = ?",
		at.UnixMilli(), id,
	)
	if err != nil {
		return ingesterr.MetadataStore("touch file", err)
	}
	return nil
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return ingesterr.MetadataStore("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// ClaimForProcessing moves a pending or modified file to processing under
// claimID. The job created for the claim must present the same claimID when
// it records its outcome. It returns false when another job already owns the
// file or the file is in any other state.
func (s *Store) ClaimForProcessing(ctx context.Context, id, claimID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_files SET status = ?, claim_id = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StatusProcessing), nullString(claimID), s.now().UnixMilli(), id,
		string(StatusPending), string(StatusModified),
	)
	if err != nil {
		return false, ingesterr.MetadataStore("claim file", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ingesterr.MetadataStore("claim file", err)
	}
	return n == 1, nil
}

// MarkFileAsProcessed records a terminal success for the job holding claimID.
// It returns ErrClaimLost when the file is no longer processing under that
// claim; the caller owns vectorID in that case. Repeating a write that
// already applied is a no-op.
func (s *Store) MarkFileAsProcessed(ctx context.Context, id, claimID, vectorID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_files SET status = ?, vector_id = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status = ? AND IFNULL(claim_id, '') = ?`,
		string(StatusCompleted), nullString(vectorID), s.now().UnixMilli(),
		id, string(StatusProcessing), claimID,
	)
	if err != nil {
		return ingesterr.MetadataStore("mark processed", err)
	}
	if err := s.expectClaimed(ctx, res, id, claimID, StatusCompleted, vectorID); err != nil {
		return err
	}
	s.logger.Debug().Str("file_id", id).Str("vector_id", vectorID).Msg("File marked as processed")
	return nil
}

// MarkFileAsError records a terminal failure for the job holding claimID and
// counts one processing attempt. A repeated call for the same claim counts
// nothing; a call whose claim was lost returns ErrClaimLost.
func (s *Store) MarkFileAsError(ctx context.Context, id, claimID, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_files SET status = ?, last_error = ?, vector_id = NULL,
			processing_attempts = processing_attempts + 1, updated_at = ?
		WHERE id = ? AND status = ? AND IFNULL(claim_id, '') = ?`,
		string(StatusError), message, s.now().UnixMilli(),
		id, string(StatusProcessing), claimID,
	)
	if err != nil {
		return ingesterr.MetadataStore("mark error", err)
	}
	if err := s.expectClaimed(ctx, res, id, claimID, StatusError, ""); err != nil {
		return err
	}
	s.logger.Debug().Str("file_id", id).Str("error", message).Msg("File marked as error")
	return nil
}

// expectClaimed explains a terminal write that matched no row. The claim
// stays on the row after a terminal write, so a replay of the same outcome
// is recognised and reported as success.
func (s *Store) expectClaimed(ctx context.Context, res sql.Result, id, claimID string, done FileStatus, vectorID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return ingesterr.MetadataStore("rows affected", err)
	}
	if n == 1 {
		return nil
	}

	var status, claim, vector string
	err = s.db.QueryRowContext(ctx,
		"SELECT status, IFNULL(claim_id, ''), IFNULL(vector_id, '') FROM tracked_files WHERE id = ?", id,
	).Scan(&status, &claim, &vector)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ingesterr.MetadataStore("check claim", err)
	}
	if FileStatus(status) == done && claim == claimID && vector == vectorID {
		return nil
	}
	return fmt.Errorf("file %s: %w", id, ErrClaimLost)
}

// UpdateMany sets status on every listed file and returns the number changed.
// Moving files away from completed clears their vector reference. Any claim
// is dropped, so a job still running for a listed file cannot record its
// outcome.
func (s *Store) UpdateMany(ctx context.Context, ids []string, status FileStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if !status.Valid() {
		return 0, ingesterr.Validation("update many", "invalid status %q", status)
	}

	placeholders := make([]string, len(ids))
	args := []any{string(status), s.now().UnixMilli()}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	query := "UPDATE tracked_files SET status = ?, claim_id = NULL, updated_at = ?"
	if status != StatusCompleted {
		query += ", vector_id = NULL"
	}
	query += " WHERE id IN (" + strings.Join(placeholders, ",") + ")"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, ingesterr.MetadataStore("update many", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ingesterr.MetadataStore("update many", err)
	}
	return n, nil
}

// RetryFailedFiles returns failed files to pending with a fresh attempt
// count. An empty ids retries every failed file. Files in any other state
// are left alone.
func (s *Store) RetryFailedFiles(ctx context.Context, ids []string) (int64, error) {
	query := `UPDATE tracked_files SET status = ?, processing_attempts = 0, last_error = '',
			vector_id = NULL, claim_id = NULL, updated_at = ?
		WHERE status = ?`
	args := []any{string(StatusPending), s.now().UnixMilli(), string(StatusError)}
	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += " AND id IN (" + strings.Join(placeholders, ",") + ")"
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, ingesterr.MetadataStore("retry failed files", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ingesterr.MetadataStore("retry failed files", err)
	}
	if n > 0 {
		s.logger.Info().Int64("files", n).Msg("Failed files returned to pending")
	}
	return n, nil
}

// StatusCounts returns the number of tracked files per status
func (s *Store) StatusCounts(ctx context.Context) (map[FileStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tracked_files GROUP BY status")
	if err != nil {
		return nil, ingesterr.MetadataStore("status counts", err)
	}
	defer rows.Close()

	counts := make(map[FileStatus]int, len(AllStatuses()))
	for _, st := range AllStatuses() {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, ingesterr.MetadataStore("status counts", err)
		}
		counts[FileStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, ingesterr.MetadataStore("status counts", err)
	}

	for st, n := range counts {
		observability.SetTrackedFiles(string(st), n)
	}
	return counts, nil
}

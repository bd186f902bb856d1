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
	"github.com/harun/docsync/pkg/ingesterr"
)

const folderColumns = "id, path, name, recursive, scan_pattern, is_active, created_at, last_scan_at"

func scanFolder(row rowScanner) (*MonitoredFolder, error) {
	var (
		f          MonitoredFolder
		createdAt  int64
		lastScanAt sql.NullInt64
	)
	if err := row.Scan(&f.ID, &f.Path, &f.Name, &f.Recursive, &f.ScanPattern, &f.IsActive, &createdAt, &lastScanAt); err != nil {
		return nil, err
	}
	f.CreatedAt = time.UnixMilli(createdAt)
	if lastScanAt.Valid {
		t := time.UnixMilli(lastScanAt.Int64)
		f.LastScanAt = &t
	}
	return &f, nil
}

// AddFolder starts monitoring a directory. The path must exist and be a
// directory; recursive defaults to true and name defaults to the base name.
func (s *Store) AddFolder(ctx context.Context, params FolderParams) (*MonitoredFolder, error) {
	if strings.TrimSpace(params.Path) == "" {
		return nil, ingesterr.Validation("add folder", "path is required")
	}

	absPath, err := filepath.Abs(params.Path)
	if err != nil {
		return nil, ingesterr.Validation("add folder", "invalid path %s: %v", params.Path, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, ingesterr.Validation("add folder", "folder is not accessible: %s", absPath)
	}
	if !info.IsDir() {
		return nil, ingesterr.Validation("add folder", "not a directory: %s", absPath)
	}

	folder := &MonitoredFolder{
		ID:          uuid.New().String(),
		Path:        absPath,
		Name:        params.Name,
		Recursive:   true,
		ScanPattern: params.ScanPattern,
		IsActive:    true,
		CreatedAt:   s.now(),
	}
	if params.Recursive != nil {
		folder.Recursive = *params.Recursive
	}
	if folder.Name == "" {
		folder.Name = filepath.Base(absPath)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO monitored_folders ("+folderColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, NULL)",
		folder.ID, folder.Path, folder.Name, folder.Recursive, folder.ScanPattern, folder.IsActive,
		folder.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ingesterr.Validation("add folder", "folder already monitored: %s", absPath)
		}
		return nil, ingesterr.MetadataStore("add folder", err)
	}

	s.logger.Info().
		Str("folder_id", folder.ID).
		Str("path", folder.Path).
		Bool("recursive", folder.Recursive).
		Msg("Monitored folder added")

	return folder, nil
}

// GetFolder returns a folder by id
func (s *Store) GetFolder(ctx context.Context, id string) (*MonitoredFolder, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+folderColumns+" FROM monitored_folders WHERE id = ?", id)
	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, ingesterr.MetadataStore("get folder", err)
	}
	return f, nil
}

// FindFolder resolves a folder by id, then by name
func (s *Store) FindFolder(ctx context.Context, idOrName string) (*MonitoredFolder, error) {
	f, err := s.GetFolder(ctx, idOrName)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return f, err
	}

	row := s.db.QueryRowContext(ctx, "SELECT "+folderColumns+" FROM monitored_folders WHERE name = ? ORDER BY created_at LIMIT 1", idOrName)
	f, err = scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %s: %w", idOrName, ErrNotFound)
	}
	if err != nil {
		return nil, ingesterr.MetadataStore("find folder", err)
	}
	return f, nil
}

// ListFolders returns monitored folders ordered by creation time
func (s *Store) ListFolders(ctx context.Context, activeOnly bool) ([]*MonitoredFolder, error) {
	query := "SELECT " + folderColumns + " FROM monitored_folders"
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, ingesterr.MetadataStore("list folders", err)
	}
	defer rows.Close()

	var folders []*MonitoredFolder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, ingesterr.MetadataStore("list folders", err)
		}
		folders = append(folders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, ingesterr.MetadataStore("list folders", err)
	}
	return folders, nil
}

// ActivateFolder re-enables scanning of a folder
func (s *Store) ActivateFolder(ctx context.Context, id string) error {
	return s.setFolderActive(ctx, id, true)
}

// DeactivateFolder stops scanning a folder; its files drop out of the pending set
func (s *Store) DeactivateFolder(ctx context.Context, id string) error {
	return s.setFolderActive(ctx, id, false)
}

func (s *Store) setFolderActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE monitored_folders SET is_active = ? WHERE id = ?", active, id)
	if err != nil {
		return ingesterr.MetadataStore("set folder active", err)
	}
	if err := expectOne(res, "folder "+id); err != nil {
		return err
	}
	s.logger.Info().Str("folder_id", id).Bool("active", active).Msg("Monitored folder updated")
	return nil
}

// RemoveFolder stops monitoring a folder. Its tracked files are kept and
// detached from the folder.
func (s *Store) RemoveFolder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM monitored_folders WHERE id = ?", id)
	if err != nil {
		return ingesterr.MetadataStore("remove folder", err)
	}
	if err := expectOne(res, "folder "+id); err != nil {
		return err
	}
	s.logger.Info().Str("folder_id", id).Msg("Monitored folder removed")
	return nil
}

func (s *Store) touchFolderScan(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE monitored_folders SET last_scan_at = ? WHERE id = ?", at.UnixMilli(), id)
	if err != nil {
		return ingesterr.MetadataStore("touch folder", err)
	}
	return nil
}

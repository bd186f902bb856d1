package tracker

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a folder or file does not exist
var ErrNotFound = errors.New("not found")

// ErrClaimLost is returned by terminal writes whose claim no longer owns the
// file: the file changed on disk, was retried or was claimed again.
var ErrClaimLost = errors.New("processing claim lost")

// errRecordChanged means a row moved on between read and conditional write
var errRecordChanged = errors.New("tracked file changed concurrently")

// FileStatus is the processing state of a tracked file
type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusModified   FileStatus = "modified"
	StatusProcessing FileStatus = "processing"
	StatusCompleted  FileStatus = "completed"
	StatusError      FileStatus = "error"
	StatusDeleted    FileStatus = "deleted"
)

// Valid reports whether s is a known status
func (s FileStatus) Valid() bool {
	switch s {
	case StatusPending, StatusModified, StatusProcessing, StatusCompleted, StatusError, StatusDeleted:
		return true
	}
	return false
}

// AllStatuses lists every file status in lifecycle order
func AllStatuses() []FileStatus {
	return []FileStatus{StatusPending, StatusModified, StatusProcessing, StatusCompleted, StatusError, StatusDeleted}
}

// TrackedFile is the persisted record of one monitored path
type TrackedFile struct {
	ID                 string     `json:"id"`
	FolderID           string     `json:"folder_id,omitempty"`
	FilePath           string     `json:"file_path"`
	FileName           string     `json:"file_name"`
	FileExtension      string     `json:"file_extension"`
	ContentHash        string     `json:"content_hash"`
	FileSizeBytes      int64      `json:"file_size_bytes"`
	LastModifiedAt     time.Time  `json:"last_modified_at"`
	LastScannedAt      time.Time  `json:"last_scanned_at"`
	Status             FileStatus `json:"status"`
	LastError          string     `json:"last_error,omitempty"`
	ProcessingAttempts int        `json:"processing_attempts"`
	VectorID           string     `json:"vector_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// FileType returns the extension without its leading dot
func (f *TrackedFile) FileType() string {
	if len(f.FileExtension) > 0 && f.FileExtension[0] == '.' {
		return f.FileExtension[1:]
	}
	return f.FileExtension
}

// MonitoredFolder is a root directory whose files are tracked
type MonitoredFolder struct {
	ID          string     `json:"id"`
	Path        string     `json:"path"`
	Name        string     `json:"name"`
	Recursive   bool       `json:"recursive"`
	ScanPattern string     `json:"scan_pattern,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastScanAt  *time.Time `json:"last_scan_at,omitempty"`
}

// FolderParams describes a folder to start monitoring
type FolderParams struct {
	Path        string `json:"path" yaml:"path"`
	Name        string `json:"name" yaml:"name"`
	Recursive   *bool  `json:"recursive,omitempty" yaml:"recursive,omitempty"` // defaults to true
	ScanPattern string `json:"scan_pattern,omitempty" yaml:"scan_pattern,omitempty"`
}

// FileFilter narrows ListFiles results
type FileFilter struct {
	Statuses []FileStatus
	FolderID string
	Limit    int
}

// ScanStats summarizes one folder scan
type ScanStats struct {
	Added     int `json:"added"`
	Modified  int `json:"modified"`
	Unchanged int `json:"unchanged"`
	Deleted   int `json:"deleted"`
	Errors    int `json:"errors"`
}

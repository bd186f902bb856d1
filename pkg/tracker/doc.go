// Package tracker records monitored folders and tracked files and detects
// content changes by hashing file bytes.
//
// Invariants:
// - file_path is unique across tracked files.
// - content_hash reflects the last successfully scanned bytes.
// - vector_id is only set while a file is completed and is cleared whenever the
//   file becomes modified or deleted.
// - Records are never purged; a file missing from disk is marked deleted and
//   resurrected to pending when it reappears.
// - At most one job owns a file: ClaimForProcessing is a compare-and-swap from
//   pending or modified to processing.
//
// Usage:
//
//	store, _ := tracker.NewStore(tracker.Config{DBPath: "/data/tracking.db"})
//	defer store.Close()
//	folder, _ := store.AddFolder(ctx, tracker.FolderParams{Path: "/docs"})
//	scanner, _ := tracker.NewScanner(tracker.ScannerConfig{Store: store})
//	stats, _ := scanner.ScanFolder(ctx, folder.ID)
//	_ = stats
package tracker

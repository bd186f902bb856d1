// Package ingest turns queued jobs into stored vectors and keeps tracked
// files in step with their jobs.
//
// # Flow
//
// ProcessPendingFiles claims each pending tracked file (Pending or Modified
// becomes Processing) and enqueues one file job for it. A worker lane runs
// the job handler: parse, embed, upsert into the "documents" collection.
// When the job completes or fails for good the terminal callback writes the
// outcome back to the tracked file exactly once, and removes the source file
// if the job asked for it.
//
// # Synchronizer
//
// Synchronizer is handed to the scanner and deletes vectors of modified or
// deleted files. Deletes are best-effort: failures are logged and counted,
// never returned.
package ingest

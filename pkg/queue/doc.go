// Package queue provides a durable, at-least-once job queue for ingestion
// work, persisted in BadgerDB and drained by a fixed pool of worker lanes.
//
// Invariants:
// - A job is in exactly one state: waiting, delayed, active, completed or failed.
// - Waiting jobs are dispatched in enqueue order.
// - A failed attempt is retried after initial*multiplier^(attempt-1) until
//   maxAttempts is reached, unless the error is not retryable.
// - The terminal hook runs once per job, after its terminal state is durable.
// - Jobs left active by a crash return to waiting when the queue is opened.
//
// Usage:
//
//	q, err := queue.Open(queue.Config{Path: dir, Logger: logger})
//	defer q.Close()
//	job, err := q.Enqueue(ctx, queue.NewTextPayload("hello", nil), nil)
//	go q.Run(ctx, func(ctx context.Context, job *queue.Job, p queue.Progress) (*queue.Result, error) {
//		return &queue.Result{ID: "point-1", Success: true}, nil
//	})
package queue

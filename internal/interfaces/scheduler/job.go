package scheduler

import "context"

// Job is a unit of work run by the worker pool.
type Job interface {
	// Execute runs the job. ctx carries the per-job timeout.
	Execute(ctx context.Context) error

	// UserID identifies whose data the job touches, for logs and traces.
	UserID() string

	Description() string
}

// sizedJob is a job that syncs a known number of accounts one after another.
// The pool grants it one account timeout per account.
type sizedJob interface {
	Job
	SyncRounds() int
}

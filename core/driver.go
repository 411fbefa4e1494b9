package core

import (
	"context"
	"time"
)

// Driver is the storage contract behind the dispatcher and workers. It is
// the only component allowed to mutate a pushed Job.
type Driver interface {
	// Push persists a new job.
	Push(ctx context.Context, job *Job) error
	// Pop atomically reserves the highest-priority, earliest-created,
	// available job of queue and increments its attempts. It returns
	// nil, nil when no job is eligible.
	Pop(ctx context.Context, queue string) (*Job, error)

	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, message string) error
	// Release clears the reservation and makes the job available after delay.
	Release(ctx context.Context, id string, delay time.Duration) error

	Get(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error
	// Size counts non-terminal jobs of queue.
	Size(ctx context.Context, queue string) (int, error)
	// Clear removes non-terminal jobs of queue.
	Clear(ctx context.Context, queue string) error

	Close() error
}

// UniqueDriver is implemented by drivers supporting dispatch deduplication.
type UniqueDriver interface {
	HasUniqueKey(ctx context.Context, key string) (bool, error)
	SetUniqueKey(ctx context.Context, key, jobID string, ttl time.Duration) error
}

// StaleReleaser returns jobs whose reservation is older than olderThan to
// the pending state, recovering work left behind by a crashed worker.
type StaleReleaser interface {
	ReleaseStale(ctx context.Context, queue string, olderThan time.Duration) (int, error)
}

// Package scheduler runs deferred tasks grouped by key so that every
// pending task of a session can be cancelled at once.
package scheduler

import (
	"context"
	"time"
)

// Task is a deferred unit of work. The context is cancelled when the
// task's key is cancelled, including while the task is running.
type Task func(ctx context.Context)

// Scheduler manages deferred tasks keyed by owner.
type Scheduler interface {
	// Schedule runs task after delay unless key is cancelled first.
	Schedule(key string, delay time.Duration, task Task) error

	// Cancel drops every pending task for key and cancels the context
	// of running ones. Returns the number of pending tasks dropped.
	Cancel(key string) int

	// CancelAll cancels every key and refuses further scheduling.
	CancelAll()

	// Pending returns the number of tasks waiting to fire for key.
	Pending(key string) int
}

// Package storage persists task and queue records. The implementation is
// a single-file bbolt store created once at startup and shared by the
// dispatcher, the monitor and the HTTP surface.
package storage

import "github.com/cuemby/crucible/pkg/types"

// Store is the persistence interface for task tracking.
type Store interface {
	// CreateTask inserts a new task record. task_id must be unique.
	CreateTask(task *types.TaskRecord) error
	// GetTask retrieves a task record by task_id.
	GetTask(taskID string) (*types.TaskRecord, error)
	// UpdateTaskStatus moves a task's status forward. Regressions from a
	// terminal state, or from a newer non-terminal state, are refused.
	UpdateTaskStatus(taskID string, status types.TaskStatus) error
	// SetTaskDuration records the task's measured duration in seconds.
	SetTaskDuration(taskID string, seconds float64) error
	// ListTasks returns all task records.
	ListTasks() ([]*types.TaskRecord, error)
	// ListUnfinishedTasks returns tasks whose status is not terminal.
	ListUnfinishedTasks() ([]*types.TaskRecord, error)

	// UpsertQueue creates or replaces a queue record.
	UpsertQueue(queue *types.Queue) error
	// ListQueues returns all queue records.
	ListQueues() ([]*types.Queue, error)

	// Close releases the underlying database.
	Close() error
}

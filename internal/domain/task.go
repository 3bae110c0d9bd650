package domain

import "time"

type TaskType string

const (
	TaskTypeEnrichRecord        TaskType = "ENRICH_ENTRY"
	TaskTypeRegenerateThumbnail TaskType = "REGENERATE_THUMBNAIL"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// Active reports whether the task is still waiting for or holding a worker.
func (s TaskStatus) Active() bool {
	return s == TaskStatusPending || s == TaskStatusRunning
}

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is a server-managed background unit tied to one record. The client
// only observes tasks; it never mutates one locally.
type Task struct {
	ID         string     `json:"id"`
	Type       TaskType   `json:"type"`
	Status     TaskStatus `json:"status"`
	RecordID   string     `json:"entryId"`
	Attempts   int        `json:"attempts"`
	LockedAt   *time.Time `json:"lockedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	LastError  *string    `json:"lastError,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// DefaultTaskStatuses is the status set a task table is seeded with.
var DefaultTaskStatuses = []TaskStatus{TaskStatusPending, TaskStatusRunning, TaskStatusFailed}

const DefaultTaskLimit = 100

type TaskFilter struct {
	RecordID string
	Statuses []TaskStatus
	// AnyStatus disables the default status set; tasks in every status are listed.
	AnyStatus bool
	Limit     int
}

// WithDefaults fills the status set and limit used when the caller leaves them empty.
func (f TaskFilter) WithDefaults() TaskFilter {
	if f.AnyStatus {
		f.Statuses = nil
	} else if len(f.Statuses) == 0 {
		f.Statuses = append([]TaskStatus(nil), DefaultTaskStatuses...)
	}
	if f.Limit <= 0 {
		f.Limit = DefaultTaskLimit
	}
	return f
}

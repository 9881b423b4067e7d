package mirror

import (
	"github.com/google/uuid"
)

// Task types carried through the queue.
const (
	TaskBulkSync    = "BULK_SYNC"
	TaskRetrySync   = "RETRY_SYNC"
	TaskUpdateCheck = "UPDATE_CHECK"
)

// SyncTask is one unit of queue work: a labeled batch of raw records.
type SyncTask struct {
	ID    string
	Type  string
	Files []map[string]any
}

func NewSyncTask(taskType string, files []map[string]any) SyncTask {
	return SyncTask{ID: uuid.NewString(), Type: taskType, Files: files}
}

// RecordError describes one record that failed during batch processing.
type RecordError struct {
	FileID  string
	Message string
	Detail  string
}

// BatchResult aggregates the outcome of one processed task.
type BatchResult struct {
	Success        int
	Failed         int
	Errors         []RecordError
	UsersProcessed int
}

func (r BatchResult) Total() int {
	return r.Success + r.Failed
}

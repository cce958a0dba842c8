package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quillpost/api/internal/model"
)

const (
	TaskTypeImportCSV = "import:csv"
	QueueImports      = "imports"
)

// ErrMalformedTask is returned when a queued payload cannot be decoded.
var ErrMalformedTask = errors.New("malformed import task")

// Enqueuer hands import tasks to the queue backend
type Enqueuer interface {
	Enqueue(ctx context.Context, task model.QueueTask) error
	Close() error
}

// Handler processes one delivered task
type Handler func(ctx context.Context, task model.QueueTask) error

func encodeTask(task model.QueueTask) ([]byte, error) {
	if task.JobID == "" || task.FilePath == "" {
		return nil, fmt.Errorf("encode task: %w", ErrMalformedTask)
	}
	return json.Marshal(task)
}

func decodeTask(payload []byte) (model.QueueTask, error) {
	var task model.QueueTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return task, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	if task.JobID == "" || task.FilePath == "" {
		return task, fmt.Errorf("%w: missing jobId or filePath", ErrMalformedTask)
	}
	return task, nil
}

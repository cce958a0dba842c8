package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/quillpost/api/internal/model"
	"github.com/sirupsen/logrus"
)

// AsynqQueue enqueues import tasks on Redis through asynq
type AsynqQueue struct {
	client    *asynq.Client
	retention time.Duration
}

func NewAsynqQueue(client *asynq.Client) *AsynqQueue {
	return &AsynqQueue{
		client:    client,
		retention: 24 * time.Hour,
	}
}

// Enqueue adds a task without automatic retry: a failed run is resubmitted by
// hand, never replayed by the queue.
func (q *AsynqQueue) Enqueue(ctx context.Context, task model.QueueTask) error {
	payload, err := encodeTask(task)
	if err != nil {
		return err
	}

	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeImportCSV, payload),
		asynq.Queue(QueueImports),
		asynq.MaxRetry(0),
		asynq.Retention(q.retention),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

// NewAsynqHandler adapts a Handler to an asynq task handler.
func NewAsynqHandler(h Handler) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		task, err := decodeTask(t.Payload())
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return h(ctx, task)
	}
}

// NewAsynqServer builds the asynq worker server for the imports queue.
func NewAsynqServer(opt asynq.RedisClientOpt, concurrency int, log *logrus.Logger) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueImports: 1,
		},
		Logger:   log.WithField("component", "asynq"),
		LogLevel: asynqLogLevel(log.GetLevel()),
	})
}

// NewAsynqMux routes import tasks to h.
func NewAsynqMux(h Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TaskTypeImportCSV, NewAsynqHandler(h))
	return mux
}

func asynqLogLevel(level logrus.Level) asynq.LogLevel {
	switch {
	case level >= logrus.DebugLevel:
		return asynq.DebugLevel
	case level == logrus.WarnLevel:
		return asynq.WarnLevel
	case level <= logrus.ErrorLevel:
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

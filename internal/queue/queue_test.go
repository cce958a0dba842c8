package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/quillpost/api/internal/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTask(t *testing.T) {
	payload, err := encodeTask(model.QueueTask{JobID: "job-1", FilePath: "/uploads/a.csv"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jobId":"job-1","filePath":"/uploads/a.csv"}`, string(payload))

	task, err := decodeTask(payload)
	require.NoError(t, err)
	assert.Equal(t, "job-1", task.JobID)
	assert.Equal(t, "/uploads/a.csv", task.FilePath)
}

func TestDecodeTask_Malformed(t *testing.T) {
	_, err := decodeTask([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedTask)

	_, err = decodeTask([]byte(`{"jobId":"job-1"}`))
	assert.ErrorIs(t, err, ErrMalformedTask)

	_, err = encodeTask(model.QueueTask{JobID: "job-1"})
	assert.ErrorIs(t, err, ErrMalformedTask)
}

func TestAsynqHandler(t *testing.T) {
	var got model.QueueTask
	h := NewAsynqHandler(func(ctx context.Context, task model.QueueTask) error {
		got = task
		return nil
	})

	err := h.ProcessTask(context.Background(), asynq.NewTask(TaskTypeImportCSV, []byte(`{"jobId":"job-9","filePath":"/tmp/x.csv"}`)))
	require.NoError(t, err)
	assert.Equal(t, "job-9", got.JobID)
}

func TestAsynqHandler_MalformedSkipsRetry(t *testing.T) {
	called := false
	h := NewAsynqHandler(func(ctx context.Context, task model.QueueTask) error {
		called = true
		return nil
	})

	err := h.ProcessTask(context.Background(), asynq.NewTask(TaskTypeImportCSV, []byte(`{}`)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.False(t, called)
}

func TestAsynqLogLevel(t *testing.T) {
	assert.Equal(t, asynq.DebugLevel, asynqLogLevel(logrus.DebugLevel))
	assert.Equal(t, asynq.InfoLevel, asynqLogLevel(logrus.InfoLevel))
	assert.Equal(t, asynq.WarnLevel, asynqLogLevel(logrus.WarnLevel))
	assert.Equal(t, asynq.ErrorLevel, asynqLogLevel(logrus.ErrorLevel))
}

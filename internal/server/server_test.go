package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/quillpost/api/internal/auth"
	"github.com/quillpost/api/internal/handler"
	"github.com/quillpost/api/internal/middleware"
	"github.com/quillpost/api/internal/model"
	"github.com/quillpost/api/internal/service"
	"github.com/quillpost/api/internal/storage"
	ws "github.com/quillpost/api/internal/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-secret-for-e2e"

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*model.ImportJob
}

func (s *memJobs) Create(ctx context.Context, job *model.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memJobs) Get(ctx context.Context, jobID string) (*model.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *memJobs) Fail(ctx context.Context, jobID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return model.ErrJobNotFound
	}
	job.Status = model.ImportStatusFailed
	job.FailureReason = &reason
	return nil
}

type memQueue struct {
	mu    sync.Mutex
	tasks []model.QueueTask
}

func (q *memQueue) Enqueue(ctx context.Context, task model.QueueTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *memQueue) Close() error { return nil }

type testApp struct {
	app   *fiber.App
	jobs  *memJobs
	queue *memQueue
}

func setupApp(t *testing.T, checks map[string]HealthCheck) *testApp {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	files, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	jobs := &memJobs{jobs: make(map[string]*model.ImportJob)}
	q := &memQueue{}
	svc := service.NewImportService(jobs, files, nil, q, log)
	hub := ws.NewHub(log)

	app := NewApp(Deps{
		Imports:   handler.NewImportHandler(svc, hub, validator.New(), 1024),
		Auth:      middleware.NewAuthMiddleware(nil, testJWTSecret),
		Checks:    checks,
		Log:       log,
		BodyLimit: 4 * 1024 * 1024,
	})
	return &testApp{app: app, jobs: jobs, queue: q}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueLegacyToken(userID, userID+"@example.com", testJWTSecret, time.Hour)
	require.NoError(t, err)
	return token
}

func do(t *testing.T, app *fiber.App, req *http.Request, userID string) (*http.Response, map[string]interface{}) {
	t.Helper()
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var m map[string]interface{}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &m)
	}
	return resp, m
}

func uploadRequest(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("note", "no file"))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/imports/csv", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	ta := setupApp(t, map[string]HealthCheck{
		"redis": func(ctx context.Context) error { return nil },
	})
	resp, body := do(t, ta.app, httptest.NewRequest(http.MethodGet, "/health", nil), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	ta = setupApp(t, map[string]HealthCheck{
		"database": func(ctx context.Context) error { return errors.New("down") },
	})
	resp, body = do(t, ta.app, httptest.NewRequest(http.MethodGet, "/health", nil), "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, false, body["services"].(map[string]interface{})["database"])
}

func TestUpload(t *testing.T) {
	ta := setupApp(t, nil)

	resp, body := do(t, ta.app, uploadRequest(t, "posts.csv", "title\nHello\n"), "user-1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "posts.csv", body["filename"])
	assert.Equal(t, "user-1", body["ownerId"])
	assert.NotContains(t, body, "FilePath")

	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	require.Len(t, ta.queue.tasks, 1)
	assert.Equal(t, id, ta.queue.tasks[0].JobID)
}

func TestUpload_Rejections(t *testing.T) {
	ta := setupApp(t, nil)

	resp, _ := do(t, ta.app, uploadRequest(t, "posts.csv", "title\n"), "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := do(t, ta.app, uploadRequest(t, "", ""), "user-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))

	resp, body = do(t, ta.app, uploadRequest(t, "posts.txt", "title\n"), "user-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))

	big := "title\n" + string(bytes.Repeat([]byte("x"), 2048)) + "\n"
	resp, _ = do(t, ta.app, uploadRequest(t, "big.csv", big), "user-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Empty(t, ta.queue.tasks)
	assert.Empty(t, ta.jobs.jobs)
}

func seedJob(t *testing.T, ta *testApp, owner string, status model.ImportStatus, errorLog string) string {
	t.Helper()
	id := uuid.New().String()
	require.NoError(t, ta.jobs.Create(context.Background(), &model.ImportJob{
		ID:        id,
		Filename:  "posts.csv",
		OwnerID:   owner,
		FilePath:  "/nonexistent/posts.csv",
		Status:    status,
		Total:     3,
		Processed: 2,
		Errors:    1,
		Progress:  100,
		ErrorLog:  errorLog,
	}))
	return id
}

func TestStatus(t *testing.T) {
	ta := setupApp(t, nil)
	id := seedJob(t, ta, "user-1", model.ImportStatusCompleted, `[{"row":2,"reason":"title is required","record":{"title":""}}]`)

	resp, body := do(t, ta.app, httptest.NewRequest(http.MethodGet, "/api/imports/"+id, nil), "user-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "COMPLETED", body["status"])
	assert.EqualValues(t, 3, body["total"])
	assert.EqualValues(t, 2, body["processed"])
	assert.EqualValues(t, 1, body["errors"])
	assert.Len(t, body["errorLog"], 1)

	// repeated reads see the same snapshot
	_, again := do(t, ta.app, httptest.NewRequest(http.MethodGet, "/api/imports/"+id, nil), "user-1")
	assert.Equal(t, body, again)

	resp, body = do(t, ta.app, httptest.NewRequest(http.MethodGet, "/api/imports/"+id, nil), "user-2")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	resp, _ = do(t, ta.app, httptest.NewRequest(http.MethodGet, "/api/imports/"+uuid.New().String(), nil), "user-1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, ta.app, httptest.NewRequest(http.MethodGet, "/api/imports/not-a-uuid", nil), "user-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))
}

func TestErrors(t *testing.T) {
	ta := setupApp(t, nil)
	id := seedJob(t, ta, "user-1", model.ImportStatusCompleted, `[{"row":2,"reason":"title is required","record":{"title":""}}]`)

	resp, body := do(t, ta.app, httptest.NewRequest(http.MethodGet, "/api/imports/"+id+"/errors", nil), "user-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["jobId"])
	entries := body["errors"].([]interface{})
	require.Len(t, entries, 1)
	assert.EqualValues(t, 2, entries[0].(map[string]interface{})["row"])
}

func TestResubmit(t *testing.T) {
	ta := setupApp(t, nil)

	done := seedJob(t, ta, "user-1", model.ImportStatusCompleted, "[]")
	resp, body := do(t, ta.app, httptest.NewRequest(http.MethodPost, "/api/imports/"+done+"/resubmit", nil), "user-1")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", errorCode(body))

	// upload a real file so the stored path exists, then fail it
	resp, body = do(t, ta.app, uploadRequest(t, "posts.csv", "title\nHello\n"), "user-1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["id"].(string)
	require.NoError(t, ta.jobs.Fail(context.Background(), id, "insert batch 1: boom"))

	resp, body = do(t, ta.app, httptest.NewRequest(http.MethodPost, "/api/imports/"+id+"/resubmit", nil), "user-2")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, ta.app, httptest.NewRequest(http.MethodPost, "/api/imports/"+id+"/resubmit", nil), "user-1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "PENDING", body["status"])
	assert.NotEqual(t, id, body["id"])
	assert.Len(t, ta.queue.tasks, 2)
}

func TestWatch(t *testing.T) {
	ta := setupApp(t, nil)
	id := seedJob(t, ta, "user-1", model.ImportStatusProcessing, "[]")

	resp, _ := do(t, ta.app, httptest.NewRequest(http.MethodGet, "/ws/imports/"+id, nil), "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, ta.app, httptest.NewRequest(http.MethodGet, "/ws/imports/"+id+"?token="+tokenFor(t, "user-1"), nil), "")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

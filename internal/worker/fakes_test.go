package worker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/quillpost/api/internal/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type counterUpdate struct {
	processed int
	errors    int
}

type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]*model.ImportJob
	updates  []counterUpdate
	outcomes []model.ImportOutcome
	failures []string
	gets     int

	// deleteOnGet removes the job the first time the worker loads it for a batch.
	deleteOnGet bool
}

func newFakeStore(jobs ...*model.ImportJob) *fakeStore {
	s := &fakeStore{jobs: make(map[string]*model.ImportJob)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) Get(ctx context.Context, jobID string) (*model.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	if s.deleteOnGet {
		delete(s.jobs, jobID)
		return nil, model.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) MarkProcessing(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return model.ErrJobNotFound
	}
	if job.Status != model.ImportStatusPending {
		return model.ErrInvalidTransition
	}
	job.Status = model.ImportStatusProcessing
	return nil
}

func (s *fakeStore) SetTotal(ctx context.Context, jobID string, total int) error {
	return s.withProcessing(jobID, func(job *model.ImportJob) {
		job.Total = total
	})
}

func (s *fakeStore) UpdateCounters(ctx context.Context, jobID string, processed, errCount int) error {
	return s.withProcessing(jobID, func(job *model.ImportJob) {
		s.updates = append(s.updates, counterUpdate{processed: processed, errors: errCount})
		job.Processed = max(job.Processed, processed)
		job.Errors = max(job.Errors, errCount)
	})
}

func (s *fakeStore) Finalize(ctx context.Context, jobID string, outcome model.ImportOutcome) error {
	return s.withProcessing(jobID, func(job *model.ImportJob) {
		s.outcomes = append(s.outcomes, outcome)
		job.Status = outcome.Status
		job.Processed = max(job.Processed, outcome.Processed)
		job.Errors = max(job.Errors, outcome.Errors)
		job.Progress = 100
	})
}

func (s *fakeStore) Fail(ctx context.Context, jobID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return model.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return model.ErrInvalidTransition
	}
	s.failures = append(s.failures, reason)
	job.Status = model.ImportStatusFailed
	job.FailureReason = &reason
	job.Progress = 100
	return nil
}

func (s *fakeStore) withProcessing(jobID string, fn func(job *model.ImportJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return model.ErrJobNotFound
	}
	if job.Status != model.ImportStatusProcessing {
		return model.ErrInvalidTransition
	}
	fn(job)
	return nil
}

func (s *fakeStore) job(id string) *model.ImportJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]model.Post
	seen    map[string]bool
	err     error
	failOn  int // 1-based batch number that returns err; 0 fails every batch when err is set
	panicOn int
}

func (w *fakeWriter) InsertBatch(ctx context.Context, posts []model.Post) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.batches) + 1
	if w.panicOn == n {
		panic("writer exploded")
	}
	if w.err != nil && (w.failOn == 0 || w.failOn == n) {
		return 0, w.err
	}
	if w.seen == nil {
		w.seen = make(map[string]bool)
	}

	cp := make([]model.Post, len(posts))
	copy(cp, posts)
	w.batches = append(w.batches, cp)

	var inserted int64
	for _, p := range posts {
		key := p.Title + "\x00" + p.Content
		if w.seen[key] {
			continue
		}
		w.seen[key] = true
		inserted++
	}
	return inserted, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (n *fakeNotifier) NotifyProgress(event model.ProgressEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *fakeNotifier) last() model.ProgressEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func pendingJob(id string) *model.ImportJob {
	return &model.ImportJob{
		ID:       id,
		Filename: "posts.csv",
		OwnerID:  "user-1",
		Status:   model.ImportStatusPending,
		ErrorLog: "[]",
	}
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "import.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

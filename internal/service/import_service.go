package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quillpost/api/internal/client"
	"github.com/quillpost/api/internal/model"
	"github.com/quillpost/api/internal/queue"
	"github.com/quillpost/api/internal/storage"
	"github.com/sirupsen/logrus"
)

var (
	ErrJobNotFound  = model.ErrJobNotFound
	ErrJobNotFailed = model.ErrJobNotFailed
)

const archiveTimeout = 2 * time.Minute

// JobStore is the slice of the job store the coordinator needs
type JobStore interface {
	Create(ctx context.Context, job *model.ImportJob) error
	Get(ctx context.Context, jobID string) (*model.ImportJob, error)
	Fail(ctx context.Context, jobID string, reason string) error
}

// ImportService accepts CSV uploads and schedules their processing
type ImportService struct {
	jobs    JobStore
	files   storage.FileStore
	archive client.ObjectStorage
	queue   queue.Enqueuer
	log     logrus.FieldLogger

	archiving sync.WaitGroup
}

// NewImportService wires the coordinator. archive may be nil.
func NewImportService(jobs JobStore, files storage.FileStore, archive client.ObjectStorage, q queue.Enqueuer, log logrus.FieldLogger) *ImportService {
	return &ImportService{
		jobs:    jobs,
		files:   files,
		archive: archive,
		queue:   q,
		log:     log.WithField("component", "import_service"),
	}
}

// Submit stores the upload, records a PENDING job and enqueues it. Nothing is
// recorded when the file cannot be stored.
func (s *ImportService) Submit(ctx context.Context, upload io.Reader, filename, ownerID string) (*model.ImportJob, error) {
	path, err := s.files.Save(ctx, upload, filename)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	job, err := s.schedule(ctx, filename, ownerID, path)
	if err != nil {
		return nil, err
	}

	if s.archive != nil {
		actx := context.WithoutCancel(ctx)
		s.archiving.Add(1)
		go func() {
			defer s.archiving.Done()
			s.archiveCopy(actx, path)
		}()
	}
	return job, nil
}

// Close waits for in-flight archive uploads.
func (s *ImportService) Close() {
	s.archiving.Wait()
}

// GetStatus returns the latest committed snapshot of a job.
func (s *ImportService) GetStatus(ctx context.Context, jobID string) (*model.ImportJob, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get import job: %w", err)
	}
	return job, nil
}

// GetErrors returns the recorded row errors of a job.
func (s *ImportService) GetErrors(ctx context.Context, jobID string) (*model.ImportJob, []model.ImportRowError, error) {
	job, err := s.GetStatus(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := job.DecodeErrorLog()
	if err != nil {
		return nil, nil, fmt.Errorf("decode error log: %w", err)
	}
	return job, entries, nil
}

// Resubmit schedules a failed job's stored file again as a new job.
func (s *ImportService) Resubmit(ctx context.Context, jobID string) (*model.ImportJob, error) {
	prev, err := s.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if prev.Status != model.ImportStatusFailed {
		return nil, fmt.Errorf("resubmit job %s in status %s: %w", jobID, prev.Status, ErrJobNotFailed)
	}
	if _, err := os.Stat(prev.FilePath); err != nil {
		return nil, fmt.Errorf("stored upload unavailable: %w", err)
	}

	job, err := s.schedule(ctx, prev.Filename, prev.OwnerID, prev.FilePath)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"job_id": job.ID, "previous_job_id": prev.ID}).Info("Import job resubmitted")
	return job, nil
}

func (s *ImportService) schedule(ctx context.Context, filename, ownerID, path string) (*model.ImportJob, error) {
	job := &model.ImportJob{
		ID:       uuid.New().String(),
		Filename: filename,
		OwnerID:  ownerID,
		FilePath: path,
		Status:   model.ImportStatusPending,
		ErrorLog: "[]",
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create import job: %w", err)
	}

	task := model.QueueTask{JobID: job.ID, FilePath: path}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		// a job that never reaches the queue would stay PENDING forever
		reason := fmt.Sprintf("enqueue failed: %v", err)
		if ferr := s.jobs.Fail(context.WithoutCancel(ctx), job.ID, reason); ferr != nil && !errors.Is(ferr, model.ErrJobNotFound) {
			s.log.WithError(ferr).WithField("job_id", job.ID).Error("Failed to mark unqueued job as failed")
		}
		return nil, fmt.Errorf("enqueue import job: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"owner_id": ownerID,
		"filename": filename,
	}).Info("Import job queued")
	return job, nil
}

// archiveCopy uploads the stored file to object storage in the background
// after the job is queued. Failures are logged only.
func (s *ImportService) archiveCopy(ctx context.Context, path string) {
	log := s.log.WithField("file", path)

	f, err := os.Open(path)
	if err != nil {
		log.WithError(err).Warn("Failed to open upload for archiving")
		return
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	key := "imports/" + filepath.Base(path)
	url, err := s.archive.Upload(ctx, key, f, "text/csv")
	if err != nil {
		log.WithError(err).Warn("Failed to archive upload")
		return
	}
	log.WithField("url", url).Debug("Upload archived")
}

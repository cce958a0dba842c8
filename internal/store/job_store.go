package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quillpost/api/internal/model"
	"gorm.io/gorm"
)

// JobStore persists import jobs. Every method is a single point write or read
// against import_jobs; status changes are conditional on the current status so
// a job never moves backwards.
type JobStore struct {
	db *gorm.DB
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) Create(ctx context.Context, job *model.ImportJob) error {
	if job.ErrorLog == "" {
		job.ErrorLog = "[]"
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("create import job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*model.ImportJob, error) {
	var job model.ImportJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrJobNotFound
		}
		return nil, fmt.Errorf("get import job: %w", err)
	}
	return &job, nil
}

// MarkProcessing moves a PENDING job to PROCESSING.
func (s *JobStore) MarkProcessing(ctx context.Context, jobID string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.ImportJob{}).
		Where("id = ? AND status = ?", jobID, model.ImportStatusPending).
		Updates(map[string]interface{}{
			"status":     model.ImportStatusProcessing,
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("mark import job processing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.explainMiss(ctx, jobID)
	}
	return nil
}

func (s *JobStore) SetTotal(ctx context.Context, jobID string, total int) error {
	return s.updateProcessing(ctx, jobID, map[string]interface{}{
		"total":      total,
		"updated_at": time.Now(),
	})
}

// UpdateCounters persists running counters. Counters never decrease.
func (s *JobStore) UpdateCounters(ctx context.Context, jobID string, processed, errCount int) error {
	return s.updateProcessing(ctx, jobID, map[string]interface{}{
		"processed":  gorm.Expr("GREATEST(processed, ?)", processed),
		"errors":     gorm.Expr("GREATEST(errors, ?)", errCount),
		"updated_at": time.Now(),
	})
}

// Finalize writes the terminal state of a run.
func (s *JobStore) Finalize(ctx context.Context, jobID string, outcome model.ImportOutcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("finalize with status %s: %w", outcome.Status, model.ErrInvalidTransition)
	}

	entries := outcome.ErrorLog
	if entries == nil {
		entries = []model.ImportRowError{}
	}
	errorLog, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal error log: %w", err)
	}

	now := time.Now()
	return s.updateProcessing(ctx, jobID, map[string]interface{}{
		"status":      outcome.Status,
		"processed":   gorm.Expr("GREATEST(processed, ?)", outcome.Processed),
		"errors":      gorm.Expr("GREATEST(errors, ?)", outcome.Errors),
		"error_log":   string(errorLog),
		"progress":    100,
		"finished_at": now,
		"updated_at":  now,
	})
}

// Fail moves a PENDING or PROCESSING job to FAILED with a reason.
func (s *JobStore) Fail(ctx context.Context, jobID string, reason string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.ImportJob{}).
		Where("id = ? AND status IN ?", jobID, []model.ImportStatus{model.ImportStatusPending, model.ImportStatusProcessing}).
		Updates(map[string]interface{}{
			"status":         model.ImportStatusFailed,
			"failure_reason": reason,
			"progress":       100,
			"finished_at":    now,
			"updated_at":     now,
		})
	if res.Error != nil {
		return fmt.Errorf("fail import job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.explainMiss(ctx, jobID)
	}
	return nil
}

func (s *JobStore) updateProcessing(ctx context.Context, jobID string, values map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&model.ImportJob{}).
		Where("id = ? AND status = ?", jobID, model.ImportStatusProcessing).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("update import job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.explainMiss(ctx, jobID)
	}
	return nil
}

// explainMiss tells a missing row apart from a row in the wrong status.
func (s *JobStore) explainMiss(ctx context.Context, jobID string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.ImportJob{}).Where("id = ?", jobID).Count(&count).Error; err != nil {
		return fmt.Errorf("check import job: %w", err)
	}
	if count == 0 {
		return model.ErrJobNotFound
	}
	return model.ErrInvalidTransition
}

package worker

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/quillpost/api/internal/model"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBatchSize       = 1000
	DefaultMaxLoggedErrors = 1000

	finalizeTimeout = 10 * time.Second
)

// JobStore is the slice of the job store the worker writes to
type JobStore interface {
	Get(ctx context.Context, jobID string) (*model.ImportJob, error)
	MarkProcessing(ctx context.Context, jobID string) error
	SetTotal(ctx context.Context, jobID string, total int) error
	UpdateCounters(ctx context.Context, jobID string, processed, errCount int) error
	Finalize(ctx context.Context, jobID string, outcome model.ImportOutcome) error
	Fail(ctx context.Context, jobID string, reason string) error
}

// PostWriter inserts one batch of posts atomically
type PostWriter interface {
	InsertBatch(ctx context.Context, posts []model.Post) (int64, error)
}

// Notifier pushes progress to whoever watches a job
type Notifier interface {
	NotifyProgress(event model.ProgressEvent)
}

type Config struct {
	BatchSize       int
	MaxLoggedErrors int
}

// csvRow holds the fields a row must carry to be imported
type csvRow struct {
	Title string `validate:"required"`
}

// ImportWorker drains CSV import tasks
type ImportWorker struct {
	store    JobStore
	writer   PostWriter
	notifier Notifier
	validate *validator.Validate
	cfg      Config
	log      logrus.FieldLogger
}

func NewImportWorker(store JobStore, writer PostWriter, notifier Notifier, cfg Config, log logrus.FieldLogger) *ImportWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxLoggedErrors <= 0 {
		cfg.MaxLoggedErrors = DefaultMaxLoggedErrors
	}
	return &ImportWorker{
		store:    store,
		writer:   writer,
		notifier: notifier,
		validate: validator.New(),
		cfg:      cfg,
		log:      log,
	}
}

// importRun is the in-memory state of one job run
type importRun struct {
	jobID     string
	total     int
	processed int
	errCount  int
	errorLog  []model.ImportRowError
	batch     []model.Post
	flushes   int
}

// Process runs one import task to a terminal state. Row problems are recorded
// and never stop the run. Any other error stops it, and the job is then
// marked FAILED with the error as reason.
func (w *ImportWorker) Process(ctx context.Context, task model.QueueTask) (err error) {
	log := w.log.WithField("job_id", task.JobID)

	if err := w.store.MarkProcessing(ctx, task.JobID); err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidTransition):
			log.Warn("Job already picked up, skipping delivery")
			return nil
		case errors.Is(err, model.ErrJobNotFound):
			log.Warn("Job no longer exists, skipping delivery")
			return nil
		}
		return fmt.Errorf("mark job processing: %w", err)
	}
	log.WithField("file", task.FilePath).Info("Starting import job")

	run := &importRun{jobID: task.JobID}
	finalized := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("import panicked: %v", r)
		}
		if finalized || err == nil {
			return
		}
		if errors.Is(err, model.ErrJobNotFound) {
			log.WithError(err).Warn("Job removed during import, stopping")
			err = nil
			return
		}
		w.abort(run, err, log)
	}()

	total, err := countDataRows(task.FilePath)
	if err != nil {
		return err
	}
	run.total = total
	if err := w.store.SetTotal(ctx, task.JobID, total); err != nil {
		return fmt.Errorf("set total: %w", err)
	}
	w.notify(run, model.ImportStatusProcessing, "")

	if err := w.parse(ctx, run, task.FilePath, log); err != nil {
		return err
	}
	if err := w.flush(ctx, run, log); err != nil {
		return err
	}

	outcome := model.ImportOutcome{
		Status:    terminalStatus(run.processed, run.errCount),
		Processed: run.processed,
		Errors:    run.errCount,
		ErrorLog:  run.errorLog,
	}
	if err := w.store.Finalize(ctx, task.JobID, outcome); err != nil {
		if !errors.Is(err, model.ErrJobNotFound) {
			return fmt.Errorf("finalize job: %w", err)
		}
		log.Warn("Job removed before finalize")
	}
	finalized = true
	w.notify(run, outcome.Status, "")

	log.WithFields(logrus.Fields{
		"status":    outcome.Status,
		"total":     run.total,
		"processed": run.processed,
		"errors":    run.errCount,
		"flushes":   run.flushes,
	}).Info("Import job finished")
	return nil
}

// terminalStatus classifies a finished run. Partial success is success.
func terminalStatus(processed, errCount int) model.ImportStatus {
	if processed == 0 && errCount > 0 {
		return model.ImportStatusFailed
	}
	return model.ImportStatusCompleted
}

func (w *ImportWorker) parse(ctx context.Context, run *importRun, path string, log logrus.FieldLogger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	tap := &rawTap{r: f}
	r := csv.NewReader(tap)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	rawHeader, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read csv header: %w", err)
	}
	header := normalizeHeader(rawHeader)

	row := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := r.InputOffset()
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		row++
		end := r.InputOffset()

		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			w.recordError(run, row, parseErr.Err.Error(), map[string]string{"raw": tap.span(start, end)})
			tap.discard(end)
			continue
		}
		tap.discard(end)
		if err != nil {
			return fmt.Errorf("read csv row %d: %w", row, err)
		}

		fields := recordMap(header, record)
		if reason := w.validateRow(fields); reason != "" {
			w.recordError(run, row, reason, fields)
			continue
		}

		run.batch = append(run.batch, toPost(fields))
		if len(run.batch) >= w.cfg.BatchSize {
			if err := w.flush(ctx, run, log); err != nil {
				return err
			}
		}
	}
}

func (w *ImportWorker) validateRow(fields map[string]string) string {
	row := csvRow{Title: strings.TrimSpace(fields["title"])}
	err := w.validate.Struct(row)
	if err == nil {
		return ""
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("%s is %s", strings.ToLower(fe.Field()), fe.Tag())
	}
	return err.Error()
}

func (w *ImportWorker) recordError(run *importRun, row int, reason string, fields map[string]string) {
	run.errCount++
	if len(run.errorLog) < w.cfg.MaxLoggedErrors {
		run.errorLog = append(run.errorLog, model.ImportRowError{
			Row:    row,
			Reason: reason,
			Record: fields,
		})
	}
}

// flush inserts the pending batch, then persists counters and reports progress.
// Authorship is read from the job once per batch.
func (w *ImportWorker) flush(ctx context.Context, run *importRun, log logrus.FieldLogger) error {
	if len(run.batch) == 0 {
		return nil
	}

	job, err := w.store.Get(ctx, run.jobID)
	if errors.Is(err, model.ErrJobNotFound) {
		log.WithField("rows", len(run.batch)).Warn("Job removed, dropping batch")
		run.batch = run.batch[:0]
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job for batch: %w", err)
	}
	for i := range run.batch {
		run.batch[i].AuthorID = job.OwnerID
	}

	inserted, err := w.writer.InsertBatch(ctx, run.batch)
	if err != nil {
		return fmt.Errorf("insert batch %d: %w", run.flushes+1, err)
	}
	run.flushes++
	run.processed += len(run.batch)

	log.WithFields(logrus.Fields{
		"batch":    run.flushes,
		"rows":     len(run.batch),
		"inserted": inserted,
	}).Debug("Flushed batch")
	run.batch = run.batch[:0]

	if err := w.store.UpdateCounters(ctx, run.jobID, run.processed, run.errCount); err != nil {
		if !errors.Is(err, model.ErrJobNotFound) {
			return fmt.Errorf("update counters: %w", err)
		}
		log.Warn("Job removed while updating counters")
	}
	w.notify(run, model.ImportStatusProcessing, "")
	return nil
}

// abort marks the job FAILED after an aborted run. It uses its own context
// since the run context may already be cancelled.
func (w *ImportWorker) abort(run *importRun, cause error, log logrus.FieldLogger) {
	log.WithError(cause).Error("Import job aborted")

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	reason := cause.Error()
	if err := w.store.Fail(ctx, run.jobID, reason); err != nil {
		log.WithError(err).Warn("Failed to mark job as failed")
	}
	w.notify(run, model.ImportStatusFailed, reason)
}

func (w *ImportWorker) notify(run *importRun, status model.ImportStatus, reason string) {
	if w.notifier == nil {
		return
	}
	w.notifier.NotifyProgress(model.ProgressEvent{
		JobID:     run.jobID,
		Processed: run.processed,
		Total:     run.total,
		Errors:    run.errCount,
		Status:    status,
		Reason:    reason,
	})
}

func toPost(fields map[string]string) model.Post {
	postType := strings.TrimSpace(fields["type"])
	if postType == "" {
		postType = model.PostTypePost
	}
	return model.Post{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(fields["title"]),
		Content:   fields["content"],
		Type:      postType,
		Published: strings.TrimSpace(fields["published"]) == "true",
	}
}

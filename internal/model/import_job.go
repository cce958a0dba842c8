package model

import (
	"encoding/json"
	"time"
)

// ImportJob is the persisted record of one CSV import
type ImportJob struct {
	ID            string       `gorm:"type:uuid;primaryKey" json:"id"`
	Filename      string       `gorm:"type:text;not null" json:"filename"`
	OwnerID       string       `gorm:"type:text;not null;index" json:"ownerId"`
	FilePath      string       `gorm:"type:text;not null" json:"-"`
	Status        ImportStatus `gorm:"type:text;not null;index" json:"status"`
	Total         int          `gorm:"not null;default:0" json:"total"`
	Processed     int          `gorm:"not null;default:0" json:"processed"`
	Errors        int          `gorm:"not null;default:0" json:"errors"`
	ErrorLog      string       `gorm:"type:text;not null;default:'[]'" json:"-"`
	FailureReason *string      `gorm:"type:text" json:"failureReason,omitempty"`
	Progress      int          `gorm:"not null;default:0" json:"progress"`
	StartedAt     *time.Time   `json:"startedAt,omitempty"`
	FinishedAt    *time.Time   `json:"finishedAt,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func (ImportJob) TableName() string {
	return "import_jobs"
}

// ImportRowError describes one rejected CSV row
type ImportRowError struct {
	Row    int               `json:"row"`
	Reason string            `json:"reason"`
	Record map[string]string `json:"record"`
}

// DecodeErrorLog returns the stored error log entries.
func (j *ImportJob) DecodeErrorLog() ([]ImportRowError, error) {
	entries := []ImportRowError{}
	if j.ErrorLog == "" {
		return entries, nil
	}
	if err := json.Unmarshal([]byte(j.ErrorLog), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ImportOutcome is what a finished run writes to the job record
type ImportOutcome struct {
	Status    ImportStatus
	Processed int
	Errors    int
	ErrorLog  []ImportRowError
}

// QueueTask is the queued unit of work. The worker re-reads everything else
// from the job record.
type QueueTask struct {
	JobID    string `json:"jobId"`
	FilePath string `json:"filePath"`
}

// ProgressEvent is pushed to listeners of a job
type ProgressEvent struct {
	JobID     string       `json:"jobId"`
	Processed int          `json:"processed"`
	Total     int          `json:"total"`
	Errors    int          `json:"errors"`
	Status    ImportStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
}

// ImportJobResponse is the API view of a job
type ImportJobResponse struct {
	*ImportJob
	ErrorLog []ImportRowError `json:"errorLog"`
}

// ImportErrorsResponse lists the rejected rows of a job
type ImportErrorsResponse struct {
	JobID  string           `json:"jobId"`
	Errors []ImportRowError `json:"errors"`
}

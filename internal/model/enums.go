package model

// ImportStatus is the lifecycle state of an import job
type ImportStatus string

const (
	ImportStatusPending    ImportStatus = "PENDING"
	ImportStatusProcessing ImportStatus = "PROCESSING"
	ImportStatusCompleted  ImportStatus = "COMPLETED"
	ImportStatusFailed     ImportStatus = "FAILED"
)

var ValidImportStatuses = []ImportStatus{
	ImportStatusPending, ImportStatusProcessing, ImportStatusCompleted, ImportStatusFailed,
}

// IsTerminal reports whether no further transition is allowed from s.
func (s ImportStatus) IsTerminal() bool {
	return s == ImportStatusCompleted || s == ImportStatusFailed
}

// Post types
const (
	PostTypePost = "POST"
)

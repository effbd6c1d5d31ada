package models

import "time"

// JobStatus is the lifecycle state of an import job. Transitions are
// monotonic: queued -> running -> done|error. Terminal states are final.
type JobStatus string

const (
	StatusQueued  JobStatus = "queued"
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusError   JobStatus = "error"
)

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// LayerCodes is the vocabulary of dataset layers that can be inferred
// from extracted file names.
var LayerCodes = []string{"UCAT", "UCMT", "UCBT", "PONNOT"}

// ImportJob is one unit of ingestion work for a distributor/year pair.
type ImportJob struct {
	ID              string     `json:"id" db:"id"`
	DistributorName string     `json:"distributor_name" db:"distributor_name"`
	Year            int        `json:"year" db:"year"`
	Layer           *string    `json:"layer" db:"layer"`
	Status          JobStatus  `json:"status" db:"status"`
	RowsProcessed   int64      `json:"rows_processed" db:"rows_processed"`
	StartedAt       *time.Time `json:"started_at" db:"started_at"`
	FinishedAt      *time.Time `json:"finished_at" db:"finished_at"`
	Notes           *string    `json:"notes" db:"notes"`
	ErrorDetail     *string    `json:"error_detail" db:"error_detail"`
	CatalogRef      *string    `json:"catalog_ref" db:"catalog_ref"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

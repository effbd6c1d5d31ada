package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gridsight/gridsight-api/internal/models"
	"github.com/lib/pq"
)

// JobRepository is the persistent store of import jobs. ClaimBatch must be
// atomic: contending callers never receive overlapping job sets and never
// block on rows another caller is claiming.
type JobRepository interface {
	Enqueue(ctx context.Context, jobs ...models.ImportJob) (int, error)
	ClaimBatch(ctx context.Context, maxSize int) ([]models.ImportJob, error)
	UpdateOutcome(ctx context.Context, id string, status models.JobStatus, layer, notes, errorDetail *string) error
	SetStageNote(ctx context.Context, id string, note string) error
	Get(ctx context.Context, id string) (models.ImportJob, error)
	ListRecent(ctx context.Context, limit int) ([]models.ImportJob, error)
}

type jobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) JobRepository {
	return &jobRepository{db: db}
}

const jobColumns = `id, distributor_name, year, layer, status, rows_processed,
	started_at, finished_at, notes, error_detail, catalog_ref, created_at`

func scanJob(scanner interface{ Scan(...interface{}) error }) (models.ImportJob, error) {
	var job models.ImportJob
	err := scanner.Scan(
		&job.ID,
		&job.DistributorName,
		&job.Year,
		&job.Layer,
		&job.Status,
		&job.RowsProcessed,
		&job.StartedAt,
		&job.FinishedAt,
		&job.Notes,
		&job.ErrorDetail,
		&job.CatalogRef,
		&job.CreatedAt,
	)
	return job, err
}

func (r *jobRepository) Enqueue(ctx context.Context, jobs ...models.ImportJob) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO intel.import_jobs
			(id, distributor_name, year, layer, status, rows_processed, notes, catalog_ref)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6)
	`
	for _, job := range jobs {
		if _, err := tx.ExecContext(ctx, query,
			job.ID,
			job.DistributorName,
			job.Year,
			job.Layer,
			job.Notes,
			job.CatalogRef,
		); err != nil {
			return 0, fmt.Errorf("failed to insert job for %s/%d: %w", job.DistributorName, job.Year, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return len(jobs), nil
}

// ClaimBatch selects up to maxSize queued jobs ordered by year then
// distributor name and marks them running in the same transaction.
// FOR UPDATE SKIP LOCKED gives skip semantics: rows being claimed by a
// concurrent worker are excluded rather than waited on.
func (r *jobRepository) ClaimBatch(ctx context.Context, maxSize int) ([]models.ImportJob, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		SELECT %s
		FROM intel.import_jobs
		WHERE status = 'queued'
		ORDER BY year, distributor_name
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, jobColumns)

	rows, err := tx.QueryContext(ctx, query, maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select queued jobs: %w", err)
	}

	var jobs []models.ImportJob
	ids := make([]string, 0, maxSize)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan queued job: %w", err)
		}
		jobs = append(jobs, job)
		ids = append(ids, job.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	startedAt := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE intel.import_jobs
		SET status = 'running', started_at = $1, error_detail = NULL
		WHERE id = ANY($2::uuid[])
	`, startedAt, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to mark jobs running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	for i := range jobs {
		jobs[i].Status = models.StatusRunning
		jobs[i].StartedAt = &startedAt
		jobs[i].ErrorDetail = nil
	}
	return jobs, nil
}

// UpdateOutcome is an idempotent, unconditional status write. Layer and
// notes only overwrite stored values when non-nil; finished_at is set once
// and kept on repeated terminal writes.
func (r *jobRepository) UpdateOutcome(ctx context.Context, id string, status models.JobStatus, layer, notes, errorDetail *string) error {
	var (
		query string
		args  []interface{}
	)

	switch {
	case status == models.StatusRunning:
		query = `
			UPDATE intel.import_jobs
			SET status = $1,
			    started_at = COALESCE(started_at, now()),
			    error_detail = NULL
			WHERE id = $2
		`
		args = []interface{}{status, id}

	case status.IsTerminal():
		query = `
			UPDATE intel.import_jobs
			SET status = $1,
			    layer = COALESCE($2, layer),
			    notes = COALESCE($3, notes),
			    error_detail = $4,
			    finished_at = COALESCE(finished_at, now())
			WHERE id = $5
		`
		args = []interface{}{status, layer, notes, errorDetail, id}

	default:
		return fmt.Errorf("invalid status %q", status)
	}

	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

// SetStageNote records a progress note ("downloading archive",
// "extracting archive") on a running row for the polling UI.
func (r *jobRepository) SetStageNote(ctx context.Context, id string, note string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE intel.import_jobs
		SET notes = $1
		WHERE id = $2 AND status = 'running'
	`, note, id)
	return err
}

func (r *jobRepository) Get(ctx context.Context, id string) (models.ImportJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM intel.import_jobs WHERE id = $1`, jobColumns)
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return job, fmt.Errorf("import job %s not found", id)
		}
		return job, err
	}
	return job, nil
}

// ListRecent returns the most recent jobs for the status boundary. Rows
// never started sort as most recent.
func (r *jobRepository) ListRecent(ctx context.Context, limit int) ([]models.ImportJob, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM intel.import_jobs
		ORDER BY started_at DESC NULLS FIRST, created_at DESC
		LIMIT $1
	`, jobColumns)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]models.ImportJob, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

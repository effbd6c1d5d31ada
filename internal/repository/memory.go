package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gridsight/gridsight-api/internal/models"
)

// MemoryJobRepository satisfies the claim contract without a database:
// compare-and-swap on the status field under a single lock. The select
// and the queued->running flip happen while the lock is held, so
// contending claimers can never receive overlapping batches.
type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs map[string]*models.ImportJob
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[string]*models.ImportJob)}
}

func (r *MemoryJobRepository) Enqueue(ctx context.Context, jobs ...models.ImportJob) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, job := range jobs {
		if _, exists := r.jobs[job.ID]; exists {
			return 0, fmt.Errorf("duplicate job id %s", job.ID)
		}
	}
	for _, job := range jobs {
		job.Status = models.StatusQueued
		job.RowsProcessed = 0
		if job.CreatedAt.IsZero() {
			job.CreatedAt = time.Now()
		}
		stored := job
		r.jobs[job.ID] = &stored
	}
	return len(jobs), nil
}

func (r *MemoryJobRepository) ClaimBatch(ctx context.Context, maxSize int) ([]models.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var queued []*models.ImportJob
	for _, job := range r.jobs {
		if job.Status == models.StatusQueued {
			queued = append(queued, job)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Year != queued[j].Year {
			return queued[i].Year < queued[j].Year
		}
		return queued[i].DistributorName < queued[j].DistributorName
	})
	if len(queued) > maxSize {
		queued = queued[:maxSize]
	}

	startedAt := time.Now()
	claimed := make([]models.ImportJob, 0, len(queued))
	for _, job := range queued {
		job.Status = models.StatusRunning
		job.StartedAt = &startedAt
		job.ErrorDetail = nil
		claimed = append(claimed, *job)
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	return claimed, nil
}

func (r *MemoryJobRepository) UpdateOutcome(ctx context.Context, id string, status models.JobStatus, layer, notes, errorDetail *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("import job %s not found", id)
	}

	switch {
	case status == models.StatusRunning:
		job.Status = status
		if job.StartedAt == nil {
			now := time.Now()
			job.StartedAt = &now
		}
		job.ErrorDetail = nil

	case status.IsTerminal():
		job.Status = status
		if layer != nil {
			job.Layer = layer
		}
		if notes != nil {
			job.Notes = notes
		}
		job.ErrorDetail = errorDetail
		if job.FinishedAt == nil {
			now := time.Now()
			job.FinishedAt = &now
		}

	default:
		return fmt.Errorf("invalid status %q", status)
	}
	return nil
}

func (r *MemoryJobRepository) SetStageNote(ctx context.Context, id string, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("import job %s not found", id)
	}
	if job.Status == models.StatusRunning {
		job.Notes = &note
	}
	return nil
}

func (r *MemoryJobRepository) Get(ctx context.Context, id string) (models.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return models.ImportJob{}, fmt.Errorf("import job %s not found", id)
	}
	return *job, nil
}

func (r *MemoryJobRepository) ListRecent(ctx context.Context, limit int) ([]models.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := make([]models.ImportJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, *job)
	}
	// Rows never started sort as most recent.
	sort.Slice(jobs, func(i, j int) bool {
		si, sj := jobs[i].StartedAt, jobs[j].StartedAt
		switch {
		case si == nil && sj == nil:
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		case si == nil:
			return true
		case sj == nil:
			return false
		default:
			return si.After(*sj)
		}
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// MemoryCatalogRepository is a fixed in-memory catalog.
type MemoryCatalogRepository struct {
	entries []models.CatalogEntry
}

func NewMemoryCatalogRepository(entries ...models.CatalogEntry) *MemoryCatalogRepository {
	return &MemoryCatalogRepository{entries: entries}
}

func (r *MemoryCatalogRepository) Resolve(ctx context.Context, distributor string, year int) (models.CatalogEntry, error) {
	for _, entry := range r.entries {
		if entry.DistributorName == distributor && entry.Year == year {
			return entry, nil
		}
	}
	return models.CatalogEntry{}, ErrCatalogNotFound
}

func (r *MemoryCatalogRepository) FindByFilters(ctx context.Context, distributors []string, years []int) ([]models.CatalogEntry, error) {
	wantDist := make(map[string]bool, len(distributors))
	for _, d := range distributors {
		wantDist[d] = true
	}
	wantYear := make(map[int]bool, len(years))
	for _, y := range years {
		wantYear[y] = true
	}

	var matches []models.CatalogEntry
	for _, entry := range r.entries {
		if wantDist[entry.DistributorName] && wantYear[entry.Year] {
			matches = append(matches, entry)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].DistributorName != matches[j].DistributorName {
			return matches[i].DistributorName < matches[j].DistributorName
		}
		return matches[i].Year < matches[j].Year
	})
	return matches, nil
}

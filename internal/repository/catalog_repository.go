package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gridsight/gridsight-api/internal/models"
	"github.com/lib/pq"
)

// ErrCatalogNotFound means no catalog row exists for a distributor/year
// pair. It is a normal outcome, distinct from a query failure.
var ErrCatalogNotFound = errors.New("catalog entry not found")

// CatalogRepository resolves distributor/year pairs to dataset URLs.
// Read-only to this service.
type CatalogRepository interface {
	Resolve(ctx context.Context, distributor string, year int) (models.CatalogEntry, error)
	FindByFilters(ctx context.Context, distributors []string, years []int) ([]models.CatalogEntry, error)
}

type catalogRepository struct {
	db *sql.DB
}

func NewCatalogRepository(db *sql.DB) CatalogRepository {
	return &catalogRepository{db: db}
}

func (r *catalogRepository) Resolve(ctx context.Context, distributor string, year int) (models.CatalogEntry, error) {
	const query = `
		SELECT id, distributor_name, year, url, title
		FROM intel.dataset_catalog
		WHERE distributor_name = $1 AND year = $2
		LIMIT 1
	`
	var entry models.CatalogEntry
	err := r.db.QueryRowContext(ctx, query, distributor, year).Scan(
		&entry.ID,
		&entry.DistributorName,
		&entry.Year,
		&entry.URL,
		&entry.Title,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return entry, ErrCatalogNotFound
		}
		return entry, fmt.Errorf("failed to resolve catalog entry: %w", err)
	}
	return entry, nil
}

func (r *catalogRepository) FindByFilters(ctx context.Context, distributors []string, years []int) ([]models.CatalogEntry, error) {
	const query = `
		SELECT id, distributor_name, year, url, title
		FROM intel.dataset_catalog
		WHERE distributor_name = ANY($1) AND year = ANY($2)
		ORDER BY distributor_name, year
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(distributors), pq.Array(years))
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var entries []models.CatalogEntry
	for rows.Next() {
		var entry models.CatalogEntry
		if err := rows.Scan(&entry.ID, &entry.DistributorName, &entry.Year, &entry.URL, &entry.Title); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

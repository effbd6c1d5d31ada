package models

// CatalogEntry maps a distributor/year pair to a downloadable dataset
// archive. The catalog is read-only to this service.
type CatalogEntry struct {
	ID              string `json:"id" db:"id"`
	DistributorName string `json:"distributor_name" db:"distributor_name"`
	Year            int    `json:"year" db:"year"`
	URL             string `json:"url" db:"url"`
	Title           string `json:"title" db:"title"`
}

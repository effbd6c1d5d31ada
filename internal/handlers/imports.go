package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gridsight/gridsight-api/internal/models"
	"github.com/gridsight/gridsight-api/internal/repository"
	"github.com/rs/zerolog"
)

// errorDetailDisplayLimit bounds error_detail in list responses; the full
// value stays in storage.
const errorDetailDisplayLimit = 300

const defaultListLimit = 200

type ImportHandler struct {
	jobs    repository.JobRepository
	catalog repository.CatalogRepository
	logger  zerolog.Logger
}

func NewImportHandler(jobs repository.JobRepository, catalog repository.CatalogRepository, logger zerolog.Logger) *ImportHandler {
	return &ImportHandler{
		jobs:    jobs,
		catalog: catalog,
		logger:  logger.With().Str("handler", "imports").Logger(),
	}
}

type enqueueRequest struct {
	Distributors []string `json:"distributors"`
	Years        []int    `json:"years"`
}

// Enqueue inserts one queued import job per catalog entry matching the
// cross-product of the selected distributors and years.
func (h *ImportHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Distributors) == 0 || len(req.Years) == 0 {
		http.Error(w, "Select at least one distributor and one year", http.StatusBadRequest)
		return
	}

	entries, err := h.catalog.FindByFilters(r.Context(), req.Distributors, req.Years)
	if err != nil {
		h.logger.Error().Err(err).Msg("catalog query failed")
		http.Error(w, "Failed to query catalog", http.StatusInternalServerError)
		return
	}
	if len(entries) == 0 {
		// Nothing matched is a normal outcome, not an error.
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"enqueued": 0,
			"notice":   "no catalog entries matched the selection",
		})
		return
	}

	jobs := make([]models.ImportJob, 0, len(entries))
	for _, entry := range entries {
		ref := entry.ID
		note := fmt.Sprintf("catalog:%s", entry.ID)
		jobs = append(jobs, models.ImportJob{
			ID:              uuid.NewString(),
			DistributorName: entry.DistributorName,
			Year:            entry.Year,
			Status:          models.StatusQueued,
			Notes:           &note,
			CatalogRef:      &ref,
		})
	}

	count, err := h.jobs.Enqueue(r.Context(), jobs...)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to enqueue import jobs")
		http.Error(w, "Failed to enqueue import jobs", http.StatusInternalServerError)
		return
	}

	h.logger.Info().Int("enqueued", count).Msg("import jobs enqueued")
	writeJSON(w, http.StatusOK, map[string]interface{}{"enqueued": count})
}

// List returns the most recent import jobs for the polling UI.
func (h *ImportHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	jobs, err := h.jobs.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list import jobs")
		http.Error(w, "Failed to list import jobs", http.StatusInternalServerError)
		return
	}

	for i := range jobs {
		jobs[i].ErrorDetail = truncateDetail(jobs[i].ErrorDetail)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func truncateDetail(detail *string) *string {
	if detail == nil {
		return nil
	}
	runes := []rune(*detail)
	if len(runes) <= errorDetailDisplayLimit {
		return detail
	}
	short := string(runes[:errorDetailDisplayLimit]) + "..."
	return &short
}

package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/gridsight/gridsight-api/internal/models"
	"github.com/gridsight/gridsight-api/internal/repository"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipArchive(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("payload"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func archiveServer(t *testing.T, body []byte, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// enqueueAndClaim inserts one job for the pair and claims it, returning
// the running job the worker would hand to the executor.
func enqueueAndClaim(t *testing.T, repo *repository.MemoryJobRepository, distributor string, year int, layer *string) models.ImportJob {
	t.Helper()
	_, err := repo.Enqueue(context.Background(), models.ImportJob{
		ID:              uuid.NewString(),
		DistributorName: distributor,
		Year:            year,
		Layer:           layer,
		Status:          models.StatusQueued,
	})
	require.NoError(t, err)

	claimed, err := repo.ClaimBatch(context.Background(), 100)
	require.NoError(t, err)
	require.NotEmpty(t, claimed)
	return claimed[len(claimed)-1]
}

func newTestExecutor(t *testing.T, jobs repository.JobRepository, catalog repository.CatalogRepository) *Executor {
	t.Helper()
	return NewExecutor(jobs, catalog, http.DefaultClient, t.TempDir(), zerolog.Nop())
}

func TestRunInfersLayerFromArchive(t *testing.T) {
	body := zipArchive(t, "export_UCBT_2024.dat", "readme.txt")
	srv := archiveServer(t, body, http.StatusOK)

	repo := repository.NewMemoryJobRepository()
	catalog := repository.NewMemoryCatalogRepository(models.CatalogEntry{
		ID: uuid.NewString(), DistributorName: "ENEL_RJ", Year: 2024, URL: srv.URL,
	})
	exec := newTestExecutor(t, repo, catalog)

	job := enqueueAndClaim(t, repo, "ENEL_RJ", 2024, nil)
	require.NoError(t, exec.Run(context.Background(), job))

	stored, err := repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, stored.Status)
	require.NotNil(t, stored.Layer)
	assert.Equal(t, "UCBT", *stored.Layer)
	require.NotNil(t, stored.Notes)
	assert.Contains(t, *stored.Notes, "extracted to ")
	assert.Nil(t, stored.ErrorDetail)
	require.NotNil(t, stored.FinishedAt)
}

func TestRunKeepsForcedLayerWhenNoEntryMatches(t *testing.T) {
	body := zipArchive(t, "dataset.dat", "metadata.xml")
	srv := archiveServer(t, body, http.StatusOK)

	repo := repository.NewMemoryJobRepository()
	catalog := repository.NewMemoryCatalogRepository(models.CatalogEntry{
		ID: uuid.NewString(), DistributorName: "LIGHT", Year: 2023, URL: srv.URL,
	})
	exec := newTestExecutor(t, repo, catalog)

	forced := "UCMT"
	job := enqueueAndClaim(t, repo, "LIGHT", 2023, &forced)
	require.NoError(t, exec.Run(context.Background(), job))

	stored, err := repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, stored.Status)
	require.NotNil(t, stored.Layer)
	assert.Equal(t, "UCMT", *stored.Layer)
}

func TestRunOverwritesLayerWhenEntryMatches(t *testing.T) {
	body := zipArchive(t, "export_UCBT_2024.dat")
	srv := archiveServer(t, body, http.StatusOK)

	repo := repository.NewMemoryJobRepository()
	catalog := repository.NewMemoryCatalogRepository(models.CatalogEntry{
		ID: uuid.NewString(), DistributorName: "LIGHT", Year: 2024, URL: srv.URL,
	})
	exec := newTestExecutor(t, repo, catalog)

	forced := "UCMT"
	job := enqueueAndClaim(t, repo, "LIGHT", 2024, &forced)
	require.NoError(t, exec.Run(context.Background(), job))

	stored, err := repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Layer)
	assert.Equal(t, "UCBT", *stored.Layer)
}

func TestRunCatalogMissFinalizesError(t *testing.T) {
	repo := repository.NewMemoryJobRepository()
	catalog := repository.NewMemoryCatalogRepository()
	exec := newTestExecutor(t, repo, catalog)

	job := enqueueAndClaim(t, repo, "CPFL_PAULISTA", 2022, nil)
	require.Error(t, exec.Run(context.Background(), job))

	stored, err := repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, stored.Status)
	require.NotNil(t, stored.ErrorDetail)
	assert.Equal(t, "no dataset url for CPFL_PAULISTA/2022", *stored.ErrorDetail)
	require.NotNil(t, stored.FinishedAt)
}

func TestRunNonSuccessDownloadFinalizesError(t *testing.T) {
	srv := archiveServer(t, []byte("gone"), http.StatusNotFound)

	repo := repository.NewMemoryJobRepository()
	catalog := repository.NewMemoryCatalogRepository(models.CatalogEntry{
		ID: uuid.NewString(), DistributorName: "ENERGISA", Year: 2021, URL: srv.URL,
	})
	exec := newTestExecutor(t, repo, catalog)

	job := enqueueAndClaim(t, repo, "ENERGISA", 2021, nil)
	require.Error(t, exec.Run(context.Background(), job))

	stored, err := repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, stored.Status)
	require.NotNil(t, stored.ErrorDetail)
	assert.Contains(t, *stored.ErrorDetail, "download failed")
}

func TestRunMalformedArchiveFinalizesError(t *testing.T) {
	srv := archiveServer(t, []byte("this is not a zip archive"), http.StatusOK)

	repo := repository.NewMemoryJobRepository()
	catalog := repository.NewMemoryCatalogRepository(models.CatalogEntry{
		ID: uuid.NewString(), DistributorName: "NEOENERGIA", Year: 2023, URL: srv.URL,
	})
	exec := newTestExecutor(t, repo, catalog)

	job := enqueueAndClaim(t, repo, "NEOENERGIA", 2023, nil)
	require.Error(t, exec.Run(context.Background(), job))

	stored, err := repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, stored.Status)
	require.NotNil(t, stored.ErrorDetail)
	assert.Contains(t, *stored.ErrorDetail, "extraction failed")
}

func TestRunFailureIsolatedFromSiblings(t *testing.T) {
	body := zipArchive(t, "PONNOT.dat")
	srv := archiveServer(t, body, http.StatusOK)

	repo := repository.NewMemoryJobRepository()
	// Only one of the two jobs has a catalog entry.
	catalog := repository.NewMemoryCatalogRepository(models.CatalogEntry{
		ID: uuid.NewString(), DistributorName: "ENEL_RJ", Year: 2023, URL: srv.URL,
	})
	exec := newTestExecutor(t, repo, catalog)

	ctx := context.Background()
	missing := models.ImportJob{ID: uuid.NewString(), DistributorName: "EDP_SP", Year: 2023, Status: models.StatusQueued}
	present := models.ImportJob{ID: uuid.NewString(), DistributorName: "ENEL_RJ", Year: 2023, Status: models.StatusQueued}
	_, err := repo.Enqueue(ctx, missing, present)
	require.NoError(t, err)

	batch, err := repo.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	for _, job := range batch {
		exec.Run(ctx, job)
	}

	failed, err := repo.Get(ctx, missing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, failed.Status)
	require.NotNil(t, failed.ErrorDetail)
	assert.Equal(t, "no dataset url for EDP_SP/2023", *failed.ErrorDetail)

	succeeded, err := repo.Get(ctx, present.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, succeeded.Status)
	require.NotNil(t, succeeded.Layer)
	assert.Equal(t, "PONNOT", *succeeded.Layer)
}

func TestExtractArchiveRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	dir := t.TempDir()
	src := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0o644))

	err = extractArchive(src, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal path")
}

func TestInferLayerFirstMatchWins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_ucat_file.dat"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "z_UCBT_file.dat"), nil, 0o644))

	code, ok := inferLayer(dir)
	require.True(t, ok)
	// ReadDir is sorted by name, so the UCAT entry is seen first.
	assert.Equal(t, "UCAT", code)
}

package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gridsight/gridsight-api/internal/models"
	"github.com/gridsight/gridsight-api/internal/repository"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const archiveFileName = "dataset.zip"

// Executor runs one claimed import job end to end: resolve the source
// URL, download the archive, extract it and infer the dataset layer.
// Every failure is recorded on the job row; nothing escalates past a
// single job.
type Executor struct {
	jobs    repository.JobRepository
	catalog repository.CatalogRepository
	client  *http.Client
	dataDir string
	logger  zerolog.Logger
}

func NewExecutor(jobs repository.JobRepository, catalog repository.CatalogRepository, client *http.Client, dataDir string, logger zerolog.Logger) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Executor{
		jobs:    jobs,
		catalog: catalog,
		client:  client,
		dataDir: dataDir,
		logger:  logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run processes a single claimed job. The returned error is for logging
// only; the job row has already been finalized by the time Run returns.
func (e *Executor) Run(ctx context.Context, job models.ImportJob) error {
	l := e.logger.With().
		Str("job_id", job.ID).
		Str("distributor", job.DistributorName).
		Int("year", job.Year).
		Logger()

	entry, err := e.catalog.Resolve(ctx, job.DistributorName, job.Year)
	if err != nil {
		if errors.Is(err, repository.ErrCatalogNotFound) {
			e.fail(ctx, job.ID, fmt.Sprintf("no dataset url for %s/%d", job.DistributorName, job.Year))
			return errors.Wrap(err, "catalog lookup miss")
		}
		e.fail(ctx, job.ID, fmt.Sprintf("catalog lookup failed: %v", err))
		return errors.Wrap(err, "catalog lookup failed")
	}

	// Workspace is keyed by (distributor, year); re-creating it is not an
	// error, a later run simply overwrites.
	workspace := filepath.Join(e.dataDir, fmt.Sprintf("%s_%d", job.DistributorName, job.Year))
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		e.fail(ctx, job.ID, fmt.Sprintf("failed to create workspace: %v", err))
		return errors.Wrapf(err, "failed to create workspace %s", workspace)
	}

	if err := e.jobs.SetStageNote(ctx, job.ID, "downloading archive"); err != nil {
		l.Warn().Err(err).Msg("failed to record download stage")
	}

	archivePath := filepath.Join(workspace, archiveFileName)
	if err := e.download(ctx, entry.URL, archivePath); err != nil {
		e.fail(ctx, job.ID, fmt.Sprintf("download failed: %v", err))
		return errors.Wrap(err, "download failed")
	}
	l.Info().Str("url", entry.URL).Msg("archive downloaded")

	if err := e.jobs.SetStageNote(ctx, job.ID, "extracting archive"); err != nil {
		l.Warn().Err(err).Msg("failed to record extract stage")
	}

	extractDir := filepath.Join(workspace, "extracted")
	if err := extractArchive(archivePath, extractDir); err != nil {
		e.fail(ctx, job.ID, fmt.Sprintf("extraction failed: %v", err))
		return errors.Wrap(err, "extraction failed")
	}
	l.Info().Str("dir", extractDir).Msg("archive extracted")

	// Layer stays nil when no entry matches, so the stored value is kept.
	var layer *string
	if code, ok := inferLayer(extractDir); ok {
		layer = &code
		l.Info().Str("layer", code).Msg("layer inferred from archive contents")
	}

	notes := fmt.Sprintf("extracted to %s", extractDir)
	if err := e.jobs.UpdateOutcome(ctx, job.ID, models.StatusDone, layer, &notes, nil); err != nil {
		return errors.Wrap(err, "failed to finalize job")
	}
	l.Info().Msg("import completed")
	return nil
}

func (e *Executor) fail(ctx context.Context, id, detail string) {
	if err := e.jobs.UpdateOutcome(ctx, id, models.StatusError, nil, nil, &detail); err != nil {
		e.logger.Error().Err(err).Str("job_id", id).Msg("failed to record job error")
	}
}

// download streams the resource at url to dest. The request carries ctx
// so shutdown cancels in-flight transfers.
func (e *Executor) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	written, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if written == 0 {
		return fmt.Errorf("empty response body")
	}
	return nil
}

// extractArchive unpacks a zip archive into dest. Any failure leaves the
// job in error; partial output is overwritten by a later run.
func extractArchive(src, dest string) error {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	root := filepath.Clean(dest) + string(os.PathSeparator)
	for _, file := range reader.File {
		target := filepath.Join(dest, file.Name)
		if !strings.HasPrefix(filepath.Clean(target), root) {
			return fmt.Errorf("illegal path %q in archive", file.Name)
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractFile(file, target); err != nil {
			return fmt.Errorf("failed to extract %s: %w", file.Name, err)
		}
	}
	return nil
}

func extractFile(file *zip.File, target string) error {
	in, err := file.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.Mode())
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// inferLayer scans the top level of the extraction dir for the first
// entry whose name contains a known layer code, case-insensitive.
func inferLayer(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		name := strings.ToUpper(entry.Name())
		for _, code := range models.LayerCodes {
			if strings.Contains(name, code) {
				return code, true
			}
		}
	}
	return "", false
}

// Package pipeline drives images through the claim, pull, scan, and ingest
// stages and coordinates the worker pool that runs them.
package pipeline

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/dockerdetective/dockerdetective/internal/docker/image"
	"github.com/dockerdetective/dockerdetective/internal/models"
)

// Claimer hands out pending images for processing. Claiming the same image
// twice is the store's responsibility to prevent.
type Claimer interface {
	ClaimNext(ctx context.Context) (string, bool, error)
	MarkTerminal(ctx context.Context, imageName string, status models.DownloadStatus) error
}

// Puller downloads an image and returns the normalized reference
type Puller interface {
	Pull(ctx context.Context, imageName string) (string, error)
}

// Scanner produces a vulnerability report for a locally available image
type Scanner interface {
	Scan(ctx context.Context, ref string) (*models.ScanReport, error)
}

// Remover deletes a local image after scanning
type Remover interface {
	Remove(ctx context.Context, ref string) error
}

// Ingestor persists a scan report atomically
type Ingestor interface {
	Ingest(ctx context.Context, report *models.ScanReport, imageName string) error
}

// Outcome reports what a single pipeline pass accomplished
type Outcome int

const (
	// NoJob means no pending image was available to claim
	NoJob Outcome = iota

	// Completed means an image was claimed and driven to a terminal status
	Completed
)

// Executor runs one image through the full scan pipeline.
type Executor struct {
	claimer Claimer
	puller  Puller
	scanner Scanner
	remover Remover
	ingest  Ingestor
	logger  *logrus.Logger
}

// NewExecutor creates a pipeline executor
func NewExecutor(claimer Claimer, puller Puller, scanner Scanner, remover Remover, ingest Ingestor, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Executor{
		claimer: claimer,
		puller:  puller,
		scanner: scanner,
		remover: remover,
		ingest:  ingest,
		logger:  logger,
	}
}

// RunOne claims the next pending image and processes it to a terminal
// status. Failures of an individual image are recorded against that image
// and do not propagate; only claim errors are returned.
func (e *Executor) RunOne(ctx context.Context) (Outcome, error) {
	imageName, ok, err := e.claimer.ClaimNext(ctx)
	if err != nil {
		return NoJob, err
	}
	if !ok {
		return NoJob, nil
	}

	log := e.logger.WithField("image", imageName)
	log.Info("Processing image")

	ref, err := e.puller.Pull(ctx, imageName)
	if err != nil {
		status := models.StatusDownloadFailed
		if errors.Is(err, image.ErrManifestUnknown) {
			status = models.StatusManifestUnknown
		}
		log.WithError(err).Warn("Image pull failed")
		e.finish(ctx, imageName, status)
		return Completed, nil
	}

	report, scanErr := e.scanner.Scan(ctx, ref)

	// The local copy is removed regardless of the scan result so failed
	// scans do not accumulate disk usage.
	if err := e.remover.Remove(ctx, ref); err != nil {
		log.WithError(err).Warn("Image removal failed")
	}

	if scanErr != nil {
		log.WithError(scanErr).Warn("Image scan failed")
		e.finish(ctx, imageName, models.StatusScanFailed)
		return Completed, nil
	}

	if err := e.ingest.Ingest(ctx, report, imageName); err != nil {
		// The image stays in_progress so the failure is visible and the
		// row is not retried with a half-written result.
		log.WithError(err).Error("Result ingestion failed")
		return Completed, nil
	}

	log.WithField("matches", len(report.Matches)).Info("Image processed")
	return Completed, nil
}

// finish records a terminal status, logging rather than propagating failures
func (e *Executor) finish(ctx context.Context, imageName string, status models.DownloadStatus) {
	if err := e.claimer.MarkTerminal(ctx, imageName, status); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"image":  imageName,
			"status": status,
		}).Error("Failed to record terminal status")
	}
}

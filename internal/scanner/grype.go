// Package scanner runs vulnerability scans against pulled container images.
package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockerdetective/dockerdetective/internal/models"
)

var (
	// ErrScannerNotFound indicates the scanner binary is not on PATH
	ErrScannerNotFound = errors.New("scanner binary not found")

	// ErrScanFailed indicates the scanner exited with an error
	ErrScanFailed = errors.New("vulnerability scan failed")
)

// CommandRunner executes an external command and returns its stdout. It is
// the seam tests use to substitute canned scanner output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execRunner runs commands via os/exec
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrScannerNotFound
		}
		return nil, fmt.Errorf("%w: %v: %s", ErrScanFailed, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// Options configures the Grype scanner
type Options struct {
	// Binary is the scanner executable, defaults to "grype"
	Binary string

	// Timeout bounds a single scan
	Timeout time.Duration

	// DBUpdateTimeout bounds the vulnerability database refresh
	DBUpdateTimeout time.Duration

	// Runner overrides command execution, used by tests
	Runner CommandRunner

	// Logger is the logger used by the scanner
	Logger *logrus.Logger
}

// Grype invokes the grype CLI and parses its JSON report.
type Grype struct {
	binary          string
	timeout         time.Duration
	dbUpdateTimeout time.Duration
	runner          CommandRunner
	logger          *logrus.Logger
}

// NewGrype creates a scanner from the given options
func NewGrype(opts Options) *Grype {
	if opts.Binary == "" {
		opts.Binary = "grype"
	}
	if opts.Runner == nil {
		opts.Runner = execRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Grype{
		binary:          opts.Binary,
		timeout:         opts.Timeout,
		dbUpdateTimeout: opts.DBUpdateTimeout,
		runner:          opts.Runner,
		logger:          opts.Logger,
	}
}

// IsAvailable reports whether the scanner binary can be located
func (g *Grype) IsAvailable() bool {
	_, err := exec.LookPath(g.binary)
	return err == nil
}

// UpdateDB refreshes the vulnerability database before a scan run
func (g *Grype) UpdateDB(ctx context.Context) error {
	if g.dbUpdateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.dbUpdateTimeout)
		defer cancel()
	}

	g.logger.Info("Updating vulnerability database")
	start := time.Now()

	if _, err := g.runner.Run(ctx, g.binary, "db", "update"); err != nil {
		return fmt.Errorf("vulnerability database update failed: %w", err)
	}

	g.logger.WithField("duration", time.Since(start).String()).
		Info("Vulnerability database updated")
	return nil
}

// Scan runs the scanner against a locally available image and returns the
// parsed report.
func (g *Grype) Scan(ctx context.Context, ref string) (*models.ScanReport, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	g.logger.WithField("image", ref).Debug("Scanning image")
	start := time.Now()

	output, err := g.runner.Run(ctx, g.binary, ref, "-o", "json")
	if err != nil {
		return nil, err
	}

	report, err := models.ParseScanReport(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScanFailed, err)
	}

	g.logger.WithFields(logrus.Fields{
		"image":    ref,
		"matches":  len(report.Matches),
		"duration": time.Since(start).String(),
	}).Info("Scan completed")

	return report, nil
}

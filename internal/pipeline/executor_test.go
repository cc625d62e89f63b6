package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockerdetective/dockerdetective/internal/docker/image"
	"github.com/dockerdetective/dockerdetective/internal/models"
)

type stubClaimer struct {
	mu       sync.Mutex
	queue    []string
	terminal map[string]models.DownloadStatus
	claimErr error
	markErr  error
}

func newStubClaimer(names ...string) *stubClaimer {
	return &stubClaimer{
		queue:    names,
		terminal: make(map[string]models.DownloadStatus),
	}
}

func (c *stubClaimer) ClaimNext(ctx context.Context) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimErr != nil {
		return "", false, c.claimErr
	}
	if len(c.queue) == 0 {
		return "", false, nil
	}
	name := c.queue[0]
	c.queue = c.queue[1:]
	return name, true, nil
}

func (c *stubClaimer) MarkTerminal(ctx context.Context, name string, status models.DownloadStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.markErr != nil {
		return c.markErr
	}
	c.terminal[name] = status
	return nil
}

func (c *stubClaimer) terminalStatus(name string) (models.DownloadStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.terminal[name]
	return status, ok
}

type stubPuller struct {
	err error
}

func (p *stubPuller) Pull(ctx context.Context, imageName string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return imageName + ":latest", nil
}

type stubScanner struct {
	report *models.ScanReport
	err    error
}

func (s *stubScanner) Scan(ctx context.Context, ref string) (*models.ScanReport, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.report, nil
}

type stubRemover struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (r *stubRemover) Remove(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, ref)
	return r.err
}

func (r *stubRemover) removedRefs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

type stubIngestor struct {
	mu       sync.Mutex
	ingested []string
	err      error
}

func (i *stubIngestor) Ingest(ctx context.Context, report *models.ScanReport, imageName string) error {
	if i.err != nil {
		return i.err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ingested = append(i.ingested, imageName)
	return nil
}

func (i *stubIngestor) ingestedNames() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.ingested...)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestExecutor(claimer *stubClaimer, puller *stubPuller, scanner *stubScanner, remover *stubRemover, ingest *stubIngestor) *Executor {
	return NewExecutor(claimer, puller, scanner, remover, ingest, testLogger())
}

func TestRunOne_NoJob(t *testing.T) {
	claimer := newStubClaimer()
	executor := newTestExecutor(claimer, &stubPuller{}, &stubScanner{}, &stubRemover{}, &stubIngestor{})

	outcome, err := executor.RunOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoJob, outcome)
}

func TestRunOne_Success(t *testing.T) {
	claimer := newStubClaimer("library/alpine")
	remover := &stubRemover{}
	ingest := &stubIngestor{}
	scanner := &stubScanner{report: &models.ScanReport{}}
	executor := newTestExecutor(claimer, &stubPuller{}, scanner, remover, ingest)

	outcome, err := executor.RunOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)

	assert.Equal(t, []string{"library/alpine"}, ingest.ingestedNames())
	assert.Equal(t, []string{"library/alpine:latest"}, remover.removedRefs())

	// A successful ingest records its own status; MarkTerminal is not used
	_, marked := claimer.terminalStatus("library/alpine")
	assert.False(t, marked)
}

func TestRunOne_ManifestUnknown(t *testing.T) {
	claimer := newStubClaimer("library/ghost")
	puller := &stubPuller{err: fmt.Errorf("%w: library/ghost", image.ErrManifestUnknown)}
	remover := &stubRemover{}
	ingest := &stubIngestor{}
	executor := newTestExecutor(claimer, puller, &stubScanner{}, remover, ingest)

	outcome, err := executor.RunOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)

	status, marked := claimer.terminalStatus("library/ghost")
	require.True(t, marked)
	assert.Equal(t, models.StatusManifestUnknown, status)

	// Nothing was pulled, so nothing is removed or ingested
	assert.Empty(t, remover.removedRefs())
	assert.Empty(t, ingest.ingestedNames())
}

func TestRunOne_DownloadFailed(t *testing.T) {
	claimer := newStubClaimer("library/flaky")
	puller := &stubPuller{err: errors.New("connection reset by peer")}
	executor := newTestExecutor(claimer, puller, &stubScanner{}, &stubRemover{}, &stubIngestor{})

	outcome, err := executor.RunOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)

	status, marked := claimer.terminalStatus("library/flaky")
	require.True(t, marked)
	assert.Equal(t, models.StatusDownloadFailed, status)
}

func TestRunOne_ScanFailed(t *testing.T) {
	claimer := newStubClaimer("library/odd")
	scanner := &stubScanner{err: errors.New("scanner crashed")}
	remover := &stubRemover{}
	ingest := &stubIngestor{}
	executor := newTestExecutor(claimer, &stubPuller{}, scanner, remover, ingest)

	outcome, err := executor.RunOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)

	status, marked := claimer.terminalStatus("library/odd")
	require.True(t, marked)
	assert.Equal(t, models.StatusScanFailed, status)

	// The pulled image is cleaned up even when the scan fails
	assert.Equal(t, []string{"library/odd:latest"}, remover.removedRefs())
	assert.Empty(t, ingest.ingestedNames())
}

func TestRunOne_RemoveFailureDoesNotAbort(t *testing.T) {
	claimer := newStubClaimer("library/alpine")
	remover := &stubRemover{err: errors.New("image in use")}
	ingest := &stubIngestor{}
	scanner := &stubScanner{report: &models.ScanReport{}}
	executor := newTestExecutor(claimer, &stubPuller{}, scanner, remover, ingest)

	outcome, err := executor.RunOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)
	assert.Equal(t, []string{"library/alpine"}, ingest.ingestedNames())
}

func TestRunOne_IngestFailureLeavesStatus(t *testing.T) {
	claimer := newStubClaimer("library/alpine")
	ingest := &stubIngestor{err: errors.New("database is locked")}
	scanner := &stubScanner{report: &models.ScanReport{}}
	executor := newTestExecutor(claimer, &stubPuller{}, scanner, &stubRemover{}, ingest)

	outcome, err := executor.RunOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)

	// The image keeps its in-flight status so the failure is visible
	_, marked := claimer.terminalStatus("library/alpine")
	assert.False(t, marked)
}

func TestRunOne_ClaimErrorPropagates(t *testing.T) {
	claimer := newStubClaimer()
	claimer.claimErr = errors.New("connection refused")
	executor := newTestExecutor(claimer, &stubPuller{}, &stubScanner{}, &stubRemover{}, &stubIngestor{})

	_, err := executor.RunOne(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

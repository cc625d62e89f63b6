package scanner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureReport = `{
	"source": {"target": {"imageSize": 7340032}},
	"matches": [
		{
			"vulnerability": {"id": "CVE-2024-0001", "severity": "High", "fix": {"state": "fixed"}},
			"artifact": {"name": "musl", "version": "1.2.4"}
		}
	]
}`

type fakeRunner struct {
	output []byte
	err    error
	calls  [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

func TestGrypeScan(t *testing.T) {
	runner := &fakeRunner{output: []byte(fixtureReport)}
	grype := NewGrype(Options{Runner: runner})

	report, err := grype.Scan(context.Background(), "alpine:latest")
	require.NoError(t, err)

	assert.Equal(t, int64(7340032), report.Source.Target.ImageSize)
	require.Len(t, report.Matches, 1)
	assert.Equal(t, "CVE-2024-0001", report.Matches[0].Vulnerability.ID)
	assert.Equal(t, "High", report.Matches[0].Vulnerability.Severity)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"grype", "alpine:latest", "-o", "json"}, runner.calls[0])
}

func TestGrypeScan_CustomBinary(t *testing.T) {
	runner := &fakeRunner{output: []byte(fixtureReport)}
	grype := NewGrype(Options{Binary: "/opt/grype/grype", Runner: runner})

	_, err := grype.Scan(context.Background(), "alpine:latest")
	require.NoError(t, err)
	assert.Equal(t, "/opt/grype/grype", runner.calls[0][0])
}

func TestGrypeScan_RunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("exit status 1: failed to catalog")}
	grype := NewGrype(Options{Runner: runner})

	_, err := grype.Scan(context.Background(), "alpine:latest")
	assert.Error(t, err)
}

func TestGrypeScan_MalformedOutput(t *testing.T) {
	runner := &fakeRunner{output: []byte("panic: something went wrong")}
	grype := NewGrype(Options{Runner: runner})

	_, err := grype.Scan(context.Background(), "alpine:latest")
	assert.ErrorIs(t, err, ErrScanFailed)
}

func TestGrypeUpdateDB(t *testing.T) {
	runner := &fakeRunner{output: []byte("")}
	grype := NewGrype(Options{Runner: runner})

	require.NoError(t, grype.UpdateDB(context.Background()))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"grype", "db", "update"}, runner.calls[0])
}

func TestGrypeUpdateDB_Error(t *testing.T) {
	runner := &fakeRunner{err: errors.New("network unreachable")}
	grype := NewGrype(Options{Runner: runner})

	err := grype.UpdateDB(context.Background())
	assert.ErrorContains(t, err, "vulnerability database update failed")
}

package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.RunFinished("completed")
	m.RunFinished("completed")
	m.RunFinished("failed_timeout")
	m.PauseConsumed()
	m.AlignmentRound()
	m.AlignmentRound()
	m.Remediation()
	m.SilentExitRetry()
	m.RepoResolved("exact")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("failed_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pauses))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.alignmentRounds))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remediations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.silentRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.repoResolutions.WithLabelValues("exact")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RunFinished("completed")
	m.PauseConsumed()
	m.WorkerInvocation("done", 1)
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.RunFinished("completed")
	m.WorkerInvocation("done", 3)

	path := filepath.Join(t.TempDir(), "vibeguild.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `vibeguild_runs_total{outcome="completed"} 1`)
	assert.Contains(t, string(data), "vibeguild_worker_invocation_seconds_count")
}

func TestWriteTextfileEmptyPath(t *testing.T) {
	assert.NoError(t, New().WriteTextfile(""))
}

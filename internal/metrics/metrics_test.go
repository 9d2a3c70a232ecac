package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRun(t *testing.T) {
	r := NewRecorder("")
	start := time.Unix(1_700_000_000, 0)

	r.RecordRun(RunSample{
		Status:      "partial",
		Started:     start,
		Finished:    start.Add(90 * time.Second),
		ArchiveSize: 4096,
		Pruned:      2,
		Components: map[string]ComponentSample{
			"database": {OK: false},
			"cache":    {OK: true, Duration: 3 * time.Second, Size: 1024},
		},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("partial")))
	assert.Equal(t, 90.0, testutil.ToFloat64(r.runDuration))
	assert.Equal(t, 4096.0, testutil.ToFloat64(r.archiveSize))
	assert.Equal(t, float64(start.Add(90*time.Second).Unix()), testutil.ToFloat64(r.lastSuccess))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.componentUp.WithLabelValues("database")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.componentUp.WithLabelValues("cache")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.pruned))
}

func TestFailedRunKeepsLastSuccess(t *testing.T) {
	r := NewRecorder("")
	t0 := time.Unix(1_700_000_000, 0)
	r.RecordRun(RunSample{Status: "success", Started: t0, Finished: t0.Add(time.Minute), ArchiveSize: 10})
	r.RecordRun(RunSample{Status: "failed", Started: t0.Add(time.Hour), Finished: t0.Add(time.Hour + time.Second)})

	assert.Equal(t, float64(t0.Add(time.Minute).Unix()), testutil.ToFloat64(r.lastSuccess))
	assert.Equal(t, 10.0, testutil.ToFloat64(r.archiveSize))
}

func TestFlushWritesTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "textfile", "server_dr.prom")
	r := NewRecorder(path)
	r.RecordDRTest("passed", 42.5, time.Unix(1_700_000_000, 0))
	require.NoError(t, r.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "server_dr_drtest_throughput_mb_per_second 42.5")
	assert.Contains(t, string(data), `server_dr_drtest_last_run_timestamp_seconds{status="passed"}`)
}

func TestFlushWithoutTextfile(t *testing.T) {
	assert.NoError(t, NewRecorder("").Flush())
}

func TestRecordRecovery(t *testing.T) {
	r := NewRecorder("")
	t0 := time.Unix(1_700_000_000, 0)
	r.RecordRecovery("completed_with_warnings", t0, t0.Add(45*time.Second))

	assert.Equal(t, 45.0, testutil.ToFloat64(r.recoveryDuration))
	assert.Equal(t, float64(t0.Add(45*time.Second).Unix()),
		testutil.ToFloat64(r.recoveryLast.WithLabelValues("completed_with_warnings")))
}

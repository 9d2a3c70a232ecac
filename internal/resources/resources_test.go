package resources

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"server-dr/internal/config"
)

func fakeProc(t *testing.T, memAvailableKB string, load1 string) string {
	t.Helper()
	dir := t.TempDir()
	meminfo := "MemTotal:       16000000 kB\nMemFree:         1000000 kB\nMemAvailable:   " + memAvailableKB + " kB\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(meminfo), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loadavg"), []byte(load1+" 0.50 0.40 1/200 4242\n"), 0o644))
	return dir
}

func testChecker(cfg config.ResourcesConfig, procDir string, freeMB uint64) *Checker {
	c := NewChecker(cfg)
	c.procFS = procDir
	c.cpus = 4
	c.statfs = func(string) (uint64, error) { return freeMB << 20, nil }
	return c
}

func TestCheck(t *testing.T) {
	cfg := config.ResourcesConfig{MinFreeDiskMB: 1024, MinFreeMemoryMB: 512, MaxLoadPerCPU: 2}

	tests := []struct {
		name      string
		freeMB    uint64
		memKB     string
		load1     string
		wantHard  []string
		wantSoft  []string
		wantReady bool
	}{
		{"healthy", 50_000, "4000000", "1.00", nil, nil, true},
		{"low disk is hard", 100, "4000000", "1.00", []string{"disk"}, nil, false},
		{"low memory is soft", 50_000, "100000", "1.00", nil, []string{"memory"}, true},
		{"high load is soft", 50_000, "4000000", "12.00", nil, []string{"load"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testChecker(cfg, fakeProc(t, tt.memKB, tt.load1), tt.freeMB)
			report, err := c.Check(t.TempDir())
			require.NoError(t, err)
			assert.Equal(t, tt.wantReady, report.OK())
			assert.Equal(t, tt.wantHard, checks(report.Hard))
			assert.Equal(t, tt.wantSoft, checks(report.Soft))
		})
	}
}

func TestCheckMissingProcIsAdvisory(t *testing.T) {
	c := testChecker(config.ResourcesConfig{MinFreeDiskMB: 1}, filepath.Join(t.TempDir(), "nope"), 10)
	report, err := c.Check(t.TempDir())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, []string{"procfs"}, checks(report.Soft))
}

func TestCheckRealFilesystem(t *testing.T) {
	c := NewChecker(config.ResourcesConfig{})
	report, err := c.Check(filepath.Join(t.TempDir(), "not", "created", "yet"))
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func checks(findings []Finding) []string {
	var out []string
	for _, f := range findings {
		out = append(out, f.Check)
	}
	return out
}

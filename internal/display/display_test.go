package display

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"server-dr/internal/components"
	"server-dr/internal/coordinator"
	"server-dr/internal/drtest"
	"server-dr/internal/recovery"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{" yaml ", FormatYAML, false},
		{"compact", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTableRendersAlignedColumns(t *testing.T) {
	tbl := NewTable(PlainPalette(), "NAME", "SIZE").AlignRight(1)
	tbl.maxWidth = 0
	tbl.AddRow("database", "12 MiB")
	tbl.AddRow("cache", "1 KiB")

	var buf bytes.Buffer
	tbl.Render(&buf)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "+----------+--------+", lines[0])
	assert.Equal(t, "| NAME     |   SIZE |", lines[1])
	assert.Equal(t, "| database | 12 MiB |", lines[3])
	assert.Equal(t, "| cache    |  1 KiB |", lines[4])
}

func TestTableShrinksToTerminal(t *testing.T) {
	tbl := NewTable(PlainPalette(), "PATH")
	tbl.maxWidth = 20
	tbl.AddRow("/var/backups/server-dr/daily/web01_20260101T020000Z.tar.gz")

	var buf bytes.Buffer
	tbl.Render(&buf)
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		assert.LessOrEqual(t, len(line), 20, line)
	}
	assert.Contains(t, buf.String(), "...")
}

func TestVisibleWidthIgnoresEscapes(t *testing.T) {
	assert.Equal(t, 2, visibleWidth("\x1b[92mok\x1b[0m"))
	assert.Equal(t, 1, visibleWidth("✓"))
}

func TestPlainPaletteHasNoEscapes(t *testing.T) {
	p := PlainPalette()
	assert.False(t, p.Enabled())
	assert.Equal(t, "failed", p.Status("failed"))
	assert.Equal(t, "OK", p.Mark(true))
	assert.Equal(t, "FAIL", p.Mark(false))
}

func TestWriteYAMLUsesJSONFieldNames(t *testing.T) {
	run := &coordinator.BackupRun{
		RunID:     "3f2a9c1e-1111-4000-8000-000000000000",
		Status:    coordinator.StatusPartial,
		Succeeded: []string{"configuration"},
		Failed:    []string{"database"},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteYAML(&buf, run))

	out := buf.String()
	assert.Contains(t, out, "run_id: 3f2a9c1e-1111-4000-8000-000000000000")
	assert.Contains(t, out, "components_failed:\n  - database")
	assert.NotContains(t, out, "{")

	var back map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, "partial", back["status"])
}

func TestWriteYAMLKeepsStringTypes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteYAML(&buf, map[string]string{"pid": "123", "flag": "true"}))
	var back map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, "123", back["pid"])
	assert.Equal(t, "true", back["flag"])
}

func TestRendererRunTable(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, FormatTable, true)
	started := time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC)
	err := r.Run(&coordinator.BackupRun{
		RunID:       "3f2a9c1e-1111-4000-8000-000000000000",
		Class:       "daily",
		Status:      coordinator.StatusPartial,
		StartedAt:   started,
		EndedAt:     started.Add(90 * time.Second),
		ArchivePath: "/var/backups/daily/web01.tar.gz",
		SizeBytes:   2048,
		Results: []coordinator.ComponentResult{
			{Component: "database", Status: coordinator.ResultFail, Error: "dump tool exited 2"},
			{Component: "configuration", Status: coordinator.ResultOK, Size: 1536},
		},
		Warnings: []string{"load average 3.1 above 2.0"},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Backup run 3f2a9c1e partial")
	assert.Contains(t, out, "duration: 1m30s")
	assert.Contains(t, out, "dump tool exited 2")
	assert.Contains(t, out, "1.5 KiB")
	assert.Contains(t, out, "archive: /var/backups/daily/web01.tar.gz (2.0 KiB)")
	assert.Contains(t, out, "warning: load average")
}

func TestRendererHealthJSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, FormatJSON, false)
	require.NoError(t, r.Health([]coordinator.Problem{{Check: "last_success", Message: "no successful backup"}}))

	var doc struct {
		Healthy  bool                  `json:"healthy"`
		Problems []coordinator.Problem `json:"problems"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.False(t, doc.Healthy)
	require.Len(t, doc.Problems, 1)
	assert.Equal(t, "last_success", doc.Problems[0].Check)
}

func TestRendererDryRunSessionListsActions(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, FormatTable, true)
	err := r.Session(&recovery.Session{
		RecoveryID: "9b1c0000-2222-4000-8000-000000000000",
		Mode:       recovery.ModeDatabase,
		Source:     "/var/backups/daily/web01.tar.gz",
		DryRun:     true,
		Status:     recovery.StatusDryRun,
		Components: []recovery.ComponentRestore{{
			Component: "database",
			Status:    recovery.ComponentPlanned,
			Result: &components.RestoreResult{
				Component: components.Database,
				Actions:   []components.Action{{Kind: components.ActionCreateDatabase, Target: "shop"}},
			},
		}},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Recovery 9b1c0000 (database) dry_run")
	assert.Contains(t, buf.String(), "[database] would create database shop")
}

func TestRendererArchivesEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable, true).Archives(nil, []string{"remote: access denied"}))
	assert.Contains(t, buf.String(), "no archives found")
	assert.Contains(t, buf.String(), "remote: access denied")
}

func TestRendererDRTest(t *testing.T) {
	var buf bytes.Buffer
	err := NewRenderer(&buf, FormatTable, true).DRTest(&drtest.TestRun{
		TestID: "c0ffee00-3333-4000-8000-000000000000",
		Status: drtest.StatusPassed,
		Results: []drtest.TestResult{
			{Name: drtest.TestIntegrity, Passed: true, Message: "archive is intact"},
		},
		Performance: &drtest.PerformanceMetrics{RateMBs: 42.5, ArchiveSize: 1 << 20, BaselineAdopted: true},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "DR test c0ffee00 passed")
	assert.Contains(t, buf.String(), "archive is intact")
	assert.Contains(t, buf.String(), "42.50 MB/s over 1.0 MiB (adopted as baseline)")
}

package drtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"server-dr/internal/components"
)

// Test names used in reports
const (
	TestCreateBackup = "create_backup"
	TestIntegrity    = "integrity"
	TestPerformance  = "performance"
	restorePrefix    = "restore_"
)

// RunStatus is the overall outcome of a test run
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusPassed  RunStatus = "passed"
	StatusFailed  RunStatus = "failed"
)

// Environment identifies where a test ran
type Environment struct {
	Hostname  string `json:"hostname"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPUs      int    `json:"cpus"`
}

func currentEnvironment(hostname string) Environment {
	return Environment{
		Hostname:  hostname,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
	}
}

// TestResult is the outcome of one test in a run
type TestResult struct {
	Name      string             `json:"name"`
	Component string             `json:"component,omitempty"`
	Passed    bool               `json:"passed"`
	Duration  time.Duration      `json:"duration"`
	Message   string             `json:"message,omitempty"`
	Checks    []components.Check `json:"checks,omitempty"`
}

// PerformanceMetrics records the timed extraction
type PerformanceMetrics struct {
	ArchiveSize      int64         `json:"size"`
	ExtractTime      time.Duration `json:"time"`
	RateMBs          float64       `json:"rate"`
	BaselineMBs      float64       `json:"baseline_rate,omitempty"`
	Tolerance        float64       `json:"tolerance"`
	BaselineAdopted  bool          `json:"baseline_adopted"`
	BaselineRecorded time.Time     `json:"baseline_recorded_at,omitempty"`
}

// TestRun is the report of one harness invocation
type TestRun struct {
	TestID           string              `json:"test_id"`
	Environment      Environment         `json:"environment"`
	StartedAt        time.Time           `json:"started_at"`
	EndedAt          time.Time           `json:"ended_at"`
	Status           RunStatus           `json:"status"`
	ComponentsTested []string            `json:"components_tested"`
	PassedTests      []string            `json:"passed_tests"`
	FailedTests      []string            `json:"failed_tests"`
	Results          []TestResult        `json:"results"`
	Performance      *PerformanceMetrics `json:"performance_metrics,omitempty"`
	ArchivePath      string              `json:"archive_path,omitempty"`
	Workspace        string              `json:"workspace"`
	WorkspacePurged  bool                `json:"workspace_purged"`
	ReportPath       string              `json:"report_path,omitempty"`
	Warnings         []string            `json:"warnings,omitempty"`
}

// Duration is the wall time of a finished run
func (r *TestRun) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Result returns the named test result
func (r *TestRun) Result(name string) (TestResult, bool) {
	for _, res := range r.Results {
		if res.Name == name {
			return res, true
		}
	}
	return TestResult{}, false
}

func (r *TestRun) record(res TestResult) {
	r.Results = append(r.Results, res)
	if res.Passed {
		r.PassedTests = append(r.PassedTests, res.Name)
	} else {
		r.FailedTests = append(r.FailedTests, res.Name)
	}
}

// reportName is dr_test_report_<id>.json
func reportName(id string) string {
	return fmt.Sprintf("dr_test_report_%s.json", id)
}

func writeReport(path string, run *TestRun) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadReport reads a report written by GenerateReport
func LoadReport(path string) (*TestRun, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var run TestRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("invalid DR test report %s: %w", path, err)
	}
	return &run, nil
}

// LatestReport returns the most recent report in dir
func LatestReport(dir string) (*TestRun, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", err
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	var found []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "dr_test_report_") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{filepath.Join(dir, e.Name()), info.ModTime()})
	}
	if len(found) == 0 {
		return nil, "", errors.New("no DR test reports in " + dir)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod.After(found[j].mod) })
	run, err := LoadReport(found[0].path)
	return run, found[0].path, err
}

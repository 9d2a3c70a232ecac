// Package metrics exposes backup and DR test outcomes as Prometheus metrics.
// One-shot runs write them to a node_exporter textfile; the daemon keeps a
// single registry alive across runs.
package metrics

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "server_dr"

// ComponentSample is one backer outcome
type ComponentSample struct {
	OK       bool
	Duration time.Duration
	Size     int64
}

// RunSample is one finished backup run
type RunSample struct {
	Status      string
	Started     time.Time
	Finished    time.Time
	ArchiveSize int64
	Components  map[string]ComponentSample
	Pruned      int
}

// Recorder owns a registry with every server-dr collector
type Recorder struct {
	mu       sync.Mutex
	registry *prometheus.Registry
	textfile string

	runs              *prometheus.CounterVec
	lastRun           *prometheus.GaugeVec
	lastSuccess       prometheus.Gauge
	runDuration       prometheus.Gauge
	archiveSize       prometheus.Gauge
	componentUp       *prometheus.GaugeVec
	componentDuration *prometheus.GaugeVec
	componentSize     *prometheus.GaugeVec
	pruned            prometheus.Counter
	recoveryLast      *prometheus.GaugeVec
	recoveryDuration  prometheus.Gauge
	drtestLast        *prometheus.GaugeVec
	drtestThroughput  prometheus.Gauge
}

// NewRecorder registers every collector. textfile may be empty.
func NewRecorder(textfile string) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		textfile: textfile,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "backup_runs_total",
			Help: "Backup runs by final status.",
		}, []string{"status"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backup_last_run_timestamp_seconds",
			Help: "Finish time of the most recent run, by status.",
		}, []string{"status"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backup_last_success_timestamp_seconds",
			Help: "Finish time of the most recent successful or partial run.",
		}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backup_duration_seconds",
			Help: "Wall time of the most recent run.",
		}),
		archiveSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backup_archive_size_bytes",
			Help: "Size of the most recent archive.",
		}),
		componentUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backup_component_success",
			Help: "1 when the component was captured in the most recent run.",
		}, []string{"component"}),
		componentDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backup_component_duration_seconds",
			Help: "Backer wall time in the most recent run.",
		}, []string{"component"}),
		componentSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backup_component_size_bytes",
			Help: "Staged bytes per component in the most recent run.",
		}, []string{"component"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retention_pruned_total",
			Help: "Archives removed by retention.",
		}),
		recoveryLast: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "recovery_last_session_timestamp_seconds",
			Help: "Finish time of the most recent recovery session, by status.",
		}, []string{"status"}),
		recoveryDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "recovery_duration_seconds",
			Help: "Wall time of the most recent recovery session.",
		}),
		drtestLast: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "drtest_last_run_timestamp_seconds",
			Help: "Finish time of the most recent DR test suite, by status.",
		}, []string{"status"}),
		drtestThroughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "drtest_throughput_mb_per_second",
			Help: "Backup throughput measured by the most recent DR test.",
		}),
	}

	r.registry.MustRegister(
		r.runs, r.lastRun, r.lastSuccess, r.runDuration, r.archiveSize,
		r.componentUp, r.componentDuration, r.componentSize, r.pruned,
		r.recoveryLast, r.recoveryDuration,
		r.drtestLast, r.drtestThroughput,
	)
	return r
}

// Registry exposes the underlying registry, e.g. for an HTTP handler
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// RecordRun updates every backup metric from one run
func (r *Recorder) RecordRun(s RunSample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs.WithLabelValues(s.Status).Inc()
	r.lastRun.WithLabelValues(s.Status).Set(float64(s.Finished.Unix()))
	if s.Status == "success" || s.Status == "partial" {
		r.lastSuccess.Set(float64(s.Finished.Unix()))
		r.archiveSize.Set(float64(s.ArchiveSize))
	}
	if !s.Started.IsZero() && !s.Finished.IsZero() {
		r.runDuration.Set(s.Finished.Sub(s.Started).Seconds())
	}

	for name, c := range s.Components {
		up := 0.0
		if c.OK {
			up = 1
		}
		r.componentUp.WithLabelValues(name).Set(up)
		r.componentDuration.WithLabelValues(name).Set(c.Duration.Seconds())
		r.componentSize.WithLabelValues(name).Set(float64(c.Size))
	}
	if s.Pruned > 0 {
		r.pruned.Add(float64(s.Pruned))
	}
}

// RecordRecovery updates the recovery session metrics
func (r *Recorder) RecordRecovery(status string, started, finished time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recoveryLast.WithLabelValues(status).Set(float64(finished.Unix()))
	r.recoveryDuration.Set(finished.Sub(started).Seconds())
}

// RecordDRTest updates the DR test metrics
func (r *Recorder) RecordDRTest(status string, throughputMBs float64, finished time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drtestLast.WithLabelValues(status).Set(float64(finished.Unix()))
	if throughputMBs > 0 {
		r.drtestThroughput.Set(throughputMBs)
	}
}

// Flush writes the registry to the textfile, when one is configured
func (r *Recorder) Flush() error {
	if r.textfile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.textfile), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(r.textfile, r.registry)
}

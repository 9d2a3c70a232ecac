package components

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"

	"server-dr/internal/config"
	"server-dr/internal/logging"
)

// SnapshotAPI is the part of the Prometheus admin API the monitoring backer uses
type SnapshotAPI interface {
	Snapshot(ctx context.Context, skipHead bool) (v1.SnapshotResult, error)
}

// MonitoringComponent is a tree component that also captures a Prometheus TSDB snapshot
type MonitoringComponent struct {
	*TreeComponent
	dataDir  string
	snapshot SnapshotAPI
}

// NewMonitoringComponent builds the monitoring component; a Prometheus client is created when prometheus_url is set
func NewMonitoringComponent(cfg config.MonitoringConfig, logger *logging.Logger) (*MonitoringComponent, error) {
	m := &MonitoringComponent{
		TreeComponent: NewTreeComponent(Monitoring, cfg.TreeConfig, logger),
		dataDir:       cfg.PrometheusDataDir,
	}
	if cfg.PrometheusURL != "" {
		client, err := api.NewClient(api.Config{Address: cfg.PrometheusURL})
		if err != nil {
			return nil, fmt.Errorf("invalid prometheus_url: %w", err)
		}
		m.snapshot = v1.NewAPI(client)
	}
	return m, nil
}

// SetSnapshotAPI replaces the Prometheus admin client
func (m *MonitoringComponent) SetSnapshotAPI(s SnapshotAPI) {
	m.snapshot = s
}

// Backup takes a TSDB snapshot when configured, then copies the snapshot along with the configured trees
func (m *MonitoringComponent) Backup(ctx context.Context, stagingDir string) ([]string, error) {
	paths := append([]string(nil), m.paths...)

	if m.snapshot != nil {
		snapCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		res, err := m.snapshot.Snapshot(snapCtx, false)
		cancel()

		if err != nil {
			m.logger.WithField("error", err.Error()).Warn("Prometheus snapshot failed, continuing with configured paths")
		} else {
			snapDir := filepath.Join(m.dataDir, "snapshots", res.Name)
			m.logger.WithField("snapshot", snapDir).Info("Prometheus snapshot created")
			paths = append(paths, snapDir)
			defer func() {
				if err := os.RemoveAll(snapDir); err != nil {
					m.logger.WithField("snapshot", snapDir).Warn("Failed to remove Prometheus snapshot")
				}
			}()
		}
	}

	return m.backupPaths(ctx, stagingDir, paths)
}

package recovery

import (
	"context"
	"path/filepath"
	"time"

	"server-dr/internal/archive"
	"server-dr/internal/retention"
	"server-dr/internal/storage"
)

// ArchiveInfo is one archive available for recovery
type ArchiveInfo struct {
	// Ref is what `recover` accepts: a local path or remote:<key>
	Ref       string        `json:"ref"`
	Location  string        `json:"location"`
	Class     string        `json:"class,omitempty"`
	Host      string        `json:"host,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Age       time.Duration `json:"age"`
	Size      int64         `json:"size"`
	Encrypted bool          `json:"encrypted"`
	Expired   bool          `json:"expired"`
}

// List returns the archives held locally and on the remote destination,
// grouped by location and ordered by key.
func (e *Engine) List(ctx context.Context) ([]ArchiveInfo, []string, error) {
	local, err := storage.NewLocalDestination(e.cfg.BackupDir)
	if err != nil {
		return nil, nil, err
	}
	var remote storage.Destination
	if e.dest != nil {
		remote = e.dest
	}

	pruner := retention.NewPruner(retention.PolicyFromConfig(e.cfg.Retention), local, remote, e.logger)
	decisions, errs := pruner.Evaluate(ctx)

	out := make([]ArchiveInfo, 0, len(decisions))
	for _, d := range decisions {
		info := ArchiveInfo{
			Location: d.Location,
			Class:    d.Class,
			Age:      d.Age,
			Size:     d.Size,
			Expired:  d.Expired,
		}
		if d.Location == retention.LocationRemote {
			info.Ref = RemotePrefix + d.Key
		} else {
			info.Ref = filepath.Join(e.cfg.BackupDir, filepath.FromSlash(d.Key))
		}
		if n, ok := archive.ParseName(d.Key); ok {
			info.Host = n.Host
			info.Timestamp = n.Timestamp
			info.Encrypted = n.Encrypted
		}
		out = append(out, info)
	}
	return out, errs, nil
}

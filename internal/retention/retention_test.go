package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"server-dr/internal/archive"
	"server-dr/internal/config"
	"server-dr/internal/storage"
)

var fixedNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func placeArchive(t *testing.T, root, class string, age time.Duration, runID string) string {
	t.Helper()
	name := archive.Name("web01", fixedNow.Add(-age), runID, archive.CompressionZstd, false)
	key := name
	if class != "" {
		key = class + "/" + name
	}
	p := filepath.Join(root, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("archive"), 0o600))
	return key
}

func newPruner(t *testing.T, policy Policy, local, remote storage.Destination) *Pruner {
	p := NewPruner(policy, local, remote, nil)
	p.now = func() time.Time { return fixedNow }
	return p
}

func TestPolicyLifetime(t *testing.T) {
	policy := PolicyFromConfig(config.RetentionConfig{
		Days:    30,
		Classes: map[string]int{"daily": 7, "weekly/": 28, "weekly/db": 90},
	})

	tests := []struct {
		key       string
		wantDays  int
		wantClass string
	}{
		{"daily/backup_x.tar.zst", 7, "daily"},
		{"weekly/backup_x.tar.zst", 28, "weekly"},
		{"weekly/db/backup_x.tar.zst", 90, "weekly/db"},
		{"dailyish/backup_x.tar.zst", 30, ""},
		{"backup_x.tar.zst", 30, ""},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			lifetime, class := policy.Lifetime(tt.key)
			assert.Equal(t, time.Duration(tt.wantDays)*24*time.Hour, lifetime)
			assert.Equal(t, tt.wantClass, class)
		})
	}
}

func TestPruneDailyClass(t *testing.T) {
	root := t.TempDir()
	old := placeArchive(t, root, "daily", 8*24*time.Hour, "aaaaaaaa")
	recent := placeArchive(t, root, "daily", 6*24*time.Hour, "bbbbbbbb")

	local, err := storage.NewLocalDestination(root)
	require.NoError(t, err)

	p := newPruner(t, Policy{DefaultDays: 30, Classes: map[string]int{"daily": 7}}, local, nil)
	result := p.Prune(context.Background(), false)

	require.Empty(t, result.Errors)
	require.Len(t, result.Deleted, 1)
	assert.Equal(t, old, result.Deleted[0].Key)
	assert.Equal(t, 1, result.Kept)
	assert.NoFileExists(t, filepath.Join(root, filepath.FromSlash(old)))
	assert.FileExists(t, filepath.Join(root, filepath.FromSlash(recent)))
}

func TestPruneFallsBackToGlobalAndModTime(t *testing.T) {
	root := t.TempDir()
	kept := placeArchive(t, root, "", 20*24*time.Hour, "cccccccc")
	expired := placeArchive(t, root, "", 40*24*time.Hour, "dddddddd")

	manual := filepath.Join(root, "manual", "pre-upgrade.tar.gz")
	require.NoError(t, os.MkdirAll(filepath.Dir(manual), 0o755))
	require.NoError(t, os.WriteFile(manual, []byte("x"), 0o600))
	stale := fixedNow.Add(-45 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(manual, stale, stale))

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("keep me"), 0o600))

	local, err := storage.NewLocalDestination(root)
	require.NoError(t, err)

	result := newPruner(t, Policy{DefaultDays: 30}, local, nil).Prune(context.Background(), false)
	var deleted []string
	for _, d := range result.Deleted {
		deleted = append(deleted, d.Key)
	}
	assert.ElementsMatch(t, []string{expired, "manual/pre-upgrade.tar.gz"}, deleted)
	assert.FileExists(t, filepath.Join(root, kept))
	assert.FileExists(t, filepath.Join(root, "notes.txt"))
}

func TestPruneDryRunAndRemote(t *testing.T) {
	localRoot, remoteRoot := t.TempDir(), t.TempDir()
	localKey := placeArchive(t, localRoot, "daily", 10*24*time.Hour, "eeeeeeee")
	remoteKey := placeArchive(t, remoteRoot, "daily", 10*24*time.Hour, "ffffffff")

	local, err := storage.NewLocalDestination(localRoot)
	require.NoError(t, err)
	remote, err := storage.NewLocalDestination(remoteRoot)
	require.NoError(t, err)

	p := newPruner(t, Policy{DefaultDays: 30, Classes: map[string]int{"daily": 7}}, local, remote)

	dry := p.Prune(context.Background(), true)
	require.Len(t, dry.Deleted, 2)
	assert.True(t, dry.DryRun)
	assert.FileExists(t, filepath.Join(localRoot, filepath.FromSlash(localKey)))
	assert.FileExists(t, filepath.Join(remoteRoot, filepath.FromSlash(remoteKey)))

	applied := p.Prune(context.Background(), false)
	require.Len(t, applied.Deleted, 2)
	assert.Equal(t, "local", applied.Deleted[0].Location)
	assert.Equal(t, "remote", applied.Deleted[1].Location)
	assert.Equal(t, int64(14), applied.FreedBytes)
	assert.NoFileExists(t, filepath.Join(remoteRoot, filepath.FromSlash(remoteKey)))
}

package components

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"server-dr/internal/config"
	"server-dr/internal/execution"
)

// fakeRedis scripts redis-cli: BGSAVE rewrites the dump and advances LASTSAVE after savesAfter polls
func fakeRedis(t *testing.T, dumpPath string, savesAfter int32) (*execution.FakeRunner, *int32) {
	t.Helper()
	runner := execution.NewFakeRunner()
	var lastSave int64 = 1700000000
	var polls int32
	var saving int32

	runner.Handle("redis-cli", func(ctx context.Context, cmd execution.Command) (*execution.Result, error) {
		switch cmd.Args[len(cmd.Args)-1] {
		case "LASTSAVE":
			if atomic.LoadInt32(&saving) == 1 && atomic.AddInt32(&polls, 1) > savesAfter {
				if err := os.WriteFile(dumpPath, []byte("REDIS0011-new"), 0o644); err != nil {
					return nil, err
				}
				atomic.StoreInt32(&saving, 0)
				atomic.AddInt64(&lastSave, 10)
			}
			return &execution.Result{Stdout: []byte("(integer) " + strconv.FormatInt(atomic.LoadInt64(&lastSave), 10) + "\n")}, nil
		case "BGSAVE":
			atomic.StoreInt32(&saving, 1)
			return &execution.Result{Stdout: []byte("Background saving started\n")}, nil
		case "PING":
			return &execution.Result{Stdout: []byte("PONG\n")}, nil
		}
		return &execution.Result{Stdout: []byte("(error) ERR unknown command\n")}, nil
	})
	return runner, &polls
}

func cacheConfig(dumpPath string) config.CacheConfig {
	return config.CacheConfig{
		Enabled:         true,
		CLI:             "redis-cli",
		Host:            "127.0.0.1",
		Port:            6379,
		Password:        "hunter2",
		DumpPath:        dumpPath,
		SnapshotTimeout: 2 * time.Second,
		PollInterval:    5 * time.Millisecond,
	}
}

func TestCacheBackupWaitsForSnapshot(t *testing.T) {
	dumpPath := filepath.Join(t.TempDir(), "dump.rdb")
	require.NoError(t, os.WriteFile(dumpPath, []byte("REDIS0011-old"), 0o644))
	runner, polls := fakeRedis(t, dumpPath, 3)

	comp := NewCacheComponent(cacheConfig(dumpPath), runner, nil)
	comp.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	staging := t.TempDir()
	artifacts, err := comp.Backup(context.Background(), staging)
	require.NoError(t, err)
	assert.Equal(t, []string{"dump_20250102T030405Z.rdb"}, artifacts)
	assert.GreaterOrEqual(t, atomic.LoadInt32(polls), int32(4))

	data, err := os.ReadFile(filepath.Join(staging, artifacts[0]))
	require.NoError(t, err)
	assert.Equal(t, "REDIS0011-new", string(data))

	for _, call := range runner.CallsTo("redis-cli") {
		assert.Equal(t, []string{"REDISCLI_AUTH=hunter2"}, call.Env)
		assert.NotContains(t, strings.Join(call.Args, " "), "hunter2")
	}
}

func TestCacheBackupTimesOut(t *testing.T) {
	dumpPath := filepath.Join(t.TempDir(), "dump.rdb")
	require.NoError(t, os.WriteFile(dumpPath, []byte("old"), 0o644))
	runner, _ := fakeRedis(t, dumpPath, 1<<30)

	cfg := cacheConfig(dumpPath)
	cfg.SnapshotTimeout = 30 * time.Millisecond
	comp := NewCacheComponent(cfg, runner, nil)

	_, err := comp.Backup(context.Background(), t.TempDir())
	assert.ErrorContains(t, err, "did not complete")
}

func TestCacheBackupServerError(t *testing.T) {
	runner := execution.NewFakeRunner()
	runner.Output("redis-cli", "(error) NOAUTH Authentication required.")
	comp := NewCacheComponent(cacheConfig("/nonexistent"), runner, nil)

	_, err := comp.Backup(context.Background(), t.TempDir())
	assert.ErrorContains(t, err, "NOAUTH")
}

func TestCacheRestoreRenamesAside(t *testing.T) {
	live := filepath.Join(t.TempDir(), "dump.rdb")
	require.NoError(t, os.WriteFile(live, []byte("corrupted"), 0o644))

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "dump_20250101T000000Z.rdb"), []byte("older"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "dump_20250102T000000Z.rdb"), []byte("good"), 0o600))

	runner, _ := fakeRedis(t, live, 0)
	comp := NewCacheComponent(cacheConfig(live), runner, nil)

	target := RestoreTarget{AsideSuffix: ".pre-restore-x", FileMode: 0o640}
	result, err := comp.Restore(context.Background(), src, target)
	require.NoError(t, err)

	data, _ := os.ReadFile(live)
	assert.Equal(t, "good", string(data))
	aside, _ := os.ReadFile(live + ".pre-restore-x")
	assert.Equal(t, "corrupted", string(aside))
	assert.NotEmpty(t, result.Warnings)

	for _, c := range comp.Verify(context.Background(), target, result) {
		assert.True(t, c.Passed, c.Message)
	}
}

func TestCachePreflight(t *testing.T) {
	runner, _ := fakeRedis(t, "/nonexistent", 0)
	comp := NewCacheComponent(cacheConfig("/nonexistent"), runner, nil)
	assert.NoError(t, comp.Preflight(context.Background()))

	auth := execution.NewFakeRunner()
	auth.Output("redis-cli", "(error) NOAUTH Authentication required.")
	assert.ErrorContains(t, NewCacheComponent(cacheConfig("/nonexistent"), auth, nil).Preflight(context.Background()), "NOAUTH")

	missing := NewCacheComponent(cacheConfig("/nonexistent"), execution.NewFakeRunner(), nil)
	assert.ErrorContains(t, missing.Preflight(context.Background()), "executable file not found")
}

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "server-dr/internal/errors"
)

func quickOptions() Options {
	return Options{
		RunID:      "run-1",
		StaleAfter: time.Hour,
		Retry: apperrors.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2,
		},
	}
}

// deadPID returns the PID of a process that has already exited and been reaped
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func writeOwner(t *testing.T, path string, owner Owner) {
	t.Helper()
	data, err := json.Marshal(owner)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, '\n'), 0o644))
}

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "backup.lock")

	h, err := Acquire(context.Background(), path, quickOptions())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), h.Owner().PID)

	owner, alive, err := Holder(path)
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Equal(t, "run-1", owner.RunID)

	require.NoError(t, h.Release())
	require.NoError(t, h.Release())
	assert.NoFileExists(t, path)
}

func TestAcquireReclaimsDeadOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.lock")
	host, _ := os.Hostname()
	dead := deadPID(t)
	writeOwner(t, path, Owner{PID: dead, Host: host, AcquiredAt: time.Now().UTC()})

	opts := quickOptions()
	opts.Retry.MaxAttempts = 1

	h, err := Acquire(context.Background(), path, opts)
	require.NoError(t, err, "a lock held by a dead process is reclaimed on the first attempt")
	defer h.Release()

	owner, _, err := Holder(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), owner.PID)

	matches, _ := filepath.Glob(path + ".stale.*")
	assert.Empty(t, matches)
}

func TestAcquireReclaimsBarePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.lock")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(deadPID(t))+"\n"), 0o644))

	h, err := Acquire(context.Background(), path, quickOptions())
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func TestAcquireReclaimsExpiredLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.lock")
	host, _ := os.Hostname()
	writeOwner(t, path, Owner{PID: os.Getppid(), Host: host, AcquiredAt: time.Now().Add(-2 * time.Hour).UTC()})

	h, err := Acquire(context.Background(), path, quickOptions())
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func TestAcquireContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.lock")
	host, _ := os.Hostname()
	writeOwner(t, path, Owner{PID: os.Getppid(), Host: host, AcquiredAt: time.Now().UTC()})

	start := time.Now()
	_, err := Acquire(context.Background(), path, quickOptions())
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrContention))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeLockContention))
	assert.Less(t, time.Since(start), time.Second)

	// the foreign lock is left untouched
	owner, _, err := Holder(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getppid(), owner.PID)
}

func TestAcquireRemoteHostIsNotProbed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.lock")
	writeOwner(t, path, Owner{PID: deadPID(t), Host: "some-other-host", AcquiredAt: time.Now().UTC()})

	opts := quickOptions()
	opts.Retry.MaxAttempts = 1
	_, err := Acquire(context.Background(), path, opts)
	assert.ErrorIs(t, err, ErrContention)
}

func TestAcquireContextCanceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.lock")
	host, _ := os.Hostname()
	writeOwner(t, path, Owner{PID: os.Getppid(), Host: host, AcquiredAt: time.Now().UTC()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Acquire(ctx, path, quickOptions())
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInterruption))
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.lock")
	opts := quickOptions()
	opts.Retry.MaxAttempts = 1

	const n = 8
	var wins int32
	var wg sync.WaitGroup
	handles := make(chan *Handle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := Acquire(context.Background(), path, opts)
			if err == nil {
				atomic.AddInt32(&wins, 1)
				handles <- h
				return
			}
			assert.ErrorIs(t, err, ErrContention)
		}()
	}
	wg.Wait()
	close(handles)

	assert.Equal(t, int32(1), wins)
	for h := range handles {
		require.NoError(t, h.Release())
	}
}

func TestReleaseLeavesForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.lock")
	h, err := Acquire(context.Background(), path, quickOptions())
	require.NoError(t, err)

	writeOwner(t, path, Owner{PID: 1, Host: "elsewhere"})
	require.NoError(t, h.Release())
	assert.FileExists(t, path)
}

func TestReclaimKeepsLockReplacedAfterInspection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.lock")
	writeOwner(t, path, Owner{PID: deadPID(t), Host: "h"})
	observed, err := os.ReadFile(path)
	require.NoError(t, err)

	// another process reclaimed and re-acquired before we got to it
	fresh, err := Acquire(context.Background(), path+".other", quickOptions())
	require.NoError(t, err)
	defer fresh.Release()
	replacement, err := os.ReadFile(path + ".other")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, replacement, 0o644))

	opts := quickOptions()
	opts.setDefaults()
	assert.False(t, reclaim(path, observed, opts))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, replacement, data, "the live replacement is never moved")
	assert.NoFileExists(t, path+".reclaim")
}

func TestReclaimGuard(t *testing.T) {
	tests := []struct {
		name     string
		guardAge time.Duration
	}{
		{"held guard blocks reclaim", 0},
		{"abandoned guard is cleared", 2 * guardTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "backup.lock")
			writeOwner(t, path, Owner{PID: deadPID(t), Host: "h"})
			observed, err := os.ReadFile(path)
			require.NoError(t, err)

			guard := path + ".reclaim"
			require.NoError(t, os.WriteFile(guard, []byte("1\n"), 0o644))
			stamp := time.Now().Add(-tt.guardAge)
			require.NoError(t, os.Chtimes(guard, stamp, stamp))

			opts := quickOptions()
			opts.setDefaults()
			assert.False(t, reclaim(path, observed, opts))
			assert.FileExists(t, path)

			if tt.guardAge > guardTTL {
				assert.NoFileExists(t, guard)
				assert.True(t, reclaim(path, observed, opts), "the next attempt takes the cleared guard")
				assert.NoFileExists(t, path)
			} else {
				assert.FileExists(t, guard)
			}
		})
	}
}

func TestRegistrySweepsDeadEntries(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "backup.lock")
	reg := NewRegistry(lockPath)

	entry, err := reg.Register("run-1")
	require.NoError(t, err)

	runs := filepath.Join(filepath.Dir(lockPath), "runs")
	dead := deadPID(t)
	require.NoError(t, os.WriteFile(filepath.Join(runs, strconv.Itoa(dead)+".pid"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(runs, strconv.Itoa(os.Getppid())+".pid"), nil, 0o644))

	live, err := reg.Live()
	require.NoError(t, err)
	assert.Equal(t, []int{os.Getppid()}, live)
	assert.NoFileExists(t, filepath.Join(runs, strconv.Itoa(dead)+".pid"))

	require.NoError(t, entry.Remove())
	assert.NoFileExists(t, filepath.Join(runs, strconv.Itoa(os.Getpid())+".pid"))
}

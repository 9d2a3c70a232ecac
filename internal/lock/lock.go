package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"server-dr/internal/config"
	apperrors "server-dr/internal/errors"
	"server-dr/internal/logging"
)

// ErrContention is the cause of every lock contention error returned by Acquire
var ErrContention = errors.New("run lock contention")

// Owner is the identity written into a held lock file
type Owner struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	RunID      string    `json:"run_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Options controls staleness and retry behaviour
type Options struct {
	RunID      string
	StaleAfter time.Duration
	Retry      apperrors.RetryConfig
	Logger     *logging.Logger

	now   func() time.Time
	alive func(pid int) bool
}

// OptionsFromConfig maps the lock section of the configuration
func OptionsFromConfig(cfg config.LockConfig, runID string, logger *logging.Logger) Options {
	return Options{
		RunID:      runID,
		StaleAfter: cfg.StaleAfter,
		Retry: apperrors.RetryConfig{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			Multiplier:  cfg.Multiplier,
		},
		Logger: logger,
	}
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = logging.NewNopLogger()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.alive == nil {
		o.alive = processAlive
	}
}

// Handle is a held run lock. Release is safe to call more than once.
type Handle struct {
	path    string
	owner   Owner
	content []byte
	logger  *logging.Logger
	once    sync.Once
	err     error
}

// Path returns the lock file path
func (h *Handle) Path() string { return h.path }

// Owner returns the identity recorded in the lock file
func (h *Handle) Owner() Owner { return h.owner }

// Release removes the lock file if it still belongs to this handle
func (h *Handle) Release() error {
	h.once.Do(func() {
		for i := 0; i < releaseAttempts; i++ {
			if withGuard(h.path, time.Now, h.release) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		h.logger.WithField("lock_path", h.path).Warn("Reclaim guard busy; releasing run lock without it")
		h.release()
	})
	return h.err
}

const releaseAttempts = 100

func (h *Handle) release() {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if !os.IsNotExist(err) {
			h.err = fmt.Errorf("failed to read lock %s: %w", h.path, err)
		}
		return
	}
	if !bytes.Equal(data, h.content) {
		h.logger.WithField("lock_path", h.path).Warn("Run lock was taken over by another process; leaving it in place")
		return
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		h.err = fmt.Errorf("failed to remove lock %s: %w", h.path, err)
		return
	}
	h.logger.LogLockEvent(h.path, "released", h.owner.PID)
}

// Acquire takes the run lock at path. Stale locks (dead owner, or older than
// StaleAfter) are reclaimed immediately; a live owner causes retries with
// exponential backoff and finally a lock_contention error wrapping ErrContention.
func Acquire(ctx context.Context, path string, opts Options) (*Handle, error) {
	opts.setDefaults()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypePermission,
			fmt.Sprintf("cannot create lock directory for %s", path), err)
	}

	retry := apperrors.NewRetryHandler(opts.Retry)
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		opts.Logger.WithFields(map[string]interface{}{
			"lock_path": path,
			"attempt":   attempt,
			"delay":     delay.String(),
		}).Info("Run lock busy, backing off")
	}

	var handle *Handle
	err := retry.Retry(ctx, func() error {
		h, err := tryAcquire(path, opts)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func tryAcquire(path string, opts Options) (*Handle, error) {
	host, _ := os.Hostname()
	owner := Owner{PID: os.Getpid(), Host: host, RunID: opts.RunID, AcquiredAt: opts.now().UTC()}
	content, err := json.Marshal(owner)
	if err != nil {
		return nil, err
	}
	content = append(content, '\n')

	// at most one reclaim per attempt
	for reclaimed := false; ; reclaimed = true {
		err := createExclusive(path, content)
		if err == nil {
			opts.Logger.LogLockEvent(path, "acquired", owner.PID)
			return &Handle{path: path, owner: owner, content: content, logger: opts.Logger}, nil
		}
		if !os.IsExist(err) {
			return nil, apperrors.NewAppError(apperrors.ErrorTypePermission,
				fmt.Sprintf("cannot create lock %s", path), err)
		}

		observed, current, stale := inspect(path, opts)
		if observed == nil {
			// lock disappeared between create and read
			if reclaimed {
				break
			}
			continue
		}
		if !stale || reclaimed {
			opts.Logger.LogLockEvent(path, "contention", current.PID)
			return nil, contention(path, current.PID)
		}

		if !reclaim(path, observed, opts) {
			opts.Logger.LogLockEvent(path, "contention", current.PID)
			return nil, contention(path, current.PID)
		}
		opts.Logger.LogLockEvent(path, "stale_reclaimed", current.PID)
	}
	return nil, contention(path, 0)
}

func contention(path string, pid int) error {
	err := apperrors.NewLockContentionError(path, pid)
	err.Cause = ErrContention
	return err
}

func createExclusive(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// inspect reads the current lock and decides whether it is stale. A nil
// content result means the lock no longer exists.
func inspect(path string, opts Options) ([]byte, Owner, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, Owner{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Owner{}, false
	}

	owner, parsed := parseOwner(data)
	age := opts.now().Sub(info.ModTime())
	if !parsed {
		// a writer may still be between create and write
		return data, owner, opts.StaleAfter > 0 && age > opts.StaleAfter
	}
	if !owner.AcquiredAt.IsZero() {
		age = opts.now().Sub(owner.AcquiredAt)
	}

	if opts.StaleAfter > 0 && age > opts.StaleAfter {
		return data, owner, true
	}

	host, _ := os.Hostname()
	if owner.Host != "" && owner.Host != host {
		// PIDs from another host cannot be probed
		return data, owner, false
	}
	return data, owner, !opts.alive(owner.PID)
}

func parseOwner(data []byte) (Owner, bool) {
	var owner Owner
	if err := json.Unmarshal(data, &owner); err == nil && owner.PID > 0 {
		return owner, true
	}
	// bare PID files written by older tooling
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 0 {
		return Owner{PID: pid}, true
	}
	return Owner{}, false
}

// guardTTL bounds how long a crashed holder of the reclaim guard blocks others
const guardTTL = time.Minute

// withGuard runs fn while holding <path>.reclaim. Only guard holders remove
// the lock file, so its content cannot change under fn.
func withGuard(path string, now func() time.Time, fn func()) bool {
	guard := path + ".reclaim"
	if err := createExclusive(guard, []byte(strconv.Itoa(os.Getpid())+"\n")); err != nil {
		if info, serr := os.Stat(guard); serr == nil && now().Sub(info.ModTime()) > guardTTL {
			os.Remove(guard)
		}
		return false
	}
	defer os.Remove(guard)
	fn()
	return true
}

// reclaim removes a stale lock if it still holds the observed content
func reclaim(path string, observed []byte, opts Options) bool {
	removed := false
	withGuard(path, opts.now, func() {
		data, err := os.ReadFile(path)
		if err != nil || !bytes.Equal(data, observed) {
			return
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			opts.Logger.WithField("lock_path", path).WithError(err).Warn("Failed to remove stale run lock")
			return
		}
		removed = true
	})
	return removed
}

// Holder reports the owner of the lock at path, if any
func Holder(path string) (*Owner, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	owner, ok := parseOwner(data)
	if !ok {
		return nil, true, nil
	}
	return &owner, processAlive(owner.PID), nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

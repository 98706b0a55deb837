package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/agentworkforce/chatvault/internal/chatvault"
)

const tickLockRetryDelay = 100 * time.Millisecond

// InstanceLock is the exclusive per-installation daemon lock. The lock file
// carries the holder's pid for status and stop.
type InstanceLock struct {
	path string
	lock *flock.Flock
}

func AcquireInstanceLock(path string) (*InstanceLock, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: lock path is required", chatvault.ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		if pid, err := ReadLockPID(path); err == nil && pid > 0 {
			return nil, fmt.Errorf("%w (pid %d)", chatvault.ErrAlreadyRunning, pid)
		}
		return nil, chatvault.ErrAlreadyRunning
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("record pid: %w", err)
	}
	return &InstanceLock{path: path, lock: lock}, nil
}

func (l *InstanceLock) Path() string {
	return l.path
}

// Release clears the recorded pid and drops the lock.
func (l *InstanceLock) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	truncErr := os.Truncate(l.path, 0)
	if errors.Is(truncErr, os.ErrNotExist) {
		truncErr = nil
	}
	return errors.Join(truncErr, l.lock.Unlock())
}

// ReadLockPID returns the pid recorded in a lock file, or 0 when none is.
func ReadLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("lock file %s: %w", path, err)
	}
	return pid, nil
}

// lockHeld reports whether some process currently holds the lock at path.
func lockHeld(path string) (bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	other := flock.New(path)
	locked, err := other.TryLock()
	if err != nil {
		return false, err
	}
	if locked {
		_ = other.Unlock()
		return false, nil
	}
	return true, nil
}

// WithTickLock runs fn while holding the cross-process tick lock, waiting for
// a running tick in another process to finish first.
func WithTickLock(ctx context.Context, path string, fn func() error) error {
	if strings.TrimSpace(path) == "" {
		return fn()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	lock := flock.New(path)
	locked, err := lock.TryLockContext(ctx, tickLockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire tick lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire tick lock: %s busy", path)
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}

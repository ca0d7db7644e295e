package page

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// Lease grants exclusive ownership of the automation resource. A second
// Acquire while the lease is held, in this process or another one sharing
// the same lock directory, fails with ErrBusy instead of waiting.
type Lease struct {
	mu     sync.Mutex
	held   bool
	owner  string
	path   string
	logger *slog.Logger
}

// NewLease returns a Lease whose cross-process lock file lives in dir. An
// empty dir restricts the lease to this process.
func NewLease(dir string, logger *slog.Logger) *Lease {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lease{logger: logger.With("component", "lease")}
	if dir != "" {
		l.path = filepath.Join(dir, "capwatch.lock")
	}
	return l
}

// Acquire takes the lease for owner. The returned release func is
// idempotent.
func (l *Lease) Acquire(owner string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil, fmt.Errorf("%w: held by %s", ErrBusy, l.owner)
	}
	if l.path != "" {
		if err := l.lockFile(); err != nil {
			return nil, err
		}
	}
	l.held = true
	l.owner = owner

	var once sync.Once
	return func() { once.Do(l.release) }, nil
}

// Owner reports the current holder, or "" when free.
func (l *Lease) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

func (l *Lease) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path != "" {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("removing lock file", "path", l.path, "error", err)
		}
	}
	l.held = false
	l.owner = ""
}

func (l *Lease) lockFile() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.path)
				return fmt.Errorf("writing lock file: %w", errors.Join(werr, cerr))
			}
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("creating lock file: %w", err)
		}

		pid, alive := l.holder()
		if alive {
			return fmt.Errorf("%w: pid %d", ErrBusy, pid)
		}
		l.logger.Warn("reclaiming stale lock file", "path", l.path, "pid", pid)
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing stale lock file: %w", err)
		}
	}
	return fmt.Errorf("%w: lock file contended", ErrBusy)
}

// holder reads the PID in the lock file and reports whether it is running.
// An unreadable file counts as stale.
func (l *Lease) holder() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if pid == os.Getpid() {
		return pid, true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	return pid, proc.Signal(syscall.Signal(0)) == nil
}

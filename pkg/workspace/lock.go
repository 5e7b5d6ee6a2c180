package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
)

// lockFileName is the exclusive lock file created under the models
// root. Pipeline runs against the same root must be serialized; the
// fetch checkout and per-precision conversion outputs are shared
// mutable state with no finer-grained locking.
const lockFileName = ".enginectl.lock"

// ErrWorkspaceLocked indicates another pipeline run holds the
// workspace lock.
var ErrWorkspaceLocked = errors.New("workspace is locked by another run")

// Lock is a held workspace lock. Release it on every exit path.
type Lock struct {
	path string
}

// Acquire takes the exclusive workspace lock, creating the models root
// if needed. A lock file naming a process that no longer exists is
// considered stale and taken over.
func (l Layout) Acquire(log *logrus.Entry) (*Lock, error) {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating models root %s: %w", l.root, err)
	}
	path := filepath.Join(l.root, lockFileName)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("writing lock file %s: %w", path, errors.Join(werr, cerr))
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file %s: %w", path, err)
		}
		holder, stale := lockHolder(path)
		if !stale {
			return nil, fmt.Errorf("%w (pid %d, lock file %s)", ErrWorkspaceLocked, holder, path)
		}
		log.Warnf("Removing stale workspace lock %s (holder no longer running)", path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale lock file %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("%w (lock file %s)", ErrWorkspaceLocked, path)
}

// Release removes the lock file.
func (lk *Lock) Release() error {
	if err := os.Remove(lk.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing workspace lock %s: %w", lk.path, err)
	}
	return nil
}

// Path returns the lock file path.
func (lk *Lock) Path() string {
	return lk.path
}

// lockHolder reads the pid recorded in the lock file and reports
// whether the lock is stale. Unreadable or garbled lock files are
// treated as stale.
func lockHolder(path string) (pid int, stale bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, true
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, true
	}
	return pid, !processAlive(pid)
}

// processAlive probes a pid with signal 0. Permission errors count as
// alive: the process exists, it just is not ours.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return false
	}
	return true
}

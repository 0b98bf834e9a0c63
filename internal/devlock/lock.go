// Package devlock keeps a single dev server running per project.
package devlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Iron-Ham/oxyrun/internal/logging"
)

// FileName is the name of the lock file inside the lock directory.
const FileName = "dev.lock"

// ErrLocked is returned when another live dev server holds the lock.
var ErrLocked = errors.New("a dev server is already running for this project")

// Lock is a held dev server lock.
type Lock struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	Root      string    `json:"root"`
	StartedAt time.Time `json:"started_at"`

	path   string
	logger *logging.Logger
}

// Acquire takes the lock in dir for the project at root. A lock left by a
// process that no longer runs is replaced.
func Acquire(dir, root string, logger *logging.Logger) (*Lock, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithComponent("devlock")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := filepath.Join(dir, FileName)

	if held, err := readFile(path); err == nil {
		if alive(held.PID) {
			return nil, held.lockedError()
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
		logger.Warn("stale lock removed", "old_pid", held.PID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	l := &Lock{
		PID:       os.Getpid(),
		Hostname:  hostname,
		Root:      root,
		StartedAt: time.Now(),
		path:      path,
		logger:    logger,
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode lock: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			if held, readErr := readFile(path); readErr == nil {
				return nil, held.lockedError()
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	logger.Debug("lock acquired", "pid", l.PID)
	return l, nil
}

// Release removes the lock file if it still belongs to this process.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	held, err := readFile(l.path)
	if err != nil || held.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	l.logger.Debug("lock released")
	return nil
}

// Read returns the lock in dir and whether its process is alive.
func Read(dir string) (*Lock, bool, error) {
	l, err := readFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, false, err
	}
	return l, alive(l.PID), nil
}

func readFile(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	l.path = path
	return &l, nil
}

func (l *Lock) lockedError() error {
	return fmt.Errorf("%w (PID %d on %s since %s)",
		ErrLocked, l.PID, l.Hostname, l.StartedAt.Format(time.Kitchen))
}

// alive reports whether pid names a running process. Signal 0 probes
// without delivering anything.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

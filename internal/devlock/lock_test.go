package devlock

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLock(t *testing.T, dir string, pid int) {
	t.Helper()
	data, err := json.Marshal(Lock{PID: pid, Hostname: "ci", StartedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".oxyrun")

	l, err := Acquire(dir, "/srv/shop", nil)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	held, ok, err := Read(dir)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !ok || held.PID != os.Getpid() || held.Root != "/srv/shop" {
		t.Errorf("Read() = %+v, alive %v", held, ok)
	}

	if _, err := Acquire(dir, "/srv/shop", nil); !errors.Is(err, ErrLocked) {
		t.Errorf("second Acquire() error = %v, want ErrLocked", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !os.IsNotExist(err) {
		t.Errorf("lock file still present: %v", err)
	}
}

func TestAcquire_StaleLock(t *testing.T) {
	dir := t.TempDir()
	// PIDs are far below this on every test host.
	writeLock(t, dir, 1<<30)

	l, err := Acquire(dir, "/srv/shop", nil)
	if err != nil {
		t.Fatalf("Acquire() over a stale lock error = %v", err)
	}
	defer l.Release()
	if l.PID != os.Getpid() {
		t.Errorf("PID = %d", l.PID)
	}
}

func TestRelease_ForeignLock(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, "/srv/shop", nil)
	if err != nil {
		t.Fatal(err)
	}
	writeLock(t, dir, os.Getppid())

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		t.Errorf("foreign lock was removed: %v", err)
	}
}

func TestNilRelease(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

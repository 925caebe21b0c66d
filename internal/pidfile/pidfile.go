package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("another instance is already running")

// PIDFile is an flock(2)-held PID file. The lock lives as long as the file
// descriptor, so a crashed daemon never leaves a stale lock behind.
type PIDFile struct {
	path string
	pid  int
	f    *os.File
}

// New locks path and writes the current PID into it.
func New(path string) (*PIDFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create PID directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open PID file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid, rerr := ReadPID(path); rerr == nil {
				return nil, fmt.Errorf("%w (PID %d)", ErrLocked, pid)
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock PID file: %w", err)
	}

	currentPID := os.Getpid()
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate PID file: %w", err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", currentPID)), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}

	return &PIDFile{path: path, pid: currentPID, f: f}, nil
}

// Remove deletes the PID file if it still names this process, then releases
// the lock.
func (p *PIDFile) Remove() error {
	if p == nil || p.f == nil {
		return nil
	}
	var err error
	if pid, rerr := ReadPID(p.path); rerr == nil && pid == p.pid {
		err = os.Remove(p.path)
	}
	_ = unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	p.f.Close()
	p.f = nil
	return err
}

// ReadPID returns the PID recorded in path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", path, err)
	}
	return pid, nil
}

// Running reports the PID recorded in path and whether that process is
// alive.
func Running(path string) (int, bool) {
	pid, err := ReadPID(path)
	if err != nil {
		return 0, false
	}
	return pid, isProcessRunning(pid)
}

// isProcessRunning checks if a process with the given PID is running
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix systems, FindProcess always succeeds, so we need to actually check
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.EPERM) {
		// Process exists but we don't have permission to signal it
		return true
	}
	return false
}

// PathFor returns <runtimeDir>/<appName>.pid.
func PathFor(runtimeDir, appName string) string {
	return filepath.Join(runtimeDir, appName+".pid")
}

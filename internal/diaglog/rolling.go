package diaglog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// rollingWriter is an append-only file that shifts itself to numbered
// backups (path.1 newest, path.N oldest) once it would grow past limit.
type rollingWriter struct {
	mu      sync.Mutex
	path    string
	limit   int64
	backups int

	f       *os.File
	written int64
	rolls   int
}

func newRollingWriter(path string, limit int64, backups int) (*rollingWriter, error) {
	if backups < 1 {
		backups = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	rw := &rollingWriter{path: path, limit: limit, backups: backups}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

// open must be called with mu held or before the writer is shared.
func (rw *rollingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	rw.f, rw.written = f, info.Size()
	return nil
}

func (rw *rollingWriter) backup(n int) string {
	return fmt.Sprintf("%s.%d", rw.path, n)
}

// Write appends p as a unit; a record is never split across files.
func (rw *rollingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.written > 0 && rw.written+int64(len(p)) > rw.limit {
		if err := rw.roll(); err != nil {
			return 0, err
		}
	}
	n, err := rw.f.Write(p)
	rw.written += int64(n)
	if err == nil {
		err = rw.f.Sync()
	}
	return n, err
}

// roll must be called with mu held.
func (rw *rollingWriter) roll() error {
	if err := rw.f.Close(); err != nil {
		return err
	}
	_ = os.Remove(rw.backup(rw.backups))
	for i := rw.backups - 1; i >= 1; i-- {
		if err := os.Rename(rw.backup(i), rw.backup(i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Rename(rw.path, rw.backup(1)); err != nil && !os.IsNotExist(err) {
		return err
	}
	rw.rolls++
	return rw.open()
}

// Rolls counts rotations since the writer was opened.
func (rw *rollingWriter) Rolls() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.rolls
}

func (rw *rollingWriter) close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	_ = rw.f.Sync()
	return rw.f.Close()
}

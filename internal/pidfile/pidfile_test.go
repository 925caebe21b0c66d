package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/tiroq/replaybuf/testutil"
)

func newLocked(t *testing.T) (*PIDFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run", "replaybufd.pid")
	pf, err := New(path)
	testutil.AssertNoError(t, err, "New")
	t.Cleanup(func() { _ = pf.Remove() })
	return pf, path
}

func TestNewWritesOwnPID(t *testing.T) {
	_, path := newLocked(t)

	pid, err := ReadPID(path)
	testutil.AssertNoError(t, err, "ReadPID")
	testutil.AssertEqual(t, os.Getpid(), pid, "PID in file")
}

func TestSecondInstanceIsLocked(t *testing.T) {
	_, path := newLocked(t)

	_, err := New(path)
	testutil.AssertErrorIs(t, err, ErrLocked, "second New")
	testutil.AssertErrorContains(t, err, strconv.Itoa(os.Getpid()), "error names the holder")
}

func TestLeftoverFileIsReused(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"dead pid", "99999\n"},
		{"garbage", "not-a-pid"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "replaybufd.pid")
			testutil.AssertNoError(t, os.WriteFile(path, []byte(tt.contents), 0644), "seed")

			pf, err := New(path)
			testutil.AssertNoError(t, err, "New over leftover file")
			defer pf.Remove()

			pid, err := ReadPID(path)
			testutil.AssertNoError(t, err, "ReadPID")
			testutil.AssertEqual(t, os.Getpid(), pid, "PID rewritten")
		})
	}
}

func TestRemoveReleasesLock(t *testing.T) {
	pf, path := newLocked(t)

	testutil.AssertNoError(t, pf.Remove(), "Remove")
	testutil.AssertFileMissing(t, path, "after Remove")

	again, err := New(path)
	testutil.AssertNoError(t, err, "New after Remove")
	testutil.AssertNoError(t, again.Remove(), "second Remove")
}

func TestRemoveKeepsForeignPID(t *testing.T) {
	pf, path := newLocked(t)

	other := os.Getpid() + 1
	testutil.AssertNoError(t, os.WriteFile(path, []byte(strconv.Itoa(other)+"\n"), 0644), "overwrite")
	_ = pf.Remove()

	pid, err := ReadPID(path)
	testutil.AssertNoError(t, err, "ReadPID")
	testutil.AssertEqual(t, other, pid, "foreign PID untouched")
}

func TestRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replaybufd.pid")
	_, ok := Running(path)
	testutil.AssertFalse(t, ok, "missing file")

	testutil.AssertNoError(t, os.WriteFile(path, []byte("99999\n"), 0644), "seed")
	_, ok = Running(path)
	testutil.AssertFalse(t, ok, "dead pid")

	pf, err := New(path)
	testutil.AssertNoError(t, err, "New")
	defer pf.Remove()
	pid, ok := Running(path)
	testutil.AssertTrue(t, ok, "live daemon")
	testutil.AssertEqual(t, os.Getpid(), pid, "Running pid")
}

func TestPathFor(t *testing.T) {
	testutil.AssertEqual(t, "/run/user/1000/replaybuf/replaybufd.pid",
		PathFor("/run/user/1000/replaybuf", "replaybufd"), "PathFor")
}

func TestIsProcessRunning(t *testing.T) {
	testutil.AssertTrue(t, isProcessRunning(os.Getpid()), "current process")
	testutil.AssertFalse(t, isProcessRunning(99999), "unused pid")
}

package fileutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AvailableBytes reports the free space available to unprivileged users on
// the filesystem holding dir.
func AvailableBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

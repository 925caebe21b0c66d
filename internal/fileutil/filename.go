package fileutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	clipPrefix = "clip_"
	clipLayout = "20060102_150405.000"
)

var extPattern = regexp.MustCompile(`[^a-z0-9]`)

// SanitizeExt lowercases ext, strips a leading dot and anything that is not
// alphanumeric. An empty result falls back to "bin".
func SanitizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	ext = extPattern.ReplaceAllString(ext, "")
	if len(ext) > 8 {
		ext = ext[:8]
	}
	if ext == "" {
		return "bin"
	}
	return ext
}

// ClipFilename builds clip_YYYYMMDD_HHMMSS_mmm.<ext> from the accept time.
func ClipFilename(t time.Time, ext string) string {
	stamp := strings.Replace(t.Format(clipLayout), ".", "_", 1)
	return clipPrefix + stamp + "." + SanitizeExt(ext)
}

// ParseClipTime recovers the accept time encoded by ClipFilename. Names
// without the millisecond field (clip_YYYYMMDD_HHMMSS.ext) are accepted too.
func ParseClipTime(name string) (time.Time, error) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, clipPrefix) {
		return time.Time{}, fmt.Errorf("not a clip name: %q", base)
	}
	stem := strings.TrimPrefix(base, clipPrefix)
	if i := strings.IndexByte(stem, '.'); i >= 0 {
		stem = stem[:i]
	}

	parts := strings.Split(stem, "_")
	switch len(parts) {
	case 2:
		return time.ParseInLocation("20060102_150405", stem, time.Local)
	case 3:
		return time.ParseInLocation(clipLayout, parts[0]+"_"+parts[1]+"."+parts[2], time.Local)
	default:
		return time.Time{}, fmt.Errorf("malformed clip name: %q", base)
	}
}

// RemovePartial deletes a partially written clip. A missing file is not an
// error.
func RemovePartial(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial %s: %w", path, err)
	}
	return nil
}

// HumanSize formats a byte count the way the CLI and logs print it.
func HumanSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

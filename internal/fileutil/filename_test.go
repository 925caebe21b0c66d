package fileutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClipFilename(t *testing.T) {
	at := time.Date(2026, 10, 15, 14, 25, 1, 123_456_789, time.Local)

	tests := []struct {
		ext  string
		want string
	}{
		{"qsp", "clip_20261015_142501_123.qsp"},
		{".QSP", "clip_20261015_142501_123.qsp"},
		{"", "clip_20261015_142501_123.bin"},
		{"m/p4", "clip_20261015_142501_123.mp4"},
	}
	for _, tt := range tests {
		if got := ClipFilename(at, tt.ext); got != tt.want {
			t.Errorf("ClipFilename(%q) = %q, want %q", tt.ext, got, tt.want)
		}
	}
}

func TestClipFilename_DistinctWithinSecond(t *testing.T) {
	base := time.Date(2026, 10, 15, 14, 25, 1, 0, time.Local)
	a := ClipFilename(base, "qsp")
	b := ClipFilename(base.Add(600*time.Millisecond), "qsp")
	if a == b {
		t.Errorf("names collide: %s", a)
	}
}

func TestParseClipTime(t *testing.T) {
	at := time.Date(2026, 10, 15, 14, 25, 1, 123_000_000, time.Local)

	got, err := ParseClipTime("/clips/" + ClipFilename(at, "qsp"))
	if err != nil {
		t.Fatalf("ParseClipTime: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("parsed %v, want %v", got, at)
	}

	legacy, err := ParseClipTime("clip_20261015_142501.qsp")
	if err != nil {
		t.Fatalf("ParseClipTime legacy: %v", err)
	}
	if !legacy.Equal(at.Truncate(time.Second)) {
		t.Errorf("legacy parsed %v", legacy)
	}

	for _, bad := range []string{"video.qsp", "clip_.qsp", "clip_2026_14_25_01.qsp", "clip_nope_x.qsp"} {
		if _, err := ParseClipTime(bad); err == nil {
			t.Errorf("ParseClipTime(%q) succeeded, want error", bad)
		}
	}
}

func TestRemovePartial(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.qsp")
	if err := os.WriteFile(path, []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := RemovePartial(path); err != nil {
		t.Fatalf("RemovePartial: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file still present: %v", err)
	}
	if err := RemovePartial(path); err != nil {
		t.Errorf("second RemovePartial: %v", err)
	}
	if err := RemovePartial(""); err != nil {
		t.Errorf("RemovePartial(\"\"): %v", err)
	}
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{-5, "0 B"},
		{1500, "1.5 kB"},
		{42_000_000, "42 MB"},
	}
	for _, tt := range tests {
		if got := HumanSize(tt.n); got != tt.want {
			t.Errorf("HumanSize(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestAvailableBytes(t *testing.T) {
	free, err := AvailableBytes(t.TempDir())
	if err != nil {
		t.Fatalf("AvailableBytes: %v", err)
	}
	if free == 0 {
		t.Error("expected some free space in the temp dir")
	}

	if _, err := AvailableBytes(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing dir")
	}
}

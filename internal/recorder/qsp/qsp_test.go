package qsp

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tiroq/replaybuf/internal/recorder"
)

func writeClip(t *testing.T, path string, units []recorder.EncodedUnit) {
	t.Helper()
	w, err := Create(path, recorder.EncoderConfig{Width: 320, Height: 240, FPS: 90})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, u := range units {
		if err := w.WriteUnit(u); err != nil {
			t.Fatalf("WriteUnit: %v", err)
		}
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.qsp")
	units := []recorder.EncodedUnit{
		{PTS: 0, KeyFrame: true, Data: []byte("first")},
		{PTS: 11 * time.Millisecond, Data: []byte("second-unit")},
		{PTS: 22 * time.Millisecond, KeyFrame: true, Data: []byte{}},
	}
	writeClip(t, path, units)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	h := r.Header()
	if h.Width != 320 || h.Height != 240 || h.FPS != 90 || h.Units != 3 || h.Version != Version {
		t.Errorf("header = %+v", h)
	}
	if r.Len() != 3 || r.Duration() != 22*time.Millisecond {
		t.Errorf("len=%d duration=%v", r.Len(), r.Duration())
	}
	for i, want := range units {
		got, err := r.Unit(i)
		if err != nil {
			t.Fatalf("Unit(%d): %v", i, err)
		}
		if got.PTS != want.PTS || got.KeyFrame != want.KeyFrame || string(got.Data) != string(want.Data) {
			t.Errorf("unit %d = %+v, want %+v", i, got, want)
		}
	}
	if _, err := r.Unit(3); err == nil {
		t.Error("out of range unit should fail")
	}
}

func TestCreateRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.qsp")
	writeClip(t, path, nil)
	if _, err := Create(path, recorder.EncoderConfig{}); !errors.Is(err, os.ErrExist) {
		t.Fatalf("want ErrExist, got %v", err)
	}
}

func TestUnfinalizedClip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.qsp")
	w, err := Create(path, recorder.EncoderConfig{Width: 8, Height: 8, FPS: 30})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = w.WriteUnit(recorder.EncodedUnit{Data: []byte("abc")})
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := w.WriteUnit(recorder.EncodedUnit{}); !errors.Is(err, recorder.ErrClosed) {
		t.Errorf("write after abort: %v", err)
	}
	if _, err := Open(path); !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("want ErrNotFinalized, got %v", err)
	}
}

func TestChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.qsp")
	writeClip(t, path, []recorder.EncodedUnit{{Data: []byte("payload")}})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[headerLen+unitHeaderLen] ^= 0xff // first payload byte
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if _, err := r.Unit(0); !errors.Is(err, ErrChecksum) {
		t.Fatalf("want ErrChecksum, got %v", err)
	}
}

func TestBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.qsp")
	if err := os.WriteFile(path, make([]byte, 64), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("want ErrBadMagic, got %v", err)
	}
}

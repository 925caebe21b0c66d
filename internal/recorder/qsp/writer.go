package qsp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/tiroq/replaybuf/internal/recorder"
)

// Writer writes units to a new QSPLAY02 file.
type Writer struct {
	path    string
	f       *os.File
	w       *bufio.Writer
	offset  int64
	index   []int64
	first   time.Duration
	last    time.Duration
	closed  bool
	scratch [unitHeaderLen]byte
}

var _ recorder.ContainerWriter = (*Writer)(nil)

// Create opens path exclusively and writes the header. An existing file is
// never overwritten.
func Create(path string, cfg recorder.EncoderConfig) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("qsp: create %s: %w", path, err)
	}
	var hdr [headerLen]byte
	copy(hdr[0:8], Magic)
	binary.LittleEndian.PutUint16(hdr[8:10], Version)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(cfg.Width))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(cfg.Height))
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(cfg.FPS))

	w := bufio.NewWriterSize(f, 256*1024)
	if _, err := w.Write(hdr[:]); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("qsp: write header: %w", err)
	}
	return &Writer{path: path, f: f, w: w, offset: headerLen}, nil
}

func (wr *Writer) Path() string { return wr.path }

// WriteUnit appends u. PTS values are expected to be non-decreasing.
func (wr *Writer) WriteUnit(u recorder.EncodedUnit) error {
	if wr.closed {
		return recorder.ErrClosed
	}
	var flags uint32
	if u.KeyFrame {
		flags |= flagKeyFrame
	}
	h := wr.scratch[:]
	binary.LittleEndian.PutUint64(h[0:8], uint64(u.PTS))
	binary.LittleEndian.PutUint32(h[8:12], flags)
	binary.LittleEndian.PutUint64(h[12:20], xxh3.Hash(u.Data))
	binary.LittleEndian.PutUint32(h[20:24], uint32(len(u.Data)))
	if _, err := wr.w.Write(h); err != nil {
		return fmt.Errorf("qsp: write unit header: %w", err)
	}
	if _, err := wr.w.Write(u.Data); err != nil {
		return fmt.Errorf("qsp: write unit data: %w", err)
	}
	if len(wr.index) == 0 {
		wr.first = u.PTS
	}
	wr.last = u.PTS
	wr.index = append(wr.index, wr.offset)
	wr.offset += unitHeaderLen + int64(len(u.Data))
	return nil
}

// Units returns the number of units written so far.
func (wr *Writer) Units() int { return len(wr.index) }

// Finalize writes the index and trailer, patches the header unit count,
// syncs and closes the file.
func (wr *Writer) Finalize() error {
	if wr.closed {
		return recorder.ErrClosed
	}
	indexOffset := wr.offset
	var b [8]byte
	for _, off := range wr.index {
		binary.LittleEndian.PutUint64(b[:], uint64(off))
		if _, err := wr.w.Write(b[:]); err != nil {
			return fmt.Errorf("qsp: write index: %w", err)
		}
	}
	var tr [trailerLen]byte
	copy(tr[0:8], TrailerMagic)
	binary.LittleEndian.PutUint64(tr[8:16], uint64(indexOffset))
	binary.LittleEndian.PutUint32(tr[16:20], uint32(len(wr.index)))
	binary.LittleEndian.PutUint64(tr[20:28], uint64(wr.last-wr.first))
	if _, err := wr.w.Write(tr[:]); err != nil {
		return fmt.Errorf("qsp: write trailer: %w", err)
	}
	if err := wr.w.Flush(); err != nil {
		return fmt.Errorf("qsp: flush: %w", err)
	}

	var cnt [4]byte
	binary.LittleEndian.PutUint32(cnt[:], uint32(len(wr.index)))
	if _, err := wr.f.WriteAt(cnt[:], countOffset); err != nil {
		return fmt.Errorf("qsp: patch header: %w", err)
	}
	if err := wr.f.Sync(); err != nil {
		return fmt.Errorf("qsp: sync: %w", err)
	}
	wr.closed = true
	if err := wr.f.Close(); err != nil {
		return fmt.Errorf("qsp: close: %w", err)
	}
	return nil
}

// Abort closes the file without finalizing. The caller decides whether to
// remove it.
func (wr *Writer) Abort() error {
	if wr.closed {
		return nil
	}
	wr.closed = true
	_ = wr.w.Flush()
	return wr.f.Close()
}

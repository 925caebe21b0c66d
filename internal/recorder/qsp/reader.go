package qsp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/tiroq/replaybuf/internal/recorder"
)

// Reader provides random access to the units of a finalized clip.
type Reader struct {
	f        *os.File
	header   Header
	index    []int64
	duration time.Duration
}

// Open validates the header and trailer of path and loads the unit index.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("qsp: open: %w", err)
	}
	r, err := newReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(f *os.File) (*Reader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("qsp: stat: %w", err)
	}
	size := info.Size()
	if size < headerLen {
		return nil, ErrTruncated
	}

	var hdr [headerLen]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("qsp: read header: %w", err)
	}
	if !bytes.Equal(hdr[0:8], []byte(Magic)) {
		return nil, ErrBadMagic
	}
	h := Header{
		Version: binary.LittleEndian.Uint16(hdr[8:10]),
		Flags:   binary.LittleEndian.Uint16(hdr[10:12]),
		Width:   int(binary.LittleEndian.Uint32(hdr[12:16])),
		Height:  int(binary.LittleEndian.Uint32(hdr[16:20])),
		FPS:     int(binary.LittleEndian.Uint32(hdr[20:24])),
		Units:   int(binary.LittleEndian.Uint32(hdr[24:28])),
	}

	if size < headerLen+trailerLen {
		return nil, ErrNotFinalized
	}
	var tr [trailerLen]byte
	if _, err := f.ReadAt(tr[:], size-trailerLen); err != nil {
		return nil, fmt.Errorf("qsp: read trailer: %w", err)
	}
	if !bytes.Equal(tr[0:8], []byte(TrailerMagic)) {
		return nil, ErrNotFinalized
	}
	indexOffset := int64(binary.LittleEndian.Uint64(tr[8:16]))
	count := int(binary.LittleEndian.Uint32(tr[16:20]))
	if count != h.Units || indexOffset+int64(count)*8 != size-trailerLen {
		return nil, fmt.Errorf("%w: index does not match header", ErrTruncated)
	}

	raw := make([]byte, count*8)
	if _, err := f.ReadAt(raw, indexOffset); err != nil {
		return nil, fmt.Errorf("qsp: read index: %w", err)
	}
	index := make([]int64, count)
	for i := range index {
		index[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return &Reader{
		f:        f,
		header:   h,
		index:    index,
		duration: time.Duration(binary.LittleEndian.Uint64(tr[20:28])),
	}, nil
}

// Header returns the clip header.
func (r *Reader) Header() Header { return r.header }

// Len returns the number of units.
func (r *Reader) Len() int { return len(r.index) }

// Duration is the PTS distance between the first and last unit.
func (r *Reader) Duration() time.Duration { return r.duration }

// Unit reads unit i and verifies its checksum.
func (r *Reader) Unit(i int) (recorder.EncodedUnit, error) {
	if i < 0 || i >= len(r.index) {
		return recorder.EncodedUnit{}, fmt.Errorf("qsp: unit %d out of range [0,%d)", i, len(r.index))
	}
	var h [unitHeaderLen]byte
	if _, err := r.f.ReadAt(h[:], r.index[i]); err != nil {
		return recorder.EncodedUnit{}, fmt.Errorf("qsp: read unit %d: %w", i, err)
	}
	n := binary.LittleEndian.Uint32(h[20:24])
	data := make([]byte, n)
	if _, err := r.f.ReadAt(data, r.index[i]+unitHeaderLen); err != nil {
		if err == io.EOF {
			return recorder.EncodedUnit{}, ErrTruncated
		}
		return recorder.EncodedUnit{}, fmt.Errorf("qsp: read unit %d: %w", i, err)
	}
	if xxh3.Hash(data) != binary.LittleEndian.Uint64(h[12:20]) {
		return recorder.EncodedUnit{}, fmt.Errorf("%w at unit %d", ErrChecksum, i)
	}
	return recorder.EncodedUnit{
		PTS:      time.Duration(binary.LittleEndian.Uint64(h[0:8])),
		KeyFrame: binary.LittleEndian.Uint32(h[8:12])&flagKeyFrame != 0,
		Data:     data,
	}, nil
}

// Close releases the file.
func (r *Reader) Close() error { return r.f.Close() }

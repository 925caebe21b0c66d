// Package codec implements the intermediate frame compression used between
// ingestion and the save pipeline. Raw frames are RGBA8 pixel buffers.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSize is returned when a pixel buffer does not match its
	// declared dimensions.
	ErrInvalidSize = errors.New("codec: pixel buffer does not match dimensions")

	// ErrCorrupt is returned when a payload cannot be decoded.
	ErrCorrupt = errors.New("codec: corrupt payload")
)

// RawFrame is an uncompressed RGBA8 frame, stride 4*Width.
type RawFrame struct {
	Width  int
	Height int
	Pix    []byte
}

// Validate checks that Pix holds exactly Width*Height RGBA pixels.
func (f RawFrame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, f.Width, f.Height)
	}
	if want := f.Width * f.Height * 4; len(f.Pix) != want {
		return fmt.Errorf("%w: have %d bytes, want %d for %dx%d", ErrInvalidSize, len(f.Pix), want, f.Width, f.Height)
	}
	return nil
}

// Codec compresses raw frames into opaque payloads and back.
// Implementations must be safe for concurrent use.
type Codec interface {
	Name() string
	Compress(raw RawFrame) ([]byte, error)
	Decompress(payload []byte) (RawFrame, error)
}

const (
	NameJPEG = "jpeg"
	NameZstd = "zstd"

	DefaultJPEGQuality = 80
)

// New returns the codec registered under name. quality applies to lossy
// codecs only; zero selects the default.
func New(name string, quality int) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameJPEG:
		return NewJPEG(quality), nil
	case NameZstd:
		return NewZstd()
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// Package mjpeg is the built-in reference backend: every frame becomes an
// independent JPEG key frame, muxed into a QSPLAY02 container.
package mjpeg

import (
	"errors"
	"fmt"
	"time"

	"github.com/tiroq/replaybuf/internal/codec"
	"github.com/tiroq/replaybuf/internal/recorder"
	"github.com/tiroq/replaybuf/internal/recorder/qsp"
)

// Name is the registry name of this backend.
const Name = "mjpeg"

// Backend implements recorder.Backend.
type Backend struct{}

var _ recorder.Backend = Backend{}

// NewBackend returns the MJPEG/QSP backend.
func NewBackend() Backend { return Backend{} }

func (Backend) Name() string { return Name }
func (Backend) Ext() string { return qsp.Ext }

func (Backend) NewEncoder(cfg recorder.EncoderConfig) (recorder.Encoder, error) {
	return NewEncoder(cfg)
}

func (Backend) NewContainer(path string, cfg recorder.EncoderConfig) (recorder.ContainerWriter, error) {
	return qsp.Create(path, cfg)
}

// Encoder compresses each frame independently.
type Encoder struct {
	cfg    recorder.EncoderConfig
	jpeg   *codec.JPEG
	frames int
	closed bool
}

var _ recorder.Encoder = (*Encoder)(nil)

// NewEncoder validates cfg. Width, Height and FPS must be positive.
func NewEncoder(cfg recorder.EncoderConfig) (*Encoder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("mjpeg: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("mjpeg: invalid fps %d", cfg.FPS)
	}
	if cfg.Bitrate < 0 {
		return nil, errors.New("mjpeg: negative bitrate")
	}
	q := cfg.Quality
	if q <= 0 {
		q = QualityForBitrate(cfg.Bitrate)
	}
	return &Encoder{cfg: cfg, jpeg: codec.NewJPEG(q)}, nil
}

// QualityForBitrate maps a target bitrate to a JPEG quality: 20 Mbps gives
// the default of 80, clamped to 30..95.
func QualityForBitrate(bps int) int {
	if bps <= 0 {
		return codec.DefaultJPEGQuality
	}
	q := 40 + 2*bps/1_000_000
	switch {
	case q < 30:
		return 30
	case q > 95:
		return 95
	}
	return q
}

// Quality returns the effective JPEG quality.
func (e *Encoder) Quality() int { return e.jpeg.Quality() }

func (e *Encoder) Encode(raw codec.RawFrame, pts time.Duration) ([]recorder.EncodedUnit, error) {
	if e.closed {
		return nil, recorder.ErrClosed
	}
	if raw.Width != e.cfg.Width || raw.Height != e.cfg.Height {
		return nil, fmt.Errorf("%w: got %dx%d, want %dx%d", recorder.ErrResolutionMismatch,
			raw.Width, raw.Height, e.cfg.Width, e.cfg.Height)
	}
	data, err := e.jpeg.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("mjpeg: frame %d: %w", e.frames, err)
	}
	e.frames++
	return []recorder.EncodedUnit{{PTS: pts, KeyFrame: true, Data: data}}, nil
}

// Flush has nothing buffered.
func (e *Encoder) Flush() ([]recorder.EncodedUnit, error) {
	if e.closed {
		return nil, recorder.ErrClosed
	}
	return nil, nil
}

func (e *Encoder) Close() error {
	e.closed = true
	return nil
}

// Package recorder defines the encoder and container collaborators used by
// the save pipeline, plus a registry of named backends. Concrete backends
// live in subpackages (mjpeg, qsp).
package recorder

import (
	"errors"
	"time"

	"github.com/tiroq/replaybuf/internal/codec"
)

var (
	// ErrClosed is returned by an Encoder or ContainerWriter used after Close.
	ErrClosed = errors.New("recorder: closed")

	// ErrResolutionMismatch is returned for frames that differ from the
	// resolution the encoder was initialised with.
	ErrResolutionMismatch = errors.New("recorder: frame resolution mismatch")
)

// EncoderConfig carries the encode parameters for one save job.
type EncoderConfig struct {
	Bitrate          int // bits per second
	KeyframeInterval int // frames between key frames; 0 lets the encoder decide
	Width            int
	Height           int
	FPS              int
	Quality          int // 1..100 for quality-driven encoders; 0 derives from Bitrate
}

// EncodedUnit is one access unit produced by an Encoder.
type EncodedUnit struct {
	PTS      time.Duration
	KeyFrame bool
	Data     []byte
}

// Encoder turns raw frames into encoded units. Units may be returned later
// than the frame that produced them; Flush drains whatever is buffered at end
// of stream.
type Encoder interface {
	Encode(raw codec.RawFrame, pts time.Duration) ([]EncodedUnit, error)
	Flush() ([]EncodedUnit, error)
	Close() error
}

// ContainerWriter muxes encoded units into a file. Finalize writes trailing
// metadata and closes the file; Abort closes it without finalizing.
type ContainerWriter interface {
	WriteUnit(u EncodedUnit) error
	Finalize() error
	Abort() error
	Path() string
}

// Backend pairs an encoder with the container format it writes.
type Backend interface {
	Name() string
	Ext() string
	NewEncoder(cfg EncoderConfig) (Encoder, error)
	NewContainer(path string, cfg EncoderConfig) (ContainerWriter, error)
}

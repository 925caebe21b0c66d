// Package qsp implements the QSPLAY02 clip container.
//
// Layout (little endian):
//
//	header  magic "QSPLAY02", version u16, flags u16, width u32, height u32,
//	        fps u32, unit count u32, reserved u32
//	unit    pts i64 (ns), flags u32, xxh3 u64, length u32, data
//	index   offset u64 per unit
//	trailer magic "QSPIDX02", index offset u64, unit count u32, duration i64
//
// The unit count in the header is zero until Finalize patches it, so a clip
// that was never finalized is recognisable without reading the trailer.
package qsp

import (
	"errors"
)

const (
	Magic        = "QSPLAY02"
	TrailerMagic = "QSPIDX02"
	Version      = 2
	Ext          = "qsp"

	headerLen     = 32
	unitHeaderLen = 24
	trailerLen    = 28
	countOffset   = 24

	flagKeyFrame = 1 << 0
)

var (
	ErrBadMagic     = errors.New("qsp: not a QSPLAY02 file")
	ErrNotFinalized = errors.New("qsp: clip was not finalized")
	ErrChecksum     = errors.New("qsp: unit checksum mismatch")
	ErrTruncated    = errors.New("qsp: truncated file")
)

// Header describes a clip.
type Header struct {
	Version uint16
	Flags   uint16
	Width   int
	Height  int
	FPS     int
	Units   int
}

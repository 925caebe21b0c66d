package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	zstdHeaderLen = 8
	maxPixels     = 8192 * 8192
)

// Zstd is a lossless codec. Payload layout: width u32 LE, height u32 LE,
// then the zstd-compressed pixel buffer.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd builds encoder and decoder instances tuned for EncodeAll/DecodeAll,
// which are safe for concurrent use.
func NewZstd() (*Zstd, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

func (z *Zstd) Name() string { return NameZstd }

func (z *Zstd) Compress(raw RawFrame) ([]byte, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	dst := make([]byte, zstdHeaderLen, zstdHeaderLen+len(raw.Pix)/4)
	binary.LittleEndian.PutUint32(dst[0:4], uint32(raw.Width))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(raw.Height))
	return z.enc.EncodeAll(raw.Pix, dst), nil
}

func (z *Zstd) Decompress(payload []byte) (RawFrame, error) {
	if len(payload) < zstdHeaderLen {
		return RawFrame{}, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	w := int(binary.LittleEndian.Uint32(payload[0:4]))
	h := int(binary.LittleEndian.Uint32(payload[4:8]))
	if w <= 0 || h <= 0 || w*h > maxPixels {
		return RawFrame{}, fmt.Errorf("%w: bad dimensions %dx%d", ErrCorrupt, w, h)
	}
	pix, err := z.dec.DecodeAll(payload[zstdHeaderLen:], make([]byte, 0, w*h*4))
	if err != nil {
		return RawFrame{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	raw := RawFrame{Width: w, Height: h, Pix: pix}
	if err := raw.Validate(); err != nil {
		return RawFrame{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return raw, nil
}

// Close releases the encoder and decoder.
func (z *Zstd) Close() error {
	z.dec.Close()
	return z.enc.Close()
}

package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
)

// JPEG is a lossy codec. Quality is clamped to 1..100.
type JPEG struct {
	quality int
}

// NewJPEG returns a JPEG codec. quality <= 0 selects DefaultJPEGQuality.
func NewJPEG(quality int) *JPEG {
	switch {
	case quality <= 0:
		quality = DefaultJPEGQuality
	case quality > 100:
		quality = 100
	}
	return &JPEG{quality: quality}
}

func (j *JPEG) Name() string { return NameJPEG }

// Quality returns the effective encoder quality.
func (j *JPEG) Quality() int { return j.quality }

func (j *JPEG) Compress(raw RawFrame) ([]byte, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	img := &image.RGBA{
		Pix:    raw.Pix,
		Stride: raw.Width * 4,
		Rect:   image.Rect(0, 0, raw.Width, raw.Height),
	}
	var buf bytes.Buffer
	buf.Grow(len(raw.Pix) / 8)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: j.quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (j *JPEG) Decompress(payload []byte) (RawFrame, error) {
	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		return RawFrame{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != b.Dx()*4 || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return RawFrame{Width: b.Dx(), Height: b.Dy(), Pix: rgba.Pix}, nil
}

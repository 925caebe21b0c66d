// Package pipeline encodes a snapshot of frame records and muxes the result
// into a clip file. It runs on the save job's goroutine and never touches the
// live frame store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tiroq/replaybuf/internal/codec"
	"github.com/tiroq/replaybuf/internal/diaglog"
	"github.com/tiroq/replaybuf/internal/framestore"
	"github.com/tiroq/replaybuf/internal/recorder"
)

var (
	errNoFrames       = errors.New("no frame could be encoded")
	errChecksum       = errors.New("payload checksum mismatch")
	errTooManySkipped = errors.New("skipped frame ratio above limit")
)

// Options configures a Pipeline.
type Options struct {
	Encoder recorder.EncoderConfig
	// MaxSkipRatio is the largest tolerated skipped/total ratio. A job with
	// at least one encoded frame fails only when the ratio is exceeded.
	// nil means 1, which fails only when nothing encodes; 0 fails on any skip.
	MaxSkipRatio *float64
	// View selects which view to encode; -1 encodes all records.
	View int
	Diag *diaglog.Logger
}

// Result describes a completed encode.
type Result struct {
	Path          string        `json:"path"`
	FramesIn      int           `json:"frames_in"`
	FramesEncoded int           `json:"frames_encoded"`
	FramesSkipped int           `json:"frames_skipped"`
	UnitsWritten  int           `json:"units_written"`
	Bytes         int64         `json:"bytes"`
	Duration      time.Duration `json:"media_duration"`
	Elapsed       time.Duration `json:"elapsed"`
	Partial       bool          `json:"partial"`
}

// Pipeline is reusable across jobs; each Run builds its own encoder and
// container.
type Pipeline struct {
	codec   codec.Codec
	backend recorder.Backend
	opts    Options
	maxSkip float64
}

// New returns a pipeline decoding with c and encoding with backend.
func New(c codec.Codec, backend recorder.Backend, opts Options) *Pipeline {
	maxSkip := 1.0
	if opts.MaxSkipRatio != nil {
		maxSkip = min(max(*opts.MaxSkipRatio, 0), 1)
	}
	return &Pipeline{codec: c, backend: backend, opts: opts, maxSkip: maxSkip}
}

// Ext is the file extension of the clips this pipeline writes.
func (p *Pipeline) Ext() string { return p.backend.Ext() }

// Backend returns the encoder/container backend name.
func (p *Pipeline) Backend() string { return p.backend.Name() }

// run holds per-job state.
type run struct {
	p     *Pipeline
	jobID string
	cw    recorder.ContainerWriter
	res   Result

	base     time.Duration // capture time that maps to PTS zero
	based    bool
	lastIn   time.Duration // last PTS handed to the encoder
	firstOut time.Duration
	lastOut  time.Duration
}

// Run encodes frames in order into a new file at path. Per-frame decode and
// encode failures are skipped; any returned error is a *JobError and the
// container has been closed, but the file is left for the caller to remove.
func (p *Pipeline) Run(ctx context.Context, jobID string, frames []*framestore.FrameRecord, path string) (Result, error) {
	started := time.Now()
	r := &run{p: p, jobID: jobID}
	r.res.Path = path

	frames = p.selectView(frames)
	r.res.FramesIn = len(frames)
	if len(frames) == 0 {
		return r.res, &JobError{Class: ClassNoFrames, Stage: "snapshot", Err: errNoFrames}
	}

	cfg := p.opts.Encoder
	if cfg.Width == 0 || cfg.Height == 0 {
		cfg.Width, cfg.Height = frames[0].Width, frames[0].Height
	}

	cw, err := p.backend.NewContainer(path, cfg)
	if err != nil {
		return r.res, fatal(ClassContainer, "container create", err)
	}
	r.cw = cw

	enc, err := p.backend.NewEncoder(cfg)
	if err != nil {
		_ = cw.Abort()
		return r.res, fatal(ClassEncoder, "encoder init", err)
	}
	defer enc.Close()

	for _, rec := range frames {
		if err := ctx.Err(); err != nil {
			_ = cw.Abort()
			return r.res, &JobError{Class: ClassIncomplete, Stage: "encode", Err: err}
		}
		if err := r.encodeOne(enc, rec); err != nil {
			_ = cw.Abort()
			return r.res, err
		}
	}

	if r.res.FramesEncoded == 0 {
		_ = cw.Abort()
		return r.res, &JobError{Class: ClassNoFrames, Stage: "encode", Err: errNoFrames}
	}
	ratio := float64(r.res.FramesSkipped) / float64(r.res.FramesIn)
	if ratio > p.maxSkip {
		_ = cw.Abort()
		return r.res, &JobError{Class: ClassTooManySkipped, Stage: "encode",
			Err: fmt.Errorf("%w: %d/%d > %.2f", errTooManySkipped, r.res.FramesSkipped, r.res.FramesIn, p.maxSkip)}
	}

	tail, err := enc.Flush()
	if err != nil {
		_ = cw.Abort()
		return r.res, fatal(ClassEncoder, "encoder flush", err)
	}
	if err := r.write(tail); err != nil {
		_ = cw.Abort()
		return r.res, err
	}
	if err := cw.Finalize(); err != nil {
		_ = cw.Abort()
		return r.res, fatal(ClassContainer, "container finalize", err)
	}

	if info, err := os.Stat(path); err == nil {
		r.res.Bytes = info.Size()
	}
	r.res.Duration = r.lastOut - r.firstOut
	r.res.Partial = r.res.FramesSkipped > 0
	r.res.Elapsed = time.Since(started)
	return r.res, nil
}

func (p *Pipeline) selectView(frames []*framestore.FrameRecord) []*framestore.FrameRecord {
	if p.opts.View < 0 {
		return frames
	}
	out := frames[:0:0]
	for _, f := range frames {
		if f.View == p.opts.View {
			out = append(out, f)
		}
	}
	return out
}

// encodeOne returns an error only for fatal conditions.
func (r *run) encodeOne(enc recorder.Encoder, rec *framestore.FrameRecord) error {
	if !rec.Verify() {
		r.skip(rec, "checksum", errChecksum)
		return nil
	}
	raw, err := r.p.codec.Decompress(rec.Payload)
	if err != nil {
		r.skip(rec, "decode", err)
		return nil
	}

	base := r.base
	if !r.based {
		base = rec.CaptureTime
	}
	pts := rec.CaptureTime - base
	if pts < r.lastIn {
		pts = r.lastIn
	}

	units, err := enc.Encode(raw, pts)
	if err != nil {
		r.skip(rec, "encode", err)
		return nil
	}
	if !r.based {
		r.base, r.based = base, true
	}
	r.res.FramesEncoded++
	r.lastIn = pts
	return r.write(units)
}

func (r *run) write(units []recorder.EncodedUnit) error {
	for _, u := range units {
		if r.res.UnitsWritten > 0 && u.PTS < r.lastOut {
			u.PTS = r.lastOut
		}
		if err := r.cw.WriteUnit(u); err != nil {
			return fatal(ClassContainer, "container write", err)
		}
		if r.res.UnitsWritten == 0 {
			r.firstOut = u.PTS
		}
		r.lastOut = u.PTS
		r.res.UnitsWritten++
	}
	return nil
}

func (r *run) skip(rec *framestore.FrameRecord, stage string, err error) {
	r.res.FramesSkipped++
	r.p.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPipeline,
		Event:     diaglog.EventFrameSkipped,
		JobID:     r.jobID,
		Reason:    stage,
		Payload: map[string]interface{}{
			"seq":   rec.Seq,
			"error": err.Error(),
		},
	})
}

// Package capture provides raw frame sources. Real compositor hooks live
// outside this module; the simulated source drives the daemon and tests.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiroq/replaybuf/internal/codec"
)

// ErrRunning is returned by Start on a source that is already running.
var ErrRunning = errors.New("capture: source already running")

// FrameFunc receives each captured frame. A non-nil error marks the frame as
// skipped; the source keeps going.
type FrameFunc func(raw codec.RawFrame, view int) error

// Source produces raw frames until stopped.
type Source interface {
	Name() string
	Start(ctx context.Context, fn FrameFunc) error
	Stop()
}

// Stats counts frames offered by a source.
type Stats struct {
	Captured uint64 `json:"captured"`
	Skipped  uint64 `json:"skipped"`
}

// SimulatedConfig sizes the synthetic stream.
type SimulatedConfig struct {
	Width  int
	Height int
	FPS    int
	Views  int
}

// Simulated emits a moving colour gradient at a fixed rate.
type Simulated struct {
	cfg SimulatedConfig

	enabled  atomic.Bool
	captured atomic.Uint64
	skipped  atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSimulated fills zero fields with 256x256, 90 fps and one view. The
// source starts enabled.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.Width <= 0 {
		cfg.Width = 256
	}
	if cfg.Height <= 0 {
		cfg.Height = 256
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 90
	}
	if cfg.Views <= 0 {
		cfg.Views = 1
	}
	s := &Simulated{cfg: cfg}
	s.enabled.Store(true)
	return s
}

func (s *Simulated) Name() string { return "simulated" }

// Start begins emitting frames on a background goroutine.
func (s *Simulated) Start(ctx context.Context, fn FrameFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx, fn)
	return nil
}

func (s *Simulated) loop(ctx context.Context, fn FrameFunc) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()

	phase := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.enabled.Load() {
				continue
			}
			for view := 0; view < s.cfg.Views; view++ {
				raw := Gradient(s.cfg.Width, s.cfg.Height, phase+view*16)
				if err := fn(raw, view); err != nil {
					s.skipped.Add(1)
				} else {
					s.captured.Add(1)
				}
			}
			phase++
		}
	}
}

// Stop halts the source and waits for the emitting goroutine.
func (s *Simulated) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Enable resumes emission.
func (s *Simulated) Enable() { s.enabled.Store(true) }

// Disable pauses emission without stopping the goroutine.
func (s *Simulated) Disable() { s.enabled.Store(false) }

func (s *Simulated) Enabled() bool { return s.enabled.Load() }

func (s *Simulated) Stats() Stats {
	return Stats{Captured: s.captured.Load(), Skipped: s.skipped.Load()}
}

// Gradient returns a w×h RGBA frame whose colours shift with phase.
func Gradient(w, h, phase int) codec.RawFrame {
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		row := pix[y*w*4 : (y+1)*w*4]
		for x := 0; x < w; x++ {
			i := x * 4
			row[i] = byte(x + phase)
			row[i+1] = byte(y + phase*2)
			row[i+2] = byte((x + y + phase) / 2)
			row[i+3] = 255
		}
	}
	return codec.RawFrame{Width: w, Height: h, Pix: pix}
}

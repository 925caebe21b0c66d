package testutil

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tiroq/replaybuf/internal/codec"
	"github.com/tiroq/replaybuf/internal/recorder"
)

// ErrInjected is the error returned by injected faults.
var ErrInjected = errors.New("injected failure")

// FakeBackend is a recorder.Backend with fault injection. The container
// writes a real file so callers can observe creation and cleanup.
type FakeBackend struct {
	InitErr      error         // returned by NewEncoder
	ContainerErr error         // returned by NewContainer
	WriteErr     error         // returned by every WriteUnit once set
	FailEncode   map[int]bool  // 0-based Encode call indexes that fail
	Gate         chan struct{} // when non-nil, each Encode waits for a receive

	mu          sync.Mutex
	encodeCalls int
	units       []recorder.EncodedUnit
	finalized   int
	aborted     int
}

var _ recorder.Backend = (*FakeBackend)(nil)

func (b *FakeBackend) Name() string { return "fake" }
func (b *FakeBackend) Ext() string { return "bin" }

func (b *FakeBackend) NewEncoder(cfg recorder.EncoderConfig) (recorder.Encoder, error) {
	if b.InitErr != nil {
		return nil, b.InitErr
	}
	return &fakeEncoder{b: b}, nil
}

func (b *FakeBackend) NewContainer(path string, cfg recorder.EncoderConfig) (recorder.ContainerWriter, error) {
	if b.ContainerErr != nil {
		return nil, b.ContainerErr
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "FAKE %dx%d@%d\n", cfg.Width, cfg.Height, cfg.FPS); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fakeContainer{b: b, f: f, path: path}, nil
}

// Units returns every unit written so far, across jobs.
func (b *FakeBackend) Units() []recorder.EncodedUnit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recorder.EncodedUnit(nil), b.units...)
}

// EncodeCalls counts Encode invocations.
func (b *FakeBackend) EncodeCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.encodeCalls
}

// Finalized and Aborted count container terminations.
func (b *FakeBackend) Finalized() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized
}

func (b *FakeBackend) Aborted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}

type fakeEncoder struct {
	b *FakeBackend
}

func (e *fakeEncoder) Encode(raw codec.RawFrame, pts time.Duration) ([]recorder.EncodedUnit, error) {
	if e.b.Gate != nil {
		<-e.b.Gate
	}
	e.b.mu.Lock()
	idx := e.b.encodeCalls
	e.b.encodeCalls++
	e.b.mu.Unlock()
	if e.b.FailEncode[idx] {
		return nil, fmt.Errorf("frame %d: %w", idx, ErrInjected)
	}
	return []recorder.EncodedUnit{{PTS: pts, KeyFrame: true, Data: []byte(fmt.Sprintf("unit-%d-%dx%d", idx, raw.Width, raw.Height))}}, nil
}

func (e *fakeEncoder) Flush() ([]recorder.EncodedUnit, error) { return nil, nil }
func (e *fakeEncoder) Close() error { return nil }

type fakeContainer struct {
	b    *FakeBackend
	f    *os.File
	path string
}

func (c *fakeContainer) Path() string { return c.path }

func (c *fakeContainer) WriteUnit(u recorder.EncodedUnit) error {
	c.b.mu.Lock()
	werr := c.b.WriteErr
	c.b.mu.Unlock()
	if werr != nil {
		return werr
	}
	if _, err := c.f.Write(append(u.Data, '\n')); err != nil {
		return err
	}
	c.b.mu.Lock()
	c.b.units = append(c.b.units, u)
	c.b.mu.Unlock()
	return nil
}

func (c *fakeContainer) Finalize() error {
	c.b.mu.Lock()
	c.b.finalized++
	c.b.mu.Unlock()
	return c.f.Close()
}

func (c *fakeContainer) Abort() error {
	c.b.mu.Lock()
	c.b.aborted++
	c.b.mu.Unlock()
	return c.f.Close()
}

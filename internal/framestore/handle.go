package framestore

import (
	"errors"
	"sync/atomic"
)

// ErrResizeUnsupported is returned when a caller tries to change the capacity
// of a live store. Build a new one with Handle.Replace instead.
var ErrResizeUnsupported = errors.New("framestore: capacity is fixed; replace the store instead")

// Handle points at the current Store. Producers and snapshot takers go
// through the handle so a configuration change can swap in a freshly built
// store without either side holding a stale reference.
type Handle struct {
	cur  atomic.Pointer[Store]
	opts []Option
}

// NewHandle wraps an initial store. opts are reused by Replace.
func NewHandle(s *Store, opts ...Option) *Handle {
	h := &Handle{opts: opts}
	h.cur.Store(s)
	return h
}

// Current returns the active store.
func (h *Handle) Current() *Store { return h.cur.Load() }

func (h *Handle) Push(rec *FrameRecord) { h.cur.Load().Push(rec) }
func (h *Handle) Snapshot() []*FrameRecord { return h.cur.Load().Snapshot() }
func (h *Handle) FrameCount() int { return h.cur.Load().FrameCount() }
func (h *Handle) Capacity() int { return h.cur.Load().Capacity() }
func (h *Handle) FillRatio() float64 { return h.cur.Load().FillRatio() }
func (h *Handle) PayloadBytes() int64 { return h.cur.Load().PayloadBytes() }

// Resize always fails unless capacity already matches.
func (h *Handle) Resize(capacity int) error {
	if h.cur.Load().Capacity() == capacity {
		return nil
	}
	return ErrResizeUnsupported
}

// Replace builds a new store sized for seconds at fps and makes it current.
// The previous store's contents are discarded. It returns the old store.
func (h *Handle) Replace(seconds float64, fps int) (*Store, error) {
	next, err := NewForDuration(seconds, fps, h.opts...)
	if err != nil {
		return nil, err
	}
	old := h.cur.Swap(next)
	if old != nil {
		old.Clear()
	}
	return old, nil
}

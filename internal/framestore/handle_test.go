package framestore

import (
	"errors"
	"testing"
)

func TestHandleReplaceDiscardsContents(t *testing.T) {
	s, _ := NewForDuration(1, 10)
	h := NewHandle(s)
	for i := uint64(0); i < 8; i++ {
		h.Push(rec(i))
	}
	if h.FrameCount() != 8 {
		t.Fatalf("FrameCount = %d", h.FrameCount())
	}

	old, err := h.Replace(2, 10)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if old != s {
		t.Error("Replace should return the previous store")
	}
	if old.FrameCount() != 0 {
		t.Error("old store should be cleared")
	}
	if h.Capacity() != 20 || h.FrameCount() != 0 {
		t.Errorf("new store capacity=%d count=%d", h.Capacity(), h.FrameCount())
	}
	h.Push(rec(8))
	if got := h.Snapshot(); len(got) != 1 || got[0].Seq != 8 {
		t.Errorf("snapshot after replace = %v", seqs(got))
	}
}

func TestHandleResizeRejected(t *testing.T) {
	s, _ := New(5)
	h := NewHandle(s)
	if err := h.Resize(5); err != nil {
		t.Errorf("same capacity: %v", err)
	}
	if err := h.Resize(6); !errors.Is(err, ErrResizeUnsupported) {
		t.Errorf("want ErrResizeUnsupported, got %v", err)
	}
	if _, err := h.Replace(0, 30); !errors.Is(err, ErrInvalidCapacity) {
		t.Errorf("want ErrInvalidCapacity, got %v", err)
	}
	if h.Current() != s {
		t.Error("failed Replace must keep the current store")
	}
}

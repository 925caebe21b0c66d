// Package framestore holds the fixed-capacity ring of compressed frames that
// backs the replay window. Records are immutable once pushed and shared by
// pointer between the ring and any snapshots taken from it, so a snapshot
// never copies payload bytes and stays valid after the ring overwrites the
// slot it came from.
package framestore

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

// ErrInvalidCapacity is returned for non-positive capacities.
var ErrInvalidCapacity = errors.New("framestore: capacity must be positive")

// FrameRecord is one compressed frame. Fields must not be modified after the
// record has been pushed.
type FrameRecord struct {
	Payload     []byte
	CaptureTime time.Duration // monotonic offset from the ingest epoch
	Seq         uint64
	View        int
	Width       int
	Height      int
	Checksum    uint64 // xxh3 of Payload
}

// NewRecord builds a record and computes its payload checksum.
func NewRecord(seq uint64, captured time.Duration, view, width, height int, payload []byte) *FrameRecord {
	return &FrameRecord{
		Payload:     payload,
		CaptureTime: captured,
		Seq:         seq,
		View:        view,
		Width:       width,
		Height:      height,
		Checksum:    xxh3.Hash(payload),
	}
}

// Verify reports whether Payload still matches Checksum.
func (r *FrameRecord) Verify() bool {
	return xxh3.Hash(r.Payload) == r.Checksum
}

// Store is a ring of FrameRecords with a fixed capacity. The mutex covers
// only slot bookkeeping; no I/O or allocation proportional to payload size
// happens while it is held.
type Store struct {
	mu       sync.Mutex
	slots    []*FrameRecord
	capacity int
	next     int // slot the next push writes
	count    int
	bytes    int64
	pushed   uint64

	release func(*FrameRecord)
}

// Option configures a Store.
type Option func(*Store)

// WithRelease registers a hook invoked for every evicted or cleared record,
// always outside the store lock.
func WithRelease(fn func(*FrameRecord)) Option {
	return func(s *Store) { s.release = fn }
}

// New allocates a store holding at most capacity records.
func New(capacity int, opts ...Option) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	s := &Store{
		slots:    make([]*FrameRecord, capacity),
		capacity: capacity,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CapacityFor returns ceil(seconds * fps).
func CapacityFor(seconds float64, fps int) int {
	return int(math.Ceil(seconds * float64(fps)))
}

// NewForDuration allocates a store sized for seconds of footage at fps.
func NewForDuration(seconds float64, fps int, opts ...Option) (*Store, error) {
	return New(CapacityFor(seconds, fps), opts...)
}

// Push appends rec, evicting the oldest record once the ring is full.
// Callers must push records in increasing Seq order.
func (s *Store) Push(rec *FrameRecord) {
	if rec == nil {
		return
	}
	s.mu.Lock()
	evicted := s.slots[s.next]
	s.slots[s.next] = rec
	s.next = (s.next + 1) % s.capacity
	if s.count < s.capacity {
		s.count++
	}
	s.bytes += int64(len(rec.Payload))
	if evicted != nil {
		s.bytes -= int64(len(evicted.Payload))
	}
	s.pushed++
	s.mu.Unlock()

	if evicted != nil && s.release != nil {
		s.release(evicted)
	}
}

// Snapshot returns the retained records oldest first. Only the slot pointers
// are copied under the lock.
func (s *Store) Snapshot() []*FrameRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return nil
	}
	out := make([]*FrameRecord, s.count)
	start := (s.next - s.count + s.capacity) % s.capacity
	n := copy(out, s.slots[start:min(start+s.count, s.capacity)])
	copy(out[n:], s.slots[:s.count-n])
	return out
}

// Clear drops every record.
func (s *Store) Clear() {
	s.mu.Lock()
	dropped := make([]*FrameRecord, 0, s.count)
	for i, rec := range s.slots {
		if rec != nil {
			dropped = append(dropped, rec)
			s.slots[i] = nil
		}
	}
	s.next, s.count, s.bytes = 0, 0, 0
	s.mu.Unlock()

	if s.release != nil {
		for _, rec := range dropped {
			s.release(rec)
		}
	}
}

// FrameCount returns the number of retained records.
func (s *Store) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Capacity never changes after construction.
func (s *Store) Capacity() int { return s.capacity }

// FillRatio returns FrameCount/Capacity in [0,1].
func (s *Store) FillRatio() float64 {
	return float64(s.FrameCount()) / float64(s.capacity)
}

// PayloadBytes is the sum of retained payload sizes.
func (s *Store) PayloadBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Pushed is the total number of records ever pushed.
func (s *Store) Pushed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushed
}

// Oldest returns the oldest retained record, or nil when empty.
func (s *Store) Oldest() *FrameRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return nil
	}
	return s.slots[(s.next-s.count+s.capacity)%s.capacity]
}

// Newest returns the most recently pushed record, or nil when empty.
func (s *Store) Newest() *FrameRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return nil
	}
	return s.slots[(s.next-1+s.capacity)%s.capacity]
}

// Span is the capture-time distance between the oldest and newest records.
func (s *Store) Span() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count < 2 {
		return 0
	}
	oldest := s.slots[(s.next-s.count+s.capacity)%s.capacity]
	newest := s.slots[(s.next-1+s.capacity)%s.capacity]
	return newest.CaptureTime - oldest.CaptureTime
}

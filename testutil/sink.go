package testutil

import (
	"sync"
	"time"

	"github.com/tiroq/replaybuf/internal/notify"
)

// RecordingSink stores every event it receives.
type RecordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *RecordingSink) Notify(e notify.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

// Events returns a copy of the received events.
func (s *RecordingSink) Events() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event(nil), s.events...)
}

// Kinds returns the kinds of the received events in order.
func (s *RecordingSink) Kinds() []notify.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Kind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

// Count returns how many events of kind k arrived.
func (s *RecordingSink) Count(k notify.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// WaitFor blocks until at least n events arrived or timeout passes.
func (s *RecordingSink) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.events)
		s.mu.Unlock()
		if got >= n {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

// Package notify delivers save lifecycle events to the outside world. Every
// accepted save produces exactly one Started event followed by exactly one
// Succeeded or Failed event. Sinks may be called from any goroutine.
package notify

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tiroq/replaybuf/internal/diaglog"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	KindStarted   Kind = "started"
	KindSucceeded Kind = "succeeded"
	KindFailed    Kind = "failed"
)

// Event is a single save lifecycle notification.
type Event struct {
	Kind          Kind      `json:"kind"`
	JobID         string    `json:"job_id"`
	Path          string    `json:"path,omitempty"`
	Class         string    `json:"class,omitempty"` // failure class, Failed only
	Reason        string    `json:"reason,omitempty"`
	Partial       bool      `json:"partial,omitempty"`
	Frames        int       `json:"frames,omitempty"`
	FramesSkipped int       `json:"frames_skipped,omitempty"`
	Bytes         int64     `json:"bytes,omitempty"`
	At            time.Time `json:"at"`
}

// Sink receives events. Implementations must not block for long: the save
// job waits for Notify to return.
type Sink interface {
	Notify(e Event)
}

// Func adapts a function to Sink.
type Func func(Event)

func (f Func) Notify(e Event) { f(e) }

// Multi fans events out to several sinks. A panicking sink is isolated and
// reported to the diagnostic log.
type Multi struct {
	mu    sync.RWMutex
	sinks []Sink
	diag  *diaglog.Logger
}

// NewMulti builds a fan-out over sinks.
func NewMulti(diag *diaglog.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, diag: diag}
}

// Add registers another sink.
func (m *Multi) Add(s Sink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

// Len returns the number of registered sinks.
func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sinks)
}

func (m *Multi) Notify(e Event) {
	m.mu.RLock()
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.RUnlock()
	for _, s := range sinks {
		m.deliver(s, e)
	}
}

func (m *Multi) deliver(s Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.diag.Log(diaglog.LogEntry{
				Component: diaglog.ComponentNotify,
				Event:     diaglog.EventSinkError,
				JobID:     e.JobID,
				Reason:    fmt.Sprintf("panic: %v", r),
				Payload:   map[string]interface{}{"sink": fmt.Sprintf("%T", s), "kind": string(e.Kind)},
			})
		}
	}()
	s.Notify(e)
}

// Log writes events to a text logger and to the diagnostic log.
type Log struct {
	out  *log.Logger
	diag *diaglog.Logger
}

// NewLog returns a logging sink. Either logger may be nil.
func NewLog(out *log.Logger, diag *diaglog.Logger) *Log {
	return &Log{out: out, diag: diag}
}

func (l *Log) Notify(e Event) {
	if l.out != nil {
		switch e.Kind {
		case KindStarted:
			l.out.Printf("[SAVE] job %s started -> %s", e.JobID, e.Path)
		case KindSucceeded:
			l.out.Printf("[SAVE] job %s saved %s (%d frames, partial=%v)", e.JobID, e.Path, e.Frames, e.Partial)
		case KindFailed:
			l.out.Printf("[SAVE] job %s failed: %s: %s", e.JobID, e.Class, e.Reason)
		}
	}
	event := map[Kind]string{
		KindStarted:   diaglog.EventSaveStarted,
		KindSucceeded: diaglog.EventSaveSucceeded,
		KindFailed:    diaglog.EventSaveFailed,
	}[e.Kind]
	l.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentNotify,
		Event:     event,
		JobID:     e.JobID,
		Reason:    e.Reason,
		Payload: map[string]interface{}{
			"path":    e.Path,
			"class":   e.Class,
			"partial": e.Partial,
			"frames":  e.Frames,
			"skipped": e.FramesSkipped,
		},
	})
}

// Package diaglog provides structured NDJSON diagnostic logging for the
// replay buffer daemon. Diagnostics are opt-in: a disabled logger turns every
// Log call into a no-op and never touches the filesystem.
package diaglog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// EnvDebug force-enables diagnostics regardless of configuration.
const EnvDebug = "REPLAYBUF_DEBUG"

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentIngest       = "ingest"
	ComponentFrameStore   = "frame-store"
	ComponentTrigger      = "trigger"
	ComponentOrchestrator = "save-orchestrator"
	ComponentPipeline     = "encode-pipeline"
	ComponentNotify       = "notify"
	ComponentClipIndex    = "clip-index"
	ComponentDiagExport   = "diag-export"
	ComponentDaemon       = "replaybufd"
	ComponentEventFeed    = "event-feed"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventFrameDropped     = "frame_dropped"
	EventCompressFailed   = "compress_failed"
	EventStoreRebuilt     = "store_rebuilt"
	EventTriggerFired     = "trigger_fired"
	EventTriggerDiscarded = "trigger_discarded"
	EventSaveRejected     = "save_rejected"
	EventSaveStarted      = "save_started"
	EventSaveSucceeded    = "save_succeeded"
	EventSaveFailed       = "save_failed"
	EventSaveAbandoned    = "save_abandoned"
	EventFrameSkipped     = "frame_skipped"
	EventSinkError        = "sink_error"
	EventConfigReloaded   = "config_reloaded"

	EventFeedConnected        = "feed_connected"
	EventFeedDisconnected     = "feed_disconnected"
	EventFeedReconnectAttempt = "feed_reconnect_attempt"
)

// ── LogEntry ─────────────────────────────────────────────────────────────────

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`               // RFC3339Nano
	Component string      `json:"component"`        // see Component* constants
	Event     string      `json:"event"`            // see Event* constants
	JobID     string      `json:"job_id,omitempty"` // save job correlation
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// ── Logger ───────────────────────────────────────────────────────────────────

// Logger writes LogEntry values to a rolling NDJSON file. A nil Logger is
// valid and discards everything.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
	path    string
}

const (
	// DefaultMaxSize is the size at which the active file rolls over.
	DefaultMaxSize = 10 * 1024 * 1024
	// DefaultBackups is how many rolled files are kept; Export reads the
	// newest one.
	DefaultBackups = 1
)

// New opens (or creates) the NDJSON log file at path when enabled is true or
// the REPLAYBUF_DEBUG override is set. Otherwise a no-op logger is returned.
func New(path string, enabled bool) (*Logger, error) {
	if !enabled && !IsDebugEnabled() {
		return NewNoOp(), nil
	}
	rw, err := newRollingWriter(path, DefaultMaxSize, DefaultBackups)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true, path: path}, nil
}

// Log serialises entry and appends it to the rolling file.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Enabled reports whether entries are being written.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Path returns the active log file, or "" for a no-op logger.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsDebugEnabled reports whether REPLAYBUF_DEBUG is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv(EnvDebug) == "true"
}

// NewNoOp returns a logger where every Log call is a no-op.
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}

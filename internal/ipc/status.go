package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/tiroq/replaybuf/internal/ingest"
	"github.com/tiroq/replaybuf/internal/orchestrator"
	"github.com/tiroq/replaybuf/internal/statemachine"
)

// OperatingMode says whether the input trigger is active.
type OperatingMode string

const (
	ModeAuto   OperatingMode = "auto"   // Trigger saves from controller input
	ModePaused OperatingMode = "paused" // Input ignored; explicit saves still run
)

// BufferStatus describes the frame store.
type BufferStatus struct {
	Frames       int     `json:"frames"`
	Capacity     int     `json:"capacity"`
	FillRatio    float64 `json:"fill_ratio"`
	PayloadBytes int64   `json:"payload_bytes"`
	SpanMS       int64   `json:"span_ms"`
}

// StatusSnapshot represents the complete daemon state at a point in time
type StatusSnapshot struct {
	PID          int                   `json:"pid"`
	Mode         OperatingMode         `json:"mode"`
	Buffer       BufferStatus          `json:"buffer"`
	Ingest       ingest.Stats          `json:"ingest"`
	Trigger      statemachine.Stats    `json:"trigger"`
	Saving       bool                  `json:"saving"`
	Saves        orchestrator.Stats    `json:"saves"`
	LastClip     *orchestrator.Summary `json:"last_clip,omitempty"`
	LastAction   string                `json:"last_action"`
	LastError    string                `json:"last_error"`
	StartedAt    time.Time             `json:"started_at"`
	Timestamp    time.Time             `json:"timestamp"`
	Version      string                `json:"version"`
	OutputDir    string                `json:"output_dir"`
	ClipsOnDisk  int64                 `json:"clips_bytes"`
	WebsocketURL string                `json:"websocket_url,omitempty"`
}

// WriteStatus persists status to <dir>/status.json using atomic write
func (d Dir) WriteStatus(status *StatusSnapshot) error {
	if err := os.MkdirAll(string(d), 0755); err != nil {
		return err
	}
	return atomicWriteJSON(d.StatusPath(), status)
}

// ReadStatus loads <dir>/status.json.
func (d Dir) ReadStatus() (*StatusSnapshot, error) {
	data, err := os.ReadFile(d.StatusPath())
	if err != nil {
		return nil, err
	}

	var status StatusSnapshot
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// atomicWriteJSON writes data to a file atomically using temp file + rename
func atomicWriteJSON(path string, data interface{}) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "status-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return err
	}

	// Sync to disk before rename
	if err := tmpFile.Sync(); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	tmpFile = nil

	return os.Rename(tmpPath, path)
}

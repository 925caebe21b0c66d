package ipc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tiroq/replaybuf/internal/orchestrator"
	"github.com/tiroq/replaybuf/testutil"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in      string
		want    Command
		wantErr bool
	}{
		{"save", CmdSave, false},
		{" SAVE\n", CmdSave, false},
		{"status", CmdStatus, false},
		{"reload", CmdReload, false},
		{"pause", CmdPause, false},
		{"resume", CmdResume, false},
		{"quit", CmdQuit, false},
		{"start", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCommand(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseCommand(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestCommandRoundTrip(t *testing.T) {
	d := Dir(filepath.Join(t.TempDir(), "run"))

	cmd, err := d.ReadCommand()
	if err != nil || cmd != "" {
		t.Fatalf("ReadCommand on missing file = %q, %v", cmd, err)
	}

	if err := d.WriteCommand(CmdSave); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	cmd, err = d.ReadCommand()
	if err != nil || cmd != CmdSave {
		t.Fatalf("ReadCommand = %q, %v", cmd, err)
	}

	// Consumed commands are not replayed.
	cmd, err = d.ReadCommand()
	if err != nil || cmd != "" {
		t.Fatalf("second ReadCommand = %q, %v", cmd, err)
	}
}

func TestReadCommand_ignoresUnknown(t *testing.T) {
	d := Dir(t.TempDir())
	if err := os.WriteFile(d.CommandPath(), []byte("format-disk"), 0644); err != nil {
		t.Fatal(err)
	}
	cmd, err := d.ReadCommand()
	if err != nil || cmd != "" {
		t.Errorf("ReadCommand = %q, %v", cmd, err)
	}
	data, _ := os.ReadFile(d.CommandPath())
	if len(data) != 0 {
		t.Errorf("command file not cleared: %q", data)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	d := Dir(filepath.Join(t.TempDir(), "run"))
	now := time.Date(2026, 10, 15, 14, 25, 1, 0, time.UTC)

	in := &StatusSnapshot{
		PID:    4242,
		Mode:   ModeAuto,
		Buffer: BufferStatus{Frames: 450, Capacity: 900, FillRatio: 0.5, PayloadBytes: 1 << 20},
		Saving: true,
		Saves:  orchestrator.Stats{Accepted: 3, Succeeded: 2, InFlight: true},
		LastClip: &orchestrator.Summary{
			JobID:  "j1",
			Status: orchestrator.StatusSucceeded,
			Path:   "/clips/clip_20261015_142501_123.qsp",
		},
		Timestamp: now,
	}
	in.Ingest.Ingested = 1000
	in.Trigger.Fired = 2

	if err := d.WriteStatus(in); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	out, err := d.ReadStatus()
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if out.PID != 4242 || out.Buffer != in.Buffer || !out.Saving {
		t.Errorf("status = %+v", out)
	}
	if out.Ingest.Ingested != 1000 || out.Trigger.Fired != 2 || out.Saves.Accepted != 3 {
		t.Errorf("counters = %+v %+v %+v", out.Ingest, out.Trigger, out.Saves)
	}
	if out.LastClip == nil || out.LastClip.JobID != "j1" {
		t.Errorf("last clip = %+v", out.LastClip)
	}
	if !out.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v", out.Timestamp)
	}

	entries, _ := os.ReadDir(string(d))
	if len(entries) != 1 {
		t.Errorf("runtime dir has %d entries, want only status.json", len(entries))
	}
}

func TestReadStatus_missing(t *testing.T) {
	if _, err := Dir(t.TempDir()).ReadStatus(); !os.IsNotExist(err) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestDefaultDir(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	if got := DefaultDir(); got != Dir("/home/tester/.cache/replaybuf") {
		t.Errorf("DefaultDir = %q", got)
	}
}

func TestStatusWireKeys(t *testing.T) {
	d := Dir(t.TempDir())
	err := d.WriteStatus(&StatusSnapshot{
		PID:      1,
		Mode:     ModePaused,
		LastClip: &orchestrator.Summary{JobID: "j1"},
	})
	testutil.AssertNoError(t, err, "WriteStatus")

	data, err := os.ReadFile(d.StatusPath())
	testutil.AssertNoError(t, err, "read status.json")
	testutil.AssertJSONKeys(t, data, "status.json",
		"pid", "mode", "buffer", "ingest", "trigger", "saving", "saves",
		"last_clip", "last_action", "last_error", "timestamp", "clips_bytes")
}

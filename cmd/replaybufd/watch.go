package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tiroq/replaybuf/internal/ipc"
)

// writeSettle gives writers time to finish before a watched file is read.
const writeSettle = 50 * time.Millisecond

// watchCommands forwards commands from <runtime_dir>/cmd.txt to the main loop.
func (d *daemon) watchCommands(ctx context.Context) {
	cmdPath := d.ipcDir.CommandPath()
	cmdDir := filepath.Dir(cmdPath)
	if err := os.MkdirAll(cmdDir, 0755); err != nil {
		errLog.Printf("Failed to create runtime directory: %v", err)
	}

	// Try to use fsnotify for efficient file watching
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errLog.Printf("fsnotify not available, falling back to polling: %v", err)
		d.watchCommandsWithPolling(ctx, cmdPath)
		return
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			errLog.Printf("Failed to close watcher: %v", err)
		}
	}()

	if err := watcher.Add(cmdDir); err != nil {
		errLog.Printf("Failed to watch command directory, falling back to polling: %v", err)
		d.watchCommandsWithPolling(ctx, cmdPath)
		return
	}

	outLog.Println("Command watcher started (using fsnotify)")

	// Fallback polling ticker in case fsnotify misses an event
	pollTicker := time.NewTicker(1 * time.Second)
	defer pollTicker.Stop()

	lastCheckTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				outLog.Println("fsnotify watcher closed, switching to polling")
				d.watchCommandsWithPolling(ctx, cmdPath)
				return
			}

			if event.Name == cmdPath && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				time.Sleep(writeSettle)
				d.readCommand(ctx)
				lastCheckTime = time.Now()
			}

		case <-pollTicker.C:
			if fileInfo, err := os.Stat(cmdPath); err == nil && fileInfo.ModTime().After(lastCheckTime) {
				time.Sleep(writeSettle)
				d.readCommand(ctx)
				lastCheckTime = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				outLog.Println("fsnotify error channel closed, switching to polling")
				d.watchCommandsWithPolling(ctx, cmdPath)
				return
			}
			errLog.Printf("File watcher error: %v", err)
		}
	}
}

// watchCommandsWithPolling is a pure polling-based fallback for command monitoring
func (d *daemon) watchCommandsWithPolling(ctx context.Context, cmdPath string) {
	outLog.Println("Command watcher started (using polling fallback, 1s interval)")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	lastCheckTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fileInfo, err := os.Stat(cmdPath)
		if err != nil {
			continue
		}
		if fileInfo.ModTime().After(lastCheckTime) {
			time.Sleep(writeSettle)
			d.readCommand(ctx)
			lastCheckTime = time.Now()
		}
	}
}

// readCommand hands a pending command to the main loop, giving up once ctx
// is done so a late command cannot strand the watcher after shutdown.
func (d *daemon) readCommand(ctx context.Context) {
	cmd, err := d.ipcDir.ReadCommand()
	if err != nil {
		errLog.Printf("Failed to read command: %v", err)
		return
	}
	if cmd == "" {
		return
	}
	select {
	case d.commands <- cmd:
	case <-ctx.Done():
		outLog.Printf("Dropping command %q: shutting down", cmd)
	}
}

// watchConfig requests a reload whenever the config file changes. The
// directory is watched so editors that replace the file are still seen.
func (d *daemon) watchConfig(ctx context.Context) {
	path := filepath.Clean(d.configPath)
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		outLog.Printf("Config directory %s missing, hot reload disabled", filepath.Dir(path))
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errLog.Printf("Config hot reload disabled: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		errLog.Printf("Config hot reload disabled: %v", err)
		return
	}

	// Coalesce bursts of events from a single save.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == path && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(4 * writeSettle)
			}

		case <-pending:
			pending = nil
			select {
			case d.reloads <- struct{}{}:
			default:
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			errLog.Printf("Config watcher error: %v", err)
		}
	}
}

// writeStatus publishes a snapshot to status.json. Called from the main loop
// only.
func (d *daemon) writeStatus() {
	store := d.store.Current()
	status := &ipc.StatusSnapshot{
		PID:  os.Getpid(),
		Mode: d.Mode(),
		Buffer: ipc.BufferStatus{
			Frames:       store.FrameCount(),
			Capacity:     store.Capacity(),
			FillRatio:    store.FillRatio(),
			PayloadBytes: store.PayloadBytes(),
			SpanMS:       store.Span().Milliseconds(),
		},
		Ingest:       d.ingester.Stats(),
		Trigger:      d.trigger.Stats(),
		Saving:       d.orch.InFlight(),
		Saves:        d.orch.Stats(),
		LastAction:   d.lastAction,
		LastError:    d.lastError,
		StartedAt:    d.startedAt,
		Timestamp:    time.Now(),
		Version:      Version,
		OutputDir:    d.cfg.Save.OutputDir,
		WebsocketURL: d.wsURL,
	}
	if last, ok := d.orch.LastResult(); ok {
		status.LastClip = &last
	}
	if total, err := d.index.TotalBytes(); err == nil {
		status.ClipsOnDisk = total
	}

	if err := d.ipcDir.WriteStatus(status); err != nil {
		errLog.Printf("Failed to write status: %v", err)
	}
}

// serveStatus returns the last published status.json over HTTP.
func (d *daemon) serveStatus(w http.ResponseWriter, r *http.Request) {
	status, err := d.ipcDir.ReadStatus()
	if err != nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

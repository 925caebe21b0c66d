package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is injected at link time from the main package; defaults to "dev".
var Version = "dev"

// DiagBundle is the header line of an exported bundle.
type DiagBundle struct {
	ExportedAt string                 `json:"exported_at"`
	AppVersion string                 `json:"replaybuf_version"`
	GoVersion  string                 `json:"go_version"`
	OS         string                 `json:"os"`
	Arch       string                 `json:"arch"`
	LogFiles   []string               `json:"log_files"`
	EntryCount int                    `json:"entry_count"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Export concatenates the rotated backup (if any) and the active log at
// logPath into dest/replaybuf-diag-<ts>.ndjson, oldest entries first, behind
// a DiagBundle header. context is redacted and embedded in the header.
// It returns the written path and the number of log lines included.
func Export(logPath, dest string, context map[string]interface{}) (path string, lines int, err error) {
	var sources []string
	for _, p := range []string{logPath + ".1", logPath} {
		if _, statErr := os.Stat(p); statErr == nil {
			sources = append(sources, p)
		}
	}
	if len(sources) == 0 {
		return "", 0, fmt.Errorf("log file not found at %s: %w", logPath, os.ErrNotExist)
	}

	var rawLines [][]byte
	for _, p := range sources {
		got, rerr := readLines(p)
		if rerr != nil {
			return "", 0, rerr
		}
		rawLines = append(rawLines, got...)
	}

	tstamp := time.Now().UTC().Format("20060102T150405")
	outPath := filepath.Join(dest, "replaybuf-diag-"+tstamp+".ndjson")

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("output file could not be created: %w", err)
	}
	defer func() { _ = out.Close() }()

	bundle := DiagBundle{
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		AppVersion: Version,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		LogFiles:   sources,
		EntryCount: len(rawLines),
	}
	if context != nil {
		bundle.Context, _ = Redact(context).(map[string]interface{})
	}

	w := bufio.NewWriter(out)
	header, err := json.Marshal(bundle)
	if err != nil {
		return "", 0, err
	}
	if _, err := w.Write(append(header, '\n')); err != nil {
		return "", 0, err
	}
	for _, line := range rawLines {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return "", 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return "", 0, err
	}
	return outPath, len(rawLines), nil
}

func readLines(path string) ([][]byte, error) {
	src, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("log file not found at %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("log file unreadable: %w", err)
	}
	defer func() { _ = src.Close() }()

	var lines [][]byte
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), DefaultMaxSize)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("log file unreadable: %w", err)
	}
	return lines, nil
}

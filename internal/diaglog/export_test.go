package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
)

func seedLogFile(t *testing.T, path string, from, n int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create seed: %v", err)
	}
	defer func() { _ = f.Close() }()
	for i := from; i < from+n; i++ {
		_, _ = fmt.Fprintf(f, "{\"ts\":\"2026-01-01T00:00:00Z\",\"component\":\"test\",\"event\":\"e%d\"}\n", i)
	}
}

func TestExportWritesBundleHeader(t *testing.T) {
	src := t.TempDir() + "/seed.ndjson"
	seedLogFile(t, src+".1", 0, 4)
	seedLogFile(t, src, 4, 6)
	dest := t.TempDir()

	path, lines, err := Export(src, dest, map[string]interface{}{
		"buffer_seconds": 10,
		"password":       "x",
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if lines != 10 {
		t.Errorf("lines: want 10, got %d", lines)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("no first line in output")
	}
	var bundle DiagBundle
	if err := json.Unmarshal(scanner.Bytes(), &bundle); err != nil {
		t.Fatalf("unmarshal bundle header: %v", err)
	}
	if bundle.EntryCount != 10 || len(bundle.LogFiles) != 2 {
		t.Errorf("bundle = %+v", bundle)
	}
	if bundle.Context["password"] != "[REDACTED]" {
		t.Errorf("context not redacted: %v", bundle.Context)
	}

	// Backup entries come first.
	if !scanner.Scan() {
		t.Fatal("missing first entry")
	}
	var first map[string]interface{}
	if err := json.Unmarshal(scanner.Bytes(), &first); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if first["event"] != "e0" {
		t.Errorf("first event = %v, want e0", first["event"])
	}
}

func TestExportMissingLog(t *testing.T) {
	_, _, err := Export(t.TempDir()+"/absent.ndjson", t.TempDir(), nil)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want ErrNotExist, got %v", err)
	}
}

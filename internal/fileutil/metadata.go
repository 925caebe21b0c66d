// Package fileutil names, describes and cleans up clip files.
package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ClipMetadata is the sidecar written next to each saved clip.
type ClipMetadata struct {
	Version       string    `json:"version"`
	JobID         string    `json:"job_id"`
	Reason        string    `json:"reason"`
	AcceptedAt    time.Time `json:"accepted_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Duration      string    `json:"duration"`
	DurationMs    int64     `json:"duration_ms"`
	Backend       string    `json:"backend"`
	Codec         string    `json:"codec"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	FPS           int       `json:"fps"`
	FramesIn      int       `json:"frames_in"`
	FramesEncoded int       `json:"frames_encoded"`
	FramesSkipped int       `json:"frames_skipped"`
	Partial       bool      `json:"partial"`
	SizeBytes     int64     `json:"size_bytes"`
	OutputFile    string    `json:"output_file"`
}

// WriteMetadata writes <basepath>.meta.json next to the clip via temp file
// and rename, so readers never see a half-written sidecar.
func WriteMetadata(clipPath string, meta *ClipMetadata) error {
	if meta == nil {
		return fmt.Errorf("write metadata: nil metadata")
	}
	metaPath := MetadataPath(clipPath)
	dir := filepath.Dir(metaPath)

	tmpFile, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(meta); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close metadata temp: %w", err)
	}
	success = true

	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// MetadataPath returns <basepath>.meta.json for a clip path.
func MetadataPath(clipPath string) string {
	ext := filepath.Ext(clipPath)
	return clipPath[:len(clipPath)-len(ext)] + ".meta.json"
}

// ReadMetadata loads the sidecar for clipPath.
func ReadMetadata(clipPath string) (*ClipMetadata, error) {
	data, err := os.ReadFile(MetadataPath(clipPath))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta ClipMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

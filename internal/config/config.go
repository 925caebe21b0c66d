// Package config loads and validates the replaybuf YAML configuration.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tiroq/replaybuf/internal/codec"
	"github.com/tiroq/replaybuf/internal/detector"
)

const appName = "replaybuf"

// Config is the full daemon configuration.
type Config struct {
	Buffer     BufferConfig  `yaml:"buffer"`
	Capture    CaptureConfig `yaml:"capture"`
	Trigger    TriggerConfig `yaml:"trigger"`
	Encoder    EncoderConfig `yaml:"encoder"`
	Save       SaveConfig    `yaml:"save"`
	Index      IndexConfig   `yaml:"index"`
	Notify     NotifyConfig  `yaml:"notify"`
	Logging    LoggingConfig `yaml:"logging"`
	RuntimeDir string        `yaml:"runtime_dir"`
}

// BufferConfig sizes the in-memory replay window.
type BufferConfig struct {
	DurationSeconds float64 `yaml:"duration_seconds"` // 5-60
	FPS             int     `yaml:"fps"`              // 30-144
}

// CaptureConfig describes the frame source and intermediate codec.
type CaptureConfig struct {
	Source      string `yaml:"source"` // "simulated" or "none"
	Codec       string `yaml:"codec"`  // "jpeg" or "zstd"
	JPEGQuality int    `yaml:"jpeg_quality"`
	QueueDepth  int    `yaml:"queue_depth"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	Views       int    `yaml:"views"`
}

// TriggerConfig configures the input combo and debounce.
type TriggerConfig struct {
	Combo          string  `yaml:"combo"`
	Threshold      float64 `yaml:"threshold"`
	DebounceMS     int     `yaml:"debounce_ms"`
	PollIntervalMS int     `yaml:"poll_interval_ms"`
	// SimulateEveryS presses the combo periodically when > 0.
	SimulateEveryS float64 `yaml:"simulate_every_s"`
}

// EncoderConfig selects the output backend. Zero width/height/fps inherit
// from the frames and the buffer.
type EncoderConfig struct {
	Backend          string `yaml:"backend"`
	Bitrate          int    `yaml:"bitrate"` // bits per second
	KeyframeInterval int    `yaml:"keyframe_interval"`
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	FPS              int    `yaml:"fps"`
	View             int    `yaml:"view"` // -1 encodes every view
}

// SaveConfig controls save jobs.
type SaveConfig struct {
	OutputDir       string  `yaml:"output_dir"`
	MaxSkipRatio    float64 `yaml:"max_skip_ratio"`
	MinFreeBytes    uint64  `yaml:"min_free_bytes"`
	ShutdownGraceMS int     `yaml:"shutdown_grace_ms"`
	WriteMetadata   bool    `yaml:"write_metadata"`
}

// IndexConfig locates the clip database.
type IndexConfig struct {
	Path      string `yaml:"path"`
	KeepClips int    `yaml:"keep_clips"` // 0 keeps everything
}

// NotifyConfig enables the optional sinks.
type NotifyConfig struct {
	WebsocketAddr string     `yaml:"websocket_addr"`
	Haptics       bool       `yaml:"haptics"`
	MQTT          MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures the broker sink.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoggingConfig controls diagnostics and daemon logs.
type LoggingConfig struct {
	Diagnostics bool   `yaml:"diagnostics"`
	DiagPath    string `yaml:"diag_path"`
	LogDir      string `yaml:"log_dir"`
}

// Default returns the built-in configuration: 10 s at 90 fps, left grip and
// trigger, 500 ms debounce, 20 Mbps mjpeg output.
func Default() *Config {
	dataDir := filepath.Join(homeDir(), ".local", "share", appName)
	runtimeDir := filepath.Join(homeDir(), ".cache", appName)
	return &Config{
		Buffer: BufferConfig{DurationSeconds: 10, FPS: 90},
		Capture: CaptureConfig{
			Source:      "simulated",
			Codec:       codec.NameJPEG,
			JPEGQuality: codec.DefaultJPEGQuality,
			QueueDepth:  2,
			Width:       256,
			Height:      256,
			Views:       1,
		},
		Trigger: TriggerConfig{
			Combo:          detector.LeftGripAndTrigger.String(),
			Threshold:      float64(detector.DefaultThreshold),
			DebounceMS:     500,
			PollIntervalMS: 10,
		},
		Encoder: EncoderConfig{
			Backend: "mjpeg",
			Bitrate: 20_000_000,
		},
		Save: SaveConfig{
			OutputDir:       filepath.Join(dataDir, "clips"),
			MaxSkipRatio:    1,
			ShutdownGraceMS: 5000,
			WriteMetadata:   true,
		},
		Index: IndexConfig{Path: filepath.Join(dataDir, "clips.db")},
		Logging: LoggingConfig{
			DiagPath: filepath.Join(runtimeDir, "diag.ndjson"),
			LogDir:   runtimeDir,
		},
		RuntimeDir: runtimeDir,
	}
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return os.TempDir()
}

// DefaultPath is ~/.config/replaybuf/config.yaml.
func DefaultPath() string {
	return filepath.Join(homeDir(), ".config", appName, "config.yaml")
}

// Load reads path, or DefaultPath when empty. A missing file yields the
// defaults. Fields absent from the file keep their default values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save validates cfg and writes it to path via temp file and rename.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

func (c *Config) expandPaths() {
	for _, p := range []*string{
		&c.Save.OutputDir, &c.Index.Path, &c.Logging.DiagPath, &c.Logging.LogDir, &c.RuntimeDir,
	} {
		*p = expandHome(*p)
	}
}

func expandHome(p string) string {
	if p == "~" {
		return homeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(homeDir(), p[2:])
	}
	return p
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Buffer.DurationSeconds < 5 || c.Buffer.DurationSeconds > 60 || math.IsNaN(c.Buffer.DurationSeconds) {
		add("buffer.duration_seconds must be between 5 and 60, got %v", c.Buffer.DurationSeconds)
	}
	if c.Buffer.FPS < 30 || c.Buffer.FPS > 144 {
		add("buffer.fps must be between 30 and 144, got %d", c.Buffer.FPS)
	}

	switch c.Capture.Source {
	case "simulated", "none":
	default:
		add("capture.source must be simulated or none, got %q", c.Capture.Source)
	}
	switch c.Capture.Codec {
	case codec.NameJPEG, codec.NameZstd:
	default:
		add("capture.codec must be jpeg or zstd, got %q", c.Capture.Codec)
	}
	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		add("capture.jpeg_quality must be between 1 and 100, got %d", c.Capture.JPEGQuality)
	}
	if c.Capture.QueueDepth < 1 || c.Capture.QueueDepth > 64 {
		add("capture.queue_depth must be between 1 and 64, got %d", c.Capture.QueueDepth)
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		add("capture.width and capture.height must be positive, got %dx%d", c.Capture.Width, c.Capture.Height)
	}
	if c.Capture.Views < 1 || c.Capture.Views > 2 {
		add("capture.views must be 1 or 2, got %d", c.Capture.Views)
	}

	if _, err := detector.ParseCombo(c.Trigger.Combo); err != nil {
		add("trigger.combo: %v", err)
	}
	// Pressed means strictly above threshold, so 1 could never fire.
	if !(c.Trigger.Threshold > 0 && c.Trigger.Threshold < 1) {
		add("trigger.threshold must be in (0, 1), got %v", c.Trigger.Threshold)
	}
	if c.Trigger.DebounceMS < 0 {
		add("trigger.debounce_ms must not be negative, got %d", c.Trigger.DebounceMS)
	}
	if c.Trigger.PollIntervalMS < 1 || c.Trigger.PollIntervalMS > 1000 {
		add("trigger.poll_interval_ms must be between 1 and 1000, got %d", c.Trigger.PollIntervalMS)
	}
	if c.Trigger.SimulateEveryS < 0 {
		add("trigger.simulate_every_s must not be negative, got %v", c.Trigger.SimulateEveryS)
	}

	if strings.TrimSpace(c.Encoder.Backend) == "" {
		add("encoder.backend must be set")
	}
	if c.Encoder.Bitrate < 1_000_000 || c.Encoder.Bitrate > 100_000_000 {
		add("encoder.bitrate must be between 1 and 100 Mbps, got %d bps", c.Encoder.Bitrate)
	}
	if c.Encoder.KeyframeInterval < 0 || c.Encoder.Width < 0 || c.Encoder.Height < 0 || c.Encoder.FPS < 0 {
		add("encoder.keyframe_interval, width, height and fps must not be negative")
	}
	if c.Encoder.View < -1 || c.Encoder.View >= c.Capture.Views {
		add("encoder.view must be -1 or a capture view index, got %d", c.Encoder.View)
	}

	if strings.TrimSpace(c.Save.OutputDir) == "" {
		add("save.output_dir must be set")
	}
	if c.Save.MaxSkipRatio < 0 || c.Save.MaxSkipRatio > 1 {
		add("save.max_skip_ratio must be between 0 and 1, got %v", c.Save.MaxSkipRatio)
	}
	if c.Save.ShutdownGraceMS < 0 {
		add("save.shutdown_grace_ms must not be negative, got %d", c.Save.ShutdownGraceMS)
	}
	if c.Index.KeepClips < 0 {
		add("index.keep_clips must not be negative, got %d", c.Index.KeepClips)
	}

	if m := c.Notify.MQTT; m.Enabled {
		if strings.TrimSpace(m.Broker) == "" {
			add("notify.mqtt.broker is required when mqtt is enabled")
		}
		if m.QoS < 0 || m.QoS > 2 {
			add("notify.mqtt.qos must be 0, 1 or 2, got %d", m.QoS)
		}
	}

	return errors.Join(errs...)
}

// BufferFrameCount is ceil(duration × fps).
func (c *Config) BufferFrameCount() int {
	return int(math.Ceil(c.Buffer.DurationSeconds * float64(c.Buffer.FPS)))
}

// EstimatedMemoryBytes approximates the buffer's payload footprint. JPEG
// frames are assumed to be about 100 KB at quality 80 and scale linearly with
// quality; zstd frames are assumed to compress raw RGBA by half.
func (c *Config) EstimatedMemoryBytes() int64 {
	frames := int64(c.BufferFrameCount())
	if c.Capture.Codec == codec.NameZstd {
		return frames * int64(c.Capture.Width*c.Capture.Height*4) / 2
	}
	perFrame := 100_000 * float64(c.Capture.JPEGQuality) / 80
	return int64(float64(frames) * perFrame)
}

// Debounce returns trigger.debounce_ms as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Trigger.DebounceMS) * time.Millisecond
}

// PollInterval returns trigger.poll_interval_ms as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Trigger.PollIntervalMS) * time.Millisecond
}

// ShutdownGrace returns save.shutdown_grace_ms as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Save.ShutdownGraceMS) * time.Millisecond
}

// EncoderFPS is encoder.fps, or the buffer rate when unset.
func (c *Config) EncoderFPS() int {
	if c.Encoder.FPS > 0 {
		return c.Encoder.FPS
	}
	return c.Buffer.FPS
}

// KeyframeInterval is encoder.keyframe_interval, or one per second of video
// when unset.
func (c *Config) KeyframeInterval() int {
	if c.Encoder.KeyframeInterval > 0 {
		return c.Encoder.KeyframeInterval
	}
	return c.EncoderFPS()
}

// BufferChanged reports whether other needs a different frame store.
func (c *Config) BufferChanged(other *Config) bool {
	return c.Buffer != other.Buffer
}

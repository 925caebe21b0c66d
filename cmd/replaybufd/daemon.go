package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tiroq/replaybuf/internal/capture"
	"github.com/tiroq/replaybuf/internal/clipindex"
	"github.com/tiroq/replaybuf/internal/codec"
	"github.com/tiroq/replaybuf/internal/config"
	"github.com/tiroq/replaybuf/internal/detector"
	"github.com/tiroq/replaybuf/internal/diaglog"
	"github.com/tiroq/replaybuf/internal/framestore"
	"github.com/tiroq/replaybuf/internal/ingest"
	"github.com/tiroq/replaybuf/internal/ipc"
	"github.com/tiroq/replaybuf/internal/notify"
	"github.com/tiroq/replaybuf/internal/orchestrator"
	"github.com/tiroq/replaybuf/internal/pipeline"
	"github.com/tiroq/replaybuf/internal/recorder"
	"github.com/tiroq/replaybuf/internal/recorder/mjpeg"
	"github.com/tiroq/replaybuf/internal/statemachine"
)

// statusInterval is how often status.json is refreshed while idle.
const statusInterval = 2 * time.Second

// pressHold is how long a simulated combo press lasts.
const pressHold = 100 * time.Millisecond

// daemon owns every long-lived component. Its fields are only mutated from
// the main loop; components with their own goroutines are internally
// synchronized.
type daemon struct {
	configPath string
	cfg        *config.Config
	diag       *diaglog.Logger
	ipcDir     ipc.Dir

	codec    codec.Codec
	store    *framestore.Handle
	ingester *ingest.Ingester
	source   *capture.Simulated
	combo    detector.Combo
	trigger  *statemachine.Trigger
	orch     *orchestrator.Orchestrator
	index    *clipindex.Index
	sinks    *notify.Multi
	hub      *notify.Hub
	mqtt     *notify.MQTT
	http     *http.Server
	wsURL    string

	modeMu     sync.Mutex
	mode       ipc.OperatingMode
	startedAt  time.Time
	lastAction string
	lastError  string

	commands chan ipc.Command
	reloads  chan struct{}
	events   chan notify.Event
}

func newDaemon(configPath string, cfg *config.Config, diag *diaglog.Logger) (*daemon, error) {
	d := &daemon{
		configPath: configPath,
		cfg:        cfg,
		diag:       diag,
		ipcDir:     ipc.Dir(cfg.RuntimeDir),
		mode:       ipc.ModeAuto,
		startedAt:  time.Now(),
		lastAction: "startup",
		commands:   make(chan ipc.Command, 8),
		reloads:    make(chan struct{}, 1),
		events:     make(chan notify.Event, 16),
	}

	c, err := codec.New(cfg.Capture.Codec, cfg.Capture.JPEGQuality)
	if err != nil {
		return nil, err
	}
	d.codec = c

	store, err := framestore.NewForDuration(cfg.Buffer.DurationSeconds, cfg.Buffer.FPS)
	if err != nil {
		return nil, fmt.Errorf("frame store: %w", err)
	}
	d.store = framestore.NewHandle(store)
	outLog.Printf("[STARTUP] Frame store: %d frames (%.0fs at %d fps), ~%s with %s",
		store.Capacity(), cfg.Buffer.DurationSeconds, cfg.Buffer.FPS,
		humanize.Bytes(uint64(cfg.EstimatedMemoryBytes())), c.Name())

	d.ingester = ingest.New(d.store, c, ingest.Options{
		QueueDepth: cfg.Capture.QueueDepth,
		FPS:        cfg.Buffer.FPS,
		Diag:       diag,
	})

	if cfg.Capture.Source == "simulated" {
		d.source = capture.NewSimulated(capture.SimulatedConfig{
			Width:  cfg.Capture.Width,
			Height: cfg.Capture.Height,
			FPS:    cfg.Buffer.FPS,
			Views:  cfg.Capture.Views,
		})
	}

	registry := recorder.NewRegistry()
	registry.Register(mjpeg.NewBackend())
	if err := registry.SetPrimary(cfg.Encoder.Backend); err != nil {
		return nil, err
	}
	maxSkip := cfg.Save.MaxSkipRatio
	pipe := pipeline.New(c, registry.Primary(), pipeline.Options{
		Encoder: recorder.EncoderConfig{
			Bitrate:          cfg.Encoder.Bitrate,
			KeyframeInterval: cfg.KeyframeInterval(),
			Width:            cfg.Encoder.Width,
			Height:           cfg.Encoder.Height,
			FPS:              cfg.EncoderFPS(),
		},
		MaxSkipRatio: &maxSkip,
		View:         cfg.Encoder.View,
		Diag:         diag,
	})

	d.index, err = clipindex.Open(cfg.Index.Path)
	if err != nil {
		return nil, err
	}
	outLog.Printf("[STARTUP] Clip index: %s", d.index.Path())

	if err := d.buildSinks(); err != nil {
		d.index.Close()
		return nil, err
	}

	d.orch, err = orchestrator.New(orchestrator.Options{
		Store:         d.store,
		Pipeline:      pipe,
		Sink:          d.sinks,
		Index:         d.index,
		OutputDir:     cfg.Save.OutputDir,
		WriteMetadata: cfg.Save.WriteMetadata,
		MinFreeBytes:  cfg.Save.MinFreeBytes,
		Version:       Version,
		Codec:         c.Name(),
		FPS:           cfg.EncoderFPS(),
		Diag:          diag,
	})
	if err != nil {
		d.closeSinks()
		d.index.Close()
		return nil, err
	}
	outLog.Printf("[STARTUP] Saving %s clips to %s", pipe.Backend(), cfg.Save.OutputDir)

	combo, err := detector.ParseCombo(cfg.Trigger.Combo)
	if err != nil {
		errLog.Printf("[STARTUP] %v, using %s", err, combo)
	}
	d.combo = combo
	d.trigger = statemachine.NewTrigger(statemachine.TriggerConfig{
		Combo:     combo,
		Threshold: float32(cfg.Trigger.Threshold),
		Debounce:  cfg.Debounce(),
	}, nil)
	d.trigger.SetBusy(d.orch.InFlight)

	return d, nil
}

// buildSinks assembles the notification fan-out. The events channel feeds
// clip pruning and status refreshes back into the main loop.
func (d *daemon) buildSinks() error {
	d.sinks = notify.NewMulti(d.diag, notify.NewLog(outLog, d.diag))
	d.sinks.Add(notify.Func(func(e notify.Event) {
		select {
		case d.events <- e:
		default:
		}
	}))

	if d.cfg.Notify.Haptics {
		d.sinks.Add(notify.NewHaptic(logVibrator{}))
	}

	if addr := d.cfg.Notify.WebsocketAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("websocket listener: %w", err)
		}
		d.hub = notify.NewHub(0, d.diag)
		mux := http.NewServeMux()
		mux.Handle("/events", d.hub)
		mux.HandleFunc("/status", d.serveStatus)
		d.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		d.wsURL = "ws://" + ln.Addr().String() + "/events"
		go func() {
			if err := d.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errLog.Printf("[RUNNING] HTTP server stopped: %v", err)
			}
		}()
		d.sinks.Add(d.hub)
		outLog.Printf("[STARTUP] Event feed at %s", d.wsURL)
	}

	if m := d.cfg.Notify.MQTT; m.Enabled {
		sink, err := notify.DialMQTT(notify.MQTTConfig{
			Broker:   m.Broker,
			ClientID: m.ClientID,
			Topic:    m.Topic,
			Username: m.Username,
			Password: m.Password,
			QoS:      byte(m.QoS),
		}, d.diag)
		if err != nil {
			errLog.Printf("[STARTUP] MQTT disabled: %v", err)
		} else {
			d.mqtt = sink
			d.sinks.Add(sink)
			outLog.Printf("[STARTUP] Publishing events to %s", m.Broker)
		}
	}
	return nil
}

func (d *daemon) closeSinks() {
	if d.hub != nil {
		d.hub.Close()
	}
	if d.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = d.http.Shutdown(ctx)
		cancel()
	}
	if d.mqtt != nil {
		d.mqtt.Close()
	}
}

// Run starts the capture and trigger goroutines and blocks until a signal or
// a quit command arrives.
func (d *daemon) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.ingester.Start()
	if d.source != nil {
		if err := d.source.Start(ctx, d.ingester.Ingest); err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		outLog.Printf("[STARTUP] Capture source %s running", d.source.Name())
	} else {
		outLog.Println("[STARTUP] No capture source configured; the buffer stays empty")
	}

	if d.cfg.Trigger.SimulateEveryS > 0 {
		period := time.Duration(d.cfg.Trigger.SimulateEveryS * float64(time.Second))
		sampler := detector.NewPulseSampler(d.combo, period, pressHold)
		go func() {
			_ = detector.Poll(ctx, sampler, d.cfg.PollInterval(), d.onSample)
		}()
		outLog.Printf("[STARTUP] Simulated combo press every %s", period)
	}

	go d.watchCommands(ctx)
	go d.watchConfig(ctx)

	d.writeStatus()
	outLog.Println("[RUNNING] Replay buffer active")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.writeStatus()

		case cmd := <-d.commands:
			if quit := d.handleCommand(cmd); quit {
				return d.shutdown(cancel)
			}

		case <-d.reloads:
			d.reload()

		case e := <-d.events:
			d.onEvent(e)

		case sig := <-sigChan:
			outLog.Printf("[SHUTDOWN] Received signal %v", sig)
			return d.shutdown(cancel)
		}
	}
}

// onSample runs on the trigger goroutine.
func (d *daemon) onSample(s detector.Sample) {
	if d.Mode() == ipc.ModePaused {
		return
	}
	switch d.trigger.Process(s) {
	case statemachine.Fire:
		d.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentTrigger,
			Event:     diaglog.EventTriggerFired,
		})
		d.requestSave("trigger")
	case statemachine.Discarded:
		d.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentTrigger,
			Event:     diaglog.EventTriggerDiscarded,
			Reason:    orchestrator.ErrSaveInProgress.Error(),
		})
	}
}

func (d *daemon) requestSave(reason string) {
	job, err := d.orch.RequestSave(reason)
	if err != nil {
		outLog.Printf("[SAVE] Request (%s) rejected: %v", reason, err)
		return
	}
	outLog.Printf("[SAVE] Job %s accepted: %d frames -> %s", job.ID, job.Frames, job.Path)
}

func (d *daemon) onEvent(e notify.Event) {
	switch e.Kind {
	case notify.KindStarted:
		d.lastAction = "save_started"
	case notify.KindSucceeded:
		d.lastAction = "save_succeeded"
		d.lastError = ""
		d.prune()
	case notify.KindFailed:
		d.lastAction = "save_failed"
		d.lastError = fmt.Sprintf("%s: %s", e.Class, e.Reason)
	}
	d.writeStatus()
}

func (d *daemon) prune() {
	keep := d.cfg.Index.KeepClips
	if keep <= 0 {
		return
	}
	n, err := d.index.Prune(keep, d.cfg.Save.OutputDir)
	if err != nil {
		errLog.Printf("[SAVE] Prune failed: %v", err)
		return
	}
	if n > 0 {
		outLog.Printf("[SAVE] Pruned %d old clip(s), keeping %d", n, keep)
	}
}

// Mode is read from the trigger goroutine.
func (d *daemon) Mode() ipc.OperatingMode {
	d.modeMu.Lock()
	defer d.modeMu.Unlock()
	return d.mode
}

func (d *daemon) setMode(m ipc.OperatingMode) {
	d.modeMu.Lock()
	d.mode = m
	d.modeMu.Unlock()
}

// handleCommand processes manual control commands. It reports whether the
// daemon should exit.
func (d *daemon) handleCommand(cmd ipc.Command) bool {
	outLog.Printf("Received command: %s", cmd)

	switch cmd {
	case ipc.CmdSave:
		d.lastAction = "manual_save"
		d.requestSave("manual")

	case ipc.CmdStatus:
		// refreshed below

	case ipc.CmdReload:
		d.reload()

	case ipc.CmdPause:
		d.setMode(ipc.ModePaused)
		d.lastAction = "paused"
		outLog.Println("Mode changed to PAUSED (controller input ignored)")

	case ipc.CmdResume:
		d.setMode(ipc.ModeAuto)
		d.lastAction = "resumed"
		outLog.Println("Mode changed to AUTO")

	case ipc.CmdQuit:
		outLog.Println("Quit command received - shutting down")
		return true

	default:
		errLog.Printf("Unknown command: %s", cmd)
	}
	d.writeStatus()
	return false
}

// reload re-reads the config file. Buffer changes rebuild the frame store and
// drop its contents; debounce applies immediately; everything else needs a
// restart.
func (d *daemon) reload() {
	next, err := config.Load(d.configPath)
	if err != nil {
		errLog.Printf("[RUNNING] Config reload failed, keeping current settings: %v", err)
		d.lastError = err.Error()
		return
	}

	changes := map[string]interface{}{}
	if d.cfg.BufferChanged(next) {
		if _, err := d.store.Replace(next.Buffer.DurationSeconds, next.Buffer.FPS); err != nil {
			errLog.Printf("[RUNNING] Frame store rebuild failed: %v", err)
			d.lastError = err.Error()
			return
		}
		d.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentFrameStore,
			Event:     diaglog.EventStoreRebuilt,
			Payload: map[string]interface{}{
				"duration_s": next.Buffer.DurationSeconds,
				"fps":        next.Buffer.FPS,
				"capacity":   d.store.Capacity(),
			},
		})
		outLog.Printf("[RUNNING] Frame store rebuilt: %d frames", d.store.Capacity())
		changes["buffer"] = next.Buffer
	}
	if next.Debounce() != d.trigger.Debounce() {
		d.trigger.SetDebounce(next.Debounce())
		changes["debounce_ms"] = next.Trigger.DebounceMS
	}
	d.cfg.Buffer = next.Buffer
	d.cfg.Trigger.DebounceMS = next.Trigger.DebounceMS
	d.cfg.Index.KeepClips = next.Index.KeepClips

	d.lastAction = "config_reloaded"
	d.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentDaemon,
		Event:     diaglog.EventConfigReloaded,
		Payload:   changes,
	})
	outLog.Printf("[RUNNING] Config reloaded (%d live change(s))", len(changes))
	d.writeStatus()
}

// shutdown stops intake, then gives the in-flight save the configured grace
// period before abandoning it.
func (d *daemon) shutdown(cancel context.CancelFunc) error {
	outLog.Println("[SHUTDOWN] Stopping capture and trigger")
	cancel()
	if d.source != nil {
		d.source.Stop()
	}
	d.ingester.Stop()

	grace := d.cfg.ShutdownGrace()
	if d.orch.InFlight() {
		outLog.Printf("[SHUTDOWN] Waiting up to %s for the running save", grace)
	}
	ctx, done := context.WithTimeout(context.Background(), grace)
	defer done()
	err := d.orch.Shutdown(ctx)
	if err != nil {
		errLog.Printf("[SHUTDOWN] %v", err)
	}

	d.lastAction = "shutdown"
	d.writeStatus()
	d.closeSinks()
	if cerr := d.index.Close(); cerr != nil {
		errLog.Printf("[SHUTDOWN] Closing clip index: %v", cerr)
	}
	if closer, ok := d.codec.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	outLog.Println("[SHUTDOWN] Done")
	return err
}

// logVibrator stands in for controller haptics when no input device is
// attached.
type logVibrator struct{}

func (logVibrator) Vibrate(p notify.HapticParams) error {
	outLog.Printf("[HAPTIC] freq=%.1f amp=%.1f dur=%s", p.Frequency, p.Amplitude, p.Duration)
	return nil
}

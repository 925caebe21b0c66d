// Command replayctl controls a running replaybufd and browses saved clips.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tiroq/replaybuf/internal/clipindex"
	"github.com/tiroq/replaybuf/internal/config"
	"github.com/tiroq/replaybuf/internal/diaglog"
	"github.com/tiroq/replaybuf/internal/eventfeed"
	"github.com/tiroq/replaybuf/internal/fileutil"
	"github.com/tiroq/replaybuf/internal/ipc"
	"github.com/tiroq/replaybuf/internal/notify"
	"github.com/tiroq/replaybuf/internal/pidfile"
	"github.com/tiroq/replaybuf/internal/recorder/qsp"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

const usage = `usage: replayctl [-config path] <command> [args]

daemon commands:
  save          save the current buffer to a clip
  status        show daemon status
  reload        re-read the config file
  pause         ignore controller input
  resume        re-enable controller input
  quit          stop the daemon
  watch         stream save events until interrupted

library commands:
  clips [-n N] [-all]   list saved clips (newest first)
  delete ID             delete a clip and its file
  inspect FILE          verify a .qsp clip and print its header
  config-init [-force]  write the default config file
  export-diag [-out D]  bundle the diagnostic log for a bug report
`

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to config.yaml")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath, name string, args []string) error {
	switch name {
	case "config-init":
		return configInit(configPath, args)
	case "inspect":
		return inspect(args)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	switch name {
	case "status":
		return status(cfg)
	case "clips":
		return clips(cfg, args)
	case "delete":
		return deleteClip(cfg, args)
	case "export-diag":
		return exportDiag(cfg, args)
	case "watch":
		return watch(cfg)
	}

	cmd, err := ipc.ParseCommand(name)
	if err != nil {
		flag.Usage()
		return err
	}
	return send(cfg, cmd)
}

func send(cfg *config.Config, cmd ipc.Command) error {
	if _, ok := pidfile.Running(pidfile.PathFor(cfg.RuntimeDir, "replaybufd")); !ok {
		return errors.New("replaybufd is not running")
	}
	if err := ipc.Dir(cfg.RuntimeDir).WriteCommand(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	fmt.Printf("Sent %s\n", cmd)
	return nil
}

func status(cfg *config.Config) error {
	pid, running := pidfile.Running(pidfile.PathFor(cfg.RuntimeDir, "replaybufd"))
	st, err := ipc.Dir(cfg.RuntimeDir).ReadStatus()
	if err != nil {
		if !running {
			return errors.New("replaybufd is not running")
		}
		return fmt.Errorf("read status: %w", err)
	}

	state := "running"
	if !running {
		state = "stopped (last status shown)"
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Daemon:\t%s, pid %d, v%s, started %s\n", state, pid, st.Version, humanize.Time(st.StartedAt))
	fmt.Fprintf(w, "Mode:\t%s\n", st.Mode)
	fmt.Fprintf(w, "Buffer:\t%d/%d frames (%.0f%%), %s, %s\n",
		st.Buffer.Frames, st.Buffer.Capacity, st.Buffer.FillRatio*100,
		humanize.Bytes(uint64(st.Buffer.PayloadBytes)),
		time.Duration(st.Buffer.SpanMS)*time.Millisecond)
	fmt.Fprintf(w, "Ingest:\t%s ingested, %s dropped, %s compress failures\n",
		humanize.Comma(int64(st.Ingest.Ingested)), humanize.Comma(int64(st.Ingest.Dropped)),
		humanize.Comma(int64(st.Ingest.CompressFailed)))
	fmt.Fprintf(w, "Trigger:\t%s, %d fired, %d discarded\n", st.Trigger.State, st.Trigger.Fired, st.Trigger.Discarded)
	fmt.Fprintf(w, "Saves:\t%d ok, %d partial, %d failed, %d incomplete (saving=%v)\n",
		st.Saves.Succeeded, st.Saves.Partial, st.Saves.Failed, st.Saves.Incomplete, st.Saving)
	if st.LastClip != nil {
		fmt.Fprintf(w, "Last clip:\t%s %s %s\n", st.LastClip.Status, st.LastClip.Path, humanize.Time(st.LastClip.FinishedAt))
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", st.LastError)
	}
	fmt.Fprintf(w, "Clips:\t%s in %s\n", humanize.Bytes(uint64(st.ClipsOnDisk)), st.OutputDir)
	if st.WebsocketURL != "" {
		fmt.Fprintf(w, "Events:\t%s\n", st.WebsocketURL)
	}
	fmt.Fprintf(w, "Updated:\t%s\n", humanize.Time(st.Timestamp))
	return w.Flush()
}

func clips(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("clips", flag.ExitOnError)
	limit := fs.Int("n", 20, "number of rows, 0 for all")
	all := fs.Bool("all", false, "include failed and incomplete saves")
	_ = fs.Parse(args)

	idx, err := clipindex.Open(cfg.Index.Path)
	if err != nil {
		return err
	}
	defer idx.Close()

	var rows []clipindex.Clip
	if *all {
		rows, err = idx.History(*limit)
	} else {
		rows, err = idx.List(*limit)
	}
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No clips yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSAVED\tSTATUS\tFRAMES\tLENGTH\tSIZE\tFILE")
	for _, c := range rows {
		file := c.Path
		if file == "" {
			file = c.ErrorClass
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			shortID(c.ID), humanize.Time(c.FinishedAt), c.Status, c.Frames,
			c.Media.Round(time.Millisecond), humanize.Bytes(uint64(c.SizeBytes)), file)
	}
	return w.Flush()
}

func deleteClip(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: replayctl delete ID")
	}
	idx, err := clipindex.Open(cfg.Index.Path)
	if err != nil {
		return err
	}
	defer idx.Close()

	id, err := resolveID(idx, args[0])
	if err != nil {
		return err
	}
	if err := idx.Delete(id, cfg.Save.OutputDir); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", id)
	return nil
}

func watch(cfg *config.Config) error {
	url := ""
	if st, err := ipc.Dir(cfg.RuntimeDir).ReadStatus(); err == nil {
		url = st.WebsocketURL
	}
	if url == "" && cfg.Notify.WebsocketAddr != "" {
		url = "ws://" + cfg.Notify.WebsocketAddr + "/events"
	}
	if url == "" {
		return errors.New("event feed disabled: set notify.websocket_addr in the config")
	}

	c := eventfeed.NewClient(url)
	c.OnEvent(printEvent)
	c.OnDisconnected(func() { fmt.Fprintln(os.Stderr, "feed lost, reconnecting...") })
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Disconnect()
	fmt.Printf("Watching %s (Ctrl-C to stop)\n", url)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Printf("\n%d event(s) received\n", c.Received())
	return nil
}

func printEvent(e notify.Event) {
	ts := e.At.Local().Format("15:04:05.000")
	switch e.Kind {
	case notify.KindStarted:
		fmt.Printf("%s  %s  started    %s\n", ts, shortID(e.JobID), e.Path)
	case notify.KindSucceeded:
		note := ""
		if e.Partial {
			note = fmt.Sprintf(" (%d skipped)", e.FramesSkipped)
		}
		fmt.Printf("%s  %s  saved      %s, %d frames, %s%s\n",
			ts, shortID(e.JobID), e.Path, e.Frames, humanize.Bytes(uint64(e.Bytes)), note)
	case notify.KindFailed:
		fmt.Printf("%s  %s  failed     %s: %s\n", ts, shortID(e.JobID), e.Class, e.Reason)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// resolveID expands the 8-character prefix shown by "clips".
func resolveID(idx *clipindex.Index, prefix string) (string, error) {
	if _, err := idx.Get(prefix); err == nil {
		return prefix, nil
	}
	rows, err := idx.History(0)
	if err != nil {
		return "", err
	}
	match := ""
	for _, c := range rows {
		if len(c.ID) >= len(prefix) && c.ID[:len(prefix)] == prefix {
			if match != "" {
				return "", fmt.Errorf("clip id %q is ambiguous", prefix)
			}
			match = c.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", clipindex.ErrNotFound, prefix)
	}
	return match, nil
}

func inspect(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: replayctl inspect FILE")
	}
	path := args[0]

	r, err := qsp.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	var payload int64
	keyframes := 0
	for i := 0; i < r.Len(); i++ {
		u, err := r.Unit(i)
		if err != nil {
			return fmt.Errorf("unit %d: %w", i, err)
		}
		payload += int64(len(u.Data))
		if u.KeyFrame {
			keyframes++
		}
	}

	h := r.Header()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "File:\t%s\n", path)
	fmt.Fprintf(w, "Format:\t%s v%d\n", qsp.Magic, h.Version)
	fmt.Fprintf(w, "Video:\t%dx%d @ %d fps\n", h.Width, h.Height, h.FPS)
	fmt.Fprintf(w, "Units:\t%d (%d key), all checksums OK\n", r.Len(), keyframes)
	fmt.Fprintf(w, "Duration:\t%s\n", r.Duration())
	fmt.Fprintf(w, "Payload:\t%s\n", humanize.Bytes(uint64(payload)))
	if meta, err := fileutil.ReadMetadata(path); err == nil {
		fmt.Fprintf(w, "Job:\t%s (%s)\n", meta.JobID, meta.Reason)
		fmt.Fprintf(w, "Frames:\t%d in, %d encoded, %d skipped\n", meta.FramesIn, meta.FramesEncoded, meta.FramesSkipped)
		fmt.Fprintf(w, "Saved:\t%s by %s %s\n", meta.FinishedAt.Format(time.RFC3339), meta.Backend, meta.Version)
	}
	return w.Flush()
}

func configInit(path string, args []string) error {
	fs := flag.NewFlagSet("config-init", flag.ExitOnError)
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args)

	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", path)
	}
	cfg := config.Default()
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	fmt.Printf("Buffer: %d frames, about %s of memory\n",
		cfg.BufferFrameCount(), humanize.Bytes(uint64(cfg.EstimatedMemoryBytes())))
	return nil
}

func exportDiag(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("export-diag", flag.ExitOnError)
	dest := fs.String("out", ".", "directory for the bundle")
	_ = fs.Parse(args)

	diaglog.Version = Version
	path, n, err := diaglog.Export(cfg.Logging.DiagPath, *dest, map[string]interface{}{
		"binary":     "replayctl",
		"output_dir": cfg.Save.OutputDir,
		"buffer_s":   strconv.FormatFloat(cfg.Buffer.DurationSeconds, 'f', -1, 64),
		"fps":        cfg.Buffer.FPS,
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w (run the daemon with %s=true to enable logging)", err, diaglog.EnvDebug)
		}
		return err
	}
	fmt.Printf("Wrote: %s (%d lines)\n", path, n)
	return nil
}

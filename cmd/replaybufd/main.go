package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/tiroq/replaybuf/internal/config"
	"github.com/tiroq/replaybuf/internal/diaglog"
	"github.com/tiroq/replaybuf/internal/pidfile"
)

const (
	appName   = "replaybufd"
	logPrefix = "[replaybufd]"

	maxLogSize = 10 * 1024 * 1024
)

var (
	// Version is set at build time via -ldflags "-X main.Version=..."
	Version = "dev"

	outLog *log.Logger
	errLog *log.Logger
)

func main() {
	// --export-diag subcommand: read log, write bundle, exit.
	if len(os.Args) > 1 && os.Args[1] == "--export-diag" {
		os.Exit(exportDiag(os.Args[2:]))
	}

	configPath := flag.String("config", config.DefaultPath(), "path to config.yaml")
	flag.Parse()

	os.Exit(run(*configPath))
}

func run(configPath string) (code int) {
	// Recover from any panics and log them
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC in %s: %v\n", appName, r)
			if errLog != nil {
				errLog.Printf("PANIC: %v", r)
			}
			code = 1
		}
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config %s: %v\n", configPath, err)
		return 1
	}

	if err := initLogging(cfg.Logging.LogDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		return 1
	}

	outLog.Println("===========================================")
	outLog.Println("Starting replaybufd v" + Version + "...")
	outLog.Printf("PID: %d", os.Getpid())
	outLog.Printf("Config: %s", configPath)
	outLog.Println("===========================================")

	// Check for duplicate instances
	pidFilePath := pidfile.PathFor(cfg.RuntimeDir, appName)
	pf, err := pidfile.New(pidFilePath)
	if err != nil {
		errLog.Printf("Failed to create PID file: %v", err)
		if errors.Is(err, pidfile.ErrLocked) {
			errLog.Println("Stop the running daemon with: replayctl quit")
		}
		return 1
	}
	defer func() {
		outLog.Println("[SHUTDOWN] Removing PID file")
		if err := pf.Remove(); err != nil {
			errLog.Printf("Warning: failed to remove PID file: %v", err)
		}
	}()
	outLog.Printf("[STARTUP] PID file locked: %s", pidFilePath)

	diaglog.Version = Version
	diag, err := diaglog.New(cfg.Logging.DiagPath, cfg.Logging.Diagnostics || diaglog.IsDebugEnabled())
	if err != nil {
		errLog.Printf("[STARTUP] Diagnostics disabled: %v", err)
		diag = diaglog.NewNoOp()
	}
	defer diag.Close()
	if diag.Enabled() {
		outLog.Printf("[STARTUP] Diagnostics enabled: %s", diag.Path())
	}

	d, err := newDaemon(configPath, cfg, diag)
	if err != nil {
		errLog.Printf("[STARTUP] %v", err)
		return 1
	}
	if err := d.Run(); err != nil {
		errLog.Printf("[SHUTDOWN] %v", err)
		return 1
	}
	return 0
}

func exportDiag(args []string) int {
	fs := flag.NewFlagSet("export-diag", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to config.yaml")
	dest := fs.String("out", ".", "directory for the bundle")
	_ = fs.Parse(args)

	logPath := os.Getenv("REPLAYBUF_LOG_PATH")
	if logPath == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 2
		}
		logPath = cfg.Logging.DiagPath
	}

	diaglog.Version = Version
	path, n, err := diaglog.Export(logPath, *dest, map[string]interface{}{"binary": appName})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "hint: run with %s=true to enable logging\n", diaglog.EnvDebug)
			return 1
		}
		return 2
	}
	fmt.Printf("Wrote: %s (%d lines)\n", path, n)
	return 0
}

func initLogging(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	outLogPath := filepath.Join(logDir, appName+".out.log")
	errLogPath := filepath.Join(logDir, appName+".err.log")

	if err := rotateLogIfNeeded(outLogPath, maxLogSize); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate out log: %v\n", err)
	}

	if err := rotateLogIfNeeded(errLogPath, maxLogSize); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate err log: %v\n", err)
	}

	outFile, err := os.OpenFile(outLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	errFile, err := os.OpenFile(errLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	outLog = log.New(outFile, logPrefix+" ", log.LstdFlags)
	errLog = log.New(errFile, logPrefix+" ERROR: ", log.LstdFlags)

	return nil
}

func rotateLogIfNeeded(logPath string, maxSize int64) error {
	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if info.Size() < maxSize {
		return nil
	}

	oldPath := logPath + ".old"
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old log: %w", err)
	}

	return os.Rename(logPath, oldPath)
}

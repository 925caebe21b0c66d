package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Command is a control request written by replayctl and consumed by the
// daemon.
type Command string

const (
	CmdSave   Command = "save"   // Save the current buffer
	CmdStatus Command = "status" // Refresh status.json now
	CmdReload Command = "reload" // Re-read the config file
	CmdPause  Command = "pause"  // Ignore the input trigger
	CmdResume Command = "resume" // Re-enable the input trigger
	CmdQuit   Command = "quit"   // Shutdown daemon
)

const (
	commandFile = "cmd.txt"
	statusFile  = "status.json"
)

// ParseCommand validates s.
func ParseCommand(s string) (Command, error) {
	cmd := Command(strings.ToLower(strings.TrimSpace(s)))
	switch cmd {
	case CmdSave, CmdStatus, CmdReload, CmdPause, CmdResume, CmdQuit:
		return cmd, nil
	}
	return "", fmt.Errorf("unknown command %q", s)
}

// Dir is the runtime directory shared by the daemon and the CLI.
type Dir string

// DefaultDir is ~/.cache/replaybuf.
func DefaultDir() Dir {
	return Dir(filepath.Join(os.Getenv("HOME"), ".cache", "replaybuf"))
}

// CommandPath is the file the daemon watches for commands.
func (d Dir) CommandPath() string { return filepath.Join(string(d), commandFile) }

// StatusPath is the file the daemon publishes its status to.
func (d Dir) StatusPath() string { return filepath.Join(string(d), statusFile) }

// WriteCommand writes cmd to <dir>/cmd.txt.
func (d Dir) WriteCommand(cmd Command) error {
	if err := os.MkdirAll(string(d), 0755); err != nil {
		return err
	}
	return os.WriteFile(d.CommandPath(), []byte(string(cmd)), 0644)
}

// ReadCommand reads and clears <dir>/cmd.txt.
// Returns empty string if no command or file doesn't exist
func (d Dir) ReadCommand() (Command, error) {
	path := d.CommandPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	// Clear the file immediately to prevent re-execution
	if len(data) > 0 {
		if err := os.WriteFile(path, []byte(""), 0644); err != nil {
			return "", err
		}
	}

	if strings.TrimSpace(string(data)) == "" {
		return "", nil
	}
	cmd, err := ParseCommand(string(data))
	if err != nil {
		// Invalid command - ignore it
		return "", nil
	}
	return cmd, nil
}

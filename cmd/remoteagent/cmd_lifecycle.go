package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var errNotRunning = errors.New("remoteagent is not running")

func init() {
	rootCmd.AddCommand(statusCmd, stopCmd, reloadCmd)
}

// daemonProcess resolves the PID file under dataDir to a live process.
// A stale PID file reports errNotRunning.
func daemonProcess(dataDir string) (*os.Process, error) {
	raw, err := os.ReadFile(pidFilePath(dataDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errNotRunning
	}
	if err != nil {
		return nil, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("pid file %s is corrupt", pidFilePath(dataDir))
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	if proc.Signal(syscall.Signal(0)) != nil {
		return nil, fmt.Errorf("%w (stale pid %d)", errNotRunning, pid)
	}
	return proc, nil
}

func signalCommand(use, short string, sig syscall.Signal, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proc, err := daemonProcess(loadConfig().DataDir)
			if err != nil {
				return err
			}
			if err := proc.Signal(sig); err != nil {
				return fmt.Errorf("signal pid %d: %w", proc.Pid, err)
			}
			ui.Success(done, proc.Pid)
			return nil
		},
	}
}

var (
	stopCmd   = signalCommand("stop", "Stop the running daemon", syscall.SIGTERM, "Stopping remoteagent (pid %d).")
	reloadCmd = signalCommand("reload", "Re-read scheduled tasks in the running daemon", syscall.SIGHUP, "Asked remoteagent (pid %d) to reload its tasks.")
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		proc, err := daemonProcess(loadConfig().DataDir)
		if errors.Is(err, errNotRunning) {
			ui.Warning("%v", err)
			return nil
		}
		if err != nil {
			return err
		}
		ui.Success("remoteagent is running (pid %d).", proc.Pid)
		return nil
	},
}

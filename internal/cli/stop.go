package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var errDaemonNotRunning = errors.New("daemon is not running")

var (
	stopTimeout time.Duration
	stopForce   bool
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the steward maintenance daemon",
	Long: `Stop the steward maintenance daemon.
Sends SIGTERM and waits up to --timeout for in-flight maintenance jobs to
finish, then falls back to SIGKILL. --force sends SIGKILL immediately.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "how long to wait for a graceful shutdown")
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "kill the daemon without waiting")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidFile, err := daemonPIDFile()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if !stopForce {
		if _, err := signalDaemon(pidFile, syscall.SIGTERM); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), stopTimeout)
		defer cancel()
		if waitForExit(ctx, pidFile) {
			_ = os.Remove(pidFile)
			fmt.Fprintln(out, "Daemon stopped")
			return nil
		}
		fmt.Fprintf(out, "Daemon did not stop within %s, sending SIGKILL\n", stopTimeout)
	}

	if _, err := signalDaemon(pidFile, syscall.SIGKILL); err != nil && !errors.Is(err, errDaemonNotRunning) {
		return err
	}
	_ = os.Remove(pidFile)
	fmt.Fprintln(out, "Daemon killed")
	return nil
}

// signalDaemon sends sig to the process named in pidFile. A PID file left
// behind by a dead process is removed.
func signalDaemon(pidFile string, sig syscall.Signal) (int, error) {
	pid, err := readPID(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, errDaemonNotRunning
		}
		return 0, err
	}
	if !isRunning(pidFile) {
		_ = os.Remove(pidFile)
		return 0, errDaemonNotRunning
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(sig); err != nil {
		return 0, fmt.Errorf("failed to send %s to %d: %w", sig, pid, err)
	}
	return pid, nil
}

// waitForExit polls until the daemon is gone or ctx ends.
func waitForExit(ctx context.Context, pidFile string) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !isRunning(pidFile) {
			return true
		}
		select {
		case <-ctx.Done():
			return !isRunning(pidFile)
		case <-ticker.C:
		}
	}
}

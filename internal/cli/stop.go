package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the kindling daemon",
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidFile := pidFilePath()
	pid := readPID(pidFile)
	if pid == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	// Wait briefly for a clean exit before reporting.
	for i := 0; i < 50; i++ {
		if readPID(pidFile) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Stop signal sent, daemon still shutting down")
	return nil
}

// Package cli implements the kindling command line interface.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kindling",
	Short: "Kindling - agent execution and scheduling runtime",
	Long: `Kindling runs scheduled and on-demand agent loops against goals,
tasks, and user agents, with tool servers reached over JSON-RPC.`,
	Version: version,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kindling/kindling.json)")
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// RootCmd exposes the root command for tests.
func RootCmd() *cobra.Command {
	return rootCmd
}

func pidFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "kindling.pid")
	}
	return filepath.Join(home, ".kindling", "kindling.pid")
}

// readPID returns the PID from the pid file, or 0 when absent or stale.
func readPID(pidFile string) int {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil || pid <= 0 {
		return 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0
	}
	// FindProcess always succeeds on Unix; signal 0 probes liveness.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0
	}
	return pid
}

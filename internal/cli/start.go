package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kindling-ai/kindling/internal/config"
	"github.com/kindling-ai/kindling/internal/daemon"
	"github.com/kindling-ai/kindling/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kindling daemon",
	Long: `Start the kindling daemon in the foreground. The daemon serves the
websocket event stream, runs the scheduler, and executes agent runs.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	pidFile := pidFilePath()
	if pid := readPID(pidFile); pid != 0 {
		return fmt.Errorf("daemon is already running (pid %d)", pid)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	l, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer l.Close()

	if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidFile)

	d, err := daemon.New(cfg, *l.Zerolog())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

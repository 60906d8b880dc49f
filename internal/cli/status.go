package cli

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kindling-ai/kindling/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	pid := readPID(pidFilePath())
	if pid == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: stopped")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Status: running\nPID: %d\n", pid)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil
	}
	client := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://%s:%d/healthz", cfg.Gateway.Host, cfg.Gateway.Port)
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Health: unreachable")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		fmt.Fprintln(cmd.OutOrStdout(), "Health: ok")
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Health: %s\n", resp.Status)
	}
	return nil
}

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kezhenxu94/calendar-downscaler/pkg/schedule"
)

var windowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "Print the upcoming downtime windows and exit",
	Long: `Connects to the configured calendar once and prints one downtime window
per line, in the "{start}-{end}" form published for the downscaler.
Nothing is written to the cluster.`,
	Args: cobra.NoArgs,
	RunE: runWindows,
}

func runWindows(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	kind, err := schedule.ParseKind(cfg.Calendar.Provider)
	if err != nil {
		return err
	}
	provider, err := schedule.New(kind, cfg.Calendar.Options())
	if err != nil {
		return err
	}
	provider.Load(cfg.Calendar.Credentials())

	if err := provider.Connect(cmd.Context()); err != nil {
		return fmt.Errorf("failed to sync calendar: %w", err)
	}

	now := time.Now()
	out := cmd.OutOrStdout()
	for _, r := range provider.NextRange() {
		marker := ""
		if window, err := schedule.ParseRange(r); err == nil && window.Contains(now) {
			marker = " (active)"
		}
		if _, err := fmt.Fprintf(out, "%s%s\n", r, marker); err != nil {
			return err
		}
	}
	return nil
}

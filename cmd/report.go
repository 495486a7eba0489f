package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/coder/balatrollm/internal/config"
	"github.com/coder/balatrollm/internal/report"
)

var flagFormat string

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [runs-dir]",
		Short: "Generate a leaderboard from stored runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			runsDir := cfg.RunsDir
			if len(args) > 0 {
				runsDir = args[0]
			}
			return report.Generate(runsDir, flagFormat, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	return cmd
}

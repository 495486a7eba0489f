package cmd

import (
	"github.com/spf13/cobra"

	"github.com/coder/balatrollm/internal/applog"
)

var (
	cfgFile     string
	flagVerbose bool
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "balatrollm",
		Short: "LLM-vs-Balatro benchmark orchestrator",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			applog.Initialize(flagVerbose)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newServeCmd())
	return root
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coder/balatrollm/internal/applog"
	"github.com/coder/balatrollm/internal/artifacts"
	"github.com/coder/balatrollm/internal/config"
)

var flagServeAddr string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve collected run data over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Runs available at http://%s/runs/\n", flagServeAddr)
			return artifacts.New(cfg.RunsDir, applog.L()).Serve(ctx, flagServeAddr)
		},
	}
	cmd.Flags().StringVar(&flagServeAddr, "addr", "localhost:12345", "listen address")
	return cmd
}

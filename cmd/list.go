package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coder/balatrollm/internal/config"
	"github.com/coder/balatrollm/internal/strategy"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available strategies and the configured run matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			manifests, err := strategy.List(cfg.StrategiesDir)
			if err != nil {
				return err
			}
			fmt.Println("Strategies:")
			for _, m := range manifests {
				tags := ""
				if len(m.Tags) > 0 {
					tags = " [" + strings.Join(m.Tags, ", ") + "]"
				}
				fmt.Printf("  - %s v%s by %s%s\n    %s\n", m.Name, m.Version, m.Author, tags, m.Description)
			}

			fmt.Printf("\nModels:   %s\n", strings.Join(cfg.Model, ", "))
			fmt.Printf("Decks:    %s\n", strings.Join(cfg.Deck, ", "))
			fmt.Printf("Stakes:   %s\n", strings.Join(cfg.Stake, ", "))
			fmt.Printf("Seeds:    %s\n", strings.Join(cfg.Seed, ", "))

			fmt.Printf("\nConfigured matrix (%d runs):\n", cfg.TotalRuns())
			for _, t := range cfg.Tasks() {
				fmt.Printf("  - %s\n", t)
			}
			return nil
		},
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coder/balatrollm/internal/applog"
	"github.com/coder/balatrollm/internal/bot"
	"github.com/coder/balatrollm/internal/collector"
	"github.com/coder/balatrollm/internal/config"
	"github.com/coder/balatrollm/internal/executor"
	"github.com/coder/balatrollm/internal/game"
	"github.com/coder/balatrollm/internal/instance"
	"github.com/coder/balatrollm/internal/llm"
	"github.com/coder/balatrollm/internal/pricing"
	"github.com/coder/balatrollm/internal/report"
	"github.com/coder/balatrollm/internal/strategy"
)

var (
	flagModel       []string
	flagSeed        []string
	flagDeck        []string
	flagStake       []string
	flagStrategy    []string
	flagParallel    int
	flagRunsDir     string
	flagBlindPolicy string
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Play the configured model/seed/deck/stake/strategy matrix",
		RunE:  runBatch,
	}
	cmd.Flags().StringSliceVar(&flagModel, "model", nil, "model identifiers (vendor/name)")
	cmd.Flags().StringSliceVar(&flagSeed, "seed", nil, "run seeds")
	cmd.Flags().StringSliceVar(&flagDeck, "deck", nil, "deck names")
	cmd.Flags().StringSliceVar(&flagStake, "stake", nil, "stake names")
	cmd.Flags().StringSliceVar(&flagStrategy, "strategy", nil, "strategy names")
	cmd.Flags().IntVar(&flagParallel, "parallel", 0, "max concurrent runs (one game server port each)")
	cmd.Flags().StringVar(&flagRunsDir, "runs-dir", "", "directory receiving run data")
	cmd.Flags().StringVar(&flagBlindPolicy, "blind-policy", "", "blind selection policy (select, llm)")
	return cmd
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig()
	if err != nil {
		return err
	}

	tasks := cfg.Tasks()
	fmt.Printf("Scheduling %d runs over %d ports\n", len(tasks), cfg.Parallel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Game.Command != "" {
		instances, err := instance.StartAll(ctx, cfg.Ports(), instance.Options{
			Command:        cfg.Game.Command,
			LogDir:         cfg.Game.LogDir,
			StartupTimeout: time.Duration(cfg.Game.StartupTimeoutS) * time.Second,
			Logger:         applog.L(),
		})
		if err != nil {
			return fmt.Errorf("starting game servers: %w", err)
		}
		defer instance.StopAll(instances)
	}

	table, err := loadPricing(cfg)
	if err != nil {
		return err
	}

	exec := &executor.Executor{
		Ports:  cfg.Ports(),
		Logger: applog.L(),
		Run: func(ctx context.Context, task config.Task, port int) error {
			return runOne(ctx, cfg, table, task, port)
		},
		Reset: func(ctx context.Context, port int) error {
			client := game.NewClient(cfg.Host, port)
			client.Connect()
			defer client.Close()
			_, err := client.Call(ctx, "menu", nil)
			return err
		},
	}

	execErr := exec.Execute(ctx, tasks)
	if execErr != nil && !errors.Is(execErr, context.Canceled) {
		applog.Error("batch finished with failures", zap.Error(execErr))
	}

	fmt.Println("\n--- Leaderboard ---")
	if err := report.Generate(cfg.RunsDir, "table", os.Stdout); err != nil {
		applog.Warn("leaderboard generation failed", zap.Error(err))
	}
	return execErr
}

// runOne plays a single task on one port: fresh clients, a fresh run
// directory, and a per-run log file inside it.
func runOne(ctx context.Context, cfg *config.Config, table *pricing.Table, task config.Task, port int) error {
	strat, err := strategy.Load(task.Strategy, cfg.StrategiesDir)
	if err != nil {
		return err
	}

	coll, err := collector.New(task, cfg.RunsDir, strat.Manifest, table)
	if err != nil {
		return err
	}
	defer coll.Close()

	runLog, closeLog, err := applog.NewRunLogger(coll.RunDir()+"/run.log", flagVerbose)
	if err != nil {
		return err
	}
	defer closeLog()
	runLog.Info("run starting",
		zap.String("task", task.String()), zap.Int("port", port))

	gameClient := game.NewClient(cfg.Host, port)
	gameClient.Connect()
	defer gameClient.Close()

	llmClient := llm.NewClient(cfg.BaseURL, cfg.APIKey, llm.Options{})
	llmClient.SetLogger(runLog)
	defer llmClient.Close()

	b := bot.New(task, gameClient, llmClient, strat, coll, bot.Options{
		BlindPolicy: cfg.BlindPolicy,
		ModelConfig: cfg.MergedModelConfig(),
		Logger:      runLog,
	})
	return b.Play(ctx)
}

func loadRunConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	// CLI flags take precedence over file and environment.
	if len(flagModel) > 0 {
		cfg.Model = flagModel
	}
	if len(flagSeed) > 0 {
		cfg.Seed = flagSeed
	}
	if len(flagDeck) > 0 {
		cfg.Deck = flagDeck
	}
	if len(flagStake) > 0 {
		cfg.Stake = flagStake
	}
	if len(flagStrategy) > 0 {
		cfg.Strategy = flagStrategy
	}
	if flagParallel > 0 {
		cfg.Parallel = flagParallel
	}
	if flagRunsDir != "" {
		cfg.RunsDir = flagRunsDir
	}
	if flagBlindPolicy != "" {
		cfg.BlindPolicy = flagBlindPolicy
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadPricing(cfg *config.Config) (*pricing.Table, error) {
	if cfg.PricingFile != "" {
		return pricing.Load(cfg.PricingFile)
	}
	return pricing.Default()
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"graph2search/internal/app"
	"graph2search/internal/checkpoint"
	"graph2search/internal/config"
	"graph2search/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRootCmd builds the command tree; the sync runs on the root command
func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "graph2search",
		Short: "Sync Microsoft Graph users into a search index",
		Long:  `Reads the user directory from Microsoft Graph and upserts it into a search index in concurrent batches, retrying rejected records with exponential backoff.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, configFile)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file")
	config.RegisterFlags(rootCmd.Flags())

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last sync run and records that are still failing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configFile)
		},
	}
	statusCmd.Flags().String("checkpoint", config.Default().Sync.Checkpoint, "Sync ledger database file")
	rootCmd.AddCommand(statusCmd)

	return rootCmd
}

func runSync(cmd *cobra.Command, configFile string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	syncer, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create syncer: %w", err)
	}

	syncer.StartMetrics(ctx)
	err = syncer.RunPeriodic(ctx, cfg.Sync.Interval)

	if closeErr := syncer.Close(); closeErr != nil {
		log.Error("Error closing syncer", zap.Error(closeErr))
	}

	return err
}

func runStatus(cmd *cobra.Command, configFile string) error {
	path, err := config.LoadLedgerPath(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := checkpoint.OpenSQLiteStore(path)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()

	st, err := app.ReadStatus(store)
	if err != nil {
		return err
	}
	return app.WriteStatus(cmd.OutOrStdout(), st)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

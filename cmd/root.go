// Package cmd defines the CLI for the news indexer. Every pipeline stage has
// its own subcommand so stages can scale independently; serve runs them all.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/config"
	"github.com/JakeFAU/realtime-news-indexer/internal/logging"
	"github.com/JakeFAU/realtime-news-indexer/internal/server"
)

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// buildApp is the application factory. Tests replace it to avoid real backends.
var buildApp = server.Build

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "newsindexer",
		Short: "Realtime news ingestion, extraction and clustering.",
		Long: `newsindexer discovers article URLs from feeds, fetches and stores the raw
pages, extracts article metadata, and groups related articles into story
clusters. Configuration comes from an optional file plus NEWSINDEX_* env vars.`,
		SilenceUsage: true,

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Telemetry.ServiceName)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newServeCmd(),
		newStageCmd("fetch", "Lease queued URLs, fetch them and store the raw pages", server.ComponentFetch),
		newStageCmd("extract", "Extract article metadata from fetched pages", server.ComponentExtract),
		newStageCmd("cluster", "Assign parsed articles to story clusters", server.ComponentCluster),
		newStageCmd("reconcile", "Cluster articles that were stored without a cluster", server.ComponentReconcile),
		newStageCmd("discover", "Poll registered feeds and queue new article URLs", server.ComponentDiscover),
		newMigrateCmd(),
		newEnqueueCmd(),
	)
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// Execute runs the CLI until it finishes or the process receives SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

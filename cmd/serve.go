package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-news-indexer/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and every pipeline stage in one process",
		Long: `serve starts the admin/ingest API together with the fetch, extract,
cluster, reconcile and discover loops. Use the per-stage commands to run
stages as separate deployments.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runComponents(cmd, server.AllComponents...)
		},
	}
}

// newStageCmd builds a command that runs a single pipeline component.
func newStageCmd(name, short string, component server.Component) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runComponents(cmd, component)
		},
	}
}

func runComponents(cmd *cobra.Command, components ...server.Component) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	app, err := buildApp(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	if err := app.Run(cmd.Context(), components...); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

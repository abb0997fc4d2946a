package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

type enqueueOptions struct {
	sourceID  string
	feedID    string
	published string
	event     bool
}

func newEnqueueCmd() *cobra.Command {
	var opts enqueueOptions
	cmd := &cobra.Command{
		Use:   "enqueue URL...",
		Short: "Queue article URLs for fetching",
		Long: `enqueue adds each URL to the work queue, skipping URLs that are already
queued. With --event the URLs are published as new-URL events instead and
picked up by a running fetch stage without touching the queue.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, args, opts)
		},
	}
	cmd.Flags().StringVar(&opts.sourceID, "source", "", "source id to attach")
	cmd.Flags().StringVar(&opts.feedID, "feed", "", "feed id to attach")
	cmd.Flags().StringVar(&opts.published, "published", "", "publication time (RFC 3339)")
	cmd.Flags().BoolVar(&opts.event, "event", false, "publish new-url events instead of queueing")
	return cmd
}

func runEnqueue(cmd *cobra.Command, urls []string, opts enqueueOptions) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	var published *time.Time
	if opts.published != "" {
		t, err := time.Parse(time.RFC3339, opts.published)
		if err != nil {
			return fmt.Errorf("invalid --published: %w", err)
		}
		t = t.UTC()
		published = &t
	}

	app, err := buildApp(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
			rt.logger.Warn("close application", zap.Error(cerr))
		}
	}()

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, raw := range urls {
		if opts.event {
			normalized, err := news.NormalizeURL(raw)
			if err != nil {
				return err
			}
			evt := news.NewURLEvent{URL: normalized, SourceID: opts.sourceID, PublishedAt: published}
			id, err := app.Bus().Publish(cmd.Context(), rt.cfg.Bus.Topics.NewURLs, evt)
			if err != nil {
				return fmt.Errorf("publish %s: %w", normalized, err)
			}
			if err := enc.Encode(map[string]any{"message_id": id, "url": normalized}); err != nil {
				return err
			}
			continue
		}

		item, created, err := app.Queue().Enqueue(cmd.Context(), news.EnqueueRequest{
			URL:         raw,
			SourceID:    opts.sourceID,
			FeedID:      opts.feedID,
			PublishedAt: published,
		})
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", raw, err)
		}
		if err := enc.Encode(map[string]any{"item": item, "created": created}); err != nil {
			return err
		}
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tracksearch/jirariver/internal/config"
	"github.com/tracksearch/jirariver/internal/docbuilder"
	"github.com/tracksearch/jirariver/internal/docbuilder/preprocess"
	"github.com/tracksearch/jirariver/internal/jira"
	"github.com/tracksearch/jirariver/internal/logging"
	"github.com/tracksearch/jirariver/internal/river"
	"github.com/tracksearch/jirariver/internal/search"
)

// loadConfig reads and validates the config file named by the --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildRiver wires the shared collaborators from config.
func buildRiver(cfg *config.Config) (*jira.Client, *search.Client, river.Deps, error) {
	jiraClient := jira.NewClient(cfg.Jira, nil)

	searchClient, err := search.NewClient(cfg.Elasticsearch, nil)
	if err != nil {
		return nil, nil, river.Deps{}, err
	}
	backend := river.WrapBackend(searchClient)

	settings, err := docbuilder.SettingsFromConfig(cfg.Index)
	if err != nil {
		return nil, nil, river.Deps{}, err
	}
	builder, err := docbuilder.NewBuilder(settings, preprocess.NewRegistry(), cfg.River.Name, jiraClient, nil)
	if err != nil {
		return nil, nil, river.Deps{}, err
	}

	deps := river.Deps{
		Upstream: jiraClient,
		Backend:  backend,
		Builder:  builder,
		State:    river.NewStateStore(backend, cfg.River.StateIndex),
		Activity: river.NewActivityLog(backend, cfg.ActivityLog, nil),
	}
	return jiraClient, searchClient, deps, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Logger().Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()
	return ctx, cancel
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the indexing service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := logging.Init(cfg.Log); err != nil {
				return err
			}

			_, searchClient, deps, err := buildRiver(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			if err := searchClient.WaitForBackend(ctx, cfg.Elasticsearch.WaitTimeout.Std()); err != nil {
				return err
			}

			return river.NewCoordinator(cfg, deps).Start(ctx)
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and probe both backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := logging.Init(cfg.Log); err != nil {
				return err
			}
			fmt.Println("configuration: ok")

			jiraClient, searchClient, _, err := buildRiver(cfg)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := jiraClient.Ping(ctx); err != nil {
					return fmt.Errorf("jira: %w", err)
				}
				fmt.Printf("jira: ok (%s)\n", cfg.Jira.URLBase)
				return nil
			})
			g.Go(func() error {
				if err := searchClient.Ping(ctx); err != nil {
					return fmt.Errorf("elasticsearch: %w", err)
				}
				fmt.Println("elasticsearch: ok")
				return nil
			})
			return g.Wait()
		},
	}
}

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex PROJECT...",
		Short: "Delete stored watermarks so the next run fully re-indexes the projects",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := logging.Init(cfg.Log); err != nil {
				return err
			}

			_, _, deps, err := buildRiver(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			for _, project := range args {
				if err := deps.State.DeleteDatetime(ctx, project, river.PropertyLastIssueUpdated); err != nil {
					return err
				}
				fmt.Printf("%s: watermark deleted, next run will be a full update\n", project)
			}
			return nil
		},
	}
}

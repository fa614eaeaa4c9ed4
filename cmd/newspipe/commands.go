package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/news-feature-pipeline/internal/ledger"
	"github.com/JakeFAU/news-feature-pipeline/internal/mirror"
	"github.com/JakeFAU/news-feature-pipeline/internal/pipeline"
)

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Fetch articles and save a raw snapshot",
		Args:  cobra.NoArgs,
		RunE: stageCommand(func(ctx context.Context, r *pipeline.Runner) []pipeline.Result {
			return []pipeline.Result{r.Ingest(ctx)}
		}),
	}
}

func newProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Clean, enrich and validate the newest raw snapshot",
		Args:  cobra.NoArgs,
		RunE: stageCommand(func(ctx context.Context, r *pipeline.Runner) []pipeline.Result {
			return []pipeline.Result{r.Process(ctx)}
		}),
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Ingest then process",
		Args:  cobra.NoArgs,
		RunE: stageCommand(func(ctx context.Context, r *pipeline.Runner) []pipeline.Result {
			return r.Run(ctx)
		}),
	}
}

func stageCommand(run func(context.Context, *pipeline.Runner) []pipeline.Result) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		results := run(cmd.Context(), appInstance.Runner())
		if err := printJSON(cmd.OutOrStdout(), results); err != nil {
			return err
		}
		for _, res := range results {
			if res.Fatal() {
				return fmt.Errorf("%w: %s %s: %s", errFatalHalt, res.Stage, res.Kind, res.Reason)
			}
		}
		return nil
	}
}

func newSyncCmd() *cobra.Command {
	var dirs []string
	cmd := &cobra.Command{
		Use:       "sync upload|download",
		Short:     "Mirror local data directories with the storage bucket",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(mirror.Upload), string(mirror.Download)},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction, err := mirror.ParseDirection(args[0])
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if len(dirs) == 0 {
				dirs = appInstance.Config().Storage.SyncPaths
			}
			m, err := appInstance.Mirror(cmd.Context())
			if err != nil {
				return err
			}
			if err := m.CheckBucket(cmd.Context()); err != nil {
				return err
			}
			if direction == mirror.Download {
				if err := mirror.EnsureDirs(dirs); err != nil {
					return err
				}
			}
			stats, err := m.Sync(cmd.Context(), direction, dirs)
			if printErr := printJSON(cmd.OutOrStdout(), stats); printErr != nil && err == nil {
				err = printErr
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&dirs, "dir", nil, "directory to sync (repeatable; defaults to storage.sync_paths)")
	return cmd
}

func newBucketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bucket",
		Short: "Inspect the storage bucket",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify the configured bucket exists and is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			m, err := appInstance.Mirror(cmd.Context())
			if err != nil {
				return err
			}
			if err := m.CheckBucket(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"bucket": appInstance.Config().Storage.GCSBucket,
				"status": "ok",
			})
		},
	})
	return cmd
}

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the newest run ledger entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be > 0")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := appInstance.Ledger().Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if entries == nil {
				entries = []ledger.Entry{}
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries to show")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Serve(cmd.Context())
		},
	}
}

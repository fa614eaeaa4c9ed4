package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-feature-pipeline/internal/config"
	"github.com/JakeFAU/news-feature-pipeline/internal/logging"
	"github.com/JakeFAU/news-feature-pipeline/internal/metrics"
	"github.com/JakeFAU/news-feature-pipeline/internal/server"
)

// errFatalHalt marks a command whose stage halted on a failure that needs attention.
var errFatalHalt = errors.New("pipeline halted")

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it to inject fakes.
var newApp = func(ctx context.Context, cfg config.Config) (*server.App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return server.Build(ctx, cfg, logger)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, closeApp := newRootCmd()
	defer closeApp()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errFatalHalt) {
			_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		}
		return 1
	}
	return 0
}

// newRootCmd builds the command tree. The returned func releases the services
// built for whichever subcommand ran, including after a failed RunE.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile string
		built   *server.App
	)
	cmd := &cobra.Command{
		Use:           "newspipe",
		Short:         "Fetch news articles and turn them into model-ready features.",
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			metrics.Init()
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			built = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newIngestCmd(),
		newProcessCmd(),
		newRunCmd(),
		newSyncCmd(),
		newBucketCmd(),
		newRunsCmd(),
		newServeCmd(),
	)
	return cmd, func() {
		if built != nil {
			built.Close()
			built = nil
		}
	}
}

func resolveApp(ctx context.Context) (*server.App, error) {
	appInstance, ok := ctx.Value(appKey).(*server.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// Package server builds the pipeline's long-lived services from configuration
// and owns their shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-feature-pipeline/internal/api"
	"github.com/JakeFAU/news-feature-pipeline/internal/clock/system"
	"github.com/JakeFAU/news-feature-pipeline/internal/config"
	"github.com/JakeFAU/news-feature-pipeline/internal/export"
	"github.com/JakeFAU/news-feature-pipeline/internal/fetcher/newsapi"
	"github.com/JakeFAU/news-feature-pipeline/internal/id/uuid"
	"github.com/JakeFAU/news-feature-pipeline/internal/ledger"
	"github.com/JakeFAU/news-feature-pipeline/internal/logging"
	"github.com/JakeFAU/news-feature-pipeline/internal/metrics"
	"github.com/JakeFAU/news-feature-pipeline/internal/mirror"
	"github.com/JakeFAU/news-feature-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-feature-pipeline/internal/publisher"
	memorypublisher "github.com/JakeFAU/news-feature-pipeline/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/news-feature-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/news-feature-pipeline/internal/snapshot"
	objstore "github.com/JakeFAU/news-feature-pipeline/internal/storage"
	gcsstorage "github.com/JakeFAU/news-feature-pipeline/internal/storage/gcs"
	"github.com/JakeFAU/news-feature-pipeline/internal/transform"
)

const shutdownTimeout = 10 * time.Second

// Option customizes Build.
type Option func(*App)

// WithObjectStore makes Mirror use store instead of dialing GCS.
func WithObjectStore(store objstore.ObjectStore) Option {
	return func(a *App) { a.objects = store }
}

// WithPublisher replaces the configured notification publisher.
func WithPublisher(p publisher.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	runner    *pipeline.Runner
	snapshots *snapshot.Store
	ledger    ledger.Recorder
	publisher publisher.Publisher

	mirrorOnce sync.Once
	mirror     *mirror.Mirror
	mirrorErr  error
	objects    objstore.ObjectStore
	storage    *cloudstorage.Client
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	app := &App{
		cfg:    cfg,
		logger: logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(app)
	}
	app.logger.Info("building application dependencies",
		zap.String("raw_dir", cfg.RawDir()),
		zap.String("processed_dir", cfg.ProcessedDir()),
	)

	clock := system.New()
	var err error
	app.snapshots, err = snapshot.New(snapshot.Config{
		Dir:         cfg.RawDir(),
		SourceLabel: cfg.NewsAPI.SourceLabel,
	}, clock, app.logger)
	if err != nil {
		return nil, fmt.Errorf("raw store init failed: %w", err)
	}
	exporter, err := export.New(export.Config{
		Dir:  cfg.ProcessedDir(),
		XLSX: cfg.Processed.XLSXExport,
	}, clock, app.logger)
	if err != nil {
		return nil, fmt.Errorf("processed store init failed: %w", err)
	}

	app.ledger = setupLedger(ctx, app)
	if app.publisher == nil {
		if app.publisher, err = setupPublisher(ctx, app); err != nil {
			app.Close()
			return nil, err
		}
	}

	request := newsapi.Request{
		Query:      cfg.NewsAPI.Query,
		Language:   cfg.NewsAPI.Language,
		MaxResults: cfg.NewsAPI.MaxResults,
		APIKey:     cfg.NewsAPI.APIKey,
		BaseURL:    cfg.NewsAPI.BaseURL,
		Retries:    cfg.NewsAPI.Retries,
		Backoff:    cfg.Backoff(),
	}
	app.runner, err = pipeline.New(request, cfg.NewsAPI.SourceLabel, pipeline.Deps{
		Fetcher:     newsapi.New(newsapi.Config{Timeout: cfg.FetchTimeout()}, clock, app.logger),
		Raw:         app.snapshots,
		Transformer: transform.New(app.logger),
		Exporter:    exporter,
		Ledger:      app.ledger,
		Publisher:   app.publisher,
		Pusher:      metrics.NewPusher(cfg.Metrics.PushgatewayURL, cfg.Metrics.JobName),
		IDs:         uuid.New(),
		Clock:       clock,
		Logger:      app.logger,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}
	return app, nil
}

// setupLedger opens the run ledger. Ledger problems never block a run, so
// connection failures fall back to a no-op recorder.
// ledgerSchemaTimeout bounds the startup round trip to Postgres.
const ledgerSchemaTimeout = 5 * time.Second

func setupLedger(ctx context.Context, app *App) ledger.Recorder {
	store, err := ledger.Open(ctx, ledger.Config{
		DSN:      app.cfg.DB.DSN,
		Table:    app.cfg.DB.Table,
		MaxConns: app.cfg.DB.MaxConns,
	})
	if errors.Is(err, ledger.ErrDisabled) {
		app.logger.Info("no DSN specified; run ledger disabled")
		return ledger.Nop{}
	}
	if err != nil {
		app.logger.Warn("run ledger init failed; continuing without it", zap.Error(err))
		return ledger.Nop{}
	}
	schemaCtx, cancel := context.WithTimeout(ctx, ledgerSchemaTimeout)
	defer cancel()
	if err := store.EnsureSchema(schemaCtx); err != nil {
		app.logger.Warn("run ledger unreachable; continuing without it", zap.Error(err))
		store.Close()
		return ledger.Nop{}
	}
	app.logger.Info("run ledger initialized", zap.String("table", app.cfg.DB.Table))
	return store
}

func setupPublisher(ctx context.Context, app *App) (publisher.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	p, err := gcppublisher.New(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return p, nil
}

// Runner returns the pipeline runner.
func (a *App) Runner() *pipeline.Runner { return a.runner }

// Snapshots returns the raw snapshot store.
func (a *App) Snapshots() *snapshot.Store { return a.snapshots }

// Ledger returns the run ledger.
func (a *App) Ledger() ledger.Recorder { return a.ledger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Mirror returns the bucket mirror, connecting to GCS on first use.
func (a *App) Mirror(ctx context.Context) (*mirror.Mirror, error) {
	a.mirrorOnce.Do(func() {
		store := a.objects
		if store == nil {
			if a.cfg.Storage.GCSBucket == "" {
				a.mirrorErr = errors.New("storage.gcs_bucket is not configured")
				return
			}
			client, err := cloudstorage.NewClient(ctx)
			if err != nil {
				a.mirrorErr = fmt.Errorf("gcs client init failed: %w", err)
				return
			}
			a.storage = client
			store, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
			if err != nil {
				a.mirrorErr = fmt.Errorf("gcs blob store init failed: %w", err)
				return
			}
			a.logger.Info("using GCS bucket", zap.String("bucket", a.cfg.Storage.GCSBucket))
		}
		a.mirror, a.mirrorErr = mirror.New(store, a.cfg.Storage.Prefix, a.logger)
	})
	return a.mirror, a.mirrorErr
}

// Handler builds the operator HTTP handler.
func (a *App) Handler() (http.Handler, error) {
	srv, err := api.NewServer(api.Options{
		Runner:      a.runner,
		Snapshots:   a.snapshots,
		Ledger:      a.ledger,
		AuthEnabled: a.cfg.Auth.Enabled,
		APIKey:      a.cfg.Auth.APIKey,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("api server init failed: %w", err)
	}
	return srv.Handler(), nil
}

// Serve runs the HTTP server until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	handler, err := a.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close releases every client the app opened.
func (a *App) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	a.logger.Info("shutdown complete")
}

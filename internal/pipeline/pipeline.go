// Package pipeline runs the ingest and process stages and turns every stage
// failure into a halt decision.
//
// Ingest fetches articles and persists them as a raw snapshot. Process loads
// the newest snapshot, cleans and enriches it, gates it against the schema and
// commits a processed artifact. A halt at any step short-circuits before the
// next write.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-feature-pipeline/internal/article"
	"github.com/JakeFAU/news-feature-pipeline/internal/export"
	"github.com/JakeFAU/news-feature-pipeline/internal/fetcher/newsapi"
	"github.com/JakeFAU/news-feature-pipeline/internal/frame"
	"github.com/JakeFAU/news-feature-pipeline/internal/ledger"
	"github.com/JakeFAU/news-feature-pipeline/internal/logging"
	"github.com/JakeFAU/news-feature-pipeline/internal/metrics"
	"github.com/JakeFAU/news-feature-pipeline/internal/publisher"
	"github.com/JakeFAU/news-feature-pipeline/internal/schema"
	"github.com/JakeFAU/news-feature-pipeline/internal/snapshot"
)

// Stage names a pipeline stage.
type Stage string

// Stages.
const (
	StageIngest  Stage = "ingest"
	StageProcess Stage = "process"
)

// Status is the outcome of a run.
type Status string

// Statuses.
const (
	StatusCompleted Status = "completed"
	StatusHalted    Status = "halted"
)

// Kind classifies why a run halted.
type Kind string

// Halt kinds. A completed run has KindNone.
const (
	KindNone         Kind = ""
	KindPrecondition Kind = "precondition"
	KindTransient    Kind = "transient"
	KindDataAbsence  Kind = "data_absence"
	KindDataQuality  Kind = "data_quality"
	KindInternal     Kind = "internal"
)

// ErrEmptyFrame is returned when a stage is left with no rows.
var ErrEmptyFrame = errors.New("no rows left to process")

// Result reports one stage run.
type Result struct {
	RunID      string    `json:"run_id"`
	Stage      Stage     `json:"stage"`
	Status     Status    `json:"status"`
	Kind       Kind      `json:"kind,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Path       string    `json:"path,omitempty"`
	Rows       int       `json:"rows"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Completed reports whether the run committed its artifact.
func (r Result) Completed() bool {
	return r.Status == StatusCompleted
}

// Fatal reports whether the halt needs operator attention. Absent data and
// exhausted retries are expected outcomes ("no data this run").
func (r Result) Fatal() bool {
	switch r.Kind {
	case KindPrecondition, KindDataQuality, KindInternal:
		return true
	default:
		return false
	}
}

// Classify maps a stage error onto a halt kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, newsapi.ErrMissingAPIKey):
		return KindPrecondition
	case errors.Is(err, newsapi.ErrRetriesExhausted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, snapshot.ErrNothingToSave),
		errors.Is(err, snapshot.ErrNoSnapshot),
		errors.Is(err, export.ErrNothingToSave),
		errors.Is(err, ErrEmptyFrame):
		return KindDataAbsence
	case errors.Is(err, snapshot.ErrMalformedSnapshot),
		errors.Is(err, schema.ErrSchemaMismatch):
		return KindDataQuality
	default:
		return KindInternal
	}
}

// Fetcher retrieves article records.
type Fetcher interface {
	Fetch(ctx context.Context, req newsapi.Request) ([]article.Record, error)
}

// RawStore persists and loads raw snapshots.
type RawStore interface {
	Save(ctx context.Context, records []article.Record, sourceLabel string) (string, error)
	LoadLatest(ctx context.Context) (*frame.Frame, snapshot.Snapshot, error)
}

// Transformer cleans and enriches frames.
type Transformer interface {
	Clean(f *frame.Frame) (*frame.Frame, error)
	Enrich(f *frame.Frame) (*frame.Frame, error)
}

// Exporter commits a validated frame.
type Exporter interface {
	Save(ctx context.Context, f *frame.Frame) (string, error)
}

// IDGenerator mints run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock stamps run start and finish times.
type Clock interface {
	Now() time.Time
}

// MetricsPusher ships metrics after a run. A nil *metrics.Pusher is valid.
type MetricsPusher interface {
	Push() error
}

// Deps are the collaborators a Runner drives. Ledger, Publisher and Pusher
// are optional.
type Deps struct {
	Fetcher     Fetcher
	Raw         RawStore
	Transformer Transformer
	Exporter    Exporter
	Ledger      ledger.Recorder
	Publisher   publisher.Publisher
	Pusher      MetricsPusher
	IDs         IDGenerator
	Clock       Clock
	Logger      *zap.Logger
}

// Runner executes stages one at a time.
type Runner struct {
	mu      sync.Mutex
	request newsapi.Request
	label   string
	deps    Deps
	logger  *zap.Logger
}

// New validates deps and builds a Runner. request and label configure ingest.
func New(request newsapi.Request, label string, deps Deps) (*Runner, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Raw == nil:
		return nil, fmt.Errorf("raw store is required")
	case deps.Transformer == nil:
		return nil, fmt.Errorf("transformer is required")
	case deps.Exporter == nil:
		return nil, fmt.Errorf("exporter is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.Nop{}
	}
	return &Runner{
		request: request,
		label:   label,
		deps:    deps,
		logger:  logging.OrNop(deps.Logger).Named("pipeline"),
	}, nil
}

// Ingest fetches articles and saves them as a raw snapshot.
func (r *Runner) Ingest(ctx context.Context) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, log := r.begin(StageIngest)
	records, err := r.deps.Fetcher.Fetch(ctx, r.request)
	if err != nil {
		return r.halt(ctx, res, log, "fetch", err)
	}
	log.Info("articles fetched", zap.Int("records", len(records)))

	path, err := r.deps.Raw.Save(ctx, records, r.label)
	if err != nil {
		return r.halt(ctx, res, log, "save raw snapshot", err)
	}
	res.Path = path
	res.Rows = len(records)
	return r.complete(ctx, res, log)
}

// Process turns the newest raw snapshot into a validated processed artifact.
func (r *Runner) Process(ctx context.Context) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, log := r.begin(StageProcess)
	raw, snap, err := r.deps.Raw.LoadLatest(ctx)
	if err != nil {
		return r.halt(ctx, res, log, "load raw snapshot", err)
	}
	log = log.With(zap.String("snapshot", snap.Path))
	if raw.Empty() {
		return r.halt(ctx, res, log, "load raw snapshot", ErrEmptyFrame)
	}

	cleaned, err := r.deps.Transformer.Clean(raw)
	if err != nil {
		return r.halt(ctx, res, log, "clean", err)
	}
	if cleaned.Empty() {
		return r.halt(ctx, res, log, "clean", ErrEmptyFrame)
	}
	enriched, err := r.deps.Transformer.Enrich(cleaned)
	if err != nil {
		return r.halt(ctx, res, log, "enrich", err)
	}

	gate := schema.NewGate(log)
	if err := gate.Validate(enriched); err != nil {
		return r.halt(ctx, res, log, "validate", err)
	}
	if err := ctx.Err(); err != nil {
		return r.halt(ctx, res, log, "validate", err)
	}

	path, err := r.deps.Exporter.Save(ctx, enriched)
	if err != nil {
		return r.halt(ctx, res, log, "save processed artifact", err)
	}
	res.Path = path
	res.Rows = enriched.Len()
	return r.complete(ctx, res, log)
}

// Run executes Ingest then Process. Process still runs after an ingest halt
// that is not fatal, so an outage reprocesses the newest existing snapshot.
func (r *Runner) Run(ctx context.Context) []Result {
	ingest := r.Ingest(ctx)
	if ingest.Fatal() {
		return []Result{ingest}
	}
	return []Result{ingest, r.Process(ctx)}
}

func (r *Runner) begin(stage Stage) (Result, *zap.Logger) {
	res := Result{Stage: stage, StartedAt: r.deps.Clock.Now()}
	id, err := r.deps.IDs.NewID()
	if err != nil {
		r.logger.Warn("run id generation failed; using timestamp", zap.Error(err))
		id = fmt.Sprintf("%s-%d", stage, res.StartedAt.UnixNano())
	}
	res.RunID = id
	log := r.logger.With(zap.String("run_id", id), zap.String("stage", string(stage)))
	log.Info("run started")
	return res, log
}

func (r *Runner) halt(ctx context.Context, res Result, log *zap.Logger, step string, err error) Result {
	res.Status = StatusHalted
	res.Kind = Classify(err)
	res.Reason = fmt.Sprintf("%s: %v", step, err)

	fields := []zap.Field{zap.String("kind", string(res.Kind)), zap.String("step", step), zap.Error(err)}
	if res.Fatal() {
		log.Error("run halted", fields...)
	} else {
		log.Warn("run halted", fields...)
	}
	return r.finish(ctx, res, log)
}

func (r *Runner) complete(ctx context.Context, res Result, log *zap.Logger) Result {
	res.Status = StatusCompleted
	log.Info("run completed", zap.String("path", res.Path), zap.Int("rows", res.Rows))
	return r.finish(ctx, res, log)
}

// finish records the result. Failures here are logged and never change it.
func (r *Runner) finish(ctx context.Context, res Result, log *zap.Logger) Result {
	res.FinishedAt = r.deps.Clock.Now()
	metrics.ObserveRun(string(res.Stage), string(res.Status), string(res.Kind), res.FinishedAt.Sub(res.StartedAt))

	// Bookkeeping must not be cut short by the caller's cancellation.
	bg := context.WithoutCancel(ctx)

	if err := r.deps.Ledger.Record(bg, ledger.Entry{
		RunID:        res.RunID,
		Stage:        string(res.Stage),
		Status:       string(res.Status),
		Kind:         string(res.Kind),
		Reason:       res.Reason,
		ArtifactPath: res.Path,
		Rows:         res.Rows,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
	}); err != nil {
		log.Warn("run ledger write failed", zap.Error(err))
	}

	if res.Stage == StageProcess && res.Completed() && r.deps.Publisher != nil {
		id, err := r.deps.Publisher.Publish(bg, publisher.Event{
			RunID:       res.RunID,
			Stage:       string(res.Stage),
			Path:        res.Path,
			Rows:        res.Rows,
			CompletedAt: res.FinishedAt,
		})
		if err != nil {
			log.Warn("artifact notification failed", zap.Error(err))
		} else {
			log.Info("artifact notification published", zap.String("message_id", id))
		}
	}

	if r.deps.Pusher != nil {
		if err := r.deps.Pusher.Push(); err != nil {
			log.Warn("metrics push failed", zap.Error(err))
		}
	}
	return res
}

package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-feature-pipeline/internal/article"
	"github.com/JakeFAU/news-feature-pipeline/internal/export"
	"github.com/JakeFAU/news-feature-pipeline/internal/fetcher/newsapi"
	"github.com/JakeFAU/news-feature-pipeline/internal/frame"
	"github.com/JakeFAU/news-feature-pipeline/internal/ledger"
	"github.com/JakeFAU/news-feature-pipeline/internal/publisher/memory"
	"github.com/JakeFAU/news-feature-pipeline/internal/schema"
	"github.com/JakeFAU/news-feature-pipeline/internal/snapshot"
	"github.com/JakeFAU/news-feature-pipeline/internal/transform"
)

const exampleBody = `{"status":"ok","articles":[
	{"title":"A","description":"one two","url":"http://x","publishedAt":"2023-01-02T00:00:00Z"},
	{"title":"A","description":"dup","url":"http://x","publishedAt":"2023-01-02T00:00:00Z"}
]}`

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("run-%d", s.n.Add(1)), nil
}

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type memLedger struct {
	mu      sync.Mutex
	entries []ledger.Entry
	err     error
}

func (l *memLedger) Record(_ context.Context, e ledger.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLedger) Recent(context.Context, int) ([]ledger.Entry, error) { return l.entries, nil }
func (l *memLedger) Close()                                               {}

type countingPusher struct{ n int }

func (p *countingPusher) Push() error {
	p.n++
	return errors.New("gateway down")
}

type env struct {
	runner   *Runner
	rawDir   string
	procDir  string
	pub      *memory.Publisher
	ledger   *memLedger
	pusher   *countingPusher
	apiHits  *atomic.Int32
	setReply func(status int, body string)
}

func newEnv(t *testing.T) *env {
	t.Helper()

	var (
		mu     sync.Mutex
		status = http.StatusOK
		body   = exampleBody
		hits   atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	root := t.TempDir()
	clock := &tickingClock{now: time.Date(2024, 3, 18, 9, 0, 0, 0, time.UTC)}
	raw, err := snapshot.New(snapshot.Config{Dir: filepath.Join(root, "raw"), SourceLabel: "newsapi"}, clock, zap.NewNop())
	require.NoError(t, err)
	exp, err := export.New(export.Config{Dir: filepath.Join(root, "processed")}, clock, zap.NewNop())
	require.NoError(t, err)

	e := &env{
		rawDir:  filepath.Join(root, "raw"),
		procDir: filepath.Join(root, "processed"),
		pub:     memory.New(),
		ledger:  &memLedger{},
		pusher:  &countingPusher{},
		apiHits: &hits,
		setReply: func(s int, b string) {
			mu.Lock()
			defer mu.Unlock()
			status, body = s, b
		},
	}
	req := newsapi.Request{
		Query:      "AI",
		Language:   "en",
		MaxResults: 100,
		APIKey:     "key",
		BaseURL:    srv.URL + "/v2/everything",
		Retries:    3,
		Backoff:    5 * time.Second,
	}
	e.runner, err = New(req, "newsapi", Deps{
		Fetcher:     newsapi.New(newsapi.Config{Timeout: 2 * time.Second}, noSleep{}, zap.NewNop()),
		Raw:         raw,
		Transformer: transform.New(zap.NewNop()),
		Exporter:    exp,
		Ledger:      e.ledger,
		Publisher:   e.pub,
		Pusher:      e.pusher,
		IDs:         &seqIDs{},
		Clock:       clock,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	return e
}

func TestEndToEndExample(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	results := e.runner.Run(context.Background())
	require.Len(t, results, 2)

	ingest, process := results[0], results[1]
	require.True(t, ingest.Completed(), ingest.Reason)
	assert.Equal(t, 2, ingest.Rows)
	require.True(t, process.Completed(), process.Reason)
	assert.Equal(t, 1, process.Rows)
	assert.NotEqual(t, ingest.RunID, process.RunID)

	// #nosec G304 -- test reads from the controlled temp directory.
	fh, err := os.Open(process.Path)
	require.NoError(t, err)
	defer fh.Close() //nolint:errcheck // test cleanup
	rows, err := csv.NewReader(fh).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2, "header plus exactly one row")

	col := func(name string) string {
		for i, h := range rows[0] {
			if h == name {
				return rows[1][i]
			}
		}
		t.Fatalf("column %s missing", name)
		return ""
	}
	assert.Equal(t, schema.Columns(), rows[0])
	assert.Equal(t, "one two", col("description"))
	assert.Equal(t, "1", col("title_word_count"))
	assert.Equal(t, "2", col("description_word_count"))
	assert.Equal(t, "0", col("published_weekday"))
	assert.Equal(t, "2023-01-02 00:00:00", col("publishedAt"))

	events := e.pub.Events()
	require.Len(t, events, 1, "only committed processed artifacts are announced")
	assert.Equal(t, process.Path, events[0].Path)

	require.Len(t, e.ledger.entries, 2)
	assert.Equal(t, "completed", e.ledger.entries[1].Status)
	assert.Equal(t, 2, e.pusher.n, "push failures do not change results")
}

func TestIngestMissingKeyIsPrecondition(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.runner.request.APIKey = ""

	results := e.runner.Run(context.Background())
	require.Len(t, results, 1, "fatal ingest halts the run")
	res := results[0]
	assert.Equal(t, StatusHalted, res.Status)
	assert.Equal(t, KindPrecondition, res.Kind)
	assert.True(t, res.Fatal())
	assert.Equal(t, int32(0), e.apiHits.Load())
	_, err := os.Stat(e.rawDir)
	assert.True(t, os.IsNotExist(err))
}

func TestIngestExhaustedRetriesIsTransient(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.setReply(http.StatusServiceUnavailable, `{"status":"error","code":"unavailable","message":"down"}`)

	res := e.runner.Ingest(context.Background())
	assert.Equal(t, KindTransient, res.Kind)
	assert.False(t, res.Fatal())
	assert.Equal(t, int32(3), e.apiHits.Load())
	assert.Empty(t, res.Path)
}

func TestIngestEmptyResultIsAbsence(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.setReply(http.StatusOK, `{"status":"ok","articles":[]}`)

	res := e.runner.Ingest(context.Background())
	assert.Equal(t, KindDataAbsence, res.Kind)
	_, err := os.Stat(e.rawDir)
	assert.True(t, os.IsNotExist(err), "no artifact for an empty batch")
}

func TestProcessWithoutSnapshotIsAbsence(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	res := e.runner.Process(context.Background())
	assert.Equal(t, KindDataAbsence, res.Kind)
	assert.False(t, res.Fatal())
	assert.Empty(t, e.pub.Events())
}

func TestProcessMalformedSnapshotIsDataQuality(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	require.NoError(t, os.MkdirAll(e.rawDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(e.rawDir, "newsapi_20240101_000000.json"), []byte("{broken"), 0o600))

	res := e.runner.Process(context.Background())
	assert.Equal(t, KindDataQuality, res.Kind)
	assert.True(t, res.Fatal())
	_, err := os.Stat(e.procDir)
	assert.True(t, os.IsNotExist(err), "no processed artifact after a halt")
}

func TestProcessAllRowsIncompleteIsAbsence(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	require.NoError(t, os.MkdirAll(e.rawDir, 0o750))
	body := `[{"title":"A","url":"u"},{"title":"B","url":"v","description":null}]`
	require.NoError(t, os.WriteFile(filepath.Join(e.rawDir, "newsapi_20240101_000000.json"), []byte(body), 0o600))

	res := e.runner.Process(context.Background())
	assert.Equal(t, KindDataAbsence, res.Kind)
	assert.Contains(t, res.Reason, "clean")
}

func TestProcessSchemaFailureWritesNothing(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.runner.deps.Transformer = dropColumn{inner: transform.New(nil), column: "published_year"}
	_, err := e.runner.deps.Raw.Save(context.Background(), []article.Record{
		article.NewRecord(map[string]any{"title": "A", "description": "d", "url": "u"}),
	}, "newsapi")
	require.NoError(t, err)

	res := e.runner.Process(context.Background())
	assert.Equal(t, KindDataQuality, res.Kind)
	assert.Contains(t, res.Reason, "published_year")
	_, statErr := os.Stat(e.procDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestProcessTransformErrorIsInternal(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.runner.deps.Transformer = failingEnrich{inner: transform.New(nil), err: errors.New("derive published_year: length mismatch")}
	_, err := e.runner.deps.Raw.Save(context.Background(), []article.Record{
		article.NewRecord(map[string]any{"title": "A", "description": "d", "url": "u"}),
	}, "newsapi")
	require.NoError(t, err)

	var res Result
	require.NotPanics(t, func() { res = e.runner.Process(context.Background()) })
	assert.Equal(t, KindInternal, res.Kind)
	assert.True(t, res.Fatal())
	assert.Contains(t, res.Reason, "enrich")
	_, statErr := os.Stat(e.procDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestLedgerFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.ledger.err = errors.New("db down")
	e.pub.FailWith(errors.New("broker down"))

	results := e.runner.Run(context.Background())
	require.Len(t, results, 2)
	assert.True(t, results[0].Completed())
	assert.True(t, results[1].Completed())
}

func TestRunContinuesAfterTransientIngest(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	require.True(t, e.runner.Ingest(context.Background()).Completed())

	e.setReply(http.StatusInternalServerError, "")
	results := e.runner.Run(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, KindTransient, results[0].Kind)
	assert.True(t, results[1].Completed(), "process reuses the newest existing snapshot")
}

func TestCanceledContextIsTransient(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.runner.Ingest(ctx)
	assert.Equal(t, KindTransient, res.Kind)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{newsapi.ErrMissingAPIKey, KindPrecondition},
		{fmt.Errorf("x: %w", newsapi.ErrRetriesExhausted), KindTransient},
		{context.DeadlineExceeded, KindTransient},
		{snapshot.ErrNothingToSave, KindDataAbsence},
		{snapshot.ErrNoSnapshot, KindDataAbsence},
		{export.ErrNothingToSave, KindDataAbsence},
		{ErrEmptyFrame, KindDataAbsence},
		{fmt.Errorf("%w: bad", snapshot.ErrMalformedSnapshot), KindDataQuality},
		{&schema.Error{Missing: []string{"url"}}, KindDataQuality},
		{errors.New("disk full"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(newsapi.Request{}, "newsapi", Deps{})
	assert.Error(t, err)
}

type dropColumn struct {
	inner  *transform.Transformer
	column string
}

func (d dropColumn) Clean(f *frame.Frame) (*frame.Frame, error) { return d.inner.Clean(f) }

func (d dropColumn) Enrich(f *frame.Frame) (*frame.Frame, error) {
	out, err := d.inner.Enrich(f)
	if err != nil {
		return nil, err
	}
	return out.Drop(d.column), nil
}

type failingEnrich struct {
	inner *transform.Transformer
	err   error
}

func (f failingEnrich) Clean(in *frame.Frame) (*frame.Frame, error) { return f.inner.Clean(in) }

func (f failingEnrich) Enrich(*frame.Frame) (*frame.Frame, error) { return nil, f.err }

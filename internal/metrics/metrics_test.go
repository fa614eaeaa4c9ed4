package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if fetchAttemptsTotal == nil || runsTotal == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetchAttempt(t *testing.T) {
	Init()
	before := testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("http_error"))
	ObserveFetchAttempt("http_error")
	ObserveFetchAttempt("http_error")
	after := testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("http_error"))
	assert.InDelta(t, 2, after-before, 0.0001)
}

func TestObserveRowsRemovedIgnoresZero(t *testing.T) {
	Init()
	before := testutil.ToFloat64(rowsRemovedTotal.WithLabelValues("duplicate"))
	ObserveRowsRemoved("duplicate", 0)
	ObserveRowsRemoved("duplicate", 3)
	after := testutil.ToFloat64(rowsRemovedTotal.WithLabelValues("duplicate"))
	assert.InDelta(t, 3, after-before, 0.0001)
}

func TestObserveRunDefaultsKind(t *testing.T) {
	Init()
	before := testutil.ToFloat64(runsTotal.WithLabelValues("process", "completed", "none"))
	ObserveRun("process", "completed", "", time.Second)
	after := testutil.ToFloat64(runsTotal.WithLabelValues("process", "completed", "none"))
	assert.InDelta(t, 1, after-before, 0.0001)
}

func TestNilPusherIsNoop(t *testing.T) {
	var p *Pusher
	require.NoError(t, p.Push())
	require.Nil(t, NewPusher("", "job"))
}

func TestPusherPushesToGateway(t *testing.T) {
	Init()
	var gotPath string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	p := NewPusher(gateway.URL, "newspipe-test")
	require.NoError(t, p.Push())
	assert.Contains(t, gotPath, "/metrics/job/newspipe-test")
}

func TestPusherReportsGatewayErrors(t *testing.T) {
	Init()
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer gateway.Close()

	err := NewPusher(gateway.URL, "").Push()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push metrics")
}

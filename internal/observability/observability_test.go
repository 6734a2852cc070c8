package observability_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alejandrodnm/graduator/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	m.Detected()
	m.Transition("COMPLETED")
	m.Transition("COMPLETED")
	m.Queue(3)
	m.ObserveStep("create_pool", time.Second, true)
	m.Retry("create_pool")
	m.Polled(time.Unix(1700000000, 0), nil)
	m.Polled(time.Now(), errors.New("rpc down"))
	m.FeeCollection("ok")
	m.NotifyFailed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksDetected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TaskTransitions.WithLabelValues("COMPLETED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepFailures.WithLabelValues("create_pool")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retries.WithLabelValues("create_pool")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollErrors))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.LastPoll))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeesCollected.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotifyFailures))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *observability.Metrics
	assert.NotPanics(t, func() {
		m.Detected()
		m.Transition("FAILED")
		m.ObserveStep("x", time.Second, true)
		m.Polled(time.Now(), nil)
	})
}

func TestHandler_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	observability.NewMetrics(reg).Detected()
	h := observability.NewHealthChecker()
	srv := httptest.NewServer(observability.Handler(reg, h))
	defer srv.Close()

	get := func(path string) int {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/healthz"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))
	h.SetReady(true)
	assert.Equal(t, http.StatusOK, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
}

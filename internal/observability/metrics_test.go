package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAgentRun(t *testing.T) {
	EnsureRegistered()
	m := getMetrics()

	before := testutil.ToFloat64(m.agentRunTotal.WithLabelValues("metrics-agent", "done"))
	RecordAgentRun("metrics-agent", "done", 50*time.Millisecond, 3)

	assert.Equal(t, before+1, testutil.ToFloat64(m.agentRunTotal.WithLabelValues("metrics-agent", "done")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.agentTurnsTotal.WithLabelValues("metrics-agent")))
}

func TestRecordToolExecution(t *testing.T) {
	m := getMetrics()

	RecordToolExecution("metrics-tool", time.Millisecond, true)
	RecordToolExecution("metrics-tool", time.Millisecond, false)
	RecordToolExecution("metrics-tool", time.Millisecond, false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.toolExecutionTotal.WithLabelValues("metrics-tool", "success")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.toolExecutionTotal.WithLabelValues("metrics-tool", "error")))
}

func TestQueueGauge(t *testing.T) {
	m := getMetrics()

	SetQueueSize("lane-a", 4)
	assert.Equal(t, float64(4), testutil.ToFloat64(m.queueSize.WithLabelValues("lane-a")))

	RecordQueueCompletion("lane-a", time.Millisecond, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.queueSize.WithLabelValues("lane-a")))
}

func TestProviderMetrics(t *testing.T) {
	m := getMetrics()

	SetProviderCooldown("metrics-profile", true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.providerCooldown.WithLabelValues("metrics-profile")))
	SetProviderCooldown("metrics-profile", false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.providerCooldown.WithLabelValues("metrics-profile")))

	RecordProviderRetry("metrics-provider")
	RecordProviderRetry("metrics-provider")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.providerRetryTotal.WithLabelValues("metrics-provider")))
}

func TestMetricsHandler(t *testing.T) {
	RecordProviderCall("handler-provider", time.Millisecond, true)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "provider_call_total")
}

package observability

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequest(t *testing.T) {
	m := NewMetrics(MetricsConfig{})
	m.ObserveRequest("tools/list", "ok", 12.5)
	m.ObserveRequest("tools/list", "ok", 3.0)
	m.ObserveRequest("tools/list", "error", 100.0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestTotal.WithLabelValues("tools/list", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestTotal.WithLabelValues("tools/list", "error")))
}

func TestPrivateRegistriesDoNotCollide(t *testing.T) {
	// Two providers in one process must be able to register the same
	// collectors without panicking.
	a := NewMetrics(MetricsConfig{})
	b := NewMetrics(MetricsConfig{})
	a.ProbeOutcomes.WithLabelValues("t", "ok").Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ProbeOutcomes.WithLabelValues("t", "ok")))
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	m := NewMetrics(MetricsConfig{Namespace: "probe"})
	m.ProbeOutcomes.WithLabelValues("files", "ok").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "probe_probe_outcomes_total")
}

func TestSetupTracingNoop(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingConfig{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	ctx, span := StartSpan(context.Background(), "probe.step", StringAttr("target", "files"))
	require.NotNil(t, ctx)
	span.End()

	require.NoError(t, shutdown(context.Background()))
}

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.EventDispatched("products:changed")
	m.HandlerPanic("products:changed")
	m.DecodeFailure("user:deleted")
	m.Reconnect()
	m.ConnState(2)
	m.Refetch("products", "applied")
	m.ForcedLogout("user:deleted")
	m.PushClients(3)
	m.Published("products:changed", "api")
	m.SlowClientDropped()
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}

func TestCounters(t *testing.T) {
	m := New()
	m.EventDispatched("products:changed")
	m.EventDispatched("products:changed")
	m.Refetch("products", "stale")
	m.Reconnect()

	body := scrape(t, m)
	assert.Contains(t, body, `pulse_bus_events_dispatched_total{topic="products:changed"} 2`)
	assert.Contains(t, body, `pulse_refetch_total{consumer="products",outcome="stale"} 1`)
	assert.Contains(t, body, `pulse_transport_reconnects_total 1`)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ForcedLogout("user:password-reset")

	assert.Contains(t, scrape(t, m), `pulse_guard_forced_logouts_total{reason="user:password-reset"} 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

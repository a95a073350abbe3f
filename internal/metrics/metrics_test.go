package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fentz26/reconpi/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCounts map[models.JobStatus]int

func (s staticCounts) CountJobs() (map[models.JobStatus]int, error) { return s, nil }

func TestCounters(t *testing.T) {
	m := New(nil)
	m.ObserveAction("net.port_scan", "executed")
	m.ObserveAction("net.port_scan", "executed")
	m.ObserveAction("net.port_scan", "blocked")
	m.WorkerTick()
	m.WorkerError()
	m.WatchdogReset("worker")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.actions.WithLabelValues("net.port_scan", "executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("net.port_scan", "blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerTicks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.watchdogReset.WithLabelValues("worker")))
}

func TestObserveStateIsExclusive(t *testing.T) {
	m := New(nil)
	m.ObserveState(models.StateLanOps)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.coreState.WithLabelValues("LAN_OPS")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.coreState.WithLabelValues("WIFI_OBSERVE")))

	m.ObserveState(models.StateWifiObserve)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.coreState.WithLabelValues("LAN_OPS")))
}

func TestHandlerServesJobsGauge(t *testing.T) {
	m := New(staticCounts{models.JobStatusQueued: 4})
	m.ObserveAction("a", "executed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `reconpi_jobs{status="queued"} 4`)
	assert.Contains(t, body, `reconpi_actions_total{action="a",outcome="executed"} 1`)
}

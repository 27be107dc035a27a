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

func TestMetrics_GaugesAndHandler(t *testing.T) {
	t.Parallel()
	m := New()
	// A second instance must not panic on duplicate registration.
	_ = New()

	m.SetMachineState("armed", []string{"idle", "evaluating", "armed", "stopped"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MachineState.WithLabelValues("armed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MachineState.WithLabelValues("idle")))

	next := time.Unix(1767225600, 0)
	m.SetSchedule(true, next)
	assert.Equal(t, float64(next.Unix()), testutil.ToFloat64(m.NextFire))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Running))
	m.SetSchedule(false, time.Time{})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.NextFire))

	m.Evaluations.WithLabelValues("toggle_on", "schedule").Inc()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `timepie_evaluations_total{decision="schedule",trigger="toggle_on"} 1`)
}

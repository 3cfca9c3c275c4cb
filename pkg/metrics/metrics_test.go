package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwool/leasequeue/pkg/metrics"
)

func TestHandler(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	m.Requests.WithLabelValues("add", metrics.OutcomeOK).Inc()
	m.Delivered.Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `leasequeue_requests_total{outcome="ok",verb="add"} 1`)
	assert.Contains(t, rec.Body.String(), "leasequeue_log_delivered_total 3")
}

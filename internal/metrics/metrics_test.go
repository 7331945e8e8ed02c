package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	Register()
	Register()

	assert.NotPanics(t, func() {
		ObserveHTTP("/webhooks/{channel}", http.MethodPost, http.StatusOK)
		ObserveSync("AGODA", "PUSH_INVENTORY", true, 20*time.Millisecond)
		ObserveExternal("AGODA", "availability", http.StatusTooManyRequests)
		ObserveTransition("AGODA", "DEGRADED")
		ObserveGRPC("/grpc.health.v1.Health/Check", "OK")
		SetQueueDepth("pending", 3)
	})

	ObserveOutcome("AGODA", "COMMITTED")
	ObserveOutcome("AGODA", "COMMITTED")
	assert.Equal(t, 2.0, testutil.ToFloat64(reconcileOutcomes.WithLabelValues("AGODA", "COMMITTED")))
}

func TestHandler(t *testing.T) {
	Register()
	ObserveSync("EXPEDIA", "PUSH_RATES", false, time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "channel_manager_sync_operations_total")
}

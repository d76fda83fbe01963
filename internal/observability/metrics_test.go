package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.SnapshotOutcomes.WithLabelValues("taken").Inc()
	m.DistributedTotal.Set(42)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotOutcomes.WithLabelValues("taken")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.DistributedTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_snapshot_outcomes_total")
	assert.Contains(t, names, "test_claim_distributed_total")
}

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(DefaultMetrics.SnapshotOutcomes.WithLabelValues("missed"))
	RecordSnapshot("missed")
	assert.Equal(t, before+1, testutil.ToFloat64(DefaultMetrics.SnapshotOutcomes.WithLabelValues("missed")))

	UpdateDistributedTotal(1_000)
	assert.Equal(t, 1_000.0, testutil.ToFloat64(DefaultMetrics.DistributedTotal))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/entitlements/{wallet}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := DefaultMetrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/entitlements/{wallet}", "418")
	before := testutil.ToFloat64(counter)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/entitlements/abc", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/entitlements/def", nil))

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

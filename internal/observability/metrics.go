// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Prep metrics
	PrepRunsTotal       *prometheus.CounterVec
	PrepDuration        prometheus.Histogram
	LastAcquiredReward  prometheus.Gauge
	SwapAttemptsTotal   *prometheus.CounterVec
	FeeCollectsVerified *prometheus.CounterVec

	// Snapshot metrics
	SnapshotOutcomes    *prometheus.CounterVec
	SnapshotHolders     prometheus.Gauge
	EntitlementsWritten prometheus.Counter
	SnapshotsRecovered  prometheus.Counter
	LastSnapshotTakenAt prometheus.Gauge
	HolderScanDuration  prometheus.Histogram

	// Claim metrics
	ClaimPreviewsTotal  *prometheus.CounterVec
	ClaimSubmitsTotal   *prometheus.CounterVec
	ClaimedAmountTotal  prometheus.Counter
	BroadcastsTotal     *prometheus.CounterVec
	ClaimSubmitDuration prometheus.Histogram
	DistributedTotal    prometheus.Gauge
	RateLimitedTotal    *prometheus.CounterVec

	// Housekeeping metrics
	PreviewsPruned   prometheus.Counter
	LimiterKeys      *prometheus.GaugeVec
	WorkerPhaseTotal *prometheus.CounterVec
	LastWorkerTick   prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "reward_distributor"
	}
	f := promauto.With(reg)

	return &Metrics{
		// Prep metrics
		PrepRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prep",
			Name:      "runs_total",
			Help:      "Prepare runs by reported step",
		}, []string{"step"}),
		PrepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "prep",
			Name:      "duration_seconds",
			Help:      "Duration of prepare runs that reached a terminal row",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		LastAcquiredReward: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "prep",
			Name:      "last_acquired_reward",
			Help:      "Reward token raw units acquired by the last prepare",
		}),
		SwapAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prep",
			Name:      "swap_attempts_total",
			Help:      "Swap attempts by slippage step and result",
		}, []string{"slippage_bps", "result"}),
		FeeCollectsVerified: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prep",
			Name:      "fee_collects_total",
			Help:      "Fee collections by verification result",
		}, []string{"verified"}),

		// Snapshot metrics
		SnapshotOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "outcomes_total",
			Help:      "Snapshot attempts by outcome",
		}, []string{"status"}),
		SnapshotHolders: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "eligible_holders",
			Help:      "Eligible holders in the last taken snapshot",
		}),
		EntitlementsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "entitlements_written_total",
			Help:      "Entitlement rows inserted",
		}),
		SnapshotsRecovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "recovered_total",
			Help:      "Snapshots whose entitlements were completed after a crash",
		}),
		LastSnapshotTakenAt: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "last_taken_timestamp",
			Help:      "Unix timestamp of the last snapshot written by this process",
		}),
		HolderScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "holder_scan_duration_seconds",
			Help:      "Duration of holder directory scans",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		// Claim metrics
		ClaimPreviewsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "previews_total",
			Help:      "Claim previews by result",
		}, []string{"result"}),
		ClaimSubmitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "submits_total",
			Help:      "Claim submits by result code",
		}, []string{"code"}),
		ClaimedAmountTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "claimed_amount_total",
			Help:      "Reward token raw units transferred to claimants",
		}),
		BroadcastsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "broadcasts_total",
			Help:      "Transaction broadcasts by endpoint and result",
		}, []string{"endpoint", "result"}),
		ClaimSubmitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "submit_duration_seconds",
			Help:      "Duration of claim submits",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		DistributedTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "distributed_total",
			Help:      "Running total of reward distributed (raw units)",
		}),
		RateLimitedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"scope"}),

		// Housekeeping metrics
		PreviewsPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "previews_pruned_total",
			Help:      "Expired preview rows removed",
		}),
		LimiterKeys: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "limiter_keys",
			Help:      "Tracked rate limiter keys",
		}, []string{"scope"}),
		WorkerPhaseTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "phase_total",
			Help:      "Worker phase executions by result",
		}, []string{"phase", "result"}),
		LastWorkerTick: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "last_tick_timestamp",
			Help:      "Unix timestamp of the last worker loop iteration",
		}),

		// HTTP metrics
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", prometheus.DefaultRegisterer)

// RecordPrep records a prepare run outcome.
func RecordPrep(step string, duration time.Duration, acquired uint64) {
	DefaultMetrics.PrepRunsTotal.WithLabelValues(step).Inc()
	DefaultMetrics.PrepDuration.Observe(duration.Seconds())
	DefaultMetrics.LastAcquiredReward.Set(float64(acquired))
}

// RecordSwapAttempt records one rung of the slippage ladder.
func RecordSwapAttempt(slippageBps uint16, result string) {
	DefaultMetrics.SwapAttemptsTotal.WithLabelValues(strconv.Itoa(int(slippageBps)), result).Inc()
}

// RecordFeeCollect records a fee collection verification result.
func RecordFeeCollect(verified bool) {
	DefaultMetrics.FeeCollectsVerified.WithLabelValues(strconv.FormatBool(verified)).Inc()
}

// RecordSnapshot records a snapshot attempt outcome.
func RecordSnapshot(status string) {
	DefaultMetrics.SnapshotOutcomes.WithLabelValues(status).Inc()
}

// RecordSnapshotTaken records a snapshot written by this process.
func RecordSnapshotTaken(holders int, inserted int, at time.Time) {
	DefaultMetrics.SnapshotHolders.Set(float64(holders))
	DefaultMetrics.EntitlementsWritten.Add(float64(inserted))
	DefaultMetrics.LastSnapshotTakenAt.Set(float64(at.Unix()))
}

// RecordSnapshotRecovered records a crash-recovered snapshot.
func RecordSnapshotRecovered(inserted int) {
	DefaultMetrics.SnapshotsRecovered.Inc()
	DefaultMetrics.EntitlementsWritten.Add(float64(inserted))
}

// RecordHolderScan records a holder directory scan.
func RecordHolderScan(d time.Duration) {
	DefaultMetrics.HolderScanDuration.Observe(d.Seconds())
}

// RecordPreview records a claim preview result.
func RecordPreview(result string) {
	DefaultMetrics.ClaimPreviewsTotal.WithLabelValues(result).Inc()
}

// RecordSubmit records a claim submit result code and its duration.
func RecordSubmit(code string, d time.Duration) {
	DefaultMetrics.ClaimSubmitsTotal.WithLabelValues(code).Inc()
	DefaultMetrics.ClaimSubmitDuration.Observe(d.Seconds())
}

// RecordClaimed records a settled claim.
func RecordClaimed(amount uint64, runningTotal uint64) {
	DefaultMetrics.ClaimedAmountTotal.Add(float64(amount))
	DefaultMetrics.DistributedTotal.Set(float64(runningTotal))
}

// RecordBroadcast records a broadcast attempt. It matches the
// solana.BroadcastHook signature.
func RecordBroadcast(endpoint string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	DefaultMetrics.BroadcastsTotal.WithLabelValues(endpoint, result).Inc()
}

// RecordRateLimited records a rejected request.
func RecordRateLimited(scope string) {
	DefaultMetrics.RateLimitedTotal.WithLabelValues(scope).Inc()
}

// RecordPreviewsPruned records removed preview rows.
func RecordPreviewsPruned(n int) {
	DefaultMetrics.PreviewsPruned.Add(float64(n))
}

// UpdateLimiterKeys sets the tracked key gauge for a limiter scope.
func UpdateLimiterKeys(scope string, n int) {
	DefaultMetrics.LimiterKeys.WithLabelValues(scope).Set(float64(n))
}

// UpdateDistributedTotal sets the running total gauge.
func UpdateDistributedTotal(total uint64) {
	DefaultMetrics.DistributedTotal.Set(float64(total))
}

// RecordWorkerPhase records a worker phase execution.
func RecordWorkerPhase(phase, result string) {
	DefaultMetrics.WorkerPhaseTotal.WithLabelValues(phase, result).Inc()
	DefaultMetrics.LastWorkerTick.SetToCurrentTime()
}

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		DefaultMetrics.HTTPRequestsInFlight.Inc()
		defer DefaultMetrics.HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Route pattern keeps wallet addresses out of label values.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		status := strconv.Itoa(ww.Status())
		DefaultMetrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		DefaultMetrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

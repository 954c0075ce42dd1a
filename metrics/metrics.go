// Package metrics holds the Prometheus collectors for the credit vault.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Allocation outcomes.
const (
	OutcomeExact        = "exact"
	OutcomeGreedy       = "greedy"
	OutcomeInsufficient = "insufficient"
	OutcomeInvalid      = "invalid"
	OutcomeError        = "error"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_vault",
			Subsystem: "allocation",
			Name:      "attempts_total",
			Help:      "Allocation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	allocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "credit_vault",
			Subsystem: "allocation",
			Name:      "duration_seconds",
			Help:      "Duration of allocation attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"outcome"},
	)

	lostRaces = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credit_vault",
			Subsystem: "allocation",
			Name:      "lost_races_total",
			Help:      "Conditional writes that lost to a concurrent caller.",
		},
	)

	rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_vault",
			Subsystem: "allocation",
			Name:      "rollbacks_total",
			Help:      "Frozen credits returned to available after a failed allocation.",
		},
		[]string{"result"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_vault",
			Subsystem: "settlement",
			Name:      "items_total",
			Help:      "Finalize and release items by operation and result.",
		},
		[]string{"operation", "result"},
	)

	reapedHolds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credit_vault",
			Subsystem: "reaper",
			Name:      "released_total",
			Help:      "Frozen credits released after their lease expired.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_vault",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "credit_vault",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		allocations,
		allocationDuration,
		lostRaces,
		rollbacks,
		settlements,
		reapedHolds,
		httpRequests,
		httpDuration,
	)
}

// RecordAllocation records one allocation attempt.
func RecordAllocation(outcome string, started time.Time) {
	allocations.WithLabelValues(outcome).Inc()
	allocationDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

// RecordLostRace counts a conditional write that affected zero rows.
func RecordLostRace() {
	lostRaces.Inc()
}

// RecordRollback counts one rollback write; ok is false when it lost.
func RecordRollback(ok bool) {
	result := "ok"
	if !ok {
		result = "skipped"
	}
	rollbacks.WithLabelValues(result).Inc()
}

// RecordSettlement counts one finalize/release item.
func RecordSettlement(operation, result string) {
	settlements.WithLabelValues(operation, result).Inc()
}

// RecordReaped counts credits released by the reaper.
func RecordReaped(n int64) {
	if n > 0 {
		reapedHolds.Add(float64(n))
	}
}

// Handler exposes the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware instruments HTTP handlers by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slog"
)

const (
	metricPrefix = "refusjon_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	analysisTotal   *prometheus.CounterVec
	analysisLatency *prometheus.HistogramVec

	skippedSessions      prometheus.Counter
	missingPriceHours    *prometheus.CounterVec
	missingTariffWindows *prometheus.CounterVec

	spotLookupTotal   *prometheus.CounterVec
	spotLookupLatency *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
)

// Init registers reimbursement metrics and DB-backed gauges.
func Init(db *sql.DB, logger *slog.Logger) {
	registerOnce.Do(func() {
		analysisTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "analysis_total",
				Help: "Total reimbursement analyses by result",
			},
			[]string{"result"},
		)
		analysisLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "analysis_latency_seconds",
				Help:    "Reimbursement analysis latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		skippedSessions = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "skipped_sessions_total",
				Help: "Sessions skipped because of invalid data",
			},
		)
		missingPriceHours = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "missing_price_hours_total",
				Help: "Hours priced with the fallback because no spot price existed",
			},
			[]string{"price_area"},
		)
		missingTariffWindows = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "missing_tariff_windows_total",
				Help: "Hours without a matching net tariff window",
			},
			[]string{"net_profile"},
		)

		spotLookupTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "spot_lookup_total",
				Help: "Spot price lookups by source and result",
			},
			[]string{"source", "result"},
		)
		spotLookupLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "spot_lookup_latency_seconds",
				Help:    "Spot price lookup latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		)

		httpRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"route", "status"},
		)

		prometheus.MustRegister(
			analysisTotal,
			analysisLatency,
			skippedSessions,
			missingPriceHours,
			missingTariffWindows,
			spotLookupTotal,
			spotLookupLatency,
			httpRequests,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveAnalysis records analysis latency and result.
func ObserveAnalysis(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if analysisTotal != nil {
		analysisTotal.WithLabelValues(result).Inc()
	}
	if analysisLatency != nil {
		analysisLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddSkippedSessions increments the skipped session counter by count.
func AddSkippedSessions(count int) {
	if count <= 0 {
		return
	}
	if skippedSessions != nil {
		skippedSessions.Add(float64(count))
	}
}

// AddMissingPriceHours counts hours priced with the fallback.
func AddMissingPriceHours(area string, count int) {
	if count <= 0 {
		return
	}
	if area == "" {
		area = "unknown"
	}
	if missingPriceHours != nil {
		missingPriceHours.WithLabelValues(area).Add(float64(count))
	}
}

// AddMissingTariffWindows counts hours without a tariff window.
func AddMissingTariffWindows(profile string, count int) {
	if count <= 0 {
		return
	}
	if profile == "" {
		profile = "none"
	}
	if missingTariffWindows != nil {
		missingTariffWindows.WithLabelValues(profile).Add(float64(count))
	}
}

// ObserveSpotLookup records one spot price source round trip.
func ObserveSpotLookup(source, result string, duration time.Duration) {
	if source == "" {
		source = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if spotLookupTotal != nil {
		spotLookupTotal.WithLabelValues(source, result).Inc()
	}
	if spotLookupLatency != nil {
		spotLookupLatency.WithLabelValues(source).Observe(duration.Seconds())
	}
}

// IncHTTPRequest counts a served request.
func IncHTTPRequest(route, status string) {
	if route == "" {
		route = "other"
	}
	if httpRequests != nil {
		httpRequests.WithLabelValues(route, status).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)

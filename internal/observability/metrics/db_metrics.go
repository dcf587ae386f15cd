package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slog"
)

func registerDBMetrics(db *sql.DB, logger *slog.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_open_connections",
			Help: "Open database connections",
		},
		func() float64 { return float64(db.Stats().OpenConnections) },
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "spot_price_latest_hour_seconds",
			Help: "Unix time of the newest stored spot price",
		},
		func() float64 {
			return queryFloat(db, logger, "SELECT COALESCE(EXTRACT(EPOCH FROM MAX(hour_start)), 0) FROM spot_prices")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "employee_settings_rows",
			Help: "Stored employee settings rows",
		},
		func() float64 {
			return queryFloat(db, logger, "SELECT COUNT(*) FROM employee_settings")
		},
	))
}

func queryFloat(db *sql.DB, logger *slog.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var value float64
	if err := db.QueryRow(query).Scan(&value); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", "err", err)
		}
		return 0
	}
	if value < 0 {
		return 0
	}
	return value
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"charging-refund/internal/observability/metrics"
	reimbursement "charging-refund/internal/reimbursement/domain"
)

const (
	defaultSpotPricesTable = "spot_prices"
	spotSource             = "postgres"
)

// SpotPriceRepository reads and writes hourly spot prices.
type SpotPriceRepository struct {
	db    *sql.DB
	table string
}

// SpotPriceOption configures the repository.
type SpotPriceOption func(*SpotPriceRepository)

// WithSpotPricesTable overrides the default table.
func WithSpotPricesTable(table string) SpotPriceOption {
	return func(r *SpotPriceRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewSpotPriceRepository constructs a repository with defaults.
func NewSpotPriceRepository(db *sql.DB, opts ...SpotPriceOption) *SpotPriceRepository {
	r := &SpotPriceRepository{db: db, table: defaultSpotPricesTable}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetSpotPriceForHour returns the price stored for the exact hour start.
func (r *SpotPriceRepository) GetSpotPriceForHour(ctx context.Context, priceArea string, hour time.Time) (reimbursement.SpotPrice, bool, error) {
	if r == nil || r.db == nil {
		return reimbursement.SpotPrice{}, false, errors.New("spot price repo: nil db")
	}
	if priceArea == "" {
		return reimbursement.SpotPrice{}, false, errors.New("spot price repo: empty price area")
	}

	query := fmt.Sprintf(`
SELECT price_nok_per_kwh_ex_vat
FROM %s
WHERE price_area = $1 AND hour_start = $2
LIMIT 1`, r.table)

	started := time.Now()
	var price float64
	err := r.db.QueryRowContext(ctx, query, priceArea, hour.UTC()).Scan(&price)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			metrics.ObserveSpotLookup(spotSource, "miss", time.Since(started))
			return reimbursement.SpotPrice{}, false, nil
		}
		metrics.ObserveSpotLookup(spotSource, metrics.ResultError, time.Since(started))
		return reimbursement.SpotPrice{}, false, err
	}
	metrics.ObserveSpotLookup(spotSource, metrics.ResultSuccess, time.Since(started))
	return reimbursement.SpotPrice{PriceArea: priceArea, Hour: hour, PricePerKwhExVat: price}, true, nil
}

// ListSpotPrices returns the prices of an area with hour_start in [from, to).
func (r *SpotPriceRepository) ListSpotPrices(ctx context.Context, priceArea string, from, to time.Time) ([]reimbursement.SpotPrice, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("spot price repo: nil db")
	}
	if priceArea == "" {
		return nil, errors.New("spot price repo: empty price area")
	}
	if !to.After(from) {
		return nil, nil
	}

	query := fmt.Sprintf(`
SELECT hour_start, price_nok_per_kwh_ex_vat
FROM %s
WHERE price_area = $1 AND hour_start >= $2 AND hour_start < $3
ORDER BY hour_start ASC`, r.table)

	started := time.Now()
	rows, err := r.db.QueryContext(ctx, query, priceArea, from.UTC(), to.UTC())
	if err != nil {
		metrics.ObserveSpotLookup(spotSource, metrics.ResultError, time.Since(started))
		return nil, err
	}
	defer rows.Close()

	var out []reimbursement.SpotPrice
	for rows.Next() {
		var hour time.Time
		var price float64
		if err := rows.Scan(&hour, &price); err != nil {
			return nil, err
		}
		out = append(out, reimbursement.SpotPrice{PriceArea: priceArea, Hour: hour, PricePerKwhExVat: price})
	}
	if err := rows.Err(); err != nil {
		metrics.ObserveSpotLookup(spotSource, metrics.ResultError, time.Since(started))
		return nil, err
	}
	metrics.ObserveSpotLookup(spotSource, metrics.ResultSuccess, time.Since(started))
	return out, nil
}

// UpsertSpotPrices stores prices, replacing existing rows for the same hour.
func (r *SpotPriceRepository) UpsertSpotPrices(ctx context.Context, prices []reimbursement.SpotPrice) error {
	if r == nil || r.db == nil {
		return errors.New("spot price repo: nil db")
	}
	if len(prices) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (price_area, hour_start, price_nok_per_kwh_ex_vat)
VALUES ($1, $2, $3)
ON CONFLICT (price_area, hour_start)
DO UPDATE SET price_nok_per_kwh_ex_vat = EXCLUDED.price_nok_per_kwh_ex_vat`, r.table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, price := range prices {
		if price.PriceArea == "" {
			return errors.New("spot price repo: empty price area")
		}
		if _, err := stmt.ExecContext(ctx, price.PriceArea, price.Hour.UTC(), price.PricePerKwhExVat); err != nil {
			return fmt.Errorf("upsert %s@%s: %w", price.PriceArea, price.Hour.Format(time.RFC3339), err)
		}
	}
	return tx.Commit()
}

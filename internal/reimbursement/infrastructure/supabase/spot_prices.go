package supabase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	supa "github.com/nedpals/supabase-go"
	"golang.org/x/exp/slog"

	"charging-refund/internal/observability/metrics"
	reimbursement "charging-refund/internal/reimbursement/domain"
)

const (
	defaultTable   = "spot_prices"
	defaultTimeout = 10 * time.Second
	// PostgREST max-rows on hosted Supabase.
	defaultPageSize = 1000
	spotSource      = "supabase"
)

// querier runs one PostgREST select of [from, to) into rows. Swapped out in tests.
type querier func(ctx context.Context, area string, from, to time.Time, rows *[]spotPriceRow) error

type spotPriceRow struct {
	PriceArea string  `json:"price_area"`
	HourStart string  `json:"hour_start"`
	Price     float64 `json:"price_nok_per_kwh_ex_vat"`
}

// SpotPriceClient reads spot prices from a Supabase project. The underlying
// client is created lazily and re-created after any failed request.
type SpotPriceClient struct {
	url      string
	anonKey  string
	userKey  string
	schema   string
	table    string
	timeout  time.Duration
	pageSize int
	logger   *slog.Logger

	mu              sync.Mutex
	subClient       *supa.Client
	shouldReconnect bool
	query           querier
}

// Option configures the client.
type Option func(*SpotPriceClient)

// WithTable overrides the spot price table.
func WithTable(table string) Option {
	return func(c *SpotPriceClient) {
		if table != "" {
			c.table = table
		}
	}
}

// WithUserKey sends a user JWT instead of relying on the anon key alone.
func WithUserKey(key string) Option {
	return func(c *SpotPriceClient) {
		c.userKey = key
	}
}

// WithTimeout bounds every request.
func WithTimeout(timeout time.Duration) Option {
	return func(c *SpotPriceClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithPageSize sets the most rows one response may carry. It must not exceed
// the server's max-rows setting.
func WithPageSize(size int) Option {
	return func(c *SpotPriceClient) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *SpotPriceClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a client. No connection is made until the first request.
func New(url, anonKey, schema string, opts ...Option) (*SpotPriceClient, error) {
	if url == "" {
		return nil, errors.New("supabase: empty url")
	}
	if anonKey == "" {
		return nil, errors.New("supabase: empty key")
	}
	if schema == "" {
		schema = "public"
	}
	c := &SpotPriceClient{
		url:             url,
		anonKey:         anonKey,
		schema:          schema,
		table:           defaultTable,
		timeout:         defaultTimeout,
		pageSize:        defaultPageSize,
		shouldReconnect: true,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("host", url)
	c.query = c.selectRange
	return c, nil
}

// GetSpotPriceForHour returns the price for the exact hour start.
func (c *SpotPriceClient) GetSpotPriceForHour(ctx context.Context, priceArea string, hour time.Time) (reimbursement.SpotPrice, bool, error) {
	prices, err := c.ListSpotPrices(ctx, priceArea, hour, hour.Add(time.Hour))
	if err != nil {
		return reimbursement.SpotPrice{}, false, err
	}
	for _, price := range prices {
		if price.Hour.Equal(hour) {
			return price, true, nil
		}
	}
	return reimbursement.SpotPrice{}, false, nil
}

// ListSpotPrices returns the prices of an area with hour_start in [from, to).
// Rows are unique per (area, hour), so the range is read in chunks of at most
// pageSize hours and no response can be truncated by the server row cap.
func (c *SpotPriceClient) ListSpotPrices(ctx context.Context, priceArea string, from, to time.Time) ([]reimbursement.SpotPrice, error) {
	if priceArea == "" {
		return nil, errors.New("supabase: empty price area")
	}
	if !to.After(from) {
		return nil, nil
	}

	chunk := time.Duration(c.pageSize) * time.Hour
	seen := make(map[int64]struct{})
	var out []reimbursement.SpotPrice
	for chunkFrom := from; chunkFrom.Before(to); chunkFrom = chunkFrom.Add(chunk) {
		chunkTo := chunkFrom.Add(chunk)
		if chunkTo.After(to) {
			chunkTo = to
		}

		started := time.Now()
		rows, err := c.run(ctx, priceArea, chunkFrom, chunkTo)
		if err != nil {
			metrics.ObserveSpotLookup(spotSource, metrics.ResultError, time.Since(started))
			return nil, err
		}
		metrics.ObserveSpotLookup(spotSource, metrics.ResultSuccess, time.Since(started))

		for _, row := range rows {
			hour, err := time.Parse(time.RFC3339, row.HourStart)
			if err != nil {
				return nil, fmt.Errorf("supabase: parse hour_start %q: %w", row.HourStart, err)
			}
			if hour.Before(chunkFrom) || !hour.Before(chunkTo) {
				continue
			}
			if _, dup := seen[hour.Unix()]; dup {
				continue
			}
			seen[hour.Unix()] = struct{}{}
			out = append(out, reimbursement.SpotPrice{PriceArea: priceArea, Hour: hour, PricePerKwhExVat: row.Price})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

// run executes one select bounded by the client timeout. A failed or timed
// out request marks the client for reconnect; cancellation by the caller
// does not.
func (c *SpotPriceClient) run(ctx context.Context, area string, from, to time.Time) ([]spotPriceRow, error) {
	c.mu.Lock()
	if err := c.reconnectIfNecessary(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	query := c.query
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rows []spotPriceRow
	if err := query(reqCtx, area, from, to, &rows); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.setShouldReconnect()
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("supabase: %s query timed out after %s: %w", c.table, c.timeout, err)
		}
		return nil, fmt.Errorf("supabase: query %s: %w", c.table, err)
	}
	return rows, nil
}

func (c *SpotPriceClient) selectRange(ctx context.Context, area string, from, to time.Time, rows *[]spotPriceRow) error {
	c.mu.Lock()
	client := c.subClient
	c.mu.Unlock()
	if client == nil {
		return errors.New("not connected")
	}
	return client.DB.From(c.table).
		Select("price_area", "hour_start", "price_nok_per_kwh_ex_vat").
		Limit(c.pageSize).
		Eq("price_area", area).
		Gte("hour_start", from.UTC().Format(time.RFC3339)).
		Lt("hour_start", to.UTC().Format(time.RFC3339)).
		ExecuteWithContext(ctx, rows)
}

func (c *SpotPriceClient) createSubClient() {
	subClient := supa.CreateClient(c.url, c.anonKey)
	subClient.DB.AddHeader("Accept-Profile", c.schema)
	if c.userKey != "" {
		subClient.DB.AddHeader("Authorization", fmt.Sprintf("Bearer %s", c.userKey))
	}
	c.subClient = subClient
}

func (c *SpotPriceClient) setShouldReconnect() {
	c.mu.Lock()
	c.shouldReconnect = true
	c.mu.Unlock()
}

// reconnectIfNecessary must be called with mu held.
func (c *SpotPriceClient) reconnectIfNecessary() error {
	if !c.shouldReconnect {
		return nil
	}
	c.createSubClient()
	if c.subClient == nil {
		return errors.New("supabase: could not create client")
	}
	c.shouldReconnect = false
	c.logger.Info("created supabase client", "schema", c.schema)
	return nil
}

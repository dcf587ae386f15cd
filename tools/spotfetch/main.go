// spotfetch downloads Norwegian day-ahead prices from hvakosterstrommen.no
// and upserts them as hourly rows into spot_prices.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/exp/slog"

	reimbursement "charging-refund/internal/reimbursement/domain"
	"charging-refund/internal/reimbursement/infrastructure/postgres"
)

const (
	defaultBaseURL = "https://www.hvakosterstrommen.no/api/v1/prices"
	dateLayout     = "2006-01-02"
	maxRetries     = 5
)

var validAreas = map[string]bool{"NO1": true, "NO2": true, "NO3": true, "NO4": true, "NO5": true}

// retryWait is the pause after the n-th rate limited attempt.
var retryWait = func(attempt int) time.Duration {
	return time.Duration(attempt+1) * 5 * time.Second
}

type config struct {
	dbURL   string
	start   time.Time
	end     time.Time
	areas   []string
	baseURL string
	dryRun  bool
}

type priceEntry struct {
	NOKPerKWh float64 `json:"NOK_per_kWh"`
	EURPerKWh float64 `json:"EUR_per_kWh"`
	EXR       float64 `json:"EXR"`
	TimeStart string  `json:"time_start"`
	TimeEnd   string  `json:"time_end"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		logger.Error("invalid flags", "err", err)
		os.Exit(2)
	}
	if !cfg.dryRun && cfg.dbURL == "" {
		logger.Error("missing -dsn (or DATABASE_URL / PG_DSN)")
		os.Exit(2)
	}
	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("spotfetch failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	var repo *postgres.SpotPriceRepository
	if !cfg.dryRun {
		db, err := sql.Open("pgx", cfg.dbURL)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		defer db.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("db ping: %w", err)
		}
		repo = postgres.NewSpotPriceRepository(db)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	total := 0
	for day := cfg.start; day.Before(cfg.end); day = day.AddDate(0, 0, 1) {
		for _, area := range cfg.areas {
			prices, err := fetchDay(ctx, client, cfg.baseURL, day, area, logger)
			if err != nil {
				return fmt.Errorf("fetch %s %s: %w", day.Format(dateLayout), area, err)
			}
			if repo != nil {
				if err := repo.UpsertSpotPrices(ctx, prices); err != nil {
					return fmt.Errorf("upsert %s %s: %w", day.Format(dateLayout), area, err)
				}
			}
			total += len(prices)
			logger.Info("day fetched", "day", day.Format(dateLayout), "area", area, "hours", len(prices))
		}
	}
	logger.Info("done", "hours", total, "dry_run", cfg.dryRun)
	return nil
}

func parseFlags(args []string) (config, error) {
	fs := flag.NewFlagSet("spotfetch", flag.ContinueOnError)
	var (
		cfg      config
		startRaw string
		endRaw   string
		areasRaw string
	)
	fs.StringVar(&cfg.dbURL, "dsn", getenvDefault("DATABASE_URL", os.Getenv("PG_DSN")), "postgres DSN")
	fs.StringVar(&startRaw, "start", "", "first day (YYYY-MM-DD)")
	fs.StringVar(&endRaw, "end", "", "day after the last day (YYYY-MM-DD), defaults to start+1")
	fs.StringVar(&areasRaw, "areas", "NO1,NO2,NO3,NO4,NO5", "comma separated price areas")
	fs.StringVar(&cfg.baseURL, "base-url", defaultBaseURL, "price API base url")
	fs.BoolVar(&cfg.dryRun, "dry-run", false, "fetch without writing")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if startRaw == "" {
		return cfg, errors.New("-start is required")
	}
	start, err := time.Parse(dateLayout, startRaw)
	if err != nil {
		return cfg, fmt.Errorf("invalid -start: %w", err)
	}
	cfg.start = start
	cfg.end = start.AddDate(0, 0, 1)
	if endRaw != "" {
		end, err := time.Parse(dateLayout, endRaw)
		if err != nil {
			return cfg, fmt.Errorf("invalid -end: %w", err)
		}
		if !end.After(start) {
			return cfg, errors.New("-end must be after -start")
		}
		cfg.end = end
	}

	for _, raw := range strings.Split(areasRaw, ",") {
		area := strings.ToUpper(strings.TrimSpace(raw))
		if area == "" {
			continue
		}
		if !validAreas[area] {
			return cfg, fmt.Errorf("unknown price area %q", area)
		}
		cfg.areas = append(cfg.areas, area)
	}
	if len(cfg.areas) == 0 {
		return cfg, errors.New("-areas is empty")
	}
	cfg.baseURL = strings.TrimRight(cfg.baseURL, "/")
	return cfg, nil
}

func dayURL(baseURL string, day time.Time, area string) string {
	return fmt.Sprintf("%s/%04d/%02d-%02d_%s.json", baseURL, day.Year(), int(day.Month()), day.Day(), area)
}

func fetchDay(ctx context.Context, client *http.Client, baseURL string, day time.Time, area string, logger *slog.Logger) ([]reimbursement.SpotPrice, error) {
	url := dayURL(baseURL, day, area)
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryWait(attempt)
			logger.Warn("rate limited", "url", url, "wait", wait, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			continue
		case resp.StatusCode == http.StatusNotFound:
			return nil, nil
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return parseDay(body, area)
	}
	return nil, fmt.Errorf("rate limited after %d attempts", maxRetries)
}

// parseDay folds the entries of one day into hourly prices. Sub-hour
// entries are averaged over the hour they start in.
func parseDay(body []byte, area string) ([]reimbursement.SpotPrice, error) {
	var entries []priceEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}

	type bucket struct {
		sum   float64
		count int
	}
	buckets := make(map[int64]*bucket)
	for _, e := range entries {
		start, err := time.Parse(time.RFC3339, e.TimeStart)
		if err != nil {
			return nil, fmt.Errorf("time_start %q: %w", e.TimeStart, err)
		}
		hour := start.UTC().Truncate(time.Hour).Unix()
		b := buckets[hour]
		if b == nil {
			b = &bucket{}
			buckets[hour] = b
		}
		b.sum += e.NOKPerKWh
		b.count++
	}

	out := make([]reimbursement.SpotPrice, 0, len(buckets))
	for hour, b := range buckets {
		out = append(out, reimbursement.SpotPrice{
			PriceArea:        area,
			Hour:             time.Unix(hour, 0).UTC(),
			PricePerKwhExVat: b.sum / float64(b.count),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"

	"charging-refund/internal/observability/metrics"
	"charging-refund/internal/reimbursement/application"
	"charging-refund/internal/reimbursement/infrastructure/memory"
	"charging-refund/internal/reimbursement/infrastructure/postgres"
	"charging-refund/internal/reimbursement/infrastructure/supabase"
	"charging-refund/internal/reimbursement/infrastructure/tariffconfig"
	"charging-refund/internal/reimbursement/interfaces"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env failed", "err", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		fatal(logger, "config error", err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		fatal(logger, "load timezone", err)
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			fatal(logger, "db open error", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			fatal(logger, "db ping error", err)
		}
	}
	metrics.Init(db, logger)

	service, err := buildAnalysisService(context.Background(), cfg, db, loc, logger)
	if err != nil {
		fatal(logger, "build analysis service", err)
	}
	analyzeHandler, err := interfaces.NewAnalyzeHandler(service, loc, logger)
	if err != nil {
		fatal(logger, "build analyze handler", err)
	}

	mux := http.NewServeMux()
	mux.Handle(interfaces.AnalyzePath, analyzeHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "db unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      loggingMiddleware(mux, logger),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}
	logger.Info("http listening", "addr", cfg.HTTPAddr, "timezone", cfg.Timezone, "spot_source", cfg.SpotPriceSource)
	if err := server.ListenAndServe(); err != nil {
		fatal(logger, "http server stopped", err)
	}
}

// buildAnalysisService wires stores according to the configured sources.
// Net profiles come from TARIFF_CONFIG when set and from Postgres otherwise;
// employee settings come from Postgres when a database is configured.
func buildAnalysisService(ctx context.Context, cfg config, db *sql.DB, loc *time.Location, logger *slog.Logger) (*application.AnalysisService, error) {
	var (
		profiles application.NetProfileStore
		tiers    application.EffectTierStore
		settings application.SettingsStore
		prices   application.SpotPriceProvider
	)

	if db != nil {
		settings = postgres.NewSettingsRepository(db)
	}
	if cfg.TariffConfigPath != "" {
		tariffCfg, err := tariffconfig.Load(cfg.TariffConfigPath)
		if err != nil {
			return nil, err
		}
		store := memory.NewTariffStore()
		var settingsStore *memory.SettingsStore
		if settings == nil {
			settingsStore = memory.NewSettingsStore()
			settings = settingsStore
		}
		if err := tariffCfg.Apply(ctx, loc, store, settingsStore); err != nil {
			return nil, err
		}
		profiles, tiers = store, store
		logger.Info("tariff config loaded", "path", cfg.TariffConfigPath, "profiles", len(store.ProfileIDs()))
	} else {
		if db == nil {
			return nil, errors.New("DATABASE_URL or TARIFF_CONFIG is required")
		}
		repo := postgres.NewTariffRepository(db)
		profiles, tiers = repo, repo
	}
	if settings == nil {
		return nil, errors.New("no employee settings source")
	}

	switch cfg.SpotPriceSource {
	case "supabase":
		client, err := supabase.New(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseSchema,
			supabase.WithUserKey(cfg.SupabaseUserKey),
			supabase.WithTimeout(cfg.SupabaseTimeout),
			supabase.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		prices = client
	case "postgres":
		if db == nil {
			return nil, errors.New("SPOT_PRICE_SOURCE=postgres needs DATABASE_URL")
		}
		prices = postgres.NewSpotPriceRepository(db)
	default:
		return nil, errors.New("unknown SPOT_PRICE_SOURCE " + strconv.Quote(cfg.SpotPriceSource))
	}

	matcher, err := application.NewProfileMatcher(profiles, loc, application.WithProfileTTL(cfg.ProfileCacheTTL))
	if err != nil {
		return nil, err
	}
	return application.NewAnalysisService(settings, prices, matcher, loc,
		application.WithEffectTierStore(tiers),
		application.WithMissingPriceFallback(cfg.MissingPriceFallback),
		application.WithLookupConcurrency(cfg.LookupConcurrency),
		application.WithLogger(logger),
	)
}

type config struct {
	DatabaseURL          string
	HTTPAddr             string
	Timezone             string
	SpotPriceSource      string
	SupabaseURL          string
	SupabaseKey          string
	SupabaseUserKey      string
	SupabaseSchema       string
	SupabaseTimeout      time.Duration
	TariffConfigPath     string
	MissingPriceFallback float64
	LookupConcurrency    int
	ProfileCacheTTL      time.Duration
	HTTPReadTimeout      time.Duration
	HTTPWriteTimeout     time.Duration
}

func loadConfig() (config, error) {
	cfg := config{
		DatabaseURL:          getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:             getenvDefault("HTTP_ADDR", ":8080"),
		Timezone:             getenvDefault("TIMEZONE", "Europe/Oslo"),
		SpotPriceSource:      strings.ToLower(getenvDefault("SPOT_PRICE_SOURCE", "postgres")),
		SupabaseURL:          getenvDefault("SUPABASE_URL", ""),
		SupabaseKey:          getenvDefault("SUPABASE_KEY", getenvDefault("SUPABASE_ANON_KEY", "")),
		SupabaseUserKey:      getenvDefault("SUPABASE_USER_KEY", ""),
		SupabaseSchema:       getenvDefault("SUPABASE_SCHEMA", "public"),
		SupabaseTimeout:      getenvDuration("SUPABASE_TIMEOUT", 10*time.Second),
		TariffConfigPath:     getenvDefault("TARIFF_CONFIG", ""),
		MissingPriceFallback: getenvFloatDefault("MISSING_PRICE_FALLBACK", 0),
		LookupConcurrency:    getenvIntDefault("LOOKUP_CONCURRENCY", 8),
		ProfileCacheTTL:      getenvDuration("PROFILE_CACHE_TTL", 5*time.Minute),
		HTTPReadTimeout:      getenvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
		HTTPWriteTimeout:     getenvDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
	}
	if cfg.SpotPriceSource == "supabase" && (cfg.SupabaseURL == "" || cfg.SupabaseKey == "") {
		return cfg, errors.New("SUPABASE_URL and SUPABASE_KEY are required for SPOT_PRICE_SOURCE=supabase")
	}
	if cfg.MissingPriceFallback < 0 {
		return cfg, errors.New("MISSING_PRICE_FALLBACK must not be negative")
	}
	return cfg, nil
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		metrics.IncHTTPRequest(routeLabel(r.URL.Path), strconv.Itoa(resp.status))
		logger.Info("http", "method", r.Method, "path", r.URL.Path, "status", resp.status, "duration", time.Since(start))
	})
}

func routeLabel(path string) string {
	switch path {
	case interfaces.AnalyzePath, "/metrics", "/healthz":
		return path
	default:
		return "other"
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

package integration_test

import (
	"context"
	"database/sql"
	"math"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"charging-refund/internal/reimbursement/application"
	reimbursement "charging-refund/internal/reimbursement/domain"
	"charging-refund/internal/reimbursement/infrastructure/memory"
	"charging-refund/internal/reimbursement/infrastructure/postgres"
)

const (
	employeeID = "emp-it-001"
	profileID  = "it-profile"
	priceArea  = "NO3"
)

func TestAnalysis_PostgresMatchesMemory(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "spot_prices") ||
		!tableExists(db, "net_profiles") ||
		!tableExists(db, "net_profile_windows") ||
		!tableExists(db, "effect_tiers") ||
		!tableExists(db, "employee_settings") {
		t.Skip("missing tables; run migrations")
	}

	ctx := context.Background()
	loc, err := time.LoadLocation("Europe/Oslo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	dayStart := time.Date(2025, time.February, 3, 0, 0, 0, 0, loc)
	cleanup(ctx, db, dayStart)
	defer cleanup(ctx, db, dayStart)

	prices := fixturePrices(dayStart)
	profile := fixtureProfile()
	tiers := fixtureTiers()
	records := fixtureSettings(loc)

	spotRepo := postgres.NewSpotPriceRepository(db)
	if err := spotRepo.UpsertSpotPrices(ctx, prices); err != nil {
		t.Fatalf("upsert spot prices: %v", err)
	}
	// A second upsert must overwrite rather than fail.
	if err := spotRepo.UpsertSpotPrices(ctx, prices); err != nil {
		t.Fatalf("re-upsert spot prices: %v", err)
	}
	if err := seedProfile(ctx, db, profile, tiers); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if err := seedSettings(ctx, db, records); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	memPrices := memory.NewSpotPriceStore()
	if err := memPrices.UpsertSpotPrices(ctx, prices); err != nil {
		t.Fatalf("memory prices: %v", err)
	}
	memTariffs := memory.NewTariffStore()
	if err := memTariffs.PutNetProfile(profile); err != nil {
		t.Fatalf("memory profile: %v", err)
	}
	if err := memTariffs.PutEffectTiers(profileID, tiers); err != nil {
		t.Fatalf("memory tiers: %v", err)
	}
	memSettings := memory.NewSettingsStore()
	for _, rec := range records {
		if err := memSettings.Save(ctx, rec); err != nil {
			t.Fatalf("memory settings: %v", err)
		}
	}

	listed, err := spotRepo.ListSpotPrices(ctx, priceArea, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list spot prices: %v", err)
	}
	if len(listed) != len(prices) {
		t.Fatalf("expected %d prices, got %d", len(prices), len(listed))
	}

	tariffRepo := postgres.NewTariffRepository(db)
	pgService := newService(t, postgres.NewSettingsRepository(db), spotRepo, tariffRepo, tariffRepo, loc)
	memService := newService(t, memSettings, memPrices, memTariffs, memTariffs, loc)

	req := application.AnalyzeRequest{
		EmployeeID:  employeeID,
		PeriodStart: time.Date(2025, time.February, 1, 0, 0, 0, 0, loc),
		PeriodEnd:   time.Date(2025, time.March, 1, 0, 0, 0, 0, loc),
		Sessions: []application.SessionInput{
			session("a", dayStart.Add(21*time.Hour+30*time.Minute), dayStart.Add(24*time.Hour+30*time.Minute), 9),
			session("b", dayStart.Add(7*time.Hour), dayStart.Add(8*time.Hour), 3),
			// 2025-02-15 falls under the norgespris row.
			session("c", dayStart.AddDate(0, 0, 12).Add(18*time.Hour), dayStart.AddDate(0, 0, 12).Add(19*time.Hour), 5),
		},
	}

	got, err := pgService.Analyze(ctx, req)
	if err != nil {
		t.Fatalf("postgres analyze: %v", err)
	}
	want, err := memService.Analyze(ctx, req)
	if err != nil {
		t.Fatalf("memory analyze: %v", err)
	}

	if got.Summary.SessionCount != 3 || want.Summary.SessionCount != 3 {
		t.Fatalf("expected 3 sessions, got pg=%d mem=%d", got.Summary.SessionCount, want.Summary.SessionCount)
	}
	assertFloat(t, got.Summary.TotalKWh, want.Summary.TotalKWh, "total kwh")
	assertFloat(t, got.Summary.TotalEnergyNok, want.Summary.TotalEnergyNok, "energy")
	assertFloat(t, got.Summary.TotalNettNok, want.Summary.TotalNettNok, "nett")
	assertFloat(t, got.Summary.TotalSupportNok, want.Summary.TotalSupportNok, "support")
	assertFloat(t, got.Summary.TotalEffectNok, want.Summary.TotalEffectNok, "effect")
	assertFloat(t, got.Summary.TotalRefundNok(), want.Summary.TotalRefundNok(), "refund")
	if got.Summary.TotalEffectNok <= 0 {
		t.Fatalf("expected an effect fee, got %.4f", got.Summary.TotalEffectNok)
	}
	if len(got.MissingHours) != len(want.MissingHours) {
		t.Fatalf("missing hours differ: pg=%v mem=%v", got.MissingHours, want.MissingHours)
	}
	if len(got.Snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(got.Snapshots))
	}
}

func newService(t *testing.T, settings application.SettingsStore, prices application.SpotPriceProvider, profiles application.NetProfileStore, tiers application.EffectTierStore, loc *time.Location) *application.AnalysisService {
	t.Helper()
	matcher, err := application.NewProfileMatcher(profiles, loc)
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}
	svc, err := application.NewAnalysisService(settings, prices, matcher, loc, application.WithEffectTierStore(tiers))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func session(id string, start, end time.Time, kwh float64) application.SessionInput {
	return application.SessionInput{ID: id, Start: &start, End: &end, KWh: &kwh}
}

func fixturePrices(dayStart time.Time) []reimbursement.SpotPrice {
	// Hour 23 is left out so the analysis reports one missing hour.
	var out []reimbursement.SpotPrice
	for h := 0; h < 25; h++ {
		if h == 23 {
			continue
		}
		out = append(out, reimbursement.SpotPrice{
			PriceArea:        priceArea,
			Hour:             dayStart.Add(time.Duration(h) * time.Hour),
			PricePerKwhExVat: 0.6 + float64(h)*0.05,
		})
	}
	return out
}

func fixtureProfile() reimbursement.NetProfile {
	return reimbursement.NetProfile{
		ID:          profileID,
		Name:        "integration",
		IncludesVat: true,
		Windows: []reimbursement.WindowRule{
			{Name: "day", Days: reimbursement.DaysWeekdays, StartMinute: 6 * 60, EndMinute: 22 * 60, EnergyOrePerKwh: 45.5, TimeOrePerKwh: 2},
			{Name: "rest", Days: reimbursement.DaysAll, EnergyOrePerKwh: 35.5},
		},
	}
}

func fixtureTiers() []reimbursement.EffectTier {
	return []reimbursement.EffectTier{
		{ID: "it-t1", NetProfileID: profileID, KwFrom: 0, KwTo: 5, MonthlyFeeNok: 130},
		{ID: "it-t2", NetProfileID: profileID, KwFrom: 5, KwTo: 0, MonthlyFeeNok: 415},
	}
}

func fixtureSettings(loc *time.Location) []reimbursement.SettingsRecord {
	switchAt := time.Date(2025, time.February, 10, 0, 0, 0, 0, loc)
	fastpris := 0.4
	return []reimbursement.SettingsRecord{
		{ID: "it-s1", EmployeeID: employeeID, Policy: "spot_med_stromstotte", PriceArea: priceArea, NetProfileID: profileID, EffectiveTo: switchAt},
		{ID: "it-s2", EmployeeID: employeeID, Policy: "norgespris", Params: reimbursement.PolicyParams{FastprisNokPerKwh: &fastpris}, PriceArea: priceArea, NetProfileID: profileID, EffectiveFrom: switchAt},
	}
}

func seedProfile(ctx context.Context, db *sql.DB, profile reimbursement.NetProfile, tiers []reimbursement.EffectTier) error {
	if _, err := db.ExecContext(ctx, `
INSERT INTO net_profiles (id, name, includes_vat)
VALUES ($1, $2, $3)`, profile.ID, profile.Name, profile.IncludesVat); err != nil {
		return err
	}
	for i, w := range profile.Windows {
		if _, err := db.ExecContext(ctx, `
INSERT INTO net_profile_windows (profile_id, position, name, days, start_minute, end_minute, month_from, month_to, energy_ore_per_kwh, time_ore_per_kwh)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			profile.ID, i, w.Name, string(w.Days), w.StartMinute, w.EndMinute, int(w.MonthFrom), int(w.MonthTo), w.EnergyOrePerKwh, w.TimeOrePerKwh); err != nil {
			return err
		}
	}
	for _, tier := range tiers {
		var kwTo sql.NullFloat64
		if tier.KwTo > 0 {
			kwTo = sql.NullFloat64{Float64: tier.KwTo, Valid: true}
		}
		if _, err := db.ExecContext(ctx, `
INSERT INTO effect_tiers (id, net_profile_id, kw_from, kw_to, monthly_fee_nok)
VALUES ($1, $2, $3, $4, $5)`, tier.ID, tier.NetProfileID, tier.KwFrom, kwTo, tier.MonthlyFeeNok); err != nil {
			return err
		}
	}
	return nil
}

func seedSettings(ctx context.Context, db *sql.DB, records []reimbursement.SettingsRecord) error {
	for _, rec := range records {
		var fastpris sql.NullFloat64
		if rec.Params.FastprisNokPerKwh != nil {
			fastpris = sql.NullFloat64{Float64: *rec.Params.FastprisNokPerKwh, Valid: true}
		}
		var from, to sql.NullTime
		if !rec.EffectiveFrom.IsZero() {
			from = sql.NullTime{Time: rec.EffectiveFrom, Valid: true}
		}
		if !rec.EffectiveTo.IsZero() {
			to = sql.NullTime{Time: rec.EffectiveTo, Valid: true}
		}
		if _, err := db.ExecContext(ctx, `
INSERT INTO employee_settings (id, employee_id, policy, fastpris_nok_per_kwh, price_area, net_profile_id, effective_from, effective_to)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			rec.ID, rec.EmployeeID, rec.Policy, fastpris, rec.PriceArea, rec.NetProfileID, from, to); err != nil {
			return err
		}
	}
	return nil
}

func cleanup(ctx context.Context, db *sql.DB, dayStart time.Time) {
	_, _ = db.ExecContext(ctx, "DELETE FROM employee_settings WHERE employee_id = $1", employeeID)
	_, _ = db.ExecContext(ctx, "DELETE FROM effect_tiers WHERE net_profile_id = $1", profileID)
	_, _ = db.ExecContext(ctx, "DELETE FROM net_profile_windows WHERE profile_id = $1", profileID)
	_, _ = db.ExecContext(ctx, "DELETE FROM net_profiles WHERE id = $1", profileID)
	_, _ = db.ExecContext(ctx, "DELETE FROM spot_prices WHERE price_area = $1 AND hour_start >= $2 AND hour_start < $3",
		priceArea, dayStart.UTC(), dayStart.AddDate(0, 0, 2).UTC())
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}

func assertFloat(t *testing.T, got, want float64, label string) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("%s mismatch: got %.6f want %.6f", label, got, want)
	}
}

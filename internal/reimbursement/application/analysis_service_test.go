package application_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charging-refund/internal/reimbursement/application"
	reimbursement "charging-refund/internal/reimbursement/domain"
)

type stubSettings struct {
	rows []reimbursement.EmployeeSettings
	err  error
}

func (s stubSettings) ListEmployeeSettings(_ context.Context, employeeID string) ([]reimbursement.EmployeeSettings, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []reimbursement.EmployeeSettings
	for _, row := range s.rows {
		if row.EmployeeID == employeeID {
			out = append(out, row)
		}
	}
	return out, nil
}

type stubPrices struct {
	mu     sync.Mutex
	prices map[string]float64
	calls  int
}

func priceKey(area string, hour time.Time) string {
	return area + "@" + hour.UTC().Format(time.RFC3339)
}

func (s *stubPrices) GetSpotPriceForHour(_ context.Context, area string, hour time.Time) (reimbursement.SpotPrice, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	price, ok := s.prices[priceKey(area, hour)]
	if !ok {
		return reimbursement.SpotPrice{}, false, nil
	}
	return reimbursement.SpotPrice{PriceArea: area, Hour: hour, PricePerKwhExVat: price}, true, nil
}

type rangePrices struct {
	stubPrices
	rangeCalls int
}

func (r *rangePrices) ListSpotPrices(_ context.Context, area string, from, to time.Time) ([]reimbursement.SpotPrice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rangeCalls++
	var out []reimbursement.SpotPrice
	for hour := from; hour.Before(to); hour = hour.Add(time.Hour) {
		if price, ok := r.prices[priceKey(area, hour)]; ok {
			out = append(out, reimbursement.SpotPrice{PriceArea: area, Hour: hour, PricePerKwhExVat: price})
		}
	}
	return out, nil
}

type stubProfiles map[string]*reimbursement.NetProfile

func (s stubProfiles) GetNetProfile(_ context.Context, id string) (*reimbursement.NetProfile, error) {
	return s[id], nil
}

type stubTiers []reimbursement.EffectTier

func (s stubTiers) ListEffectTiers(_ context.Context, netProfileID string) ([]reimbursement.EffectTier, error) {
	var out []reimbursement.EffectTier
	for _, tier := range s {
		if tier.NetProfileID == netProfileID {
			out = append(out, tier)
		}
	}
	return out, nil
}

type fixture struct {
	loc      *time.Location
	settings stubSettings
	prices   *stubPrices
	profiles stubProfiles
	tiers    stubTiers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Oslo")
	require.NoError(t, err)

	spot := reimbursement.SpotMedStromstotte{TerskelNokPerKwh: 0.75, StotteAndel: 0.9}
	return &fixture{
		loc: loc,
		settings: stubSettings{rows: []reimbursement.EmployeeSettings{
			{ID: "s-spot", EmployeeID: "emp-1", Policy: spot, PriceArea: "NO1", NetProfileID: "flat"},
		}},
		prices: &stubPrices{prices: map[string]float64{
			priceKey("NO1", time.Date(2025, time.January, 7, 22, 0, 0, 0, loc)): 1.75,
		}},
		profiles: stubProfiles{
			"flat": {
				ID:          "flat",
				IncludesVat: true,
				Windows:     []reimbursement.WindowRule{{Name: "all", Days: reimbursement.DaysAll, EnergyOrePerKwh: 50}},
			},
		},
		tiers: stubTiers{
			{ID: "t1", NetProfileID: "flat", KwFrom: 0, KwTo: 5, MonthlyFeeNok: 130},
			{ID: "t2", NetProfileID: "flat", KwFrom: 5, KwTo: 10, MonthlyFeeNok: 250},
		},
	}
}

func (f *fixture) service(t *testing.T, prices application.SpotPriceProvider) *application.AnalysisService {
	t.Helper()
	matcher, err := application.NewProfileMatcher(f.profiles, f.loc)
	require.NoError(t, err)
	if prices == nil {
		prices = f.prices
	}
	svc, err := application.NewAnalysisService(f.settings, prices, matcher, f.loc,
		application.WithEffectTierStore(f.tiers),
		application.WithLookupConcurrency(2),
	)
	require.NoError(t, err)
	return svc
}

func (f *fixture) at(hour, minute int) *time.Time {
	t := time.Date(2025, time.January, 7, hour, minute, 0, 0, f.loc)
	return &t
}

func kwh(v float64) *float64 { return &v }

func TestAnalyzeSpotSessionWithMissingHour(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)

	got, err := svc.Analyze(context.Background(), application.AnalyzeRequest{
		EmployeeID:  "emp-1",
		Sessions:    []application.SessionInput{{ID: "a", Start: f.at(22, 0), End: f.at(23, 59), KWh: kwh(4)}},
		IncludeBits: true,
	})
	require.NoError(t, err)
	require.Len(t, got.Sessions, 1)

	session := got.Sessions[0]
	require.Len(t, session.Bits, 2)
	assert.False(t, session.Bits[0].PriceMissing)
	assert.True(t, session.Bits[1].PriceMissing)
	assert.Equal(t, []string{"NO1@2025-01-07T23:00:00+01:00"}, got.MissingHours)

	// 22:00-23:59 splits 60/59 minutes.
	first := 4 * 60.0 / 119.0
	second := 4 - first
	assert.InDelta(t, first, session.Bits[0].KWh, 1e-9)
	assert.InDelta(t, second, session.Bits[1].KWh, 1e-9)

	support := first * 1.0 * 0.9
	assert.InDelta(t, first*1.75-support, got.Summary.TotalEnergyNok, 1e-9)
	assert.InDelta(t, support, got.Summary.TotalSupportNok, 1e-9)
	assert.InDelta(t, 4*0.5, got.Summary.TotalNettNok, 1e-9)

	require.Len(t, got.Summary.EffectMonths, 1)
	assert.Equal(t, "2025-01", got.Summary.EffectMonths[0].Month)
	assert.Equal(t, "t2", got.Summary.EffectMonths[0].TierID, "4 kWh estimates 8 kW")
	assert.Equal(t, 250.0, got.Summary.TotalEffectNok)
	assert.InDelta(t, first*1.75+2+250, got.Summary.TotalRefundNok(), 1e-9)

	require.Len(t, got.Snapshots, 1)
	assert.Equal(t, "s-spot", got.Snapshots[0].SettingsID)
	assert.Equal(t, 250.0, got.Snapshots[0].EffectFeeNok)
	assert.Equal(t, "t2", got.Snapshots[0].EffectTierID)
}

func TestAnalyzeRefundTotals(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)

	got, err := svc.Analyze(context.Background(), application.AnalyzeRequest{
		EmployeeID: "emp-1",
		Sessions:   []application.SessionInput{{ID: "a", Start: f.at(22, 0), End: f.at(23, 0), KWh: kwh(2)}},
	})
	require.NoError(t, err)

	// spot 1.75, terskel 0.75, andel 0.9: support 1.8, energy 3.5-1.8.
	assert.InDelta(t, 1.7, got.Summary.TotalEnergyNok, 1e-9)
	assert.InDelta(t, 1.8, got.Summary.TotalSupportNok, 1e-9)
	assert.InDelta(t, 1.0, got.Summary.TotalNettNok, 1e-9)
	assert.Equal(t, "t1", got.Summary.EffectMonths[0].TierID)
	assert.InDelta(t, 1.7+1.8+1.0+130, got.Summary.TotalRefundNok(), 1e-9)
	assert.Empty(t, got.MissingHours)
	assert.Nil(t, got.Sessions[0].Bits, "bits are omitted unless requested")
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	req := application.AnalyzeRequest{
		EmployeeID: "emp-1",
		Sessions: []application.SessionInput{
			{ID: "a", Start: f.at(22, 0), End: f.at(23, 59), KWh: kwh(4)},
			{ID: "b", Start: f.at(6, 15), End: f.at(9, 45), KWh: kwh(11)},
			{ID: "bad"},
		},
		IncludeBits: true,
	}

	first, err := svc.Analyze(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAnalyzeUsesRangeProvider(t *testing.T) {
	f := newFixture(t)
	ranged := &rangePrices{stubPrices: stubPrices{prices: f.prices.prices}}
	svc := f.service(t, ranged)

	got, err := svc.Analyze(context.Background(), application.AnalyzeRequest{
		EmployeeID: "emp-1",
		Sessions: []application.SessionInput{
			{ID: "a", Start: f.at(22, 0), End: f.at(23, 0), KWh: kwh(2)},
			{ID: "b", Start: f.at(1, 0), End: f.at(3, 0), KWh: kwh(2)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ranged.rangeCalls)
	assert.Equal(t, 0, ranged.calls)
	assert.InDelta(t, 1.7, got.Sessions[0].Cost.EnergyNok, 1e-9)
	assert.Len(t, got.MissingHours, 2)
}

func TestAnalyzeMissingTariffWindow(t *testing.T) {
	f := newFixture(t)
	f.settings.rows[0].NetProfileID = "unknown"
	svc := f.service(t, nil)

	got, err := svc.Analyze(context.Background(), application.AnalyzeRequest{
		EmployeeID: "emp-1",
		Sessions:   []application.SessionInput{{ID: "a", Start: f.at(22, 0), End: f.at(23, 0), KWh: kwh(2)}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Summary.TotalNettNok)
	assert.InDelta(t, 1.7, got.Summary.TotalEnergyNok, 1e-9)
	warnings := strings.Join(got.Warnings, "\n")
	assert.Contains(t, warnings, "net profile unknown: no tariff window for 1 hours; nett cost set to 0")
	assert.Contains(t, warnings, "no effect tier for net profile unknown")
}

func TestAnalyzeSkipsInvalidSessions(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)

	got, err := svc.Analyze(context.Background(), application.AnalyzeRequest{
		EmployeeID: "emp-1",
		Sessions: []application.SessionInput{
			{ID: "no-energy", Start: f.at(10, 0), End: f.at(11, 0)},
			{ID: "backwards", Start: f.at(11, 0), End: f.at(10, 0), KWh: kwh(1)},
			{Start: f.at(12, 0), End: f.at(13, 0), KWh: kwh(-1)},
			{ID: "ok", Start: f.at(22, 0), End: f.at(23, 0), KWh: kwh(2)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Summary.SessionCount)
	assert.Equal(t, 3, got.Summary.SkippedCount)
	require.Len(t, got.Warnings, 3)
	assert.Equal(t, "session no-energy: missing [kwh]; skipped", got.Warnings[0])
	assert.True(t, strings.HasPrefix(got.Warnings[1], "session backwards: "))
	assert.True(t, strings.HasPrefix(got.Warnings[2], "session #3: "))
}

func TestAnalyzeSkipsSessionsOutsidePeriod(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)

	got, err := svc.Analyze(context.Background(), application.AnalyzeRequest{
		EmployeeID:  "emp-1",
		PeriodStart: time.Date(2025, time.January, 7, 12, 0, 0, 0, f.loc),
		PeriodEnd:   time.Date(2025, time.February, 1, 0, 0, 0, 0, f.loc),
		Sessions: []application.SessionInput{
			{ID: "early", Start: f.at(1, 0), End: f.at(2, 0), KWh: kwh(1)},
			{ID: "in", Start: f.at(22, 0), End: f.at(23, 0), KWh: kwh(2)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Summary.SessionCount)
	assert.Equal(t, 1, got.Summary.SkippedCount)
	assert.Contains(t, got.Warnings[0], "outside the period")
}

func TestAnalyzeSettingsChangeMidSession(t *testing.T) {
	f := newFixture(t)
	change := *f.at(23, 0)
	f.settings.rows[0].EffectiveTo = change
	f.settings.rows = append(f.settings.rows, reimbursement.EmployeeSettings{
		ID:            "s-fixed",
		EmployeeID:    "emp-1",
		Policy:        reimbursement.Norgespris{FastprisNokPerKwh: 0.5},
		PriceArea:     "NO1",
		NetProfileID:  "flat",
		EffectiveFrom: change,
	})
	svc := f.service(t, nil)

	got, err := svc.Analyze(context.Background(), application.AnalyzeRequest{
		EmployeeID:  "emp-1",
		Sessions:    []application.SessionInput{{ID: "a", Start: f.at(22, 0), End: f.at(23, 59), KWh: kwh(4)}},
		IncludeBits: true,
	})
	require.NoError(t, err)

	session := got.Sessions[0]
	assert.Equal(t, []string{"s-spot", "s-fixed"}, session.SettingsIDs)
	assert.Equal(t, "s-spot", session.Bits[0].SettingsID)
	assert.Equal(t, "s-fixed", session.Bits[1].SettingsID)
	assert.Empty(t, got.MissingHours, "norgespris hours need no spot price")
	assert.InDelta(t, session.Bits[1].KWh*0.5, session.Bits[1].Cost.EnergyNok, 1e-9)
	assert.Equal(t, 0.0, session.Bits[1].Cost.SupportNok)

	require.Len(t, got.Snapshots, 2)
	assert.Equal(t, reimbursement.PolicySpotMedStromstotte, got.Snapshots[0].Policy)
	assert.Equal(t, reimbursement.PolicyNorgespris, got.Snapshots[1].Policy)
}

func TestAnalyzeSessionWithoutSettingsIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.settings.rows[0].EffectiveFrom = *f.at(20, 0)
	svc := f.service(t, nil)

	got, err := svc.Analyze(context.Background(), application.AnalyzeRequest{
		EmployeeID: "emp-1",
		Sessions: []application.SessionInput{
			{ID: "before", Start: f.at(8, 0), End: f.at(9, 0), KWh: kwh(1)},
			{ID: "after", Start: f.at(22, 0), End: f.at(23, 0), KWh: kwh(2)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Summary.SessionCount)
	assert.Equal(t, 1, got.Summary.SkippedCount)
	assert.Contains(t, got.Warnings[0], "session before: no settings valid at")
}

func TestAnalyzeEffectPerMonth(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	febStart := time.Date(2025, time.February, 3, 1, 0, 0, 0, f.loc)
	febEnd := febStart.Add(time.Hour)

	got, err := svc.Analyze(context.Background(), application.AnalyzeRequest{
		EmployeeID: "emp-1",
		Sessions: []application.SessionInput{
			{ID: "jan-small", Start: f.at(1, 0), End: f.at(2, 0), KWh: kwh(1)},
			{ID: "jan-big", Start: f.at(3, 0), End: f.at(5, 0), KWh: kwh(3)},
			{ID: "feb", Start: &febStart, End: &febEnd, KWh: kwh(2)},
		},
	})
	require.NoError(t, err)
	require.Len(t, got.Summary.EffectMonths, 2)
	assert.Equal(t, 3.0, got.Summary.EffectMonths[0].MaxSessionKWh)
	assert.Equal(t, "t2", got.Summary.EffectMonths[0].TierID)
	assert.Equal(t, "t1", got.Summary.EffectMonths[1].TierID)
	assert.Equal(t, 380.0, got.Summary.TotalEffectNok)
	assert.Equal(t, 3.0, got.Summary.MaxSessionKWh)
	assert.Equal(t, 6.0, got.Summary.EstimatedPeakKW)
}

func TestAnalyzeExplicitEffectTier(t *testing.T) {
	f := newFixture(t)
	f.settings.rows[0].EffectTierID = "t1"
	svc := f.service(t, nil)

	got, err := svc.Analyze(context.Background(), application.AnalyzeRequest{
		EmployeeID: "emp-1",
		Sessions:   []application.SessionInput{{ID: "a", Start: f.at(1, 0), End: f.at(3, 0), KWh: kwh(4)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", got.Summary.EffectMonths[0].TierID)
	assert.Equal(t, 130.0, got.Summary.TotalEffectNok)
}

func TestAnalyzeErrors(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	ctx := context.Background()

	_, err := svc.Analyze(ctx, application.AnalyzeRequest{})
	assert.ErrorIs(t, err, reimbursement.ErrEmptyEmployeeID)

	_, err = svc.Analyze(ctx, application.AnalyzeRequest{EmployeeID: "nobody"})
	assert.ErrorIs(t, err, reimbursement.ErrNoSettings)

	f.settings.rows[0].Policy = nil
	svc = f.service(t, nil)
	_, err = svc.Analyze(ctx, application.AnalyzeRequest{
		EmployeeID: "emp-1",
		Sessions:   []application.SessionInput{{ID: "a", Start: f.at(22, 0), End: f.at(23, 0), KWh: kwh(2)}},
	})
	assert.ErrorIs(t, err, reimbursement.ErrUnknownPolicy)

	_, parseErr := reimbursement.SettingsRecord{ID: "s", EmployeeID: "emp-1", Policy: "flat_rate"}.Parse()
	f.settings.err = parseErr
	svc = f.service(t, nil)
	_, err = svc.Analyze(ctx, application.AnalyzeRequest{EmployeeID: "emp-1"})
	assert.ErrorIs(t, err, reimbursement.ErrUnknownPolicy)
}

func TestNewAnalysisServiceRejectsNil(t *testing.T) {
	f := newFixture(t)
	matcher, err := application.NewProfileMatcher(f.profiles, f.loc)
	require.NoError(t, err)

	_, err = application.NewAnalysisService(nil, f.prices, matcher, f.loc)
	assert.Error(t, err)
	_, err = application.NewAnalysisService(f.settings, nil, matcher, f.loc)
	assert.Error(t, err)
	_, err = application.NewAnalysisService(f.settings, f.prices, nil, f.loc)
	assert.Error(t, err)
	_, err = application.NewAnalysisService(f.settings, f.prices, matcher, nil)
	assert.True(t, errors.Is(err, reimbursement.ErrNilLocation))
}

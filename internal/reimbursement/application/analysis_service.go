package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/exp/slog"

	"charging-refund/internal/observability/metrics"
	reimbursement "charging-refund/internal/reimbursement/domain"
)

const defaultLookupConcurrency = 8

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// SessionInput is a raw session row. Nil fields mark missing data.
type SessionInput struct {
	ID    string
	Start *time.Time
	End   *time.Time
	KWh   *float64
}

// AnalyzeRequest asks for the reimbursement of one employee's sessions.
// A zero PeriodStart or PeriodEnd leaves that side open; sessions are
// assigned to the period by their start time.
type AnalyzeRequest struct {
	EmployeeID  string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Sessions    []SessionInput
	IncludeBits bool
}

// BitResult is the priced form of one time bit.
type BitResult struct {
	LocalHour            time.Time
	KWh                  float64
	SpotPricePerKwhExVat float64
	PriceMissing         bool
	Window               *reimbursement.TouWindow
	SettingsID           string
	Cost                 reimbursement.Cost
}

// SessionResult is the priced form of one session.
type SessionResult struct {
	ID          string
	Start       time.Time
	End         time.Time
	KWh         float64
	SettingsIDs []string
	Cost        reimbursement.Cost
	Bits        []BitResult
}

// EffectMonth is the capacity fee charged for one calendar month.
type EffectMonth struct {
	Month           string
	SettingsID      string
	MaxSessionKWh   float64
	EstimatedPeakKW float64
	TierID          string
	FeeNok          float64
}

// Summary aggregates a period. Money is unrounded NOK.
type Summary struct {
	SessionCount    int
	SkippedCount    int
	TotalKWh        float64
	TotalEnergyNok  float64
	TotalNettNok    float64
	TotalSupportNok float64
	TotalEffectNok  float64
	MaxSessionKWh   float64
	EstimatedPeakKW float64
	EffectMonths    []EffectMonth
}

// TotalRefundNok is everything owed for the period.
func (s Summary) TotalRefundNok() float64 {
	return s.TotalEnergyNok + s.TotalNettNok + s.TotalSupportNok + s.TotalEffectNok
}

// Analysis is the full result of one reimbursement run.
type Analysis struct {
	EmployeeID   string
	Sessions     []SessionResult
	Summary      Summary
	Snapshots    []reimbursement.PolicySnapshot
	Warnings     []string
	MissingHours []string
}

func (a *Analysis) warnf(format string, args ...any) {
	a.Warnings = append(a.Warnings, fmt.Sprintf(format, args...))
}

// AnalysisService prices charging sessions for reimbursement.
type AnalysisService struct {
	settings      SettingsStore
	prices        SpotPriceProvider
	tariffs       TouMatcher
	tiers         EffectTierStore
	loc           *time.Location
	fallbackPrice float64
	concurrency   int
	logger        *slog.Logger
}

// ServiceOption configures the service.
type ServiceOption func(*AnalysisService)

// WithEffectTierStore enables the monthly capacity fee.
func WithEffectTierStore(store EffectTierStore) ServiceOption {
	return func(s *AnalysisService) {
		if store != nil {
			s.tiers = store
		}
	}
}

// WithMissingPriceFallback sets the price used for hours without a spot price.
func WithMissingPriceFallback(price float64) ServiceOption {
	return func(s *AnalysisService) {
		if price >= 0 {
			s.fallbackPrice = price
		}
	}
}

// WithLookupConcurrency bounds parallel price and tariff lookups.
func WithLookupConcurrency(n int) ServiceOption {
	return func(s *AnalysisService) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *AnalysisService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewAnalysisService constructs the service. loc is the zone hours are
// split and matched in.
func NewAnalysisService(settings SettingsStore, prices SpotPriceProvider, tariffs TouMatcher, loc *time.Location, opts ...ServiceOption) (*AnalysisService, error) {
	if settings == nil {
		return nil, errors.New("analysis service: nil settings store")
	}
	if prices == nil {
		return nil, errors.New("analysis service: nil spot price provider")
	}
	if tariffs == nil {
		return nil, errors.New("analysis service: nil tou matcher")
	}
	if loc == nil {
		return nil, reimbursement.ErrNilLocation
	}
	s := &AnalysisService{
		settings:    settings,
		prices:      prices,
		tariffs:     tariffs,
		loc:         loc,
		concurrency: defaultLookupConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Analyze prices every valid session of the request. Invalid sessions and
// missing reference data become warnings; store failures and unknown
// policies fail the run.
func (s *AnalysisService) Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	started := time.Now()
	analysis, err := s.analyze(ctx, req)
	if err != nil {
		metrics.ObserveAnalysis(metrics.ResultError, time.Since(started))
		s.logger.Error("reimbursement analysis failed", "employee", req.EmployeeID, "sessions", len(req.Sessions), "err", err)
		return nil, err
	}
	metrics.ObserveAnalysis(metrics.ResultSuccess, time.Since(started))
	metrics.AddSkippedSessions(analysis.Summary.SkippedCount)
	s.logger.Info("reimbursement analysis done",
		"employee", req.EmployeeID,
		"sessions", analysis.Summary.SessionCount,
		"skipped", analysis.Summary.SkippedCount,
		"missing_hours", len(analysis.MissingHours),
		"warnings", len(analysis.Warnings),
	)
	return analysis, nil
}

type sessionPlan struct {
	label    string
	session  reimbursement.ChargingSession
	bits     []reimbursement.TimeBit
	settings []reimbursement.EmployeeSettings
}

func (s *AnalysisService) analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	if req.EmployeeID == "" {
		return nil, reimbursement.ErrEmptyEmployeeID
	}
	rows, err := s.settings.ListEmployeeSettings(ctx, req.EmployeeID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: employee %s", reimbursement.ErrNoSettings, req.EmployeeID)
	}

	analysis := &Analysis{EmployeeID: req.EmployeeID}
	plans := s.plan(req, rows, analysis)

	lookups, err := s.prefetch(ctx, plans)
	if err != nil {
		return nil, err
	}

	if err := s.price(plans, lookups, req.IncludeBits, analysis); err != nil {
		return nil, err
	}
	if err := s.chargeEffect(ctx, plans, analysis); err != nil {
		return nil, err
	}
	return analysis, nil
}

// plan validates and splits sessions and binds each bit to its settings row.
func (s *AnalysisService) plan(req AnalyzeRequest, rows []reimbursement.EmployeeSettings, analysis *Analysis) []sessionPlan {
	plans := make([]sessionPlan, 0, len(req.Sessions))
	for i, in := range req.Sessions {
		label := sessionLabel(i, in.ID)
		session, problem := toSession(req.EmployeeID, in)
		if problem != "" {
			analysis.warnf("%s: %s; skipped", label, problem)
			analysis.Summary.SkippedCount++
			continue
		}
		if !req.PeriodStart.IsZero() && session.Start.Before(req.PeriodStart) ||
			!req.PeriodEnd.IsZero() && !session.Start.Before(req.PeriodEnd) {
			analysis.warnf("%s: starts %s outside the period; skipped", label, session.Start.In(s.loc).Format(time.RFC3339))
			analysis.Summary.SkippedCount++
			continue
		}

		split, err := reimbursement.SplitIntoTimeBits(session.Start, session.End, session.KWh, s.loc)
		if err != nil {
			analysis.warnf("%s: %v; skipped", label, err)
			analysis.Summary.SkippedCount++
			continue
		}
		for _, w := range split.Warnings {
			analysis.warnf("%s: %s", label, w)
		}

		bound := make([]reimbursement.EmployeeSettings, len(split.Bits))
		covered := true
		for j, bit := range split.Bits {
			row, ok := reimbursement.SelectSettingsAt(rows, bit.From)
			if !ok {
				analysis.warnf("%s: no settings valid at %s; skipped", label, bit.From.Format(time.RFC3339))
				covered = false
				break
			}
			bound[j] = row
		}
		if !covered {
			analysis.Summary.SkippedCount++
			continue
		}
		plans = append(plans, sessionPlan{label: label, session: session, bits: split.Bits, settings: bound})
	}
	return plans
}

func (s *AnalysisService) price(plans []sessionPlan, lookups *lookupResult, includeBits bool, analysis *Analysis) error {
	missingHours := make(map[string]struct{})
	missingWindows := make(map[string]map[int64]struct{})
	snapshotIndex := make(map[string]int)

	for _, plan := range plans {
		result := SessionResult{
			ID:    plan.session.ID,
			Start: plan.session.Start,
			End:   plan.session.End,
			KWh:   plan.session.KWh,
		}
		for j, bit := range plan.bits {
			row := plan.settings[j]
			hour := bit.LocalHour.Unix()
			in := reimbursement.BitInput{Policy: row.Policy, KWh: bit.KWh, Hour: bit.LocalHour}
			bitResult := BitResult{LocalHour: bit.LocalHour, KWh: bit.KWh, SettingsID: row.ID}

			if needsSpotPrice(row.Policy) {
				price, ok := lookups.spot[lookupKey{scope: row.PriceArea, hour: hour}]
				if !ok {
					price = s.fallbackPrice
					bitResult.PriceMissing = true
					missingHours[formatMissingHour(row.PriceArea, bit.LocalHour)] = struct{}{}
				}
				in.SpotPricePerKwhExVat = price
				bitResult.SpotPricePerKwhExVat = price
			}

			if raw, ok := lookups.windows[lookupKey{scope: row.NetProfileID, hour: hour}]; ok {
				window := reimbursement.NormalizeTouWindow(raw)
				in.Window = &window
				bitResult.Window = &window
			} else {
				if missingWindows[row.NetProfileID] == nil {
					missingWindows[row.NetProfileID] = make(map[int64]struct{})
				}
				missingWindows[row.NetProfileID][hour] = struct{}{}
			}

			cost, err := reimbursement.CalculateBit(in)
			if err != nil {
				return fmt.Errorf("%s: %w", plan.label, err)
			}
			bitResult.Cost = cost
			result.Cost = result.Cost.Add(cost)
			if includeBits {
				result.Bits = append(result.Bits, bitResult)
			}

			if _, seen := snapshotIndex[row.ID]; !seen {
				snapshotIndex[row.ID] = len(analysis.Snapshots)
				analysis.Snapshots = append(analysis.Snapshots, reimbursement.NewPolicySnapshot(row))
			}
			if len(result.SettingsIDs) == 0 || result.SettingsIDs[len(result.SettingsIDs)-1] != row.ID {
				result.SettingsIDs = append(result.SettingsIDs, row.ID)
			}
		}

		analysis.Sessions = append(analysis.Sessions, result)
		analysis.Summary.SessionCount++
		analysis.Summary.TotalKWh += result.KWh
		analysis.Summary.TotalEnergyNok += result.Cost.EnergyNok
		analysis.Summary.TotalNettNok += result.Cost.NettNok
		analysis.Summary.TotalSupportNok += result.Cost.SupportNok
	}

	analysis.MissingHours = sortedKeys(missingHours)
	for _, area := range areasOf(analysis.MissingHours) {
		metrics.AddMissingPriceHours(area.name, area.count)
	}

	profiles := make([]string, 0, len(missingWindows))
	for profile := range missingWindows {
		profiles = append(profiles, profile)
	}
	sort.Strings(profiles)
	for _, profile := range profiles {
		count := len(missingWindows[profile])
		metrics.AddMissingTariffWindows(profile, count)
		if profile == "" {
			analysis.warnf("no net profile configured: nett cost set to 0 for %d hours", count)
			continue
		}
		analysis.warnf("net profile %s: no tariff window for %d hours; nett cost set to 0", profile, count)
	}
	return nil
}

// chargeEffect adds the capacity fee once per calendar month, estimated from
// the largest session starting in that month.
func (s *AnalysisService) chargeEffect(ctx context.Context, plans []sessionPlan, analysis *Analysis) error {
	type monthPeak struct {
		month string
		plan  sessionPlan
	}
	var months []monthPeak
	index := make(map[string]int)
	for _, plan := range plans {
		month := plan.session.Start.In(s.loc).Format("2006-01")
		i, ok := index[month]
		if !ok {
			index[month] = len(months)
			months = append(months, monthPeak{month: month, plan: plan})
			continue
		}
		if plan.session.KWh > months[i].plan.session.KWh {
			months[i].plan = plan
		}
	}

	tierCache := make(map[string][]reimbursement.EffectTier)
	for _, m := range months {
		row := m.plan.settings[0]
		maxKWh := m.plan.session.KWh
		peak := reimbursement.EstimatePeakKW(maxKWh)
		effect := EffectMonth{
			Month:           m.month,
			SettingsID:      row.ID,
			MaxSessionKWh:   maxKWh,
			EstimatedPeakKW: peak,
		}

		if s.tiers != nil {
			tiers, ok := tierCache[row.NetProfileID]
			if !ok {
				var err error
				tiers, err = s.tiers.ListEffectTiers(ctx, row.NetProfileID)
				if err != nil {
					return fmt.Errorf("load effect tiers: %w", err)
				}
				tierCache[row.NetProfileID] = tiers
			}
			var tier reimbursement.EffectTier
			var found bool
			if row.EffectTierID != "" {
				tier, found = reimbursement.FindEffectTier(tiers, row.EffectTierID)
			} else {
				tier, found = reimbursement.MatchEffectTier(tiers, peak)
			}
			if found {
				effect.TierID = tier.ID
				effect.FeeNok = tier.MonthlyFeeNok
			} else {
				analysis.warnf("%s: no effect tier for net profile %s at %.1f kW; effect fee set to 0", m.month, row.NetProfileID, peak)
			}
		}

		analysis.Summary.EffectMonths = append(analysis.Summary.EffectMonths, effect)
		analysis.Summary.TotalEffectNok += effect.FeeNok
		if maxKWh > analysis.Summary.MaxSessionKWh {
			analysis.Summary.MaxSessionKWh = maxKWh
			analysis.Summary.EstimatedPeakKW = peak
		}
		for i := range analysis.Snapshots {
			if analysis.Snapshots[i].SettingsID != row.ID {
				continue
			}
			analysis.Snapshots[i].EffectFeeNok += effect.FeeNok
			if analysis.Snapshots[i].EffectTierID == "" {
				analysis.Snapshots[i].EffectTierID = effect.TierID
			}
			if peak > analysis.Snapshots[i].EstimatedPeakKW {
				analysis.Snapshots[i].EstimatedPeakKW = peak
			}
		}
	}
	return nil
}

func toSession(employeeID string, in SessionInput) (reimbursement.ChargingSession, string) {
	var missing []string
	if in.Start == nil || in.Start.IsZero() {
		missing = append(missing, "start")
	}
	if in.End == nil || in.End.IsZero() {
		missing = append(missing, "end")
	}
	if in.KWh == nil {
		missing = append(missing, "kwh")
	}
	if len(missing) > 0 {
		return reimbursement.ChargingSession{}, fmt.Sprintf("missing %v", missing)
	}
	session := reimbursement.ChargingSession{
		ID:         in.ID,
		EmployeeID: employeeID,
		Start:      *in.Start,
		End:        *in.End,
		KWh:        *in.KWh,
	}
	if err := session.Validate(); err != nil {
		return reimbursement.ChargingSession{}, err.Error()
	}
	return session, ""
}

func needsSpotPrice(policy reimbursement.Policy) bool {
	_, ok := policy.(reimbursement.SpotMedStromstotte)
	return ok
}

func sessionLabel(index int, id string) string {
	if id != "" {
		return "session " + id
	}
	return fmt.Sprintf("session #%d", index+1)
}

func formatMissingHour(area string, hour time.Time) string {
	return area + "@" + hour.Format(time.RFC3339)
}

type areaCount struct {
	name  string
	count int
}

func areasOf(missing []string) []areaCount {
	var out []areaCount
	for _, entry := range missing {
		area, _, _ := strings.Cut(entry, "@")
		if n := len(out); n > 0 && out[n-1].name == area {
			out[n-1].count++
			continue
		}
		out = append(out, areaCount{name: area, count: 1})
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

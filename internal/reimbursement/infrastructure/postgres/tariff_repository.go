package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	reimbursement "charging-refund/internal/reimbursement/domain"
)

const (
	defaultNetProfilesTable = "net_profiles"
	defaultWindowsTable     = "net_profile_windows"
	defaultEffectTiersTable = "effect_tiers"
)

// TariffRepository loads net profiles, their time-of-use windows and the
// effect tiers attached to them.
type TariffRepository struct {
	db            *sql.DB
	profilesTable string
	windowsTable  string
	tiersTable    string
}

// TariffOption configures the repository.
type TariffOption func(*TariffRepository)

// WithNetProfilesTable overrides the profiles table name.
func WithNetProfilesTable(table string) TariffOption {
	return func(r *TariffRepository) {
		if table != "" {
			r.profilesTable = table
		}
	}
}

// WithWindowsTable overrides the windows table name.
func WithWindowsTable(table string) TariffOption {
	return func(r *TariffRepository) {
		if table != "" {
			r.windowsTable = table
		}
	}
}

// WithEffectTiersTable overrides the effect tiers table name.
func WithEffectTiersTable(table string) TariffOption {
	return func(r *TariffRepository) {
		if table != "" {
			r.tiersTable = table
		}
	}
}

// NewTariffRepository constructs a repository.
func NewTariffRepository(db *sql.DB, opts ...TariffOption) *TariffRepository {
	r := &TariffRepository{
		db:            db,
		profilesTable: defaultNetProfilesTable,
		windowsTable:  defaultWindowsTable,
		tiersTable:    defaultEffectTiersTable,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetNetProfile loads a profile and its windows. A missing profile is (nil, nil).
func (r *TariffRepository) GetNetProfile(ctx context.Context, id string) (*reimbursement.NetProfile, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("tariff repo: nil db")
	}
	if id == "" {
		return nil, nil
	}

	query := fmt.Sprintf(`
SELECT id, name, includes_vat
FROM %s
WHERE id = $1
LIMIT 1`, r.profilesTable)

	var profile reimbursement.NetProfile
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&profile.ID, &profile.Name, &profile.IncludesVat); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	windows, err := r.loadWindows(ctx, id)
	if err != nil {
		return nil, err
	}
	profile.Windows = windows
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *TariffRepository) loadWindows(ctx context.Context, profileID string) ([]reimbursement.WindowRule, error) {
	query := fmt.Sprintf(`
SELECT name, days, start_minute, end_minute, month_from, month_to, energy_ore_per_kwh, time_ore_per_kwh
FROM %s
WHERE profile_id = $1
ORDER BY position ASC`, r.windowsTable)

	rows, err := r.db.QueryContext(ctx, query, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reimbursement.WindowRule
	for rows.Next() {
		var w reimbursement.WindowRule
		var days string
		var monthFrom, monthTo int
		if err := rows.Scan(&w.Name, &days, &w.StartMinute, &w.EndMinute, &monthFrom, &monthTo, &w.EnergyOrePerKwh, &w.TimeOrePerKwh); err != nil {
			return nil, err
		}
		w.Days = reimbursement.DaySelector(days)
		w.MonthFrom = time.Month(monthFrom)
		w.MonthTo = time.Month(monthTo)
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListEffectTiers returns the tiers of a net profile ordered by kw_from.
func (r *TariffRepository) ListEffectTiers(ctx context.Context, netProfileID string) ([]reimbursement.EffectTier, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("tariff repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT id, net_profile_id, kw_from, COALESCE(kw_to, 0), monthly_fee_nok
FROM %s
WHERE net_profile_id = $1
ORDER BY kw_from ASC`, r.tiersTable)

	rows, err := r.db.QueryContext(ctx, query, netProfileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reimbursement.EffectTier
	for rows.Next() {
		var tier reimbursement.EffectTier
		if err := rows.Scan(&tier.ID, &tier.NetProfileID, &tier.KwFrom, &tier.KwTo, &tier.MonthlyFeeNok); err != nil {
			return nil, err
		}
		out = append(out, tier)
	}
	return out, rows.Err()
}

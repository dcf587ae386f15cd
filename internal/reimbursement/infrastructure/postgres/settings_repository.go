package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	reimbursement "charging-refund/internal/reimbursement/domain"
)

const defaultSettingsTable = "employee_settings"

// SettingsRepository loads effective-dated employee settings.
type SettingsRepository struct {
	db    *sql.DB
	table string
}

// SettingsOption configures the repository.
type SettingsOption func(*SettingsRepository)

// WithSettingsTable overrides the default table.
func WithSettingsTable(table string) SettingsOption {
	return func(r *SettingsRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewSettingsRepository constructs a repository with defaults.
func NewSettingsRepository(db *sql.DB, opts ...SettingsOption) *SettingsRepository {
	r := &SettingsRepository{db: db, table: defaultSettingsTable}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListEmployeeSettings returns every settings row of the employee ordered by
// effective_from. A row with an unknown policy fails the whole load.
func (r *SettingsRepository) ListEmployeeSettings(ctx context.Context, employeeID string) ([]reimbursement.EmployeeSettings, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("settings repo: nil db")
	}
	if employeeID == "" {
		return nil, reimbursement.ErrEmptyEmployeeID
	}

	query := fmt.Sprintf(`
SELECT id, employee_id, policy, fastpris_nok_per_kwh, terskel_nok_per_kwh, stotte_andel,
	COALESCE(price_area, ''), COALESCE(net_profile_id, ''), COALESCE(effect_tier_id, ''),
	effective_from, effective_to
FROM %s
WHERE employee_id = $1
ORDER BY effective_from ASC NULLS FIRST, id ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reimbursement.EmployeeSettings
	for rows.Next() {
		var rec reimbursement.SettingsRecord
		var fastpris, terskel, andel sql.NullFloat64
		var from, to sql.NullTime
		if err := rows.Scan(
			&rec.ID,
			&rec.EmployeeID,
			&rec.Policy,
			&fastpris,
			&terskel,
			&andel,
			&rec.PriceArea,
			&rec.NetProfileID,
			&rec.EffectTierID,
			&from,
			&to,
		); err != nil {
			return nil, err
		}
		rec.Params = reimbursement.PolicyParams{
			FastprisNokPerKwh: nullFloat(fastpris),
			TerskelNokPerKwh:  nullFloat(terskel),
			StotteAndel:       nullFloat(andel),
		}
		if from.Valid {
			rec.EffectiveFrom = from.Time
		}
		if to.Valid {
			rec.EffectiveTo = to.Time
		}
		settings, err := rec.Parse()
		if err != nil {
			return nil, err
		}
		out = append(out, settings)
	}
	return out, rows.Err()
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

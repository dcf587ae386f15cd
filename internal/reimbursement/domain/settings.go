package reimbursement

import (
	"fmt"
	"time"
)

// EmployeeSettings is one effective-dated row of an employee's
// reimbursement settings. Zero EffectiveFrom or EffectiveTo leave that side
// open; EffectiveTo is exclusive.
type EmployeeSettings struct {
	ID            string
	EmployeeID    string
	Policy        Policy
	PriceArea     string
	NetProfileID  string
	EffectTierID  string
	EffectiveFrom time.Time
	EffectiveTo   time.Time
}

// ValidAt reports whether the row applies at t.
func (s EmployeeSettings) ValidAt(t time.Time) bool {
	if !s.EffectiveFrom.IsZero() && t.Before(s.EffectiveFrom) {
		return false
	}
	if !s.EffectiveTo.IsZero() && !t.Before(s.EffectiveTo) {
		return false
	}
	return true
}

// SelectSettingsAt picks the row valid at t. When rows overlap the one with
// the latest EffectiveFrom wins; ties keep the earlier row.
func SelectSettingsAt(rows []EmployeeSettings, t time.Time) (EmployeeSettings, bool) {
	var best EmployeeSettings
	found := false
	for _, row := range rows {
		if !row.ValidAt(t) {
			continue
		}
		if !found || row.EffectiveFrom.After(best.EffectiveFrom) {
			best = row
			found = true
		}
	}
	return best, found
}

// SettingsRecord is the stored form of EmployeeSettings.
type SettingsRecord struct {
	ID            string
	EmployeeID    string
	Policy        string
	Params        PolicyParams
	PriceArea     string
	NetProfileID  string
	EffectTierID  string
	EffectiveFrom time.Time
	EffectiveTo   time.Time
}

// Parse validates the record and resolves its policy.
func (r SettingsRecord) Parse() (EmployeeSettings, error) {
	if r.EmployeeID == "" {
		return EmployeeSettings{}, ErrEmptyEmployeeID
	}
	policy, err := ParsePolicy(r.Policy, r.Params)
	if err != nil {
		return EmployeeSettings{}, fmt.Errorf("settings %s: %w", r.ID, err)
	}
	if !r.EffectiveFrom.IsZero() && !r.EffectiveTo.IsZero() && !r.EffectiveTo.After(r.EffectiveFrom) {
		return EmployeeSettings{}, fmt.Errorf("%w: settings %s effective_to not after effective_from", ErrInvalidInterval, r.ID)
	}
	return EmployeeSettings{
		ID:            r.ID,
		EmployeeID:    r.EmployeeID,
		Policy:        policy,
		PriceArea:     r.PriceArea,
		NetProfileID:  r.NetProfileID,
		EffectTierID:  r.EffectTierID,
		EffectiveFrom: r.EffectiveFrom,
		EffectiveTo:   r.EffectiveTo,
	}, nil
}

// PolicySnapshot records which rules produced a reimbursement figure.
type PolicySnapshot struct {
	SettingsID        string     `json:"settings_id"`
	Policy            PolicyKind `json:"policy"`
	FastprisNokPerKwh *float64   `json:"fastpris_nok_per_kwh,omitempty"`
	TerskelNokPerKwh  *float64   `json:"terskel_nok_per_kwh,omitempty"`
	StotteAndel       *float64   `json:"stotte_andel,omitempty"`
	PriceArea         string     `json:"price_area"`
	NetProfileID      string     `json:"net_profile_id"`
	EffectTierID      string     `json:"effect_tier_id,omitempty"`
	EffectiveFrom     *time.Time `json:"effective_from,omitempty"`
	EffectiveTo       *time.Time `json:"effective_to,omitempty"`
	EffectFeeNok      float64    `json:"effect_fee_nok"`
	EstimatedPeakKW   float64    `json:"estimated_peak_kw"`
}

// NewPolicySnapshot captures the settings row. Effect figures are filled in
// by the caller for the row the period fee was computed under.
func NewPolicySnapshot(s EmployeeSettings) PolicySnapshot {
	params := ParamsOf(s.Policy)
	snap := PolicySnapshot{
		SettingsID:        s.ID,
		FastprisNokPerKwh: params.FastprisNokPerKwh,
		TerskelNokPerKwh:  params.TerskelNokPerKwh,
		StotteAndel:       params.StotteAndel,
		PriceArea:         s.PriceArea,
		NetProfileID:      s.NetProfileID,
		EffectTierID:      s.EffectTierID,
	}
	if s.Policy != nil {
		snap.Policy = s.Policy.Kind()
	}
	if !s.EffectiveFrom.IsZero() {
		from := s.EffectiveFrom
		snap.EffectiveFrom = &from
	}
	if !s.EffectiveTo.IsZero() {
		to := s.EffectiveTo
		snap.EffectiveTo = &to
	}
	return snap
}

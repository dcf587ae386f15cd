package tariffconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	reimbursement "charging-refund/internal/reimbursement/domain"
	"charging-refund/internal/reimbursement/infrastructure/memory"
)

// Window is one time-of-use rule. Start and End are "HH:MM" local clock times;
// End "24:00" means midnight.
type Window struct {
	Name      string  `yaml:"name"`
	Days      string  `yaml:"days"`
	Start     string  `yaml:"start"`
	End       string  `yaml:"end"`
	MonthFrom int     `yaml:"month_from"`
	MonthTo   int     `yaml:"month_to"`
	EnergyOre float64 `yaml:"energy_ore_per_kwh"`
	TimeOre   float64 `yaml:"time_ore_per_kwh"`
}

// EffectTier is one capacity step.
type EffectTier struct {
	ID            string  `yaml:"id"`
	KwFrom        float64 `yaml:"kw_from"`
	KwTo          float64 `yaml:"kw_to"`
	MonthlyFeeNok float64 `yaml:"monthly_fee_nok"`
}

// NetProfile declares a grid company's tariff.
type NetProfile struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name"`
	IncludesVat bool         `yaml:"includes_vat"`
	Windows     []Window     `yaml:"windows"`
	EffectTiers []EffectTier `yaml:"effect_tiers"`
}

// Employee is one effective-dated settings row. Dates are "2006-01-02" in the
// service time zone or RFC3339.
type Employee struct {
	ID            string                     `yaml:"id"`
	EmployeeID    string                     `yaml:"employee_id"`
	Policy        string                     `yaml:"policy"`
	Params        reimbursement.PolicyParams `yaml:"params"`
	PriceArea     string                     `yaml:"price_area"`
	NetProfileID  string                     `yaml:"net_profile_id"`
	EffectTierID  string                     `yaml:"effect_tier_id"`
	EffectiveFrom string                     `yaml:"effective_from"`
	EffectiveTo   string                     `yaml:"effective_to"`
}

// Config is the tariff file.
type Config struct {
	NetProfiles []NetProfile `yaml:"net_profiles"`
	Employees   []Employee   `yaml:"employees"`
}

// Load reads and parses a tariff file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes a tariff file.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("tariff config: %w", err)
	}
	if len(cfg.NetProfiles) == 0 {
		return Config{}, errors.New("tariff config: no net profiles")
	}
	return cfg, nil
}

// Apply loads the profiles, tiers and employee rows into memory stores.
// settings may be nil when employee rows come from elsewhere.
func (c Config) Apply(ctx context.Context, loc *time.Location, tariffs *memory.TariffStore, settings *memory.SettingsStore) error {
	if loc == nil {
		return reimbursement.ErrNilLocation
	}
	if tariffs == nil {
		return errors.New("tariff config: nil tariff store")
	}
	for _, p := range c.NetProfiles {
		profile, err := p.toDomain()
		if err != nil {
			return err
		}
		if err := tariffs.PutNetProfile(profile); err != nil {
			return fmt.Errorf("tariff config: profile %s: %w", p.ID, err)
		}
		tiers := make([]reimbursement.EffectTier, 0, len(p.EffectTiers))
		for _, t := range p.EffectTiers {
			if t.KwFrom < 0 || t.KwTo < 0 || t.MonthlyFeeNok < 0 {
				return fmt.Errorf("tariff config: profile %s: tier %s has negative values", p.ID, t.ID)
			}
			tiers = append(tiers, reimbursement.EffectTier{ID: t.ID, KwFrom: t.KwFrom, KwTo: t.KwTo, MonthlyFeeNok: t.MonthlyFeeNok})
		}
		if len(tiers) > 0 {
			if err := tariffs.PutEffectTiers(p.ID, tiers); err != nil {
				return err
			}
		}
	}

	if settings == nil {
		return nil
	}
	for i, e := range c.Employees {
		record, err := e.toRecord(loc)
		if err != nil {
			return fmt.Errorf("tariff config: employee row %d: %w", i+1, err)
		}
		if err := settings.Save(ctx, record); err != nil {
			return fmt.Errorf("tariff config: employee row %d: %w", i+1, err)
		}
	}
	return nil
}

func (p NetProfile) toDomain() (reimbursement.NetProfile, error) {
	profile := reimbursement.NetProfile{ID: p.ID, Name: p.Name, IncludesVat: p.IncludesVat}
	for _, w := range p.Windows {
		start, err := parseClock(w.Start)
		if err != nil {
			return profile, fmt.Errorf("tariff config: profile %s window %s start: %w", p.ID, w.Name, err)
		}
		end, err := parseClock(w.End)
		if err != nil {
			return profile, fmt.Errorf("tariff config: profile %s window %s end: %w", p.ID, w.Name, err)
		}
		days := reimbursement.DaySelector(strings.ToLower(strings.TrimSpace(w.Days)))
		if days == "" {
			days = reimbursement.DaysAll
		}
		profile.Windows = append(profile.Windows, reimbursement.WindowRule{
			Name:            w.Name,
			Days:            days,
			StartMinute:     start,
			EndMinute:       end,
			MonthFrom:       time.Month(w.MonthFrom),
			MonthTo:         time.Month(w.MonthTo),
			EnergyOrePerKwh: w.EnergyOre,
			TimeOrePerKwh:   w.TimeOre,
		})
	}
	return profile, nil
}

func (e Employee) toRecord(loc *time.Location) (reimbursement.SettingsRecord, error) {
	from, err := parseDate(e.EffectiveFrom, loc)
	if err != nil {
		return reimbursement.SettingsRecord{}, err
	}
	to, err := parseDate(e.EffectiveTo, loc)
	if err != nil {
		return reimbursement.SettingsRecord{}, err
	}
	id := e.ID
	if id == "" {
		id = e.EmployeeID + "@" + e.EffectiveFrom
	}
	return reimbursement.SettingsRecord{
		ID:            id,
		EmployeeID:    e.EmployeeID,
		Policy:        e.Policy,
		Params:        e.Params,
		PriceArea:     e.PriceArea,
		NetProfileID:  e.NetProfileID,
		EffectTierID:  e.EffectTierID,
		EffectiveFrom: from,
		EffectiveTo:   to,
	}, nil
}

// parseClock turns "HH:MM" into minutes after midnight. Empty is 0.
func parseClock(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", value)
	}
	total := hour*60 + minute
	if hour < 0 || minute < 0 || minute > 59 || total > 24*60 {
		return 0, fmt.Errorf("invalid clock time %q", value)
	}
	return total, nil
}

func parseDate(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", value, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", value)
	}
	return t, nil
}

package reimbursement

import (
	"fmt"
	"time"
)

// VatFactor is the Norwegian VAT multiplier applied to rates stored ex VAT.
const VatFactor = 1.25

const minutesPerDay = 24 * 60

// DaySelector limits a tariff window to some days of the week.
type DaySelector string

const (
	DaysAll      DaySelector = "all"
	DaysWeekdays DaySelector = "weekdays"
	DaysWeekends DaySelector = "weekends"
)

// WindowRule is one time-of-use band of a net tariff profile.
//
// StartMinute and EndMinute are minutes after local midnight, end exclusive.
// An end before the start wraps past midnight and equal values cover the
// whole day. MonthFrom and MonthTo bound the season inclusively and may wrap
// the new year; zero on either side means all year.
type WindowRule struct {
	Name            string
	Days            DaySelector
	StartMinute     int
	EndMinute       int
	MonthFrom       time.Month
	MonthTo         time.Month
	EnergyOrePerKwh float64
	TimeOrePerKwh   float64
}

// Validate checks the rule bounds.
func (w WindowRule) Validate() error {
	switch w.Days {
	case DaysAll, DaysWeekdays, DaysWeekends, "":
	default:
		return fmt.Errorf("%w: window %q has unknown days %q", ErrInvalidProfile, w.Name, w.Days)
	}
	if w.StartMinute < 0 || w.StartMinute > minutesPerDay || w.EndMinute < 0 || w.EndMinute > minutesPerDay {
		return fmt.Errorf("%w: window %q minutes out of range", ErrInvalidProfile, w.Name)
	}
	if w.MonthFrom < 0 || w.MonthFrom > time.December || w.MonthTo < 0 || w.MonthTo > time.December {
		return fmt.Errorf("%w: window %q months out of range", ErrInvalidProfile, w.Name)
	}
	if w.EnergyOrePerKwh < 0 || w.TimeOrePerKwh < 0 {
		return fmt.Errorf("%w: window %q negative rate", ErrInvalidProfile, w.Name)
	}
	return nil
}

// Matches reports whether the local wall-clock time falls in the window.
func (w WindowRule) Matches(local time.Time) bool {
	if !w.matchesDay(local.Weekday()) || !w.matchesMonth(local.Month()) {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	start, end := w.StartMinute, w.EndMinute
	switch {
	case start == end || (start == 0 && end == minutesPerDay):
		return true
	case start < end:
		return minute >= start && minute < end
	default:
		return minute >= start || minute < end
	}
}

func (w WindowRule) matchesDay(day time.Weekday) bool {
	weekend := day == time.Saturday || day == time.Sunday
	switch w.Days {
	case DaysWeekdays:
		return !weekend
	case DaysWeekends:
		return weekend
	default:
		return true
	}
}

func (w WindowRule) matchesMonth(month time.Month) bool {
	if w.MonthFrom == 0 || w.MonthTo == 0 {
		return true
	}
	if w.MonthFrom <= w.MonthTo {
		return month >= w.MonthFrom && month <= w.MonthTo
	}
	return month >= w.MonthFrom || month <= w.MonthTo
}

// NetProfile is a grid operator tariff with ordered time-of-use windows.
type NetProfile struct {
	ID          string
	Name        string
	IncludesVat bool
	Windows     []WindowRule
}

// Validate checks the profile and all its windows.
func (p NetProfile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidProfile)
	}
	for _, w := range p.Windows {
		if err := w.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Match returns the first window containing hour, evaluated in loc.
func (p NetProfile) Match(hour time.Time, loc *time.Location) (RawTouWindow, bool) {
	if loc == nil {
		loc = time.UTC
	}
	local := hour.In(loc)
	for _, w := range p.Windows {
		if w.Matches(local) {
			return RawTouWindow{
				Name:            w.Name,
				EnergyOrePerKwh: w.EnergyOrePerKwh,
				TimeOrePerKwh:   w.TimeOrePerKwh,
				IncludesVat:     p.IncludesVat,
			}, true
		}
	}
	return RawTouWindow{}, false
}

// RawTouWindow is a matched window with rates as stored by the profile.
type RawTouWindow struct {
	Name            string
	EnergyOrePerKwh float64
	TimeOrePerKwh   float64
	IncludesVat     bool
}

// TouWindow is a matched window with rates in NOK/kWh including VAT.
type TouWindow struct {
	Name            string
	EnergyNokPerKwh float64
	TimeNokPerKwh   float64
}

// NokPerKwh returns the combined network rate.
func (w TouWindow) NokPerKwh() float64 { return w.EnergyNokPerKwh + w.TimeNokPerKwh }

// OreToNokPerKwh converts an øre/kWh rate to NOK/kWh, adding VAT unless the
// rate already includes it.
func OreToNokPerKwh(ore float64, includesVat bool) float64 {
	factor := VatFactor
	if includesVat {
		factor = 1
	}
	return (ore / 100) * factor
}

// NormalizeTouWindow converts raw øre rates to NOK/kWh including VAT.
func NormalizeTouWindow(raw RawTouWindow) TouWindow {
	return TouWindow{
		Name:            raw.Name,
		EnergyNokPerKwh: OreToNokPerKwh(raw.EnergyOrePerKwh, raw.IncludesVat),
		TimeNokPerKwh:   OreToNokPerKwh(raw.TimeOrePerKwh, raw.IncludesVat),
	}
}

package reimbursement

import "sort"

// AssumedPeakWindowHours is the charging window used to turn the largest
// session into a peak power estimate. No interval metering exists, so the
// estimate is deliberately coarse.
const AssumedPeakWindowHours = 0.5

// EffectTier is a monthly capacity fee bracket of a net profile.
// KwTo of zero leaves the bracket open upwards.
type EffectTier struct {
	ID            string
	NetProfileID  string
	KwFrom        float64
	KwTo          float64
	MonthlyFeeNok float64
}

// Contains reports whether kw lies in [KwFrom, KwTo].
func (t EffectTier) Contains(kw float64) bool {
	if kw < t.KwFrom {
		return false
	}
	return t.KwTo == 0 || kw <= t.KwTo
}

// EstimatePeakKW estimates the peak draw of a period from its largest session.
func EstimatePeakKW(maxSessionKwh float64) float64 {
	if maxSessionKwh <= 0 {
		return 0
	}
	return maxSessionKwh / AssumedPeakWindowHours
}

// MatchEffectTier returns the tier containing kw. Overlapping tiers resolve
// to the one with the lowest lower bound.
func MatchEffectTier(tiers []EffectTier, kw float64) (EffectTier, bool) {
	sorted := make([]EffectTier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].KwFrom < sorted[j].KwFrom })
	for _, tier := range sorted {
		if tier.Contains(kw) {
			return tier, true
		}
	}
	return EffectTier{}, false
}

// FindEffectTier returns the tier with the given id.
func FindEffectTier(tiers []EffectTier, id string) (EffectTier, bool) {
	for _, tier := range tiers {
		if tier.ID == id {
			return tier, true
		}
	}
	return EffectTier{}, false
}

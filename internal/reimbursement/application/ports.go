package application

import (
	"context"
	"time"

	reimbursement "charging-refund/internal/reimbursement/domain"
)

// SpotPriceProvider resolves the spot price for one area and hour.
// ok is false when no price exists for that hour.
type SpotPriceProvider interface {
	GetSpotPriceForHour(ctx context.Context, priceArea string, hour time.Time) (price reimbursement.SpotPrice, ok bool, err error)
}

// SpotPriceRangeProvider lists all prices of an area in [from, to). Providers
// implementing it are queried once per area instead of once per hour.
type SpotPriceRangeProvider interface {
	ListSpotPrices(ctx context.Context, priceArea string, from, to time.Time) ([]reimbursement.SpotPrice, error)
}

// TouMatcher resolves the tariff window of a net profile for an hour.
// ok is false when the profile is unknown or has no window for the hour.
type TouMatcher interface {
	MatchTouWindow(ctx context.Context, netProfileID string, hour time.Time) (window reimbursement.RawTouWindow, ok bool, err error)
}

// NetProfileStore loads net tariff profiles. A missing profile is (nil, nil).
type NetProfileStore interface {
	GetNetProfile(ctx context.Context, id string) (*reimbursement.NetProfile, error)
}

// SettingsStore lists every effective-dated settings row of an employee.
type SettingsStore interface {
	ListEmployeeSettings(ctx context.Context, employeeID string) ([]reimbursement.EmployeeSettings, error)
}

// EffectTierStore lists the capacity fee tiers of a net profile.
type EffectTierStore interface {
	ListEffectTiers(ctx context.Context, netProfileID string) ([]reimbursement.EffectTier, error)
}

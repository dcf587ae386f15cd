package reimbursement

import (
	"fmt"
	"math"
)

// PolicyKind is the persisted name of a reimbursement policy.
type PolicyKind string

const (
	// PolicyNorgespris reimburses energy at a fixed national price.
	PolicyNorgespris PolicyKind = "norgespris"
	// PolicySpotMedStromstotte reimburses spot price with the state support deducted and reported.
	PolicySpotMedStromstotte PolicyKind = "spot_med_stromstotte"
)

const (
	// DefaultTerskelNokPerKwh is the support threshold ex VAT used when none is configured.
	DefaultTerskelNokPerKwh = 0.75
	// DefaultStotteAndel is the supported share of the price above the threshold.
	DefaultStotteAndel = 0.9
)

// Policy is the closed set of reimbursement policies. Only types in this
// package implement it.
type Policy interface {
	Kind() PolicyKind
	sealed()
}

// Norgespris prices all energy at a flat rate.
type Norgespris struct {
	FastprisNokPerKwh float64
}

// Kind returns the policy name.
func (Norgespris) Kind() PolicyKind { return PolicyNorgespris }
func (Norgespris) sealed()          {}

// SpotMedStromstotte prices energy at spot and credits the support share of
// the part of the spot price above the threshold.
type SpotMedStromstotte struct {
	TerskelNokPerKwh float64
	StotteAndel      float64
}

// Kind returns the policy name.
func (SpotMedStromstotte) Kind() PolicyKind { return PolicySpotMedStromstotte }
func (SpotMedStromstotte) sealed()          {}

// PolicyParams is the loose parameter bag stored next to a policy name.
type PolicyParams struct {
	FastprisNokPerKwh *float64 `json:"fastpris_nok_per_kwh,omitempty" yaml:"fastpris_nok_per_kwh"`
	TerskelNokPerKwh  *float64 `json:"terskel_nok_per_kwh,omitempty" yaml:"terskel_nok_per_kwh"`
	StotteAndel       *float64 `json:"stotte_andel,omitempty" yaml:"stotte_andel"`
}

// ParsePolicy turns a stored policy name and its parameters into a Policy.
func ParsePolicy(kind string, params PolicyParams) (Policy, error) {
	switch PolicyKind(kind) {
	case PolicyNorgespris:
		if params.FastprisNokPerKwh == nil {
			return nil, fmt.Errorf("%w: norgespris requires fastpris", ErrInvalidPolicyParams)
		}
		fastpris := *params.FastprisNokPerKwh
		if !finite(fastpris) || fastpris < 0 {
			return nil, fmt.Errorf("%w: fastpris %v", ErrInvalidPolicyParams, fastpris)
		}
		return Norgespris{FastprisNokPerKwh: fastpris}, nil
	case PolicySpotMedStromstotte:
		policy := SpotMedStromstotte{TerskelNokPerKwh: DefaultTerskelNokPerKwh, StotteAndel: DefaultStotteAndel}
		if params.TerskelNokPerKwh != nil {
			policy.TerskelNokPerKwh = *params.TerskelNokPerKwh
		}
		if params.StotteAndel != nil {
			policy.StotteAndel = *params.StotteAndel
		}
		if err := policy.validate(); err != nil {
			return nil, err
		}
		return policy, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, kind)
	}
}

func (p SpotMedStromstotte) validate() error {
	if !finite(p.TerskelNokPerKwh) || p.TerskelNokPerKwh < 0 {
		return fmt.Errorf("%w: terskel %v", ErrInvalidPolicyParams, p.TerskelNokPerKwh)
	}
	if !finite(p.StotteAndel) || p.StotteAndel < 0 || p.StotteAndel > 1 {
		return fmt.Errorf("%w: stotte andel %v outside [0,1]", ErrInvalidPolicyParams, p.StotteAndel)
	}
	return nil
}

// ParamsOf returns the parameter bag for a policy, the inverse of ParsePolicy.
func ParamsOf(policy Policy) PolicyParams {
	switch p := policy.(type) {
	case Norgespris:
		fastpris := p.FastprisNokPerKwh
		return PolicyParams{FastprisNokPerKwh: &fastpris}
	case SpotMedStromstotte:
		terskel, andel := p.TerskelNokPerKwh, p.StotteAndel
		return PolicyParams{TerskelNokPerKwh: &terskel, StotteAndel: &andel}
	default:
		return PolicyParams{}
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

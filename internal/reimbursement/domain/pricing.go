package reimbursement

import (
	"fmt"
	"math"
	"time"
)

// BitInput is everything needed to price one time bit.
type BitInput struct {
	Policy               Policy
	KWh                  float64
	Hour                 time.Time
	SpotPricePerKwhExVat float64
	Window               *TouWindow
}

// Cost is the reimbursement breakdown for a bit, a session or a period.
// Values are unrounded NOK.
type Cost struct {
	EnergyNok  float64
	NettNok    float64
	SupportNok float64
}

// Add returns the component-wise sum.
func (c Cost) Add(other Cost) Cost {
	return Cost{
		EnergyNok:  c.EnergyNok + other.EnergyNok,
		NettNok:    c.NettNok + other.NettNok,
		SupportNok: c.SupportNok + other.SupportNok,
	}
}

// Refund is the amount owed to the employee.
func (c Cost) Refund() float64 { return c.EnergyNok + c.NettNok + c.SupportNok }

// CalculateBit prices one bit under its policy. A zero spot price is priced
// as is; flagging it as missing is the caller's job.
func CalculateBit(in BitInput) (Cost, error) {
	if math.IsNaN(in.KWh) || math.IsInf(in.KWh, 0) || in.KWh < 0 {
		return Cost{}, fmt.Errorf("%w: %v kWh", ErrInvalidEnergy, in.KWh)
	}

	var nett float64
	if in.Window != nil {
		nett = in.KWh * in.Window.NokPerKwh()
	}

	switch p := in.Policy.(type) {
	case Norgespris:
		return Cost{
			EnergyNok: in.KWh * p.FastprisNokPerKwh,
			NettNok:   nett,
		}, nil
	case SpotMedStromstotte:
		raw := in.KWh * in.SpotPricePerKwhExVat
		excess := math.Max(0, in.SpotPricePerKwhExVat-p.TerskelNokPerKwh)
		support := in.KWh * excess * p.StotteAndel
		return Cost{
			EnergyNok:  raw - support,
			NettNok:    nett,
			SupportNok: support,
		}, nil
	case nil:
		return Cost{}, fmt.Errorf("%w: nil policy for hour %s", ErrUnknownPolicy, in.Hour.Format(time.RFC3339))
	default:
		return Cost{}, fmt.Errorf("%w: %T", ErrUnknownPolicy, in.Policy)
	}
}

// RoundNok rounds to whole øre, half away from zero. Use only when presenting.
func RoundNok(v float64) float64 {
	return math.Round(v*100) / 100
}

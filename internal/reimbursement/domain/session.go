package reimbursement

import (
	"fmt"
	"math"
	"time"
)

// ChargingSession is one home-charging session reported for an employee.
type ChargingSession struct {
	ID         string
	EmployeeID string
	Start      time.Time
	End        time.Time
	KWh        float64
}

// Validate checks the session invariants. A zero-length session is allowed.
func (s ChargingSession) Validate() error {
	if s.Start.IsZero() || s.End.IsZero() {
		return fmt.Errorf("%w: missing start or end", ErrInvalidInterval)
	}
	if s.End.Before(s.Start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidInterval, s.End.Format(time.RFC3339), s.Start.Format(time.RFC3339))
	}
	if math.IsNaN(s.KWh) || math.IsInf(s.KWh, 0) || s.KWh < 0 {
		return fmt.Errorf("%w: %v kWh", ErrInvalidEnergy, s.KWh)
	}
	return nil
}

// Duration returns the session length.
func (s ChargingSession) Duration() time.Duration { return s.End.Sub(s.Start) }

// SpotPrice is the day-ahead price for one price area and hour, excluding VAT.
type SpotPrice struct {
	PriceArea        string
	Hour             time.Time
	PricePerKwhExVat float64
}

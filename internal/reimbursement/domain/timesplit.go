package reimbursement

import (
	"fmt"
	"math"
	"time"
)

// TimeBit is the part of a session that falls inside one local clock hour.
// Energy is apportioned assuming a constant charging rate over the session.
type TimeBit struct {
	LocalHour time.Time
	From      time.Time
	To        time.Time
	KWh       float64
}

// Split holds the bits of one session in chronological order.
type Split struct {
	Bits     []TimeBit
	Warnings []string
}

// TotalKWh sums the energy of all bits.
func (s Split) TotalKWh() float64 {
	var total float64
	for _, bit := range s.Bits {
		total += bit.KWh
	}
	return total
}

// LocalHourFloor truncates t to the start of its clock hour in loc.
// The offset in effect at t is used, so a wall-clock hour that occurs twice
// during a DST fall-back resolves to the occurrence t belongs to.
func LocalHourFloor(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	into := time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	return local.Add(-into)
}

// nextHourBoundary returns the end of the local hour floor that cursor lies
// in. The bool is false when a sub-hour offset change moved the boundary off
// a whole hour; the hour then ends at the realigned instant if that is still
// ahead of cursor, otherwise one absolute hour after floor.
func nextHourBoundary(floor, cursor time.Time, loc *time.Location) (time.Time, bool) {
	next := floor.Add(time.Hour)
	aligned := LocalHourFloor(next, loc)
	if aligned.Equal(next) {
		return next, true
	}
	if aligned.After(cursor) {
		return aligned, false
	}
	return next, false
}

// SplitIntoTimeBits splits [start, end) into local clock-hour bits and
// apportions totalKwh by duration. Boundaries are walked as absolute instants,
// so DST transitions neither drop nor duplicate energy. Any floating point
// residual is put on the last bit.
func SplitIntoTimeBits(start, end time.Time, totalKwh float64, loc *time.Location) (Split, error) {
	if loc == nil {
		return Split{}, ErrNilLocation
	}
	if start.IsZero() || end.IsZero() {
		return Split{}, fmt.Errorf("%w: missing start or end", ErrInvalidInterval)
	}
	if end.Before(start) {
		return Split{}, fmt.Errorf("%w: end %s before start %s", ErrInvalidInterval, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if math.IsNaN(totalKwh) || math.IsInf(totalKwh, 0) || totalKwh < 0 {
		return Split{}, fmt.Errorf("%w: %v kWh", ErrInvalidEnergy, totalKwh)
	}

	if end.Equal(start) {
		hour := LocalHourFloor(start, loc)
		return Split{
			Bits: []TimeBit{{LocalHour: hour, From: start.In(loc), To: start.In(loc), KWh: totalKwh}},
			Warnings: []string{fmt.Sprintf("zero-duration session at %s: %.3f kWh attributed to hour %s",
				start.In(loc).Format(time.RFC3339), totalKwh, hour.Format(time.RFC3339))},
		}, nil
	}

	total := float64(end.Sub(start))
	var split Split
	shifted := make(map[int64]bool)
	cursor := start.In(loc)
	for cursor.Before(end) {
		floor := LocalHourFloor(cursor, loc)
		boundary, aligned := nextHourBoundary(floor, cursor, loc)
		if !aligned {
			shifted[floor.Unix()] = true
		}
		if !boundary.After(cursor) {
			boundary = cursor.Add(time.Hour)
			split.Warnings = append(split.Warnings, fmt.Sprintf("hour boundary did not advance at %s", cursor.Format(time.RFC3339)))
		}
		if boundary.After(end) {
			boundary = end.In(loc)
		}

		kwh := float64(boundary.Sub(cursor)) / total * totalKwh
		if n := len(split.Bits); n > 0 {
			prev := split.Bits[n-1]
			if prev.LocalHour.Equal(floor) {
				split.Bits[n-1].To = boundary
				split.Bits[n-1].KWh += kwh
				cursor = boundary
				continue
			}
			_, prevOffset := prev.LocalHour.Zone()
			_, offset := floor.Zone()
			if prevOffset != offset {
				split.Warnings = append(split.Warnings, fmt.Sprintf("UTC offset changes from %s to %s inside session",
					formatOffset(prevOffset), formatOffset(offset)))
			}
		}
		split.Bits = append(split.Bits, TimeBit{LocalHour: floor, From: cursor, To: boundary, KWh: kwh})
		cursor = boundary
	}

	for _, bit := range split.Bits {
		if shifted[bit.LocalHour.Unix()] {
			split.Warnings = append(split.Warnings, fmt.Sprintf("hour starting %s is cut by a sub-hour offset change; bit spans %s to %s",
				bit.LocalHour.Format(time.RFC3339), bit.From.In(loc).Format(time.RFC3339), bit.To.In(loc).Format(time.RFC3339)))
		}
	}

	last := len(split.Bits) - 1
	var allocated float64
	for _, bit := range split.Bits[:last] {
		allocated += bit.KWh
	}
	residual := totalKwh - allocated
	if residual < 0 {
		residual = 0
	}
	split.Bits[last].KWh = residual
	return split, nil
}

func formatOffset(seconds int) string {
	sign := '+'
	if seconds < 0 {
		sign = '-'
		seconds = -seconds
	}
	return fmt.Sprintf("%c%02d:%02d", sign, seconds/3600, (seconds%3600)/60)
}

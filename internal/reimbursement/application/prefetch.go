package application

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	reimbursement "charging-refund/internal/reimbursement/domain"
)

// lookupKey identifies one hour of a price area or net profile.
type lookupKey struct {
	scope string
	hour  int64
}

type lookupResult struct {
	spot    map[lookupKey]float64
	windows map[lookupKey]reimbursement.RawTouWindow
}

// prefetch resolves every distinct (area, hour) and (profile, hour) the plans
// need before any pricing happens, with bounded parallelism.
func (s *AnalysisService) prefetch(ctx context.Context, plans []sessionPlan) (*lookupResult, error) {
	spotKeys := make(map[lookupKey]time.Time)
	windowKeys := make(map[lookupKey]time.Time)
	for _, plan := range plans {
		for j, bit := range plan.bits {
			row := plan.settings[j]
			hour := bit.LocalHour.Unix()
			if needsSpotPrice(row.Policy) && row.PriceArea != "" {
				spotKeys[lookupKey{scope: row.PriceArea, hour: hour}] = bit.LocalHour
			}
			if row.NetProfileID != "" {
				windowKeys[lookupKey{scope: row.NetProfileID, hour: hour}] = bit.LocalHour
			}
		}
	}

	spot, err := s.fetchSpotPrices(ctx, spotKeys)
	if err != nil {
		return nil, err
	}
	windows, err := s.fetchWindows(ctx, windowKeys)
	if err != nil {
		return nil, err
	}
	return &lookupResult{spot: spot, windows: windows}, nil
}

func (s *AnalysisService) fetchSpotPrices(ctx context.Context, keys map[lookupKey]time.Time) (map[lookupKey]float64, error) {
	out := make(map[lookupKey]float64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	if ranged, ok := s.prices.(SpotPriceRangeProvider); ok {
		return s.fetchSpotRanges(ctx, ranged, keys)
	}

	ordered := sortedLookupKeys(keys)
	type spotResult struct {
		price float64
		ok    bool
	}
	results := make([]spotResult, len(ordered))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, key := range ordered {
		i, key := i, key
		g.Go(func() error {
			price, ok, err := s.prices.GetSpotPriceForHour(gctx, key.scope, keys[key])
			if err != nil {
				return fmt.Errorf("spot price %s@%s: %w", key.scope, keys[key].Format(time.RFC3339), err)
			}
			results[i] = spotResult{price: price.PricePerKwhExVat, ok: ok}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, key := range ordered {
		if results[i].ok {
			out[key] = results[i].price
		}
	}
	return out, nil
}

// fetchSpotRanges issues one range query per price area covering all hours
// needed from that area.
func (s *AnalysisService) fetchSpotRanges(ctx context.Context, provider SpotPriceRangeProvider, keys map[lookupKey]time.Time) (map[lookupKey]float64, error) {
	type span struct {
		area     string
		from, to time.Time
	}
	byArea := make(map[string]*span)
	for key, hour := range keys {
		sp, ok := byArea[key.scope]
		if !ok {
			byArea[key.scope] = &span{area: key.scope, from: hour, to: hour.Add(time.Hour)}
			continue
		}
		if hour.Before(sp.from) {
			sp.from = hour
		}
		if end := hour.Add(time.Hour); end.After(sp.to) {
			sp.to = end
		}
	}
	spans := make([]*span, 0, len(byArea))
	for _, sp := range byArea {
		spans = append(spans, sp)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].area < spans[j].area })

	results := make([][]reimbursement.SpotPrice, len(spans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, sp := range spans {
		i, sp := i, sp
		g.Go(func() error {
			prices, err := provider.ListSpotPrices(gctx, sp.area, sp.from, sp.to)
			if err != nil {
				return fmt.Errorf("spot prices %s [%s, %s): %w", sp.area, sp.from.Format(time.RFC3339), sp.to.Format(time.RFC3339), err)
			}
			results[i] = prices
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[lookupKey]float64, len(keys))
	for i, sp := range spans {
		for _, price := range results[i] {
			key := lookupKey{scope: sp.area, hour: price.Hour.Unix()}
			if _, wanted := keys[key]; wanted {
				out[key] = price.PricePerKwhExVat
			}
		}
	}
	return out, nil
}

func (s *AnalysisService) fetchWindows(ctx context.Context, keys map[lookupKey]time.Time) (map[lookupKey]reimbursement.RawTouWindow, error) {
	out := make(map[lookupKey]reimbursement.RawTouWindow, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	ordered := sortedLookupKeys(keys)
	type windowResult struct {
		window reimbursement.RawTouWindow
		ok     bool
	}
	results := make([]windowResult, len(ordered))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, key := range ordered {
		i, key := i, key
		g.Go(func() error {
			window, ok, err := s.tariffs.MatchTouWindow(gctx, key.scope, keys[key])
			if err != nil {
				return fmt.Errorf("tariff window %s@%s: %w", key.scope, keys[key].Format(time.RFC3339), err)
			}
			results[i] = windowResult{window: window, ok: ok}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, key := range ordered {
		if results[i].ok {
			out[key] = results[i].window
		}
	}
	return out, nil
}

func sortedLookupKeys(keys map[lookupKey]time.Time) []lookupKey {
	out := make([]lookupKey, 0, len(keys))
	for key := range keys {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].scope != out[j].scope {
			return out[i].scope < out[j].scope
		}
		return out[i].hour < out[j].hour
	})
	return out
}

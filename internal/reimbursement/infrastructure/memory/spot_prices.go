package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	reimbursement "charging-refund/internal/reimbursement/domain"
)

type spotKey struct {
	area string
	hour int64
}

// SpotPriceStore is an in-memory spot price source.
type SpotPriceStore struct {
	mu     sync.RWMutex
	prices map[spotKey]reimbursement.SpotPrice
}

// NewSpotPriceStore constructs a store.
func NewSpotPriceStore() *SpotPriceStore {
	return &SpotPriceStore{prices: make(map[spotKey]reimbursement.SpotPrice)}
}

// UpsertSpotPrices stores prices, replacing existing hours.
func (s *SpotPriceStore) UpsertSpotPrices(ctx context.Context, prices []reimbursement.SpotPrice) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, price := range prices {
		s.prices[spotKey{area: price.PriceArea, hour: price.Hour.Unix()}] = price
	}
	return nil
}

// GetSpotPriceForHour returns the price stored for the exact hour start.
func (s *SpotPriceStore) GetSpotPriceForHour(ctx context.Context, priceArea string, hour time.Time) (reimbursement.SpotPrice, bool, error) {
	_ = ctx
	s.mu.RLock()
	price, ok := s.prices[spotKey{area: priceArea, hour: hour.Unix()}]
	s.mu.RUnlock()
	return price, ok, nil
}

// ListSpotPrices returns the prices of an area in [from, to) ordered by hour.
func (s *SpotPriceStore) ListSpotPrices(ctx context.Context, priceArea string, from, to time.Time) ([]reimbursement.SpotPrice, error) {
	_ = ctx
	s.mu.RLock()
	var out []reimbursement.SpotPrice
	for key, price := range s.prices {
		if key.area != priceArea || key.hour < from.Unix() || key.hour >= to.Unix() {
			continue
		}
		out = append(out, price)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

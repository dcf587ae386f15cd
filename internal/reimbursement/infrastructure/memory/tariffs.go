package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	reimbursement "charging-refund/internal/reimbursement/domain"
)

// TariffStore holds net profiles and effect tiers in memory.
type TariffStore struct {
	mu       sync.RWMutex
	profiles map[string]reimbursement.NetProfile
	tiers    map[string][]reimbursement.EffectTier
}

// NewTariffStore constructs a store.
func NewTariffStore() *TariffStore {
	return &TariffStore{
		profiles: make(map[string]reimbursement.NetProfile),
		tiers:    make(map[string][]reimbursement.EffectTier),
	}
}

// PutNetProfile validates and stores a profile, replacing any with the same id.
func (s *TariffStore) PutNetProfile(profile reimbursement.NetProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	profile.Windows = append([]reimbursement.WindowRule(nil), profile.Windows...)
	s.mu.Lock()
	s.profiles[profile.ID] = profile
	s.mu.Unlock()
	return nil
}

// PutEffectTiers replaces the tiers of a net profile.
func (s *TariffStore) PutEffectTiers(netProfileID string, tiers []reimbursement.EffectTier) error {
	if netProfileID == "" {
		return errors.New("tariff store: empty net profile id")
	}
	copied := make([]reimbursement.EffectTier, len(tiers))
	for i, tier := range tiers {
		tier.NetProfileID = netProfileID
		copied[i] = tier
	}
	sort.SliceStable(copied, func(i, j int) bool { return copied[i].KwFrom < copied[j].KwFrom })
	s.mu.Lock()
	s.tiers[netProfileID] = copied
	s.mu.Unlock()
	return nil
}

// GetNetProfile returns a copy of the profile or (nil, nil).
func (s *TariffStore) GetNetProfile(ctx context.Context, id string) (*reimbursement.NetProfile, error) {
	_ = ctx
	s.mu.RLock()
	profile, ok := s.profiles[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	profile.Windows = append([]reimbursement.WindowRule(nil), profile.Windows...)
	return &profile, nil
}

// ListEffectTiers returns the tiers of a net profile ordered by KwFrom.
func (s *TariffStore) ListEffectTiers(ctx context.Context, netProfileID string) ([]reimbursement.EffectTier, error) {
	_ = ctx
	s.mu.RLock()
	tiers := append([]reimbursement.EffectTier(nil), s.tiers[netProfileID]...)
	s.mu.RUnlock()
	return tiers, nil
}

// ProfileIDs lists stored profile ids in order.
func (s *TariffStore) ProfileIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

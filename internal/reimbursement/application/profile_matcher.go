package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	reimbursement "charging-refund/internal/reimbursement/domain"
)

// ProfileMatcher matches hours against net profiles loaded from a store.
// Loaded profiles, including misses, are cached for the configured TTL.
type ProfileMatcher struct {
	store NetProfileStore
	loc   *time.Location
	ttl   time.Duration
	clock Clock

	mu      sync.Mutex
	entries map[string]profileEntry
	loads   singleflight.Group
}

type profileEntry struct {
	profile  *reimbursement.NetProfile
	loadedAt time.Time
}

// MatcherOption configures the matcher.
type MatcherOption func(*ProfileMatcher)

// WithProfileTTL expires cached profiles after ttl. Zero keeps them forever.
func WithProfileTTL(ttl time.Duration) MatcherOption {
	return func(m *ProfileMatcher) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMatcherClock overrides the clock used for cache expiry.
func WithMatcherClock(clock Clock) MatcherOption {
	return func(m *ProfileMatcher) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewProfileMatcher constructs a matcher evaluating windows in loc.
func NewProfileMatcher(store NetProfileStore, loc *time.Location, opts ...MatcherOption) (*ProfileMatcher, error) {
	if store == nil {
		return nil, errors.New("profile matcher: nil store")
	}
	if loc == nil {
		return nil, reimbursement.ErrNilLocation
	}
	m := &ProfileMatcher{
		store:   store,
		loc:     loc,
		clock:   SystemClock{},
		entries: make(map[string]profileEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// MatchTouWindow returns the window of the profile containing hour.
func (m *ProfileMatcher) MatchTouWindow(ctx context.Context, netProfileID string, hour time.Time) (reimbursement.RawTouWindow, bool, error) {
	if netProfileID == "" {
		return reimbursement.RawTouWindow{}, false, nil
	}
	profile, err := m.profile(ctx, netProfileID)
	if err != nil {
		return reimbursement.RawTouWindow{}, false, err
	}
	if profile == nil {
		return reimbursement.RawTouWindow{}, false, nil
	}
	window, ok := profile.Match(hour, m.loc)
	return window, ok, nil
}

// profile returns the cached profile or loads it. The store is called
// without holding mu; concurrent loads of one id share a single call.
func (m *ProfileMatcher) profile(ctx context.Context, id string) (*reimbursement.NetProfile, error) {
	if profile, ok := m.cached(id); ok {
		return profile, nil
	}
	v, err, _ := m.loads.Do(id, func() (any, error) {
		if profile, ok := m.cached(id); ok {
			return profile, nil
		}
		profile, err := m.store.GetNetProfile(ctx, id)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.entries[id] = profileEntry{profile: profile, loadedAt: m.clock.Now()}
		m.mu.Unlock()
		return profile, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*reimbursement.NetProfile), nil
}

func (m *ProfileMatcher) cached(id string) (*reimbursement.NetProfile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	if m.ttl > 0 && m.clock.Now().Sub(entry.loadedAt) >= m.ttl {
		return nil, false
	}
	return entry.profile, true
}

package memory

import (
	"context"
	"sort"
	"sync"

	reimbursement "charging-refund/internal/reimbursement/domain"
)

// SettingsStore is an in-memory employee settings repository.
type SettingsStore struct {
	mu   sync.RWMutex
	rows map[string][]reimbursement.EmployeeSettings
}

// NewSettingsStore constructs a store.
func NewSettingsStore() *SettingsStore {
	return &SettingsStore{rows: make(map[string][]reimbursement.EmployeeSettings)}
}

// Save parses and appends a settings row.
func (s *SettingsStore) Save(ctx context.Context, record reimbursement.SettingsRecord) error {
	_ = ctx
	settings, err := record.Parse()
	if err != nil {
		return err
	}
	s.mu.Lock()
	rows := append(s.rows[settings.EmployeeID], settings)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].EffectiveFrom.Before(rows[j].EffectiveFrom) })
	s.rows[settings.EmployeeID] = rows
	s.mu.Unlock()
	return nil
}

// ListEmployeeSettings returns a copy of the employee's rows.
func (s *SettingsStore) ListEmployeeSettings(ctx context.Context, employeeID string) ([]reimbursement.EmployeeSettings, error) {
	_ = ctx
	if employeeID == "" {
		return nil, reimbursement.ErrEmptyEmployeeID
	}
	s.mu.RLock()
	rows := append([]reimbursement.EmployeeSettings(nil), s.rows[employeeID]...)
	s.mu.RUnlock()
	return rows, nil
}

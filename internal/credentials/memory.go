package credentials

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu      sync.RWMutex
	bundles map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bundles: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, tenantID string) ([]byte, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	bundle, ok := s.bundles[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
	}
	return append([]byte(nil), bundle...), nil
}

func (s *MemoryStore) Save(_ context.Context, tenantID string, bundle []byte) error {
	tenantID, err := validateSave(tenantID, bundle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.bundles[tenantID] = append([]byte(nil), bundle...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, tenantID string) (bool, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	_, ok := s.bundles[tenantID]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemoryStore) Purge(_ context.Context, tenantID string) error {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.bundles, tenantID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Tenants(context.Context) ([]string, error) {
	s.mu.RLock()
	tenants := make([]string, 0, len(s.bundles))
	for tenantID := range s.bundles {
		tenants = append(tenants, tenantID)
	}
	s.mu.RUnlock()
	sort.Strings(tenants)
	return tenants, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

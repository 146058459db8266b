// Package status is the polling facade: the same registry snapshot that
// subscribers receive on join, read synchronously.
package status

import (
	"errors"
	"fmt"
	"strings"

	"crabstack.local/crab-relay/internal/types"
)

var (
	// ErrAbsent means the tenant was never connected or has been torn down.
	// It is a well-defined answer, not a fault.
	ErrAbsent         = errors.New("tenant session absent")
	ErrTenantRequired = errors.New("tenant id is required")
)

type Source interface {
	Snapshot(tenantID string) (types.Snapshot, bool)
}

type Service struct {
	source Source
}

func New(source Source) *Service {
	return &Service{source: source}
}

func (s *Service) Lookup(tenantID string) (snap types.Snapshot, err error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return types.Snapshot{}, ErrTenantRequired
	}
	if s == nil || s.source == nil {
		return types.Snapshot{}, fmt.Errorf("status source is not configured")
	}
	defer func() {
		if r := recover(); r != nil {
			snap = types.Snapshot{}
			err = fmt.Errorf("status lookup for %s: %v", tenantID, r)
		}
	}()

	snap, ok := s.source.Snapshot(tenantID)
	if !ok {
		return types.Snapshot{}, fmt.Errorf("%w: %s", ErrAbsent, tenantID)
	}
	if !snap.State.Valid() {
		return types.Snapshot{}, fmt.Errorf("status lookup for %s: invalid state %q", tenantID, snap.State)
	}
	return snap, nil
}

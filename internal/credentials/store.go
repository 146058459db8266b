package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound       = errors.New("credentials not found")
	ErrTenantRequired = errors.New("tenant id is required")
	ErrEmptyBundle    = errors.New("credential bundle is empty")
	ErrSealedBundle   = errors.New("credential bundle cannot be opened")
	ErrInvalidSealKey = errors.New("invalid credentials seal key")
)

// Store keeps one opaque credential bundle per tenant. The orchestrator only
// cares whether a bundle is present; the adapter owns its contents.
type Store interface {
	Load(ctx context.Context, tenantID string) ([]byte, error)
	Save(ctx context.Context, tenantID string, bundle []byte) error
	Exists(ctx context.Context, tenantID string) (bool, error)
	Purge(ctx context.Context, tenantID string) error
	Tenants(ctx context.Context) ([]string, error)
	Close() error
}

func normalizeTenant(tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", ErrTenantRequired
	}
	return tenantID, nil
}

func validateSave(tenantID string, bundle []byte) (string, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return "", err
	}
	if len(bundle) == 0 {
		return "", fmt.Errorf("%w: tenant %s", ErrEmptyBundle, tenantID)
	}
	return tenantID, nil
}

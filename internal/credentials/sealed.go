package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts bundles with XChaCha20-Poly1305. The tenant id is bound as
// additional data so a bundle cannot be replayed under another tenant.
type Sealer struct {
	key []byte
}

// NewSealer accepts either a base64-encoded 32-byte key or a passphrase,
// which is stretched with BLAKE2b-256.
func NewSealer(rawKey string) (*Sealer, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidSealKey)
	}
	if decoded, err := base64.StdEncoding.DecodeString(rawKey); err == nil && len(decoded) == chacha20poly1305.KeySize {
		return &Sealer{key: decoded}, nil
	}
	sum := blake2b.Sum256([]byte(rawKey))
	return &Sealer{key: sum[:]}, nil
}

func (s *Sealer) Seal(tenantID string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(tenantID)), nil
}

func (s *Sealer) Open(tenantID string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: tenant %s: too short", ErrSealedBundle, tenantID)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(tenantID))
	if err != nil {
		return nil, fmt.Errorf("%w: tenant %s", ErrSealedBundle, tenantID)
	}
	return plaintext, nil
}

// SealedStore wraps another Store, sealing bundles on Save and opening them
// on Load.
type SealedStore struct {
	inner  Store
	sealer *Sealer
}

func NewSealedStore(inner Store, sealer *Sealer) *SealedStore {
	return &SealedStore{inner: inner, sealer: sealer}
}

func (s *SealedStore) Load(ctx context.Context, tenantID string) ([]byte, error) {
	sealed, err := s.inner.Load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.sealer.Open(strings.TrimSpace(tenantID), sealed)
}

func (s *SealedStore) Save(ctx context.Context, tenantID string, bundle []byte) error {
	tenantID, err := validateSave(tenantID, bundle)
	if err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(tenantID, bundle)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	return s.inner.Save(ctx, tenantID, sealed)
}

func (s *SealedStore) Exists(ctx context.Context, tenantID string) (bool, error) {
	return s.inner.Exists(ctx, tenantID)
}

func (s *SealedStore) Purge(ctx context.Context, tenantID string) error {
	return s.inner.Purge(ctx, tenantID)
}

func (s *SealedStore) Tenants(ctx context.Context) ([]string, error) {
	return s.inner.Tenants(ctx)
}

func (s *SealedStore) Close() error {
	return s.inner.Close()
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crabstack.local/crab-relay/internal/adapter"
	"crabstack.local/crab-relay/internal/credentials"
	"crabstack.local/crab-relay/internal/types"
)

const maxConnectAttempts = 3

// Registry maps tenants to live sessions. Entries are striped across shards
// so one tenant's churn never holds a lock another tenant needs.
type Registry struct {
	cfg       Config
	factory   adapter.Factory
	store     credentials.Store
	publisher Publisher
	logger    zerolog.Logger

	shards []*shard
	closed atomic.Bool
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(cfg Config, factory adapter.Factory, store credentials.Store, publisher Publisher, logger zerolog.Logger) *Registry {
	cfg = cfg.withDefaults()
	if store == nil {
		store = credentials.NewMemoryStore()
	}
	r := &Registry{
		cfg:       cfg,
		factory:   factory,
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "session").Logger(),
		shards:    make([]*shard, cfg.Shards),
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(tenantID string) *shard {
	return r.shards[xxhash.Sum64String(tenantID)%uint64(len(r.shards))]
}

// Connect returns the live session's state, or creates a session and waits
// for its adapter to be constructed. Concurrent callers for one tenant share
// a single session, a single adapter and a single boot result.
func (r *Registry) Connect(ctx context.Context, tenantID string) (types.Snapshot, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return types.Snapshot{}, err
	}

	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		s, created, err := r.getOrCreate(tenantID)
		if err != nil {
			return types.Snapshot{}, err
		}
		// Joiners get the creator's boot result, failures included.
		snap, err := s.awaitBoot(ctx)
		if created || err != nil {
			return snap, err
		}
		snap, err = s.Connect(ctx)
		if errors.Is(err, ErrSessionClosed) {
			// Lost a race with the session ending; the entry is gone now.
			continue
		}
		return snap, err
	}
	return types.Snapshot{}, fmt.Errorf("%w: tenant %s kept closing during connect", ErrInternalFault, tenantID)
}

func (r *Registry) getOrCreate(tenantID string) (*Session, bool, error) {
	sh := r.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if s, ok := sh.sessions[tenantID]; ok {
		return s, false, nil
	}
	if r.closed.Load() {
		return nil, false, fmt.Errorf("%w: registry is shut down", ErrSessionClosed)
	}
	s := newSession(tenantID, r.cfg, r.factory, r.store, r.publisher, r.logger)
	s.onEnd = func() { r.release(tenantID, s) }
	sh.sessions[tenantID] = s
	go s.run()
	return s, true, nil
}

func (r *Registry) release(tenantID string, s *Session) {
	sh := r.shardFor(tenantID)
	sh.mu.Lock()
	if current, ok := sh.sessions[tenantID]; ok && current == s {
		delete(sh.sessions, tenantID)
	}
	sh.mu.Unlock()
}

func (r *Registry) Get(tenantID string) (*Session, bool) {
	tenantID = strings.TrimSpace(tenantID)
	sh := r.shardFor(tenantID)
	sh.mu.RLock()
	s, ok := sh.sessions[tenantID]
	sh.mu.RUnlock()
	return s, ok
}

// Snapshot is non-blocking. ok is false when the tenant has no live session.
func (r *Registry) Snapshot(tenantID string) (types.Snapshot, bool) {
	s, ok := r.Get(tenantID)
	if !ok {
		return types.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Remove tears down the tenant's adapter and deletes the entry, keeping the
// stored credentials. Removing an absent tenant is a no-op.
func (r *Registry) Remove(ctx context.Context, tenantID string) error {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return err
	}
	s, ok := r.Get(tenantID)
	if !ok {
		return nil
	}
	if err := s.Disconnect(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
		return err
	}
	return nil
}

// Logout ends the tenant's session and purges its credentials. With no live
// session the stored credentials are purged directly.
func (r *Registry) Logout(ctx context.Context, tenantID string) error {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return err
	}
	if s, ok := r.Get(tenantID); ok {
		err := s.Logout(ctx)
		if !errors.Is(err, ErrSessionClosed) {
			return err
		}
	}
	if err := r.store.Purge(ctx, tenantID); err != nil {
		return fmt.Errorf("%w: purge credentials: %w", ErrInternalFault, err)
	}
	return nil
}

func (r *Registry) Tenants() []string {
	var tenants []string
	for _, sh := range r.shards {
		sh.mu.RLock()
		for tenantID := range sh.sessions {
			tenants = append(tenants, tenantID)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(tenants)
	return tenants
}

func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Shutdown refuses new sessions and disconnects every live one, keeping
// credentials so the next boot can resume them.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.closed.Store(true)

	var live []*Session
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			live = append(live, s)
		}
		sh.mu.RUnlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range live {
		g.Go(func() error {
			if err := s.shutdown(gctx); err != nil && !errors.Is(err, ErrSessionClosed) {
				return fmt.Errorf("shutdown tenant %s: %w", s.tenantID, err)
			}
			select {
			case <-s.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

func normalizeTenant(tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", ErrTenantRequired
	}
	return tenantID, nil
}

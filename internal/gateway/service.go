// Package gateway is the command surface business modules talk to. It routes
// commands to the tenant's session, hands out relay subscriptions and answers
// status queries.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crabstack.local/crab-relay/internal/credentials"
	"crabstack.local/crab-relay/internal/relay"
	"crabstack.local/crab-relay/internal/session"
	"crabstack.local/crab-relay/internal/status"
	"crabstack.local/crab-relay/internal/types"
)

const restoreConcurrency = 8

type Service struct {
	logger   zerolog.Logger
	registry *session.Registry
	hub      *relay.Hub
	status   *status.Service
	store    credentials.Store
}

func NewService(logger zerolog.Logger, registry *session.Registry, hub *relay.Hub, store credentials.Store) *Service {
	return &Service{
		logger:   logger.With().Str("component", "gateway").Logger(),
		registry: registry,
		hub:      hub,
		status:   status.New(registry),
		store:    store,
	}
}

func (s *Service) Connect(ctx context.Context, tenantID string) (types.Snapshot, error) {
	snap, err := s.registry.Connect(ctx, tenantID)
	if err != nil {
		s.logger.Warn().Str("tenant_id", tenantID).Err(err).Msg("connect failed")
		return types.Snapshot{}, err
	}
	return snap, nil
}

// Disconnect keeps the stored credentials. Disconnecting an absent tenant is
// not an error.
func (s *Service) Disconnect(ctx context.Context, tenantID string) error {
	return s.registry.Remove(ctx, tenantID)
}

func (s *Service) Logout(ctx context.Context, tenantID string) error {
	return s.registry.Logout(ctx, tenantID)
}

func (s *Service) Send(ctx context.Context, tenantID, chatID string, msg types.OutboundMessage) (types.NormalizedMessage, error) {
	if strings.TrimSpace(chatID) == "" {
		return types.NormalizedMessage{}, fmt.Errorf("%w: chat_id is required", session.ErrInvalidCommand)
	}
	if err := msg.Validate(); err != nil {
		return types.NormalizedMessage{}, fmt.Errorf("%w: %w", session.ErrInvalidCommand, err)
	}
	sess, err := s.live(tenantID, "send")
	if err != nil {
		return types.NormalizedMessage{}, err
	}
	return sess.Send(ctx, chatID, msg)
}

func (s *Service) FetchChats(ctx context.Context, tenantID string) ([]types.Chat, error) {
	sess, err := s.live(tenantID, "fetch_chats")
	if err != nil {
		return nil, err
	}
	return sess.FetchChats(ctx)
}

func (s *Service) FetchMessages(ctx context.Context, tenantID, chatID string, limit int) ([]types.NormalizedMessage, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, fmt.Errorf("%w: chat_id is required", session.ErrInvalidCommand)
	}
	sess, err := s.live(tenantID, "fetch_messages")
	if err != nil {
		return nil, err
	}
	return sess.FetchMessages(ctx, chatID, limit)
}

// Subscribe joins the tenant's relay topic. The subscription starts with a
// replay of the current snapshot; Close on it unsubscribes.
func (s *Service) Subscribe(tenantID string) (*relay.Subscription, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, session.ErrTenantRequired
	}
	return s.hub.Subscribe(tenantID), nil
}

func (s *Service) Status(tenantID string) (types.Snapshot, error) {
	return s.status.Lookup(tenantID)
}

func (s *Service) Tenants() []string {
	return s.registry.Tenants()
}

// Restore reconnects every tenant with a stored credential bundle. One
// tenant failing does not stop the others.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	tenants, err := s.store.Tenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stored tenants: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(restoreConcurrency)
	results := make([]bool, len(tenants))
	for i, tenantID := range tenants {
		g.Go(func() error {
			if _, err := s.registry.Connect(ctx, tenantID); err != nil {
				s.logger.Warn().Str("tenant_id", tenantID).Err(err).Msg("restore failed")
				return nil
			}
			results[i] = true
			return nil
		})
	}
	_ = g.Wait()

	restored := 0
	for _, ok := range results {
		if ok {
			restored++
		}
	}
	s.logger.Info().Int("stored", len(tenants)).Int("restored", restored).Msg("restored sessions")
	return restored, ctx.Err()
}

// Shutdown disconnects every session, keeping credentials, then ends every
// subscription.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.registry.Shutdown(ctx)
	s.hub.Close()
	return err
}

func (s *Service) live(tenantID, command string) (*session.Session, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, session.ErrTenantRequired
	}
	sess, ok := s.registry.Get(tenantID)
	if !ok {
		return nil, &session.CommandRejectedError{Command: command, State: types.SessionStateIdle}
	}
	return sess, nil
}

// IsAbsent reports whether err means the tenant has no live session.
func IsAbsent(err error) bool {
	return errors.Is(err, status.ErrAbsent)
}

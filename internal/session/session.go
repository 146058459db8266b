package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"crabstack.local/crab-relay/internal/adapter"
	"crabstack.local/crab-relay/internal/credentials"
	"crabstack.local/crab-relay/internal/metrics"
	"crabstack.local/crab-relay/internal/types"
)

const (
	defaultMailboxSize    = 64
	defaultFetchLimit     = 50
	defaultPairingTTL     = 60 * time.Second
	defaultCommandTimeout = 30 * time.Second
)

// Publisher receives every event a session emits. commit must run before the
// event reaches any subscriber, under the same per-tenant ordering that
// serialises replay for joining subscribers.
type Publisher interface {
	Publish(ev types.Event, commit func())
}

type PublishFunc func(ev types.Event, commit func())

func (f PublishFunc) Publish(ev types.Event, commit func()) {
	f(ev, commit)
}

type Config struct {
	PairingCodeTTL      time.Duration
	ReconnectDelay      time.Duration
	MaxTransientRetries int
	CommandTimeout      time.Duration
	Shards              int
}

func DefaultConfig() Config {
	return Config{
		PairingCodeTTL:      defaultPairingTTL,
		ReconnectDelay:      3 * time.Second,
		MaxTransientRetries: 1,
		CommandTimeout:      defaultCommandTimeout,
		Shards:              32,
	}
}

func (c Config) withDefaults() Config {
	if c.PairingCodeTTL <= 0 {
		c.PairingCodeTTL = defaultPairingTTL
	}
	if c.ReconnectDelay < 0 {
		c.ReconnectDelay = 0
	}
	if c.MaxTransientRetries < 0 {
		c.MaxTransientRetries = 0
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.Shards <= 0 {
		c.Shards = 32
	}
	return c
}

// Session is the lifecycle controller for one tenant. All mutable state is
// owned by the run goroutine; callers reach it through the mailbox.
type Session struct {
	tenantID  string
	cfg       Config
	factory   adapter.Factory
	store     credentials.Store
	publisher Publisher
	logger    zerolog.Logger
	onEnd     func()

	mailbox chan func()
	booted  chan struct{}
	bootErr error
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	snapshot atomic.Pointer[types.Snapshot]

	state        types.SessionState
	account      *types.Account
	pairing      *types.PairingCode
	retries      int
	adapter      adapter.Adapter
	events       <-chan adapter.Event
	pairingTimer *time.Timer
	retryTimer   *time.Timer
	stopped      bool
}

func newSession(tenantID string, cfg Config, factory adapter.Factory, store credentials.Store, publisher Publisher, logger zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		tenantID:  tenantID,
		cfg:       cfg,
		factory:   factory,
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("tenant_id", tenantID).Logger(),
		mailbox:   make(chan func(), defaultMailboxSize),
		booted:    make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		state:     types.SessionStateIdle,
	}
	idle := types.IdleSnapshot(tenantID)
	idle.UpdatedAt = time.Now().UTC()
	s.snapshot.Store(&idle)
	return s
}

func (s *Session) TenantID() string {
	return s.tenantID
}

// Snapshot returns the state carried by the most recently published event.
func (s *Session) Snapshot() types.Snapshot {
	return s.snapshot.Load().Clone()
}

// Done is closed once the session has returned to idle and stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	s.guard("connect", s.boot)
	if s.stopped && s.bootErr == nil {
		s.bootErr = fmt.Errorf("%w: session failed to start", ErrInternalFault)
	}
	close(s.booted)

	for !s.stopped {
		select {
		case cmd := <-s.mailbox:
			s.guard("command", cmd)
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				ev = adapter.Closed(adapter.CauseUnknown, "adapter event stream ended")
			}
			s.guard("adapter event", func() { s.handleAdapterEvent(ev) })
		case <-timerC(s.pairingTimer):
			s.pairingTimer = nil
			s.guard("pairing expiry", s.handlePairingExpiry)
		case <-timerC(s.retryTimer):
			s.retryTimer = nil
			s.guard("reconnect", s.handleReconnect)
		}
	}
}

// guard keeps a panic inside one tenant's handling from taking the process
// down; the tenant is failed with an internal fault instead.
func (s *Session) guard(stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: panic during %s: %v", ErrInternalFault, stage, r)
			s.logger.Error().Err(err).Str("stage", stage).Msg("recovered session panic")
			if s.stopped {
				return
			}
			s.publish(types.ErrorEvent(s.tenantID, err.Error()), nil, false)
			s.finish(types.ReasonInternalFault, false, err)
		}
	}()
	fn()
}

func (s *Session) boot() {
	if err := s.openAdapter(); err != nil {
		s.logger.Error().Err(err).Msg("adapter construction failed")
		s.bootErr = err
		s.stopped = true
		s.publish(types.ErrorEvent(s.tenantID, err.Error()), nil, true)
		return
	}
	s.transition(types.SessionStateConnecting)
}

func (s *Session) openAdapter() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CommandTimeout)
	defer cancel()

	bundle, err := s.store.Load(ctx, s.tenantID)
	if err != nil && !errors.Is(err, credentials.ErrNotFound) {
		return fmt.Errorf("%w: load credentials: %w", ErrInternalFault, err)
	}
	a, err := s.factory.New(ctx, s.tenantID, bundle)
	if err != nil {
		return fmt.Errorf("%w: build adapter: %w", ErrInternalFault, err)
	}
	if a == nil {
		return fmt.Errorf("%w: adapter factory returned nil", ErrInternalFault)
	}
	if err := a.Start(s.ctx); err != nil {
		_ = a.Close()
		return fmt.Errorf("%w: start adapter: %w", ErrInternalFault, err)
	}
	s.adapter = a
	s.events = a.Events()
	s.logger.Debug().Bool("resumed", len(bundle) > 0).Msg("adapter started")
	return nil
}

func (s *Session) releaseAdapter() {
	if s.adapter == nil {
		return
	}
	if err := s.adapter.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("adapter close failed")
	}
	s.adapter = nil
	s.events = nil
}

func (s *Session) handleAdapterEvent(ev adapter.Event) {
	switch ev.Kind {
	case adapter.EventPairingCode:
		s.handlePairingCode(ev.PairingCode)
	case adapter.EventPairingConsumed:
		if s.state == types.SessionStateAwaitingPairing {
			s.transition(types.SessionStateConnecting)
		}
	case adapter.EventAuthenticated:
		s.handleAuthenticated(ev.Account)
	case adapter.EventMessage:
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		if msg.Direction == "" {
			msg.Direction = types.MessageDirectionInbound
		}
		s.publish(types.MessageEvent(s.tenantID, msg), nil, false)
	case adapter.EventReceipt:
		if ev.Receipt != nil {
			s.publish(types.MessageStatusEvent(s.tenantID, *ev.Receipt), nil, false)
		}
	case adapter.EventCredentials:
		s.saveCredentials(ev.Credentials)
	case adapter.EventClosed:
		s.handleClose(ev.Cause, ev.Reason)
	default:
		s.logger.Warn().Str("kind", string(ev.Kind)).Msg("ignoring unknown adapter event")
	}
}

func (s *Session) handlePairingCode(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}
	if s.state != types.SessionStateConnecting && s.state != types.SessionStateAwaitingPairing {
		s.logger.Warn().Str("state", string(s.state)).Msg("ignoring pairing code outside of pairing")
		return
	}
	if s.state != types.SessionStateAwaitingPairing {
		s.transition(types.SessionStateAwaitingPairing)
	}

	now := time.Now().UTC()
	s.pairing = &types.PairingCode{
		Code:      code,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.PairingCodeTTL),
	}
	s.stopPairingTimer()
	s.pairingTimer = time.NewTimer(s.cfg.PairingCodeTTL)

	snap := s.buildSnapshot()
	s.publish(types.PairingCodeEvent(s.tenantID, *s.pairing), &snap, false)
}

func (s *Session) handlePairingExpiry() {
	if s.state != types.SessionStateAwaitingPairing || s.pairing == nil {
		return
	}
	if remaining := time.Until(s.pairing.ExpiresAt); remaining > 0 {
		s.pairingTimer = time.NewTimer(remaining)
		return
	}

	s.logger.Info().Msg("pairing code expired, requesting a fresh one")
	s.transition(types.SessionStateConnecting)
	a := s.adapter
	if a == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CommandTimeout)
		defer cancel()
		if err := a.RequestPairingCode(ctx); err != nil {
			s.post(func() {
				if s.adapter != a {
					return
				}
				s.logger.Warn().Err(err).Msg("pairing code refresh failed")
				s.publish(types.ErrorEvent(s.tenantID, "pairing code refresh failed: "+err.Error()), nil, false)
			})
		}
	}()
}

func (s *Session) handleAuthenticated(account *types.Account) {
	var captured types.Account
	if account != nil {
		captured = *account
	}
	switch s.state {
	case types.SessionStateConnecting, types.SessionStateAwaitingPairing:
		s.retries = 0
		s.account = &captured
		s.transition(types.SessionStateConnected)
		s.logger.Info().Str("external_id", captured.ExternalID).Msg("session connected")
	case types.SessionStateConnected:
		s.account = &captured
		snap := s.buildSnapshot()
		s.publish(types.StatusEvent(s.tenantID, s.state, snap.Account), &snap, false)
	}
}

func (s *Session) saveCredentials(bundle []byte) {
	if len(bundle) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CommandTimeout)
	defer cancel()
	if err := s.store.Save(ctx, s.tenantID, bundle); err != nil {
		s.logger.Error().Err(err).Msg("persist credentials failed")
		s.publish(types.ErrorEvent(s.tenantID, "persist credentials failed: "+err.Error()), nil, false)
	}
}

func (s *Session) handleClose(cause adapter.CloseCause, raw string) {
	if !s.state.Active() {
		return
	}
	decision := Decide(cause, raw, s.retries, s.cfg.MaxTransientRetries)
	metrics.RecordReconnectDecision(string(decision.Action))
	s.logger.Info().
		Str("cause", string(cause)).
		Str("raw_reason", raw).
		Str("action", string(decision.Action)).
		Int("retry_count", s.retries).
		Msg("adapter closed")

	switch decision.Action {
	case ActionRetry:
		s.releaseAdapter()
		s.retries++
		s.transition(types.SessionStateConnecting)
		s.retryTimer = time.NewTimer(s.cfg.ReconnectDelay)
	case ActionPurge:
		s.releaseAdapter()
		if err := s.purge(); err != nil {
			s.publish(types.ErrorEvent(s.tenantID, err.Error()), nil, false)
		}
		s.finish(decision.Reason, true, decision.Class)
	default:
		s.finish(decision.Reason, false, decision.Class)
	}
}

func (s *Session) handleReconnect() {
	if s.state != types.SessionStateConnecting || s.adapter != nil {
		return
	}
	if err := s.openAdapter(); err != nil {
		s.logger.Error().Err(err).Msg("reconnect failed")
		s.publish(types.ErrorEvent(s.tenantID, err.Error()), nil, false)
		s.finish(types.ReasonInternalFault, false, err)
	}
}

func (s *Session) purge() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CommandTimeout)
	defer cancel()
	if err := s.store.Purge(ctx, s.tenantID); err != nil {
		s.logger.Error().Err(err).Msg("purge credentials failed")
		return fmt.Errorf("%w: purge credentials: %w", ErrInternalFault, err)
	}
	return nil
}

// finish tears the adapter down and returns the session to idle. The closing
// disconnected event removes the tenant from the registry.
func (s *Session) finish(reason string, terminal bool, cause error) {
	s.stopRetryTimer()
	s.releaseAdapter()
	s.transition(types.SessionStateIdle)

	ev := types.DisconnectedEvent(s.tenantID, reason, terminal)
	if cause != nil {
		ev.Error = cause.Error()
	}
	s.stopped = true
	s.publish(ev, nil, true)
}

func (s *Session) transition(next types.SessionState) {
	prev := s.state
	s.state = next
	if next != types.SessionStateAwaitingPairing {
		s.pairing = nil
		s.stopPairingTimer()
	}
	if next != types.SessionStateConnected {
		s.account = nil
	}
	metrics.RecordTransition(string(prev), string(next))
	s.logger.Debug().Str("from", string(prev)).Str("to", string(next)).Int("retry_count", s.retries).Msg("session transition")

	snap := s.buildSnapshot()
	s.publish(types.StatusEvent(s.tenantID, next, snap.Account), &snap, false)
}

func (s *Session) reannounce() {
	snap := s.Snapshot()
	s.publish(types.StatusEvent(s.tenantID, snap.State, snap.Account), nil, false)
	if snap.PairingCode != nil {
		s.publish(types.PairingCodeEvent(s.tenantID, *snap.PairingCode), nil, false)
	}
}

func (s *Session) buildSnapshot() types.Snapshot {
	snap := types.Snapshot{
		TenantID:   s.tenantID,
		State:      s.state,
		RetryCount: s.retries,
		UpdatedAt:  time.Now().UTC(),
	}
	if s.account != nil {
		account := *s.account
		snap.Account = &account
	}
	if s.pairing != nil {
		code := *s.pairing
		snap.PairingCode = &code
	}
	return snap
}

func (s *Session) publish(ev types.Event, snap *types.Snapshot, final bool) {
	ev.TenantID = s.tenantID
	commit := func() {
		if snap != nil {
			s.snapshot.Store(snap)
		}
		if final && s.onEnd != nil {
			s.onEnd()
		}
	}
	if s.publisher == nil {
		commit()
		return
	}
	s.publisher.Publish(ev, commit)
}

func (s *Session) stopPairingTimer() {
	if s.pairingTimer != nil {
		s.pairingTimer.Stop()
		s.pairingTimer = nil
	}
}

func (s *Session) stopRetryTimer() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

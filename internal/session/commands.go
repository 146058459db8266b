package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crabstack.local/crab-relay/internal/adapter"
	"crabstack.local/crab-relay/internal/types"
)

// call runs fn on the session goroutine and waits for its result. If fn
// panics the caller receives an internal fault.
func (s *Session) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	cmd := func() {
		err := fmt.Errorf("%w: command aborted", ErrInternalFault)
		defer func() { reply <- err }()
		err = fn()
	}

	select {
	case s.mailbox <- cmd:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting for it to run.
func (s *Session) post(fn func()) bool {
	select {
	case s.mailbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) awaitBoot(ctx context.Context) (types.Snapshot, error) {
	select {
	case <-s.booted:
		if s.bootErr != nil {
			return types.Snapshot{}, s.bootErr
		}
		return s.Snapshot(), nil
	case <-ctx.Done():
		return types.Snapshot{}, ctx.Err()
	}
}

// Connect on a live session does not touch the adapter; it re-announces the
// current state (and pending pairing code) to every subscriber.
func (s *Session) Connect(ctx context.Context) (types.Snapshot, error) {
	var snap types.Snapshot
	err := s.call(ctx, func() error {
		if !s.state.Active() {
			return ErrSessionClosed
		}
		s.reannounce()
		snap = s.Snapshot()
		return nil
	})
	if err != nil {
		return types.Snapshot{}, err
	}
	return snap, nil
}

// Disconnect tears the adapter down and keeps the stored credentials. Any
// pending reconnect is cancelled.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.close(ctx, types.ReasonDisconnected)
}

func (s *Session) shutdown(ctx context.Context) error {
	return s.close(ctx, types.ReasonShutdown)
}

func (s *Session) close(ctx context.Context, reason string) error {
	return s.call(ctx, func() error {
		if !s.state.Active() {
			return nil
		}
		s.transition(types.SessionStateClosing)
		s.finish(reason, false, nil)
		return nil
	})
}

// Logout asks the remote side to forget this device, then purges the stored
// credentials so the next connect starts from pairing.
func (s *Session) Logout(ctx context.Context) error {
	return s.call(ctx, func() error {
		if !s.state.Active() {
			return nil
		}
		s.transition(types.SessionStateClosing)
		s.stopRetryTimer()
		if a := s.adapter; a != nil {
			logoutCtx, cancel := context.WithTimeout(s.ctx, s.cfg.CommandTimeout)
			if err := a.Logout(logoutCtx); err != nil {
				s.logger.Warn().Err(err).Msg("adapter logout failed")
			}
			cancel()
		}
		s.releaseAdapter()
		purgeErr := s.purge()
		s.finish(types.ReasonLoggedOut, true, nil)
		return purgeErr
	})
}

func (s *Session) Send(ctx context.Context, chatID string, msg types.OutboundMessage) (types.NormalizedMessage, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return types.NormalizedMessage{}, fmt.Errorf("%w: chat_id is required", ErrInvalidCommand)
	}
	if err := msg.Validate(); err != nil {
		return types.NormalizedMessage{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}

	a, err := s.connectedAdapter(ctx, "send")
	if err != nil {
		return types.NormalizedMessage{}, err
	}
	sent, err := a.SendMessage(ctx, chatID, msg)
	if err != nil {
		return types.NormalizedMessage{}, fmt.Errorf("%w: send message: %w", ErrInternalFault, err)
	}
	sent = normalizeOutbound(sent, chatID, msg)
	s.broadcast(ctx, types.MessageEvent(s.tenantID, sent))
	return sent, nil
}

func (s *Session) FetchChats(ctx context.Context) ([]types.Chat, error) {
	a, err := s.connectedAdapter(ctx, "fetch_chats")
	if err != nil {
		return nil, err
	}
	chats, err := a.FetchChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch chats: %w", ErrInternalFault, err)
	}
	if chats == nil {
		chats = []types.Chat{}
	}
	s.broadcast(ctx, types.ChatsEvent(s.tenantID, chats))
	return chats, nil
}

func (s *Session) FetchMessages(ctx context.Context, chatID string, limit int) ([]types.NormalizedMessage, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, fmt.Errorf("%w: chat_id is required", ErrInvalidCommand)
	}
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	a, err := s.connectedAdapter(ctx, "fetch_messages")
	if err != nil {
		return nil, err
	}
	messages, err := a.FetchMessages(ctx, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch messages: %w", ErrInternalFault, err)
	}
	if messages == nil {
		messages = []types.NormalizedMessage{}
	}
	s.broadcast(ctx, types.MessagesEvent(s.tenantID, chatID, messages))
	return messages, nil
}

// connectedAdapter captures the adapter for I/O on the caller's goroutine.
// Outside of connected the command is rejected before any adapter I/O.
func (s *Session) connectedAdapter(ctx context.Context, command string) (adapter.Adapter, error) {
	var a adapter.Adapter
	err := s.call(ctx, func() error {
		if s.state != types.SessionStateConnected || s.adapter == nil {
			return rejected(command, s.state)
		}
		a = s.adapter
		return nil
	})
	if errors.Is(err, ErrSessionClosed) {
		return nil, rejected(command, types.SessionStateIdle)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// broadcast publishes a command result through the session goroutine so it
// is ordered with the tenant's other events. The caller's cancellation does
// not suppress it; the I/O already happened.
func (s *Session) broadcast(ctx context.Context, ev types.Event) {
	_ = s.call(context.WithoutCancel(ctx), func() error {
		s.publish(ev, nil, false)
		return nil
	})
}

func normalizeOutbound(sent types.NormalizedMessage, chatID string, msg types.OutboundMessage) types.NormalizedMessage {
	if sent.ChatID == "" {
		sent.ChatID = chatID
	}
	sent.Direction = types.MessageDirectionOutbound
	if sent.Kind == "" {
		sent.Kind = msg.Kind
		if sent.Kind == "" {
			sent.Kind = types.MessageKindText
		}
	}
	if sent.Timestamp.IsZero() {
		sent.Timestamp = time.Now().UTC()
	}
	if sent.DeliveryStatus == "" {
		sent.DeliveryStatus = types.DeliveryStatusSent
	}
	return sent
}

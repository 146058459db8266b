package logging

import (
	"context"

	"github.com/rs/zerolog"

	"crabstack.local/crab-relay/internal/types"
)

type Subscriber struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Subscriber {
	return &Subscriber{logger: logger.With().Str("component", "events").Logger()}
}

func (s *Subscriber) Name() string {
	return "logging"
}

func (s *Subscriber) Handle(_ context.Context, event types.Event) error {
	entry := s.logger.Info().
		Str("tenant_id", event.TenantID).
		Str("type", string(event.Type)).
		Uint64("seq", event.Seq)
	switch event.Type {
	case types.EventTypeStatus:
		entry = entry.Str("state", string(event.State))
		if event.Account != nil {
			entry = entry.Str("external_id", event.Account.ExternalID)
		}
	case types.EventTypePairingCode:
		if event.Pairing != nil {
			entry = entry.Time("expires_at", event.Pairing.ExpiresAt)
		}
	case types.EventTypeMessage:
		if event.Message != nil {
			entry = entry.Str("message_id", event.Message.ID).
				Str("chat_id", event.Message.ChatID).
				Str("direction", string(event.Message.Direction))
		}
	case types.EventTypeMessageStatus:
		if event.Receipt != nil {
			entry = entry.Str("message_id", event.Receipt.MessageID).Str("status", string(event.Receipt.Status))
		}
	case types.EventTypeDisconnected:
		entry = entry.Str("reason", event.Reason).Bool("terminal", event.Terminal)
	case types.EventTypeError:
		entry = entry.Str("error", event.Error)
	case types.EventTypeChats:
		entry = entry.Int("chats", len(event.Chats))
	case types.EventTypeMessages:
		entry = entry.Str("chat_id", event.ChatID).Int("messages", len(event.Messages))
	}
	entry.Msg("relay event")
	return nil
}

// Package discord adapts a bot-token Discord gateway connection to the
// session adapter boundary. Bots never pair: a tenant's credential bundle is
// its bot token, falling back to the configured default token.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"crabstack.local/crab-relay/internal/adapter"
	"crabstack.local/crab-relay/internal/types"
)

const (
	eventBuffer      = 64
	maxFetchMessages = 100
)

var ErrClosed = errors.New("discord adapter closed")

type Config struct {
	BotToken string
	Logger   zerolog.Logger

	newSession func(token string) (gatewaySession, error)
}

func NewFactory(cfg Config) adapter.Factory {
	if cfg.newSession == nil {
		cfg.newSession = newLiveSession
	}
	return adapter.FactoryFunc(func(_ context.Context, tenantID string, credentials []byte) (adapter.Adapter, error) {
		return newAdapter(cfg, tenantID, credentials)
	})
}

type Adapter struct {
	tenantID    string
	token       string
	persistable bool
	logger      zerolog.Logger

	session gatewaySession
	events  chan adapter.Event
	done    chan struct{}

	mu        sync.Mutex
	selfID    string
	started   bool
	closed    bool
	closeOnce sync.Once
	removers  []func()
}

func newAdapter(cfg Config, tenantID string, credentials []byte) (*Adapter, error) {
	token := strings.TrimSpace(string(credentials))
	persistable := false
	if token == "" {
		token = strings.TrimSpace(cfg.BotToken)
		persistable = token != ""
	}
	a := &Adapter{
		tenantID:    tenantID,
		token:       token,
		persistable: persistable,
		logger:      cfg.Logger.With().Str("component", "discord").Str("tenant_id", tenantID).Logger(),
		events:      make(chan adapter.Event, eventBuffer),
		done:        make(chan struct{}),
	}
	if token == "" {
		return a, nil
	}
	session, err := cfg.newSession(token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	a.session = session
	return a, nil
}

func (a *Adapter) Start(_ context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	if a.session == nil {
		go a.emit(adapter.Closed(adapter.CauseAuthRejected, "discord bot token is not configured"))
		return nil
	}

	a.mu.Lock()
	a.removers = append(a.removers,
		a.session.AddHandler(a.onReady),
		a.session.AddHandler(a.onMessageCreate),
		a.session.AddHandler(a.onDisconnect),
	)
	a.mu.Unlock()

	go func() {
		if err := a.session.Open(); err != nil {
			if a.isClosed() {
				return
			}
			a.emit(adapter.Closed(classifyOpenError(err), fmt.Sprintf("open discord session: %v", err)))
		}
	}()
	return nil
}

func (a *Adapter) Events() <-chan adapter.Event {
	return a.events
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	a.mu.Lock()
	a.selfID = r.User.ID
	a.mu.Unlock()

	if a.persistable {
		a.emit(adapter.Event{Kind: adapter.EventCredentials, Credentials: []byte(a.token)})
	}
	a.emit(adapter.Event{Kind: adapter.EventAuthenticated, Account: &types.Account{
		ExternalID:    r.User.ID,
		DisplayName:   r.User.Username,
		AddressHandle: r.User.String(),
	}})
}

func (a *Adapter) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.ID == a.self() {
		return
	}
	msg := normalizeMessage(m.Message, a.self())
	a.emit(adapter.Event{Kind: adapter.EventMessage, Message: &msg})
}

func (a *Adapter) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	if a.isClosed() {
		return
	}
	a.emit(adapter.Closed(adapter.CauseStreamError, "discord gateway disconnected"))
}

func (a *Adapter) SendMessage(ctx context.Context, chatID string, msg types.OutboundMessage) (types.NormalizedMessage, error) {
	if err := a.ready(ctx); err != nil {
		return types.NormalizedMessage{}, err
	}
	sent, err := a.session.Send(chatID, buildMessageSend(chatID, msg))
	if err != nil {
		return types.NormalizedMessage{}, fmt.Errorf("discord send: %w", err)
	}
	out := normalizeMessage(sent, a.self())
	out.DeliveryStatus = types.DeliveryStatusSent
	return out, nil
}

func (a *Adapter) FetchChats(ctx context.Context) ([]types.Chat, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	channels, err := a.session.Channels()
	if err != nil {
		return nil, fmt.Errorf("discord channels: %w", err)
	}
	chats := make([]types.Chat, 0, len(channels))
	for _, channel := range channels {
		if channel == nil {
			continue
		}
		chats = append(chats, types.Chat{
			ID:      channel.ID,
			Name:    channelName(channel),
			IsGroup: channel.Type != discordgo.ChannelTypeDM,
		})
	}
	return chats, nil
}

func (a *Adapter) FetchMessages(ctx context.Context, chatID string, limit int) ([]types.NormalizedMessage, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxFetchMessages {
		limit = maxFetchMessages
	}
	history, err := a.session.Messages(chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("discord messages: %w", err)
	}
	self := a.self()
	out := make([]types.NormalizedMessage, 0, len(history))
	// Discord returns newest first.
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] == nil {
			continue
		}
		out = append(out, normalizeMessage(history[i], self))
	}
	return out, nil
}

// RequestPairingCode is a no-op: bot sessions authenticate with a token.
func (a *Adapter) RequestPairingCode(context.Context) error {
	return nil
}

// Logout only drops the gateway connection; a bot token cannot be revoked
// from the gateway.
func (a *Adapter) Logout(context.Context) error {
	return a.Close()
}

func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		removers := a.removers
		a.removers = nil
		a.mu.Unlock()
		close(a.done)

		for _, remove := range removers {
			remove()
		}
		if a.session != nil {
			err = a.session.Close()
		}
	})
	return err
}

func (a *Adapter) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.isClosed() || a.session == nil {
		return ErrClosed
	}
	return nil
}

func (a *Adapter) emit(ev adapter.Event) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Adapter) self() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selfID
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func classifyOpenError(err error) adapter.CloseCause {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "4004") || strings.Contains(msg, "authentication failed") || strings.Contains(msg, "401") {
		return adapter.CauseAuthRejected
	}
	return adapter.CauseStreamError
}

func buildMessageSend(chatID string, msg types.OutboundMessage) *discordgo.MessageSend {
	content := msg.Body
	if msg.Kind != "" && msg.Kind != types.MessageKindText {
		parts := make([]string, 0, 2)
		if caption := strings.TrimSpace(msg.Caption); caption != "" {
			parts = append(parts, caption)
		}
		parts = append(parts, strings.TrimSpace(msg.MediaURL))
		content = strings.Join(parts, "\n")
	}
	send := &discordgo.MessageSend{Content: content}
	if quoted := strings.TrimSpace(msg.QuotedID); quoted != "" {
		send.Reference = &discordgo.MessageReference{MessageID: quoted, ChannelID: chatID}
	}
	return send
}

func normalizeMessage(m *discordgo.Message, selfID string) types.NormalizedMessage {
	out := types.NormalizedMessage{
		ID:             m.ID,
		ChatID:         m.ChannelID,
		Direction:      types.MessageDirectionInbound,
		Kind:           types.MessageKindText,
		Body:           m.Content,
		Timestamp:      m.Timestamp.UTC(),
		DeliveryStatus: types.DeliveryStatusDelivered,
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	if m.Author != nil {
		out.SenderID = m.Author.ID
		out.PushName = m.Author.Username
		if selfID != "" && m.Author.ID == selfID {
			out.Direction = types.MessageDirectionOutbound
			out.DeliveryStatus = types.DeliveryStatusSent
		}
	}
	if m.MessageReference != nil {
		out.QuotedID = m.MessageReference.MessageID
	}
	if len(m.Attachments) > 0 && m.Attachments[0] != nil {
		attachment := m.Attachments[0]
		out.Kind = attachmentKind(attachment.ContentType)
		out.MediaURL = attachment.URL
		out.MimeType = attachment.ContentType
		out.FileName = attachment.Filename
		out.Caption = m.Content
	}
	return out
}

func attachmentKind(contentType string) types.MessageKind {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return types.MessageKindImage
	case strings.HasPrefix(contentType, "audio/"):
		return types.MessageKindAudio
	case strings.HasPrefix(contentType, "video/"):
		return types.MessageKindVideo
	default:
		return types.MessageKindDocument
	}
}

func channelName(channel *discordgo.Channel) string {
	if name := strings.TrimSpace(channel.Name); name != "" {
		return name
	}
	names := make([]string, 0, len(channel.Recipients))
	for _, recipient := range channel.Recipients {
		if recipient != nil {
			names = append(names, recipient.Username)
		}
	}
	return strings.Join(names, ", ")
}

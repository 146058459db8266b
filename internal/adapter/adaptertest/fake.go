// Package adaptertest provides a scriptable in-memory adapter for tests.
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crabstack.local/crab-relay/internal/adapter"
	"crabstack.local/crab-relay/internal/types"
)

var ErrAdapterClosed = errors.New("fake adapter closed")

type SentMessage struct {
	ChatID  string
	Message types.OutboundMessage
}

// Adapter is driven from the test through its Emit helpers.
type Adapter struct {
	TenantID    string
	Credentials []byte

	// OnStart runs inside Start, after the adapter is marked started.
	OnStart func(*Adapter)

	SendErr  error
	FetchErr error
	Chats    []types.Chat
	History  map[string][]types.NormalizedMessage

	events    chan adapter.Event
	done      chan struct{}
	closeOnce sync.Once

	mu              sync.Mutex
	started         bool
	closed          bool
	loggedOut       bool
	sent            []SentMessage
	fetchCalls      int
	pairingRequests int
}

func NewAdapter(tenantID string, credentials []byte) *Adapter {
	return &Adapter{
		TenantID:    tenantID,
		Credentials: credentials,
		History:     make(map[string][]types.NormalizedMessage),
		events:      make(chan adapter.Event, 64),
		done:        make(chan struct{}),
	}
}

func (a *Adapter) Start(context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAdapterClosed
	}
	a.started = true
	onStart := a.OnStart
	a.mu.Unlock()
	if onStart != nil {
		onStart(a)
	}
	return nil
}

func (a *Adapter) Events() <-chan adapter.Event {
	return a.events
}

func (a *Adapter) SendMessage(ctx context.Context, chatID string, msg types.OutboundMessage) (types.NormalizedMessage, error) {
	if err := ctx.Err(); err != nil {
		return types.NormalizedMessage{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return types.NormalizedMessage{}, ErrAdapterClosed
	}
	a.sent = append(a.sent, SentMessage{ChatID: chatID, Message: msg})
	if a.SendErr != nil {
		return types.NormalizedMessage{}, a.SendErr
	}
	kind := msg.Kind
	if kind == "" {
		kind = types.MessageKindText
	}
	return types.NormalizedMessage{
		ID:             fmt.Sprintf("out-%d", len(a.sent)),
		ChatID:         chatID,
		Direction:      types.MessageDirectionOutbound,
		Kind:           kind,
		Body:           msg.Body,
		Caption:        msg.Caption,
		MediaURL:       msg.MediaURL,
		Timestamp:      time.Now().UTC(),
		DeliveryStatus: types.DeliveryStatusSent,
	}, nil
}

func (a *Adapter) FetchChats(ctx context.Context) ([]types.Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchCalls++
	if a.FetchErr != nil {
		return nil, a.FetchErr
	}
	return append([]types.Chat(nil), a.Chats...), nil
}

func (a *Adapter) FetchMessages(ctx context.Context, chatID string, limit int) ([]types.NormalizedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchCalls++
	if a.FetchErr != nil {
		return nil, a.FetchErr
	}
	history := a.History[chatID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]types.NormalizedMessage(nil), history...), nil
}

func (a *Adapter) RequestPairingCode(context.Context) error {
	a.mu.Lock()
	a.pairingRequests++
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Logout(context.Context) error {
	a.mu.Lock()
	a.loggedOut = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.done)
	})
	return nil
}

// Emit queues an adapter event unless the adapter has been closed.
func (a *Adapter) Emit(ev adapter.Event) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.events <- ev:
		return true
	case <-a.done:
		return false
	}
}

func (a *Adapter) EmitPairingCode(code string) bool {
	return a.Emit(adapter.Event{Kind: adapter.EventPairingCode, PairingCode: code})
}

func (a *Adapter) EmitPairingConsumed() bool {
	return a.Emit(adapter.Event{Kind: adapter.EventPairingConsumed})
}

func (a *Adapter) EmitAuthenticated(account types.Account) bool {
	return a.Emit(adapter.Event{Kind: adapter.EventAuthenticated, Account: &account})
}

func (a *Adapter) EmitMessage(msg types.NormalizedMessage) bool {
	return a.Emit(adapter.Event{Kind: adapter.EventMessage, Message: &msg})
}

func (a *Adapter) EmitReceipt(receipt types.MessageReceipt) bool {
	return a.Emit(adapter.Event{Kind: adapter.EventReceipt, Receipt: &receipt})
}

func (a *Adapter) EmitCredentials(bundle []byte) bool {
	return a.Emit(adapter.Event{Kind: adapter.EventCredentials, Credentials: bundle})
}

func (a *Adapter) EmitClosed(cause adapter.CloseCause, reason string) bool {
	return a.Emit(adapter.Closed(cause, reason))
}

func (a *Adapter) Started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

func (a *Adapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Adapter) LoggedOut() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loggedOut
}

func (a *Adapter) Sent() []SentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SentMessage(nil), a.sent...)
}

func (a *Adapter) FetchCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetchCalls
}

func (a *Adapter) PairingRequests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pairingRequests
}

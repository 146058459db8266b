// Package wsbridge connects a tenant session to an external protocol engine
// over a WebSocket carrying JSON frames. The engine speaks the messaging
// protocol; this side only translates frames into adapter events.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"crabstack.local/crab-relay/internal/adapter"
	"crabstack.local/crab-relay/internal/ids"
	"crabstack.local/crab-relay/internal/types"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	writeTimeout            = 10 * time.Second
	eventBuffer             = 64
	maxFrameBytes           = 8 << 20
)

var (
	ErrNotConnected = errors.New("engine connection is not established")
	ErrClosed       = errors.New("engine connection closed")
)

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	Header           http.Header
	Logger           zerolog.Logger
}

func NewFactory(cfg Config) adapter.Factory {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return adapter.FactoryFunc(func(_ context.Context, tenantID string, credentials []byte) (adapter.Adapter, error) {
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, fmt.Errorf("wsbridge: engine url is required")
		}
		return New(cfg, tenantID, credentials), nil
	})
}

type Adapter struct {
	cfg         Config
	tenantID    string
	credentials []byte
	logger      zerolog.Logger

	events chan adapter.Event
	done   chan struct{}
	ready  chan struct{}

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	dialErr error
	pending map[string]chan frame
	closed  bool
	started bool

	closeOnce sync.Once
}

func New(cfg Config, tenantID string, credentials []byte) *Adapter {
	return &Adapter{
		cfg:         cfg,
		tenantID:    tenantID,
		credentials: credentials,
		logger:      cfg.Logger.With().Str("component", "wsbridge").Str("tenant_id", tenantID).Logger(),
		events:      make(chan adapter.Event, eventBuffer),
		done:        make(chan struct{}),
		ready:       make(chan struct{}),
		pending:     make(map[string]chan frame),
	}
}

// Start dials the engine in the background. A failed dial or handshake is
// reported as a stream_error close.
func (a *Adapter) Start(ctx context.Context) error {
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

	go a.run(ctx)
	return nil
}

func (a *Adapter) Events() <-chan adapter.Event {
	return a.events
}

func (a *Adapter) run(ctx context.Context) {
	defer close(a.events)

	conn, err := a.dial(ctx)
	a.mu.Lock()
	if err == nil && a.closed {
		_ = conn.Close()
		err = ErrClosed
	}
	if err == nil {
		a.conn = conn
	}
	a.dialErr = err
	a.mu.Unlock()
	close(a.ready)

	if err != nil {
		if !errors.Is(err, ErrClosed) {
			a.emit(adapter.Closed(adapter.CauseStreamError, err.Error()))
		}
		return
	}
	a.readLoop(conn)
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(dialCtx, a.cfg.URL, a.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial engine: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	hello := frame{Type: frameHello, TenantID: a.tenantID, Credentials: a.credentials}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write hello: %w", err)
	}
	return conn, nil
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer a.failPending()
	for {
		var msg frame
		if err := conn.ReadJSON(&msg); err != nil {
			if a.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.emit(adapter.Closed(adapter.CauseUnknown, "engine closed the connection"))
				return
			}
			a.emit(adapter.Closed(adapter.CauseStreamError, err.Error()))
			return
		}

		switch msg.Type {
		case frameResult:
			a.resolve(msg)
		case framePairingCode:
			a.emit(adapter.Event{Kind: adapter.EventPairingCode, PairingCode: msg.Code})
		case framePairingConsumed:
			a.emit(adapter.Event{Kind: adapter.EventPairingConsumed})
		case frameAuthenticated:
			a.emit(adapter.Event{Kind: adapter.EventAuthenticated, Account: msg.Account})
		case frameMessage:
			if msg.Message != nil {
				a.emit(adapter.Event{Kind: adapter.EventMessage, Message: msg.Message})
			}
		case frameReceipt:
			if msg.Receipt != nil {
				a.emit(adapter.Event{Kind: adapter.EventReceipt, Receipt: msg.Receipt})
			}
		case frameCredentials:
			if len(msg.Credentials) > 0 {
				a.emit(adapter.Event{Kind: adapter.EventCredentials, Credentials: msg.Credentials})
			}
		case frameClosed:
			reason := msg.Reason
			if reason == "" {
				reason = msg.Cause
			}
			a.emit(adapter.Closed(adapter.ParseCause(msg.Cause), reason))
			return
		default:
			a.logger.Debug().Str("frame", msg.Type).Msg("ignoring unknown engine frame")
		}
	}
}

func (a *Adapter) emit(ev adapter.Event) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Adapter) SendMessage(ctx context.Context, chatID string, msg types.OutboundMessage) (types.NormalizedMessage, error) {
	reply, err := a.request(ctx, frame{Type: frameSend, ChatID: chatID, Outbound: &msg})
	if err != nil {
		return types.NormalizedMessage{}, err
	}
	if reply.Message == nil {
		return types.NormalizedMessage{}, fmt.Errorf("engine returned no message for send")
	}
	return *reply.Message, nil
}

func (a *Adapter) FetchChats(ctx context.Context) ([]types.Chat, error) {
	reply, err := a.request(ctx, frame{Type: frameFetchChats})
	if err != nil {
		return nil, err
	}
	return reply.Chats, nil
}

func (a *Adapter) FetchMessages(ctx context.Context, chatID string, limit int) ([]types.NormalizedMessage, error) {
	reply, err := a.request(ctx, frame{Type: frameFetchMessages, ChatID: chatID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return reply.Messages, nil
}

func (a *Adapter) RequestPairingCode(ctx context.Context) error {
	return a.write(ctx, frame{Type: frameRequestPairingCode})
}

func (a *Adapter) Logout(ctx context.Context) error {
	_, err := a.request(ctx, frame{Type: frameLogout})
	return err
}

func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		conn := a.conn
		a.mu.Unlock()
		close(a.done)

		if conn != nil {
			a.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(500*time.Millisecond))
			a.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	return nil
}

func (a *Adapter) request(ctx context.Context, req frame) (frame, error) {
	req.RequestID = ids.Prefixed("req")
	reply := make(chan frame, 1)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return frame{}, ErrClosed
	}
	a.pending[req.RequestID] = reply
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, req.RequestID)
		a.mu.Unlock()
	}()

	if err := a.write(ctx, req); err != nil {
		return frame{}, err
	}

	select {
	case res, ok := <-reply:
		if !ok {
			return frame{}, ErrClosed
		}
		if !res.OK {
			msg := strings.TrimSpace(res.Error)
			if msg == "" {
				msg = "request failed"
			}
			return frame{}, fmt.Errorf("engine %s: %s", req.Type, msg)
		}
		return res, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-a.done:
		return frame{}, ErrClosed
	}
}

func (a *Adapter) write(ctx context.Context, msg frame) error {
	select {
	case <-a.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrClosed
	}

	a.mu.Lock()
	conn := a.conn
	dialErr := a.dialErr
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		if dialErr != nil {
			return fmt.Errorf("%w: %w", ErrNotConnected, dialErr)
		}
		return ErrNotConnected
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.Type, err)
	}
	return nil
}

func (a *Adapter) resolve(res frame) {
	a.mu.Lock()
	reply, ok := a.pending[res.RequestID]
	if ok {
		delete(a.pending, res.RequestID)
	}
	a.mu.Unlock()
	if !ok {
		a.logger.Debug().Str("request_id", res.RequestID).Msg("result for unknown request")
		return
	}
	reply <- res
}

func (a *Adapter) failPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, reply := range a.pending {
		close(reply)
		delete(a.pending, id)
	}
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

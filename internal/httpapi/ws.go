package httpapi

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

	"crabstack.local/crab-relay/internal/ids"
	"crabstack.local/crab-relay/internal/relay"
	"crabstack.local/crab-relay/internal/types"
)

const (
	maxWSRequestBytes int64 = 1 << 20
	wsWriteTimeout          = 10 * time.Second
	wsPongTimeout           = 60 * time.Second
	wsPingInterval          = 25 * time.Second
	wsResultBuffer          = 16
)

const (
	actionConnect       = "connect"
	actionDisconnect    = "disconnect"
	actionLogout        = "logout"
	actionSend          = "send"
	actionFetchChats    = "fetch_chats"
	actionFetchMessages = "fetch_messages"
	actionStatus        = "status"
)

type wsCommand struct {
	Action    string                 `json:"action"`
	RequestID string                 `json:"request_id,omitempty"`
	ChatID    string                 `json:"chat_id,omitempty"`
	Message   *types.OutboundMessage `json:"message,omitempty"`
	Limit     int                    `json:"limit,omitempty"`
}

type wsResult struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Result    any    `json:"result,omitempty"`
}

// handleWS streams the tenant's events (replay first) and accepts command
// frames on the same socket. Results of send and fetch also arrive as
// events, for every subscriber of the tenant.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenantOf(r)
	if tenantID == "" {
		http.Error(w, "tenant id is required", http.StatusBadRequest)
		return
	}

	logger := s.logger.With().Str("tenant_id", tenantID).Str("conn_id", ids.Prefixed("ws")).Logger()
	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxWSRequestBytes)

	sub, err := s.gateway.Subscribe(tenantID)
	if err != nil {
		_ = conn.WriteJSON(wsResult{Action: "subscribe.result", OK: false, Error: err.Error()})
		return
	}
	defer sub.Close()
	logger.Debug().Msg("ws subscriber attached")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	results := make(chan wsResult, wsResultBuffer)
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		defer cancel()
		s.pumpWS(ctx, logger, conn, sub, results)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				logger.Debug().Err(err).Msg("ws read ended")
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))

		result := s.runCommand(ctx, tenantID, cmd)
		select {
		case results <- result:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	writer.Wait()
}

// pumpWS is the only writer on conn.
func (s *server) pumpWS(ctx context.Context, logger zerolog.Logger, conn *websocket.Conn, sub *relay.Subscription, results <-chan wsResult) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case ev, ok := <-sub.Events():
			if !ok {
				reason := sub.Reason()
				code := websocket.CloseNormalClosure
				if reason == relay.CloseReasonOverflow {
					code = websocket.ClosePolicyViolation
				} else if reason == relay.CloseReasonShutdown {
					code = websocket.CloseGoingAway
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason),
					time.Now().Add(time.Second))
				return
			}
			if err := write(ev); err != nil {
				logger.Debug().Err(err).Msg("ws write failed")
				return
			}
		case result := <-results:
			if err := write(result); err != nil {
				logger.Debug().Err(err).Msg("ws write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *server) runCommand(ctx context.Context, tenantID string, cmd wsCommand) wsResult {
	action := strings.TrimSpace(cmd.Action)
	result := wsResult{Action: action + ".result", RequestID: cmd.RequestID}

	var (
		value any
		err   error
	)
	switch action {
	case actionConnect:
		value, err = s.gateway.Connect(ctx, tenantID)
	case actionDisconnect:
		err = s.gateway.Disconnect(ctx, tenantID)
	case actionLogout:
		err = s.gateway.Logout(ctx, tenantID)
	case actionSend:
		if cmd.Message == nil {
			err = errors.New("message is required")
			break
		}
		value, err = s.gateway.Send(ctx, tenantID, cmd.ChatID, *cmd.Message)
	case actionFetchChats:
		value, err = s.gateway.FetchChats(ctx, tenantID)
	case actionFetchMessages:
		value, err = s.gateway.FetchMessages(ctx, tenantID, cmd.ChatID, cmd.Limit)
	case actionStatus:
		value, err = s.gateway.Status(tenantID)
	default:
		err = fmt.Errorf("unsupported action %q", cmd.Action)
	}

	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.OK = true
	result.Result = value
	return result
}

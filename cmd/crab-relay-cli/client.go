package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"crabstack.local/crab-relay/internal/types"
)

const maxResponseBytes = 4 << 20

type relayClient struct {
	baseURL  *url.URL
	token    string
	tenantID string
	http     *http.Client
}

func newRelayClient(rawURL, token, tenantID string, timeout time.Duration) (*relayClient, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("server url must use http or https")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant is required")
	}
	return &relayClient{
		baseURL:  parsed,
		token:    strings.TrimSpace(token),
		tenantID: tenantID,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

func (c *relayClient) tenantPath(suffix string) string {
	return "/v1/tenants/" + url.PathEscape(c.tenantID) + suffix
}

func (c *relayClient) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	} else {
		u.RawQuery = ""
	}
	return u.String()
}

// do sends the request and returns the raw response body. Non-2xx statuses
// are turned into errors carrying the server's error message.
func (c *relayClient) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, &apiError{Status: resp.StatusCode, Body: raw}
	}
	return raw, nil
}

type apiError struct {
	Status int
	Body   []byte
}

func (e *apiError) Error() string {
	var payload struct {
		Error string `json:"error"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(e.Body, &payload); err == nil {
		switch {
		case payload.Error != "":
			return fmt.Sprintf("relay returned %d: %s", e.Status, payload.Error)
		case payload.State != "":
			return fmt.Sprintf("relay returned %d: state=%s", e.Status, payload.State)
		}
	}
	return fmt.Sprintf("relay returned %d: %s", e.Status, strings.TrimSpace(string(e.Body)))
}

func (c *relayClient) Status(ctx context.Context) (types.Snapshot, error) {
	raw, err := c.do(ctx, http.MethodGet, c.tenantPath("/status"), nil, nil)
	if err != nil {
		return types.Snapshot{}, err
	}
	var snap types.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return types.Snapshot{}, fmt.Errorf("decode status: %w", err)
	}
	return snap, nil
}

func (c *relayClient) Connect(ctx context.Context) (types.Snapshot, error) {
	raw, err := c.do(ctx, http.MethodPost, c.tenantPath("/connect"), nil, nil)
	if err != nil {
		return types.Snapshot{}, err
	}
	var snap types.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return types.Snapshot{}, fmt.Errorf("decode connect: %w", err)
	}
	return snap, nil
}

func (c *relayClient) Disconnect(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, c.tenantPath("/disconnect"), nil, nil)
	return err
}

func (c *relayClient) Logout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, c.tenantPath("/logout"), nil, nil)
	return err
}

type sendRequest struct {
	ChatID  string                `json:"chat_id"`
	Message types.OutboundMessage `json:"message"`
}

func (c *relayClient) Send(ctx context.Context, chatID string, msg types.OutboundMessage) (types.NormalizedMessage, error) {
	raw, err := c.do(ctx, http.MethodPost, c.tenantPath("/messages"), nil, sendRequest{ChatID: chatID, Message: msg})
	if err != nil {
		return types.NormalizedMessage{}, err
	}
	var sent types.NormalizedMessage
	if err := json.Unmarshal(raw, &sent); err != nil {
		return types.NormalizedMessage{}, fmt.Errorf("decode send: %w", err)
	}
	return sent, nil
}

func (c *relayClient) Chats(ctx context.Context) ([]types.Chat, error) {
	raw, err := c.do(ctx, http.MethodGet, c.tenantPath("/chats"), nil, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Chats []types.Chat `json:"chats"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode chats: %w", err)
	}
	return payload.Chats, nil
}

func (c *relayClient) Messages(ctx context.Context, chatID string, limit int) ([]types.NormalizedMessage, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	raw, err := c.do(ctx, http.MethodGet, c.tenantPath("/chats/"+url.PathEscape(chatID)+"/messages"), query, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Messages []types.NormalizedMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return payload.Messages, nil
}

// Tail streams relay events until ctx ends or the server closes the socket.
func (c *relayClient) Tail(ctx context.Context, handle func(types.Event) error) error {
	wsURL := *c.baseURL
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + c.tenantPath("/ws")
	wsURL.RawQuery = ""

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", wsURL.String(), err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", wsURL.String(), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	})
	defer stop()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		var ev types.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		// Command results share the socket but carry no event type.
		if ev.Type == "" {
			continue
		}
		if err := handle(ev); err != nil {
			return err
		}
	}
}

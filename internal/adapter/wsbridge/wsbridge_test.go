package wsbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"crabstack.local/crab-relay/internal/adapter"
	"crabstack.local/crab-relay/internal/types"
)

const waitTimeout = 2 * time.Second

// fakeEngine accepts one connection and hands every received frame to the
// test through frames. Replies are written with send.
type fakeEngine struct {
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	e := &fakeEngine{conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		e.conns <- conn
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *fakeEngine) url() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http")
}

func (e *fakeEngine) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-e.conns:
		t.Cleanup(func() { _ = conn.Close() })
		_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
		return conn
	case <-time.After(waitTimeout):
		t.Fatalf("engine never received a connection")
		return nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("engine read: %v", err)
	}
	return f
}

func nextEvent(t *testing.T, a *Adapter) adapter.Event {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		if !ok {
			t.Fatalf("events channel closed")
		}
		return ev
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for adapter event")
		return adapter.Event{}
	}
}

func startAdapter(t *testing.T, e *fakeEngine, credentials []byte) (*Adapter, *websocket.Conn) {
	t.Helper()
	a := New(Config{URL: e.url(), HandshakeTimeout: time.Second, Logger: zerolog.Nop()}, "t1", credentials)
	t.Cleanup(func() { _ = a.Close() })
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := e.accept(t)
	hello := readFrame(t, conn)
	if hello.Type != frameHello || hello.TenantID != "t1" || string(hello.Credentials) != string(credentials) {
		t.Fatalf("unexpected hello %+v", hello)
	}
	return a, conn
}

func TestEngineFramesBecomeAdapterEvents(t *testing.T) {
	e := newFakeEngine(t)
	a, conn := startAdapter(t, e, []byte("stored-bundle"))

	frames := []frame{
		{Type: framePairingCode, Code: "QR-1"},
		{Type: framePairingConsumed},
		{Type: frameAuthenticated, Account: &types.Account{ExternalID: "123@s.whatsapp.net"}},
		{Type: frameCredentials, Credentials: []byte("rotated")},
		{Type: frameMessage, Message: &types.NormalizedMessage{ID: "m1", ChatID: "c1"}},
		{Type: frameReceipt, Receipt: &types.MessageReceipt{MessageID: "m1", Status: types.DeliveryStatusRead}},
		{Type: frameClosed, Cause: "logged_out", Reason: "device removed"},
	}
	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			t.Fatalf("engine write: %v", err)
		}
	}

	want := []adapter.EventKind{
		adapter.EventPairingCode,
		adapter.EventPairingConsumed,
		adapter.EventAuthenticated,
		adapter.EventCredentials,
		adapter.EventMessage,
		adapter.EventReceipt,
		adapter.EventClosed,
	}
	var got []adapter.Event
	for range want {
		got = append(got, nextEvent(t, a))
	}
	for i, kind := range want {
		if got[i].Kind != kind {
			t.Fatalf("event %d: expected %s, got %s", i, kind, got[i].Kind)
		}
	}
	if got[0].PairingCode != "QR-1" || string(got[3].Credentials) != "rotated" {
		t.Fatalf("unexpected payloads %+v", got)
	}
	if closed := got[6]; closed.Cause != adapter.CauseLoggedOut || closed.Reason != "device removed" {
		t.Fatalf("unexpected close %+v", closed)
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	e := newFakeEngine(t)
	a, conn := startAdapter(t, e, nil)

	go func() {
		var req frame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(frame{
			Type:      frameResult,
			RequestID: req.RequestID,
			OK:        true,
			Message:   &types.NormalizedMessage{ID: "wamid-1", ChatID: req.ChatID, Body: req.Outbound.Body},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	msg, err := a.SendMessage(ctx, "c1", types.OutboundMessage{Body: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "wamid-1" || msg.ChatID != "c1" || msg.Body != "hello" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestEngineErrorResult(t *testing.T) {
	e := newFakeEngine(t)
	a, conn := startAdapter(t, e, nil)

	go func() {
		var req frame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(frame{Type: frameResult, RequestID: req.RequestID, Error: "chat not found"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := a.FetchMessages(ctx, "missing", 10)
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected engine error, got %v", err)
	}
}

func TestDialFailureIsStreamError(t *testing.T) {
	e := newFakeEngine(t)
	url := e.url()
	e.server.Close()

	a := New(Config{URL: url, HandshakeTimeout: 200 * time.Millisecond, Logger: zerolog.Nop()}, "t1", nil)
	defer a.Close()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start must not fail on network errors: %v", err)
	}

	ev := nextEvent(t, a)
	if ev.Kind != adapter.EventClosed || ev.Cause != adapter.CauseStreamError {
		t.Fatalf("expected stream_error close, got %+v", ev)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if _, err := a.FetchChats(ctx); err == nil {
		t.Fatalf("expected fetch to fail without a connection")
	}
}

func TestDroppedConnectionIsStreamError(t *testing.T) {
	e := newFakeEngine(t)
	a, conn := startAdapter(t, e, nil)

	_ = conn.UnderlyingConn().Close()
	ev := nextEvent(t, a)
	if ev.Kind != adapter.EventClosed || ev.Cause != adapter.CauseStreamError {
		t.Fatalf("expected stream_error close, got %+v", ev)
	}
}

func TestCloseEndsEventsWithoutCloseEvent(t *testing.T) {
	e := newFakeEngine(t)
	a, _ := startAdapter(t, e, nil)

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case ev, ok := <-a.Events():
		if ok {
			t.Fatalf("unexpected event after close: %+v", ev)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("events channel was not closed")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestFactoryRequiresURL(t *testing.T) {
	if _, err := NewFactory(Config{}).New(context.Background(), "t1", nil); err == nil {
		t.Fatalf("expected error for missing url")
	}
}

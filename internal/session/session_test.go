package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crabstack.local/crab-relay/internal/adapter"
	"crabstack.local/crab-relay/internal/adapter/adaptertest"
	"crabstack.local/crab-relay/internal/types"
)

func emitCodeOnStart(code string) func(*adaptertest.Adapter) {
	return func(a *adaptertest.Adapter) {
		a.OnStart = func(a *adaptertest.Adapter) { a.EmitPairingCode(code) }
	}
}

func TestConnectOnEmptyRegistryEmitsConnectingThenPairingCode(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PairingCodeTTL = time.Minute })
	h.factory.Configure = emitCodeOnStart("QR-1")

	snap, err := h.registry.Connect(context.Background(), "t1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if snap.State != types.SessionStateConnecting && snap.State != types.SessionStateAwaitingPairing {
		t.Fatalf("unexpected state after connect: %s", snap.State)
	}

	first := h.rec.await(t, isType("t1", types.EventTypeStatus))
	if first.State != types.SessionStateConnecting {
		t.Fatalf("expected first event status(connecting), got %s", first.State)
	}
	code := h.rec.await(t, isType("t1", types.EventTypePairingCode))
	if code.Pairing == nil || code.Pairing.Code != "QR-1" {
		t.Fatalf("unexpected pairing event %+v", code)
	}
	ttl := code.Pairing.ExpiresAt.Sub(code.Pairing.IssuedAt)
	if ttl != time.Minute {
		t.Fatalf("expected pairing ttl of one minute, got %s", ttl)
	}

	got, ok := h.registry.Snapshot("t1")
	if !ok || got.State != types.SessionStateAwaitingPairing || got.PairingCode == nil || got.PairingCode.Code != "QR-1" {
		t.Fatalf("snapshot does not reflect pairing event: %+v", got)
	}
}

func TestConcurrentConnectsBuildOneAdapter(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.Delay = 20 * time.Millisecond

	const callers = 32
	var wg sync.WaitGroup
	states := make(chan types.SessionState, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := h.registry.Connect(context.Background(), "t1")
			if err != nil {
				errs <- err
				return
			}
			states <- snap.State
		}()
	}
	wg.Wait()
	close(errs)
	close(states)

	for err := range errs {
		t.Fatalf("connect failed: %v", err)
	}
	for state := range states {
		if state != types.SessionStateConnecting {
			t.Fatalf("expected every caller to observe connecting, got %s", state)
		}
	}
	if got := h.factory.Count(); got != 1 {
		t.Fatalf("expected exactly one adapter, got %d", got)
	}
	if got := h.registry.Len(); got != 1 {
		t.Fatalf("expected one live session, got %d", got)
	}
}

func TestConnectWhileAwaitingPairingRebroadcastsCode(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.Configure = emitCodeOnStart("QR-1")
	h.connect(t, "t1")
	h.rec.await(t, isType("t1", types.EventTypePairingCode))

	snap, err := h.registry.Connect(context.Background(), "t1")
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if snap.State != types.SessionStateAwaitingPairing {
		t.Fatalf("expected awaiting_pairing, got %s", snap.State)
	}
	status := h.rec.await(t, isType("t1", types.EventTypeStatus))
	if status.State != types.SessionStateAwaitingPairing {
		t.Fatalf("expected re-emitted awaiting_pairing status, got %s", status.State)
	}
	code := h.rec.await(t, isType("t1", types.EventTypePairingCode))
	if code.Pairing.Code != "QR-1" {
		t.Fatalf("expected the existing code to be re-broadcast, got %s", code.Pairing.Code)
	}
	if h.factory.Count() != 1 {
		t.Fatalf("re-connect must not build another adapter")
	}
}

func TestPairingRotationReplacesCode(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, "t1")
	a.EmitPairingCode("QR-1")
	h.rec.await(t, isType("t1", types.EventTypePairingCode))
	a.EmitPairingCode("QR-2")
	ev := h.rec.await(t, isType("t1", types.EventTypePairingCode))
	if ev.Pairing.Code != "QR-2" {
		t.Fatalf("expected rotated code, got %s", ev.Pairing.Code)
	}
	snap, _ := h.registry.Snapshot("t1")
	if snap.PairingCode == nil || snap.PairingCode.Code != "QR-2" {
		t.Fatalf("snapshot should hold the rotated code: %+v", snap.PairingCode)
	}
}

func TestPairingExpiryRequestsFreshCode(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PairingCodeTTL = 30 * time.Millisecond })
	a := h.connect(t, "t1")
	a.EmitPairingCode("QR-1")
	h.rec.await(t, isType("t1", types.EventTypePairingCode))

	h.rec.await(t, isStatus("t1", types.SessionStateConnecting))
	waitFor(t, "pairing code refresh", func() bool { return a.PairingRequests() == 1 })
	snap, _ := h.registry.Snapshot("t1")
	if snap.PairingCode != nil {
		t.Fatalf("expired code must be cleared, got %+v", snap.PairingCode)
	}

	a.EmitPairingCode("QR-2")
	ev := h.rec.await(t, isType("t1", types.EventTypePairingCode))
	if ev.Pairing.Code != "QR-2" {
		t.Fatalf("expected fresh code, got %s", ev.Pairing.Code)
	}
}

func TestPairingConsumedThenAuthenticated(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, "t1")
	a.EmitPairingCode("QR-1")
	h.rec.await(t, isType("t1", types.EventTypePairingCode))

	a.EmitPairingConsumed()
	h.rec.await(t, isStatus("t1", types.SessionStateConnecting))

	a.EmitAuthenticated(types.Account{ExternalID: "5511999", DisplayName: "Agency", AddressHandle: "+55 11 999"})
	ev := h.rec.await(t, isStatus("t1", types.SessionStateConnected))
	if ev.Account == nil || ev.Account.ExternalID != "5511999" {
		t.Fatalf("expected account on connected status, got %+v", ev.Account)
	}
	snap, _ := h.registry.Snapshot("t1")
	if snap.PairingCode != nil || snap.RetryCount != 0 || snap.Account == nil {
		t.Fatalf("unexpected connected snapshot %+v", snap)
	}
}

func TestSendWhileNotConnectedIsRejectedWithoutIO(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, "t1")
	s, _ := h.registry.Get("t1")

	_, err := s.Send(context.Background(), "chat-1", types.OutboundMessage{Body: "hi"})
	if !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("expected command rejected, got %v", err)
	}
	var rejectedErr *CommandRejectedError
	if !errors.As(err, &rejectedErr) || rejectedErr.State != types.SessionStateConnecting {
		t.Fatalf("expected rejection in connecting state, got %v", err)
	}
	if _, err := s.FetchChats(context.Background()); !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("expected fetch rejected, got %v", err)
	}
	if len(a.Sent()) != 0 || a.FetchCalls() != 0 {
		t.Fatalf("rejected commands must not reach the adapter")
	}
	if snap, _ := h.registry.Snapshot("t1"); snap.State != types.SessionStateConnecting {
		t.Fatalf("rejection must not change state, got %s", snap.State)
	}
}

func TestSendValidatesBeforeRouting(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connectAuthenticated(t, "t1")
	s, _ := h.registry.Get("t1")

	if _, err := s.Send(context.Background(), "", types.OutboundMessage{Body: "hi"}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected invalid command for empty chat, got %v", err)
	}
	if _, err := s.Send(context.Background(), "chat-1", types.OutboundMessage{Kind: types.MessageKindImage}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected invalid command for media without url, got %v", err)
	}
	if len(a.Sent()) != 0 {
		t.Fatalf("invalid commands must not reach the adapter")
	}
}

func TestSendBroadcastsConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connectAuthenticated(t, "t1")
	s, _ := h.registry.Get("t1")

	sent, err := s.Send(context.Background(), "chat-1", types.OutboundMessage{Body: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Direction != types.MessageDirectionOutbound || sent.ChatID != "chat-1" || sent.Kind != types.MessageKindText {
		t.Fatalf("unexpected sent message %+v", sent)
	}
	ev := h.rec.await(t, isType("t1", types.EventTypeMessage))
	if ev.Message == nil || ev.Message.ID != sent.ID {
		t.Fatalf("expected confirmation broadcast for %s, got %+v", sent.ID, ev.Message)
	}
	if got := a.Sent(); len(got) != 1 || got[0].ChatID != "chat-1" {
		t.Fatalf("unexpected adapter sends %+v", got)
	}
}

func TestSendAdapterFailureIsInternalFault(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.Configure = func(a *adaptertest.Adapter) { a.SendErr = errors.New("socket reset") }
	a := h.connect(t, "t1")
	a.EmitAuthenticated(types.Account{ExternalID: "x"})
	h.rec.await(t, isStatus("t1", types.SessionStateConnected))
	s, _ := h.registry.Get("t1")

	if _, err := s.Send(context.Background(), "chat-1", types.OutboundMessage{Body: "hi"}); !errors.Is(err, ErrInternalFault) {
		t.Fatalf("expected internal fault, got %v", err)
	}
	if snap, _ := h.registry.Snapshot("t1"); snap.State != types.SessionStateConnected {
		t.Fatalf("a failed send must not change state, got %s", snap.State)
	}
}

func TestFetchResultsAreBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.Configure = func(a *adaptertest.Adapter) {
		a.Chats = []types.Chat{{ID: "chat-1", Name: "Lobby"}}
		a.History["chat-1"] = []types.NormalizedMessage{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}}
	}
	a := h.connect(t, "t1")
	a.EmitAuthenticated(types.Account{ExternalID: "x"})
	h.rec.await(t, isStatus("t1", types.SessionStateConnected))
	s, _ := h.registry.Get("t1")

	chats, err := s.FetchChats(context.Background())
	if err != nil || len(chats) != 1 {
		t.Fatalf("fetch chats: %v %+v", err, chats)
	}
	ev := h.rec.await(t, isType("t1", types.EventTypeChats))
	if len(ev.Chats) != 1 || ev.Chats[0].ID != "chat-1" {
		t.Fatalf("unexpected chats event %+v", ev)
	}

	messages, err := s.FetchMessages(context.Background(), "chat-1", 2)
	if err != nil || len(messages) != 2 || messages[1].ID != "m3" {
		t.Fatalf("fetch messages: %v %+v", err, messages)
	}
	ev = h.rec.await(t, isType("t1", types.EventTypeMessages))
	if ev.ChatID != "chat-1" || len(ev.Messages) != 2 {
		t.Fatalf("unexpected messages event %+v", ev)
	}
}

func TestInboundMessageAndReceiptAreRelayed(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connectAuthenticated(t, "t1")

	a.EmitMessage(types.NormalizedMessage{ID: "in-1", ChatID: "chat-1", Kind: types.MessageKindText, Body: "ola"})
	ev := h.rec.await(t, isType("t1", types.EventTypeMessage))
	if ev.Message.Direction != types.MessageDirectionInbound || ev.Message.Body != "ola" {
		t.Fatalf("unexpected inbound message %+v", ev.Message)
	}

	a.EmitReceipt(types.MessageReceipt{MessageID: "out-1", ChatID: "chat-1", Status: types.DeliveryStatusRead})
	ev = h.rec.await(t, isType("t1", types.EventTypeMessageStatus))
	if ev.Receipt == nil || ev.Receipt.Status != types.DeliveryStatusRead || ev.ChatID != "chat-1" {
		t.Fatalf("unexpected receipt event %+v", ev)
	}
}

func TestCredentialUpdatesArePersisted(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, "t1")
	a.EmitCredentials([]byte("bundle-1"))

	waitFor(t, "credentials saved", func() bool {
		bundle, err := h.store.Load(context.Background(), "t1")
		return err == nil && string(bundle) == "bundle-1"
	})
}

func TestStoredCredentialsAreHandedToAdapter(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.store.Save(context.Background(), "t1", []byte("resume")); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	a := h.connect(t, "t1")
	if string(a.Credentials) != "resume" {
		t.Fatalf("expected stored credentials to be passed to the adapter, got %q", a.Credentials)
	}
}

func TestTerminalAuthFailurePurgesAndGoesIdle(t *testing.T) {
	for _, cause := range []adapter.CloseCause{adapter.CauseAuthRejected, adapter.CauseLoggedOut} {
		t.Run(string(cause), func(t *testing.T) {
			h := newHarness(t, nil)
			if err := h.store.Save(context.Background(), "t1", []byte("creds")); err != nil {
				t.Fatalf("seed store: %v", err)
			}
			a := h.connectAuthenticated(t, "t1")

			a.EmitClosed(cause, "server said no")
			h.rec.await(t, isStatus("t1", types.SessionStateIdle))
			ev := h.rec.await(t, isType("t1", types.EventTypeDisconnected))
			if ev.Reason != string(cause) || !ev.Terminal {
				t.Fatalf("unexpected disconnect event %+v", ev)
			}
			if ok, _ := h.store.Exists(context.Background(), "t1"); ok {
				t.Fatalf("terminal failure must purge credentials")
			}
			if _, ok := h.registry.Snapshot("t1"); ok {
				t.Fatalf("tenant should be absent after terminal close")
			}
			if !a.Closed() {
				t.Fatalf("adapter must be torn down")
			}
		})
	}
}

func TestPairingTimeoutNeverPurges(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.store.Save(context.Background(), "t1", []byte("creds")); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	a := h.connect(t, "t1")
	a.EmitPairingCode("QR-1")
	h.rec.await(t, isType("t1", types.EventTypePairingCode))

	a.EmitClosed(adapter.CauseTimeout, "pairing window elapsed")
	ev := h.rec.await(t, isType("t1", types.EventTypeDisconnected))
	if ev.Reason != types.ReasonTimeout || ev.Terminal {
		t.Fatalf("unexpected disconnect event %+v", ev)
	}
	if ok, _ := h.store.Exists(context.Background(), "t1"); !ok {
		t.Fatalf("timeout must never purge credentials")
	}
	time.Sleep(30 * time.Millisecond)
	if h.factory.Count() != 1 {
		t.Fatalf("timeout must not auto-retry")
	}
}

func TestUnknownCloseSurfacesRawReason(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connectAuthenticated(t, "t1")
	a.EmitClosed(adapter.CauseUnknown, "replaced by another device")
	ev := h.rec.await(t, isType("t1", types.EventTypeDisconnected))
	if ev.Reason != "replaced by another device" || ev.Terminal {
		t.Fatalf("unexpected disconnect event %+v", ev)
	}
}

func TestSingleTransientFailureRetriesOnce(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.store.Save(context.Background(), "t1", []byte("creds")); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	first := h.connectAuthenticated(t, "t1")

	first.EmitClosed(adapter.CauseStreamError, "stream renegotiation")
	ev := h.rec.await(t, isStatus("t1", types.SessionStateConnecting))
	if ev.Account != nil {
		t.Fatalf("account must be cleared outside connected")
	}
	second := h.factory.Next(waitTimeout)
	if second == nil {
		t.Fatalf("expected an automatic reconnect")
	}
	if !first.Closed() {
		t.Fatalf("old adapter must be torn down before the handoff")
	}
	if string(second.Credentials) != "creds" {
		t.Fatalf("reconnect must reuse stored credentials")
	}
	if snap, _ := h.registry.Snapshot("t1"); snap.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", snap.RetryCount)
	}

	second.EmitAuthenticated(types.Account{ExternalID: "t1@remote"})
	h.rec.await(t, isStatus("t1", types.SessionStateConnected))
	if snap, _ := h.registry.Snapshot("t1"); snap.RetryCount != 0 {
		t.Fatalf("retry count must reset on connected, got %d", snap.RetryCount)
	}
}

func TestSecondConsecutiveTransientFailureGivesUp(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.store.Save(context.Background(), "t1", []byte("creds")); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	first := h.connectAuthenticated(t, "t1")

	first.EmitClosed(adapter.CauseStreamError, "blip")
	second := h.factory.Next(waitTimeout)
	if second == nil {
		t.Fatalf("expected one automatic reconnect")
	}
	second.EmitClosed(adapter.CauseStreamError, "blip again")

	ev := h.rec.await(t, isType("t1", types.EventTypeDisconnected))
	if ev.Reason != types.ReasonConnectionFailed {
		t.Fatalf("expected connection_failed, got %q", ev.Reason)
	}
	time.Sleep(50 * time.Millisecond)
	if got := h.factory.Count(); got != 2 {
		t.Fatalf("expected no third attempt, got %d adapters", got)
	}
	if ok, _ := h.store.Exists(context.Background(), "t1"); !ok {
		t.Fatalf("giving up must not purge credentials")
	}
	if _, ok := h.registry.Snapshot("t1"); ok {
		t.Fatalf("tenant should be absent after giving up")
	}
}

func TestRetryBudgetResetsAfterConnected(t *testing.T) {
	h := newHarness(t, nil)
	first := h.connectAuthenticated(t, "t1")

	first.EmitClosed(adapter.CauseStreamError, "blip")
	second := h.factory.Next(waitTimeout)
	second.EmitAuthenticated(types.Account{ExternalID: "t1@remote"})
	h.rec.await(t, isStatus("t1", types.SessionStateConnected))

	second.EmitClosed(adapter.CauseStreamError, "another blip")
	if third := h.factory.Next(waitTimeout); third == nil {
		t.Fatalf("a blip after reconnecting must be retried again")
	}
}

func TestLogoutWhileConnected(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.store.Save(context.Background(), "t1", []byte("creds")); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	a := h.connectAuthenticated(t, "t1")

	if err := h.registry.Logout(context.Background(), "t1"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	ev := h.rec.await(t, isType("t1", types.EventTypeDisconnected))
	if ev.Reason != types.ReasonLoggedOut {
		t.Fatalf("expected logged_out, got %q", ev.Reason)
	}
	if ok, _ := h.store.Exists(context.Background(), "t1"); ok {
		t.Fatalf("logout must purge credentials")
	}
	if !a.LoggedOut() || !a.Closed() {
		t.Fatalf("adapter must be logged out and closed")
	}
	if _, ok := h.registry.Snapshot("t1"); ok {
		t.Fatalf("tenant should be absent after logout")
	}
}

func TestLogoutWithoutSessionPurgesCredentials(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.store.Save(context.Background(), "t1", []byte("creds")); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if err := h.registry.Logout(context.Background(), "t1"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if ok, _ := h.store.Exists(context.Background(), "t1"); ok {
		t.Fatalf("expected credentials purged")
	}
}

func TestDisconnectKeepsCredentialsAndCancelsBackoff(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ReconnectDelay = time.Hour })
	if err := h.store.Save(context.Background(), "t1", []byte("creds")); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	a := h.connectAuthenticated(t, "t1")
	a.EmitClosed(adapter.CauseStreamError, "blip")
	h.rec.await(t, isStatus("t1", types.SessionStateConnecting))

	if err := h.registry.Remove(context.Background(), "t1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	h.rec.await(t, isStatus("t1", types.SessionStateClosing))
	ev := h.rec.await(t, isType("t1", types.EventTypeDisconnected))
	if ev.Reason != types.ReasonDisconnected || ev.Terminal {
		t.Fatalf("unexpected disconnect event %+v", ev)
	}
	if ok, _ := h.store.Exists(context.Background(), "t1"); !ok {
		t.Fatalf("disconnect must keep credentials")
	}
	if h.factory.Count() != 1 {
		t.Fatalf("backoff must be cancelled")
	}
	if err := h.registry.Remove(context.Background(), "t1"); err != nil {
		t.Fatalf("remove must be idempotent: %v", err)
	}
}

func TestAdapterConstructionFailureLeavesTenantAbsent(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.SetErr(errors.New("engine unavailable"))

	_, err := h.registry.Connect(context.Background(), "t1")
	if !errors.Is(err, ErrInternalFault) {
		t.Fatalf("expected internal fault, got %v", err)
	}
	ev := h.rec.await(t, isType("t1", types.EventTypeError))
	if ev.Error == "" {
		t.Fatalf("expected error message on scoped error event")
	}
	waitFor(t, "tenant removed", func() bool { return h.registry.Len() == 0 })

	h.factory.SetErr(nil)
	if _, err := h.registry.Connect(context.Background(), "t1"); err != nil {
		t.Fatalf("retry connect: %v", err)
	}
	if h.factory.Count() != 1 {
		t.Fatalf("expected one adapter after retry, got %d", h.factory.Count())
	}
}

func TestConcurrentConnectsShareConstructionFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.Delay = 100 * time.Millisecond
	h.factory.SetErr(errors.New("engine unavailable"))

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.registry.Connect(context.Background(), "t1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrInternalFault) {
			t.Fatalf("expected every caller to see the internal fault, got %v", err)
		}
	}
	if got := h.factory.Calls(); got != 1 {
		t.Fatalf("expected a single construction attempt, got %d", got)
	}
}

func TestPanicIsIsolatedToTenant(t *testing.T) {
	h := newHarness(t, nil)
	h.rec.hook = func(ev types.Event) {
		if ev.TenantID == "bad" && ev.Type == types.EventTypeMessage {
			panic("renderer exploded")
		}
	}
	bad := h.connectAuthenticated(t, "bad")
	good := h.connectAuthenticated(t, "good")

	bad.EmitMessage(types.NormalizedMessage{ID: "m1", ChatID: "c1", Body: "boom"})
	ev := h.rec.await(t, isType("bad", types.EventTypeDisconnected))
	if ev.Reason != types.ReasonInternalFault {
		t.Fatalf("expected internal_fault, got %q", ev.Reason)
	}

	good.EmitMessage(types.NormalizedMessage{ID: "m2", ChatID: "c1", Body: "fine"})
	h.rec.await(t, isType("good", types.EventTypeMessage))
	if snap, ok := h.registry.Snapshot("good"); !ok || snap.State != types.SessionStateConnected {
		t.Fatalf("other tenant must be unaffected, got %+v", snap)
	}
}

func TestEventsArePerTenantOrdered(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, "t1")
	a.EmitPairingCode("QR")
	a.EmitPairingConsumed()
	a.EmitAuthenticated(types.Account{ExternalID: "x"})
	h.rec.await(t, isStatus("t1", types.SessionStateConnected))

	var states []types.SessionState
	var lastSeq uint64
	for _, ev := range h.rec.forTenant("t1") {
		if ev.Seq <= lastSeq {
			t.Fatalf("sequence numbers must increase, got %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		if ev.Type == types.EventTypeStatus {
			states = append(states, ev.State)
		}
	}
	want := []types.SessionState{
		types.SessionStateConnecting,
		types.SessionStateAwaitingPairing,
		types.SessionStateConnecting,
		types.SessionStateConnected,
	}
	if len(states) != len(want) {
		t.Fatalf("unexpected status sequence %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("unexpected status sequence %v", states)
		}
	}
}

func TestShutdownDisconnectsEverySessionKeepingCredentials(t *testing.T) {
	h := newHarness(t, nil)
	for _, tenant := range []string{"t1", "t2", "t3"} {
		if err := h.store.Save(context.Background(), tenant, []byte("creds")); err != nil {
			t.Fatalf("seed store: %v", err)
		}
		h.connect(t, tenant)
	}
	if got := h.registry.Tenants(); len(got) != 3 {
		t.Fatalf("expected three tenants, got %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := h.registry.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("expected empty registry after shutdown, got %v", h.registry.Tenants())
	}
	for _, a := range h.factory.Adapters() {
		if !a.Closed() {
			t.Fatalf("adapter for %s left open", a.TenantID)
		}
	}
	tenants, _ := h.store.Tenants(context.Background())
	if len(tenants) != 3 {
		t.Fatalf("shutdown must keep credentials, got %v", tenants)
	}
	if _, err := h.registry.Connect(context.Background(), "t1"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected connect after shutdown to fail, got %v", err)
	}
}

func TestConnectRequiresTenant(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.registry.Connect(context.Background(), "  "); !errors.Is(err, ErrTenantRequired) {
		t.Fatalf("expected tenant required, got %v", err)
	}
}

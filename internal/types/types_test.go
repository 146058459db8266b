package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestOutboundMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     OutboundMessage
		wantErr string
	}{
		{name: "text defaults kind", msg: OutboundMessage{Body: "hi"}},
		{name: "text without body", msg: OutboundMessage{Kind: MessageKindText, Body: "  "}, wantErr: "body is required"},
		{name: "image with url", msg: OutboundMessage{Kind: MessageKindImage, MediaURL: "https://cdn/x.png"}},
		{name: "image without url", msg: OutboundMessage{Kind: MessageKindImage, Caption: "x"}, wantErr: "media_url is required"},
		{name: "unknown kind", msg: OutboundMessage{Kind: "hologram", Body: "x"}, wantErr: "unsupported message kind"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestSessionStateActive(t *testing.T) {
	active := map[SessionState]bool{
		SessionStateIdle:            false,
		SessionStateConnecting:      true,
		SessionStateAwaitingPairing: true,
		SessionStateConnected:       true,
		SessionStateClosing:         false,
	}
	for state, want := range active {
		if !state.Valid() {
			t.Fatalf("expected %s to be valid", state)
		}
		if got := state.Active(); got != want {
			t.Fatalf("%s: expected active=%t, got %t", state, want, got)
		}
	}
	if SessionState("absent").Valid() {
		t.Fatalf("expected unknown state to be invalid")
	}
}

func TestPairingCodeExpired(t *testing.T) {
	now := time.Now()
	code := PairingCode{Code: "c", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}
	if code.Expired(now) {
		t.Fatalf("fresh code reported expired")
	}
	if !code.Expired(now.Add(time.Minute)) {
		t.Fatalf("expected code to expire at its deadline")
	}
	if (PairingCode{Code: "c"}).Expired(now) {
		t.Fatalf("code without deadline never expires")
	}
}

func TestReplayEventsMirrorSnapshot(t *testing.T) {
	snap := Snapshot{
		TenantID:    "t1",
		State:       SessionStateAwaitingPairing,
		PairingCode: &PairingCode{Code: "2@abc", ExpiresAt: time.Now().Add(time.Minute)},
	}
	events := ReplayEvents(snap)
	if len(events) != 2 {
		t.Fatalf("expected status and pairing events, got %d", len(events))
	}
	if events[0].Type != EventTypeStatus || events[0].State != SessionStateAwaitingPairing || !events[0].Replay {
		t.Fatalf("unexpected status replay %+v", events[0])
	}
	if events[1].Type != EventTypePairingCode || events[1].Pairing.Code != "2@abc" || !events[1].Replay {
		t.Fatalf("unexpected pairing replay %+v", events[1])
	}

	snap.PairingCode.Code = "mutated"
	if events[1].Pairing.Code != "2@abc" {
		t.Fatalf("replay must not alias the snapshot")
	}
}

func TestReplayEventsCopyAccount(t *testing.T) {
	snap := Snapshot{
		TenantID: "t1",
		State:    SessionStateConnected,
		Account:  &Account{ExternalID: "123@remote"},
	}
	events := ReplayEvents(snap)
	if len(events) != 1 {
		t.Fatalf("expected a single status event, got %d", len(events))
	}
	snap.Account.ExternalID = "changed"
	if events[0].Account == nil || events[0].Account.ExternalID != "123@remote" {
		t.Fatalf("unexpected account %+v", events[0].Account)
	}
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	snap := Snapshot{
		TenantID:    "t1",
		Account:     &Account{ExternalID: "a"},
		PairingCode: &PairingCode{Code: "p"},
	}
	clone := snap.Clone()
	snap.Account.ExternalID = "b"
	snap.PairingCode.Code = "q"
	if clone.Account.ExternalID != "a" || clone.PairingCode.Code != "p" {
		t.Fatalf("clone shares pointers with the original")
	}
}

func TestEventJSONOmitsEmptyPayloads(t *testing.T) {
	raw, err := json.Marshal(DisconnectedEvent("t1", ReasonLoggedOut, true))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(raw)
	for _, want := range []string{`"type":"disconnected"`, `"reason":"logged_out"`, `"terminal":true`, `"tenant_id":"t1"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in %s", want, body)
		}
	}
	for _, absent := range []string{`"message"`, `"pairing_code"`, `"chats"`, `"replay"`} {
		if strings.Contains(body, absent) {
			t.Fatalf("did not expect %s in %s", absent, body)
		}
	}
}

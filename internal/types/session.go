package types

import "time"

type SessionState string

const (
	SessionStateIdle            SessionState = "idle"
	SessionStateConnecting      SessionState = "connecting"
	SessionStateAwaitingPairing SessionState = "awaiting_pairing"
	SessionStateConnected       SessionState = "connected"
	SessionStateClosing         SessionState = "closing"
)

func (s SessionState) Valid() bool {
	switch s {
	case SessionStateIdle,
		SessionStateConnecting,
		SessionStateAwaitingPairing,
		SessionStateConnected,
		SessionStateClosing:
		return true
	default:
		return false
	}
}

// Active reports whether a session in this state holds (or is acquiring) an adapter.
func (s SessionState) Active() bool {
	switch s {
	case SessionStateConnecting, SessionStateAwaitingPairing, SessionStateConnected:
		return true
	default:
		return false
	}
}

type Account struct {
	ExternalID    string `json:"external_id"`
	DisplayName   string `json:"display_name,omitempty"`
	AddressHandle string `json:"address_handle,omitempty"`
}

type PairingCode struct {
	Code      string    `json:"code"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (p PairingCode) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Snapshot is the read model shared by subscriber replay and the polling facade.
type Snapshot struct {
	TenantID    string       `json:"tenant_id"`
	State       SessionState `json:"state"`
	Account     *Account     `json:"account,omitempty"`
	PairingCode *PairingCode `json:"pairing_code,omitempty"`
	RetryCount  int          `json:"retry_count"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func IdleSnapshot(tenantID string) Snapshot {
	return Snapshot{
		TenantID: tenantID,
		State:    SessionStateIdle,
	}
}

func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Account != nil {
		account := *s.Account
		out.Account = &account
	}
	if s.PairingCode != nil {
		code := *s.PairingCode
		out.PairingCode = &code
	}
	return out
}

package wsbridge

import "crabstack.local/crab-relay/internal/types"

// Frame types sent to the engine.
const (
	frameHello              = "hello"
	frameSend               = "send"
	frameFetchChats         = "fetch_chats"
	frameFetchMessages      = "fetch_messages"
	frameRequestPairingCode = "request_pairing_code"
	frameLogout             = "logout"
)

// Frame types received from the engine.
const (
	framePairingCode     = "pairing_code"
	framePairingConsumed = "pairing_consumed"
	frameAuthenticated   = "authenticated"
	frameMessage         = "message"
	frameReceipt         = "receipt"
	frameCredentials     = "credentials"
	frameClosed          = "closed"
	frameResult          = "result"
)

// frame is the single JSON envelope used in both directions. Credentials
// travel base64-encoded as encoding/json does for []byte.
type frame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`

	Credentials []byte                    `json:"credentials,omitempty"`
	Code        string                    `json:"code,omitempty"`
	Account     *types.Account            `json:"account,omitempty"`
	ChatID      string                    `json:"chat_id,omitempty"`
	Limit       int                       `json:"limit,omitempty"`
	Outbound    *types.OutboundMessage    `json:"outbound,omitempty"`
	Message     *types.NormalizedMessage  `json:"message,omitempty"`
	Receipt     *types.MessageReceipt     `json:"receipt,omitempty"`
	Chats       []types.Chat              `json:"chats,omitempty"`
	Messages    []types.NormalizedMessage `json:"messages,omitempty"`
	Cause       string                    `json:"cause,omitempty"`
	Reason      string                    `json:"reason,omitempty"`
	OK          bool                      `json:"ok,omitempty"`
	Error       string                    `json:"error,omitempty"`
}

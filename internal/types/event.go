package types

import "time"

type EventType string

const (
	EventTypeStatus        EventType = "status"
	EventTypePairingCode   EventType = "pairing_code"
	EventTypeMessage       EventType = "message"
	EventTypeMessageStatus EventType = "message_status"
	EventTypeDisconnected  EventType = "disconnected"
	EventTypeError         EventType = "error"
	EventTypeChats         EventType = "chats"
	EventTypeMessages      EventType = "messages"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeStatus,
		EventTypePairingCode,
		EventTypeMessage,
		EventTypeMessageStatus,
		EventTypeDisconnected,
		EventTypeError,
		EventTypeChats,
		EventTypeMessages:
		return true
	default:
		return false
	}
}

// Disconnect reason codes carried by EventTypeDisconnected.
const (
	ReasonLoggedOut        = "logged_out"
	ReasonAuthRejected     = "auth_rejected"
	ReasonTimeout          = "timeout"
	ReasonConnectionFailed = "connection_failed"
	ReasonDisconnected     = "disconnected"
	ReasonInternalFault    = "internal_fault"
	ReasonShutdown         = "shutdown"
)

type Event struct {
	Seq        uint64              `json:"seq"`
	Type       EventType           `json:"type"`
	TenantID   string              `json:"tenant_id"`
	OccurredAt time.Time           `json:"occurred_at"`
	Replay     bool                `json:"replay,omitempty"`
	State      SessionState        `json:"state,omitempty"`
	Account    *Account            `json:"account,omitempty"`
	Pairing    *PairingCode        `json:"pairing_code,omitempty"`
	Message    *NormalizedMessage  `json:"message,omitempty"`
	Receipt    *MessageReceipt     `json:"receipt,omitempty"`
	Chats      []Chat              `json:"chats,omitempty"`
	Messages   []NormalizedMessage `json:"messages,omitempty"`
	ChatID     string              `json:"chat_id,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Terminal   bool                `json:"terminal,omitempty"`
	Error      string              `json:"error,omitempty"`
}

func StatusEvent(tenantID string, state SessionState, account *Account) Event {
	return Event{
		Type:       EventTypeStatus,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		State:      state,
		Account:    account,
	}
}

func PairingCodeEvent(tenantID string, code PairingCode) Event {
	return Event{
		Type:       EventTypePairingCode,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Pairing:    &code,
	}
}

func DisconnectedEvent(tenantID, reason string, terminal bool) Event {
	return Event{
		Type:       EventTypeDisconnected,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Reason:     reason,
		Terminal:   terminal,
	}
}

func ErrorEvent(tenantID, message string) Event {
	return Event{
		Type:       EventTypeError,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Error:      message,
	}
}

func MessageEvent(tenantID string, msg NormalizedMessage) Event {
	return Event{
		Type:       EventTypeMessage,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Message:    &msg,
	}
}

func MessageStatusEvent(tenantID string, receipt MessageReceipt) Event {
	return Event{
		Type:       EventTypeMessageStatus,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		ChatID:     receipt.ChatID,
		Receipt:    &receipt,
	}
}

func ChatsEvent(tenantID string, chats []Chat) Event {
	return Event{
		Type:       EventTypeChats,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Chats:      chats,
	}
}

func MessagesEvent(tenantID, chatID string, messages []NormalizedMessage) Event {
	return Event{
		Type:       EventTypeMessages,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		ChatID:     chatID,
		Messages:   messages,
	}
}

// ReplayEvents synthesises the events a new subscriber needs to render the snapshot.
func ReplayEvents(snap Snapshot) []Event {
	status := StatusEvent(snap.TenantID, snap.State, nil)
	status.Replay = true
	if snap.Account != nil {
		account := *snap.Account
		status.Account = &account
	}
	out := []Event{status}
	if snap.PairingCode != nil {
		code := PairingCodeEvent(snap.TenantID, *snap.PairingCode)
		code.Replay = true
		out = append(out, code)
	}
	return out
}

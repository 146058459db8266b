package types

import (
	"fmt"
	"strings"
	"time"
)

type MessageDirection string

const (
	MessageDirectionInbound  MessageDirection = "inbound"
	MessageDirectionOutbound MessageDirection = "outbound"
)

type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindImage    MessageKind = "image"
	MessageKindVideo    MessageKind = "video"
	MessageKindAudio    MessageKind = "audio"
	MessageKindDocument MessageKind = "document"
	MessageKindSticker  MessageKind = "sticker"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText,
		MessageKindImage,
		MessageKindVideo,
		MessageKindAudio,
		MessageKindDocument,
		MessageKindSticker:
		return true
	default:
		return false
	}
}

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

type NormalizedMessage struct {
	ID             string           `json:"id"`
	ChatID         string           `json:"chat_id"`
	Direction      MessageDirection `json:"direction"`
	Kind           MessageKind      `json:"kind"`
	Body           string           `json:"body,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
	DeliveryStatus DeliveryStatus   `json:"delivery_status"`
	SenderID       string           `json:"sender_id,omitempty"`
	PushName       string           `json:"push_name,omitempty"`
	Caption        string           `json:"caption,omitempty"`
	MediaURL       string           `json:"media_url,omitempty"`
	MimeType       string           `json:"mime_type,omitempty"`
	FileName       string           `json:"file_name,omitempty"`
	QuotedID       string           `json:"quoted_id,omitempty"`
}

type OutboundMessage struct {
	Kind     MessageKind `json:"kind"`
	Body     string      `json:"body,omitempty"`
	Caption  string      `json:"caption,omitempty"`
	MediaURL string      `json:"media_url,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
	FileName string      `json:"file_name,omitempty"`
	QuotedID string      `json:"quoted_id,omitempty"`
}

func (m OutboundMessage) Validate() error {
	kind := m.Kind
	if kind == "" {
		kind = MessageKindText
	}
	if !kind.Valid() {
		return fmt.Errorf("unsupported message kind %q", m.Kind)
	}
	if kind == MessageKindText {
		if strings.TrimSpace(m.Body) == "" {
			return fmt.Errorf("text message body is required")
		}
		return nil
	}
	if strings.TrimSpace(m.MediaURL) == "" {
		return fmt.Errorf("%s message media_url is required", kind)
	}
	return nil
}

type Chat struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	IsGroup       bool      `json:"is_group"`
	UnreadCount   int       `json:"unread_count"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

type MessageReceipt struct {
	MessageID string         `json:"message_id"`
	ChatID    string         `json:"chat_id"`
	Status    DeliveryStatus `json:"status"`
}

// Package adapter defines the boundary between a tenant session and the
// external messaging-protocol engine. Implementations live in subpackages.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"crabstack.local/crab-relay/internal/types"
)

var ErrUnknownAdapter = errors.New("unknown adapter")

type EventKind string

const (
	EventPairingCode     EventKind = "pairing_code"
	EventPairingConsumed EventKind = "pairing_consumed"
	EventAuthenticated   EventKind = "authenticated"
	EventMessage         EventKind = "message"
	EventReceipt         EventKind = "receipt"
	EventCredentials     EventKind = "credentials"
	EventClosed          EventKind = "closed"
)

// CloseCause classifies why an adapter's connection ended.
type CloseCause string

const (
	CauseLoggedOut    CloseCause = "logged_out"
	CauseAuthRejected CloseCause = "auth_rejected"
	CauseTimeout      CloseCause = "timeout"
	CauseStreamError  CloseCause = "stream_error"
	CauseUnknown      CloseCause = "unknown"
)

type Event struct {
	Kind        EventKind
	PairingCode string
	Account     *types.Account
	Message     *types.NormalizedMessage
	Receipt     *types.MessageReceipt
	Credentials []byte
	Cause       CloseCause
	Reason      string
}

// Adapter is one connection to the protocol engine for one tenant.
//
// Start must return without waiting on network I/O; handshake progress and
// failures are reported through Events. An implementation may close the
// events channel once it is done; a close that was not preceded by a closed
// event counts as an unknown close. Close is idempotent.
type Adapter interface {
	Start(ctx context.Context) error
	Events() <-chan Event
	SendMessage(ctx context.Context, chatID string, msg types.OutboundMessage) (types.NormalizedMessage, error)
	FetchChats(ctx context.Context) ([]types.Chat, error)
	FetchMessages(ctx context.Context, chatID string, limit int) ([]types.NormalizedMessage, error)
	RequestPairingCode(ctx context.Context) error
	Logout(ctx context.Context) error
	Close() error
}

// Factory builds a fresh adapter for a tenant. credentials is nil when the
// tenant has never paired.
type Factory interface {
	New(ctx context.Context, tenantID string, credentials []byte) (Adapter, error)
}

type FactoryFunc func(ctx context.Context, tenantID string, credentials []byte) (Adapter, error)

func (f FactoryFunc) New(ctx context.Context, tenantID string, credentials []byte) (Adapter, error) {
	return f(ctx, tenantID, credentials)
}

// Registry maps configured adapter kinds to factories.
type Registry map[string]Factory

func (r Registry) Get(kind string) (Factory, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	factory, ok := r[kind]
	if !ok || factory == nil {
		known := make([]string, 0, len(r))
		for name := range r {
			known = append(known, name)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownAdapter, kind, strings.Join(known, ", "))
	}
	return factory, nil
}

// ParseCause maps a wire-level cause string onto a CloseCause. Unrecognised
// values map to CauseUnknown so the raw reason is surfaced as-is.
func ParseCause(raw string) CloseCause {
	switch CloseCause(strings.ToLower(strings.TrimSpace(raw))) {
	case CauseLoggedOut:
		return CauseLoggedOut
	case CauseAuthRejected:
		return CauseAuthRejected
	case CauseTimeout:
		return CauseTimeout
	case CauseStreamError:
		return CauseStreamError
	default:
		return CauseUnknown
	}
}

func Closed(cause CloseCause, reason string) Event {
	return Event{Kind: EventClosed, Cause: cause, Reason: reason}
}

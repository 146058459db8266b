package session

import (
	"strings"

	"crabstack.local/crab-relay/internal/adapter"
	"crabstack.local/crab-relay/internal/types"
)

type Action string

const (
	ActionPurge  Action = "purge"
	ActionIdle   Action = "idle"
	ActionRetry  Action = "retry"
	ActionGiveUp Action = "give_up"
)

// Decision is the outcome of classifying one adapter close.
type Decision struct {
	Action Action
	// Reason is the disconnect reason code; empty for ActionRetry.
	Reason string
	Class  error
}

// Decide classifies a close. retries is the number of transient retries made
// since the session last reached connected.
func Decide(cause adapter.CloseCause, raw string, retries, maxRetries int) Decision {
	switch cause {
	case adapter.CauseLoggedOut:
		return Decision{Action: ActionPurge, Reason: types.ReasonLoggedOut, Class: ErrTerminalAuthFailure}
	case adapter.CauseAuthRejected:
		return Decision{Action: ActionPurge, Reason: types.ReasonAuthRejected, Class: ErrTerminalAuthFailure}
	case adapter.CauseTimeout:
		return Decision{Action: ActionIdle, Reason: types.ReasonTimeout, Class: ErrPairingTimeout}
	case adapter.CauseStreamError:
		if retries < maxRetries {
			return Decision{Action: ActionRetry, Class: ErrTransientNetworkFailure}
		}
		return Decision{Action: ActionGiveUp, Reason: types.ReasonConnectionFailed, Class: ErrTransientNetworkFailure}
	default:
		reason := strings.TrimSpace(raw)
		if reason == "" {
			reason = string(adapter.CauseUnknown)
		}
		return Decision{Action: ActionIdle, Reason: reason}
	}
}

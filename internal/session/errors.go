package session

import (
	"errors"
	"fmt"

	"crabstack.local/crab-relay/internal/types"
)

var (
	ErrTerminalAuthFailure     = errors.New("terminal auth failure")
	ErrTransientNetworkFailure = errors.New("transient network failure")
	ErrPairingTimeout          = errors.New("pairing timeout")
	ErrCommandRejected         = errors.New("command rejected")
	ErrInternalFault           = errors.New("internal fault")
	ErrSessionClosed           = errors.New("session closed")
	ErrTenantRequired          = errors.New("tenant id is required")
	ErrInvalidCommand          = errors.New("invalid command")
)

// CommandRejectedError reports a command issued while the session was in a
// state that does not support it. No state change happens.
type CommandRejectedError struct {
	Command string
	State   types.SessionState
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("%s rejected: session is %s", e.Command, e.State)
}

func (e *CommandRejectedError) Unwrap() error {
	return ErrCommandRejected
}

func rejected(command string, state types.SessionState) error {
	return &CommandRejectedError{Command: command, State: state}
}

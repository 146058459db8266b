package session

import (
	"errors"
	"testing"

	"crabstack.local/crab-relay/internal/adapter"
	"crabstack.local/crab-relay/internal/types"
)

func TestDecide(t *testing.T) {
	cases := []struct {
		name    string
		cause   adapter.CloseCause
		raw     string
		retries int
		action  Action
		reason  string
		class   error
	}{
		{name: "remote logout", cause: adapter.CauseLoggedOut, action: ActionPurge, reason: types.ReasonLoggedOut, class: ErrTerminalAuthFailure},
		{name: "auth rejected", cause: adapter.CauseAuthRejected, action: ActionPurge, reason: types.ReasonAuthRejected, class: ErrTerminalAuthFailure},
		{name: "timeout", cause: adapter.CauseTimeout, action: ActionIdle, reason: types.ReasonTimeout, class: ErrPairingTimeout},
		{name: "first transient", cause: adapter.CauseStreamError, retries: 0, action: ActionRetry, class: ErrTransientNetworkFailure},
		{name: "second transient", cause: adapter.CauseStreamError, retries: 1, action: ActionGiveUp, reason: types.ReasonConnectionFailed, class: ErrTransientNetworkFailure},
		{name: "unknown keeps raw reason", cause: adapter.CauseUnknown, raw: " replaced by another device ", action: ActionIdle, reason: "replaced by another device"},
		{name: "unknown without reason", cause: adapter.CauseUnknown, action: ActionIdle, reason: "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide(tc.cause, tc.raw, tc.retries, 1)
			if got.Action != tc.action || got.Reason != tc.reason {
				t.Fatalf("unexpected decision %+v", got)
			}
			if tc.class == nil && got.Class != nil {
				t.Fatalf("expected no error class, got %v", got.Class)
			}
			if tc.class != nil && !errors.Is(got.Class, tc.class) {
				t.Fatalf("expected class %v, got %v", tc.class, got.Class)
			}
		})
	}
}

func TestDecideOnlyTerminalCausesPurge(t *testing.T) {
	for _, cause := range []adapter.CloseCause{adapter.CauseTimeout, adapter.CauseStreamError, adapter.CauseUnknown} {
		for retries := 0; retries < 3; retries++ {
			if Decide(cause, "x", retries, 1).Action == ActionPurge {
				t.Fatalf("cause %s must never purge", cause)
			}
		}
	}
}

func TestDecideRespectsRetryCeiling(t *testing.T) {
	if got := Decide(adapter.CauseStreamError, "", 0, 0); got.Action != ActionGiveUp {
		t.Fatalf("expected give up with zero retry budget, got %s", got.Action)
	}
	if got := Decide(adapter.CauseStreamError, "", 2, 3); got.Action != ActionRetry {
		t.Fatalf("expected retry below ceiling, got %s", got.Action)
	}
}

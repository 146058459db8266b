package subscribers

import (
	"context"

	"crabstack.local/crab-relay/internal/types"
)

// Subscriber is an out-of-process collaborator that sees every event of
// every tenant.
type Subscriber interface {
	Name() string
	Handle(context.Context, types.Event) error
}
